// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command mlcore runs the on-device model lifecycle and inference service
// and offers one-shot classify, generate and cache commands.
//
// # Usage
//
//	mlcore serve
//	mlcore classify --image photo.jpg
//	mlcore generate --prompt "Hello"
//	mlcore generate --prompt "Hello" \
//	    --download-url https://huggingface.co/org/repo/resolve/main/model.gguf \
//	    --auth-token "$HF_TOKEN"
//	mlcore cache list
//
// Output is JSON when stdout is not a terminal, or with --json.
package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	// Commands run under a signal-aware context and return normally on
	// Ctrl-C, so the deferred purge wipes any sealed auth tokens.
	defer memguard.Purge()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.Error.Render("error: ")+err.Error())
		memguard.SafeExit(1)
	}
}
