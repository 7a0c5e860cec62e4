// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/AleutianAI/AleutianEdge/services/mlcore"
	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	svc, err := mlcore.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start mlcore: %w", err)
	}
	defer svc.Close()

	if isTerminal(cmd.OutOrStdout()) {
		fmt.Fprintln(cmd.OutOrStdout(), styles.Box.Render(
			styles.Title.Render("mlcore "+version)+"\n"+
				styles.Label.Render("listening  ")+fmt.Sprintf(":%d", cfg.Server.Port)+"\n"+
				styles.Label.Render("assets     ")+cfg.Assets.Dir+"\n"+
				styles.Label.Render("cache      ")+cfg.Cache.Dir))
	}

	return svc.Run(ctx)
}
