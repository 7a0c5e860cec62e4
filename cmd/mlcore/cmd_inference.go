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
	"io"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/spf13/cobra"
)

// authTokenEnv supplies --auth-token when the flag is empty.
const authTokenEnv = "MLCORE_AUTH_TOKEN"

func runClassify(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	resp, err := svc.Capabilities().ClassifyImage(ctx, datatypes.ClassifyImageRequest{
		ImagePath:   imagePath,
		Base64Image: imageBase64,
	})
	if err != nil {
		return err
	}

	return newPrinter(cmd).emit(resp, func(w io.Writer) {
		fmt.Fprintln(w, styles.Title.Render("Classification")+" "+styles.Muted.Render("via "+resp.Backend))
		rows := make([][]string, 0, len(resp.Predictions))
		for _, p := range resp.Predictions {
			rows = append(rows, []string{p.Label, fmt.Sprintf("%.3f", p.Confidence), confidenceBar(p.Confidence)})
		}
		fmt.Fprintln(w, renderTable([]string{"Label", "Confidence", ""}, rows))
	})
}

func runGenerate(cmd *cobra.Command, args []string) error {
	req, err := buildGenerateRequest()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if isTerminal(os.Stderr) {
		fmt.Fprintln(os.Stderr, styles.Muted.Render("Loading model, the first run may download it..."))
	}
	res, err := svc.Capabilities().GenerateText(ctx, req)
	if err != nil {
		return err
	}

	return newPrinter(cmd).emit(res, func(w io.Writer) {
		fmt.Fprintln(w, styles.Box.Render(res.Response))
		fmt.Fprintln(w, styles.Muted.Render(fmt.Sprintf("model %s · ~%d tokens", res.ModelName, res.TokensUsed)))
	})
}

// buildGenerateRequest turns the generate flags into a request.
func buildGenerateRequest() (datatypes.GenerateTextRequest, error) {
	headers, err := parseHeaders(headerPairs)
	if err != nil {
		return datatypes.GenerateTextRequest{}, err
	}
	req := datatypes.GenerateTextRequest{
		Prompt:            prompt,
		DownloadAtRuntime: downloadURL != "",
		DownloadURL:       downloadURL,
		ModelFileName:     modelFile,
		AuthToken:         tokenFromFlagOrEnv(),
		Headers:           headers,
		ExpectedSHA256:    strings.ToLower(expectedSHA256),
	}
	if maxTokens > 0 {
		n := maxTokens
		req.MaxTokens = &n
	}
	if temperature >= 0 {
		t := temperature
		req.Temperature = &t
	}
	return req, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	status, err := svc.Capabilities().Status(ctx)
	if err != nil {
		return err
	}

	return newPrinter(cmd).emit(status, func(w io.Writer) {
		fmt.Fprintln(w, styles.Title.Render("Session")+" "+styles.Label.Render(status.Session.State))
		if status.Session.ModelName != "" {
			fmt.Fprintln(w, styles.Muted.Render("model "+status.Session.ModelName))
		}
		if status.Session.Error != "" {
			fmt.Fprintln(w, styles.Error.Render(status.Session.Error))
		}

		rows := make([][]string, 0, len(status.Classifiers))
		for _, b := range status.Classifiers {
			state := styles.Success.Render("available")
			if !b.Available {
				state = styles.Warning.Render("unavailable")
			}
			rows = append(rows, []string{b.Name, state, b.Reason})
		}
		fmt.Fprintln(w, styles.Title.Render("Classifiers"))
		fmt.Fprintln(w, renderTable([]string{"Backend", "State", "Reason"}, rows))
	})
}

// parseHeaders parses repeated key=value flags.
func parseHeaders(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q, want key=value", pair)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func tokenFromFlagOrEnv() string {
	if authToken != "" {
		return authToken
	}
	return os.Getenv(authTokenEnv)
}
