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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianEdge/pkg/config"
	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/services/mlcore"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// --- Global Command Variables ---
var (
	configPath string
	jsonOutput bool
	verbose    bool

	// cfg is loaded by the root PersistentPreRunE.
	cfg config.MLCoreConfig

	// classify
	imagePath   string
	imageBase64 string

	// generate
	prompt         string
	downloadURL    string
	modelFile      string
	authToken      string
	headerPairs    []string
	expectedSHA256 string
	maxTokens      int
	temperature    float64

	// fetch
	fetchFileName string

	rootCmd = &cobra.Command{
		Use:           "mlcore",
		Short:         "On-device model lifecycle and inference",
		Long:          `mlcore resolves, downloads, caches and runs on-device models for image classification and text generation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Inference ---
	classifyCmd = &cobra.Command{
		Use:   "classify",
		Short: "Classify an image with the first available backend",
		RunE:  runClassify, // Defined in cmd_inference.go
	}
	generateCmd = &cobra.Command{
		Use:   "generate",
		Short: "Generate text, loading (and downloading) the model on first use",
		RunE:  runGenerate, // Defined in cmd_inference.go
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show session state and classifier availability",
		RunE:  runStatus, // Defined in cmd_inference.go
	}

	// --- Cache ---
	fetchCmd = &cobra.Command{
		Use:   "fetch [url]",
		Short: "Download a model artifact into the cache",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetch, // Defined in cmd_cache.go
	}
	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage cached model artifacts",
	}
	cacheListCmd = &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List cached artifacts",
		RunE:    runCacheList, // Defined in cmd_cache.go
	}
	cacheRemoveCmd = &cobra.Command{
		Use:   "rm [file...]",
		Short: "Remove cached artifacts by file name",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCacheRemove, // Defined in cmd_cache.go
	}
	cachePurgeCmd = &cobra.Command{
		Use:   "purge",
		Short: "Remove every cached artifact",
		RunE:  runCachePurge, // Defined in cmd_cache.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the mlcore version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "mlcore", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.mlcore/mlcore.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Always print JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level to stderr")

	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(classifyCmd)
	classifyCmd.Flags().StringVar(&imagePath, "image", "", "Path of the image to classify")
	classifyCmd.Flags().StringVar(&imageBase64, "base64", "", "Base64 image or data:image/...;base64, URI")
	classifyCmd.MarkFlagsOneRequired("image", "base64")
	classifyCmd.MarkFlagsMutuallyExclusive("image", "base64")

	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt text")
	generateCmd.Flags().StringVar(&downloadURL, "download-url", "", "Fetch the model from this URL (http, https or gs)")
	generateCmd.Flags().StringVar(&modelFile, "model-file", "", "Bundled model name, or cache name for --download-url")
	generateCmd.Flags().StringVar(&authToken, "auth-token", "", "Bearer token for gated downloads (or MLCORE_AUTH_TOKEN)")
	generateCmd.Flags().StringArrayVar(&headerPairs, "header", nil, "Extra download header as key=value (repeatable)")
	generateCmd.Flags().StringVar(&expectedSHA256, "sha256", "", "Expected SHA-256 of the downloaded artifact")
	generateCmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Maximum tokens to generate (default from config)")
	generateCmd.Flags().Float64Var(&temperature, "temperature", -1, "Sampling temperature (default from config)")
	_ = generateCmd.MarkFlagRequired("prompt")

	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVar(&fetchFileName, "file", "", "Cache file name (default: last URL path segment)")
	fetchCmd.Flags().StringVar(&authToken, "auth-token", "", "Bearer token (or MLCORE_AUTH_TOKEN)")
	fetchCmd.Flags().StringArrayVar(&headerPairs, "header", nil, "Extra header as key=value (repeatable)")
	fetchCmd.Flags().StringVar(&expectedSHA256, "sha256", "", "Expected SHA-256 of the artifact")

	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheRemoveCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	cachePurgeCmd.Flags().Bool("yes", false, "Do not ask for confirmation")

	rootCmd.AddCommand(versionCmd)
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// cliLogger logs warnings to stderr, or everything with --verbose.
func cliLogger() *logging.Logger {
	level := logging.LevelWarn
	if verbose {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{Level: level, Service: "mlcore-cli", Output: os.Stderr})
}

// newService builds an in-process service. Tests replace it.
var newService = func(ctx context.Context, c config.MLCoreConfig) (*mlcore.Service, error) {
	return mlcore.New(ctx, c, mlcore.WithLogger(cliLogger()))
}
