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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianEdge/pkg/config"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/cache"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/download"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/resolver"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// openStore opens the cache without the rest of the service.
func openStore(c config.MLCoreConfig) (*cache.Store, func(), error) {
	log := cliLogger().Slog()
	var index cache.Index = cache.NopIndex{}
	if c.Cache.Index {
		idx, err := cache.OpenBadgerIndex(cache.BadgerConfig{Path: cache.IndexPath(c.Cache.Dir), Logger: log})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open cache index: %w", err)
		}
		index = idx
	}
	store, err := cache.NewStore(c.Cache.Dir, index, log)
	if err != nil {
		_ = index.Close()
		return nil, nil, err
	}
	return store, func() { _ = index.Close() }, nil
}

type fetchResult struct {
	FileName string `json:"fileName"`
	Path     string `json:"path"`
}

func runFetch(cmd *cobra.Command, args []string) error {
	headers, err := parseHeaders(headerPairs)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	desc := datatypes.Remote(args[0], fetchFileName, datatypes.NewSecret(tokenFromFlagOrEnv()), headers, datatypes.GenerationParams{})
	name := resolver.RemoteFileName(desc)

	httpFetcher := download.NewHTTPFetcher(download.HTTPConfig{
		Timeout:   cfg.Download.Timeout,
		UserAgent: cfg.Download.UserAgent,
	})
	opts := []download.ManagerOption{
		download.WithLogger(cliLogger().Slog()),
		download.WithFetcher("http", httpFetcher),
		download.WithFetcher("https", httpFetcher),
		download.WithFetcher("gs", download.NewGCSFetcher(download.GCSConfig{
			UseDefaultCredentials: cfg.Download.GCSDefaultCredentials,
		})),
	}
	if isTerminal(os.Stderr) {
		opts = append(opts, download.WithProgress(progressLine(os.Stderr)))
	}

	path, err := download.NewManager(store, opts...).Fetch(ctx, download.Request{
		URL:            desc.RemoteURL,
		FileName:       name,
		AuthToken:      desc.AuthToken,
		Headers:        desc.Headers,
		ExpectedSHA256: strings.ToLower(expectedSHA256),
	})
	if isTerminal(os.Stderr) {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}

	res := fetchResult{FileName: name, Path: path}
	return newPrinter(cmd).emit(res, func(w io.Writer) {
		fmt.Fprintln(w, styles.Success.Render("✓ cached ")+name)
		fmt.Fprintln(w, styles.Muted.Render(path))
	})
}

// progressLine redraws one status line on w, at most every 200ms.
func progressLine(w io.Writer) download.ProgressFunc {
	var last time.Time
	return func(fileName string, completed, total int64) {
		if time.Since(last) < 200*time.Millisecond && completed != total {
			return
		}
		last = time.Now()
		if total > 0 {
			fmt.Fprintf(w, "\r%s %s / %s (%.0f%%)", styles.Label.Render(fileName),
				humanize.IBytes(uint64(completed)), humanize.IBytes(uint64(total)),
				float64(completed)*100/float64(total))
			return
		}
		fmt.Fprintf(w, "\r%s %s", styles.Label.Render(fileName), humanize.IBytes(uint64(completed)))
	}
}

func runCacheList(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := store.List()
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []cache.Entry{}
	}

	return newPrinter(cmd).emit(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, styles.Muted.Render("cache is empty: "+store.Dir()))
			return
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			digest := styles.Muted.Render("unindexed")
			if e.SHA256 != "" {
				digest = e.SHA256[:12]
			}
			rows = append(rows, []string{
				e.FileName,
				humanize.IBytes(uint64(e.Size)),
				digest,
				humanize.Time(e.FetchedAt),
				e.SourceURL,
			})
		}
		fmt.Fprintln(w, renderTable([]string{"File", "Size", "SHA-256", "Fetched", "Source"}, rows))
	})
}

func runCacheRemove(cmd *cobra.Command, args []string) error {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var errs []error
	removed := make([]string, 0, len(args))
	for _, name := range args {
		if err := store.Remove(name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		removed = append(removed, name)
	}

	if err := newPrinter(cmd).emit(map[string][]string{"removed": removed}, func(w io.Writer) {
		for _, name := range removed {
			fmt.Fprintln(w, styles.Success.Render("✓ removed ")+name)
		}
	}); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func runCachePurge(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		if !isTerminal(os.Stdin) {
			return errors.New("refusing to purge without --yes when not attached to a terminal")
		}
		fmt.Fprint(cmd.OutOrStdout(), styles.Warning.Render("Remove every cached model? [y/N] "))
		line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(line)); a != "y" && a != "yes" {
			fmt.Fprintln(cmd.OutOrStdout(), styles.Muted.Render("aborted"))
			return nil
		}
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := store.Purge()
	if err != nil {
		return err
	}
	return newPrinter(cmd).emit(map[string]int{"removed": n}, func(w io.Writer) {
		fmt.Fprintln(w, styles.Success.Render(fmt.Sprintf("✓ removed %d cached artifact(s)", n)))
	})
}
