// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assetwatch re-probes classification backends when the bundled
// assets directory changes, so a model file dropped in place is picked up
// without a restart.
package assetwatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader re-probes whatever depends on the assets directory.
// *classification.Dispatcher satisfies it.
type Reloader interface {
	Reload(ctx context.Context)
}

// Options configures a Watcher.
type Options struct {
	// Debounce is how long the directory must stay quiet before a reload.
	// Default: 500ms
	Debounce time.Duration

	// Ignore lists glob patterns matched against the base name. Partial
	// downloads and editor swap files are ignored by default.
	Ignore []string

	Logger *slog.Logger
}

// DefaultOptions returns the defaults used when New gets a zero Options.
func DefaultOptions() Options {
	return Options{
		Debounce: 500 * time.Millisecond,
		Ignore:   []string{".*", "*.part", "*.tmp", "*.swp", "*~"},
	}
}

// Watcher watches one directory and calls Reload after each burst of
// changes.
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine. Reload is only ever
// called from the watcher's own goroutine, so reloads never overlap.
type Watcher struct {
	dir      string
	target   Reloader
	debounce time.Duration
	ignore   []string
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	exited  chan struct{}

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	reloads  int
}

// New creates a watcher for dir. Call Start to begin watching.
//
// # Inputs
//
//   - dir: The bundled assets directory.
//   - target: Called after each debounced burst of changes.
//   - opts: Zero fields take DefaultOptions values.
//
// # Outputs
//
//   - *Watcher: Not yet watching.
//   - error: Non-nil if the fsnotify watcher could not be created.
func New(dir string, target Reloader, opts Options) (*Watcher, error) {
	defaults := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if opts.Ignore == nil {
		opts.Ignore = defaults.Ignore
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create asset watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		target:   target,
		debounce: opts.Debounce,
		ignore:   opts.Ignore,
		logger:   opts.Logger.With("component", "assetwatch", "dir", dir),
		watcher:  fw,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}, nil
}

// Start adds the directory to the watch list and starts the event loop.
// It returns an error if the directory cannot be watched, for example
// because it does not exist. Calling Start twice is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.started = true
	go w.loop(ctx)
	w.logger.Info("Watching bundled assets")
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.mu.Lock()
		started := w.started
		w.mu.Unlock()
		if started {
			<-w.exited
		}
	})
}

// Reloads returns how many reloads the watcher has triggered.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.exited)

	var timer *time.Timer
	var timerC <-chan time.Time
	pending := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) || !relevant(event.Op) {
				continue
			}
			pending++
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			w.logger.Info("Bundled assets changed, reloading classifiers", "events", pending)
			pending = 0
			w.target.Reload(ctx)
			w.mu.Lock()
			w.reloads++
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Asset watcher error", "error", err)
		}
	}
}

// shouldIgnore matches the base name of path against the ignore globs.
func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.ignore {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
		if base == pattern {
			return true
		}
	}
	return strings.TrimSpace(base) == ""
}

func relevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Create) || op.Has(fsnotify.Write) ||
		op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename)
}
