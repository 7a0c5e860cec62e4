// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver turns a ModelDescriptor into a local file path.
//
// # Description
//
// Bundled descriptors are looked up in the assets directory. Remote
// descriptors are served from the cache when present and fetched through
// the Downloader otherwise. Concurrent misses for the same cache name
// share one fetch.
package resolver

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/cache"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/download"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultExtension is appended to bundled names that carry none.
	DefaultExtension = ".gguf"

	// FallbackRemoteFileName is the cache name used when neither the
	// descriptor nor the URL yields one.
	FallbackRemoteFileName = "remote_model.bin"
)

var tracer = otel.Tracer("github.com/AleutianAI/AleutianEdge/services/mlcore/resolver")

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	// Path is the local model file.
	Path string

	// FileName is the bundled asset name or cache key actually used.
	FileName string

	// Source is where the model came from.
	Source datatypes.SourceKind

	// CacheHit is true for remote models served without a network call.
	CacheHit bool
}

// Config configures a Resolver.
type Config struct {
	// AssetsDir holds bundled models.
	AssetsDir string

	// DefaultExtension overrides DefaultExtension. Include the dot.
	DefaultExtension string
}

// Resolver implements descriptor-to-path resolution.
//
// # Thread Safety
//
// Safe for concurrent use.
type Resolver struct {
	assetsDir  string
	defaultExt string
	store      *cache.Store
	downloader download.Downloader
	logger     *slog.Logger
	metrics    *observability.Metrics
	group      singleflight.Group
}

// New creates a Resolver.
//
// # Inputs
//
//   - cfg: Assets directory and default extension.
//   - store: Model cache.
//   - downloader: Remote fetcher. Typically *download.Manager.
//   - logger: Nil means slog.Default().
//   - metrics: May be nil.
func New(cfg Config, store *cache.Store, downloader download.Downloader, logger *slog.Logger, metrics *observability.Metrics) *Resolver {
	ext := cfg.DefaultExtension
	if ext == "" {
		ext = DefaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		assetsDir:  cfg.AssetsDir,
		defaultExt: ext,
		store:      store,
		downloader: downloader,
		logger:     logger,
		metrics:    metrics,
	}
}

// Resolve maps desc to a local model file.
//
// # Description
//
// Bundled: the file name (plus the default extension when it has none) is
// looked up in the assets directory. Absence is ModelMissing.
//
// Remote: the cache name is desc.FileName, else the URL's last path
// segment, else FallbackRemoteFileName. A present cache entry is returned
// with no network call. Otherwise the Downloader fetches it; concurrent
// misses for the same name, URL and token wait on one fetch and share its
// result. The fetch runs detached from every caller's cancellation.
//
// # Inputs
//
//   - ctx: Cancels this caller's wait. The shared fetch keeps running for
//     the other callers.
//   - desc: The model to resolve.
//
// # Outputs
//
//   - Resolution: Path and provenance.
//   - error: *mlerrors.Error (ModelMissing or Download).
//
// # Examples
//
//	res, err := r.Resolve(ctx, datatypes.Bundled("model", params))
//	// res.Path == "<assets>/model.gguf"
func (r *Resolver) Resolve(ctx context.Context, desc datatypes.ModelDescriptor) (Resolution, error) {
	ctx, span := tracer.Start(ctx, "resolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("model.source", desc.Source.String()))

	var (
		res Resolution
		err error
	)
	switch desc.Source {
	case datatypes.SourceRemote:
		res, err = r.resolveRemote(ctx, desc)
	default:
		res, err = r.resolveBundled(desc)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Resolution{}, err
	}
	span.SetAttributes(
		attribute.String("model.file", res.FileName),
		attribute.Bool("model.cache_hit", res.CacheHit))
	return res, nil
}

// BundledPath returns the assets path a bundled name resolves to, without
// checking existence.
func (r *Resolver) BundledPath(fileName string) string {
	name := filepath.Base(fileName)
	if filepath.Ext(name) == "" {
		name += r.defaultExt
	}
	return filepath.Join(r.assetsDir, name)
}

func (r *Resolver) resolveBundled(desc datatypes.ModelDescriptor) (Resolution, error) {
	if strings.TrimSpace(desc.FileName) == "" {
		return Resolution{}, mlerrors.ModelMissing("", r.assetsDir)
	}
	p := r.BundledPath(desc.FileName)

	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("bundled model not readable", "path", p, "error", err)
		}
		return Resolution{}, mlerrors.ModelMissing(desc.FileName, p)
	}

	r.logger.Debug("resolved bundled model", "path", p)
	return Resolution{
		Path:     p,
		FileName: filepath.Base(p),
		Source:   datatypes.SourceBundled,
	}, nil
}

func (r *Resolver) resolveRemote(ctx context.Context, desc datatypes.ModelDescriptor) (Resolution, error) {
	name := RemoteFileName(desc)

	p, err := r.store.LocationFor(name)
	if err != nil {
		return Resolution{}, mlerrors.WriteFailed(name, err)
	}

	if r.store.Exists(p) {
		r.metrics.CacheLookup(true)
		r.logger.Info("using cached model", "file", name)
		return Resolution{Path: p, FileName: name, Source: datatypes.SourceRemote, CacheHit: true}, nil
	}
	r.metrics.CacheLookup(false)

	fetchCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(flightKey(name, desc), func() (interface{}, error) {
		// Re-check: a flight that finished just before this one started
		// may already have committed the file.
		if r.store.Exists(p) {
			return p, nil
		}
		return r.downloader.Fetch(fetchCtx, download.Request{
			URL:            desc.RemoteURL,
			FileName:       name,
			AuthToken:      desc.AuthToken,
			Headers:        desc.Headers,
			ExpectedSHA256: desc.ExpectedSHA256,
		})
	})

	select {
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return Resolution{}, out.Err
		}
		return Resolution{Path: out.Val.(string), FileName: name, Source: datatypes.SourceRemote}, nil
	}
}

// flightKey separates fetches that could end differently: the same cache
// name from another URL, or with another token.
func flightKey(name string, desc datatypes.ModelDescriptor) string {
	return name + "\x00" + desc.RemoteURL + "\x00" + desc.AuthToken.Fingerprint()
}

// RemoteFileName derives the cache key for a remote descriptor.
func RemoteFileName(desc datatypes.ModelDescriptor) string {
	if name := strings.TrimSpace(desc.FileName); name != "" {
		return filepath.Base(name)
	}
	if u, err := url.Parse(desc.RemoteURL); err == nil {
		seg := path.Base(u.Path)
		if seg != "" && seg != "/" && seg != "." {
			return seg
		}
	}
	return FallbackRemoteFileName
}
