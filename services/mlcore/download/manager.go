// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package download fetches remote model artifacts into the cache.
//
// # Description
//
// The Manager picks a Fetcher by URL scheme (http, https, gs), opens the
// artifact stream, checks free space when the size is known, and commits
// the body through cache.Store so a failed or interrupted fetch never
// leaves a file that looks cached. Every failure is an *mlerrors.Error of
// KindDownload with a reason:
//
//	200          -> committed, path returned
//	401          -> ReasonAuthenticationFailed
//	403          -> ReasonAccessForbidden
//	404          -> ReasonNotFound
//	other status -> ReasonHTTPStatus (StatusCode set)
//	network      -> ReasonTransport
//
// There is no retry and no resume.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/cache"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds one fetch, including the body transfer. Model
// artifacts run to several gigabytes.
const DefaultTimeout = 30 * time.Minute

var tracer = otel.Tracer("github.com/AleutianAI/AleutianEdge/services/mlcore/download")

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Request describes one artifact fetch.
type Request struct {
	// URL is the artifact location.
	URL string

	// FileName is the cache key the body is committed under.
	FileName string

	// AuthToken is sent as "Authorization: Bearer <token>" when present.
	AuthToken datatypes.Secret

	// Headers are attached verbatim and may override defaults.
	Headers map[string]string

	// ExpectedSHA256 rejects bodies with a different digest when set.
	ExpectedSHA256 string
}

// ProgressFunc receives transfer progress. total is -1 when unknown.
type ProgressFunc func(fileName string, completed, total int64)

// Fetcher opens an artifact stream for one URL scheme.
//
// Implementations map every failure to *mlerrors.Error and must be safe
// for concurrent use.
type Fetcher interface {
	// Open starts the transfer. size is -1 when unknown. The caller
	// closes body.
	Open(ctx context.Context, u *url.URL, req Request) (body io.ReadCloser, size int64, err error)
}

// Downloader is the contract the resolver depends on.
type Downloader interface {
	Fetch(ctx context.Context, req Request) (string, error)
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Manager implements Downloader over a set of scheme fetchers.
//
// # Thread Safety
//
// Safe for concurrent use after construction. Two concurrent fetches of the
// same file name are not deduplicated here; the resolver does that.
type Manager struct {
	store     *cache.Store
	fetchers  map[string]Fetcher
	logger    *slog.Logger
	metrics   *observability.Metrics
	progress  ProgressFunc
	freeSpace func(dir string) (uint64, bool)
	logEvery  time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFetcher registers f for scheme, replacing any default.
func WithFetcher(scheme string, f Fetcher) ManagerOption {
	return func(m *Manager) { m.fetchers[strings.ToLower(scheme)] = f }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records download metrics.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) ManagerOption {
	return func(m *Manager) { m.progress = fn }
}

// WithFreeSpaceFunc overrides the free-space probe. Used by tests.
func WithFreeSpaceFunc(fn func(dir string) (uint64, bool)) ManagerOption {
	return func(m *Manager) { m.freeSpace = fn }
}

// NewManager creates a Manager that commits into store.
//
// # Description
//
// http and https use an HTTPFetcher with DefaultTimeout unless replaced
// via WithFetcher. gs is only available when a GCSFetcher is registered.
//
// # Inputs
//
//   - store: Destination cache.
//   - opts: Optional configuration.
//
// # Outputs
//
//   - *Manager: Ready for use.
func NewManager(store *cache.Store, opts ...ManagerOption) *Manager {
	httpFetcher := NewHTTPFetcher(HTTPConfig{})
	m := &Manager{
		store: store,
		fetchers: map[string]Fetcher{
			"http":  httpFetcher,
			"https": httpFetcher,
		},
		logger:    slog.Default(),
		freeSpace: freeBytes,
		logEvery:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fetch downloads req.URL into the cache under req.FileName.
//
// # Description
//
// Opens the stream with the scheme's fetcher, refuses to start when the
// cache volume is known to be too small, then commits the body atomically.
// Read failures during the transfer are transport errors; failures writing
// the cache are ReasonWrite; digest mismatches are ReasonChecksumMismatch.
//
// # Inputs
//
//   - ctx: Cancels the transfer.
//   - req: URL, cache name, credentials, headers, optional digest.
//
// # Outputs
//
//   - string: Path of the committed artifact.
//   - error: *mlerrors.Error of KindDownload.
//
// # Examples
//
//	path, err := mgr.Fetch(ctx, download.Request{
//	    URL:       "https://huggingface.co/google/gemma-3n-E2B-it-litert-lm/resolve/main/model.litertlm",
//	    FileName:  "gemma-3n-e2b.litertlm",
//	    AuthToken: datatypes.NewSecret(hfToken),
//	    Headers:   map[string]string{"User-Agent": "MLPlugin-Example/1.0"},
//	})
//
// # Limitations
//
//   - No retry or resume; a failed transfer starts over on the next call.
func (m *Manager) Fetch(ctx context.Context, req Request) (string, error) {
	start := time.Now()

	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &mlerrors.Error{
			Kind:    mlerrors.KindDownload,
			Reason:  mlerrors.ReasonTransport,
			Model:   req.FileName,
			Message: "invalid download URL",
			Detail:  redactURL(req.URL),
			Err:     err,
		}
	}
	scheme := strings.ToLower(u.Scheme)

	ctx, span := tracer.Start(ctx, "download.Fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("download.scheme", scheme),
		attribute.String("download.host", u.Host),
		attribute.String("download.file", req.FileName),
		attribute.Bool("download.token_present", req.AuthToken.Present()),
	)

	path, size, err := m.fetch(ctx, u, req)
	outcome := "success"
	if err != nil {
		outcome = codeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		m.logger.Warn("model download failed",
			"file", req.FileName,
			"url", redactURL(req.URL),
			"code", outcome,
			"error", err)
	} else {
		span.SetAttributes(attribute.Int64("download.bytes", size))
		m.logger.Info("model downloaded",
			"file", req.FileName,
			"bytes", size,
			"duration_ms", time.Since(start).Milliseconds())
	}
	m.metrics.Download(scheme, outcome, size, time.Since(start))
	return path, err
}

func (m *Manager) fetch(ctx context.Context, u *url.URL, req Request) (string, int64, error) {
	fetcher, ok := m.fetchers[strings.ToLower(u.Scheme)]
	if !ok {
		return "", 0, &mlerrors.Error{
			Kind:    mlerrors.KindDownload,
			Reason:  mlerrors.ReasonTransport,
			Model:   req.FileName,
			Message: fmt.Sprintf("unsupported URL scheme %q", u.Scheme),
		}
	}

	if _, err := m.store.LocationFor(req.FileName); err != nil {
		return "", 0, mlerrors.WriteFailed(req.FileName, err)
	}

	m.logger.Info("downloading model",
		"file", req.FileName,
		"url", redactURL(req.URL),
		"token_present", req.AuthToken.Present())

	body, size, err := fetcher.Open(ctx, u, req)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	if size > 0 {
		if free, known := m.freeSpace(m.store.Dir()); known && uint64(size) > free {
			return "", 0, mlerrors.InsufficientStorage(req.FileName, uint64(size), free)
		}
	}

	pr := &progressReader{
		r:         body,
		fileName:  req.FileName,
		total:     size,
		callback:  m.progress,
		logger:    m.logger,
		sometimes: &rate.Sometimes{First: 1, Interval: m.logEvery},
	}

	entry, err := m.store.Commit(req.FileName, pr, cache.CommitOptions{
		SourceURL:      redactURL(req.URL),
		ExpectedSHA256: req.ExpectedSHA256,
	})
	if err != nil {
		var cerr *cache.ChecksumError
		switch {
		case errors.As(err, &cerr):
			return "", pr.completed, mlerrors.ChecksumMismatch(req.FileName, cerr.Want, cerr.Got)
		case pr.err != nil:
			return "", pr.completed, mlerrors.Transport(req.FileName, pr.err)
		default:
			return "", pr.completed, mlerrors.WriteFailed(req.FileName, err)
		}
	}

	path, err := m.store.LocationFor(entry.FileName)
	if err != nil {
		return "", entry.Size, mlerrors.WriteFailed(req.FileName, err)
	}
	return path, entry.Size, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// progressReader counts bytes, reports progress, and remembers the first
// read error so Fetch can tell transport failures from cache failures.
type progressReader struct {
	r         io.Reader
	fileName  string
	total     int64
	completed int64
	callback  ProgressFunc
	logger    *slog.Logger
	sometimes *rate.Sometimes
	err       error
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.completed += int64(n)
		if p.callback != nil {
			p.callback(p.fileName, p.completed, p.total)
		}
		p.sometimes.Do(func() {
			p.logger.Info("download progress",
				"file", p.fileName,
				"completed", p.completed,
				"total", p.total)
		})
	}
	if err != nil && !errors.Is(err, io.EOF) && p.err == nil {
		p.err = err
	}
	return n, err
}

// redactURL drops userinfo and query so signed URLs and embedded
// credentials never reach logs or the cache index.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func codeOf(err error) string {
	var e *mlerrors.Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return "UNKNOWN"
}
