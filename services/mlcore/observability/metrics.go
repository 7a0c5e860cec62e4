// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for mlcore.
//
// # Description
//
// Prometheus metrics cover the model lifecycle:
//   - Cache lookups (hit/miss)
//   - Downloads (outcome, bytes, duration)
//   - Session initializations and the current session state
//   - Classifications by backend and outcome
//   - Generations and estimated tokens
//
// Metrics are registered on a caller-supplied registry so that tests and
// embedded hosts never collide with the global default registry.
//
// # Thread Safety
//
// All metric operations are thread-safe. Every method is safe to call on a
// nil *Metrics, which records nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "aleutian_edge"

const (
	cacheSubsystem          = "cache"
	downloadSubsystem       = "download"
	sessionSubsystem        = "session"
	classificationSubsystem = "classification"
	generationSubsystem     = "generation"
)

// Metrics holds all Prometheus collectors for mlcore.
type Metrics struct {
	// CacheLookupsTotal counts remote-model cache lookups.
	// Labels: result (hit, miss)
	CacheLookupsTotal *prometheus.CounterVec

	// DownloadsTotal counts artifact fetches by outcome code.
	// Labels: outcome (success, DOWNLOAD_NOT_FOUND, ...)
	DownloadsTotal *prometheus.CounterVec

	// DownloadBytesTotal counts committed artifact bytes.
	DownloadBytesTotal prometheus.Counter

	// DownloadDurationSeconds measures fetch duration.
	// Labels: scheme (http, https, gs)
	DownloadDurationSeconds *prometheus.HistogramVec

	// SessionInitializationsTotal counts initialization flights.
	// Labels: outcome (ready, failed)
	SessionInitializationsTotal *prometheus.CounterVec

	// SessionInitDurationSeconds measures resolve + engine construction.
	SessionInitDurationSeconds prometheus.Histogram

	// SessionState is 1 for the current state and 0 for the others.
	// Labels: state (uninitialized, initializing, ready, failed)
	SessionState *prometheus.GaugeVec

	// ClassificationsTotal counts classify calls.
	// Labels: backend, outcome (success, error)
	ClassificationsTotal *prometheus.CounterVec

	// ClassificationDurationSeconds measures classify latency per backend.
	// Labels: backend
	ClassificationDurationSeconds *prometheus.HistogramVec

	// GenerationsTotal counts generate calls.
	// Labels: outcome (success, error)
	GenerationsTotal *prometheus.CounterVec

	// GenerationTokensTotal counts estimated output tokens.
	// Labels: model
	GenerationTokensTotal *prometheus.CounterVec

	// GenerationDurationSeconds measures generate latency.
	GenerationDurationSeconds prometheus.Histogram
}

// NewMetrics creates and registers all collectors on reg.
//
// # Description
//
// Uses promauto.With(reg) so each registry gets its own collectors. Pass
// prometheus.NewRegistry() in tests.
//
// # Inputs
//
//   - reg: Registry to register on. Must not be nil.
//
// # Outputs
//
//   - *Metrics: Ready for use.
//
// # Limitations
//
//   - Panics on duplicate registration against the same registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheLookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: cacheSubsystem,
			Name:      "lookups_total",
			Help:      "Remote model cache lookups by result",
		}, []string{"result"}),

		DownloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: downloadSubsystem,
			Name:      "requests_total",
			Help:      "Model artifact downloads by outcome",
		}, []string{"outcome"}),

		DownloadBytesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: downloadSubsystem,
			Name:      "bytes_total",
			Help:      "Bytes committed to the model cache",
		}),

		DownloadDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: downloadSubsystem,
			Name:      "duration_seconds",
			Help:      "Model artifact download duration",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"scheme"}),

		SessionInitializationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: sessionSubsystem,
			Name:      "initializations_total",
			Help:      "Generation session initialization attempts by outcome",
		}, []string{"outcome"}),

		SessionInitDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: sessionSubsystem,
			Name:      "init_duration_seconds",
			Help:      "Time from initialization start to ready or failed",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}),

		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: sessionSubsystem,
			Name:      "state",
			Help:      "Current generation session state (1 = active)",
		}, []string{"state"}),

		ClassificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: classificationSubsystem,
			Name:      "requests_total",
			Help:      "Image classifications by backend and outcome",
		}, []string{"backend", "outcome"}),

		ClassificationDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: classificationSubsystem,
			Name:      "duration_seconds",
			Help:      "Image classification latency by backend",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),

		GenerationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: generationSubsystem,
			Name:      "requests_total",
			Help:      "Text generations by outcome",
		}, []string{"outcome"}),

		GenerationTokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: generationSubsystem,
			Name:      "tokens_total",
			Help:      "Estimated output tokens by model",
		}, []string{"model"}),

		GenerationDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: generationSubsystem,
			Name:      "duration_seconds",
			Help:      "Text generation latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// CacheLookup records a remote cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// Download records one fetch. outcome is "success" or an error code.
func (m *Metrics) Download(scheme, outcome string, bytes int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(outcome).Inc()
	m.DownloadDurationSeconds.WithLabelValues(scheme).Observe(elapsed.Seconds())
	if bytes > 0 {
		m.DownloadBytesTotal.Add(float64(bytes))
	}
}

// SessionInit records the end of an initialization flight.
func (m *Metrics) SessionInit(ready bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "failed"
	if ready {
		outcome = "ready"
	}
	m.SessionInitializationsTotal.WithLabelValues(outcome).Inc()
	m.SessionInitDurationSeconds.Observe(elapsed.Seconds())
}

// sessionStates lists every label value of SessionState.
var sessionStates = []string{"uninitialized", "initializing", "ready", "failed"}

// SetSessionState marks state as the active session state.
func (m *Metrics) SetSessionState(state string) {
	if m == nil {
		return
	}
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// Classification records one classify call.
func (m *Metrics) Classification(backend string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ClassificationsTotal.WithLabelValues(backend, outcomeOf(err)).Inc()
	m.ClassificationDurationSeconds.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// Generation records one generate call.
func (m *Metrics) Generation(model string, tokens int, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GenerationsTotal.WithLabelValues(outcomeOf(err)).Inc()
	m.GenerationDurationSeconds.Observe(elapsed.Seconds())
	if err == nil && tokens > 0 {
		m.GenerationTokensTotal.WithLabelValues(model).Add(float64(tokens))
	}
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
