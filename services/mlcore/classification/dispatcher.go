// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classification selects an image classifier and runs it.
//
// # Description
//
// Backends are tried in a fixed order (custom bundled model, platform
// default, stub). Availability is decided by Backend.Load when the
// Dispatcher is built or reloaded, never per request: only an unavailable
// backend is skipped. Once a backend is chosen its decode and inference
// errors are returned to the caller as they are.
package classification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MaxPredictions is the number of predictions returned per image.
const MaxPredictions = 5

var tracer = otel.Tracer("github.com/AleutianAI/AleutianEdge/services/mlcore/classification")

// Backend is one classifier in the fallback chain.
type Backend interface {
	// Name identifies the backend in status output and metrics.
	Name() string

	// Load prepares the backend. A non-nil error marks the backend
	// unavailable; the error text becomes its status reason.
	Load(ctx context.Context) error

	// Classify labels img. Implementations call img.Decode when they need
	// pixels and return its error unchanged.
	Classify(ctx context.Context, img *Image) ([]datatypes.Prediction, error)
}

type slot struct {
	backend   Backend
	available bool
	reason    string
}

// Dispatcher routes classification to the first available backend.
//
// # Thread Safety
//
// Classify may run concurrently with itself and with Reload.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu    sync.RWMutex
	slots []slot
}

// NewDispatcher probes every backend once, in order, and returns a
// Dispatcher over them.
//
// # Inputs
//
//   - ctx: Bounds the Load probes.
//   - backends: Fallback chain, highest priority first.
//   - logger: Nil means slog.Default().
//   - metrics: May be nil.
func NewDispatcher(ctx context.Context, backends []Backend, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger, metrics: metrics}
	d.slots = d.probe(ctx, backends)
	return d
}

func (d *Dispatcher) probe(ctx context.Context, backends []Backend) []slot {
	slots := make([]slot, 0, len(backends))
	for _, b := range backends {
		s := slot{backend: b, available: true}
		if err := b.Load(ctx); err != nil {
			s.available = false
			s.reason = err.Error()
			d.logger.Info("classification backend unavailable", "backend", b.Name(), "reason", s.reason)
		} else {
			d.logger.Info("classification backend available", "backend", b.Name())
		}
		slots = append(slots, s)
	}
	return slots
}

// Reload re-probes every backend. Requests in flight finish on the
// backend they already picked.
func (d *Dispatcher) Reload(ctx context.Context) {
	d.mu.RLock()
	backends := make([]Backend, len(d.slots))
	for i, s := range d.slots {
		backends[i] = s.backend
	}
	d.mu.RUnlock()

	slots := d.probe(ctx, backends)

	d.mu.Lock()
	d.slots = slots
	d.mu.Unlock()
}

// Backends reports availability for each backend in chain order.
func (d *Dispatcher) Backends() []datatypes.BackendStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]datatypes.BackendStatus, len(d.slots))
	for i, s := range d.slots {
		out[i] = datatypes.BackendStatus{Name: s.backend.Name(), Available: s.available, Reason: s.reason}
	}
	return out
}

// Active returns the backend Classify would use, or nil.
func (d *Dispatcher) Active() Backend {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.slots {
		if s.available {
			return s.backend
		}
	}
	return nil
}

// Classify labels img with the first available backend.
//
// # Description
//
// The chosen backend's predictions are sorted by descending confidence
// (ties keep backend order) and cut to MaxPredictions.
//
// # Inputs
//
//   - ctx: Passed to the backend.
//   - img: Input image. Decoded by the backend, once.
//
// # Outputs
//
//   - datatypes.ClassifyImageResponse: Predictions and the backend name.
//   - error: KindDecode for bad input, KindInference for a backend failure
//     or an empty result, KindClassification when nothing is available.
//
// # Examples
//
//	img, err := classification.FromBase64(req.Base64Image)
//	if err != nil {
//	    return err
//	}
//	resp, err := dispatcher.Classify(ctx, img)
func (d *Dispatcher) Classify(ctx context.Context, img *Image) (datatypes.ClassifyImageResponse, error) {
	backend := d.Active()
	if backend == nil {
		return datatypes.ClassifyImageResponse{}, mlerrors.NoClassifier(d.unavailableSummary())
	}
	if img == nil {
		return datatypes.ClassifyImageResponse{}, mlerrors.Decode("no image supplied", nil)
	}

	name := backend.Name()
	ctx, span := tracer.Start(ctx, "classification.Classify")
	defer span.End()
	span.SetAttributes(attribute.String("classifier.backend", name))

	start := time.Now()
	preds, err := backend.Classify(ctx, img)
	if err == nil && len(preds) == 0 {
		err = errors.New("classifier returned no predictions")
	}
	if err != nil {
		err = mlerrors.AsInference(name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "classify failed")
		d.metrics.Classification(name, err, time.Since(start))
		d.logger.Warn("image classification failed", "backend", name, "source", img.Source(), "error", err)
		return datatypes.ClassifyImageResponse{}, err
	}

	preds = TopK(preds, MaxPredictions)
	d.metrics.Classification(name, nil, time.Since(start))
	d.logger.Debug("image classified",
		"backend", name,
		"top_label", preds[0].Label,
		"top_confidence", preds[0].Confidence,
		"duration_ms", time.Since(start).Milliseconds())

	return datatypes.ClassifyImageResponse{Predictions: preds, Backend: name}, nil
}

func (d *Dispatcher) unavailableSummary() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.slots) == 0 {
		return "no backends configured"
	}
	parts := make([]string, 0, len(d.slots))
	for _, s := range d.slots {
		parts = append(parts, fmt.Sprintf("%s: %s", s.backend.Name(), s.reason))
	}
	return strings.Join(parts, "; ")
}

// TopK returns a copy of preds sorted by descending confidence and cut to
// k. Equal confidences keep their input order.
func TopK(preds []datatypes.Prediction, k int) []datatypes.Prediction {
	out := make([]datatypes.Prediction, len(preds))
	copy(out, preds)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// =============================================================================
// Stub
// =============================================================================

// StubLabel and StubConfidence are the stub backend's single prediction.
const (
	StubLabel      = "unknown"
	StubConfidence = 0.5
)

// StubBackend is always available. It decodes the image so malformed
// input fails the same way on every backend, then ignores the pixels.
type StubBackend struct{}

// Name returns "stub".
func (StubBackend) Name() string { return "stub" }

// Load always succeeds.
func (StubBackend) Load(context.Context) error { return nil }

// Classify returns the fixed stub prediction, or the decode error for
// input that is not an image.
func (StubBackend) Classify(_ context.Context, img *Image) ([]datatypes.Prediction, error) {
	if _, err := img.Decode(); err != nil {
		return nil, err
	}
	return []datatypes.Prediction{{Label: StubLabel, Confidence: StubConfidence}}, nil
}
