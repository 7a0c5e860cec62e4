// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prototype is the custom bundled image classifier.
//
// # Description
//
// A prototype model is a YAML manifest shipped in the assets directory. It
// lists labels, each with a centroid in colour-histogram space. An image
// is resized, reduced to a normalized RGB histogram with Bins levels per
// channel, and scored against every centroid by cosine similarity.
// Scores are turned into confidences with a softmax.
//
// Manifest example:
//
//	name: produce-v1
//	bins: 2
//	input_size: 32
//	temperature: 10
//	labels:
//	  - label: tomato
//	    centroid: [0, 0, 0, 0, 1, 0, 0, 0]
package prototype

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"sync"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/classification"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"github.com/disintegration/imaging"
	"gopkg.in/yaml.v3"
)

const (
	defaultBins        = 4
	defaultInputSize   = 32
	defaultTemperature = 10.0
)

// Manifest is the on-disk model description.
type Manifest struct {
	Name        string  `yaml:"name"`
	Bins        int     `yaml:"bins"`
	InputSize   int     `yaml:"input_size"`
	Temperature float64 `yaml:"temperature"`
	Labels      []Label `yaml:"labels"`
}

// Label is one class and its histogram centroid.
type Label struct {
	Label    string    `yaml:"label"`
	Centroid []float64 `yaml:"centroid"`
}

// Validate fills defaults and checks centroid dimensions.
func (m *Manifest) Validate() error {
	if m.Bins == 0 {
		m.Bins = defaultBins
	}
	if m.InputSize == 0 {
		m.InputSize = defaultInputSize
	}
	if m.Temperature == 0 {
		m.Temperature = defaultTemperature
	}
	if m.Bins < 1 || m.Bins > 16 {
		return fmt.Errorf("bins must be between 1 and 16, got %d", m.Bins)
	}
	if m.InputSize < 1 {
		return fmt.Errorf("input_size must be positive, got %d", m.InputSize)
	}
	if len(m.Labels) == 0 {
		return errors.New("manifest has no labels")
	}
	dim := m.Bins * m.Bins * m.Bins
	for _, l := range m.Labels {
		if l.Label == "" {
			return errors.New("label with empty name")
		}
		if len(l.Centroid) != dim {
			return fmt.Errorf("label %q: centroid has %d values, want %d", l.Label, len(l.Centroid), dim)
		}
	}
	return nil
}

// Backend implements classification.Backend.
type Backend struct {
	path string

	mu       sync.RWMutex
	manifest *Manifest
}

var _ classification.Backend = (*Backend)(nil)

// New returns a backend for the manifest at path. Nothing is read until
// Load.
func New(path string) *Backend {
	return &Backend{path: path}
}

// Name returns "custom".
func (b *Backend) Name() string { return "custom" }

// Load reads and validates the manifest. A missing file is reported as a
// ModelMissing error, which marks the backend unavailable.
func (b *Backend) Load(_ context.Context) error {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return mlerrors.ModelMissing(b.path, b.path)
		}
		return fmt.Errorf("failed to read classifier manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("failed to parse classifier manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid classifier manifest %s: %w", b.path, err)
	}

	b.mu.Lock()
	b.manifest = &m
	b.mu.Unlock()
	return nil
}

// Classify scores img against every label.
func (b *Backend) Classify(_ context.Context, img *classification.Image) ([]datatypes.Prediction, error) {
	b.mu.RLock()
	m := b.manifest
	b.mu.RUnlock()
	if m == nil {
		return nil, errors.New("classifier manifest not loaded")
	}

	decoded, err := img.Decode()
	if err != nil {
		return nil, err
	}

	features := Histogram(imaging.Resize(decoded, m.InputSize, m.InputSize, imaging.Box), m.Bins)

	scores := make([]float64, len(m.Labels))
	for i, l := range m.Labels {
		scores[i] = cosine(features, l.Centroid) * m.Temperature
	}
	probs := softmax(scores)

	preds := make([]datatypes.Prediction, len(m.Labels))
	for i, l := range m.Labels {
		preds[i] = datatypes.Prediction{Label: l.Label, Confidence: probs[i]}
	}
	return preds, nil
}

// Histogram returns the normalized joint RGB histogram of img with bins
// levels per channel. Index is r*bins*bins + g*bins + b.
func Histogram(img image.Image, bins int) []float64 {
	hist := make([]float64, bins*bins*bins)
	bounds := img.Bounds()
	total := 0.0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			ri := int(r>>8) * bins / 256
			gi := int(g>>8) * bins / 256
			bi := int(bl>>8) * bins / 256
			hist[ri*bins*bins+gi*bins+bi]++
			total++
		}
	}
	if total > 0 {
		for i := range hist {
			hist[i] /= total
		}
	}
	return hist
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func softmax(xs []float64) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	maxV := xs[0]
	for _, x := range xs[1:] {
		maxV = math.Max(maxV, x)
	}
	sum := 0.0
	for i, x := range xs {
		out[i] = math.Exp(x - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
