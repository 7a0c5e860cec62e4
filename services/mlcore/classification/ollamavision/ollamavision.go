// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ollamavision is the platform default image classifier, backed by
// a vision model served by a local Ollama instance.
package ollamavision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/classification"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"golang.org/x/mod/semver"
)

const (
	DefaultBaseURL    = "http://localhost:11434"
	DefaultModel      = "llava"
	DefaultMinVersion = "0.1.30"
	defaultMaxSide    = 672
)

// Config configures the Ollama vision backend.
type Config struct {
	BaseURL string

	// Model is the installed vision model, e.g. "llava" or "llava:13b".
	Model string

	// MinVersion is the lowest Ollama server version accepted.
	MinVersion string

	// Labels, when set, restricts the model to choosing from this list.
	Labels []string

	// MaxImageSide bounds the longest side of the image sent to the model.
	MaxImageSide int

	HTTPClient *http.Client
}

// Backend implements classification.Backend.
type Backend struct {
	cfg     Config
	version atomic.Value
}

var _ classification.Backend = (*Backend)(nil)

// New fills defaults and returns a Backend. Nothing is contacted until
// Load.
func New(cfg Config) *Backend {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MinVersion == "" {
		cfg.MinVersion = DefaultMinVersion
	}
	if cfg.MaxImageSide <= 0 {
		cfg.MaxImageSide = defaultMaxSide
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Backend{cfg: cfg}
}

// Name returns "platform".
func (b *Backend) Name() string { return "platform" }

// Version returns the server version seen by the last successful Load.
func (b *Backend) Version() string {
	v, _ := b.version.Load().(string)
	return v
}

// -----------------------------------------------------------------------------
// Availability
// -----------------------------------------------------------------------------

type versionResponse struct {
	Version string `json:"version"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Load checks that the server is reachable, new enough, and has the model.
//
// # Description
//
// A server older than MinVersion is reported as UnsupportedPlatform. Any
// error marks the backend unavailable for the dispatcher.
//
// # Inputs
//
//   - ctx: Bounds both probe requests.
//
// # Outputs
//
//   - error: nil when the backend can classify.
func (b *Backend) Load(ctx context.Context) error {
	var v versionResponse
	if err := b.getJSON(ctx, "/api/version", &v); err != nil {
		return err
	}
	if err := CheckVersion(v.Version, b.cfg.MinVersion); err != nil {
		return err
	}

	var tags tagsResponse
	if err := b.getJSON(ctx, "/api/tags", &tags); err != nil {
		return err
	}
	want := normalizeModelName(b.cfg.Model)
	for _, m := range tags.Models {
		if normalizeModelName(m.Name) == want {
			b.version.Store(v.Version)
			return nil
		}
	}
	return fmt.Errorf("vision model %q is not installed in Ollama (run: ollama pull %s)", b.cfg.Model, b.cfg.Model)
}

// CheckVersion reports an UnsupportedPlatform error when have is older
// than min. Both may omit the leading "v".
func CheckVersion(have, min string) error {
	h, m := canonical(have), canonical(min)
	if !semver.IsValid(h) {
		return mlerrors.UnsupportedPlatform(fmt.Sprintf("unrecognized Ollama version %q", have))
	}
	if semver.IsValid(m) && semver.Compare(h, m) < 0 {
		return mlerrors.UnsupportedPlatform(fmt.Sprintf("Ollama %s is older than the required %s", have, min))
	}
	return nil
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

func normalizeModelName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ":latest")
}

func (b *Backend) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot connect to Ollama at %s: %w", b.cfg.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("Ollama %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse Ollama %s response: %w", path, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Images  []string       `json:"images"`
	Format  string         `json:"format"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

type modelOutput struct {
	Predictions []datatypes.Prediction `json:"predictions"`
}

// Classify sends the re-encoded image to /api/generate and parses the
// model's JSON answer.
func (b *Backend) Classify(ctx context.Context, img *classification.Image) ([]datatypes.Prediction, error) {
	jpegBytes, err := img.JPEG(b.cfg.MaxImageSide)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(generateRequest{
		Model:   b.cfg.Model,
		Prompt:  b.prompt(),
		Images:  []string{base64.StdEncoding.EncodeToString(jpegBytes)},
		Format:  "json",
		Stream:  false,
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Ollama generate request failed: %w", err)
	}
	defer resp.Body.Close()

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("failed to parse Ollama generate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || gr.Error != "" {
		return nil, fmt.Errorf("Ollama generate returned status %d: %s", resp.StatusCode, gr.Error)
	}

	var out modelOutput
	if err := json.Unmarshal([]byte(gr.Response), &out); err != nil {
		return nil, fmt.Errorf("vision model returned non-JSON output: %w", err)
	}

	preds := make([]datatypes.Prediction, 0, len(out.Predictions))
	for _, p := range out.Predictions {
		label := strings.TrimSpace(p.Label)
		if label == "" {
			continue
		}
		preds = append(preds, datatypes.Prediction{Label: label, Confidence: clamp01(p.Confidence)})
	}
	return preds, nil
}

func (b *Backend) prompt() string {
	var sb strings.Builder
	sb.WriteString("Classify the main subject of this image. ")
	if len(b.cfg.Labels) > 0 {
		sb.WriteString("Choose only from these labels: ")
		sb.WriteString(strings.Join(b.cfg.Labels, ", "))
		sb.WriteString(". ")
	}
	fmt.Fprintf(&sb, "Reply with JSON of the form {\"predictions\":[{\"label\":\"...\",\"confidence\":0.0}]} "+
		"listing up to %d labels with confidences between 0 and 1.", classification.MaxPredictions)
	return sb.String()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
