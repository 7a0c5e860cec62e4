// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mlcore

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/AleutianEdge/pkg/config"
	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/classification/ollamavision"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/classification/prototype"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/generation"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Harness
// =============================================================================

type cannedEngine struct{}

func (cannedEngine) Generate(context.Context, string) (string, error) {
	return "Hello! How can I help you today?", nil
}
func (cannedEngine) Close() error { return nil }

func testConfig(t *testing.T) config.MLCoreConfig {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Cache.Dir = t.TempDir()
	cfg.Assets.Dir = t.TempDir()
	cfg.Assets.Watch = false
	cfg.Logging.Dir = ""
	cfg.Classification.Ollama.Enabled = false
	return cfg
}

func newService(t *testing.T, cfg config.MLCoreConfig) *Service {
	t.Helper()
	factory := generation.EngineFactoryFunc(func(context.Context, string, datatypes.GenerationParams) (generation.Engine, error) {
		return cannedEngine{}, nil
	})
	svc, err := New(context.Background(), cfg,
		WithLogger(logging.New(logging.Config{Quiet: true})),
		WithEngineFactory(factory),
		WithoutTracing())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func tinyJPEG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: 200, G: 10, B: 10, A: 255})
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// =============================================================================
// End to end over HTTP
// =============================================================================

func TestService_HealthAndMetrics(t *testing.T) {
	svc := newService(t, testConfig(t))

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestService_ClassifyFallsBackToStub(t *testing.T) {
	svc := newService(t, testConfig(t))

	w := post(t, svc.Router(), "/v1/classify", `{"base64Image":"data:image/jpeg;base64,`+tinyJPEG(t)+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"predictions":[{"label":"unknown","confidence":0.5}],"backend":"stub"}`, w.Body.String())
}

func TestService_GenerateWithBundledDefault(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Assets.Dir, "model.gguf"), []byte("weights"), 0o640))
	svc := newService(t, cfg)

	w := post(t, svc.Router(), "/v1/generate", `{"prompt":"Hello"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"response":"Hello! How can I help you today?","tokensUsed":8,"modelName":"model"}`, w.Body.String())
}

func TestService_GenerateMissingModel(t *testing.T) {
	svc := newService(t, testConfig(t))

	w := post(t, svc.Router(), "/v1/generate", `{"prompt":"Hello"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "MODEL_MISSING")
}

func TestService_RemoteModelIsCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer hf_valid" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "weights")
	}))
	defer srv.Close()

	svc := newService(t, testConfig(t))
	body := `{"prompt":"Hi","downloadAtRuntime":true,"downloadUrl":"` + srv.URL + `/gemma.gguf","authToken":"hf_valid"}`

	w := post(t, svc.Router(), "/v1/generate", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int32(1), hits.Load())

	entries, err := svc.Store().List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "gemma.gguf", entries[0].FileName)
}

func TestService_APIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.APIKey = "k"
	svc := newService(t, cfg)

	w := post(t, svc.Router(), "/v1/echo", `{"value":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// =============================================================================
// Wiring helpers
// =============================================================================

func TestDefaultDescriptor(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Generation.DefaultModel = "gemma"
	cfg.Generation.MaxTokens = 256
	cfg.Generation.TopK = 20

	d := DefaultDescriptor(cfg)
	assert.Equal(t, datatypes.SourceBundled, d.Source)
	assert.Equal(t, "gemma", d.FileName)
	assert.Equal(t, 256, d.Params.MaxTokens)
	require.NotNil(t, d.Params.TopK)
	assert.Equal(t, 20, *d.Params.TopK)
	require.NotNil(t, d.Params.RandomSeed)
	assert.Equal(t, 101, *d.Params.RandomSeed)
}

func TestDefaultBackends_Order(t *testing.T) {
	cfg := config.DefaultConfig()
	backends := DefaultBackends(cfg)
	require.Len(t, backends, 2)
	assert.IsType(t, &prototype.Backend{}, backends[0])
	assert.IsType(t, &ollamavision.Backend{}, backends[1])

	cfg.Classification.Ollama.Enabled = false
	cfg.Classification.CustomManifest = ""
	assert.Empty(t, DefaultBackends(cfg))
}
