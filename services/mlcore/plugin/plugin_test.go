// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugin

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/cache"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/classification"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/download"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/generation"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/resolver"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Harness
// =============================================================================

type cannedEngine struct{ response string }

func (e cannedEngine) Generate(context.Context, string) (string, error) { return e.response, nil }
func (e cannedEngine) Close() error                                     { return nil }

// MockEngineFactory records the model paths it was asked to load.
type MockEngineFactory struct {
	mu     sync.Mutex
	paths  []string
	params []datatypes.GenerationParams
}

func (f *MockEngineFactory) NewEngine(_ context.Context, path string, params datatypes.GenerationParams) (generation.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	f.params = append(f.params, params)
	return cannedEngine{response: "Hello! How can I help you today?"}, nil
}

type harness struct {
	plugin  *Plugin
	assets  string
	factory *MockEngineFactory
	store   *cache.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	assets := t.TempDir()
	store, err := cache.NewStore(t.TempDir(), nil, nil)
	require.NoError(t, err)

	mgr := download.NewManager(store, download.WithFreeSpaceFunc(func(string) (uint64, bool) { return 0, false }))
	res := resolver.New(resolver.Config{AssetsDir: assets}, store, mgr, nil, nil)
	factory := &MockEngineFactory{}
	def := datatypes.Bundled("model", datatypes.DefaultGenerationParams())
	coord := session.NewCoordinator(def, res, factory, nil, nil)
	t.Cleanup(func() { _ = coord.Close() })

	dispatcher := classification.NewDispatcher(context.Background(),
		[]classification.Backend{classification.StubBackend{}}, nil, nil)

	return &harness{
		plugin:  New(dispatcher, coord, generation.NewGenerator(nil, nil), def, nil),
		assets:  assets,
		factory: factory,
		store:   store,
	}
}

func tinyJPEGBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// =============================================================================
// Echo and classification
// =============================================================================

func TestEcho(t *testing.T) {
	h := newHarness(t)
	resp, err := h.plugin.Echo(context.Background(), datatypes.EchoRequest{Value: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", resp.Value)
}

func TestClassifyImage_BundledStubScenario(t *testing.T) {
	h := newHarness(t)
	resp, err := h.plugin.ClassifyImage(context.Background(), datatypes.ClassifyImageRequest{
		Base64Image: "data:image/jpeg;base64," + tinyJPEGBase64(t),
	})
	require.NoError(t, err)
	require.Len(t, resp.Predictions, 1)
	assert.Equal(t, "unknown", resp.Predictions[0].Label)
	assert.Equal(t, 0.5, resp.Predictions[0].Confidence)
}

func TestClassifyImage_FromPath(t *testing.T) {
	h := newHarness(t)
	raw, err := base64.StdEncoding.DecodeString(tinyJPEGBase64(t))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, raw, 0640))

	resp, err := h.plugin.ClassifyImage(context.Background(), datatypes.ClassifyImageRequest{ImagePath: path})
	require.NoError(t, err)
	assert.Equal(t, "stub", resp.Backend)
}

func TestClassifyImage_InvalidRequests(t *testing.T) {
	h := newHarness(t)

	_, err := h.plugin.ClassifyImage(context.Background(), datatypes.ClassifyImageRequest{})
	assert.ErrorIs(t, err, mlerrors.ErrInvalidRequest)

	_, err = h.plugin.ClassifyImage(context.Background(), datatypes.ClassifyImageRequest{Base64Image: "data:image/jpeg"})
	assert.ErrorIs(t, err, mlerrors.ErrDecode)
}

// =============================================================================
// Generation
// =============================================================================

func TestGenerateText_HappyPathDefaultModel(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.assets, "model.gguf"), []byte("weights"), 0640))

	res, err := h.plugin.GenerateText(context.Background(), datatypes.GenerateTextRequest{Prompt: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help you today?", res.Response)
	assert.Equal(t, 8, res.TokensUsed)
	assert.Equal(t, "model", res.ModelName)
	assert.Equal(t, []string{filepath.Join(h.assets, "model.gguf")}, h.factory.paths)
}

func TestGenerateText_MissingPrompt(t *testing.T) {
	h := newHarness(t)
	_, err := h.plugin.GenerateText(context.Background(), datatypes.GenerateTextRequest{})
	require.ErrorIs(t, err, mlerrors.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "prompt is required")
	assert.Empty(t, h.factory.paths)
}

func TestGenerateText_MissingBundledModel(t *testing.T) {
	h := newHarness(t)
	_, err := h.plugin.GenerateText(context.Background(), datatypes.GenerateTextRequest{Prompt: "Hello"})
	assert.ErrorIs(t, err, mlerrors.ErrModelMissing)
}

func TestGenerateText_GatedRemoteWithoutThenWithToken(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer hf_valid" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Access to model is restricted."}`))
			return
		}
		_, _ = w.Write([]byte("litert weights"))
	}))
	defer srv.Close()

	h := newHarness(t)
	req := datatypes.GenerateTextRequest{
		Prompt:            "Hello",
		DownloadAtRuntime: true,
		DownloadURL:       srv.URL + "/google/gemma-3n-E2B-it-litert-lm/resolve/main/model.litertlm",
		ModelFileName:     "gemma-3n-e2b.litertlm",
		Headers:           map[string]string{"User-Agent": "MLPlugin-Example/1.0"},
	}

	_, err := h.plugin.GenerateText(context.Background(), req)
	require.ErrorIs(t, err, mlerrors.ErrAuthenticationFailed)
	var me *mlerrors.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, http.StatusUnauthorized, me.StatusCode)
	assert.Empty(t, h.factory.paths)

	req.AuthToken = "hf_valid"
	res, err := h.plugin.GenerateText(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "gemma-3n-e2b.litertlm", res.ModelName)

	path, err := h.store.LocationFor("gemma-3n-e2b.litertlm")
	require.NoError(t, err)
	assert.True(t, h.store.Exists(path))
	assert.Equal(t, int32(2), hits.Load())
}

func TestGenerateText_RequestParamsReachEngine(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.assets, "tiny.gguf"), []byte("w"), 0640))

	maxTokens, temp := 32, 0.2
	_, err := h.plugin.GenerateText(context.Background(), datatypes.GenerateTextRequest{
		Prompt: "Hi", ModelFileName: "tiny", MaxTokens: &maxTokens, Temperature: &temp,
	})
	require.NoError(t, err)
	require.Len(t, h.factory.params, 1)
	assert.Equal(t, 32, h.factory.params[0].MaxTokens)
	require.NotNil(t, h.factory.params[0].Temperature)
	assert.Equal(t, 0.2, *h.factory.params[0].Temperature)
	assert.Equal(t, datatypes.DefaultTopK, *h.factory.params[0].TopK)
}

func TestStatusAndLifecycle(t *testing.T) {
	h := newHarness(t)
	st, err := h.plugin.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "uninitialized", st.Session.State)
	require.Len(t, st.Classifiers, 1)
	assert.True(t, st.Classifiers[0].Available)

	backends := h.plugin.ReloadClassifiers(context.Background())
	assert.Len(t, backends, 1)

	snap := h.plugin.Warmup(context.Background())
	assert.Contains(t, []string{"initializing", "failed"}, snap.State)
}

// =============================================================================
// Request mapping
// =============================================================================

func TestDescriptorFor(t *testing.T) {
	def := datatypes.Bundled("model", datatypes.DefaultGenerationParams())

	d := DescriptorFor(datatypes.GenerateTextRequest{Prompt: "x"}, def)
	assert.Equal(t, datatypes.SourceBundled, d.Source)
	assert.Equal(t, "model", d.FileName)

	d = DescriptorFor(datatypes.GenerateTextRequest{Prompt: "x", ModelFileName: "gemma.task"}, def)
	assert.Equal(t, "gemma.task", d.FileName)

	d = DescriptorFor(datatypes.GenerateTextRequest{
		Prompt: "x", DownloadAtRuntime: true, DownloadURL: "https://h/m.bin",
		AuthToken: "tok", ExpectedSHA256: "ABCDEF",
	}, def)
	assert.Equal(t, datatypes.SourceRemote, d.Source)
	assert.True(t, d.AuthToken.Present())
	assert.Equal(t, "abcdef", d.ExpectedSHA256)

	d = DescriptorFor(datatypes.GenerateTextRequest{Prompt: "x", DownloadAtRuntime: true, DownloadURL: "https://h/m.bin"}, def)
	assert.False(t, d.AuthToken.Present())
}

func TestMergeParams(t *testing.T) {
	p := MergeParams(datatypes.GenerationParams{}, datatypes.GenerateTextRequest{})
	assert.Equal(t, datatypes.DefaultGenerationParams(), p)

	topP, seed := 0.9, 5
	p = MergeParams(datatypes.DefaultGenerationParams(), datatypes.GenerateTextRequest{TopP: &topP, RandomSeed: &seed})
	assert.Equal(t, 0.9, *p.TopP)
	assert.Equal(t, 5, *p.RandomSeed)

	zero := 0.0
	p = MergeParams(datatypes.DefaultGenerationParams(), datatypes.GenerateTextRequest{Temperature: &zero})
	require.NotNil(t, p.Temperature)
	assert.Zero(t, *p.Temperature)
}

// =============================================================================
// Web stub
// =============================================================================

func TestWebStub(t *testing.T) {
	var c Capabilities = WebStub{}

	resp, err := c.ClassifyImage(context.Background(), datatypes.ClassifyImageRequest{Base64Image: "AAAA"})
	require.NoError(t, err)
	assert.Equal(t, []datatypes.Prediction{{Label: "unknown", Confidence: 0.1}}, resp.Predictions)

	_, err = c.GenerateText(context.Background(), datatypes.GenerateTextRequest{Prompt: "Hello"})
	assert.ErrorIs(t, err, mlerrors.ErrUnsupportedPlatform)

	_, err = c.ClassifyImage(context.Background(), datatypes.ClassifyImageRequest{})
	assert.ErrorIs(t, err, mlerrors.ErrInvalidRequest)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unsupported", st.Session.State)

	_, ok := c.(Lifecycle)
	assert.False(t, ok)
}
