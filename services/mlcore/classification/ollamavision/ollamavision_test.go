// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ollamavision

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/classification"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama serves /api/version, /api/tags and /api/generate.
type fakeOllama struct {
	version  string
	models   []string
	response string
	status   int
	lastReq  generateRequest
}

func (f *fakeOllama) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"version": f.version})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		models := make([]map[string]string, 0, len(f.models))
		for _, m := range f.models {
			models = append(models, map[string]string{"name": m})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&f.lastReq)
		if f.status != 0 {
			w.WriteHeader(f.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "model crashed"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"response": f.response, "done": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func jpegImage(t *testing.T) *classification.Image {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{G: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return classification.FromBytes(buf.Bytes())
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		have, min string
		ok        bool
	}{
		{"0.5.7", "0.1.30", true},
		{"v0.1.30", "0.1.30", true},
		{"0.1.29", "0.1.30", false},
		{"garbage", "0.1.30", false},
		{"1.0.0", "", true},
	}
	for _, tt := range tests {
		err := CheckVersion(tt.have, tt.min)
		if tt.ok {
			assert.NoError(t, err, "%s >= %s", tt.have, tt.min)
		} else {
			assert.ErrorIs(t, err, mlerrors.ErrUnsupportedPlatform, "%s < %s", tt.have, tt.min)
		}
	}
}

func TestLoad_Available(t *testing.T) {
	f := &fakeOllama{version: "0.5.7", models: []string{"nomic-embed-text:latest", "llava:latest"}}
	b := New(Config{BaseURL: f.server(t).URL + "/"})
	require.NoError(t, b.Load(context.Background()))
	assert.Equal(t, "0.5.7", b.Version())
	assert.Equal(t, "platform", b.Name())
}

func TestLoad_TooOld(t *testing.T) {
	f := &fakeOllama{version: "0.1.2", models: []string{"llava"}}
	b := New(Config{BaseURL: f.server(t).URL})
	assert.ErrorIs(t, b.Load(context.Background()), mlerrors.ErrUnsupportedPlatform)
}

func TestLoad_ModelNotInstalled(t *testing.T) {
	f := &fakeOllama{version: "0.5.7", models: []string{"llama3"}}
	b := New(Config{BaseURL: f.server(t).URL})
	err := b.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull llava")
}

func TestLoad_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	assert.Error(t, New(Config{BaseURL: url}).Load(context.Background()))
}

func TestClassify_ParsesPredictions(t *testing.T) {
	f := &fakeOllama{
		version:  "0.5.7",
		models:   []string{"llava"},
		response: `{"predictions":[{"label":"leaf","confidence":0.8},{"label":" ","confidence":0.5},{"label":"grass","confidence":1.7}]}`,
	}
	b := New(Config{BaseURL: f.server(t).URL, Labels: []string{"leaf", "grass"}})
	require.NoError(t, b.Load(context.Background()))

	preds, err := b.Classify(context.Background(), jpegImage(t))
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "leaf", preds[0].Label)
	assert.Equal(t, 1.0, preds[1].Confidence)

	assert.Equal(t, "llava", f.lastReq.Model)
	assert.Equal(t, "json", f.lastReq.Format)
	assert.Len(t, f.lastReq.Images, 1)
	assert.Contains(t, f.lastReq.Prompt, "leaf, grass")
}

func TestClassify_ServerErrorIsReturned(t *testing.T) {
	f := &fakeOllama{version: "0.5.7", models: []string{"llava"}, status: http.StatusInternalServerError}
	b := New(Config{BaseURL: f.server(t).URL})

	_, err := b.Classify(context.Background(), jpegImage(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model crashed")
}

func TestClassify_NonJSONModelOutput(t *testing.T) {
	f := &fakeOllama{version: "0.5.7", models: []string{"llava"}, response: "a leaf, probably"}
	b := New(Config{BaseURL: f.server(t).URL})

	_, err := b.Classify(context.Background(), jpegImage(t))
	assert.Error(t, err)
}

func TestClassify_BadImageIsDecodeError(t *testing.T) {
	f := &fakeOllama{version: "0.5.7", models: []string{"llava"}}
	b := New(Config{BaseURL: f.server(t).URL})

	_, err := b.Classify(context.Background(), classification.FromBytes([]byte("nope")))
	assert.ErrorIs(t, err, mlerrors.ErrDecode)
}
