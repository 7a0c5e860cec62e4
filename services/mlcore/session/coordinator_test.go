// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/generation"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/observability"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mocks
// =============================================================================

// MockResolver resolves any descriptor to "/models/<file>" unless the file
// name is in missing. gate, when set, blocks Resolve until closed.
type MockResolver struct {
	calls   atomic.Int32
	gate    chan struct{}
	missing map[string]bool
	fetchOf map[string]error
}

func (m *MockResolver) Resolve(_ context.Context, desc datatypes.ModelDescriptor) (resolver.Resolution, error) {
	m.calls.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	if m.missing[desc.FileName] {
		return resolver.Resolution{}, mlerrors.ModelMissing(desc.FileName, "/assets/"+desc.FileName)
	}
	if err := m.fetchOf[desc.FileName]; err != nil {
		return resolver.Resolution{}, err
	}
	name := desc.FileName
	if desc.Source == datatypes.SourceRemote {
		name = resolver.RemoteFileName(desc)
	}
	return resolver.Resolution{Path: "/models/" + name, FileName: name, Source: desc.Source}, nil
}

type mockEngine struct {
	closed atomic.Bool
}

func (e *mockEngine) Generate(context.Context, string) (string, error) { return "ok", nil }
func (e *mockEngine) Close() error                                     { e.closed.Store(true); return nil }

// MockFactory counts constructions and records the paths it was given.
type MockFactory struct {
	calls atomic.Int32
	err   error
	mu    sync.Mutex
	paths []string
	last  *mockEngine
}

func (f *MockFactory) NewEngine(_ context.Context, path string, _ datatypes.GenerationParams) (generation.Engine, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	if f.err != nil {
		return nil, f.err
	}
	f.last = &mockEngine{}
	return f.last, nil
}

func newTestCoordinator(r *MockResolver, f *MockFactory, metrics *observability.Metrics) *Coordinator {
	return NewCoordinator(datatypes.Bundled("model", datatypes.DefaultGenerationParams()), r, f, nil, metrics)
}

// =============================================================================
// Tests
// =============================================================================

func TestEnsureReady_DefaultDescriptor(t *testing.T) {
	r, f := &MockResolver{}, &MockFactory{}
	c := newTestCoordinator(r, f, nil)
	assert.Equal(t, StateUninitialized, c.State())

	s, err := c.EnsureReady(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "model", s.ModelName())
	assert.Equal(t, "/models/model", s.ModelPath())
	assert.Equal(t, StateReady, c.State())
	assert.NotNil(t, s.Engine())
}

func TestEnsureReady_SingleFlight(t *testing.T) {
	r := &MockResolver{gate: make(chan struct{})}
	f := &MockFactory{}
	c := newTestCoordinator(r, f, nil)

	const callers = 16
	var wg sync.WaitGroup
	sessions := make([]*Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = c.EnsureReady(context.Background(), nil)
		}(i)
	}

	require.Eventually(t, func() bool { return c.State() == StateInitializing }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(r.gate)
	wg.Wait()

	assert.Equal(t, int32(1), r.calls.Load(), "resolve exactly once")
	assert.Equal(t, int32(1), f.calls.Load(), "construct exactly once")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
}

func TestEnsureReady_FailedThenCallerDescriptor(t *testing.T) {
	r := &MockResolver{missing: map[string]bool{"model": true}}
	f := &MockFactory{}
	c := newTestCoordinator(r, f, nil)

	_, err := c.EnsureReady(context.Background(), nil)
	assert.ErrorIs(t, err, mlerrors.ErrModelMissing)
	assert.Equal(t, StateFailed, c.State())

	snap := c.Snapshot()
	assert.Equal(t, "failed", snap.State)
	assert.Equal(t, "MODEL_MISSING", snap.ErrorCode)

	remote := datatypes.Remote("https://example.com/resolve/main/model.litertlm", "gemma-3n-e2b.litertlm",
		datatypes.Secret{}, nil, datatypes.DefaultGenerationParams())
	s, err := c.EnsureReady(context.Background(), &remote)
	require.NoError(t, err)
	assert.Equal(t, "gemma-3n-e2b.litertlm", s.ModelName())
	assert.Equal(t, StateReady, c.State())
	assert.Empty(t, c.Snapshot().Error)
}

func TestEnsureReady_DownloadFailureIsRetryable(t *testing.T) {
	r := &MockResolver{fetchOf: map[string]error{"gated.bin": mlerrors.FromHTTPStatus(403, "gated.bin", "")}}
	f := &MockFactory{}
	c := newTestCoordinator(r, f, nil)

	gated := datatypes.Remote("https://h/gated.bin", "gated.bin", datatypes.Secret{}, nil, datatypes.GenerationParams{})
	_, err := c.EnsureReady(context.Background(), &gated)
	assert.ErrorIs(t, err, mlerrors.ErrAccessForbidden)
	assert.Zero(t, f.calls.Load())

	_, err = c.EnsureReady(context.Background(), nil)
	require.NoError(t, err)
}

func TestEnsureReady_EngineConstructionFailure(t *testing.T) {
	r := &MockResolver{}
	f := &MockFactory{err: errors.New("unsupported model architecture")}
	c := newTestCoordinator(r, f, nil)

	_, err := c.EnsureReady(context.Background(), nil)
	assert.ErrorIs(t, err, mlerrors.ErrInference)
	assert.Equal(t, StateFailed, c.State())
}

func TestEnsureReady_ReadyIgnoresLaterDescriptors(t *testing.T) {
	r, f := &MockResolver{}, &MockFactory{}
	c := newTestCoordinator(r, f, nil)

	first, err := c.EnsureReady(context.Background(), nil)
	require.NoError(t, err)

	other := datatypes.Bundled("other", datatypes.GenerationParams{})
	second, err := c.EnsureReady(context.Background(), &other)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestEnsureReady_CallerCancelDoesNotAbortFlight(t *testing.T) {
	r := &MockResolver{gate: make(chan struct{})}
	f := &MockFactory{}
	c := newTestCoordinator(r, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.EnsureReady(ctx, nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return c.State() == StateInitializing }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(r.gate)
	s, err := c.EnsureReady(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "model", s.ModelName())
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestWarmup_StartsDefaultOnce(t *testing.T) {
	r := &MockResolver{gate: make(chan struct{})}
	f := &MockFactory{}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	c := newTestCoordinator(r, f, metrics)

	c.Warmup(context.Background())
	c.Warmup(context.Background())
	assert.Equal(t, StateInitializing, c.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionState.WithLabelValues("initializing")))

	close(r.gate)
	_, err := c.EnsureReady(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionInitializationsTotal.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionState.WithLabelValues("ready")))
}

func TestClose_ReleasesEngine(t *testing.T) {
	r, f := &MockResolver{}, &MockFactory{}
	c := newTestCoordinator(r, f, nil)

	_, err := c.EnsureReady(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.True(t, f.last.closed.Load())

	_, err = c.EnsureReady(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, c.Close())
}

func TestClose_DuringFlightClosesLateEngine(t *testing.T) {
	r := &MockResolver{gate: make(chan struct{})}
	f := &MockFactory{}
	c := newTestCoordinator(r, f, nil)

	c.Warmup(context.Background())
	require.NoError(t, c.Close())
	close(r.gate)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.last != nil && f.last.closed.Load()
	}, time.Second, time.Millisecond)
}

func TestInitialize_RecoversFromFactoryPanic(t *testing.T) {
	r := &MockResolver{}
	c := NewCoordinator(datatypes.Bundled("model", datatypes.GenerationParams{}), r,
		generation.EngineFactoryFunc(func(context.Context, string, datatypes.GenerationParams) (generation.Engine, error) {
			panic("boom")
		}), nil, nil)

	_, err := c.EnsureReady(context.Background(), nil)
	assert.ErrorIs(t, err, mlerrors.ErrInference)
	assert.Equal(t, StateFailed, c.State())
}
