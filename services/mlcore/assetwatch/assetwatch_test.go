// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assetwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockReloader counts reloads.
type MockReloader struct {
	calls atomic.Int32
}

func (m *MockReloader) Reload(context.Context) { m.calls.Add(1) }

func startWatcher(t *testing.T, dir string, target Reloader) *Watcher {
	t.Helper()
	w, err := New(dir, target, Options{Debounce: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_ReloadsOnNewAsset(t *testing.T) {
	dir := t.TempDir()
	target := &MockReloader{}
	w := startWatcher(t, dir, target)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte("name: x"), 0o644))

	require.Eventually(t, func() bool { return target.calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, w.Reloads(), 1)
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	target := &MockReloader{}
	startWatcher(t, dir, target)

	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "model.gguf"), []byte{byte(i)}, 0o644))
	}

	require.Eventually(t, func() bool { return target.calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), target.calls.Load())
}

func TestWatcher_IgnoresPartials(t *testing.T) {
	dir := t.TempDir()
	target := &MockReloader{}
	startWatcher(t, dir, target)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.gguf.part"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(0), target.calls.Load())
}

func TestWatcher_MissingDir(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "absent"), &MockReloader{}, Options{})
	require.NoError(t, err)
	defer w.Stop()
	assert.Error(t, w.Start(context.Background()))
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w := startWatcher(t, t.TempDir(), &MockReloader{})
	w.Stop()
	w.Stop()
}
