// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestStore(t *testing.T) (*Store, *BadgerIndex) {
	t.Helper()
	idx, err := OpenBadgerIndex(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	store, err := NewStore(t.TempDir(), idx, nil)
	require.NoError(t, err)
	return store, idx
}

// failingReader yields some bytes and then an error, like a dropped
// connection mid-body.
type failingReader struct {
	sent bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial-bytes"), nil
	}
	return 0, errors.New("connection reset by peer")
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// LocationFor
// =============================================================================

func TestLocationFor_UsesBaseName(t *testing.T) {
	store, _ := newTestStore(t)

	tests := []struct {
		in   string
		want string
	}{
		{"gemma-3n-e2b.litertlm", "gemma-3n-e2b.litertlm"},
		{"nested/dir/model.gguf", "model.gguf"},
		{"../../etc/passwd", "passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := store.LocationFor(tt.in)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(store.Dir(), tt.want), got)
		})
	}
}

func TestLocationFor_RejectsInvalid(t *testing.T) {
	store, _ := newTestStore(t)
	for _, name := range []string{"", ".", "..", "  ", ".index", ".partial-x"} {
		_, err := store.LocationFor(name)
		assert.ErrorIs(t, err, ErrInvalidFileName, "name %q", name)
	}
}

// =============================================================================
// Exists / Commit
// =============================================================================

func TestExists_PresenceIsSufficientWithoutRecord(t *testing.T) {
	store, _ := newTestStore(t)
	path, err := store.LocationFor("copied-by-hand.gguf")
	require.NoError(t, err)

	assert.False(t, store.Exists(path))
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0640))
	assert.True(t, store.Exists(path))
}

func TestExists_DirectoryIsNotAHit(t *testing.T) {
	store, _ := newTestStore(t)
	path, err := store.LocationFor("model.gguf")
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(path, 0750))
	assert.False(t, store.Exists(path))
}

func TestCommit_WritesAndRecords(t *testing.T) {
	store, idx := newTestStore(t)

	entry, err := store.Commit("model.gguf", strings.NewReader("weights"), CommitOptions{
		SourceURL: "https://example.com/model.gguf",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), entry.Size)
	assert.Equal(t, sha("weights"), entry.SHA256)

	path, _ := store.LocationFor("model.gguf")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
	assert.True(t, store.Exists(path))

	rec, ok, err := idx.Get("model.gguf")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/model.gguf", rec.SourceURL)
}

func TestCommit_ReadFailureLeavesNoEntry(t *testing.T) {
	store, idx := newTestStore(t)

	_, err := store.Commit("model.gguf", &failingReader{}, CommitOptions{})
	require.Error(t, err)

	path, _ := store.LocationFor("model.gguf")
	assert.False(t, store.Exists(path))
	_, ok, _ := idx.Get("model.gguf")
	assert.False(t, ok)

	matches, _ := filepath.Glob(filepath.Join(store.Dir(), partialPrefix+"*"))
	assert.Empty(t, matches, "temp file must be removed")
}

func TestCommit_ChecksumMismatch(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Commit("model.gguf", strings.NewReader("weights"), CommitOptions{
		ExpectedSHA256: sha("other"),
	})
	var cerr *ChecksumError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, sha("weights"), cerr.Got)

	path, _ := store.LocationFor("model.gguf")
	assert.False(t, store.Exists(path))
}

func TestCommit_ChecksumMatchIsCaseInsensitive(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Commit("model.gguf", strings.NewReader("weights"), CommitOptions{
		ExpectedSHA256: strings.ToUpper(sha("weights")),
	})
	require.NoError(t, err)
}

func TestCommit_ReplacesExisting(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Commit("model.gguf", strings.NewReader("old"), CommitOptions{})
	require.NoError(t, err)
	_, err = store.Commit("model.gguf", strings.NewReader("newer"), CommitOptions{})
	require.NoError(t, err)

	path, _ := store.LocationFor("model.gguf")
	data, _ := os.ReadFile(path)
	assert.Equal(t, "newer", string(data))
	assert.True(t, store.Exists(path))
}

func TestExists_SizeMismatchIsMiss(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Commit("model.gguf", strings.NewReader("weights"), CommitOptions{})
	require.NoError(t, err)

	path, _ := store.LocationFor("model.gguf")
	require.NoError(t, os.WriteFile(path, []byte("trunc"), 0640))
	assert.False(t, store.Exists(path))
}

// =============================================================================
// Administration
// =============================================================================

func TestListRemovePurge(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Commit("b.gguf", strings.NewReader("bb"), CommitOptions{})
	require.NoError(t, err)
	_, err = store.Commit("a.gguf", strings.NewReader("a"), CommitOptions{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "manual.bin"), []byte("m"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), partialPrefix+"x-c.gguf"), []byte("p"), 0640))

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.gguf", entries[0].FileName)
	assert.True(t, entries[0].Indexed)
	assert.False(t, entries[2].Indexed, "manual.bin has no record")

	require.NoError(t, store.Remove("a.gguf"))
	assert.ErrorIs(t, store.Remove("a.gguf"), ErrNotCached)

	n, err := store.Purge()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, _ := os.ReadDir(store.Dir())
	for _, de := range left {
		assert.False(t, strings.HasPrefix(de.Name(), partialPrefix))
	}
}

func TestNopIndex(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil, nil)
	require.NoError(t, err)
	_, err = store.Commit("m.bin", io.LimitReader(strings.NewReader("xyz"), 3), CommitOptions{})
	require.NoError(t, err)

	path, _ := store.LocationFor("m.bin")
	require.NoError(t, os.WriteFile(path, []byte("changed size"), 0640))
	assert.True(t, store.Exists(path), "without an index presence is sufficient")
}

func TestBadgerIndex_Persistent(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenBadgerIndex(BadgerConfig{Path: IndexPath(dir)})
	require.NoError(t, err)
	require.NoError(t, idx.Put(Entry{FileName: "m.gguf", Size: 3}))
	require.NoError(t, idx.Close())

	idx, err = OpenBadgerIndex(BadgerConfig{Path: IndexPath(dir)})
	require.NoError(t, err)
	defer idx.Close()

	rec, ok, err := idx.Get("m.gguf")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), rec.Size)

	all, err := idx.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, idx.Delete("m.gguf"))
	_, ok, _ = idx.Get("m.gguf")
	assert.False(t, ok)
}

func TestOpenBadgerIndex_RequiresPath(t *testing.T) {
	_, err := OpenBadgerIndex(BadgerConfig{})
	assert.Error(t, err)
}
