// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache maps model file names to durable locations and commits
// fetched artifacts atomically.
//
// # Description
//
// The Store owns path naming for the model cache directory. A file name is
// the cache key: two descriptors that resolve to the same name share one
// artifact. Presence of a regular file at LocationFor(name) is a cache hit,
// unless the integrity Index holds a record whose size disagrees with the
// file (a truncated or replaced artifact).
//
// Commit never exposes a partially written file under its final name: the
// body is streamed into a hidden temp file in the same directory, synced,
// and renamed into place.
//
// # Thread Safety
//
// Store is safe for concurrent use. Concurrent Commits of the same name
// are last-writer-wins; the resolver collapses them with singleflight.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// partialPrefix marks in-progress downloads. Files with this prefix are
// never reported by Exists or List.
const partialPrefix = ".partial-"

// indexDirName is the badger directory inside the cache dir.
const indexDirName = ".index"

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidFileName indicates an empty or path-like cache key.
	ErrInvalidFileName = errors.New("invalid cache file name")

	// ErrNotCached indicates Remove was asked for an absent entry.
	ErrNotCached = errors.New("file is not cached")
)

// ChecksumError reports a committed body whose digest did not match.
type ChecksumError struct {
	Want string
	Got  string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("sha256 mismatch: want %s, got %s", e.Want, e.Got)
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store is the model cache directory.
type Store struct {
	dir    string
	index  Index
	logger *slog.Logger
}

// CommitOptions annotate a Commit.
type CommitOptions struct {
	// SourceURL is recorded in the integrity index.
	SourceURL string

	// ExpectedSHA256, when set, rejects bodies with a different digest.
	ExpectedSHA256 string
}

// NewStore opens the cache rooted at dir, creating it if needed.
//
// # Inputs
//
//   - dir: Cache directory.
//   - index: Integrity index. Nil means NopIndex.
//   - logger: Nil means slog.Default().
//
// # Outputs
//
//   - *Store: Ready for use.
//   - error: Non-nil if dir cannot be created.
func NewStore(dir string, index Index, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
	}
	if index == nil {
		index = NopIndex{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, index: index, logger: logger}, nil
}

// IndexPath returns where a persistent index for dir should live.
func IndexPath(dir string) string {
	return filepath.Join(dir, indexDirName)
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// LocationFor maps a file name to its durable location.
//
// # Description
//
// Only the base name is used, so "../../etc/passwd" and "a/b/model.gguf"
// cannot escape the cache directory. Names that reduce to nothing usable
// are rejected.
//
// # Inputs
//
//   - fileName: Cache key.
//
// # Outputs
//
//   - string: Absolute or dir-relative path inside the cache directory.
//   - error: ErrInvalidFileName for "", ".", "..", hidden names, or
//     names with the partial-download prefix.
func (s *Store) LocationFor(fileName string) (string, error) {
	name, err := cleanName(fileName)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// Exists reports whether path holds a valid cached artifact.
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if filepath.Dir(path) != filepath.Clean(s.dir) {
		return true
	}

	entry, ok, err := s.index.Get(filepath.Base(path))
	if err != nil {
		s.logger.Warn("cache index read failed, trusting file presence",
			"file", filepath.Base(path), "error", err)
		return true
	}
	if ok && entry.Size != info.Size() {
		s.logger.Warn("cached artifact size differs from index, treating as miss",
			"file", entry.FileName, "indexed_size", entry.Size, "disk_size", info.Size())
		return false
	}
	return true
}

// Commit streams r into the cache under fileName.
//
// # Description
//
// The body is written to a uniquely named temp file in the cache directory
// while its SHA-256 is computed, fsynced, then renamed over the final name.
// On any failure the temp file is removed, so Exists never reports a
// partial artifact. After the rename the integrity record is written; a
// record failure is logged and does not fail the commit.
//
// # Inputs
//
//   - fileName: Cache key.
//   - r: Artifact body. Read to EOF.
//   - opts: Optional source URL and expected digest.
//
// # Outputs
//
//   - Entry: The committed record.
//   - error: ErrInvalidFileName, *ChecksumError, or a wrapped I/O error.
func (s *Store) Commit(fileName string, r io.Reader, opts CommitOptions) (Entry, error) {
	finalPath, err := s.LocationFor(fileName)
	if err != nil {
		return Entry{}, err
	}
	name := filepath.Base(finalPath)

	tmpPath := filepath.Join(s.dir, partialPrefix+uuid.NewString()+"-"+name)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return Entry{}, fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		_ = f.Close()
		return Entry{}, fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return Entry{}, fmt.Errorf("sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return Entry{}, fmt.Errorf("close %s: %w", name, err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if want := strings.ToLower(opts.ExpectedSHA256); want != "" && want != digest {
		return Entry{}, &ChecksumError{Want: want, Got: digest}
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Entry{}, fmt.Errorf("rename into cache: %w", err)
	}
	committed = true
	syncDir(s.dir)

	entry := Entry{
		FileName:  name,
		Size:      size,
		SHA256:    digest,
		SourceURL: opts.SourceURL,
		FetchedAt: time.Now().UTC(),
	}
	if err := s.index.Put(entry); err != nil {
		s.logger.Warn("failed to record cache entry", "file", name, "error", err)
	}

	s.logger.Debug("committed artifact to cache", "file", name, "bytes", size)
	return entry, nil
}

// List returns every cached artifact, sorted by name.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read cache directory: %w", err)
	}

	var out []Entry
	for _, de := range dirEntries {
		if strings.HasPrefix(de.Name(), ".") || !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entry := Entry{FileName: de.Name(), Size: info.Size(), FetchedAt: info.ModTime().UTC()}
		if rec, ok, err := s.index.Get(de.Name()); err == nil && ok {
			entry.SHA256 = rec.SHA256
			entry.SourceURL = rec.SourceURL
			entry.FetchedAt = rec.FetchedAt
			entry.Indexed = rec.Size == info.Size()
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out, nil
}

// Remove deletes one cached artifact and its record.
func (s *Store) Remove(fileName string) error {
	path, err := s.LocationFor(fileName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotCached, fileName)
		}
		return fmt.Errorf("remove %s: %w", fileName, err)
	}
	if err := s.index.Delete(filepath.Base(path)); err != nil {
		s.logger.Warn("failed to delete cache record", "file", fileName, "error", err)
	}
	return nil
}

// Purge removes every cached artifact and leftover partial download.
// It returns the number of artifacts removed.
func (s *Store) Purge() (int, error) {
	entries, err := s.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if err := s.Remove(e.FileName); err != nil {
			return removed, err
		}
		removed++
	}
	if _, err := s.CleanPartials(); err != nil {
		return removed, err
	}
	return removed, nil
}

// CleanPartials removes temp files left by interrupted downloads.
func (s *Store) CleanPartials() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, partialPrefix+"*"))
	if err != nil {
		return 0, err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("remove partial %s: %w", filepath.Base(m), err)
		}
	}
	return len(matches), nil
}

// cleanName reduces fileName to a safe base name.
func cleanName(fileName string) (string, error) {
	name := filepath.Base(strings.TrimSpace(fileName))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) ||
		strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}
	return name, nil
}

// syncDir makes a rename durable. Best effort: some platforms cannot
// fsync a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
