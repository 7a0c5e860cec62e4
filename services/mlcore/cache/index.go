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
	"time"
)

// Entry describes one cached artifact.
type Entry struct {
	// FileName is the cache key and the file's base name.
	FileName string `json:"file_name"`

	// Size is the byte length recorded at commit time.
	Size int64 `json:"size"`

	// SHA256 is the lowercase hex digest recorded at commit time.
	SHA256 string `json:"sha256,omitempty"`

	// SourceURL is where the artifact was fetched from. Never contains
	// credentials; the download layer strips userinfo before recording.
	SourceURL string `json:"source_url,omitempty"`

	// FetchedAt is the commit time.
	FetchedAt time.Time `json:"fetched_at"`

	// Indexed is set by List when an integrity record exists for the file.
	Indexed bool `json:"-"`
}

// Index persists integrity records for cached artifacts.
//
// An index is advisory: a file with no record is still a valid cache
// entry. A record whose size disagrees with the file on disk marks the
// file as stale.
//
// Implementations must be safe for concurrent use.
type Index interface {
	// Get returns the record for fileName. ok is false when none exists.
	Get(fileName string) (entry Entry, ok bool, err error)

	// Put stores or replaces the record for entry.FileName.
	Put(entry Entry) error

	// Delete removes the record for fileName. Missing records are not an error.
	Delete(fileName string) error

	// List returns all records.
	List() ([]Entry, error)

	// Close releases resources.
	Close() error
}

// NopIndex records nothing. Cache validity falls back to file presence.
type NopIndex struct{}

func (NopIndex) Get(string) (Entry, bool, error) { return Entry{}, false, nil }
func (NopIndex) Put(Entry) error                 { return nil }
func (NopIndex) Delete(string) error             { return nil }
func (NopIndex) List() ([]Entry, error)          { return nil, nil }
func (NopIndex) Close() error                    { return nil }
