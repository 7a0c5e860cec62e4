// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the value types shared by mlcore components and
// the JSON shapes of the capability surface.
package datatypes

import (
	"maps"
)

// Generation defaults applied when a request leaves a parameter unset.
const (
	DefaultMaxTokens   = 100
	DefaultTemperature = 0.7
	DefaultTopK        = 40
	DefaultRandomSeed  = 101
)

// -----------------------------------------------------------------------------
// Model Descriptor
// -----------------------------------------------------------------------------

// SourceKind says where a model comes from.
type SourceKind int

const (
	// SourceBundled models ship inside the application's assets directory.
	SourceBundled SourceKind = iota
	// SourceRemote models are fetched from an artifact host on first use.
	SourceRemote
)

func (k SourceKind) String() string {
	switch k {
	case SourceBundled:
		return "bundled"
	case SourceRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// GenerationParams configures the text generation engine at construction.
// Nil pointers mean "engine default".
type GenerationParams struct {
	MaxTokens int

	// Temperature is nil when unset. Zero is a valid, greedy setting.
	Temperature *float64
	TopK        *int
	TopP        *float64
	RandomSeed  *int
}

// DefaultGenerationParams returns MaxTokens 100, Temperature 0.7, TopK 40
// and RandomSeed 101. TopP is left to the engine.
func DefaultGenerationParams() GenerationParams {
	topK, seed, temp := DefaultTopK, DefaultRandomSeed, DefaultTemperature
	return GenerationParams{
		MaxTokens:   DefaultMaxTokens,
		Temperature: &temp,
		TopK:        &topK,
		RandomSeed:  &seed,
	}
}

// ModelDescriptor identifies a model and how to obtain it.
//
// Descriptors are values: constructors copy the header map, and no method
// mutates the receiver. One descriptor drives one initialization attempt.
type ModelDescriptor struct {
	Source SourceKind

	// FileName is the bundled asset name, or the explicit cache name for a
	// remote model. May be empty for remote models.
	FileName string

	// RemoteURL is the artifact location (http, https or gs).
	RemoteURL string

	// AuthToken is sent as a bearer token when present.
	AuthToken Secret

	// Headers are attached to the fetch request verbatim.
	Headers map[string]string

	// ExpectedSHA256 is an optional lowercase hex digest of the artifact.
	ExpectedSHA256 string

	Params GenerationParams
}

// Bundled returns a descriptor for a model in the assets directory.
func Bundled(fileName string, params GenerationParams) ModelDescriptor {
	return ModelDescriptor{
		Source:   SourceBundled,
		FileName: fileName,
		Params:   params,
	}
}

// Remote returns a descriptor for a model fetched from url.
func Remote(url, fileName string, token Secret, headers map[string]string, params GenerationParams) ModelDescriptor {
	return ModelDescriptor{
		Source:    SourceRemote,
		FileName:  fileName,
		RemoteURL: url,
		AuthToken: token,
		Headers:   maps.Clone(headers),
		Params:    params,
	}
}

// WithExpectedSHA256 returns a copy of d that verifies the artifact digest.
func (d ModelDescriptor) WithExpectedSHA256(digest string) ModelDescriptor {
	d.Headers = maps.Clone(d.Headers)
	d.ExpectedSHA256 = digest
	return d
}

// Key identifies the artifact a descriptor points at, for logs and metrics.
// It never includes the token.
func (d ModelDescriptor) Key() string {
	if d.Source == SourceRemote {
		return "remote:" + d.RemoteURL + "#" + d.FileName
	}
	return "bundled:" + d.FileName
}
