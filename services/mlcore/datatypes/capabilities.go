// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// =============================================================================
// Echo
// =============================================================================

// EchoRequest is the bridge liveness probe.
type EchoRequest struct {
	Value string `json:"value"`
}

// EchoResponse mirrors EchoRequest.
type EchoResponse struct {
	Value string `json:"value"`
}

// =============================================================================
// Classification
// =============================================================================

// ClassifyImageRequest carries exactly one of ImagePath or Base64Image.
type ClassifyImageRequest struct {
	ImagePath   string `json:"imagePath,omitempty" validate:"required_without=Base64Image,excluded_with=Base64Image"`
	Base64Image string `json:"base64Image,omitempty" validate:"required_without=ImagePath"`
}

// Prediction is one label with its confidence in [0, 1].
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ClassifyImageResponse holds at most five predictions, highest first.
type ClassifyImageResponse struct {
	Predictions []Prediction `json:"predictions"`
	Backend     string       `json:"backend,omitempty"`
}

// =============================================================================
// Generation
// =============================================================================

// GenerateTextRequest is the generateText call. Unset pointer fields take
// the defaults in DefaultGenerationParams.
type GenerateTextRequest struct {
	Prompt      string   `json:"prompt" validate:"required"`
	MaxTokens   *int     `json:"maxTokens,omitempty" validate:"omitempty,min=1,max=8192"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopK        *int     `json:"topK,omitempty" validate:"omitempty,min=1"`
	TopP        *float64 `json:"topP,omitempty" validate:"omitempty,gt=0,lte=1"`
	RandomSeed  *int     `json:"randomSeed,omitempty"`

	DownloadAtRuntime bool              `json:"downloadAtRuntime,omitempty"`
	DownloadURL       string            `json:"downloadUrl,omitempty" validate:"required_if=DownloadAtRuntime true"`
	ModelFileName     string            `json:"modelFileName,omitempty"`
	AuthToken         string            `json:"authToken,omitempty"`
	Headers           map[string]string `json:"headers,omitempty" validate:"omitempty,dive,keys,required,nocrlf,endkeys,nocrlf"`
	ExpectedSHA256    string            `json:"expectedSha256,omitempty" validate:"omitempty,len=64,hexadecimal"`
}

// GenerationResult is the generateText response.
type GenerationResult struct {
	Response   string `json:"response"`
	TokensUsed int    `json:"tokensUsed"`
	ModelName  string `json:"modelName"`
}

// =============================================================================
// Status
// =============================================================================

// SessionStatus reports the generation session lifecycle.
type SessionStatus struct {
	State     string    `json:"state"`
	ModelName string    `json:"modelName,omitempty"`
	ModelPath string    `json:"modelPath,omitempty"`
	Source    string    `json:"source,omitempty"`
	CacheHit  bool      `json:"cacheHit,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Since     time.Time `json:"since"`
}

// BackendStatus reports one classification backend's availability.
type BackendStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// StatusResponse aggregates session and classifier status.
type StatusResponse struct {
	Session     SessionStatus   `json:"session"`
	Classifiers []BackendStatus `json:"classifiers"`
}
