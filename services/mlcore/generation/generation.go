// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation runs prompts through a ready text generation engine.
//
// # Description
//
// The engine itself is opaque: an EngineFactory builds one from a model
// file and GenerationParams (the expensive step, owned by the session
// coordinator), and Generator turns an engine response into a
// GenerationResult with a token estimate.
package generation

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/AleutianAI/AleutianEdge/services/mlcore/generation")

// =============================================================================
// Interfaces
// =============================================================================

// Engine is a loaded text generation model.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// Generate produces a completion for prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// Close releases the model. Generate must not be called afterwards.
	Close() error
}

// EngineFactory constructs engines from model files.
//
// NewEngine may block for a long time (model load, process start) and
// should honor ctx.
type EngineFactory interface {
	NewEngine(ctx context.Context, modelPath string, params datatypes.GenerationParams) (Engine, error)
}

// EngineFactoryFunc adapts a function to EngineFactory.
type EngineFactoryFunc func(ctx context.Context, modelPath string, params datatypes.GenerationParams) (Engine, error)

// NewEngine calls f.
func (f EngineFactoryFunc) NewEngine(ctx context.Context, modelPath string, params datatypes.GenerationParams) (Engine, error) {
	return f(ctx, modelPath, params)
}

// Session is a ready generation session. *session.Session implements it.
type Session interface {
	Engine() Engine
	ModelName() string
}

// =============================================================================
// Generator
// =============================================================================

// EstimateTokens approximates the token count of s as one token per four
// characters, rounded down.
func EstimateTokens(s string) int {
	return utf8.RuneCountInString(s) / 4
}

// Generator runs prompts against ready sessions.
type Generator struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewGenerator creates a Generator. Both arguments may be nil.
func NewGenerator(logger *slog.Logger, metrics *observability.Metrics) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{logger: logger, metrics: metrics}
}

// Generate runs prompt through the session's engine.
//
// # Description
//
// Engine failures are returned as InferenceError and are scoped to this
// call: the session stays ready and the next call may succeed.
//
// # Inputs
//
//   - ctx: Cancels the engine call.
//   - s: A ready session.
//   - prompt: Non-empty prompt text.
//
// # Outputs
//
//   - datatypes.GenerationResult: Response, EstimateTokens(response), and
//     the session's model name.
//   - error: *mlerrors.Error of KindInference or KindInvalidRequest.
func (g *Generator) Generate(ctx context.Context, s Session, prompt string) (datatypes.GenerationResult, error) {
	if s == nil || s.Engine() == nil {
		return datatypes.GenerationResult{}, mlerrors.AsInference("", errNotReady)
	}
	if prompt == "" {
		return datatypes.GenerationResult{}, mlerrors.InvalidRequest("prompt is required")
	}

	model := s.ModelName()
	ctx, span := tracer.Start(ctx, "generation.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("model.name", model),
		attribute.Int("prompt.chars", utf8.RuneCountInString(prompt)))

	start := time.Now()
	response, err := s.Engine().Generate(ctx, prompt)
	if err != nil {
		err = mlerrors.AsInference(model, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		g.metrics.Generation(model, 0, err, time.Since(start))
		g.logger.Error("text generation failed", "model", model, "error", err)
		return datatypes.GenerationResult{}, err
	}

	tokens := EstimateTokens(response)
	span.SetAttributes(attribute.Int("generation.tokens_estimate", tokens))
	g.metrics.Generation(model, tokens, nil, time.Since(start))
	g.logger.Debug("text generated",
		"model", model,
		"tokens_estimate", tokens,
		"duration_ms", time.Since(start).Milliseconds())

	return datatypes.GenerationResult{
		Response:   response,
		TokensUsed: tokens,
		ModelName:  model,
	}, nil
}

type notReadyError struct{}

func (notReadyError) Error() string { return "generation session is not ready" }

var errNotReady error = notReadyError{}
