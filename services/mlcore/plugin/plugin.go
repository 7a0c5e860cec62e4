// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plugin is the capability surface callers see: echo, image
// classification, text generation and status.
//
// # Description
//
// Plugin is the native implementation over the classification dispatcher,
// the session coordinator and the generator. WebStub is the implementation
// for hosts with no native inference backends. Both validate requests the
// same way and report failures as *mlerrors.Error.
package plugin

import (
	"context"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/classification"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/generation"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/session"
)

// Capabilities is the bridge-level contract.
type Capabilities interface {
	Echo(ctx context.Context, req datatypes.EchoRequest) (datatypes.EchoResponse, error)
	ClassifyImage(ctx context.Context, req datatypes.ClassifyImageRequest) (datatypes.ClassifyImageResponse, error)
	GenerateText(ctx context.Context, req datatypes.GenerateTextRequest) (datatypes.GenerationResult, error)
	Status(ctx context.Context) (datatypes.StatusResponse, error)
}

// Lifecycle is implemented by capabilities that own loadable resources.
type Lifecycle interface {
	// Warmup starts default session initialization without waiting.
	Warmup(ctx context.Context) datatypes.SessionStatus

	// ReloadClassifiers re-probes classification backends.
	ReloadClassifiers(ctx context.Context) []datatypes.BackendStatus
}

// =============================================================================
// Native plugin
// =============================================================================

// Plugin is the native Capabilities implementation.
type Plugin struct {
	classifier  *classification.Dispatcher
	sessions    *session.Coordinator
	generator   *generation.Generator
	defaultDesc datatypes.ModelDescriptor
	logger      *slog.Logger
}

var (
	_ Capabilities = (*Plugin)(nil)
	_ Lifecycle    = (*Plugin)(nil)
)

// New wires a Plugin.
//
// # Inputs
//
//   - classifier: Classification dispatcher.
//   - sessions: Generation session coordinator.
//   - generator: Prompt runner.
//   - defaultDesc: Model used when a request names none. Should match the
//     coordinator's default.
//   - logger: Nil means slog.Default().
func New(classifier *classification.Dispatcher, sessions *session.Coordinator, generator *generation.Generator,
	defaultDesc datatypes.ModelDescriptor, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		classifier:  classifier,
		sessions:    sessions,
		generator:   generator,
		defaultDesc: defaultDesc,
		logger:      logger,
	}
}

// Echo returns the value unchanged.
func (p *Plugin) Echo(_ context.Context, req datatypes.EchoRequest) (datatypes.EchoResponse, error) {
	return datatypes.EchoResponse{Value: req.Value}, nil
}

// ClassifyImage loads the image from whichever source is set and runs the
// dispatcher.
func (p *Plugin) ClassifyImage(ctx context.Context, req datatypes.ClassifyImageRequest) (datatypes.ClassifyImageResponse, error) {
	if err := req.Validate(); err != nil {
		return datatypes.ClassifyImageResponse{}, mlerrors.InvalidRequest(datatypes.ValidationMessage(err))
	}
	img, err := ImageFrom(req)
	if err != nil {
		return datatypes.ClassifyImageResponse{}, err
	}
	return p.classifier.Classify(ctx, img)
}

// GenerateText ensures a ready session for the request's model and runs
// the prompt.
//
// # Description
//
// downloadAtRuntime selects a remote model at downloadUrl. Otherwise
// modelFileName selects a bundled model, and when it is empty the default
// model is used. The descriptor only matters while the session is not yet
// ready; afterwards every request runs on the existing session.
//
// # Inputs
//
//   - ctx: Cancels this caller's wait for initialization and the engine call.
//   - req: Validated before anything is loaded.
//
// # Outputs
//
//   - datatypes.GenerationResult: Response text, token estimate, model name.
//   - error: *mlerrors.Error (InvalidRequest, ModelMissing, Download,
//     Inference) or ctx.Err().
//
// # Examples
//
//	res, err := p.GenerateText(ctx, datatypes.GenerateTextRequest{Prompt: "Hello"})
//	// res.ModelName == "model"
func (p *Plugin) GenerateText(ctx context.Context, req datatypes.GenerateTextRequest) (datatypes.GenerationResult, error) {
	if err := req.Validate(); err != nil {
		return datatypes.GenerationResult{}, mlerrors.InvalidRequest(datatypes.ValidationMessage(err))
	}

	desc := DescriptorFor(req, p.defaultDesc)
	p.logger.Debug("generate text requested",
		"model", desc.Key(),
		"token_present", desc.AuthToken.Present(),
		"prompt_chars", len(req.Prompt))

	s, err := p.sessions.EnsureReady(ctx, &desc)
	if err != nil {
		return datatypes.GenerationResult{}, err
	}
	return p.generator.Generate(ctx, s, req.Prompt)
}

// Status reports the session and classifier availability.
func (p *Plugin) Status(_ context.Context) (datatypes.StatusResponse, error) {
	return datatypes.StatusResponse{
		Session:     p.sessions.Snapshot(),
		Classifiers: p.classifier.Backends(),
	}, nil
}

// Warmup starts default initialization.
func (p *Plugin) Warmup(ctx context.Context) datatypes.SessionStatus {
	p.sessions.Warmup(ctx)
	return p.sessions.Snapshot()
}

// ReloadClassifiers re-probes classification backends.
func (p *Plugin) ReloadClassifiers(ctx context.Context) []datatypes.BackendStatus {
	p.classifier.Reload(ctx)
	return p.classifier.Backends()
}

// =============================================================================
// Request mapping
// =============================================================================

// ImageFrom builds classification input from a validated request.
func ImageFrom(req datatypes.ClassifyImageRequest) (*classification.Image, error) {
	if strings.TrimSpace(req.ImagePath) != "" {
		return classification.FromPath(req.ImagePath)
	}
	return classification.FromBase64(req.Base64Image)
}

// DescriptorFor maps a generate request onto a model descriptor.
//
// Unset parameters take def.Params, then the package defaults.
func DescriptorFor(req datatypes.GenerateTextRequest, def datatypes.ModelDescriptor) datatypes.ModelDescriptor {
	params := MergeParams(def.Params, req)

	switch {
	case req.DownloadAtRuntime:
		d := datatypes.Remote(req.DownloadURL, req.ModelFileName, datatypes.NewSecret(req.AuthToken), req.Headers, params)
		if req.ExpectedSHA256 != "" {
			d = d.WithExpectedSHA256(strings.ToLower(req.ExpectedSHA256))
		}
		return d
	case req.ModelFileName != "":
		return datatypes.Bundled(req.ModelFileName, params)
	default:
		d := def
		d.Params = params
		return d
	}
}

// MergeParams overlays the request's explicit parameters on base.
func MergeParams(base datatypes.GenerationParams, req datatypes.GenerateTextRequest) datatypes.GenerationParams {
	defaults := datatypes.DefaultGenerationParams()
	p := base
	if p.MaxTokens <= 0 {
		p.MaxTokens = defaults.MaxTokens
	}
	if p.Temperature == nil {
		p.Temperature = defaults.Temperature
	}
	if p.TopK == nil {
		p.TopK = defaults.TopK
	}
	if p.RandomSeed == nil {
		p.RandomSeed = defaults.RandomSeed
	}

	if req.MaxTokens != nil {
		p.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		v := *req.Temperature
		p.Temperature = &v
	}
	if req.TopK != nil {
		v := *req.TopK
		p.TopK = &v
	}
	if req.TopP != nil {
		v := *req.TopP
		p.TopP = &v
	}
	if req.RandomSeed != nil {
		v := *req.RandomSeed
		p.RandomSeed = &v
	}
	return p
}

// =============================================================================
// Web stub
// =============================================================================

// WebStubConfidence is the confidence of the web stub's single prediction.
const WebStubConfidence = 0.1

// WebStub serves hosts without native inference: classification answers
// with a fixed low-confidence "unknown" and generation is unsupported.
type WebStub struct{}

var _ Capabilities = WebStub{}

// Echo returns the value unchanged.
func (WebStub) Echo(_ context.Context, req datatypes.EchoRequest) (datatypes.EchoResponse, error) {
	return datatypes.EchoResponse{Value: req.Value}, nil
}

// ClassifyImage validates the request and returns the fixed prediction.
func (WebStub) ClassifyImage(_ context.Context, req datatypes.ClassifyImageRequest) (datatypes.ClassifyImageResponse, error) {
	if err := req.Validate(); err != nil {
		return datatypes.ClassifyImageResponse{}, mlerrors.InvalidRequest(datatypes.ValidationMessage(err))
	}
	return datatypes.ClassifyImageResponse{
		Predictions: []datatypes.Prediction{{Label: classification.StubLabel, Confidence: WebStubConfidence}},
		Backend:     "web-stub",
	}, nil
}

// GenerateText always fails with UnsupportedPlatform.
func (WebStub) GenerateText(context.Context, datatypes.GenerateTextRequest) (datatypes.GenerationResult, error) {
	return datatypes.GenerationResult{}, mlerrors.UnsupportedPlatform("text generation is not available on this platform")
}

// Status reports an unsupported session and the stub classifier.
func (WebStub) Status(context.Context) (datatypes.StatusResponse, error) {
	return datatypes.StatusResponse{
		Session:     datatypes.SessionStatus{State: "unsupported"},
		Classifiers: []datatypes.BackendStatus{{Name: "web-stub", Available: true}},
	}, nil
}
