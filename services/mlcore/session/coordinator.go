// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns the process-wide text generation session.
//
// # Description
//
// The Coordinator holds an explicit state machine guarded by a mutex:
//
//	Uninitialized ──► Initializing ──► Ready
//	                      │   ▲
//	                      ▼   │ (next EnsureReady, caller's descriptor)
//	                    Failed
//
// Leaving Uninitialized or Failed starts exactly one *flight*: resolve the
// model (bundled lookup or cache/download), then construct the engine.
// Every caller that arrives while a flight is running waits on the same
// flight and receives its outcome. Ready is terminal until Close.
//
// A flight runs detached from the context of the caller that started it.
// A caller whose context ends stops waiting and gets ctx.Err(); the flight
// continues for everyone else.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/generation"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/observability"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/resolver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/AleutianAI/AleutianEdge/services/mlcore/session")

// ErrClosed is returned by EnsureReady after Close.
var ErrClosed = errors.New("session coordinator is closed")

// =============================================================================
// State
// =============================================================================

// State is the generation session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// =============================================================================
// Session
// =============================================================================

// Session is a ready generation session. It implements generation.Session.
type Session struct {
	engine    generation.Engine
	modelName string
	modelPath string
	source    datatypes.SourceKind
	cacheHit  bool
	readyAt   time.Time
}

// Engine returns the loaded engine.
func (s *Session) Engine() generation.Engine { return s.engine }

// ModelName returns the name recorded at initialization.
func (s *Session) ModelName() string { return s.modelName }

// ModelPath returns the local model file.
func (s *Session) ModelPath() string { return s.modelPath }

// ReadyAt returns when the session became ready.
func (s *Session) ReadyAt() time.Time { return s.readyAt }

// =============================================================================
// Coordinator
// =============================================================================

// ModelResolver is the part of resolver.Resolver the coordinator uses.
type ModelResolver interface {
	Resolve(ctx context.Context, desc datatypes.ModelDescriptor) (resolver.Resolution, error)
}

// flight is one initialization attempt. done is closed after session and
// err are set.
type flight struct {
	desc    datatypes.ModelDescriptor
	done    chan struct{}
	session *Session
	err     error
}

// Coordinator serializes generation session initialization.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	defaultDesc datatypes.ModelDescriptor
	resolver    ModelResolver
	factory     generation.EngineFactory
	logger      *slog.Logger
	metrics     *observability.Metrics

	mu      sync.Mutex
	state   State
	session *Session
	flight  *flight
	lastErr error
	since   time.Time
	closed  bool
}

// NewCoordinator creates a Coordinator in the Uninitialized state. Nothing
// is loaded until Warmup or the first EnsureReady.
//
// # Inputs
//
//   - defaultDesc: Used when EnsureReady is called with a nil descriptor.
//   - r: Model resolver.
//   - factory: Engine constructor.
//   - logger: Nil means slog.Default().
//   - metrics: May be nil.
func NewCoordinator(defaultDesc datatypes.ModelDescriptor, r ModelResolver, factory generation.EngineFactory, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		defaultDesc: defaultDesc,
		resolver:    r,
		factory:     factory,
		logger:      logger,
		metrics:     metrics,
		since:       time.Now(),
	}
	metrics.SetSessionState(StateUninitialized.String())
	return c
}

// EnsureReady returns the ready session, initializing it if needed.
//
// # Description
//
//   - Ready: returns the existing session immediately. desc is ignored;
//     there is one session per process.
//   - Initializing: waits for the running flight.
//   - Uninitialized: starts a flight with desc (nil means the default
//     descriptor) and waits for it.
//   - Failed: starts a new flight with desc, so a caller can recover from
//     a failed default initialization by supplying its own descriptor.
//     Concurrent retries share that new flight.
//
// # Inputs
//
//   - ctx: Bounds this caller's wait only.
//   - desc: Model to initialize with. May be nil.
//
// # Outputs
//
//   - *Session: The ready session.
//   - error: The flight's *mlerrors.Error, ctx.Err(), or ErrClosed.
//
// # Examples
//
//	sess, err := coord.EnsureReady(ctx, nil)
//	if errors.Is(err, mlerrors.ErrModelMissing) {
//	    desc := datatypes.Remote(url, "", token, nil, params)
//	    sess, err = coord.EnsureReady(ctx, &desc)
//	}
func (c *Coordinator) EnsureReady(ctx context.Context, desc *datatypes.ModelDescriptor) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	switch c.state {
	case StateReady:
		s := c.session
		c.mu.Unlock()
		if desc != nil && desc.Key() != c.defaultDesc.Key() {
			c.logger.Debug("session already ready, descriptor ignored",
				"model", s.modelName, "requested", desc.Key())
		}
		return s, nil

	case StateInitializing:
		f := c.flight
		c.mu.Unlock()
		return c.await(ctx, f)

	default:
		d := c.defaultDesc
		if desc != nil {
			d = *desc
		}
		if c.state == StateFailed {
			c.logger.Info("retrying generation session initialization",
				"model", d.Key(), "previous_error", c.lastErr)
		}
		f := c.startLocked(ctx, d)
		c.mu.Unlock()
		return c.await(ctx, f)
	}
}

// Warmup starts the default initialization without waiting. It is a no-op
// unless the coordinator is Uninitialized.
func (c *Coordinator) Warmup(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateUninitialized {
		return
	}
	c.startLocked(ctx, c.defaultDesc)
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot reports the session for status endpoints.
func (c *Coordinator) Snapshot() datatypes.SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := datatypes.SessionStatus{State: c.state.String(), Since: c.since}
	if c.session != nil {
		st.ModelName = c.session.modelName
		st.ModelPath = c.session.modelPath
		st.Source = c.session.source.String()
		st.CacheHit = c.session.cacheHit
	}
	if c.state == StateFailed && c.lastErr != nil {
		st.Error = c.lastErr.Error()
		var me *mlerrors.Error
		if errors.As(c.lastErr, &me) {
			st.ErrorCode = me.Code()
		}
	}
	return st
}

// Close releases the engine. A flight still running when Close is called
// closes its engine as soon as it finishes.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if c.session != nil {
		err = c.session.engine.Close()
		c.session = nil
	}
	c.setStateLocked(StateUninitialized)
	return err
}

// startLocked begins a flight. c.mu must be held.
func (c *Coordinator) startLocked(ctx context.Context, desc datatypes.ModelDescriptor) *flight {
	f := &flight{desc: desc, done: make(chan struct{})}
	c.flight = f
	c.lastErr = nil
	c.setStateLocked(StateInitializing)

	go c.run(context.WithoutCancel(ctx), f)
	return f
}

func (c *Coordinator) await(ctx context.Context, f *flight) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.session, f.err
	}
}

// run executes a flight and publishes its outcome.
func (c *Coordinator) run(ctx context.Context, f *flight) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "session.Initialize")
	defer span.End()
	span.SetAttributes(
		attribute.String("model.source", f.desc.Source.String()),
		attribute.String("model.file", f.desc.FileName))

	c.logger.Info("initializing generation session", "model", f.desc.Key())

	s, err := c.initialize(ctx, f.desc)

	c.mu.Lock()
	if c.closed && s != nil {
		_ = s.engine.Close()
		s, err = nil, ErrClosed
	}
	f.session, f.err = s, err
	if c.flight == f {
		c.flight = nil
	}
	if !c.closed {
		if err != nil {
			c.lastErr = err
			c.setStateLocked(StateFailed)
		} else {
			c.session = s
			c.setStateLocked(StateReady)
		}
	}
	close(f.done)
	c.mu.Unlock()

	c.metrics.SessionInit(err == nil, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("generation session initialization failed",
			"model", f.desc.Key(),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return
	}
	c.logger.Info("generation session ready",
		"model", s.modelName,
		"path", s.modelPath,
		"cache_hit", s.cacheHit,
		"duration_ms", time.Since(start).Milliseconds())
}

// initialize resolves and constructs. Panics in the engine factory become
// inference errors rather than leaving waiters blocked forever.
func (c *Coordinator) initialize(ctx context.Context, desc datatypes.ModelDescriptor) (s *Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, mlerrors.AsInference(desc.FileName, fmt.Errorf("engine construction panicked: %v", r))
		}
	}()

	res, err := c.resolver.Resolve(ctx, desc)
	if err != nil {
		return nil, err
	}

	name := res.FileName
	if desc.Source == datatypes.SourceBundled && strings.TrimSpace(desc.FileName) != "" {
		name = desc.FileName
	}

	engine, err := c.factory.NewEngine(ctx, res.Path, desc.Params)
	if err != nil {
		return nil, mlerrors.AsInference(name, err)
	}

	return &Session{
		engine:    engine,
		modelName: name,
		modelPath: res.Path,
		source:    res.Source,
		cacheHit:  res.CacheHit,
		readyAt:   time.Now(),
	}, nil
}

func (c *Coordinator) setStateLocked(s State) {
	c.state = s
	c.since = time.Now()
	c.metrics.SetSessionState(s.String())
}
