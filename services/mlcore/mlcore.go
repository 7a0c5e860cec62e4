// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mlcore wires the model lifecycle and inference components into a
// service.
//
// # Components
//
//	            ┌──────────── plugin.Plugin ────────────┐
//	            │                                       │
//	classification.Dispatcher            session.Coordinator ─► generation.Generator
//	  custom ► platform ► stub             │
//	                                       ▼
//	                               resolver.Resolver
//	                                 │          │
//	                           assets dir   download.Manager ─► cache.Store (+ badger index)
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := mlcore.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	svc.Run(ctx)
package mlcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianEdge/pkg/config"
	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/assetwatch"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/cache"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/classification"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/classification/ollamavision"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/classification/prototype"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/download"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/generation"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/generation/llamacpp"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/middleware"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/observability"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/plugin"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/resolver"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/routes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Options
// =============================================================================

// Option customizes New.
type Option func(*options)

type options struct {
	logger        *logging.Logger
	engineFactory generation.EngineFactory
	backends      []classification.Backend
	registry      *prometheus.Registry
	skipTracing   bool
}

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEngineFactory replaces the llama-server factory.
func WithEngineFactory(f generation.EngineFactory) Option {
	return func(o *options) { o.engineFactory = f }
}

// WithBackends replaces the classification chain. The stub backend is
// appended automatically.
func WithBackends(b ...classification.Backend) Option {
	return func(o *options) { o.backends = b }
}

// WithRegistry sets the Prometheus registry. Default: a fresh registry with
// Go and process collectors.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithoutTracing skips tracer provider installation.
func WithoutTracing() Option {
	return func(o *options) { o.skipTracing = true }
}

// =============================================================================
// Service
// =============================================================================

// Service owns every mlcore component and the HTTP router.
//
// # Thread Safety
//
// Run is called once. Accessors are safe for concurrent use.
type Service struct {
	cfg      config.MLCoreConfig
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	index      cache.Index
	store      *cache.Store
	downloads  *download.Manager
	resolver   *resolver.Resolver
	sessions   *session.Coordinator
	dispatcher *classification.Dispatcher
	plugin     *plugin.Plugin
	watcher    *assetwatch.Watcher
	router     *gin.Engine

	shutdownTracer func(context.Context)
}

// New builds the service from cfg. Nothing is loaded or started beyond
// probing the classification backends.
//
// # Description
//
// Wires, in order: logging, metrics, tracing, the cache store with its
// optional badger index, the download manager (http, https, gs), the
// resolver, the llama-server engine factory, the session coordinator, the
// classification chain and the gin router. Stale partial downloads from
// a previous run are removed from the cache.
//
// # Inputs
//
//   - ctx: Bounds backend probing.
//   - cfg: Loaded configuration.
//   - opts: Overrides, mainly for tests.
//
// # Outputs
//
//   - *Service: Call Close when done.
//   - error: Cache, index, or tracer setup failure.
func New(ctx context.Context, cfg config.MLCoreConfig, opts ...Option) (*Service, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{cfg: cfg, shutdownTracer: func(context.Context) {}}

	s.logger = o.logger
	if s.logger == nil {
		level, _ := logging.ParseLevel(cfg.Logging.Level)
		s.logger = logging.New(logging.Config{
			Level:   level,
			LogDir:  cfg.Logging.Dir,
			Service: "mlcore",
			JSON:    cfg.Logging.JSON,
		})
	}
	log := s.logger.Slog()

	s.registry = o.registry
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	s.metrics = observability.NewMetrics(s.registry)

	if !o.skipTracing {
		shutdown, err := observability.InitTracer(ctx, observability.TracingConfig{
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: "mlcore",
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.shutdownTracer = shutdown
	}

	if err := s.initCache(log); err != nil {
		s.Close()
		return nil, err
	}

	s.downloads = download.NewManager(s.store,
		download.WithLogger(log),
		download.WithMetrics(s.metrics),
		download.WithFetcher("http", download.NewHTTPFetcher(download.HTTPConfig{
			Timeout:   cfg.Download.Timeout,
			UserAgent: cfg.Download.UserAgent,
		})),
		download.WithFetcher("https", download.NewHTTPFetcher(download.HTTPConfig{
			Timeout:   cfg.Download.Timeout,
			UserAgent: cfg.Download.UserAgent,
		})),
		download.WithFetcher("gs", download.NewGCSFetcher(download.GCSConfig{
			UseDefaultCredentials: cfg.Download.GCSDefaultCredentials,
		})))

	s.resolver = resolver.New(resolver.Config{
		AssetsDir:        cfg.Assets.Dir,
		DefaultExtension: cfg.Assets.DefaultExtension,
	}, s.store, s.downloads, log, s.metrics)

	factory := o.engineFactory
	if factory == nil {
		factory = llamacpp.NewFactory(llamacpp.Config{
			BinaryPath:     cfg.Generation.Llama.Binary,
			Host:           cfg.Generation.Llama.Host,
			Port:           cfg.Generation.Llama.Port,
			ExtraArgs:      cfg.Generation.Llama.ExtraArgs,
			StartupTimeout: cfg.Generation.Llama.StartupTimeout,
			Logger:         log,
		})
	}

	defaultDesc := DefaultDescriptor(cfg)
	s.sessions = session.NewCoordinator(defaultDesc, s.resolver, factory, log, s.metrics)

	backends := o.backends
	if backends == nil {
		backends = DefaultBackends(cfg)
	}
	backends = append(backends, classification.StubBackend{})
	s.dispatcher = classification.NewDispatcher(ctx, backends, log, s.metrics)

	s.plugin = plugin.New(s.dispatcher, s.sessions, generation.NewGenerator(log, s.metrics), defaultDesc, log)

	s.initRouter(log)
	return s, nil
}

// DefaultDescriptor builds the bundled default model descriptor from cfg.
func DefaultDescriptor(cfg config.MLCoreConfig) datatypes.ModelDescriptor {
	g := cfg.Generation
	params := datatypes.DefaultGenerationParams()
	if g.MaxTokens > 0 {
		params.MaxTokens = g.MaxTokens
	}
	temp := g.Temperature
	params.Temperature = &temp
	if g.TopK > 0 {
		topK := g.TopK
		params.TopK = &topK
	}
	seed := g.RandomSeed
	params.RandomSeed = &seed
	return datatypes.Bundled(g.DefaultModel, params)
}

// DefaultBackends returns the configured classification chain, custom
// first, without the stub.
func DefaultBackends(cfg config.MLCoreConfig) []classification.Backend {
	var backends []classification.Backend
	if cfg.Classification.CustomManifest != "" {
		backends = append(backends, prototype.New(filepath.Join(cfg.Assets.Dir, cfg.Classification.CustomManifest)))
	}
	if cfg.Classification.Ollama.Enabled {
		backends = append(backends, ollamavision.New(ollamavision.Config{
			BaseURL:    cfg.Classification.Ollama.BaseURL,
			Model:      cfg.Classification.Ollama.Model,
			MinVersion: cfg.Classification.Ollama.MinVersion,
			Labels:     cfg.Classification.Ollama.Labels,
		}))
	}
	return backends
}

func (s *Service) initCache(log *slog.Logger) error {
	s.index = cache.NopIndex{}
	if s.cfg.Cache.Index {
		idx, err := cache.OpenBadgerIndex(cache.BadgerConfig{
			Path:   cache.IndexPath(s.cfg.Cache.Dir),
			Logger: log,
		})
		if err != nil {
			return fmt.Errorf("failed to open cache index: %w", err)
		}
		s.index = idx
	}

	store, err := cache.NewStore(s.cfg.Cache.Dir, s.index, log)
	if err != nil {
		return err
	}
	s.store = store

	if n, err := store.CleanPartials(); err != nil {
		log.Warn("Failed to clean partial downloads", "error", err)
	} else if n > 0 {
		log.Info("Removed partial downloads", "count", n)
	}
	return nil
}

func (s *Service) initRouter(log *slog.Logger) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("mlcore"))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(log))

	routes.SetupRoutes(router, s.plugin, routes.Options{
		Gatherer: s.registry,
		APIKey:   datatypes.NewSecret(s.cfg.Server.APIKey),
		ImageDir: s.cfg.Server.ImageDir,
	})
	s.router = router
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run serves HTTP until ctx ends, then shuts down gracefully.
//
// # Description
//
// Starts the server, the asset watcher (when enabled and the assets
// directory exists) and, when generation.warmup is set, default session
// initialization. Warmup failures are logged; the session stays
// retryable through the next request.
//
// # Outputs
//
//   - error: Listen failure. A clean shutdown returns nil.
func (s *Service) Run(ctx context.Context) error {
	log := s.logger.Slog()

	if s.cfg.Assets.Watch {
		w, err := assetwatch.New(s.cfg.Assets.Dir, s.dispatcher, assetwatch.Options{Logger: log})
		if err == nil {
			err = w.Start(ctx)
		}
		if err != nil {
			log.Warn("Asset watcher disabled", "error", err)
		} else {
			s.watcher = w
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Starting mlcore server", "port", s.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if s.cfg.Generation.Warmup {
		g.Go(func() error {
			status := s.plugin.Warmup(gctx)
			log.Info("Warmup started", "state", status.State, "model", s.cfg.Generation.DefaultModel)
			if _, err := s.sessions.EnsureReady(gctx, nil); err != nil && gctx.Err() == nil {
				log.Warn("Warmup failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		log.Info("Shutting down mlcore server")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Router returns the configured gin engine.
func (s *Service) Router() *gin.Engine { return s.router }

// Capabilities returns the capability facade.
func (s *Service) Capabilities() *plugin.Plugin { return s.plugin }

// Store returns the model cache.
func (s *Service) Store() *cache.Store { return s.store }

// Downloads returns the download manager.
func (s *Service) Downloads() *download.Manager { return s.downloads }

// Logger returns the service logger.
func (s *Service) Logger() *logging.Logger { return s.logger }

// Close stops the watcher, releases the generation engine, closes the
// cache index and flushes traces. Safe to call on a partially built
// Service.
func (s *Service) Close() error {
	var errs []error
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.sessions != nil {
		if err := s.sessions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache index: %w", err))
		}
	}
	if s.shutdownTracer != nil {
		s.shutdownTracer(context.Background())
	}
	if s.logger != nil {
		if err := s.logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
