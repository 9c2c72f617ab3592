// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway wires the request-scoped configuration and observability
// core into an HTTP chat gateway.
//
// # Description
//
// The gateway loads process defaults once, merges per-request overrides on
// top of them, and serves every request from a component bundle cached by
// configuration fingerprint. Each bundle carries its own trace pipeline,
// installed for the duration of the request only.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianScope/services/gateway/bundle"
	"github.com/AleutianAI/AleutianScope/services/gateway/handlers"
	"github.com/AleutianAI/AleutianScope/services/gateway/observability"
	"github.com/AleutianAI/AleutianScope/services/gateway/routes"
	"github.com/AleutianAI/AleutianScope/services/scope/cache"
	"github.com/AleutianAI/AleutianScope/services/scope/instrument"
	"github.com/AleutianAI/AleutianScope/services/scope/propagate"
	"github.com/AleutianAI/AleutianScope/services/scope/settings"
	"github.com/AleutianAI/AleutianScope/services/scope/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the gateway service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until ctx is cancelled or the
	// server fails. Resources are released before Run returns.
	//
	// # Outputs
	//
	//   - error: nil after a graceful shutdown, otherwise the server error
	//
	// # Examples
	//
	//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	//	defer stop()
	//	if err := svc.Run(ctx); err != nil {
	//	    log.Fatalf("server error: %v", err)
	//	}
	Run(ctx context.Context) error

	// Router returns the configured Gin engine, primarily for tests.
	Router() *gin.Engine

	// Close releases the worker pool, the component cache, the trace
	// pipeline and the meter. Safe to call more than once.
	Close(ctx context.Context) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds gateway configuration options.
//
// # Description
//
// All fields are optional; New applies defaults. Settings that requests may
// override are not part of Config: they come from SettingsFile and the
// process environment.
//
// # Examples
//
//	// Minimal config (uses all defaults)
//	cfg := Config{}
//
//	// Short-lived bundles, debug endpoints on
//	cfg := Config{
//	    Port:        8080,
//	    CacheTTL:    5 * time.Minute,
//	    EnableDebug: true,
//	}
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Default: keep Gin's current mode.
	GinMode string

	// ServiceName is the resource service.name. Default: "aleutian-scope"
	ServiceName string

	// Environment is the deployment environment recorded on spans.
	// Default: the DEPLOYMENT_ENVIRONMENT setting, else "development"
	Environment string

	// SettingsFile is an optional flat YAML file of default settings.
	// Environment variables take precedence over it.
	SettingsFile string

	// Base replaces SettingsFile and the environment when set.
	Base *settings.Configuration

	// AllowList names the settings a request may override.
	// Default: settings.DefaultAllowList()
	AllowList []string

	// CacheTTL is how long a bundle lives after it is built. Default: 30m
	CacheTTL time.Duration

	// CacheMaxEntries bounds cached bundles. Default: 64
	CacheMaxEntries int

	// BuildTimeout bounds one bundle build. Default: 2m
	BuildTimeout time.Duration

	// RequestTimeout bounds one chat request. Default: 2m
	RequestTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration

	// Workers is the size of the shared retrieval pool. Default: 8
	Workers int

	// RetrievalLimit caps retrieved documents per request. Default: 4
	RetrievalLimit int

	// MetricsExporter is "prometheus", "stdout" or "none".
	// Default: "prometheus"
	MetricsExporter string

	// EnableDebug registers /debug/config and /debug/cache.
	EnableDebug bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Thread Safety
//
// Thread-safe after construction. All fields except closeOnce are read-only
// after New returns.
type service struct {
	config  Config
	logger  *slog.Logger
	base    settings.Configuration
	allow   settings.AllowList
	router  *gin.Engine
	manager *instrument.Manager
	cache   *cache.Cache[*bundle.Bundle]
	builder *bundle.Builder
	pool    *propagate.Pool
	meter   *telemetry.Meter

	closeOnce sync.Once
	closeErr  error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a gateway Service.
//
// # Description
//
// New initializes, in order:
//  1. Default settings (SettingsFile layered under the environment)
//  2. The instrumentation manager, configured from the defaults when they
//     carry telemetry credentials
//  3. The meter and Prometheus registry
//  4. The component cache and its sweeper
//  5. The shared worker pool
//  6. The HTTP router
//
// Missing telemetry credentials are not an error: tracing is disabled until
// a request supplies them.
//
// # Outputs
//
//   - Service: Ready-to-run gateway
//   - error: Non-nil if settings cannot be loaded or a component fails
func New(cfg Config) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	s := &service{
		config: cfg,
		logger: cfg.Logger,
		allow:  settings.NewAllowList(cfg.AllowList...),
	}

	if cfg.Base != nil {
		s.base = *cfg.Base
	} else {
		base, err := settings.Load(cfg.SettingsFile, settingsKeys(s.allow))
		if err != nil {
			return nil, fmt.Errorf("failed to load settings: %w", err)
		}
		s.base = base
	}
	if cfg.Environment == "" {
		s.config.Environment = "development"
		if v, ok := s.base.Get(instrument.KeyEnvironment); ok && strings.TrimSpace(v) != "" {
			s.config.Environment = strings.TrimSpace(v)
		}
	}

	otel.SetTextMapPropagator(propagate.Propagator())
	propagate.SetLogger(s.logger)
	s.manager = instrument.NewManager(instrument.WithLogger(s.logger))
	s.initTracer()

	registry := prometheus.NewRegistry()
	if err := s.initMeter(registry); err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to initialize meter: %w", err)
	}

	s.cache = cache.New[*bundle.Bundle](
		cache.WithTTL(cfg.CacheTTL),
		cache.WithMaxEntries(cfg.CacheMaxEntries),
		cache.WithBuildTimeout(cfg.BuildTimeout),
		cache.WithLogger(s.logger),
	)
	if err := s.cache.Start(context.Background()); err != nil {
		s.cleanup(context.Background())
		return nil, fmt.Errorf("failed to start cache sweeper: %w", err)
	}

	s.pool = propagate.NewPool(cfg.Workers, propagate.WithPoolLogger(s.logger))
	s.builder = &bundle.Builder{
		Manager:   s.manager,
		Telemetry: s.telemetryBase(),
		Logger:    s.logger,
	}

	s.initRouter(observability.NewGatewayMetrics(registry), registry)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Run(ctx context.Context) error {
	defer s.cleanup(context.WithoutCancel(ctx))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() { _ = s.warm(ctx) }()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting gateway server", "port", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Close(ctx context.Context) error {
	s.cleanup(ctx)
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "aleutian-scope"
	}
	if len(cfg.AllowList) == 0 {
		cfg.AllowList = settings.DefaultAllowList().Keys()
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.CacheMaxEntries == 0 {
		cfg.CacheMaxEntries = cache.DefaultMaxEntries
	}
	if cfg.BuildTimeout == 0 {
		cfg.BuildTimeout = cache.DefaultBuildTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = 4
	}
	if cfg.MetricsExporter == "" {
		cfg.MetricsExporter = "prometheus"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// settingsKeys lists every environment variable read at startup.
func settingsKeys(allow settings.AllowList) []string {
	keys := allow.Keys()
	return append(keys,
		bundle.KeyLLMBackend,
		bundle.KeyLLMModel,
		bundle.KeyLLMBaseURL,
		bundle.KeySystemPrompt,
		bundle.KeyWeaviateURL,
		bundle.KeyWeaviateClass,
		instrument.KeyOTLPEndpoint,
		instrument.KeyOTLPExporter,
		instrument.KeyOTLPInsecure,
		instrument.KeyEnvironment,
	)
}

func (s *service) telemetryBase() instrument.Config {
	return instrument.Config{
		ServiceName: s.config.ServiceName,
		Environment: s.config.Environment,
	}
}

// initTracer installs the process-level trace pipeline when the defaults
// carry telemetry credentials. Otherwise tracing stays disabled.
func (s *service) initTracer() {
	eff := settings.Merge(s.base, nil, s.allow)
	cfg := instrument.ConfigFromSettings(eff, s.telemetryBase())
	if err := cfg.Validate(); err != nil {
		s.logger.Warn("Default telemetry configuration unusable, tracing disabled until overridden",
			"error", err)
		return
	}
	if _, err := s.manager.Configure(context.Background(), cfg); err != nil {
		s.logger.Warn("Failed to configure default trace pipeline", "error", err)
		return
	}
	s.logger.Info("Trace pipeline configured",
		"exporter", string(cfg.Exporter),
		"endpoint", cfg.Endpoint)
}

// initMeter builds the metrics pipeline and installs it globally so the
// component cache's instruments are exported.
func (s *service) initMeter(registry *prometheus.Registry) error {
	meter, err := telemetry.InitMeter(context.Background(), telemetry.MeterConfig{
		ServiceName: s.config.ServiceName,
		Exporter:    s.config.MetricsExporter,
		Registry:    registry,
	})
	if err != nil {
		return err
	}
	s.meter = meter
	if meter.Provider != nil {
		otel.SetMeterProvider(meter.Provider)
	}
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter(metrics *observability.GatewayMetrics, registry *prometheus.Registry) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.config.ServiceName))

	deps := &handlers.Dependencies{
		Base:           s.base,
		AllowList:      s.allow,
		Telemetry:      s.telemetryBase(),
		Cache:          s.cache,
		Build:          s.builder.Build,
		Manager:        s.manager,
		Pool:           s.pool,
		Metrics:        metrics,
		Environment:    s.config.Environment,
		RetrievalLimit: s.config.RetrievalLimit,
		RequestTimeout: s.config.RequestTimeout,
		Logger:         s.logger,
	}

	var metricsHandler http.Handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	if s.meter != nil && s.meter.Handler != nil {
		metricsHandler = s.meter.Handler
	}
	routes.SetupRoutes(s.router, deps, metricsHandler, s.config.EnableDebug)
}

// warm builds the bundle for the defaults so the first request is served
// from the cache.
func (s *service) warm(ctx context.Context) error {
	eff := settings.Merge(s.base, nil, s.allow)
	fp := eff.Fingerprint()
	_, release, err := s.cache.Resolve(ctx, fp, eff, s.builder.Build)
	if err != nil {
		s.logger.Warn("Default components not built", "fingerprint", fp.Short(), "error", err)
		return err
	}
	release()
	s.logger.Info("Default components ready", "fingerprint", fp.Short())
	return nil
}

// cleanup releases all resources held by the service. Runs once.
//
// The trace side (pool, cache, then manager, so bundles release their
// pipelines before the installed one) and the meter flush run concurrently;
// each is bounded by ctx.
func (s *service) cleanup(ctx context.Context) {
	s.closeOnce.Do(func() {
		var cacheErr, meterErr error
		g, _ := propagate.NewGroup(ctx)
		g.Go(ctx, func(ctx context.Context) error {
			if s.pool != nil {
				s.pool.Close()
			}
			if s.cache != nil {
				if cacheErr = s.cache.Close(ctx); cacheErr != nil {
					s.logger.Warn("Component cache close error", "error", cacheErr)
				}
			}
			if s.manager != nil {
				s.manager.Shutdown(ctx)
			}
			return nil
		})
		g.Go(ctx, func(ctx context.Context) error {
			if meterErr = s.meter.Shutdown(ctx); meterErr != nil {
				s.logger.Warn("Meter shutdown error", "error", meterErr)
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			s.logger.Error("Cleanup task failed", "error", err)
			s.closeErr = err
		}
		s.closeErr = errors.Join(s.closeErr, cacheErr, meterErr)
	})
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
