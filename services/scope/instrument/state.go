// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package instrument

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerState is one built export pipeline: exporter, batch processor and
// tracer provider, plus the Config it was built from.
//
// Thread Safety:
//
//	TracerState is safe for concurrent use. Shutdown is idempotent.
type TracerState struct {
	config       Config
	provider     *sdktrace.TracerProvider
	exporter     *guardedExporter
	flushTimeout time.Duration
	builtAt      time.Time
	identity     Identity

	shutdownOnce sync.Once
	shutdownErr  error
	closed       atomic.Bool
}

// Config returns the configuration the state was built from.
func (s *TracerState) Config() Config {
	return s.config
}

// Provider returns the underlying tracer provider.
func (s *TracerState) Provider() *sdktrace.TracerProvider {
	return s.provider
}

// BuiltAt returns when the state was built.
func (s *TracerState) BuiltAt() time.Time {
	return s.builtAt
}

// Tracer returns a named tracer from the state's provider.
func (s *TracerState) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return s.provider.Tracer(name, opts...)
}

// ForceFlush exports buffered spans, bounded by the flush timeout.
func (s *TracerState) ForceFlush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.flushTimeout)
	defer cancel()
	return s.provider.ForceFlush(ctx)
}

// Shutdown flushes buffered spans and releases the exporter. Only the first
// call does any work; later calls return the first call's result.
func (s *TracerState) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.closed.Store(true)
		ctx, cancel := context.WithTimeout(ctx, s.flushTimeout)
		defer cancel()
		if err := s.provider.Shutdown(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("shutdown tracer provider: %w", err)
		}
	})
	return s.shutdownErr
}

// Identity returns the destination identity of the state's Config.
func (s *TracerState) Identity() Identity {
	if s.identity == "" {
		return s.config.Identity()
	}
	return s.identity
}

func (s *TracerState) isShutdown() bool {
	return s.closed.Load()
}

// buildState constructs a TracerState for an already validated cfg.
func (m *Manager) buildState(ctx context.Context, cfg Config) (*TracerState, error) {
	exporter, err := m.options.factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		attribute.String("model_id", cfg.ModelID),
		attribute.String("openinference.project.name", cfg.ProjectName),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(m.options.sampler),
	}

	state := &TracerState{
		config:       cfg,
		flushTimeout: m.options.flushTimeout,
		builtAt:      time.Now(),
	}
	if exporter != nil {
		state.exporter = newGuardedExporter(exporter, cfg.Exporter, m.limiter, &m.exportErrors, m.options.logger)
		opts = append(opts, sdktrace.WithBatcher(state.exporter))
	}
	state.provider = sdktrace.NewTracerProvider(opts...)
	return state, nil
}
