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

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type stateKey struct{}

// WithState returns a context in which state is the active pipeline.
//
// The scope is the returned context: the Manager and the parent context are
// untouched. A nil state disables tracing within the scope.
func WithState(ctx context.Context, state *TracerState) context.Context {
	return context.WithValue(ctx, stateKey{}, state)
}

// StateFromContext returns the state scoped onto ctx. The boolean is false if
// no scope was installed; a scope installed with a nil state returns
// (nil, true).
func StateFromContext(ctx context.Context) (*TracerState, bool) {
	if ctx == nil {
		return nil, false
	}
	state, ok := ctx.Value(stateKey{}).(*TracerState)
	return state, ok
}

// Tracer returns a tracer from the scoped state, else the current
// process-level state, else a no-op tracer.
func (m *Manager) Tracer(ctx context.Context, name string, opts ...trace.TracerOption) trace.Tracer {
	if state, ok := StateFromContext(ctx); ok {
		if state == nil {
			return noop.NewTracerProvider().Tracer(name)
		}
		return state.Tracer(name, opts...)
	}
	if state := m.current.Load(); state != nil {
		return state.Tracer(name, opts...)
	}
	return noop.NewTracerProvider().Tracer(name)
}

// ActiveState returns the state Tracer would use for ctx, or nil.
func (m *Manager) ActiveState(ctx context.Context) *TracerState {
	if state, ok := StateFromContext(ctx); ok {
		return state
	}
	return m.current.Load()
}

// ActiveConfig returns the Config of the state Tracer would use for ctx.
func (m *Manager) ActiveConfig(ctx context.Context) (Config, bool) {
	state := m.ActiveState(ctx)
	if state == nil {
		return Config{}, false
	}
	return state.Config(), true
}

// TemporaryConfig runs fn with the pipeline for cfg.
//
// Description:
//
//	The pipeline is active only in the context passed to fn. It is shared
//	with any live holder of the same destination identity (see Acquire),
//	otherwise built for the call, and released when fn returns, fails or
//	panics. The caller's context,
//	and so whatever configuration it carried, is never modified. Nested
//	calls stack: the innermost scope wins until it exits.
//
// Outputs:
//
//	error - *ConfigurationError if cfg is invalid (fn is not called),
//	        otherwise fn's error.
//
// Example:
//
//	err := mgr.TemporaryConfig(ctx, cfg, func(ctx context.Context) error {
//	    _, span := mgr.Tracer(ctx, "eval").Start(ctx, "run")
//	    defer span.End()
//	    return evaluate(ctx)
//	})
func (m *Manager) TemporaryConfig(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	state, release, err := m.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			m.options.logger.Warn("temporary tracer state shutdown failed", "error", err)
		}
	}()
	return fn(WithState(ctx, state))
}
