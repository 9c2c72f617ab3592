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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"
)

// State is the Manager lifecycle state.
type State int32

const (
	StateUnconfigured State = iota
	StateConfigured
	StateReconfiguring
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateReconfiguring:
		return "reconfiguring"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// DefaultFlushTimeout bounds every flush and shutdown.
const DefaultFlushTimeout = 10 * time.Second

type managerOptions struct {
	factory      ExporterFactory
	flushTimeout time.Duration
	logger       *slog.Logger
	sampler      sdktrace.Sampler
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

// WithExporterFactory replaces NewExporter.
func WithExporterFactory(f ExporterFactory) ManagerOption {
	return func(o *managerOptions) {
		if f != nil {
			o.factory = f
		}
	}
}

// WithFlushTimeout bounds flushes and shutdowns.
func WithFlushTimeout(d time.Duration) ManagerOption {
	return func(o *managerOptions) {
		if d > 0 {
			o.flushTimeout = d
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSampler sets the sampler. Default: ParentBased(AlwaysSample).
func WithSampler(s sdktrace.Sampler) ManagerOption {
	return func(o *managerOptions) {
		if s != nil {
			o.sampler = s
		}
	}
}

// Manager owns the process-level trace pipeline.
//
// Thread Safety:
//
//	Lifecycle methods and leases are serialized by mu. Readers load current
//	atomically. The installed state holds one lease on its identity.
type Manager struct {
	mu      sync.Mutex
	leases  map[Identity]*lease
	current atomic.Pointer[TracerState]
	state   atomic.Int32
	options managerOptions

	limiter      *rate.Limiter
	exportErrors atomic.Int64
}

// NewManager creates an unconfigured Manager.
func NewManager(opts ...ManagerOption) *Manager {
	o := managerOptions{
		factory:      NewExporter,
		flushTimeout: DefaultFlushTimeout,
		logger:       slog.Default(),
		sampler:      sdktrace.ParentBased(sdktrace.AlwaysSample()),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		options: o,
		limiter: rate.NewLimiter(rate.Every(exportLogInterval), 1),
	}
}

// Configure validates cfg, builds a pipeline for it and installs it as the
// process-level state.
//
// Description:
//
//	Validation happens before any exporter is created, so a bad Config never
//	opens a connection. Calling Configure on a configured Manager behaves
//	like Reconfigure. A shut-down Manager may be configured again.
//
// Outputs:
//
//	*TracerState - The installed state. Owned by the Manager.
//	error - *ConfigurationError for an invalid cfg, or an exporter error.
func (m *Manager) Configure(ctx context.Context, cfg Config) (*TracerState, error) {
	return m.install(ctx, cfg, "configure")
}

// Reconfigure validates cfg, then replaces the current state. The old state
// is flushed and shut down within the flush timeout, or left to its other
// Acquire holders if it is shared. On failure the old state stays installed.
// Reconfiguring to the current destination identity keeps the current state.
//
// Spans started under the old state may still end after the swap; their
// export is best-effort.
func (m *Manager) Reconfigure(ctx context.Context, cfg Config) (*TracerState, error) {
	return m.install(ctx, cfg, "reconfigure")
}

func (m *Manager) install(ctx context.Context, cfg Config, op string) (*TracerState, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	cfg = cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	prevState := State(m.state.Load())
	old := m.current.Load()
	if old != nil {
		m.state.Store(int32(StateReconfiguring))
	}

	next, err := m.acquireLocked(ctx, cfg)
	if err != nil {
		m.state.Store(int32(prevState))
		m.mu.Unlock()
		return nil, fmt.Errorf("%s instrumentation: %w", op, err)
	}

	retire := false
	if next == old {
		// Same destination: the Manager already holds this lease.
		m.releaseLocked(next)
	} else {
		m.current.Store(next)
		if old != nil {
			retire = m.releaseLocked(old)
		}
	}
	m.state.Store(int32(StateConfigured))
	m.mu.Unlock()

	m.options.logger.Info("instrumentation configured",
		"operation", op,
		"exporter", string(cfg.Exporter),
		"endpoint", cfg.Endpoint,
		"model_id", cfg.ModelID,
		"identity", next.Identity().Short(),
		"replaced", old != nil && old != next,
	)

	if retire {
		if err := old.Shutdown(context.WithoutCancel(ctx)); err != nil {
			m.options.logger.Warn("previous tracer state shutdown failed", "error", err)
		}
	}
	return next, nil
}

// Build validates cfg and builds a TracerState without installing it.
// The caller owns the result and must Shutdown it. Build does not share
// pipelines; use Acquire for anything that outlives a single call.
func (m *Manager) Build(ctx context.Context, cfg Config) (*TracerState, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	cfg = cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return m.buildState(ctx, cfg)
}

// Shutdown releases the process-level state. Errors and timeouts are
// logged, not returned. Safe to call more than once.
//
// The state is flushed and shut down unless another holder still shares it
// through Acquire; the last holder's release shuts it down then.
func (m *Manager) Shutdown(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	old := m.current.Swap(nil)
	m.state.Store(int32(StateShutdown))
	if old == nil {
		m.mu.Unlock()
		return
	}
	last := m.releaseLocked(old)
	holders := 0
	if l, ok := m.leases[old.Identity()]; ok && !last {
		holders = l.refs
	}
	m.mu.Unlock()

	if !last {
		m.options.logger.Info("instrumentation released, pipeline still shared", "holders", holders)
		return
	}

	start := time.Now()
	if err := old.Shutdown(ctx); err != nil {
		m.options.logger.Warn("instrumentation shutdown incomplete",
			"error", err,
			"duration", time.Since(start).String(),
		)
		return
	}
	m.options.logger.Info("instrumentation shut down", "duration", time.Since(start).String())
}

// IsConfigured reports whether a process-level state is installed.
func (m *Manager) IsConfigured() bool {
	return m.current.Load() != nil
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Current returns the process-level state, or nil.
func (m *Manager) Current() *TracerState {
	return m.current.Load()
}

// ExportErrors returns how many span exports have failed across every state
// this Manager built.
func (m *Manager) ExportErrors() int64 {
	return m.exportErrors.Load()
}

// FlushTimeout returns the configured flush bound.
func (m *Manager) FlushTimeout() time.Duration {
	return m.options.flushTimeout
}
