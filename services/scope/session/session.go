// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianScope/services/scope/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultFlushTimeout bounds the flush after a session ends.
const DefaultFlushTimeout = 5 * time.Second

const (
	instrumentationName = "aleutian.scope.session"

	// metadataPrefix namespaces caller metadata on the root span.
	metadataPrefix = "session."
)

// Options configures a session.
type Options struct {
	// ID identifies the session. Default: a new UUID.
	ID string

	// Type classifies the session, e.g. "chat" or "eval". Default: "chat".
	Type string

	// Environment is recorded as deployment.environment.
	Environment string

	// Metadata is recorded on the root span as session.<key>.
	Metadata map[string]any

	// FlushTimeout bounds the flush after the session ends.
	// Default: DefaultFlushTimeout.
	FlushTimeout time.Duration

	// Logger receives flush failures. Default: slog.Default().
	Logger *slog.Logger
}

// Session is one root span and its metadata.
//
// Thread Safety:
//
//	Session is safe for concurrent use. AddMetadata and Event after close
//	are no-ops.
type Session struct {
	id           string
	typ          string
	span         trace.Span
	startedAt    time.Time
	flushTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	metadata map[string]any
	summary  string
	closed   bool

	endOnce sync.Once
}

// flusher is implemented by SDK tracer providers.
type flusher interface {
	ForceFlush(ctx context.Context) error
}

// Open starts the root span for a session.
//
// Description:
//
//	The span is always a new root, even if ctx already carries a span; that
//	span, local or remote, is linked. The returned context carries the span
//	and a "session.id" baggage member.
//	A nil tracer uses the provider of the span in ctx.
//
// Outputs:
//
//	context.Context - Pass this to all work belonging to the session.
//	*Session - Close it exactly once, or use Run.
func Open(ctx context.Context, tracer trace.Tracer, opts Options) (context.Context, *Session) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Type == "" {
		opts.Type = "chat"
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if tracer == nil {
		tracer = trace.SpanFromContext(ctx).TracerProvider().Tracer(instrumentationName)
	}

	attrs := []attribute.KeyValue{
		attribute.String("session.id", opts.ID),
		attribute.String("session.type", opts.Type),
		attribute.String("openinference.span.kind", "CHAIN"),
	}
	if opts.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", opts.Environment))
	}
	attrs = append(attrs, telemetry.Attributes(metadataPrefix, opts.Metadata)...)

	startOpts := []trace.SpanStartOption{
		trace.WithNewRoot(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	}
	if caller := trace.SpanContextFromContext(ctx); caller.IsValid() {
		startOpts = append(startOpts, trace.WithLinks(trace.Link{SpanContext: caller}))
	}
	ctx, span := tracer.Start(ctx, "session."+opts.Type, startOpts...)

	if member, err := baggage.NewMember("session.id", opts.ID); err == nil {
		if bag, err := baggage.FromContext(ctx).SetMember(member); err == nil {
			ctx = baggage.ContextWithBaggage(ctx, bag)
		}
	}

	s := &Session{
		id:           opts.ID,
		typ:          opts.Type,
		span:         span,
		startedAt:    time.Now(),
		flushTimeout: opts.FlushTimeout,
		logger:       opts.Logger,
		metadata:     make(map[string]any, len(opts.Metadata)),
	}
	for k, v := range opts.Metadata {
		s.metadata[k] = v
	}
	return ctx, s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Type returns the session type.
func (s *Session) Type() string { return s.typ }

// SpanContext returns the root span's context.
func (s *Session) SpanContext() trace.SpanContext { return s.span.SpanContext() }

// AddMetadata merges values into the session metadata and the root span.
// Later writes to a key win.
func (s *Session) AddMetadata(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for k, v := range values {
		s.metadata[k] = v
	}
	s.span.SetAttributes(telemetry.Attributes(metadataPrefix, values)...)
}

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// Event records a point-in-time event on the root span.
func (s *Session) Event(name string, values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	telemetry.AddSpanEvent(s.span, name, telemetry.Attributes("", values)...)
}

// SetSummary records text as the session's output.value on close.
func (s *Session) SetSummary(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = text
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the session with outcome err. See End.
func (s *Session) Close(err error) {
	s.End(context.Background(), err)
}

// End ends the root span and flushes the provider. Only the first call has
// any effect.
//
// A nil err sets Ok status. context.Canceled and context.DeadlineExceeded
// set Error status and session.cancelled=true. Any other error is recorded
// as an exception with Error status.
func (s *Session) End(ctx context.Context, err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		summary := s.summary
		s.mu.Unlock()

		if summary != "" {
			s.span.SetAttributes(attribute.String("output.value", summary))
		}
		s.span.SetAttributes(attribute.Int64("session.duration_ms", time.Since(s.startedAt).Milliseconds()))

		switch {
		case err == nil:
			telemetry.SetSpanOK(s.span)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.span.SetAttributes(attribute.Bool("session.cancelled", true))
			s.span.SetStatus(codes.Error, err.Error())
		default:
			telemetry.RecordError(s.span, err)
		}
		s.span.End()
		s.flush(ctx)
	})
}

func (s *Session) flush(ctx context.Context) {
	f, ok := s.span.TracerProvider().(flusher)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flushTimeout)
	defer cancel()
	if err := f.ForceFlush(ctx); err != nil {
		s.logger.Warn("session flush failed",
			"session_id", s.id,
			"error", err,
		)
	}
}

// Run opens a session, calls fn, and closes the session however fn exits.
//
// A panic in fn closes the session with Error status and is re-raised. If
// fn returns nil but ctx was cancelled, the session closes as cancelled.
// Run returns fn's error.
func Run(ctx context.Context, tracer trace.Tracer, opts Options, fn func(ctx context.Context, s *Session) error) (err error) {
	sctx, s := Open(ctx, tracer, opts)

	defer func() {
		if r := recover(); r != nil {
			s.End(sctx, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err = fn(sctx, s)

	outcome := err
	if outcome == nil {
		outcome = sctx.Err()
	}
	s.End(sctx, outcome)
	return err
}
