// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package propagate

import (
	"context"

	"github.com/AleutianAI/AleutianScope/services/scope/instrument"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
)

// Token is a snapshot of the trace-relevant parts of a context.
//
// A Token is immutable and may be applied any number of times from any
// goroutine.
type Token struct {
	span     trace.Span
	baggage  baggage.Baggage
	state    *instrument.TracerState
	hasState bool
	origin   context.Context
}

type tokenKey struct{}

// Capture snapshots the active span, baggage and scoped tracer state of ctx,
// and remembers ctx so its cancellation stays observable.
func Capture(ctx context.Context) Token {
	if ctx == nil {
		ctx = context.Background()
	}
	state, hasState := instrument.StateFromContext(ctx)
	return Token{
		span:     trace.SpanFromContext(ctx),
		baggage:  baggage.FromContext(ctx),
		state:    state,
		hasState: hasState,
		origin:   ctx,
	}
}

// SpanContext returns the captured span context.
func (t Token) SpanContext() trace.SpanContext {
	if t.span == nil {
		return trace.SpanContext{}
	}
	return t.span.SpanContext()
}

// Valid reports whether a parent span was captured.
func (t Token) Valid() bool {
	return t.SpanContext().IsValid()
}

// Err returns the origin context's error, if it has been cancelled.
func (t Token) Err() error {
	if t.origin == nil {
		return nil
	}
	return t.origin.Err()
}

// Done returns the origin context's done channel.
func (t Token) Done() <-chan struct{} {
	if t.origin == nil {
		return nil
	}
	return t.origin.Done()
}

// apply layers the token onto base. base itself is not modified.
func (t Token) apply(base context.Context) context.Context {
	ctx := base
	if t.span != nil {
		ctx = trace.ContextWithSpan(ctx, t.span)
	}
	if t.baggage.Len() > 0 {
		ctx = baggage.ContextWithBaggage(ctx, t.baggage)
	}
	if t.hasState {
		ctx = instrument.WithState(ctx, t.state)
	}
	return context.WithValue(ctx, tokenKey{}, t)
}

// WithContext runs fn with token applied on top of ctx and returns fn's
// error. ctx keeps its own cancellation; the token contributes only span,
// baggage and tracer state.
func WithContext(ctx context.Context, token Token, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(token.apply(ctx))
}

// OriginErr returns the executing context's error or, if the work was
// scheduled through a Token, the error of the context that scheduled it.
func OriginErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t, ok := ctx.Value(tokenKey{}).(Token); ok {
		return t.Err()
	}
	return nil
}
