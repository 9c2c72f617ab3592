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
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "aleutian.scope.propagate"

// PropagationWarning describes a span started without a parent where one
// was expected. It is logged and counted, never returned.
type PropagationWarning struct {
	Span string
}

func (w PropagationWarning) Error() string {
	return fmt.Sprintf("span %q started without a parent; recorded as root", w.Span)
}

var (
	orphanSpans atomic.Int64
	logger      atomic.Pointer[slog.Logger]
)

// SetLogger sets the logger for PropagationWarnings. A nil logger restores
// slog.Default().
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

func warnLogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// OrphanSpans returns how many PropagationWarnings have been raised.
func OrphanSpans() int64 {
	return orphanSpans.Load()
}

// tracerFor returns tracer, or a tracer from the provider of ctx's span.
func tracerFor(ctx context.Context, tracer trace.Tracer) trace.Tracer {
	if tracer != nil {
		return tracer
	}
	return trace.SpanFromContext(ctx).TracerProvider().Tracer(instrumentationName)
}

// StartSpan starts a child of the span in ctx.
//
// If ctx carries no valid span and the new span records, a
// PropagationWarning is logged and counted and the span is recorded as a
// root with propagation.orphan=true. With tracing disabled every span is
// non-recording and parents are never valid, so nothing is reported. A nil
// tracer uses the provider of the span in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	parentValid := trace.SpanContextFromContext(ctx).IsValid()
	ctx, span := tracerFor(ctx, tracer).Start(ctx, name, opts...)
	if !parentValid && span.IsRecording() {
		orphanSpans.Add(1)
		warnLogger().Warn("span propagation lost", "warning", PropagationWarning{Span: name})
		span.SetAttributes(attribute.Bool("propagation.orphan", true))
	}
	return ctx, span
}

// Traced runs fn inside a child span named name.
//
// Description:
//
//	The span gets Error status when fn fails or panics. When the request
//	that scheduled the work was cancelled or timed out before fn finished,
//	the span is still parented normally but gets Error status and
//	cancelled=true.
//
// Example:
//
//	err := propagate.Traced(ctx, nil, "llm.generate", func(ctx context.Context) error {
//	    answer, err = client.Generate(ctx, prompt)
//	    return err
//	})
func Traced(ctx context.Context, tracer trace.Tracer, name string, fn func(ctx context.Context) error) (err error) {
	ctx, span := StartSpan(ctx, tracer, name)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	err = fn(ctx)

	switch cancelErr := OriginErr(ctx); {
	case cancelErr != nil:
		span.SetAttributes(attribute.Bool("cancelled", true))
		span.SetStatus(codes.Error, cancelErr.Error())
		if err != nil && !errors.Is(err, cancelErr) {
			span.RecordError(err)
		}
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	return err
}
