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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianScope/services/scope/instrument"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTracing(t *testing.T) (trace.Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp.Tracer("test"), exporter
}

func spansNamed(exporter *tracetest.InMemoryExporter, name string) []tracetest.SpanStub {
	var out []tracetest.SpanStub
	for _, s := range exporter.GetSpans() {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func hasAttr(attrs []attribute.KeyValue, kv attribute.KeyValue) bool {
	for _, a := range attrs {
		if a == kv {
			return true
		}
	}
	return false
}

// =============================================================================
// Parenting Tests
// =============================================================================

func TestGo_ChildrenCompletingOutOfOrderShareRoot(t *testing.T) {
	tracer, exporter := setupTracing(t)

	ctx, root := tracer.Start(context.Background(), "session")

	delays := []time.Duration{30 * time.Millisecond, 5 * time.Millisecond, 15 * time.Millisecond}
	var chans []<-chan error
	for _, d := range delays {
		chans = append(chans, Go(ctx, func(ctx context.Context) error {
			return Traced(ctx, tracer, "child", func(ctx context.Context) error {
				time.Sleep(d)
				return nil
			})
		}))
	}
	for _, ch := range chans {
		require.NoError(t, <-ch)
	}
	root.End()

	children := spansNamed(exporter, "child")
	require.Len(t, children, 3)
	for _, c := range children {
		assert.Equal(t, root.SpanContext().SpanID(), c.Parent.SpanID())
		assert.Equal(t, root.SpanContext().TraceID(), c.SpanContext.TraceID())
		assert.Equal(t, codes.Ok, c.Status.Code)
	}
}

func TestPool_ReusedWorkerKeepsParentsPerJob(t *testing.T) {
	tracer, exporter := setupTracing(t)
	pool := NewPool(1)
	defer pool.Close()

	ctxA, rootA := tracer.Start(context.Background(), "session-a")
	ctxB, rootB := tracer.Start(context.Background(), "session-b")

	for i := 0; i < 3; i++ {
		require.NoError(t, <-pool.Submit(ctxA, func(ctx context.Context) error {
			return Traced(ctx, tracer, "work-a", func(context.Context) error { return nil })
		}))
		require.NoError(t, <-pool.Submit(ctxB, func(ctx context.Context) error {
			return Traced(ctx, tracer, "work-b", func(context.Context) error { return nil })
		}))
	}
	rootA.End()
	rootB.End()

	for _, s := range spansNamed(exporter, "work-a") {
		assert.Equal(t, rootA.SpanContext().SpanID(), s.Parent.SpanID())
	}
	for _, s := range spansNamed(exporter, "work-b") {
		assert.Equal(t, rootB.SpanContext().SpanID(), s.Parent.SpanID())
	}
	assert.Len(t, spansNamed(exporter, "work-a"), 3)
	assert.Len(t, spansNamed(exporter, "work-b"), 3)

	// A job without a captured span must not inherit the previous job's.
	var sc trace.SpanContext
	require.NoError(t, <-pool.Submit(context.Background(), func(ctx context.Context) error {
		sc = trace.SpanContextFromContext(ctx)
		return nil
	}))
	assert.False(t, sc.IsValid())
}

func TestPool_CarriesScopedStateAndBaggage(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()

	mgr := instrument.NewManager(instrument.WithExporterFactory(
		func(context.Context, instrument.Config) (sdktrace.SpanExporter, error) { return nil, nil },
	))
	state, err := mgr.Build(context.Background(), instrument.Config{SpaceID: "s", APIKey: "k", Exporter: instrument.ExporterNone})
	require.NoError(t, err)
	defer func() { _ = state.Shutdown(context.Background()) }()

	member, err := baggage.NewMember("session.id", "abc")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)

	ctx := instrument.WithState(baggage.ContextWithBaggage(context.Background(), bag), state)

	var got *instrument.TracerState
	var sessionID string
	require.NoError(t, <-pool.Submit(ctx, func(ctx context.Context) error {
		got, _ = instrument.StateFromContext(ctx)
		sessionID = baggage.FromContext(ctx).Member("session.id").Value()
		return nil
	}))
	assert.Same(t, state, got)
	assert.Equal(t, "abc", sessionID)

	require.NoError(t, <-pool.Submit(context.Background(), func(ctx context.Context) error {
		_, ok := instrument.StateFromContext(ctx)
		assert.False(t, ok)
		return nil
	}))
}

func TestGroup_TasksParentToScheduler(t *testing.T) {
	tracer, exporter := setupTracing(t)
	ctx, root := tracer.Start(context.Background(), "session")

	g, _ := NewGroup(ctx)
	g.SetLimit(2)
	for i := 0; i < 4; i++ {
		g.Go(ctx, func(ctx context.Context) error {
			return Traced(ctx, tracer, "task", func(context.Context) error { return nil })
		})
	}
	require.NoError(t, g.Wait())
	root.End()

	tasks := spansNamed(exporter, "task")
	require.Len(t, tasks, 4)
	for _, s := range tasks {
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent.SpanID())
	}
}

func TestGroup_FirstErrorReturned(t *testing.T) {
	boom := errors.New("retrieval failed")
	g, gctx := NewGroup(context.Background())

	g.Go(context.Background(), func(context.Context) error { return boom })
	g.Go(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	assert.ErrorIs(t, g.Wait(), boom)
	assert.Error(t, gctx.Err())
}

// =============================================================================
// Traced Tests
// =============================================================================

func TestTraced_ErrorSetsStatus(t *testing.T) {
	tracer, exporter := setupTracing(t)
	ctx, root := tracer.Start(context.Background(), "session")

	boom := errors.New("llm timeout")
	err := Traced(ctx, tracer, "llm", func(context.Context) error { return boom })
	root.End()

	require.ErrorIs(t, err, boom)
	spans := spansNamed(exporter, "llm")
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "llm timeout", spans[0].Status.Description)
}

func TestTraced_OriginCancelledMarksSpan(t *testing.T) {
	tracer, exporter := setupTracing(t)
	pool := NewPool(1)
	defer pool.Close()

	origin, cancel := context.WithCancel(context.Background())
	ctx, root := tracer.Start(origin, "session")

	started := make(chan struct{})
	done := pool.Submit(ctx, func(ctx context.Context) error {
		return Traced(ctx, tracer, "slow", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		})
	})

	<-started
	cancel()
	require.NoError(t, <-done)
	root.End()

	spans := spansNamed(exporter, "slow")
	require.Len(t, spans, 1)
	assert.Equal(t, root.SpanContext().SpanID(), spans[0].Parent.SpanID())
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.True(t, hasAttr(spans[0].Attributes, attribute.Bool("cancelled", true)))
}

func TestTraced_PanicSetsErrorAndRepanics(t *testing.T) {
	tracer, exporter := setupTracing(t)
	ctx, root := tracer.Start(context.Background(), "session")
	defer root.End()

	assert.Panics(t, func() {
		_ = Traced(ctx, tracer, "boom", func(context.Context) error { panic("bad index") })
	})

	spans := spansNamed(exporter, "boom")
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestTraced_NilTracerUsesParentProvider(t *testing.T) {
	tracer, exporter := setupTracing(t)
	ctx, root := tracer.Start(context.Background(), "session")

	require.NoError(t, Traced(ctx, nil, "implicit", func(context.Context) error { return nil }))
	root.End()

	spans := spansNamed(exporter, "implicit")
	require.Len(t, spans, 1)
	assert.Equal(t, root.SpanContext().SpanID(), spans[0].Parent.SpanID())
}

func TestStartSpan_OrphanRecordedAsRoot(t *testing.T) {
	tracer, exporter := setupTracing(t)
	before := OrphanSpans()

	_, span := StartSpan(context.Background(), tracer, "lost")
	span.End()

	assert.Equal(t, before+1, OrphanSpans())
	spans := spansNamed(exporter, "lost")
	require.Len(t, spans, 1)
	assert.False(t, spans[0].Parent.IsValid())
	assert.True(t, hasAttr(spans[0].Attributes, attribute.Bool("propagation.orphan", true)))
}

func TestStartSpan_OrphanWarningUsesInjectedLogger(t *testing.T) {
	tracer, _ := setupTracing(t)
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { SetLogger(nil) })

	_, span := StartSpan(context.Background(), tracer, "lost")
	span.End()

	assert.Contains(t, buf.String(), "span propagation lost")
	assert.Contains(t, buf.String(), `started without a parent`)
}

func TestStartSpan_DisabledTracingIsNotAnOrphan(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { SetLogger(nil) })
	before := OrphanSpans()

	tracer := noop.NewTracerProvider().Tracer("disabled")
	err := Traced(context.Background(), tracer, "outer", func(ctx context.Context) error {
		return Traced(ctx, nil, "inner", func(context.Context) error { return nil })
	})
	require.NoError(t, err)

	assert.Equal(t, before, OrphanSpans())
	assert.Empty(t, buf.String())
}

// =============================================================================
// Token and Pool Lifecycle Tests
// =============================================================================

func TestWithContext_DoesNotAlterExecutingContext(t *testing.T) {
	tracer, _ := setupTracing(t)
	ctx, root := tracer.Start(context.Background(), "session")
	defer root.End()

	token := Capture(ctx)
	assert.True(t, token.Valid())

	exec := context.Background()
	require.NoError(t, WithContext(exec, token, func(inner context.Context) error {
		assert.Equal(t, root.SpanContext(), trace.SpanContextFromContext(inner))
		return nil
	}))
	assert.False(t, trace.SpanContextFromContext(exec).IsValid())
}

func TestGo_PanicBecomesError(t *testing.T) {
	err := <-Go(context.Background(), func(context.Context) error { panic("nil map") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")
}

func TestPool_ClosedRejectsJobs(t *testing.T) {
	pool := NewPool(2)
	pool.Close()
	pool.Close()

	assert.ErrorIs(t, <-pool.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
}

func TestPool_Concurrent(t *testing.T) {
	tracer, exporter := setupTracing(t)
	pool := NewPool(4)
	defer pool.Close()

	const sessions = 10
	roots := make([]trace.Span, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		ctx, root := tracer.Start(context.Background(), "session")
		roots[i] = root
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = <-pool.Submit(ctx, func(ctx context.Context) error {
					return Traced(ctx, tracer, "step", func(context.Context) error { return nil })
				})
			}
		}()
	}
	wg.Wait()

	want := map[trace.SpanID]int{}
	for _, r := range roots {
		r.End()
		want[r.SpanContext().SpanID()] = 5
	}
	got := map[trace.SpanID]int{}
	for _, s := range spansNamed(exporter, "step") {
		got[s.Parent.SpanID()]++
	}
	assert.Equal(t, want, got)
}

// =============================================================================
// Carrier Tests
// =============================================================================

func TestInjectExtractMap(t *testing.T) {
	tracer, _ := setupTracing(t)
	ctx, span := tracer.Start(context.Background(), "producer")
	defer span.End()

	carrier := InjectToMap(ctx, nil)
	assert.Contains(t, carrier, "traceparent")

	remote := ExtractFromMap(context.Background(), carrier)
	sc := trace.SpanContextFromContext(remote)
	assert.True(t, sc.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
	assert.ElementsMatch(t, []string{"traceparent"}, MapCarrier(carrier).Keys())
}
