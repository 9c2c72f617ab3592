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
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianScope/services/scope/instrument"
	"github.com/AleutianAI/AleutianScope/services/scope/propagate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Test Helpers
// =============================================================================

// setupBatched uses a batch processor so only the session's flush makes
// spans visible to the exporter.
func setupBatched(t *testing.T) (trace.Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp.Tracer("test"), exporter
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func onlySpan(t *testing.T, exporter *tracetest.InMemoryExporter, name string) tracetest.SpanStub {
	t.Helper()
	var found []tracetest.SpanStub
	for _, s := range exporter.GetSpans() {
		if s.Name == name {
			found = append(found, s)
		}
	}
	require.Len(t, found, 1)
	return found[0]
}

// =============================================================================
// Open / Close Tests
// =============================================================================

func TestOpen_NewRootWithAttributes(t *testing.T) {
	tracer, exporter := setupBatched(t)

	parentCtx, parent := tracer.Start(context.Background(), "http.request")
	ctx, s := Open(parentCtx, tracer, Options{
		ID:          "sess-1",
		Type:        "chat",
		Environment: "test",
		Metadata:    map[string]any{"user_tier": "pro"},
	})
	assert.Equal(t, "sess-1", baggage.FromContext(ctx).Member("session.id").Value())
	assert.Equal(t, s.SpanContext(), trace.SpanContextFromContext(ctx))

	s.Close(nil)
	parent.End()

	span := onlySpan(t, exporter, "session.chat")
	assert.False(t, span.Parent.IsValid(), "session span ignores ambient parent")
	assert.NotEqual(t, parent.SpanContext().TraceID(), span.SpanContext.TraceID())
	require.Len(t, span.Links, 1, "ambient parent is linked")
	assert.Equal(t, parent.SpanContext().SpanID(), span.Links[0].SpanContext.SpanID())
	assert.Equal(t, codes.Ok, span.Status.Code)

	for key, want := range map[string]string{
		"session.id":              "sess-1",
		"session.type":            "chat",
		"deployment.environment":  "test",
		"openinference.span.kind": "CHAIN",
		"session.user_tier":       "pro",
	} {
		v, ok := attrValue(span.Attributes, key)
		require.True(t, ok, key)
		assert.Equal(t, want, v.AsString(), key)
	}
}

func TestOpen_Defaults(t *testing.T) {
	tracer, _ := setupBatched(t)
	_, s := Open(context.Background(), tracer, Options{})
	defer s.Close(nil)

	assert.Len(t, s.ID(), 36)
	assert.Equal(t, "chat", s.Type())
}

func TestClose_ExactlyOnce(t *testing.T) {
	tracer, exporter := setupBatched(t)
	_, s := Open(context.Background(), tracer, Options{ID: "once"})

	s.Close(errors.New("first"))
	s.Close(nil)
	s.End(context.Background(), context.Canceled)

	span := onlySpan(t, exporter, "session.chat")
	assert.Equal(t, codes.Error, span.Status.Code)
	assert.Equal(t, "first", span.Status.Description)
	assert.True(t, s.Closed())
}

func TestClose_FlushesWithoutProviderShutdown(t *testing.T) {
	tracer, exporter := setupBatched(t)
	_, s := Open(context.Background(), tracer, Options{})

	assert.Empty(t, exporter.GetSpans())
	s.Close(nil)
	assert.Len(t, exporter.GetSpans(), 1)
}

func TestMetadata_ConcurrentWritersAndClosedNoop(t *testing.T) {
	tracer, exporter := setupBatched(t)
	_, s := Open(context.Background(), tracer, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.AddMetadata(map[string]any{fmt.Sprintf("k%d", i): i, "shared": "x"})
		}(i)
	}
	wg.Wait()
	s.AddMetadata(map[string]any{"shared": "last"})
	s.Event("retrieval.done", map[string]any{"docs": 4})
	s.SetSummary("answered")
	s.Close(nil)

	s.AddMetadata(map[string]any{"late": true})
	s.Event("late", nil)

	md := s.Metadata()
	assert.Len(t, md, 21)
	assert.Equal(t, "last", md["shared"])
	assert.NotContains(t, md, "late")

	span := onlySpan(t, exporter, "session.chat")
	v, ok := attrValue(span.Attributes, "session.shared")
	require.True(t, ok)
	assert.Equal(t, "last", v.AsString())
	_, ok = attrValue(span.Attributes, "session.late")
	assert.False(t, ok)
	v, ok = attrValue(span.Attributes, "output.value")
	require.True(t, ok)
	assert.Equal(t, "answered", v.AsString())
	require.Len(t, span.Events, 1)
	assert.Equal(t, "retrieval.done", span.Events[0].Name)
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_CancelledClosesWithError(t *testing.T) {
	tracer, exporter := setupBatched(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := Run(ctx, tracer, Options{Type: "chat"}, func(ctx context.Context, s *Session) error {
		cancel()
		return nil
	})
	require.NoError(t, err)

	span := onlySpan(t, exporter, "session.chat")
	assert.Equal(t, codes.Error, span.Status.Code)
	v, ok := attrValue(span.Attributes, "session.cancelled")
	require.True(t, ok)
	assert.True(t, v.AsBool())
}

func TestRun_ErrorReturnedAndRecorded(t *testing.T) {
	tracer, exporter := setupBatched(t)
	boom := errors.New("llm refused")

	err := Run(context.Background(), tracer, Options{}, func(context.Context, *Session) error { return boom })
	require.ErrorIs(t, err, boom)

	span := onlySpan(t, exporter, "session.chat")
	assert.Equal(t, codes.Error, span.Status.Code)
	require.Len(t, span.Events, 1)
	assert.Equal(t, "exception", span.Events[0].Name)
}

func TestRun_PanicClosesAndRepanics(t *testing.T) {
	tracer, exporter := setupBatched(t)
	var captured *Session

	assert.PanicsWithValue(t, "index out of range", func() {
		_ = Run(context.Background(), tracer, Options{}, func(ctx context.Context, s *Session) error {
			captured = s
			panic("index out of range")
		})
	})

	require.NotNil(t, captured)
	assert.True(t, captured.Closed())
	span := onlySpan(t, exporter, "session.chat")
	assert.Equal(t, codes.Error, span.Status.Code)
}

func TestRun_AsyncChildrenDescendFromRoot(t *testing.T) {
	tracer, exporter := setupBatched(t)
	var root trace.SpanContext

	err := Run(context.Background(), tracer, Options{}, func(ctx context.Context, s *Session) error {
		root = s.SpanContext()
		g, _ := propagate.NewGroup(ctx)
		for _, name := range []string{"retrieve", "generate", "guard"} {
			g.Go(ctx, func(ctx context.Context) error {
				return propagate.Traced(ctx, tracer, name, func(context.Context) error { return nil })
			})
		}
		return g.Wait()
	})
	require.NoError(t, err)

	for _, name := range []string{"retrieve", "generate", "guard"} {
		span := onlySpan(t, exporter, name)
		assert.Equal(t, root.SpanID(), span.Parent.SpanID(), name)
		assert.Equal(t, root.TraceID(), span.SpanContext.TraceID(), name)
	}
}

func TestRun_DisabledTracingRaisesNoOrphans(t *testing.T) {
	tracer := instrument.NewManager().Tracer(context.Background(), "gateway")
	before := propagate.OrphanSpans()

	err := Run(context.Background(), tracer, Options{}, func(ctx context.Context, s *Session) error {
		assert.False(t, s.SpanContext().IsValid())
		return propagate.Traced(ctx, tracer, "retrieve", func(ctx context.Context) error {
			return propagate.Traced(ctx, nil, "embed", func(context.Context) error { return nil })
		})
	})
	require.NoError(t, err)
	assert.Equal(t, before, propagate.OrphanSpans())
}

// =============================================================================
// Isolation Tests
// =============================================================================

func TestConcurrentSessions_TemporaryConfigIsolated(t *testing.T) {
	exporters := map[string]*tracetest.InMemoryExporter{}
	var mu sync.Mutex
	mgr := instrument.NewManager(instrument.WithExporterFactory(
		func(ctx context.Context, cfg instrument.Config) (sdktrace.SpanExporter, error) {
			mu.Lock()
			defer mu.Unlock()
			e := tracetest.NewInMemoryExporter()
			exporters[cfg.SpaceID] = e
			return &keepOnShutdown{e}, nil
		},
	))

	spaces := []string{"space-a", "space-b"}
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, space := range spaces {
		wg.Add(1)
		go func(space string) {
			defer wg.Done()
			cfg := instrument.Config{SpaceID: space, APIKey: "k", Exporter: instrument.ExporterHTTP, Endpoint: "localhost:4318"}
			err := mgr.TemporaryConfig(context.Background(), cfg, func(ctx context.Context) error {
				<-start
				return Run(ctx, mgr.Tracer(ctx, "test"), Options{ID: space}, func(ctx context.Context, s *Session) error {
					active, _ := mgr.ActiveConfig(ctx)
					assert.Equal(t, space, active.SpaceID)
					return propagate.Traced(ctx, nil, "work", func(context.Context) error { return nil })
				})
			})
			assert.NoError(t, err)
		}(space)
	}
	close(start)
	wg.Wait()

	for _, space := range spaces {
		spans := exporters[space].GetSpans()
		require.Len(t, spans, 2, space)
		for _, s := range spans {
			if s.Name != "session.chat" {
				continue
			}
			v, _ := attrValue(s.Attributes, "session.id")
			assert.Equal(t, space, v.AsString())
		}
	}
}

// keepOnShutdown stops InMemoryExporter.Shutdown from discarding spans.
type keepOnShutdown struct {
	*tracetest.InMemoryExporter
}

func (k *keepOnShutdown) Shutdown(context.Context) error { return nil }
