// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianScope/services/scope/settings"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "aleutian.scope.cache"

// Metrics for cache operations.
var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheEvictions     metric.Int64Counter
	cacheBuildTotal    metric.Int64Counter
	cacheBuildDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics against the global meter provider.
// Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		var err error

		cacheHits, err = meter.Int64Counter(
			"scope_cache_hits_total",
			metric.WithDescription("Total number of component cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"scope_cache_misses_total",
			metric.WithDescription("Total number of component cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"scope_cache_evictions_total",
			metric.WithDescription("Total number of LRU evictions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheBuildTotal, err = meter.Int64Counter(
			"scope_cache_builds_total",
			metric.WithDescription("Total number of bundle builds"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheBuildDuration, err = meter.Float64Histogram(
			"scope_cache_build_duration_seconds",
			metric.WithDescription("Duration of bundle builds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordCacheHit(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1)
}

func recordCacheMiss(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1)
}

func recordCacheEviction(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, 1)
}

// recordBuild records a build and its duration.
func recordBuild(ctx context.Context, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	cacheBuildTotal.Add(ctx, 1, attrs)
	cacheBuildDuration.Record(ctx, duration.Seconds(), attrs)
}

// startBuildSpan starts a build span on the provider of the caller's span,
// so builds appear in the request's trace without a global tracer.
func startBuildSpan(ctx context.Context, fp settings.Fingerprint) (context.Context, trace.Span) {
	tracer := trace.SpanFromContext(ctx).TracerProvider().Tracer(instrumentationName)
	return tracer.Start(ctx, "ComponentCache.build",
		trace.WithAttributes(
			attribute.String("cache.fingerprint", fp.Short()),
		),
	)
}

func setBuildSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
