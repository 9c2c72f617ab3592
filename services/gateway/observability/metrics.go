// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the gateway.
//
// # Description
//
// Metrics cover chat requests (by status and error code), per-request
// override usage, request latency and the component cache size. They are
// served from /metrics together with the OpenTelemetry metrics exported
// into the same registry.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for gateway metrics
const gatewaySubsystem = "gateway"

// ErrorCode labels failed requests.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeConfiguration indicates an unusable override configuration.
	ErrorCodeConfiguration ErrorCode = "configuration"

	// ErrorCodeBuild indicates the component bundle could not be built.
	ErrorCodeBuild ErrorCode = "build"

	// ErrorCodeLLM indicates an LLM API failure.
	ErrorCodeLLM ErrorCode = "llm_error"

	// ErrorCodeTimeout indicates the request deadline passed.
	ErrorCodeTimeout ErrorCode = "timeout"
)

// GatewayMetrics holds the gateway's Prometheus collectors.
//
// # Fields
//
//   - RequestsTotal: chat requests by status (success, error)
//   - ErrorsTotal: failed chat requests by error code
//   - OverridesTotal: overridden settings keys, by key
//   - RequestDurationSeconds: chat latency by status
//   - CacheEntries: live component bundles
type GatewayMetrics struct {
	RequestsTotal          *prometheus.CounterVec
	ErrorsTotal            *prometheus.CounterVec
	OverridesTotal         *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec
	CacheEntries           prometheus.Gauge
}

// NewGatewayMetrics creates the collectors and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
//
// # Examples
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewGatewayMetrics(registry)
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &GatewayMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "requests_total",
				Help:      "Total chat requests by status",
			},
			[]string{"status"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "errors_total",
				Help:      "Total failed chat requests by error code",
			},
			[]string{"error_code"},
		),

		OverridesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "overrides_total",
				Help:      "Total per-request setting overrides by key",
			},
			[]string{"key"},
		),

		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "request_duration_seconds",
				Help:      "Chat request duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),

		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "cache_entries",
				Help:      "Component bundles currently cached",
			},
		),
	}
}

// RecordRequest records one finished chat request.
func (m *GatewayMetrics) RecordRequest(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(status).Inc()
	m.RequestDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordError counts a failed request by code.
func (m *GatewayMetrics) RecordError(code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// RecordOverrides counts each overridden key.
func (m *GatewayMetrics) RecordOverrides(keys []string) {
	if m == nil {
		return
	}
	for _, k := range keys {
		m.OverridesTotal.WithLabelValues(k).Inc()
	}
}

// SetCacheEntries reports the cache size.
func (m *GatewayMetrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}
