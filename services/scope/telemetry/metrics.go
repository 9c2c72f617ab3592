// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// ErrUnknownExporter is returned for an unsupported metric exporter name.
var ErrUnknownExporter = errors.New("unknown exporter")

// MeterConfig selects the metrics pipeline.
type MeterConfig struct {
	// ServiceName is the resource service.name.
	ServiceName string

	// Exporter is "prometheus", "stdout" or "none". Default: prometheus.
	Exporter string

	// Registry receives the Prometheus collector. Default: a new registry.
	Registry *prometheus.Registry
}

// Meter is an initialized metrics pipeline.
type Meter struct {
	// Provider is nil when Exporter is "none".
	Provider *metric.MeterProvider

	// Handler serves the Prometheus registry. Nil unless Exporter is
	// "prometheus".
	Handler http.Handler
}

// Shutdown flushes and stops the provider.
func (m *Meter) Shutdown(ctx context.Context) error {
	if m == nil || m.Provider == nil {
		return nil
	}
	return m.Provider.Shutdown(ctx)
}

// InitMeter builds a MeterProvider for cfg. The caller decides whether to
// install it with otel.SetMeterProvider.
func InitMeter(_ context.Context, cfg MeterConfig) (*Meter, error) {
	if cfg.Exporter == "" {
		cfg.Exporter = "prometheus"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "aleutian-scope"
	}
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(cfg.ServiceName))

	switch cfg.Exporter {
	case "prometheus":
		registry := cfg.Registry
		if registry == nil {
			registry = prometheus.NewRegistry()
		}
		exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return &Meter{
			Provider: metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(exporter)),
			Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}, nil

	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return &Meter{
			Provider: metric.NewMeterProvider(
				metric.WithResource(res),
				metric.WithReader(metric.NewPeriodicReader(exporter)),
			),
		}, nil

	case "none":
		return &Meter{}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}
}
