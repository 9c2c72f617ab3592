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
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ExporterFactory creates the span exporter for a validated Config.
//
// A nil exporter with a nil error means spans are recorded but not exported.
type ExporterFactory func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error)

// NewExporter is the default ExporterFactory.
func NewExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterGRPC:
		return newGRPCExporter(ctx, cfg)

	case ExporterHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithHeaders(cfg.authHeaders())}
		if strings.Contains(cfg.Endpoint, "://") {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		} else {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("create http exporter: %w", err)
		}
		return exporter, nil

	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exporter, nil

	case ExporterNone:
		return nil, nil

	default:
		return nil, &ConfigurationError{Invalid: []string{KeyOTLPExporter}}
	}
}

func newGRPCExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	target, err := grpcTarget(cfg.Endpoint, cfg.Insecure)
	if err != nil {
		return nil, err
	}

	creds := insecure.NewCredentials()
	if !cfg.Insecure {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	// NewClient does not dial; the first export connects.
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", target, err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(cfg.authHeaders()),
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create grpc exporter: %w", err)
	}
	return &connExporter{SpanExporter: exporter, conn: conn}, nil
}

// grpcTarget turns "https://host/v1" or "host:port" into a dial target.
func grpcTarget(endpoint string, insecureConn bool) (string, error) {
	host := endpoint
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
		}
		host = u.Host
	}
	if host == "" {
		return "", &ConfigurationError{Invalid: []string{KeyOTLPEndpoint}}
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := "443"
		if insecureConn {
			port = "4317"
		}
		host = net.JoinHostPort(host, port)
	}
	return host, nil
}

// connExporter closes the caller-owned gRPC connection after the exporter
// shuts down.
type connExporter struct {
	sdktrace.SpanExporter
	conn *grpc.ClientConn
}

func (e *connExporter) Shutdown(ctx context.Context) error {
	err := e.SpanExporter.Shutdown(ctx)
	if cerr := e.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// =============================================================================
// Exporter Guard
// =============================================================================

// exportLogInterval bounds how often export failures are logged per Manager.
const exportLogInterval = 10 * time.Second

// guardedExporter swallows export failures after logging and counting them,
// so a failing collector never reaches span producers.
type guardedExporter struct {
	next    sdktrace.SpanExporter
	kind    ExporterKind
	limiter *rate.Limiter
	failed  *atomic.Int64
	logger  *slog.Logger
}

var _ sdktrace.SpanExporter = (*guardedExporter)(nil)

func newGuardedExporter(next sdktrace.SpanExporter, kind ExporterKind, limiter *rate.Limiter, failed *atomic.Int64, logger *slog.Logger) *guardedExporter {
	return &guardedExporter{
		next:    next,
		kind:    kind,
		limiter: limiter,
		failed:  failed,
		logger:  logger,
	}
}

func (g *guardedExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := g.next.ExportSpans(ctx, spans); err != nil {
		exportErr := &ExportError{Exporter: g.kind, Spans: len(spans), Err: err}
		total := g.failed.Add(1)
		if g.limiter.Allow() {
			g.logger.Warn("span export failed",
				"exporter", string(g.kind),
				"spans", len(spans),
				"failures_total", total,
				"error", exportErr,
			)
		}
	}
	return nil
}

func (g *guardedExporter) Shutdown(ctx context.Context) error {
	return g.next.Shutdown(ctx)
}
