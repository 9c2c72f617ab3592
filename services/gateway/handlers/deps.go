// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP endpoints.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianScope/services/gateway/bundle"
	"github.com/AleutianAI/AleutianScope/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianScope/services/gateway/observability"
	"github.com/AleutianAI/AleutianScope/services/scope/cache"
	"github.com/AleutianAI/AleutianScope/services/scope/instrument"
	"github.com/AleutianAI/AleutianScope/services/scope/propagate"
	"github.com/AleutianAI/AleutianScope/services/scope/settings"
	"github.com/gin-gonic/gin"
)

const tracerName = "aleutian.gateway"

// Dependencies are shared by every handler. All fields except Pool, Metrics
// and Logger are required.
type Dependencies struct {
	// Base holds the process defaults loaded at startup.
	Base settings.Configuration

	// AllowList names the keys a request may override.
	AllowList settings.AllowList

	// Telemetry supplies telemetry defaults not present in settings.
	Telemetry instrument.Config

	// Cache holds one bundle per effective configuration.
	Cache *cache.Cache[*bundle.Bundle]

	// Build creates a bundle on a cache miss.
	Build cache.BuildFunc[*bundle.Bundle]

	// Manager owns the process-level trace pipeline.
	Manager *instrument.Manager

	// Pool runs retrieval off the request goroutine. When nil each request
	// starts its own goroutine.
	Pool *propagate.Pool

	// Metrics may be nil.
	Metrics *observability.GatewayMetrics

	// Environment is recorded on session spans.
	Environment string

	// RetrievalLimit caps retrieved documents per request.
	RetrievalLimit int

	// RequestTimeout bounds a chat request. Zero means no bound.
	RequestTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (d *Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// telemetryIssue returns the validation error of the telemetry config eff
// produces, but only when the request overrode a telemetry key. A process
// default that is unusable degrades to disabled tracing instead.
func telemetryIssue(eff settings.Effective, base instrument.Config) *instrument.ConfigurationError {
	sources := eff.Sources()
	touched := false
	for _, k := range instrument.TelemetryKeys {
		if sources[k] == settings.SourceOverride {
			touched = true
			break
		}
	}
	if !touched {
		return nil
	}

	var cfgErr *instrument.ConfigurationError
	if errors.As(instrument.ConfigFromSettings(eff, base).Validate(), &cfgErr) {
		return cfgErr
	}
	return nil
}

func abortWithError(c *gin.Context, status int, code, msg string, missing []string) {
	c.AbortWithStatusJSON(status, datatypes.ErrorResponse{
		Error:   msg,
		Code:    code,
		Missing: missing,
	})
}

// statusForContextErr maps a context error to an HTTP status.
func statusForContextErr(err error) (int, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, true
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, true
	}
	return 0, false
}
