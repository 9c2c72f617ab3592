// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianScope/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianScope/services/scope/instrument"
	"github.com/AleutianAI/AleutianScope/services/scope/settings"
	"github.com/gin-gonic/gin"
)

// overrideQueryPrefix marks query parameters that preview an override,
// e.g. /debug/config?override.MODEL_ID=m1.
const overrideQueryPrefix = "override."

// HandleDebugConfig serves GET /debug/config.
//
// # Description
//
// Reports the instrumentation state and, for every allow-listed key,
// whether it comes from an override, a default or is unset. Query
// parameters named override.<KEY> are merged as a request would merge
// env_overrides. Values are never returned.
func HandleDebugConfig(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		overrides := make(map[string]string)
		for name, values := range c.Request.URL.Query() {
			if key, ok := strings.CutPrefix(name, overrideQueryPrefix); ok && len(values) > 0 {
				overrides[key] = values[0]
			}
		}
		eff := settings.Merge(deps.Base, overrides, deps.AllowList)

		resp := datatypes.DebugConfigResponse{
			Instrumentation: datatypes.InstrumentationView{
				State:        deps.Manager.State().String(),
				Configured:   deps.Manager.IsConfigured(),
				ExportErrors: deps.Manager.ExportErrors(),
			},
			Fingerprint: eff.Fingerprint().Short(),
			Keys:        settings.Redacted(eff),
		}
		if cfg, ok := deps.Manager.ActiveConfig(c.Request.Context()); ok {
			resp.Instrumentation.Active = telemetryView(cfg)
		}

		var cfgErr *instrument.ConfigurationError
		if errors.As(instrument.ConfigFromSettings(eff, deps.Telemetry).Validate(), &cfgErr) {
			resp.TelemetryIssues = cfgErr.Fields()
		}

		c.JSON(http.StatusOK, resp)
	}
}

// HandleDebugCache serves GET /debug/cache.
func HandleDebugCache(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		infos := deps.Cache.Entries()
		entries := make([]datatypes.CacheEntryView, 0, len(infos))
		for _, info := range infos {
			entries = append(entries, datatypes.NewCacheEntryView(info))
		}
		c.JSON(http.StatusOK, datatypes.DebugCacheResponse{
			Size:       deps.Cache.Len(),
			TTLSeconds: deps.Cache.TTL().Seconds(),
			Stats:      deps.Cache.Stats(),
			Entries:    entries,
		})
	}
}

func telemetryView(cfg instrument.Config) *datatypes.TelemetryView {
	return &datatypes.TelemetryView{
		ServiceName:    cfg.ServiceName,
		Environment:    cfg.Environment,
		Exporter:       string(cfg.Exporter),
		Endpoint:       cfg.Endpoint,
		ModelIDSet:     strings.TrimSpace(cfg.ModelID) != "",
		ProjectNameSet: strings.TrimSpace(cfg.ProjectName) != "",
	}
}
