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

	"github.com/AleutianAI/AleutianScope/pkg/logging"
	"github.com/AleutianAI/AleutianScope/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianScope/services/scope/instrument"
	"github.com/AleutianAI/AleutianScope/services/scope/settings"
	"github.com/AleutianAI/AleutianScope/services/scope/telemetry"
	"github.com/gin-gonic/gin"
)

// telemetryAdminKeys may be set through POST /admin/telemetry.
var telemetryAdminKeys = settings.NewAllowList(append([]string{
	instrument.KeyOTLPExporter,
	instrument.KeyOTLPEndpoint,
	instrument.KeyOTLPInsecure,
	instrument.KeyEnvironment,
}, instrument.TelemetryKeys...)...)

// HandleClearCache serves POST /admin/cache/clear.
//
// # Description
//
// Drops every cached bundle, or only the one named by ?fingerprint=, which
// accepts the full fingerprint or its 12 character short form. Bundles in
// use are disposed when their last request releases them.
//
// # Outputs
//
//   - 200 with datatypes.CacheClearResponse
//   - 404 not_found when the fingerprint is not cached
func HandleClearCache(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := telemetry.LoggerWithTrace(ctx, deps.logger())

		removed := 0
		if raw := strings.TrimSpace(c.Query("fingerprint")); raw != "" {
			fp, ok := findFingerprint(deps, raw)
			if !ok || !deps.Cache.Invalidate(ctx, fp) {
				abortWithError(c, http.StatusNotFound, datatypes.ErrorCodeNotFound,
					"no cached components for fingerprint", nil)
				return
			}
			removed = 1
			logger.Info("Cached components invalidated", "fingerprint", fp.Short())
		} else {
			removed = deps.Cache.Len()
			deps.Cache.Clear(ctx)
			logger.Info("Component cache cleared", "removed", removed)
		}

		size := deps.Cache.Len()
		deps.Metrics.SetCacheEntries(size)
		c.JSON(http.StatusOK, datatypes.CacheClearResponse{Removed: removed, Size: size})
	}
}

func findFingerprint(deps *Dependencies, raw string) (settings.Fingerprint, bool) {
	for _, info := range deps.Cache.Entries() {
		if info.Fingerprint.String() == raw || info.Fingerprint.Short() == raw {
			return info.Fingerprint, true
		}
	}
	return "", false
}

// HandleReconfigureTelemetry serves POST /admin/telemetry.
//
// # Description
//
// Merges the body's settings over the process defaults and replaces the
// process-level trace pipeline. The previous pipeline keeps serving cached
// bundles that share it until they are released. Setting values are logged
// redacted.
//
// # Outputs
//
//   - 200 with datatypes.TelemetryUpdateResponse
//   - 400 invalid_request, or configuration_error with the missing keys
//   - 502 build_error when the exporter cannot be created
func HandleReconfigureTelemetry(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := telemetry.LoggerWithTrace(ctx, deps.logger())

		var req datatypes.TelemetryUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Warn("Failed to parse the telemetry update", "error", err)
			abortWithError(c, http.StatusBadRequest, datatypes.ErrorCodeInvalidRequest, "invalid request body", nil)
			return
		}

		eff := settings.Merge(deps.Base, req.Settings, telemetryAdminKeys)
		for _, key := range eff.Overridden() {
			logger.Info("Telemetry override applied", "key", key, "value", logging.Redact(eff.Get(key)))
		}

		state, err := deps.Manager.Reconfigure(ctx, instrument.ConfigFromSettings(eff, deps.Telemetry))
		if err != nil {
			var cfgErr *instrument.ConfigurationError
			if errors.As(err, &cfgErr) {
				abortWithError(c, http.StatusBadRequest, datatypes.ErrorCodeConfiguration, cfgErr.Error(), cfgErr.Fields())
				return
			}
			logger.Error("Failed to reconfigure telemetry", "error", err)
			abortWithError(c, http.StatusBadGateway, datatypes.ErrorCodeBuild, "failed to build trace pipeline", nil)
			return
		}

		c.JSON(http.StatusOK, datatypes.TelemetryUpdateResponse{
			State:  deps.Manager.State().String(),
			Active: telemetryView(state.Config()),
		})
	}
}
