// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"github.com/AleutianAI/AleutianScope/services/scope/cache"
	"github.com/AleutianAI/AleutianScope/services/scope/settings"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status              string `json:"status"`
	Initialized         bool   `json:"initialized"`
	TelemetryConfigured bool   `json:"telemetry_configured"`
}

// TelemetryView describes a trace pipeline without credentials. Override
// keys are reported by presence only.
type TelemetryView struct {
	ServiceName    string `json:"service_name"`
	Environment    string `json:"environment,omitempty"`
	Exporter       string `json:"exporter"`
	Endpoint       string `json:"endpoint,omitempty"`
	ModelIDSet     bool   `json:"model_id_set"`
	ProjectNameSet bool   `json:"project_name_set"`
}

// InstrumentationView is the instrumentation part of GET /debug/config.
type InstrumentationView struct {
	State        string         `json:"state"`
	Configured   bool           `json:"configured"`
	ExportErrors int64          `json:"export_errors"`
	Active       *TelemetryView `json:"active,omitempty"`
}

// DebugConfigResponse is the body of GET /debug/config. Setting values are
// never included, only their source and presence.
type DebugConfigResponse struct {
	Instrumentation InstrumentationView         `json:"instrumentation"`
	Fingerprint     string                      `json:"fingerprint"`
	Keys            map[string]settings.KeyView `json:"keys"`
	TelemetryIssues []string                    `json:"telemetry_issues,omitempty"`
}

// CacheEntryView is one entry in GET /debug/cache.
type CacheEntryView struct {
	Fingerprint string `json:"fingerprint"`
	AgeMs       int64  `json:"age_ms"`
	IdleMs      int64  `json:"idle_ms"`
	InUse       int    `json:"in_use"`
	ExpiresInMs int64  `json:"expires_in_ms"`
}

// DebugCacheResponse is the body of GET /debug/cache.
type DebugCacheResponse struct {
	Size       int              `json:"size"`
	TTLSeconds float64          `json:"ttl_seconds"`
	Stats      cache.Stats      `json:"stats"`
	Entries    []CacheEntryView `json:"entries"`
}

// NewCacheEntryView converts info, shortening the fingerprint.
func NewCacheEntryView(info cache.EntryInfo) CacheEntryView {
	return CacheEntryView{
		Fingerprint: info.Fingerprint.Short(),
		AgeMs:       info.Age.Milliseconds(),
		IdleMs:      info.IdleFor.Milliseconds(),
		InUse:       info.InUse,
		ExpiresInMs: info.ExpiresIn.Milliseconds(),
	}
}

// =============================================================================
// Admin
// =============================================================================

// CacheClearResponse is the body of POST /admin/cache/clear.
type CacheClearResponse struct {
	Removed int `json:"removed"`
	Size    int `json:"size"`
}

// TelemetryUpdateRequest is the body of POST /admin/telemetry. Settings
// uses the same keys as env_overrides plus OTLP_EXPORTER, OTLP_ENDPOINT,
// OTLP_INSECURE and DEPLOYMENT_ENVIRONMENT. Blank values fall back to the
// process defaults.
type TelemetryUpdateRequest struct {
	Settings map[string]string `json:"settings" binding:"required,max=16"`
}

// TelemetryUpdateResponse is the body returned by POST /admin/telemetry.
type TelemetryUpdateResponse struct {
	State  string         `json:"state"`
	Active *TelemetryView `json:"active"`
}
