// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianScope/services/gateway/bundle"
	"github.com/AleutianAI/AleutianScope/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianScope/services/scope/cache"
	"github.com/AleutianAI/AleutianScope/services/scope/settings"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestService(t *testing.T, cfg Config) *service {
	t.Helper()
	if cfg.Base == nil {
		base := settings.NewConfiguration(map[string]string{
			bundle.KeyLLMBackend: "echo",
			bundle.KeyLLMModel:   "echo-test",
		})
		cfg.Base = &base
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc.(*service)
}

func postChat(t *testing.T, router *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Configuration Tests
// =============================================================================

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})

	assert.Equal(t, 12210, cfg.Port)
	assert.Equal(t, "aleutian-scope", cfg.ServiceName)
	assert.Equal(t, settings.DefaultAllowList().Keys(), cfg.AllowList)
	assert.Equal(t, cache.DefaultTTL, cfg.CacheTTL)
	assert.Equal(t, cache.DefaultMaxEntries, cfg.CacheMaxEntries)
	assert.Equal(t, cache.DefaultBuildTimeout, cfg.BuildTimeout)
	assert.Equal(t, 2*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 4, cfg.RetrievalLimit)
	assert.Equal(t, "prometheus", cfg.MetricsExporter)
	assert.NotNil(t, cfg.Logger)
}

func TestApplyConfigDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := applyConfigDefaults(Config{
		Port:      8080,
		AllowList: []string{"MODEL_ID"},
		CacheTTL:  time.Minute,
		Workers:   2,
	})

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"MODEL_ID"}, cfg.AllowList)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.Equal(t, 2, cfg.Workers)
}

func TestSettingsKeys_IncludesBaseOnlyKeys(t *testing.T) {
	keys := settingsKeys(settings.NewAllowList("MODEL_ID"))

	assert.Contains(t, keys, "MODEL_ID")
	assert.Contains(t, keys, bundle.KeyLLMBackend)
	assert.Contains(t, keys, bundle.KeyWeaviateURL)
	assert.Contains(t, keys, "OTLP_ENDPOINT")
	assert.NotContains(t, keys, "API_KEY")
}

// =============================================================================
// Service Tests
// =============================================================================

func TestNew_WithoutTelemetryCredentials(t *testing.T) {
	svc := newTestService(t, Config{})

	assert.False(t, svc.manager.IsConfigured())
	assert.Equal(t, "development", svc.config.Environment)
	assert.NotNil(t, svc.Router())
}

func TestNew_EnvironmentFromSettings(t *testing.T) {
	base := settings.NewConfiguration(map[string]string{
		bundle.KeyLLMBackend:     "echo",
		"DEPLOYMENT_ENVIRONMENT": "staging",
	})
	svc := newTestService(t, Config{Base: &base, MetricsExporter: "none"})

	assert.Equal(t, "staging", svc.config.Environment)
}

func TestNew_UnknownMetricsExporter(t *testing.T) {
	base := settings.NewConfiguration(nil)
	_, err := New(Config{Base: &base, MetricsExporter: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize meter")
}

func TestService_ChatThroughRouter(t *testing.T) {
	svc := newTestService(t, Config{})

	w := postChat(t, svc.Router(), `{"message":"what is a fingerprint?"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "what is a fingerprint?", resp.Response)
	assert.NotEmpty(t, resp.SessionID)
	assert.Len(t, resp.Fingerprint, 64)
	assert.Equal(t, 1, svc.cache.Len())
}

func TestService_MetricsEndpoint(t *testing.T) {
	svc := newTestService(t, Config{})

	postChat(t, svc.Router(), `{"message":"hello"}`)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aleutian_gateway_requests_total")
}

func TestService_HealthAfterWarm(t *testing.T) {
	svc := newTestService(t, Config{MetricsExporter: "none"})

	get := func() datatypes.HealthResponse {
		w := httptest.NewRecorder()
		svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var resp datatypes.HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	assert.False(t, get().Initialized)
	require.NoError(t, svc.warm(context.Background()))
	assert.True(t, get().Initialized)
	assert.False(t, get().TelemetryConfigured)
}

func TestService_WarmFailsWithoutLLMKey(t *testing.T) {
	base := settings.NewConfiguration(map[string]string{bundle.KeyLLMBackend: "openai"})
	svc := newTestService(t, Config{Base: &base, MetricsExporter: "none"})

	err := svc.warm(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, svc.cache.Len())
}

func TestService_DebugRoutesGated(t *testing.T) {
	off := newTestService(t, Config{MetricsExporter: "none"})
	w := httptest.NewRecorder()
	off.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/config", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	on := newTestService(t, Config{MetricsExporter: "none", EnableDebug: true})
	w = httptest.NewRecorder()
	on.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/config", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestService_CloseIdempotent(t *testing.T) {
	svc := newTestService(t, Config{MetricsExporter: "none"})
	require.NoError(t, svc.warm(context.Background()))

	require.NoError(t, svc.Close(context.Background()))
	require.NoError(t, svc.Close(context.Background()))
	assert.Equal(t, 0, svc.cache.Len())
}

func TestService_RunStopsOnCancel(t *testing.T) {
	svc := newTestService(t, Config{Port: 0, MetricsExporter: "none"})
	svc.config.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
