// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bundle builds the per-configuration components the gateway caches:
// an LLM client, an optional retrieval index and a trace pipeline.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianScope/services/gateway/index"
	"github.com/AleutianAI/AleutianScope/services/llm"
	"github.com/AleutianAI/AleutianScope/services/scope/cache"
	"github.com/AleutianAI/AleutianScope/services/scope/instrument"
	"github.com/AleutianAI/AleutianScope/services/scope/settings"
)

// Base settings read by the builder. They are not overridable per request.
const (
	KeyLLMBackend    = "LLM_BACKEND"
	KeyLLMModel      = "LLM_MODEL"
	KeyLLMBaseURL    = "LLM_BASE_URL"
	KeySystemPrompt  = "SYSTEM_ROLE_PROMPT_PERSONA"
	KeyWeaviateURL   = "WEAVIATE_URL"
	KeyWeaviateClass = "WEAVIATE_CLASS"
)

// =============================================================================
// Bundle
// =============================================================================

// Bundle is the set of components shared by requests with the same
// effective configuration.
type Bundle struct {
	// LLM answers prompts. Never nil.
	LLM llm.LLMClient

	// Index retrieves context. Nil when no index is configured.
	Index index.Retriever

	// Tracer is the trace pipeline for the bundle's telemetry identity,
	// shared with every other holder of that identity. Nil when the
	// effective configuration has no usable telemetry credentials.
	Tracer *instrument.TracerState

	// TelemetryErr explains why Tracer is nil.
	TelemetryErr error

	// Fingerprint identifies the effective configuration.
	Fingerprint settings.Fingerprint

	release instrument.Release
}

// Dispose releases the bundle's share of its trace pipeline. The pipeline
// shuts down once no other bundle or the process-level installation holds
// it. The cache calls Dispose once the bundle is evicted and no request
// still borrows it.
func (b *Bundle) Dispose(ctx context.Context) error {
	if b == nil || b.release == nil {
		return nil
	}
	return b.release(ctx)
}

var _ cache.Disposer = (*Bundle)(nil)

// =============================================================================
// Builder
// =============================================================================

// LLMFactory creates an LLM client.
type LLMFactory func(cfg llm.Config) (llm.LLMClient, error)

// IndexFactory creates a retriever. It may return (nil, nil) to disable
// retrieval.
type IndexFactory func(cfg index.Config) (index.Retriever, error)

// Builder turns an effective configuration into a Bundle.
//
// Thread Safety: Build is safe for concurrent use.
type Builder struct {
	// Manager builds the bundle's trace pipeline. Required.
	Manager *instrument.Manager

	// Telemetry supplies telemetry defaults not present in settings.
	Telemetry instrument.Config

	// NewLLM defaults to llm.New.
	NewLLM LLMFactory

	// NewIndex defaults to a Weaviate retriever.
	NewIndex IndexFactory

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Build creates every component for eff. It is the cache.BuildFunc for the
// gateway's component cache. A telemetry configuration that fails validation
// does not fail the build; the bundle is returned without a tracer.
func (b *Builder) Build(ctx context.Context, eff settings.Effective) (*Bundle, error) {
	if b.Manager == nil {
		return nil, errors.New("bundle builder has no instrumentation manager")
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fp := eff.Fingerprint()

	client, err := b.newLLM(LLMConfig(eff))
	if err != nil {
		return nil, fmt.Errorf("build LLM client: %w", err)
	}

	retriever, err := b.newIndex(IndexConfig(eff))
	if err != nil {
		return nil, fmt.Errorf("build retrieval index: %w", err)
	}

	bundle := &Bundle{LLM: client, Index: retriever, Fingerprint: fp}

	tcfg := instrument.ConfigFromSettings(eff, b.Telemetry)
	if verr := tcfg.Validate(); verr != nil {
		bundle.TelemetryErr = verr
		logger.Warn("Telemetry disabled for bundle",
			"fingerprint", fp.Short(),
			"error", verr)
		return bundle, nil
	}
	state, release, err := b.Manager.Acquire(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("build trace pipeline: %w", err)
	}
	bundle.Tracer = state
	bundle.release = release

	logger.Info("Bundle built",
		"fingerprint", fp.Short(),
		"llm_model", client.Model(),
		"retrieval", retriever != nil,
		"exporter", string(tcfg.Exporter),
		"telemetry_identity", state.Identity().Short())
	return bundle, nil
}

func (b *Builder) newLLM(cfg llm.Config) (llm.LLMClient, error) {
	if b.NewLLM != nil {
		return b.NewLLM(cfg)
	}
	return llm.New(cfg)
}

func (b *Builder) newIndex(cfg index.Config) (index.Retriever, error) {
	if b.NewIndex != nil {
		return b.NewIndex(cfg)
	}
	r, err := index.New(cfg)
	if err != nil || r == nil {
		// Avoid returning a typed nil inside the interface.
		return nil, err
	}
	return r, nil
}

// LLMConfig maps eff onto an llm.Config.
func LLMConfig(eff settings.Effective) llm.Config {
	return llm.Config{
		Backend:      strings.TrimSpace(eff.Get(KeyLLMBackend)),
		APIKey:       strings.TrimSpace(eff.Get(settings.KeyLLMAPIKey)),
		Model:        strings.TrimSpace(eff.Get(KeyLLMModel)),
		BaseURL:      strings.TrimSpace(eff.Get(KeyLLMBaseURL)),
		SystemPrompt: eff.Get(KeySystemPrompt),
	}
}

// IndexConfig maps eff onto an index.Config.
func IndexConfig(eff settings.Effective) index.Config {
	return index.Config{
		URL:           strings.TrimSpace(eff.Get(KeyWeaviateURL)),
		APIKey:        strings.TrimSpace(eff.Get(settings.KeyDomainAPIKey)),
		VectorizerKey: strings.TrimSpace(eff.Get(settings.KeyLLMAPIKey)),
		ClassName:     strings.TrimSpace(eff.Get(KeyWeaviateClass)),
	}
}
