// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the language model clients a gateway bundle carries.
//
// Clients are built per effective configuration by the bundle builder and
// are safe for concurrent use by every request that borrows the bundle.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianScope/services/scope/settings"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Backend names accepted by Config.Backend.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
	BackendEcho   = "echo"
)

const instrumentationName = "aleutian.llm"

// GenerationParams tunes a single generation. Nil fields use the backend's
// defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient generates text from a prompt.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Model returns the model name reported on spans and metrics.
	Model() string
}

// Config selects and configures a client.
type Config struct {
	// Backend is "openai", "ollama" or "echo". Default: "openai".
	Backend string

	// APIKey authenticates with the provider. Required for openai.
	APIKey string

	// Model is the provider model name.
	Model string

	// BaseURL overrides the provider endpoint. Required for ollama.
	BaseURL string

	// SystemPrompt is sent ahead of every prompt when the backend supports it.
	SystemPrompt string
}

// New creates the client described by cfg. A missing credential is reported
// as a *settings.MissingError naming the settings key.
func New(cfg Config) (LLMClient, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendOpenAI:
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, &settings.MissingError{Keys: []string{settings.KeyLLMAPIKey}}
		}
		return NewOpenAIClient(cfg), nil
	case BackendOllama:
		return NewOllamaClient(cfg)
	case BackendEcho:
		return NewEchoClient(cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
}

// startSpan opens a generation span under the span in ctx, using that
// span's provider so scoped tracer state is honoured.
func startSpan(ctx context.Context, name, system, model string) (context.Context, trace.Span) {
	tracer := trace.SpanFromContext(ctx).TracerProvider().Tracer(instrumentationName)
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("openinference.span.kind", "LLM"),
			attribute.String("llm.system", system),
			attribute.String("llm.model_name", model),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
