// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

const (
	defaultOllamaModel   = "gpt-oss"
	defaultOllamaTimeout = 5 * time.Minute
)

// OllamaClient generates through a local Ollama server.
type OllamaClient struct {
	llm   *ollama.LLM
	model string
}

// NewOllamaClient creates a client for cfg.BaseURL.
func NewOllamaClient(cfg Config) (*OllamaClient, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("ollama base URL is not set")
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("Ollama model not set, defaulting", "model", defaultOllamaModel)
		model = defaultOllamaModel
	}

	client, err := ollama.New(
		ollama.WithServerURL(baseURL),
		ollama.WithModel(model),
		ollama.WithHTTPClient(&http.Client{Timeout: defaultOllamaTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{llm: client, model: model}, nil
}

// Model returns the configured model name.
func (o *OllamaClient) Model() string { return o.model }

func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (answer string, err error) {
	ctx, span := startSpan(ctx, "OllamaClient.Generate", BackendOllama, o.model)
	defer func() { endSpan(span, err) }()

	answer, err = llms.GenerateFromSinglePrompt(ctx, o.llm, prompt, callOptions(params)...)
	if err != nil {
		slog.Error("Ollama API call failed", "model", o.model, "error", err)
		return "", fmt.Errorf("Ollama API call failed: %w", err)
	}
	return answer, nil
}

// callOptions maps params onto langchaingo call options, keeping the
// sampling defaults the gateway has always sent to Ollama.
func callOptions(params GenerationParams) []llms.CallOption {
	temperature := 0.2
	if params.Temperature != nil {
		temperature = float64(*params.Temperature)
	}
	topK := 20
	if params.TopK != nil {
		topK = *params.TopK
	}
	topP := 0.9
	if params.TopP != nil {
		topP = float64(*params.TopP)
	}
	maxTokens := 8192
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}

	opts := []llms.CallOption{
		llms.WithTemperature(temperature),
		llms.WithTopK(topK),
		llms.WithTopP(topP),
		llms.WithMaxTokens(maxTokens),
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}
	return opts
}

var _ LLMClient = (*OllamaClient)(nil)
