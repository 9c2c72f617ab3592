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
	"strings"
)

// EchoClient answers with the last line of the prompt. It needs no
// credentials and is used for local runs and smoke tests.
type EchoClient struct {
	model string
}

// NewEchoClient returns an EchoClient reporting model as its model name.
func NewEchoClient(model string) *EchoClient {
	if model == "" {
		model = BackendEcho
	}
	return &EchoClient{model: model}
}

// Model returns the configured model name.
func (e *EchoClient) Model() string { return e.model }

func (e *EchoClient) Generate(ctx context.Context, prompt string, _ GenerationParams) (answer string, err error) {
	_, span := startSpan(ctx, "EchoClient.Generate", BackendEcho, e.model)
	defer func() { endSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

var _ LLMClient = (*EchoClient)(nil)
