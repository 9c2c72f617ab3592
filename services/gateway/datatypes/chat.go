// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the gateway's request and response bodies.
package datatypes

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageBytes bounds a chat message.
	MaxMessageBytes = 32 * 1024

	// MaxOverrides bounds the number of env_overrides entries.
	MaxOverrides = 32

	// MaxSessionIDLength bounds a client supplied session id.
	MaxSessionIDLength = 128
)

var (
	chatValidate     *validator.Validate
	chatValidateOnce sync.Once
)

func getValidator() *validator.Validate {
	chatValidateOnce.Do(func() {
		chatValidate = validator.New()
		_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	})
	return chatValidate
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageBytes
}

// =============================================================================
// Chat
// =============================================================================

// ChatRequest is the body of POST /v1/chat.
//
// # Fields
//
//   - Message: Required. The user's question, at most 32KB.
//   - SessionID: Optional. Groups requests into one trace session. A new
//     UUID is generated when empty.
//   - EnvOverrides: Optional. Per-request settings. Keys outside the
//     allow-list and blank values are ignored.
//   - TraceContext: Optional. W3C traceparent, tracestate and baggage for
//     callers that cannot set HTTP headers, such as queue consumers. Used
//     only when the request carries no trace headers.
type ChatRequest struct {
	Message      string            `json:"message" validate:"required,maxbytes"`
	SessionID    string            `json:"session_id,omitempty" validate:"omitempty,max=128,printascii"`
	EnvOverrides map[string]string `json:"env_overrides,omitempty" validate:"omitempty,max=32"`
	TraceContext map[string]string `json:"trace_context,omitempty" validate:"omitempty,max=8"`
}

// Validate checks the request after binding.
func (r *ChatRequest) Validate() error {
	return getValidator().Struct(r)
}

// ChatResponse is the body returned by POST /v1/chat. TraceContext carries
// the session root span in W3C form when tracing is enabled.
type ChatResponse struct {
	Response     string            `json:"response"`
	Sources      []string          `json:"sources,omitempty"`
	SessionID    string            `json:"session_id"`
	Fingerprint  string            `json:"fingerprint"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// =============================================================================
// Errors
// =============================================================================

// Error codes returned in ErrorResponse.Code.
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeConfiguration  = "configuration_error"
	ErrorCodeBuild          = "build_error"
	ErrorCodeLLM            = "llm_error"
	ErrorCodeTimeout        = "timeout"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeInternal       = "internal"
)

// ErrorResponse is the body of every non-2xx gateway response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Missing []string `json:"missing,omitempty"`
}
