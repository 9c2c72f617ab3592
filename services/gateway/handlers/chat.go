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
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianScope/services/gateway/bundle"
	"github.com/AleutianAI/AleutianScope/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianScope/services/gateway/index"
	"github.com/AleutianAI/AleutianScope/services/gateway/observability"
	"github.com/AleutianAI/AleutianScope/services/llm"
	"github.com/AleutianAI/AleutianScope/services/scope/instrument"
	"github.com/AleutianAI/AleutianScope/services/scope/propagate"
	"github.com/AleutianAI/AleutianScope/services/scope/session"
	"github.com/AleutianAI/AleutianScope/services/scope/settings"
	"github.com/AleutianAI/AleutianScope/services/scope/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// HandleChat serves POST /v1/chat.
//
// # Description
//
// Merges the request's env_overrides over the process defaults, resolves
// the component bundle for the resulting fingerprint (building it at most
// once), scopes the bundle's trace pipeline to this request and answers
// inside a session root span linked to the caller's span. Retrieval runs on
// the worker pool and its span still descends from the session.
//
// # Outputs
//
//   - 200 with datatypes.ChatResponse
//   - 400 invalid_request or configuration_error (with the missing keys)
//   - 502 build_error or llm_error
//   - 504 timeout
func HandleChat(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()
		logger := telemetry.LoggerWithTrace(ctx, deps.logger())

		fail := func(status int, code observability.ErrorCode, body datatypes.ErrorResponse) {
			deps.Metrics.RecordError(code)
			deps.Metrics.RecordRequest(false, time.Since(start))
			abortWithError(c, status, body.Code, body.Error, body.Missing)
		}

		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Warn("Failed to parse the chat request", "error", err)
			fail(http.StatusBadRequest, observability.ErrorCodeValidation, datatypes.ErrorResponse{
				Error: "invalid request body", Code: datatypes.ErrorCodeInvalidRequest,
			})
			return
		}
		if err := req.Validate(); err != nil {
			fail(http.StatusBadRequest, observability.ErrorCodeValidation, datatypes.ErrorResponse{
				Error: err.Error(), Code: datatypes.ErrorCodeInvalidRequest,
			})
			return
		}

		eff := settings.Merge(deps.Base, req.EnvOverrides, deps.AllowList)
		overridden := eff.Overridden()
		deps.Metrics.RecordOverrides(overridden)

		if cfgErr := telemetryIssue(eff, deps.Telemetry); cfgErr != nil {
			logger.Warn("Rejected telemetry overrides", "fields", cfgErr.Fields())
			fail(http.StatusBadRequest, observability.ErrorCodeConfiguration, datatypes.ErrorResponse{
				Error: cfgErr.Error(), Code: datatypes.ErrorCodeConfiguration, Missing: cfgErr.Fields(),
			})
			return
		}

		if deps.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deps.RequestTimeout)
			defer cancel()
		}

		fp := eff.Fingerprint()
		b, release, err := deps.Cache.Resolve(ctx, fp, eff, deps.Build)
		deps.Metrics.SetCacheEntries(deps.Cache.Len())
		if err != nil {
			logger.Error("Failed to resolve components", "fingerprint", fp.Short(), "error", err)
			status, code, body := resolveFailure(err)
			fail(status, code, body)
			return
		}
		defer release()

		if len(req.TraceContext) > 0 && !trace.SpanContextFromContext(ctx).IsValid() {
			ctx = propagate.ExtractFromMap(ctx, req.TraceContext)
		}
		if b.Tracer != nil {
			ctx = instrument.WithState(ctx, b.Tracer)
		}
		tracer := deps.Manager.Tracer(ctx, tracerName)

		opts := session.Options{
			ID:          req.SessionID,
			Type:        "chat",
			Environment: deps.Environment,
			Metadata: map[string]any{
				"fingerprint": fp.Short(),
				"overrides":   strings.Join(overridden, ","),
			},
			Logger: deps.logger(),
		}

		var resp datatypes.ChatResponse
		err = session.Run(ctx, tracer, opts, func(ctx context.Context, s *session.Session) error {
			s.Event("chat.received", map[string]any{"message_bytes": len(req.Message)})

			answer, docs, err := answerQuestion(ctx, deps, b, tracer, req.Message)
			if err != nil {
				return err
			}
			s.AddMetadata(map[string]any{"documents": len(docs)})
			s.SetSummary(answer)

			resp = datatypes.ChatResponse{
				Response:    answer,
				Sources:     index.Sources(docs),
				SessionID:   s.ID(),
				Fingerprint: fp.String(),
			}
			if s.SpanContext().IsValid() {
				resp.TraceContext = propagate.InjectToMap(ctx, nil)
			}
			return nil
		})
		if err != nil {
			logger.Error("Chat request failed", "fingerprint", fp.Short(), "error", err)
			if status, ok := statusForContextErr(err); ok {
				fail(status, observability.ErrorCodeTimeout, datatypes.ErrorResponse{
					Error: "request did not complete in time", Code: datatypes.ErrorCodeTimeout,
				})
				return
			}
			fail(http.StatusBadGateway, observability.ErrorCodeLLM, datatypes.ErrorResponse{
				Error: "failed to generate a response", Code: datatypes.ErrorCodeLLM,
			})
			return
		}

		deps.Metrics.RecordRequest(true, time.Since(start))
		c.JSON(http.StatusOK, resp)
	}
}

// answerQuestion retrieves context on the worker pool, then generates.
// Retrieval failures are logged and the question is answered without
// context.
func answerQuestion(ctx context.Context, deps *Dependencies, b *bundle.Bundle, tracer trace.Tracer, question string) (string, []index.Document, error) {
	var docs []index.Document
	if b.Index != nil {
		retrieve := func(ctx context.Context) error {
			return propagate.Traced(ctx, tracer, "retrieve", func(ctx context.Context) error {
				var err error
				docs, err = b.Index.Retrieve(ctx, question, deps.RetrievalLimit)
				return err
			})
		}

		var done <-chan error
		if deps.Pool != nil {
			done = deps.Pool.Submit(ctx, retrieve)
		} else {
			done = propagate.Go(ctx, retrieve)
		}

		select {
		case err := <-done:
			if err != nil {
				telemetry.LoggerWithTrace(ctx, deps.logger()).Warn("Retrieval failed, answering without context", "error", err)
				docs = nil
			}
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}

	prompt := index.BuildPrompt(question, docs, 0)
	var answer string
	err := propagate.Traced(ctx, tracer, "generate", func(ctx context.Context) error {
		var err error
		answer, err = b.LLM.Generate(ctx, prompt, llm.GenerationParams{})
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return answer, docs, nil
}

// resolveFailure maps a Resolve error onto a response.
func resolveFailure(err error) (int, observability.ErrorCode, datatypes.ErrorResponse) {
	var missing *settings.MissingError
	if errors.As(err, &missing) {
		return http.StatusBadRequest, observability.ErrorCodeConfiguration, datatypes.ErrorResponse{
			Error:   missing.Error(),
			Code:    datatypes.ErrorCodeConfiguration,
			Missing: missing.Keys,
		}
	}
	var cfgErr *instrument.ConfigurationError
	if errors.As(err, &cfgErr) {
		return http.StatusBadRequest, observability.ErrorCodeConfiguration, datatypes.ErrorResponse{
			Error:   cfgErr.Error(),
			Code:    datatypes.ErrorCodeConfiguration,
			Missing: cfgErr.Fields(),
		}
	}
	if status, ok := statusForContextErr(err); ok {
		return status, observability.ErrorCodeTimeout, datatypes.ErrorResponse{
			Error: "request did not complete in time",
			Code:  datatypes.ErrorCodeTimeout,
		}
	}
	return http.StatusBadGateway, observability.ErrorCodeBuild, datatypes.ErrorResponse{
		Error: "failed to initialize components",
		Code:  datatypes.ErrorCodeBuild,
	}
}
