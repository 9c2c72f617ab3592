// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index provides the retrieval index a gateway bundle carries.
//
// Building or loading the index is out of scope; this package only queries
// an existing Weaviate class by semantic similarity and formats the hits
// into prompt context.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultClassName is the Weaviate class queried when none is configured.
const DefaultClassName = "Document"

// DefaultLimit is the number of documents returned when limit <= 0.
const DefaultLimit = 4

// ErrEmptyQuery is returned for a blank query.
var ErrEmptyQuery = errors.New("query cannot be empty")

// Document is one retrieved passage.
type Document struct {
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Retriever finds documents relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Document, error)
}

// Config configures a WeaviateRetriever.
type Config struct {
	// URL is the Weaviate base URL. Empty disables retrieval.
	URL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// VectorizerKey is forwarded as X-OpenAI-Api-Key for text2vec-openai.
	VectorizerKey string

	// ClassName is the queried class. Default: DefaultClassName.
	ClassName string
}

// WeaviateRetriever runs nearText queries against one class.
//
// Thread Safety: safe for concurrent use.
type WeaviateRetriever struct {
	client    *weaviate.Client
	className string
}

// New returns a retriever for cfg, or (nil, nil) when cfg.URL is empty.
func New(cfg Config) (*WeaviateRetriever, error) {
	raw := strings.Trim(cfg.URL, "\"' ")
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", raw)
	}

	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	if cfg.VectorizerKey != "" {
		headers["X-OpenAI-Api-Key"] = cfg.VectorizerKey
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:    parsed.Host,
		Scheme:  parsed.Scheme,
		Headers: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	className := cfg.ClassName
	if className == "" {
		className = DefaultClassName
	}
	slog.Info("Weaviate retriever initialized", "host", parsed.Host, "class", className)
	return &WeaviateRetriever{client: client, className: className}, nil
}

// Retrieve returns up to limit documents ordered by certainty.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, limit int) (docs []Document, err error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	tracer := trace.SpanFromContext(ctx).TracerProvider().Tracer("aleutian.index")
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Retrieve", trace.WithAttributes(
		attribute.String("openinference.span.kind", "RETRIEVER"),
		attribute.String("retrieval.class", r.className),
		attribute.Int("retrieval.limit", limit),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("retrieval.documents", len(docs)))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	nearText := r.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{query})
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional { certainty distance }"},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(r.className).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search error: %s", result.Errors[0].Message)
	}
	return parseDocuments(result, r.className), nil
}

// parseDocuments extracts documents from a Get query response, skipping
// malformed objects.
func parseDocuments(result *models.GraphQLResponse, className string) []Document {
	if result == nil {
		return nil
	}
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[className].([]interface{})
	if !ok {
		return nil
	}

	docs := make([]Document, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		doc := Document{
			Content: getString(m, "content"),
			Source:  getString(m, "source"),
		}
		if doc.Source == "" {
			doc.Source = "Unknown source"
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				doc.Score = certainty
			}
		}
		docs = append(docs, doc)
	}
	return docs
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Sources returns the distinct document sources in order of first
// appearance.
func Sources(docs []Document) []string {
	seen := make(map[string]struct{}, len(docs))
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if _, ok := seen[d.Source]; ok {
			continue
		}
		seen[d.Source] = struct{}{}
		out = append(out, d.Source)
	}
	return out
}

var _ Retriever = (*WeaviateRetriever)(nil)
