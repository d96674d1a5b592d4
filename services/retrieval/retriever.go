// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval looks up clinical guideline chunks in a Weaviate vector
// store and formats the survivors into a bounded prompt block.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

// DefaultDistanceThreshold drops chunks whose vector distance exceeds it.
const DefaultDistanceThreshold = 1.3

// DefaultTopK is the default number of chunks requested per lookup.
const DefaultTopK = 5

// RetrievedChunk is one guideline fragment surviving the distance filter.
type RetrievedChunk struct {
	Content      string  `json:"content"`
	Title        string  `json:"title"`
	Organization string  `json:"organization"`
	Topic        string  `json:"topic"`
	SourceURL    string  `json:"source_url"`
	Distance     float64 `json:"distance"`
}

// Retriever is the lookup contract the debate engine consumes.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]RetrievedChunk, error)
}

// guidelineResponse is the typed shape of the Weaviate GraphQL reply for
// the Guideline class.
type guidelineResponse struct {
	Get struct {
		Guideline []struct {
			Content      string `json:"content"`
			Title        string `json:"title"`
			Organization string `json:"organization"`
			Topic        string `json:"topic"`
			SourceURL    string `json:"source_url"`
			Additional   struct {
				Distance float64 `json:"distance"`
			} `json:"_additional"`
		} `json:"Guideline"`
	} `json:"Get"`
}

// WeaviateRetriever queries a Guideline class by nearText similarity.
//
// Thread Safety: Safe for concurrent use; the underlying client is.
type WeaviateRetriever struct {
	client            *weaviate.Client
	className         string
	distanceThreshold float64
}

// NewWeaviateRetriever connects to the vector store at host (e.g.
// "localhost:8080"). A non-positive threshold falls back to
// DefaultDistanceThreshold.
func NewWeaviateRetriever(host, scheme string, distanceThreshold float64) (*WeaviateRetriever, error) {
	if scheme == "" {
		scheme = "http"
	}
	if distanceThreshold <= 0 {
		distanceThreshold = DefaultDistanceThreshold
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("retrieval: weaviate client: %w", err)
	}
	return &WeaviateRetriever{
		client:            client,
		className:         "Guideline",
		distanceThreshold: distanceThreshold,
	}, nil
}

// Retrieve runs a nearText lookup and returns sanitized chunks within the
// distance threshold, best match first.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, topK int) ([]RetrievedChunk, error) {
	if err := ValidateQuery(query); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	nearText := r.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{query})
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "title"},
		{Name: "organization"},
		{Name: "topic"},
		{Name: "source_url"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(r.className).
		WithNearText(nearText).
		WithLimit(topK).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieval: query: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("retrieval: graphql: %s", result.Errors[0].Message)
	}

	raw, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("retrieval: marshal response: %w", err)
	}
	var typed guidelineResponse
	if err := json.Unmarshal(raw, &typed); err != nil {
		return nil, fmt.Errorf("retrieval: unmarshal response: %w", err)
	}

	chunks := make([]RetrievedChunk, 0, len(typed.Get.Guideline))
	for _, g := range typed.Get.Guideline {
		if g.Additional.Distance > r.distanceThreshold {
			continue
		}
		chunks = append(chunks, RetrievedChunk{
			Content:      SanitizeRetrievedText(g.Content),
			Title:        g.Title,
			Organization: g.Organization,
			Topic:        g.Topic,
			SourceURL:    g.SourceURL,
			Distance:     g.Additional.Distance,
		})
	}
	slog.Debug("guideline retrieval complete",
		"query_chars", len(query), "requested", topK, "kept", len(chunks))
	return chunks, nil
}

// FormatContext renders chunks into the marker-delimited block injected
// into the synthesis prompt. Empty input yields an empty string.
func FormatContext(chunks []RetrievedChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		parts = append(parts, fmt.Sprintf(`
[Guideline %d]
Source: %s - %s
Topic: %s
URL: %s

%s
`, i+1, chunk.Organization, chunk.Title, chunk.Topic, chunk.SourceURL, chunk.Content))
	}

	return fmt.Sprintf(`
[RETRIEVED CLINICAL GUIDELINES - START]
%s
[RETRIEVED CLINICAL GUIDELINES - END]

Use the above evidence-based guidelines to inform your response. Cite specific recommendations where applicable.
`, strings.Join(parts, "\n---\n"))
}
