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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// GeminiClient implements Generator for Google Gemini models.
//
// Description:
//
//	Uses the Gemini REST API (generateContent). The debate engine invokes it
//	twice per turn: once for question formulation (plain text) and once for
//	synthesis (with ResponseMIMEType "application/json" so the model returns
//	a raw JSON object instead of prose).
//
// Thread Safety: GeminiClient is safe for concurrent use.
type GeminiClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewGeminiClient creates a GeminiClient from environment variables.
//
// Description:
//
//	Reads GEMINI_API_KEY (GOOGLE_API_KEY as a fallback) and GEMINI_MODEL.
//	Defaults to "gemini-1.5-flash" if GEMINI_MODEL is not set.
//
// Outputs:
//   - *GeminiClient: The configured client.
//   - error: Non-nil if no API key is present.
func NewGeminiClient() (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is missing (GEMINI_API_KEY)")
	}

	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = "gemini-1.5-flash"
		slog.Info("GEMINI_MODEL not set, defaulting to gemini-1.5-flash")
	}

	slog.Info("Initializing Gemini client", slog.String("model", model))

	return &GeminiClient{
		httpClient: &http.Client{Timeout: 180 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    "https://generativelanguage.googleapis.com/v1beta",
	}, nil
}

// NewGeminiClientWithConfig creates a GeminiClient with explicit configuration.
//
// Description:
//
//	Creates a GeminiClient without reading environment variables. Useful for
//	testing with mock servers or when configuration comes from a source other
//	than environment variables.
func NewGeminiClientWithConfig(apiKey, model, baseURL string) *GeminiClient {
	return &GeminiClient{
		httpClient: &http.Client{Timeout: 180 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

// geminiRequest is the request payload for the Gemini generateContent API.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent represents a content block in the Gemini API.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart represents a part of a content block.
type geminiPart struct {
	Text string `json:"text,omitempty"`
}

// geminiGenerationConfig controls generation behavior.
type geminiGenerationConfig struct {
	Temperature      *float32 `json:"temperature,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
}

// geminiResponse is the response from the Gemini generateContent API.
type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
	Error      *geminiError      `json:"error,omitempty"`
}

// geminiCandidate represents a candidate response.
type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

// geminiError represents an API error.
type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Generate implements Generator using the Gemini generateContent API.
func (g *GeminiClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	model := g.model
	if params.ModelOverride != "" {
		model = params.ModelOverride
	}

	reqPayload := g.buildRequest(prompt, params)

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return "", fmt.Errorf("gemini: marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("gemini: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	slog.Debug("Sending request to Gemini",
		slog.String("model", model),
		slog.Int("prompt_len", len(prompt)),
	)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("gemini: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gemini: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini: API returned status %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", fmt.Errorf("gemini: parsing response JSON: %w", err)
	}

	if apiResp.Error != nil {
		return "", fmt.Errorf("gemini: API error [%d] %s: %s",
			apiResp.Error.Code, apiResp.Error.Status, SafeLogString(apiResp.Error.Message))
	}

	if len(apiResp.Candidates) == 0 {
		return "", fmt.Errorf("gemini: returned no candidates")
	}

	var textParts []string
	for _, part := range apiResp.Candidates[0].Content.Parts {
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
	}

	result := strings.Join(textParts, "")
	if result == "" {
		return "", fmt.Errorf("gemini: returned empty text content")
	}

	slog.Debug("Received Gemini response",
		slog.String("model", model),
		slog.Int("response_len", len(result)),
	)

	return result, nil
}

// buildRequest assembles the generateContent payload from params.
func (g *GeminiClient) buildRequest(prompt string, params GenerationParams) geminiRequest {
	req := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
	}

	if params.SystemInstruction != "" {
		req.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: params.SystemInstruction}},
		}
	}

	cfg := &geminiGenerationConfig{}
	hasConfig := false
	if params.Temperature >= 0 {
		temp := float32(params.Temperature)
		cfg.Temperature = &temp
		hasConfig = true
	}
	if params.MaxOutputTokens > 0 {
		maxTok := params.MaxOutputTokens
		cfg.MaxOutputTokens = &maxTok
		hasConfig = true
	}
	if params.ResponseMIMEType != "" {
		cfg.ResponseMIMEType = params.ResponseMIMEType
		hasConfig = true
	}
	if hasConfig {
		req.GenerationConfig = cfg
	}

	return req
}
