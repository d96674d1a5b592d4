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
	"regexp"
	"strconv"
	"strings"
	"time"
)

// specialistSystemPrompt frames every specialist request. The specialist has
// no schema obligation; it returns free-text clinical analysis.
const specialistSystemPrompt = "You are a medical specialist AI. Answer the following clinical " +
	"question precisely and concisely. Cite specific evidence from the case when making claims."

const (
	// defaultSpecialistMaxTokens is the initial completion budget. The client
	// shrinks it when the backend reports a context-length overflow.
	defaultSpecialistMaxTokens = 2048

	// compactedContextChars is the context size used on the input-overflow
	// retry. Small enough to fit a 4K context window alongside the question.
	compactedContextChars = 1800

	// maxQuestionChars bounds the formulated question before it is embedded
	// in the prompt. Formulation output is already capped, but the fallback
	// path can pass raw user text here.
	maxQuestionChars = 400
)

// SpecialistClient implements SpecialistCaller against an OpenAI-compatible
// chat-completions endpoint (vLLM serving MedGemma).
//
// Description:
//
//	Single-turn question answering with two recovery behaviors learned from
//	production failures:
//
//	1. Completion-budget overflow: vLLM rejects requests whose max_tokens
//	   exceed the remaining context window. The error message states the
//	   limit, so the client computes a smaller budget and retries once.
//	2. Input overflow: when the prompt itself is too long, the clinical
//	   context is compacted (head+tail truncation) and the request retried
//	   once with a halved budget.
//
// Thread Safety: SpecialistClient is safe for concurrent use.
type SpecialistClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// NewSpecialistClient creates a client for a vLLM chat-completions endpoint.
//
// Inputs:
//   - baseURL: The server base URL (e.g. "http://localhost:6501").
//   - model: The served model identifier (e.g. "google/medgemma-1.5-4b-it").
func NewSpecialistClient(baseURL, model string) *SpecialistClient {
	return &SpecialistClient{
		httpClient: &http.Client{Timeout: 300 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
	}
}

// chatCompletionsRequest is the OpenAI-compatible request payload.
type chatCompletionsRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

// chatCompletionsResponse is the OpenAI-compatible response payload.
type chatCompletionsResponse struct {
	Choices []chatChoice    `json:"choices"`
	Error   *chatAPIError   `json:"error,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

type chatChoice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Query implements SpecialistCaller.
//
// Description:
//
//	Builds the clinical prompt, posts it to the chat-completions endpoint,
//	and applies at most one recovery retry (budget shrink or context
//	compaction). The last backend error is returned if recovery fails.
func (s *SpecialistClient) Query(ctx context.Context, question, clinicalContext string) (string, error) {
	compactContext := clinicalContext
	compactQuestion := TruncateForBudget(question, maxQuestionChars)

	requestedMaxTokens := defaultSpecialistMaxTokens
	lastError := "unknown backend error"
	compactedForInputOverflow := false

	for attempt := 0; attempt < 2; attempt++ {
		content, status, errMsg, err := s.postChat(ctx, compactQuestion, compactContext, requestedMaxTokens)
		if err != nil {
			return "", fmt.Errorf("specialist: %w", err)
		}
		if content != "" {
			return content, nil
		}

		lastError = fmt.Sprintf("%d: %s", status, errMsg)

		if retryMax := inferRetryMaxTokens(errMsg, requestedMaxTokens); retryMax > 0 && attempt == 0 {
			slog.Warn("Specialist query exceeded token budget, retrying",
				slog.Int("requested", requestedMaxTokens),
				slog.Int("retry", retryMax),
			)
			requestedMaxTokens = retryMax
			continue
		}

		if isInputOverflowError(errMsg) && attempt == 0 && !compactedForInputOverflow {
			compactContext = TruncateForBudget(compactContext, compactedContextChars)
			if requestedMaxTokens > 1024 {
				requestedMaxTokens = 1024
			}
			compactedForInputOverflow = true
			slog.Warn("Specialist query input too long, retrying with compacted context")
			continue
		}

		break
	}

	return "", fmt.Errorf("specialist: query failed: %s", SafeLogString(lastError))
}

// postChat performs one chat-completions call.
//
// Outputs:
//   - string: The assistant content on success, empty otherwise.
//   - int: The HTTP status code.
//   - string: The extracted backend error message when content is empty.
//   - error: Non-nil only for transport-level failures.
func (s *SpecialistClient) postChat(ctx context.Context, question, clinicalContext string, maxTokens int) (string, int, string, error) {
	prompt := question
	if clinicalContext != "" {
		prompt = fmt.Sprintf("Clinical Context:\n%s\n\nQuestion:\n%s\n\nProvide a focused, evidence-based analysis.",
			clinicalContext, question)
	}

	payload := chatCompletionsRequest{
		Model: s.model,
		Messages: []Message{
			{Role: "system", Content: specialistSystemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.4,
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", 0, "", fmt.Errorf("marshaling request: %w", err)
	}

	url := s.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", 0, "", fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, "", fmt.Errorf("reading response body: %w", err)
	}

	var apiResp chatCompletionsResponse
	parseErr := json.Unmarshal(bodyBytes, &apiResp)

	if resp.StatusCode == http.StatusOK && parseErr == nil && len(apiResp.Choices) > 0 {
		if content := apiResp.Choices[0].Message.Content; content != "" {
			return content, resp.StatusCode, "", nil
		}
	}

	return "", resp.StatusCode, extractBackendError(&apiResp, parseErr, bodyBytes), nil
}

// extractBackendError pulls a usable message out of a failed response body.
func extractBackendError(apiResp *chatCompletionsResponse, parseErr error, raw []byte) string {
	if parseErr == nil && apiResp != nil {
		if apiResp.Error != nil {
			if apiResp.Error.Message != "" {
				return apiResp.Error.Message
			}
			if apiResp.Error.Type != "" {
				return apiResp.Error.Type
			}
		}
		if len(apiResp.Detail) > 0 {
			return string(apiResp.Detail)
		}
	}
	if len(raw) > 0 {
		if len(raw) > 1000 {
			raw = raw[:1000]
		}
		return string(raw)
	}
	return "unknown backend error"
}

// maxTokensExprPattern matches vLLM's "(requested > limit - input)" form.
var maxTokensExprPattern = regexp.MustCompile(`\((\d+)\s*>\s*(\d+)\s*-\s*(\d+)\)`)

var (
	maxContextLenPattern = regexp.MustCompile(`(?i)maximum context length is\s*(\d+)`)
	inputTokensPattern   = regexp.MustCompile(`(?i)request has\s*(\d+)\s*input tokens`)
)

// inferRetryMaxTokens derives a smaller completion budget from a backend
// max-tokens error message. Returns 0 when no smaller budget can be inferred.
func inferRetryMaxTokens(errMsg string, requested int) int {
	if !strings.Contains(errMsg, "max_tokens") && !strings.Contains(errMsg, "max_completion_tokens") {
		return 0
	}

	var maxLen, inputTokens int
	if m := maxTokensExprPattern.FindStringSubmatch(errMsg); m != nil {
		maxLen, _ = strconv.Atoi(m[2])
		inputTokens, _ = strconv.Atoi(m[3])
	} else {
		lm := maxContextLenPattern.FindStringSubmatch(errMsg)
		im := inputTokensPattern.FindStringSubmatch(errMsg)
		if lm == nil || im == nil {
			return 0
		}
		maxLen, _ = strconv.Atoi(lm[1])
		inputTokens, _ = strconv.Atoi(im[1])
	}

	const safeMargin = 32
	retryMax := maxLen - inputTokens - safeMargin
	if retryMax < 128 {
		retryMax = 128
	}
	if retryMax >= requested {
		return 0
	}
	return retryMax
}

// isInputOverflowError reports whether the backend rejected the prompt itself
// as too long (as opposed to the completion budget).
func isInputOverflowError(errMsg string) bool {
	return strings.Contains(errMsg, "parameter=input_tokens") ||
		(strings.Contains(errMsg, "maximum context length") && strings.Contains(errMsg, "input tokens"))
}

// TruncateForBudget shortens text to maxChars keeping 70% of the head and the
// remaining tail, with an explicit marker at the cut.
func TruncateForBudget(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	head := int(float64(maxChars) * 0.7)
	tail := maxChars - head - 32
	if tail < 0 {
		tail = 0
	}
	return text[:head] + "\n...[truncated for token budget]...\n" + text[len(text)-tail:]
}
