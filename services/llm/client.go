// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides text-generation clients for the two model services
// Sturgeon coordinates: the orchestrator model (Gemini, conversation
// management) and the specialist model (vLLM-hosted MedGemma, clinical
// reasoning). Both are exposed through small generate-style contracts so the
// debate engine never depends on a concrete provider.
//
// Thread Safety:
//
//	All clients in this package are safe for concurrent use.
package llm

import "context"

// Message is a single turn in a chat-style request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams holds provider-agnostic options for a generation request.
//
// Description:
//
//	Covers the options the debate engine actually varies between its two
//	orchestrator calls: temperature, output budget, system instruction, and
//	(Gemini-specific) the response MIME type used to request raw JSON output
//	for the synthesis call. Zero values mean "provider default".
type GenerationParams struct {
	// Temperature controls randomness (0.0-1.0). Negative values omit the
	// field from the request so the provider default applies.
	Temperature float64

	// MaxOutputTokens limits the response length. Zero omits the field.
	MaxOutputTokens int

	// SystemInstruction is the fixed system prompt for this request.
	SystemInstruction string

	// ResponseMIMEType requests a structured output format when the provider
	// supports it (e.g. "application/json" for Gemini). Ignored otherwise.
	ResponseMIMEType string

	// ModelOverride selects a different model for this request only.
	ModelOverride string
}

// Generator is the minimal text-completion contract the debate engine uses
// for the orchestrator model.
//
// Description:
//
//	The orchestrator model is invoked as plain text completion: no tool
//	calling, no streaming. This keeps the interface trivial to fake in tests.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Generator interface {
	// Generate sends a single-turn prompt and returns the response text.
	//
	// Inputs:
	//   - ctx: Context for cancellation and timeout.
	//   - prompt: The full user prompt.
	//   - params: Provider-agnostic generation options.
	//
	// Outputs:
	//   - string: The model's response text.
	//   - error: Non-nil on transport or API failure.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// SpecialistCaller is the contract for the medical-specialist model.
//
// Description:
//
//	The specialist is always called with a focused clinical question plus a
//	compact clinical-context block, and returns free-text analysis with no
//	schema. It may be served by a hosted API or a local model process; the
//	debate engine treats both identically.
//
// Thread Safety: Implementations must be safe for concurrent use.
type SpecialistCaller interface {
	// Query sends a focused clinical question with context and returns the
	// specialist's free-text analysis.
	Query(ctx context.Context, question, clinicalContext string) (string, error)
}
