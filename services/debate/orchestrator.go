// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package debate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weekijie/sturgeon/services/llm"
)

const debateTracerName = "sturgeon/debate"

// TurnResult is the structured outcome of one processed debate turn. It is
// always well-formed: internal failures degrade the content, never the shape.
type TurnResult struct {
	AIResponse          string            `json:"ai_response"`
	UpdatedDifferential []Diagnosis       `json:"updated_differential"`
	SuggestedTest       string            `json:"suggested_test,omitempty"`
	MedGemmaQuery       string            `json:"medgemma_query,omitempty"`
	Citations           []Citation        `json:"citations"`
	HasGuidelines       bool              `json:"has_guidelines"`
	Orchestrated        bool              `json:"orchestrated"`
	RAGUsed             bool              `json:"rag_used"`
	Hallucination       *ValidationResult `json:"hallucination,omitempty"`
}

// Orchestrator drives the two-model debate protocol.
//
// Description:
//
//	Each turn runs FORMULATE (conversation manager), SPECIALIST_CALL (hard
//	deadline on a single-worker executor), SYNTHESIZE (conversation manager
//	again), then parse, validate, citation extraction, state update, and an
//	occasional episode summary. Any conversation-manager or specialist-call
//	failure drops the turn onto a specialist-only path; a specialist
//	deadline hit becomes the reply itself. Total failure yields a templated
//	response. ProcessTurn never returns an error.
//
// Thread Safety: Safe for concurrent use across sessions. Turns for the
// same session must be serialized by the caller.
type Orchestrator struct {
	cfg        Config
	manager    llm.Generator
	specialist llm.SpecialistCaller
	summarizer *EpisodeSummarizer

	// specialistGate serializes specialist calls so a hung call cannot
	// starve other turns of the backend.
	specialistGate chan struct{}
}

// NewOrchestrator wires the engine from its collaborators. The summarizer
// may be nil, which disables episode summaries.
func NewOrchestrator(cfg Config, manager llm.Generator, specialist llm.SpecialistCaller, summarizer *EpisodeSummarizer) *Orchestrator {
	return &Orchestrator{
		cfg:            cfg,
		manager:        manager,
		specialist:     specialist,
		summarizer:     summarizer,
		specialistGate: make(chan struct{}, 1),
	}
}

// ProcessTurn runs one debate turn against the session's clinical state.
//
// Description:
//
//	Increments the round counter exactly once, regardless of which path the
//	turn ends up taking, then runs the orchestrated protocol with the
//	specialist-only path as fallback. The returned result is always usable.
//
// Inputs:
//   - ctx: Carries request-scoped values; specialist deadlines are enforced
//     internally and do not extend from it.
//   - challenge: The clinician's message for this turn.
//   - state: The session's clinical state, mutated in place.
//   - history: Prior rounds supplied by the caller, read-only.
//   - retrievedContext: Optional pre-fetched guideline text.
func (o *Orchestrator) ProcessTurn(ctx context.Context, challenge string, state *ClinicalState, history []DebateRound, retrievedContext string) TurnResult {
	start := time.Now()
	state.DebateRound++

	ctx, span := otel.Tracer(debateTracerName).Start(ctx, "debate.Orchestrator.ProcessTurn",
		trace.WithAttributes(
			attribute.Int("debate_round", state.DebateRound),
			attribute.Bool("rag", retrievedContext != ""),
		),
	)
	defer span.End()

	result, err := o.orchestratedTurn(ctx, challenge, state, history, retrievedContext)
	if err == nil {
		o.maybeSummarizeEpisode(ctx, state, history)
		RecordTurn("orchestrated", false, time.Since(start).Seconds())
		return result
	}
	span.RecordError(err)
	slog.Error("orchestrated turn failed, falling back to specialist-only path",
		"round", state.DebateRound, "error", err)

	result, err = o.specialistOnlyTurn(ctx, challenge, state, history)
	if err == nil {
		span.SetAttributes(attribute.String("turn_path", "specialist_only"))
		RecordTurn("specialist_only", true, time.Since(start).Seconds())
		return result
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "both turn paths failed")
	slog.Error("specialist-only fallback failed", "round", state.DebateRound, "error", err)

	RecordTurn("failed", true, time.Since(start).Seconds())
	return TurnResult{
		AIResponse:          totalFailureResponse,
		UpdatedDifferential: []Diagnosis{},
		Citations:           []Citation{},
	}
}

// orchestratedTurn runs the full two-model protocol.
func (o *Orchestrator) orchestratedTurn(ctx context.Context, challenge string, state *ClinicalState, history []DebateRound, retrievedContext string) (TurnResult, error) {
	stateSummary := state.Summary()

	question, err := o.manager.Generate(ctx, buildFormulationPrompt(challenge, stateSummary, history), llm.GenerationParams{
		Temperature:       o.cfg.FormulationTemperature,
		MaxOutputTokens:   o.cfg.FormulationMaxTokens,
		SystemInstruction: orchestratorSystemInstruction,
	})
	if err != nil {
		return TurnResult{}, fmt.Errorf("question formulation: %w", err)
	}
	question = strings.TrimSpace(question)
	slog.Info("formulated specialist question", "round", state.DebateRound, "question", truncate(question, 150))

	analysis, timedOut, err := o.callSpecialist(ctx, question, stateSummary)
	if err != nil {
		return TurnResult{}, fmt.Errorf("specialist call: %w", err)
	}
	if timedOut {
		// The canned guidance text is the reply; the specialist produced
		// nothing worth synthesizing.
		return TurnResult{
			AIResponse:          analysis,
			UpdatedDifferential: []Diagnosis{},
			MedGemmaQuery:       question,
			Citations:           []Citation{},
			Orchestrated:        true,
			RAGUsed:             retrievedContext != "",
		}, nil
	}

	synthesisPrompt := buildSynthesisPrompt(challenge, stateSummary, question, analysis, history, retrievedContext)
	raw, err := o.manager.Generate(ctx, synthesisPrompt, llm.GenerationParams{
		Temperature:       o.cfg.SynthesisTemperature,
		MaxOutputTokens:   o.cfg.SynthesisMaxTokens,
		SystemInstruction: orchestratorSystemInstruction,
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return TurnResult{}, fmt.Errorf("synthesis: %w", err)
	}

	fields, outcome := ExtractStructured(raw)
	RecordRepairOutcome(outcome)

	validation := ValidateDebateResponse(fields, state.LabValues, state.PatientHistory)
	if validation.HasHallucination && o.cfg.OnHallucination == PolicyReprompt {
		RecordHallucination("reprompted")
		fields, validation = o.repromptOnce(ctx, synthesisPrompt, fields, validation, state)
	} else if validation.HasHallucination {
		RecordHallucination("logged")
	}

	result := o.buildResult(fields, question, retrievedContext)
	result.Orchestrated = true
	if validation.HasHallucination {
		result.Hallucination = &validation
	}

	o.applyStateUpdates(state, fields, result.UpdatedDifferential)
	return result, nil
}

// repromptOnce re-runs synthesis with an explicit correction instruction and
// accepts whatever comes back, re-validating for the record only.
func (o *Orchestrator) repromptOnce(ctx context.Context, synthesisPrompt string, original map[string]any, validation ValidationResult, state *ClinicalState) (map[string]any, ValidationResult) {
	correction := synthesisPrompt + fmt.Sprintf(`

CORRECTION: Your previous response mentioned numeric lab values that were not provided in the case data (%s).
Remove or correct those values. Only reference numbers explicitly present in the clinical state above.`,
		strings.Join(validation.Warnings, "; "))

	raw, err := o.manager.Generate(ctx, correction, llm.GenerationParams{
		Temperature:       o.cfg.SynthesisTemperature,
		MaxOutputTokens:   o.cfg.SynthesisMaxTokens,
		SystemInstruction: orchestratorSystemInstruction,
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		slog.Warn("hallucination reprompt failed, keeping original response", "error", err)
		return original, validation
	}
	fields, outcome := ExtractStructured(raw)
	RecordRepairOutcome(outcome)
	return fields, ValidateDebateResponse(fields, state.LabValues, state.PatientHistory)
}

// specialistOnlyTurn is the degraded path: one direct specialist call
// carrying the whole case, parsed and validated by the same pipeline.
func (o *Orchestrator) specialistOnlyTurn(ctx context.Context, challenge string, state *ClinicalState, history []DebateRound) (TurnResult, error) {
	prompt := buildSpecialistOnlyPrompt(state, challenge, history)

	answer, timedOut, err := o.callSpecialist(ctx, prompt, "")
	if err != nil {
		return TurnResult{}, fmt.Errorf("specialist-only turn: %w", err)
	}
	if timedOut {
		return TurnResult{
			AIResponse:          answer,
			UpdatedDifferential: []Diagnosis{},
			Citations:           []Citation{},
		}, nil
	}
	if answer == "" {
		return TurnResult{}, fmt.Errorf("specialist-only turn: empty response")
	}

	fields, outcome := ExtractStructured(answer)
	RecordRepairOutcome(outcome)

	validation := ValidateDebateResponse(fields, state.LabValues, state.PatientHistory)
	if validation.HasHallucination {
		RecordHallucination("logged")
	}

	result := o.buildResult(fields, "", "")
	if validation.HasHallucination {
		result.Hallucination = &validation
	}
	o.applyStateUpdates(state, fields, result.UpdatedDifferential)
	return result, nil
}

// callSpecialist invokes the specialist under the configured hard deadline.
//
// Outputs:
//   - string: The analysis, or canned guidance text when the deadline hit.
//   - bool: Whether the deadline hit. A deadline hit always yields the
//     guidance text with a nil error.
//   - error: A call failure (backend unreachable, bad response). Callers
//     treat this differently from a timeout: errors trigger the fallback
//     path, timeouts become the reply.
func (o *Orchestrator) callSpecialist(ctx context.Context, question, clinicalContext string) (string, bool, error) {
	deadline := o.cfg.SpecialistTimeout()
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case o.specialistGate <- struct{}{}:
	case <-timer.C:
		RecordSpecialistTimeout()
		slog.Warn("specialist executor busy past deadline", "timeout", deadline)
		return timeoutResponse(question), true, nil
	}

	type callResult struct {
		text string
		err  error
	}
	resultCh := make(chan callResult, 1)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadline)
	go func() {
		defer func() { <-o.specialistGate }()
		defer cancel()
		text, err := o.specialist.Query(callCtx, question, clinicalContext)
		resultCh <- callResult{text, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			slog.Warn("specialist call failed", "error", r.err)
			return "", false, r.err
		}
		return r.text, false, nil
	case <-timer.C:
		RecordSpecialistTimeout()
		slog.Warn("specialist call exceeded deadline", "timeout", deadline)
		return timeoutResponse(question), true, nil
	}
}

// buildResult assembles a TurnResult from recovered response fields.
func (o *Orchestrator) buildResult(fields map[string]any, question, retrievedContext string) TurnResult {
	aiResponse := ResponseText(fields)
	if aiResponse == "" {
		aiResponse = "I need more information to respond."
	}

	suggestedTest := ""
	if s, ok := fields["suggested_test"].(string); ok {
		suggestedTest = s
	}

	query := question
	if q, ok := fields["medgemma_query"].(string); ok && q != "" {
		query = q
	}

	_, citations := ExtractCitations(aiResponse)

	return TurnResult{
		AIResponse:          aiResponse,
		UpdatedDifferential: NormalizeDifferential(fields["updated_differential"]),
		SuggestedTest:       suggestedTest,
		MedGemmaQuery:       query,
		Citations:           citations,
		HasGuidelines:       len(citations) > 0,
		RAGUsed:             retrievedContext != "",
	}
}

// applyStateUpdates folds the model's returned updates into clinical state:
// findings and ruled-out entries append, the differential replaces wholesale
// when a non-empty one came back.
func (o *Orchestrator) applyStateUpdates(state *ClinicalState, fields map[string]any, differential []Diagnosis) {
	if fields == nil {
		return
	}
	state.KeyFindings = append(state.KeyFindings, stringSlice(fields, "key_findings_update")...)
	state.RuledOut = append(state.RuledOut, NormalizeRuledOut(fields["newly_ruled_out"])...)
	if len(differential) > 0 {
		state.Differential = differential
	}
}

// maybeSummarizeEpisode compresses the most recent block of rounds once
// enough have accumulated since the last episode.
func (o *Orchestrator) maybeSummarizeEpisode(ctx context.Context, state *ClinicalState, history []DebateRound) {
	if o.summarizer == nil {
		return
	}
	if state.DebateRound-state.LastEpisodeRound < o.cfg.EpisodeInterval {
		return
	}
	if len(history) < o.cfg.MinEpisodeRounds {
		return
	}

	block := history
	if len(block) > o.cfg.EpisodeInterval {
		block = block[len(block)-o.cfg.EpisodeInterval:]
	}
	summary := o.summarizer.Summarize(ctx, block)
	if summary == "" {
		return
	}
	state.EpisodeSummaries = append(state.EpisodeSummaries, summary)
	state.LastEpisodeRound = state.DebateRound
	RecordEpisodeSummary()
	slog.Info("appended episode summary", "round", state.DebateRound, "episodes", len(state.EpisodeSummaries))
}
