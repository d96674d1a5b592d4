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
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/weekijie/sturgeon/services/llm"
)

type generateCall struct {
	prompt string
	params llm.GenerationParams
}

// fakeGenerator replays scripted responses in call order. A non-nil err
// fails every call.
type fakeGenerator struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     []generateCall
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string, params llm.GenerationParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.calls)
	g.calls = append(g.calls, generateCall{prompt, params})
	if g.err != nil {
		return "", g.err
	}
	if i < len(g.responses) {
		return g.responses[i], nil
	}
	return "", errors.New("no scripted response for call")
}

type specialistCall struct {
	question        string
	clinicalContext string
}

// fakeSpecialist answers with response on every call, unless errs scripts a
// per-call failure or err fails every call. block holds each call open until
// its context is cancelled, which exercises the deadline path.
type fakeSpecialist struct {
	mu       sync.Mutex
	response string
	errs     []error
	err      error
	block    bool
	calls    []specialistCall
}

func (s *fakeSpecialist) Query(ctx context.Context, question, clinicalContext string) (string, error) {
	s.mu.Lock()
	i := len(s.calls)
	s.calls = append(s.calls, specialistCall{question, clinicalContext})
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	return s.response, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SpecialistTimeoutSeconds = 5
	return cfg
}

const synthesisJSON = `{
  "ai_response": "The elevated ferritin argues for anemia of chronic disease (NCCN Guidelines, 2024).",
  "updated_differential": [
    {"name": "Anemia of chronic disease", "probability": "high", "supporting_evidence": ["elevated ferritin"]},
    {"name": "Iron deficiency anemia", "probability": "low", "supporting_evidence": [], "against_evidence": ["elevated ferritin"]}
  ],
  "suggested_test": "soluble transferrin receptor",
  "medgemma_query": "Does the ferritin level exclude iron deficiency?",
  "key_findings_update": ["ferritin elevated"],
  "newly_ruled_out": ["Thalassemia"]
}`

func TestProcessTurn_OrchestratedPath(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"Does the ferritin level exclude iron deficiency?", synthesisJSON}}
	spec := &fakeSpecialist{response: "Ferritin above 100 makes iron deficiency unlikely."}
	o := NewOrchestrator(testConfig(), gen, spec, nil)

	state := &ClinicalState{
		PatientHistory: "42yo male with fatigue",
		LabValues:      map[string]LabValue{"Ferritin": {Value: 250, Unit: "ng/mL", Status: "high"}},
	}
	result := o.ProcessTurn(context.Background(), "Why not iron deficiency?", state, nil, "")

	if state.DebateRound != 1 {
		t.Errorf("round = %d, want 1", state.DebateRound)
	}
	if !result.Orchestrated {
		t.Error("orchestrated flag not set")
	}
	if !strings.Contains(result.AIResponse, "anemia of chronic disease") {
		t.Errorf("ai_response = %q", result.AIResponse)
	}
	if result.SuggestedTest != "soluble transferrin receptor" {
		t.Errorf("suggested_test = %q", result.SuggestedTest)
	}
	if result.MedGemmaQuery != "Does the ferritin level exclude iron deficiency?" {
		t.Errorf("medgemma_query = %q", result.MedGemmaQuery)
	}
	if len(result.Citations) != 1 || result.Citations[0].Source != "NCCN" {
		t.Errorf("citations = %+v", result.Citations)
	}
	if !result.HasGuidelines {
		t.Error("has_guidelines should be set when a citation was found")
	}
	if result.RAGUsed {
		t.Error("rag_used should be false without retrieved context")
	}
	if result.Hallucination != nil {
		t.Errorf("hallucination = %+v, want nil", result.Hallucination)
	}

	// State updates: differential replaced, findings and ruled-out appended.
	if len(state.Differential) != 2 || state.Differential[0].Name != "Anemia of chronic disease" {
		t.Errorf("differential = %+v", state.Differential)
	}
	if len(state.KeyFindings) != 1 || state.KeyFindings[0] != "ferritin elevated" {
		t.Errorf("key findings = %v", state.KeyFindings)
	}
	if len(state.RuledOut) != 1 || state.RuledOut[0] != "Thalassemia" {
		t.Errorf("ruled out = %v", state.RuledOut)
	}

	// The specialist receives the formulated question plus the state summary.
	if len(spec.calls) != 1 {
		t.Fatalf("specialist called %d times, want 1", len(spec.calls))
	}
	if spec.calls[0].question != "Does the ferritin level exclude iron deficiency?" {
		t.Errorf("specialist question = %q", spec.calls[0].question)
	}
	if !strings.Contains(spec.calls[0].clinicalContext, "Clinical State") {
		t.Errorf("specialist context = %q", spec.calls[0].clinicalContext)
	}

	// Synthesis requests raw JSON output; formulation does not.
	if len(gen.calls) != 2 {
		t.Fatalf("generator called %d times, want 2", len(gen.calls))
	}
	if gen.calls[0].params.ResponseMIMEType != "" {
		t.Error("formulation should not request a response MIME type")
	}
	if gen.calls[1].params.ResponseMIMEType != "application/json" {
		t.Error("synthesis should request application/json")
	}
}

func TestProcessTurn_SpecialistTimeoutYieldsGuidance(t *testing.T) {
	question := "Does the ferritin level exclude iron deficiency?"
	gen := &fakeGenerator{responses: []string{question}}
	spec := &fakeSpecialist{block: true}
	cfg := testConfig()
	cfg.SpecialistTimeoutSeconds = 1
	o := NewOrchestrator(cfg, gen, spec, nil)

	state := &ClinicalState{LabValues: map[string]LabValue{}}
	result := o.ProcessTurn(context.Background(), "Why not iron deficiency?", state, nil, "")

	if state.DebateRound != 1 {
		t.Errorf("round = %d, want exactly 1 increment", state.DebateRound)
	}
	if !result.Orchestrated {
		t.Error("guidance turn still counts as orchestrated")
	}
	if !strings.Contains(result.AIResponse, question) {
		t.Errorf("guidance should reference the original question:\n%s", result.AIResponse)
	}
	if !strings.Contains(result.AIResponse, "taking longer than expected") {
		t.Errorf("guidance text missing:\n%s", result.AIResponse)
	}
	if !strings.Contains(result.AIResponse, "Try breaking") {
		t.Errorf("guidance recommendations missing:\n%s", result.AIResponse)
	}
	if result.MedGemmaQuery != question {
		t.Errorf("medgemma_query = %q", result.MedGemmaQuery)
	}
	// Synthesis is skipped; only the formulation call reached the manager.
	if len(gen.calls) != 1 {
		t.Errorf("generator called %d times, want 1", len(gen.calls))
	}
}

func TestProcessTurn_SpecialistErrorFallsBackToSpecialistOnly(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"Does the ferritin level exclude iron deficiency?"}}
	spec := &fakeSpecialist{
		errs:     []error{errors.New("backend unreachable")},
		response: `{"ai_response": "Direct specialist reply.", "updated_differential": []}`,
	}
	o := NewOrchestrator(testConfig(), gen, spec, nil)

	state := &ClinicalState{LabValues: map[string]LabValue{}}
	result := o.ProcessTurn(context.Background(), "Why not iron deficiency?", state, nil, "")

	if state.DebateRound != 1 {
		t.Errorf("round = %d, want exactly 1 increment", state.DebateRound)
	}
	if result.Orchestrated {
		t.Error("fallback turn must not report as orchestrated")
	}
	if result.AIResponse != "Direct specialist reply." {
		t.Errorf("ai_response = %q", result.AIResponse)
	}
	if strings.Contains(result.AIResponse, "taking longer than expected") {
		t.Error("a specialist error must not produce the timeout guidance text")
	}
	if len(spec.calls) != 2 {
		t.Fatalf("specialist called %d times, want formulated question then fallback", len(spec.calls))
	}
	if !strings.Contains(spec.calls[1].question, "diagnostic debate") {
		t.Errorf("fallback prompt should carry the full case:\n%s", spec.calls[1].question)
	}
}

func TestProcessTurn_SpecialistErrorTwiceIsTotalFailure(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"Does the ferritin level exclude iron deficiency?"}}
	spec := &fakeSpecialist{err: errors.New("backend unreachable")}
	o := NewOrchestrator(testConfig(), gen, spec, nil)

	state := &ClinicalState{LabValues: map[string]LabValue{}}
	result := o.ProcessTurn(context.Background(), "Why not iron deficiency?", state, nil, "")

	if state.DebateRound != 1 {
		t.Errorf("round = %d, want exactly 1 increment", state.DebateRound)
	}
	if result.AIResponse != totalFailureResponse {
		t.Errorf("ai_response = %q", result.AIResponse)
	}
	if len(spec.calls) != 2 {
		t.Errorf("specialist called %d times, want 2", len(spec.calls))
	}
}

func TestProcessTurn_FallsBackToSpecialistOnly(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("quota exceeded")}
	spec := &fakeSpecialist{response: `{"ai_response": "Direct specialist reply.", "updated_differential": []}`}
	o := NewOrchestrator(testConfig(), gen, spec, nil)

	state := &ClinicalState{LabValues: map[string]LabValue{}}
	result := o.ProcessTurn(context.Background(), "Why not iron deficiency?", state, nil, "")

	if state.DebateRound != 1 {
		t.Errorf("round = %d, want 1", state.DebateRound)
	}
	if result.Orchestrated {
		t.Error("fallback turn must not report as orchestrated")
	}
	if result.AIResponse != "Direct specialist reply." {
		t.Errorf("ai_response = %q", result.AIResponse)
	}
	if len(spec.calls) != 1 {
		t.Fatalf("specialist called %d times, want 1", len(spec.calls))
	}
	if !strings.Contains(spec.calls[0].question, "diagnostic debate") {
		t.Errorf("fallback prompt should carry the full case:\n%s", spec.calls[0].question)
	}
	if spec.calls[0].clinicalContext != "" {
		t.Errorf("fallback call embeds the case in the prompt, context = %q", spec.calls[0].clinicalContext)
	}
}

func TestProcessTurn_TotalFailure(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("quota exceeded")}
	spec := &fakeSpecialist{response: ""}
	o := NewOrchestrator(testConfig(), gen, spec, nil)

	state := &ClinicalState{LabValues: map[string]LabValue{}}
	result := o.ProcessTurn(context.Background(), "Why not iron deficiency?", state, nil, "")

	if state.DebateRound != 1 {
		t.Errorf("round = %d, want 1", state.DebateRound)
	}
	if result.AIResponse != totalFailureResponse {
		t.Errorf("ai_response = %q", result.AIResponse)
	}
	if result.UpdatedDifferential == nil || result.Citations == nil {
		t.Error("failed turn must still return a well-formed result")
	}
}

func TestProcessTurn_EpisodeSummaryTiming(t *testing.T) {
	simpleSynthesis := `{"ai_response": "Noted.", "updated_differential": []}`

	t.Run("below interval", func(t *testing.T) {
		gen := &fakeGenerator{responses: []string{"question", simpleSynthesis, "unused digest"}}
		spec := &fakeSpecialist{response: "analysis"}
		o := NewOrchestrator(testConfig(), gen, spec, NewEpisodeSummarizer(gen, 4))

		state := &ClinicalState{LabValues: map[string]LabValue{}, DebateRound: 3}
		o.ProcessTurn(context.Background(), "challenge", state, makeRounds(4), "")

		if len(state.EpisodeSummaries) != 0 {
			t.Errorf("summaries = %v, want none at round 4", state.EpisodeSummaries)
		}
		if state.LastEpisodeRound != 0 {
			t.Errorf("last episode round = %d, want 0", state.LastEpisodeRound)
		}
	})

	t.Run("at interval", func(t *testing.T) {
		gen := &fakeGenerator{responses: []string{"question", simpleSynthesis, "The first five rounds settled the anemia workup."}}
		spec := &fakeSpecialist{response: "analysis"}
		o := NewOrchestrator(testConfig(), gen, spec, NewEpisodeSummarizer(gen, 4))

		state := &ClinicalState{LabValues: map[string]LabValue{}, DebateRound: 4}
		o.ProcessTurn(context.Background(), "challenge", state, makeRounds(5), "")

		if len(state.EpisodeSummaries) != 1 {
			t.Fatalf("summaries = %v, want 1 at round 5", state.EpisodeSummaries)
		}
		if state.EpisodeSummaries[0] != "The first five rounds settled the anemia workup." {
			t.Errorf("summary = %q", state.EpisodeSummaries[0])
		}
		if state.LastEpisodeRound != 5 {
			t.Errorf("last episode round = %d, want 5", state.LastEpisodeRound)
		}
	})

	t.Run("too little history", func(t *testing.T) {
		gen := &fakeGenerator{responses: []string{"question", simpleSynthesis, "unused digest"}}
		spec := &fakeSpecialist{response: "analysis"}
		o := NewOrchestrator(testConfig(), gen, spec, NewEpisodeSummarizer(gen, 4))

		state := &ClinicalState{LabValues: map[string]LabValue{}, DebateRound: 4}
		o.ProcessTurn(context.Background(), "challenge", state, makeRounds(3), "")

		if len(state.EpisodeSummaries) != 0 {
			t.Errorf("summaries = %v, want none with only 3 history rounds", state.EpisodeSummaries)
		}
	})
}

func TestProcessTurn_HallucinationLogged(t *testing.T) {
	hallucinated := `{"ai_response": "The ferritin of 12 ng/mL confirms iron deficiency.", "updated_differential": []}`
	gen := &fakeGenerator{responses: []string{"question", hallucinated}}
	spec := &fakeSpecialist{response: "analysis"}
	o := NewOrchestrator(testConfig(), gen, spec, nil)

	state := &ClinicalState{
		LabValues: map[string]LabValue{"Hemoglobin": {Value: 8.2, Unit: "g/dL", Status: "low"}},
	}
	result := o.ProcessTurn(context.Background(), "challenge", state, nil, "")

	if result.Hallucination == nil {
		t.Fatal("hallucination result not attached")
	}
	if !result.Hallucination.HasHallucination || len(result.Hallucination.Warnings) == 0 {
		t.Errorf("validation = %+v", result.Hallucination)
	}
	// Log policy returns the response unchanged.
	if !strings.Contains(result.AIResponse, "12 ng/mL") {
		t.Errorf("ai_response should be unchanged under the log policy: %q", result.AIResponse)
	}
	if len(gen.calls) != 2 {
		t.Errorf("generator called %d times, want 2 (no reprompt)", len(gen.calls))
	}
}

func TestProcessTurn_HallucinationReprompt(t *testing.T) {
	hallucinated := `{"ai_response": "The ferritin of 12 ng/mL confirms iron deficiency.", "updated_differential": []}`
	corrected := `{"ai_response": "The microcytosis is suggestive, though no ferritin result is available yet.", "updated_differential": []}`
	gen := &fakeGenerator{responses: []string{"question", hallucinated, corrected}}
	spec := &fakeSpecialist{response: "analysis"}

	cfg := testConfig()
	cfg.OnHallucination = PolicyReprompt
	o := NewOrchestrator(cfg, gen, spec, nil)

	state := &ClinicalState{
		LabValues: map[string]LabValue{"Hemoglobin": {Value: 8.2, Unit: "g/dL", Status: "low"}},
	}
	result := o.ProcessTurn(context.Background(), "challenge", state, nil, "")

	if len(gen.calls) != 3 {
		t.Fatalf("generator called %d times, want 3 (formulate, synthesize, reprompt)", len(gen.calls))
	}
	if !strings.Contains(gen.calls[2].prompt, "CORRECTION") {
		t.Errorf("reprompt missing correction instruction:\n%s", gen.calls[2].prompt)
	}
	if strings.Contains(result.AIResponse, "12 ng/mL") {
		t.Errorf("ai_response still carries the fabricated value: %q", result.AIResponse)
	}
	if result.Hallucination != nil {
		t.Errorf("corrected response should validate clean, got %+v", result.Hallucination)
	}
}

func TestProcessTurn_RAGUsed(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"question", `{"ai_response": "Per the retrieved guidance.", "updated_differential": []}`}}
	spec := &fakeSpecialist{response: "analysis"}
	o := NewOrchestrator(testConfig(), gen, spec, nil)

	state := &ClinicalState{LabValues: map[string]LabValue{}}
	result := o.ProcessTurn(context.Background(), "challenge", state, nil, "[RETRIEVED CLINICAL GUIDELINES - START] ... [RETRIEVED CLINICAL GUIDELINES - END]")

	if !result.RAGUsed {
		t.Error("rag_used should be set when retrieved context was supplied")
	}
	if !strings.Contains(gen.calls[1].prompt, "RETRIEVED EVIDENCE-BASED GUIDELINES") {
		t.Error("synthesis prompt should embed the retrieved section")
	}
}

func TestGenerateDifferential(t *testing.T) {
	spec := &fakeSpecialist{response: `{
  "diagnoses": [
    {"name": "Iron deficiency anemia", "probability": "high", "supporting_evidence": ["microcytosis"]},
    {"name": "Thalassemia trait", "probability": "low"}
  ]
}`}
	o := NewOrchestrator(testConfig(), &fakeGenerator{}, spec, nil)

	diagnoses, err := o.GenerateDifferential(context.Background(), "42yo male with fatigue", map[string]LabValue{
		"Hemoglobin": {Value: 8.2, Unit: "g/dL", Status: "low"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diagnoses) != 2 {
		t.Fatalf("diagnoses = %+v", diagnoses)
	}
	if diagnoses[0].Name != "Iron deficiency anemia" || diagnoses[0].Probability != "high" {
		t.Errorf("first diagnosis = %+v", diagnoses[0])
	}
	if !strings.Contains(spec.calls[0].question, "Hemoglobin: 8.2 g/dL (low)") {
		t.Errorf("prompt missing formatted labs:\n%s", spec.calls[0].question)
	}
}

func TestGenerateDifferential_RepairsBrokenListStructure(t *testing.T) {
	spec := &fakeSpecialist{response: `Here is the differential: {"diagnoses": [{"name": "Iron deficiency anemia", "probability": "high"} {"name": "Thalassemia trait", "probability": "low"}]}`}
	o := NewOrchestrator(testConfig(), &fakeGenerator{}, spec, nil)

	diagnoses, err := o.GenerateDifferential(context.Background(), "42yo male with fatigue", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diagnoses) != 2 {
		t.Fatalf("diagnoses = %+v", diagnoses)
	}
	if diagnoses[1].Name != "Thalassemia trait" {
		t.Errorf("second diagnosis = %+v", diagnoses[1])
	}
}

func TestGenerateDifferential_NoDiagnoses(t *testing.T) {
	spec := &fakeSpecialist{response: `{"diagnoses": []}`}
	o := NewOrchestrator(testConfig(), &fakeGenerator{}, spec, nil)
	if _, err := o.GenerateDifferential(context.Background(), "history", nil); err == nil {
		t.Error("expected error for empty differential")
	}
}

func TestGenerateSummary(t *testing.T) {
	spec := &fakeSpecialist{response: `{
  "final_diagnosis": "Anemia of chronic disease",
  "confidence": "Certain",
  "reasoning_chain": ["elevated ferritin", "chronic inflammation"],
  "ruled_out": ["Iron deficiency anemia"],
  "next_steps": ["treat underlying inflammation"]
}`}
	o := NewOrchestrator(testConfig(), &fakeGenerator{}, spec, nil)

	summary, err := o.GenerateSummary(context.Background(), "history", nil, nil, makeRounds(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.FinalDiagnosis != "Anemia of chronic disease" {
		t.Errorf("final diagnosis = %q", summary.FinalDiagnosis)
	}
	// Unrecognized confidence normalizes to medium.
	if summary.Confidence != ProbabilityMedium {
		t.Errorf("confidence = %q, want medium", summary.Confidence)
	}
	if len(summary.ReasoningChain) != 2 || len(summary.RuledOut) != 1 || len(summary.NextSteps) != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestGenerateSummary_MissingDiagnosis(t *testing.T) {
	spec := &fakeSpecialist{response: `{"confidence": "high"}`}
	o := NewOrchestrator(testConfig(), &fakeGenerator{}, spec, nil)
	if _, err := o.GenerateSummary(context.Background(), "history", nil, nil, nil); err == nil {
		t.Error("expected error when no final diagnosis came back")
	}
}
