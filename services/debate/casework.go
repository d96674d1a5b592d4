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
	"strings"
)

// SummaryResult is the final case digest produced when a debate concludes.
type SummaryResult struct {
	FinalDiagnosis string   `json:"final_diagnosis"`
	Confidence     string   `json:"confidence"`
	ReasoningChain []string `json:"reasoning_chain"`
	RuledOut       []string `json:"ruled_out"`
	NextSteps      []string `json:"next_steps"`
}

// formatLabValues renders lab values for a specialist prompt.
func formatLabValues(labs map[string]LabValue) string {
	if len(labs) == 0 {
		return "No lab values provided"
	}
	lines := make([]string, 0, len(labs))
	for _, name := range sortedLabNames(labs) {
		lv := labs[name]
		if lv.Display != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", name, lv.Display))
			continue
		}
		status := lv.Status
		if status == "" {
			status = "normal"
		}
		lines = append(lines, fmt.Sprintf("- %s: %g %s (%s)", name, lv.Value, lv.Unit, status))
	}
	return strings.Join(lines, "\n")
}

func formatDifferential(diagnoses []Diagnosis) string {
	if len(diagnoses) == 0 {
		return "No differential yet"
	}
	lines := make([]string, 0, len(diagnoses))
	for i, dx := range diagnoses {
		lines = append(lines, fmt.Sprintf("%d. %s (probability: %s)", i+1, dx.Name, dx.Probability))
	}
	return strings.Join(lines, "\n")
}

func formatRounds(rounds []DebateRound) string {
	if len(rounds) == 0 {
		return "No previous rounds"
	}
	lines := make([]string, 0, len(rounds))
	for i, r := range rounds {
		lines = append(lines, fmt.Sprintf("Round %d:\nUser: %s\nAI: %s", i+1, r.UserChallenge, r.AIResponse))
	}
	return strings.Join(lines, "\n\n")
}

// LabExtraction is the structured result of parsing a free-text lab report.
type LabExtraction struct {
	LabValues      map[string]LabValue `json:"lab_values"`
	AbnormalValues []string            `json:"abnormal_values"`
}

// ExtractLabs asks the specialist to pull structured lab values out of
// free-text report content.
func (o *Orchestrator) ExtractLabs(ctx context.Context, labReportText string) (LabExtraction, error) {
	prompt := buildExtractLabsPrompt(labReportText)

	answer, timedOut, err := o.callSpecialist(ctx, prompt, "")
	if err != nil {
		return LabExtraction{}, fmt.Errorf("lab extraction: %w", err)
	}
	if timedOut {
		return LabExtraction{}, fmt.Errorf("lab extraction: specialist unavailable")
	}

	fields, outcome := ExtractStructured(answer)
	RecordRepairOutcome(outcome)

	extraction := LabExtraction{
		LabValues:      NormalizeLabValues(fields["lab_values"]),
		AbnormalValues: stringSlice(fields, "abnormal_values"),
	}
	if len(extraction.LabValues) == 0 {
		return LabExtraction{}, fmt.Errorf("lab extraction: no lab values in response")
	}
	if extraction.AbnormalValues == nil {
		extraction.AbnormalValues = []string{}
	}
	return extraction, nil
}

// GenerateDifferential asks the specialist for an initial 3-4 diagnosis
// differential from the case description alone.
func (o *Orchestrator) GenerateDifferential(ctx context.Context, patientHistory string, labs map[string]LabValue) ([]Diagnosis, error) {
	prompt := buildDifferentialPrompt(patientHistory, formatLabValues(labs))

	answer, timedOut, err := o.callSpecialist(ctx, prompt, "")
	if err != nil {
		return nil, fmt.Errorf("differential: %w", err)
	}
	if timedOut {
		return nil, fmt.Errorf("differential: specialist unavailable")
	}

	fields, outcome := ExtractStructured(answer)
	RecordRepairOutcome(outcome)

	diagnoses := NormalizeDifferential(fields["diagnoses"])
	if len(diagnoses) == 0 {
		return nil, fmt.Errorf("differential: no diagnoses in response")
	}
	return diagnoses, nil
}

// GenerateSummary asks the specialist for a final case summary after the
// debate concludes.
func (o *Orchestrator) GenerateSummary(ctx context.Context, patientHistory string, labs map[string]LabValue, finalDifferential []Diagnosis, rounds []DebateRound) (SummaryResult, error) {
	prompt := buildSummaryPrompt(patientHistory, formatLabValues(labs), formatDifferential(finalDifferential), formatRounds(rounds))

	answer, timedOut, err := o.callSpecialist(ctx, prompt, "")
	if err != nil {
		return SummaryResult{}, fmt.Errorf("summary: %w", err)
	}
	if timedOut {
		return SummaryResult{}, fmt.Errorf("summary: specialist unavailable")
	}

	fields, outcome := ExtractStructured(answer)
	RecordRepairOutcome(outcome)

	result := SummaryResult{
		FinalDiagnosis: firstString(fields, "final_diagnosis", "diagnosis"),
		Confidence:     strings.ToLower(firstString(fields, "confidence")),
		ReasoningChain: stringSlice(fields, "reasoning_chain", "reasoning"),
		RuledOut:       NormalizeRuledOut(fields["ruled_out"]),
		NextSteps:      stringSlice(fields, "next_steps", "recommendations"),
	}
	if result.FinalDiagnosis == "" {
		return SummaryResult{}, fmt.Errorf("summary: no final diagnosis in response")
	}
	switch result.Confidence {
	case ProbabilityHigh, ProbabilityMedium, ProbabilityLow:
	default:
		result.Confidence = ProbabilityMedium
	}
	return result, nil
}
