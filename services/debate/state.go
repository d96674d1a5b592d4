// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package debate implements the diagnostic-debate orchestration engine: the
// evolving clinical state, the two-phase protocol between the orchestrator
// model and the specialist model, repair of malformed structured output,
// post-response validation, hierarchical episode summarization, and
// timeout/fallback handling.
package debate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Probability levels a diagnosis may carry. Anything else normalizes to
// ProbabilityMedium.
const (
	ProbabilityHigh   = "high"
	ProbabilityMedium = "medium"
	ProbabilityLow    = "low"
)

// LabValue is a single lab result supplied by the caller.
//
// Description:
//
//	Callers usually send {value, unit, status} objects, but legacy clients
//	send bare scalars ("Hemoglobin": "8.2 g/dL"). A scalar is preserved in
//	Display and rendered as-is; structured fields stay zero.
type LabValue struct {
	Value     float64 `json:"value,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	Status    string  `json:"status,omitempty"`
	Reference string  `json:"reference,omitempty"`
	Display   string  `json:"-"`
}

// UnmarshalJSON accepts both the structured form and a bare scalar.
func (lv *LabValue) UnmarshalJSON(data []byte) error {
	type structured LabValue
	var s structured
	if err := json.Unmarshal(data, &s); err == nil && (s.Unit != "" || s.Value != 0 || s.Status != "" || s.Reference != "") {
		*lv = LabValue(s)
		return nil
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("debate: lab value: %w", err)
	}
	switch v := raw.(type) {
	case string:
		lv.Display = v
	case float64:
		lv.Value = v
	case map[string]any:
		// Structured form with unexpected value types; keep what coerces.
		if f, ok := v["value"].(float64); ok {
			lv.Value = f
		}
		if s, ok := v["unit"].(string); ok {
			lv.Unit = s
		}
		if s, ok := v["status"].(string); ok {
			lv.Status = s
		}
		if s, ok := v["reference"].(string); ok {
			lv.Reference = s
		}
	default:
		lv.Display = fmt.Sprintf("%v", raw)
	}
	return nil
}

// Diagnosis is one entry in the differential.
type Diagnosis struct {
	Name               string   `json:"name"`
	Probability        string   `json:"probability"`
	SupportingEvidence []string `json:"supporting_evidence"`
	AgainstEvidence    []string `json:"against_evidence"`
	SuggestedTests     []string `json:"suggested_tests"`
}

// DebateRound is one caller-supplied challenge/response exchange. It is
// read-only to the engine.
type DebateRound struct {
	UserChallenge string `json:"user_challenge"`
	AIResponse    string `json:"ai_response"`
}

// UnmarshalJSON tolerates the legacy field names "challenge" and "response".
func (r *DebateRound) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("debate: round: %w", err)
	}
	r.UserChallenge = firstString(m, "user_challenge", "challenge")
	r.AIResponse = firstString(m, "ai_response", "response")
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// ClinicalState is the structured clinical state that evolves each turn.
//
// Description:
//
//	One state exists per session, owned exclusively by the Orchestrator and
//	mutated only inside ProcessTurn. It keeps prompt size roughly constant
//	regardless of how many debate rounds have occurred: the orchestrator
//	model receives a bounded summary each turn, and blocks of old rounds are
//	compressed into episode summaries.
//
// Invariant: DebateRound >= LastEpisodeRound >= 0. EpisodeSummaries grows
// only when DebateRound-LastEpisodeRound >= the configured episode interval
// and enough prior rounds of history exist.
//
// Thread Safety: Not safe for concurrent use. Callers must serialize turns
// per session; concurrent turns on the same session are undefined.
type ClinicalState struct {
	PatientHistory   string              `json:"patient_history"`
	LabValues        map[string]LabValue `json:"lab_values"`
	Differential     []Diagnosis         `json:"differential"`
	KeyFindings      []string            `json:"key_findings"`
	RuledOut         []string            `json:"ruled_out"`
	DebateRound      int                 `json:"debate_round"`
	ImageContext     string              `json:"image_context"`
	EpisodeSummaries []string            `json:"episode_summaries"`
	LastEpisodeRound int                 `json:"last_episode_round"`
}

// summaryHistoryChars bounds the patient history portion of the state summary.
const summaryHistoryChars = 500

// Summary renders a compact text representation for the orchestrator model's
// context window.
//
// Description:
//
//	Bounded by construction: the patient history is truncated, only the last
//	5 key findings are included, and only the last 3 episode summaries
//	(most recent first).
func (s *ClinicalState) Summary() string {
	history := s.PatientHistory
	if len(history) > summaryHistoryChars {
		history = history[:summaryHistoryChars]
	}

	lines := []string{
		fmt.Sprintf("=== Clinical State (Round %d) ===", s.DebateRound),
		"Patient: " + history,
	}

	if len(s.LabValues) > 0 {
		labs := make([]string, 0, len(s.LabValues))
		for _, name := range sortedLabNames(s.LabValues) {
			lv := s.LabValues[name]
			if lv.Display != "" {
				labs = append(labs, fmt.Sprintf("  %s: %s", name, lv.Display))
				continue
			}
			status := lv.Status
			if status == "" {
				status = "normal"
			}
			labs = append(labs, fmt.Sprintf("  %s: %g %s (%s)", name, lv.Value, lv.Unit, status))
		}
		lines = append(lines, "Labs:\n"+strings.Join(labs, "\n"))
	}

	if s.ImageContext != "" {
		lines = append(lines, "Medical Image Analysis:\n"+s.ImageContext)
	}

	if len(s.Differential) > 0 {
		diff := make([]string, 0, len(s.Differential))
		for i, dx := range s.Differential {
			diff = append(diff, fmt.Sprintf("  %d. %s [%s]", i+1, dx.Name, dx.Probability))
		}
		lines = append(lines, "Current Differential:\n"+strings.Join(diff, "\n"))
	}

	if len(s.KeyFindings) > 0 {
		findings := s.KeyFindings
		if len(findings) > 5 {
			findings = findings[len(findings)-5:]
		}
		lines = append(lines, "Key Findings: "+strings.Join(findings, "; "))
	}

	if len(s.RuledOut) > 0 {
		lines = append(lines, "Ruled Out: "+strings.Join(s.RuledOut, ", "))
	}

	if len(s.EpisodeSummaries) > 0 {
		recent := s.EpisodeSummaries
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		// Most recent episode first.
		episodes := make([]string, 0, len(recent))
		for i := len(recent) - 1; i >= 0; i-- {
			episodes = append(episodes, "  - "+recent[i])
		}
		lines = append(lines, "Previous Debate Episodes:\n"+strings.Join(episodes, "\n"))
	}

	return strings.Join(lines, "\n")
}

// sortedLabNames returns lab names in a stable order so summaries are
// deterministic across runs.
func sortedLabNames(labs map[string]LabValue) []string {
	names := make([]string, 0, len(labs))
	for name := range labs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeDiagnosis converts a loosely-shaped diagnosis object from model
// output into the canonical Diagnosis shape.
//
// Description:
//
//	Models return the same record under drifting field names ("diagnosis"
//	instead of "name", "likelihood" instead of "probability"). Unrecognized
//	probability values default to medium, and scalar evidence fields become
//	single-element slices.
func NormalizeDiagnosis(raw map[string]any) Diagnosis {
	name := firstString(raw, "name", "diagnosis", "diagnosis_name")
	if name == "" {
		name = "Unknown"
	}

	prob := strings.ToLower(firstString(raw, "probability", "likelihood"))
	switch prob {
	case ProbabilityHigh, ProbabilityMedium, ProbabilityLow:
	default:
		prob = ProbabilityMedium
	}

	return Diagnosis{
		Name:               name,
		Probability:        prob,
		SupportingEvidence: stringSlice(raw, "supporting_evidence", "supporting", "evidence_for"),
		AgainstEvidence:    stringSlice(raw, "against_evidence", "against", "evidence_against"),
		SuggestedTests:     stringSlice(raw, "suggested_tests", "tests", "workup"),
	}
}

// NormalizeDifferential converts a raw updated_differential value from model
// output into canonical Diagnosis records, skipping entries that are not
// objects.
func NormalizeDifferential(raw any) []Diagnosis {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]Diagnosis, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, NormalizeDiagnosis(m))
		}
	}
	return out
}

// NormalizeLabValues converts a raw lab_values object from model output
// into canonical LabValue records keyed by test name. Entries that do not
// coerce are skipped.
func NormalizeLabValues(raw any) map[string]LabValue {
	entries, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	labs := make(map[string]LabValue, len(entries))
	for name, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		var lv LabValue
		if err := json.Unmarshal(data, &lv); err != nil {
			continue
		}
		labs[name] = lv
	}
	return labs
}

// stringSlice coerces the first present alternate key to a string slice.
// A bare string becomes a single-element slice.
func stringSlice(m map[string]any, keys ...string) []string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case []any:
			out := make([]string, 0, len(val))
			for _, item := range val {
				if s, ok := item.(string); ok {
					out = append(out, s)
				} else if item != nil {
					out = append(out, fmt.Sprintf("%v", item))
				}
			}
			return out
		case string:
			if val == "" {
				return []string{}
			}
			return []string{val}
		}
	}
	return []string{}
}

// NormalizeRuledOut accepts ruled-out entries that arrive as strings or as
// objects carrying a diagnosis/name field.
func NormalizeRuledOut(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if name := firstString(v, "diagnosis", "name"); name != "" {
				out = append(out, name)
			} else {
				out = append(out, fmt.Sprintf("%v", v))
			}
		default:
			if item != nil {
				out = append(out, fmt.Sprintf("%v", item))
			}
		}
	}
	return out
}
