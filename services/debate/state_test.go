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
	"encoding/json"
	"strings"
	"testing"
)

func TestLabValue_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		data string
		want LabValue
	}{
		{
			name: "structured form",
			data: `{"value": 8.2, "unit": "g/dL", "status": "low"}`,
			want: LabValue{Value: 8.2, Unit: "g/dL", Status: "low"},
		},
		{
			name: "bare string",
			data: `"8.2 g/dL (low)"`,
			want: LabValue{Display: "8.2 g/dL (low)"},
		},
		{
			name: "bare number",
			data: `8.2`,
			want: LabValue{Value: 8.2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lv LabValue
			if err := json.Unmarshal([]byte(tt.data), &lv); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if lv != tt.want {
				t.Errorf("got %+v, want %+v", lv, tt.want)
			}
		})
	}
}

func TestDebateRound_UnmarshalLegacyNames(t *testing.T) {
	var r DebateRound
	data := `{"challenge": "Why not TB?", "response": "The negative IGRA argues against it."}`
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.UserChallenge != "Why not TB?" {
		t.Errorf("user challenge = %q", r.UserChallenge)
	}
	if r.AIResponse != "The negative IGRA argues against it." {
		t.Errorf("ai response = %q", r.AIResponse)
	}

	// Canonical names win when both are present.
	data = `{"user_challenge": "canonical", "challenge": "legacy"}`
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.UserChallenge != "canonical" {
		t.Errorf("user challenge = %q, want canonical", r.UserChallenge)
	}
}

func TestClinicalStateSummary(t *testing.T) {
	state := &ClinicalState{
		PatientHistory: "42yo male with fatigue and pallor",
		LabValues: map[string]LabValue{
			"Hemoglobin": {Value: 8.2, Unit: "g/dL", Status: "low"},
			"Ferritin":   {Display: "250 ng/mL (high)"},
		},
		Differential: []Diagnosis{
			{Name: "Anemia of chronic disease", Probability: "high"},
			{Name: "Iron deficiency anemia", Probability: "low"},
		},
		KeyFindings:      []string{"microcytosis", "elevated ferritin"},
		RuledOut:         []string{"Thalassemia"},
		DebateRound:      3,
		ImageContext:     "Chest X-ray: no infiltrate",
		EpisodeSummaries: []string{"older episode", "newer episode"},
	}

	summary := state.Summary()

	for _, want := range []string{
		"=== Clinical State (Round 3) ===",
		"Patient: 42yo male with fatigue and pallor",
		"Labs:",
		"  Ferritin: 250 ng/mL (high)",
		"  Hemoglobin: 8.2 g/dL (low)",
		"Medical Image Analysis:\nChest X-ray: no infiltrate",
		"Current Differential:",
		"  1. Anemia of chronic disease [high]",
		"  2. Iron deficiency anemia [low]",
		"Key Findings: microcytosis; elevated ferritin",
		"Ruled Out: Thalassemia",
		"Previous Debate Episodes:",
	} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}

	// Most recent episode listed first.
	newer := strings.Index(summary, "  - newer episode")
	older := strings.Index(summary, "  - older episode")
	if newer < 0 || older < 0 || newer > older {
		t.Errorf("episode order wrong (newer at %d, older at %d):\n%s", newer, older, summary)
	}
}

func TestClinicalStateSummary_Bounded(t *testing.T) {
	state := &ClinicalState{
		PatientHistory: strings.Repeat("h", 2000),
		KeyFindings:    []string{"f1", "f2", "f3", "f4", "f5", "f6", "f7"},
	}
	summary := state.Summary()
	if strings.Contains(summary, strings.Repeat("h", summaryHistoryChars+1)) {
		t.Error("patient history not truncated")
	}
	if strings.Contains(summary, "f1") || strings.Contains(summary, "f2") {
		t.Error("old key findings should be dropped, only the last 5 kept")
	}
	if !strings.Contains(summary, "f3; f4; f5; f6; f7") {
		t.Errorf("summary missing recent findings:\n%s", summary)
	}
}

func TestNormalizeDiagnosis(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want Diagnosis
	}{
		{
			name: "canonical fields",
			raw: map[string]any{
				"name":                "TB",
				"probability":         "high",
				"supporting_evidence": []any{"night sweats"},
				"against_evidence":    []any{"negative IGRA"},
				"suggested_tests":     []any{"sputum AFB"},
			},
			want: Diagnosis{
				Name:               "TB",
				Probability:        "high",
				SupportingEvidence: []string{"night sweats"},
				AgainstEvidence:    []string{"negative IGRA"},
				SuggestedTests:     []string{"sputum AFB"},
			},
		},
		{
			name: "drifted field names",
			raw: map[string]any{
				"diagnosis":  "Sarcoidosis",
				"likelihood": "LOW",
				"evidence_for": []any{
					"hilar adenopathy",
				},
			},
			want: Diagnosis{
				Name:               "Sarcoidosis",
				Probability:        "low",
				SupportingEvidence: []string{"hilar adenopathy"},
				AgainstEvidence:    []string{},
				SuggestedTests:     []string{},
			},
		},
		{
			name: "unknown probability defaults to medium",
			raw:  map[string]any{"name": "Lymphoma", "probability": "possible"},
			want: Diagnosis{
				Name:               "Lymphoma",
				Probability:        "medium",
				SupportingEvidence: []string{},
				AgainstEvidence:    []string{},
				SuggestedTests:     []string{},
			},
		},
		{
			name: "scalar evidence becomes a slice",
			raw:  map[string]any{"name": "PE", "probability": "low", "supporting_evidence": "pleuritic pain"},
			want: Diagnosis{
				Name:               "PE",
				Probability:        "low",
				SupportingEvidence: []string{"pleuritic pain"},
				AgainstEvidence:    []string{},
				SuggestedTests:     []string{},
			},
		},
		{
			name: "nameless entry",
			raw:  map[string]any{"probability": "high"},
			want: Diagnosis{
				Name:               "Unknown",
				Probability:        "high",
				SupportingEvidence: []string{},
				AgainstEvidence:    []string{},
				SuggestedTests:     []string{},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeDiagnosis(tt.raw)
			if got.Name != tt.want.Name || got.Probability != tt.want.Probability {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if len(got.SupportingEvidence) != len(tt.want.SupportingEvidence) {
				t.Errorf("supporting evidence = %v, want %v", got.SupportingEvidence, tt.want.SupportingEvidence)
			}
		})
	}
}

func TestNormalizeDifferential(t *testing.T) {
	raw := []any{
		map[string]any{"name": "TB", "probability": "high"},
		"not an object",
		map[string]any{"diagnosis": "Lymphoma"},
	}
	got := NormalizeDifferential(raw)
	if len(got) != 2 {
		t.Fatalf("count = %d, want 2 (non-objects skipped): %+v", len(got), got)
	}
	if got[0].Name != "TB" || got[1].Name != "Lymphoma" {
		t.Errorf("names = %q, %q", got[0].Name, got[1].Name)
	}
	if NormalizeDifferential("not a list") != nil {
		t.Error("non-list input should yield nil")
	}
}

func TestNormalizeRuledOut(t *testing.T) {
	raw := []any{
		"Thalassemia",
		map[string]any{"diagnosis": "Lead poisoning", "reason": "no exposure"},
		map[string]any{"name": "Myelodysplasia"},
	}
	got := NormalizeRuledOut(raw)
	want := []string{"Thalassemia", "Lead poisoning", "Myelodysplasia"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}
