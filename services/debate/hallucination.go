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
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// valueTolerance is how far a reported value may drift from a provided one
// before it counts as fabricated.
const valueTolerance = 1e-3

// commonLabTests is the vocabulary used to attribute a numeric value to a
// nearby lab test mention.
var commonLabTests = []string{
	"hemoglobin", "hgb", "hb",
	"hematocrit", "hct",
	"wbc", "white blood cell", "leukocyte",
	"platelet", "plt",
	"ferritin",
	"iron", "serum iron",
	"tibc", "total iron binding capacity",
	"transferrin",
	"mcv", "mean corpuscular volume",
	"mch", "mean corpuscular hemoglobin",
	"mchc",
	"rdw",
	"rbc", "red blood cell", "erythrocyte",
	"crp", "c-reactive protein",
	"esr", "erythrocyte sedimentation rate",
	"creatinine", "cr",
	"bun", "blood urea nitrogen",
	"egfr", "gfr",
	"sodium", "na",
	"potassium", "k",
	"chloride", "cl",
	"bicarbonate", "co2",
	"glucose", "blood sugar",
	"hba1c", "a1c",
	"alt", "sgpt",
	"ast", "sgot",
	"alp", "alkaline phosphatase",
	"bilirubin",
	"albumin",
	"total protein",
	"tsh",
	"t3", "t4",
	"troponin",
	"bnp",
	"d-dimer",
	"pt", "inr",
	"ptt",
	"lh", "fsh",
	"testosterone",
	"vitamin d", "25-oh vitamin d",
	"b12", "cobalamin",
	"folate",
}

var labAliases = map[string]string{
	"hgb": "hemoglobin",
	"hb":  "hemoglobin",
	"hct": "hematocrit",
	"plt": "platelet",
}

var (
	numericValuePattern = regexp.MustCompile(
		`(?i)\b(\d+(?:\.\d+)?)\s*(g/dl|mg/dl|mg/l|ng/ml|pg/ml|mmol/l|meq/l|iu/l|u/l|×10\^?9/l|×10\^?3/μl|x10\^9/l|%|k/μl|k/mm3|fl|pg)`,
	)
	labMentionPattern = buildLabMentionPattern()
)

func buildLabMentionPattern() *regexp.Regexp {
	escaped := make([]string, len(commonLabTests))
	for i, lab := range commonLabTests {
		escaped[i] = regexp.QuoteMeta(lab)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(escaped, "|") + `)\b`)
}

// NumericMention is one value+unit pair found in generated text.
type NumericMention struct {
	Value     float64
	Unit      string
	Context   string
	FullMatch string
	Position  int
}

// HallucinatedValue describes one flagged value.
type HallucinatedValue struct {
	Test    string  `json:"test"`
	Value   float64 `json:"value"`
	Unit    string  `json:"unit"`
	Context string  `json:"context"`
}

// ValidationResult is the outcome of a hallucination check.
type ValidationResult struct {
	HasHallucination   bool                `json:"has_hallucination"`
	HallucinatedValues []HallucinatedValue `json:"hallucinated_values"`
	Warnings           []string            `json:"warnings"`
}

// ExtractNumericMentions finds every numeric lab value with a recognized
// unit in text, with ~50 characters of surrounding context.
func ExtractNumericMentions(text string) []NumericMention {
	var mentions []NumericMention
	for _, m := range numericValuePattern.FindAllStringSubmatchIndex(text, -1) {
		full := text[m[0]:m[1]]
		value, err := strconv.ParseFloat(text[m[2]:m[3]], 64)
		if err != nil {
			continue
		}
		ctxStart := max(0, m[0]-50)
		ctxEnd := min(len(text), m[1]+20)
		mentions = append(mentions, NumericMention{
			Value:     value,
			Unit:      text[m[4]:m[5]],
			Context:   strings.TrimSpace(text[ctxStart:ctxEnd]),
			FullMatch: full,
			Position:  m[0],
		})
	}
	return mentions
}

func normalizeLabName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := labAliases[name]; ok {
		return canonical
	}
	return name
}

func normalizeUnit(unit string) string {
	r := strings.NewReplacer(" ", "", "×", "x", "μ", "u", "µ", "u")
	return r.Replace(strings.ToLower(unit))
}

// findClosestLab returns the normalized lab test name nearest to position in
// text, or "" if no lab is mentioned at all.
func findClosestLab(text string, position int) string {
	closest := ""
	closestDistance := math.MaxInt
	for _, m := range labMentionPattern.FindAllStringSubmatchIndex(text, -1) {
		distance := m[0] - position
		if distance < 0 {
			distance = -distance
		}
		if distance < closestDistance {
			closestDistance = distance
			closest = text[m[2]:m[3]]
		}
	}
	if closest == "" {
		return ""
	}
	return normalizeLabName(closest)
}

// CheckHallucination flags numeric lab values in generated text that were
// never provided by the caller.
//
// Description:
//
//	Builds the allowed set from the session's lab values plus any numbers
//	appearing in the patient history, then checks every value+unit pair in
//	the generated text against it (tolerance 1e-3, units normalized). A
//	value outside the set is flagged only when it sits near a lab-test
//	mention that the caller did not provide; bare numbers with no lab
//	context pass.
func CheckHallucination(generated string, labs map[string]LabValue, history string) ValidationResult {
	result := ValidationResult{
		HallucinatedValues: []HallucinatedValue{},
		Warnings:           []string{},
	}

	providedLabs := make(map[string]bool, len(labs))
	type allowed struct {
		value float64
		unit  string
	}
	var allowedValues []allowed
	for name, lv := range labs {
		providedLabs[normalizeLabName(name)] = true
		if lv.Display != "" {
			for _, m := range ExtractNumericMentions(lv.Display) {
				allowedValues = append(allowedValues, allowed{m.Value, normalizeUnit(m.Unit)})
			}
			continue
		}
		if lv.Unit != "" {
			allowedValues = append(allowedValues, allowed{lv.Value, normalizeUnit(lv.Unit)})
		}
	}
	for _, m := range ExtractNumericMentions(history) {
		allowedValues = append(allowedValues, allowed{m.Value, normalizeUnit(m.Unit)})
	}

	for _, mention := range ExtractNumericMentions(generated) {
		unit := normalizeUnit(mention.Unit)
		known := false
		for _, a := range allowedValues {
			if a.unit == unit && math.Abs(a.value-mention.Value) < valueTolerance {
				known = true
				break
			}
		}
		if known {
			continue
		}

		lab := findClosestLab(generated, mention.Position)
		if lab == "" || providedLabs[lab] {
			continue
		}
		result.HasHallucination = true
		result.HallucinatedValues = append(result.HallucinatedValues, HallucinatedValue{
			Test:    lab,
			Value:   mention.Value,
			Unit:    mention.Unit,
			Context: mention.Context,
		})
		warning := fmt.Sprintf("Potential hallucination: '%s' for %s not in provided data", mention.FullMatch, lab)
		result.Warnings = append(result.Warnings, warning)
		slog.Warn("hallucination detected", "detail", warning)
	}
	return result
}

// ValidateDebateResponse runs the hallucination check over the
// conversational text and any evidence strings in the updated differential.
func ValidateDebateResponse(fields map[string]any, labs map[string]LabValue, history string) ValidationResult {
	var parts []string
	if text := ResponseText(fields); text != "" {
		parts = append(parts, text)
	}
	for _, dx := range NormalizeDifferential(fields["updated_differential"]) {
		parts = append(parts, dx.SupportingEvidence...)
		parts = append(parts, dx.AgainstEvidence...)
	}
	return CheckHallucination(strings.Join(parts, " "), labs, history)
}

// ValidateDifferentialResponse runs the hallucination check over the
// evidence strings of a standalone differential.
func ValidateDifferentialResponse(diagnoses []Diagnosis, labs map[string]LabValue, history string) ValidationResult {
	var parts []string
	for _, dx := range diagnoses {
		parts = append(parts, dx.SupportingEvidence...)
		parts = append(parts, dx.AgainstEvidence...)
	}
	return CheckHallucination(strings.Join(parts, " "), labs, history)
}
