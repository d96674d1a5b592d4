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
	"log/slog"
	"regexp"
	"strings"
)

// Outcome classifies how much repair a structured response needed.
type Outcome string

const (
	// OutcomeParsed means the response parsed directly after preprocessing.
	OutcomeParsed Outcome = "parsed"
	// OutcomePartial means the response parsed only after repair.
	OutcomePartial Outcome = "partial"
	// OutcomeFallback means no object could be recovered; the result carries
	// raw text under ai_response.
	OutcomeFallback Outcome = "fallback"
)

// fallbackResponseChars bounds the raw-text excerpt used when every parse
// stage fails.
const fallbackResponseChars = 500

var (
	codeFencePattern  = regexp.MustCompile("```(?:json)?\\s*")
	aiResponsePattern = regexp.MustCompile(`"ai_response"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	diagnosisPattern  = regexp.MustCompile(`\{[^{}]*"name"\s*:\s*"[^"]+"[^{}]*\}`)

	// Missing-comma repairs between adjacent values at line boundaries.
	missingCommaAfterString = regexp.MustCompile(`"(\s*\n\s*)"`)
	missingCommaAfterBrace  = regexp.MustCompile(`}(\s*\n\s*)"`)
	missingCommaAfterBrack  = regexp.MustCompile(`](\s*\n\s*)"`)
	trailingCommaPattern    = regexp.MustCompile(`,(\s*[}\]])`)
)

// ExtractStructured recovers a structured object from raw model output.
//
// Description:
//
//	Applies progressively more aggressive stages: preprocessing (fence
//	stripping, brace clipping, newline escaping inside strings), direct
//	parse, missing-comma repair, truncation repair via a bracket stack, and
//	finally regex extraction of the ai_response field or of individual
//	diagnosis objects. If everything fails the raw text itself becomes the
//	response.
//
// Outputs: The recovered fields plus an Outcome tag. Never returns an error
// and never returns a nil map; OutcomeFallback guarantees an ai_response key.
func ExtractStructured(raw string) (map[string]any, Outcome) {
	cleaned := preprocess(raw)

	if fields := tryParse(cleaned); fields != nil {
		return resolveDoubleWrap(fields), OutcomeParsed
	}

	commaFixed := fixMissingCommas(cleaned)
	if fields := tryParse(commaFixed); fields != nil {
		slog.Debug("structured response recovered after comma repair")
		return resolveDoubleWrap(fields), OutcomePartial
	}

	if fields := tryParse(repairTruncation(commaFixed)); fields != nil {
		slog.Debug("structured response recovered after truncation repair")
		return resolveDoubleWrap(fields), OutcomePartial
	}

	if m := aiResponsePattern.FindStringSubmatch(cleaned); m != nil {
		slog.Debug("structured response recovered by field extraction")
		text := m[1]
		// The capture is still JSON-escaped; decode it as a string literal.
		var decoded string
		if err := json.Unmarshal([]byte(`"`+text+`"`), &decoded); err == nil {
			text = decoded
		}
		return map[string]any{"ai_response": text}, OutcomePartial
	}

	if diagnoses := extractDiagnosisObjects(cleaned); len(diagnoses) > 0 {
		slog.Debug("structured response recovered as diagnosis objects", "count", len(diagnoses))
		return map[string]any{"diagnoses": diagnoses}, OutcomePartial
	}

	slog.Warn("structured response unrecoverable, using raw text", "length", len(raw))
	excerpt := strings.TrimSpace(raw)
	if len(excerpt) > fallbackResponseChars {
		excerpt = excerpt[:fallbackResponseChars]
	}
	return map[string]any{"ai_response": excerpt}, OutcomeFallback
}

// extractDiagnosisObjects salvages individual name-keyed objects from text
// whose surrounding structure is beyond repair. Each object must parse on
// its own; fragments that do not are skipped.
func extractDiagnosisObjects(text string) []any {
	var diagnoses []any
	for _, match := range diagnosisPattern.FindAllString(text, -1) {
		if fields := tryParse(match); fields != nil {
			diagnoses = append(diagnoses, fields)
		}
	}
	return diagnoses
}

// ResponseText extracts the conversational text from recovered fields.
func ResponseText(fields map[string]any) string {
	if s, ok := fields["ai_response"].(string); ok {
		return s
	}
	return ""
}

func tryParse(text string) map[string]any {
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil
	}
	return fields
}

// preprocess strips markdown fences, clips to the outermost object, and
// escapes literal newlines that appear inside string values.
func preprocess(raw string) string {
	text := codeFencePattern.ReplaceAllString(raw, "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	} else if start >= 0 {
		text = text[start:]
	}

	return escapeNewlinesInStrings(text)
}

// escapeNewlinesInStrings rewrites literal newlines inside JSON string
// values as \n escapes. Models frequently emit multi-line response text
// without escaping it.
func escapeNewlinesInStrings(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escaped := false
	for _, r := range text {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			b.WriteRune(r)
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
			b.WriteRune(r)
		case '\n':
			if inString {
				b.WriteString(`\n`)
			} else {
				b.WriteRune(r)
			}
		case '\t':
			if inString {
				b.WriteString(`\t`)
			} else {
				b.WriteRune(r)
			}
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func fixMissingCommas(text string) string {
	fixed := missingCommaAfterString.ReplaceAllString(text, `",$1"`)
	fixed = missingCommaAfterBrace.ReplaceAllString(fixed, `},$1"`)
	fixed = missingCommaAfterBrack.ReplaceAllString(fixed, `],$1"`)
	return trailingCommaPattern.ReplaceAllString(fixed, `$1`)
}

// repairTruncation closes unterminated strings and unclosed brackets in
// output cut off by a token limit.
//
// Description:
//
//	Walks the text tracking string/escape state and a stack of open
//	brackets. Trailing partial tokens (a dangling comma, a key with no
//	value) are trimmed before the closers are appended in reverse order.
func repairTruncation(text string) string {
	var stack []byte
	inString := false
	escaped := false
	// Position and kind of the last structural byte outside strings, used
	// to decide whether a truncated trailing string is a key or a value.
	lastStructural := -1
	var lastStructuralByte byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, c)
				lastStructural, lastStructuralByte = i, c
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case ',', ':':
			if !inString {
				lastStructural, lastStructuralByte = i, c
			}
		}
	}

	repaired := text
	if inString {
		inObject := len(stack) > 0 && stack[len(stack)-1] == '{'
		if inObject && (lastStructuralByte == ',' || lastStructuralByte == '{') {
			// Truncated mid-key; drop the dangling key entirely.
			cut := lastStructural
			if lastStructuralByte == '{' {
				cut++
			}
			repaired = repaired[:cut]
		} else {
			repaired += `"`
		}
	}

	// A bare trailing comma or a key with no value breaks the parse even
	// after the brackets are closed.
	trimmed := strings.TrimRight(repaired, " \t\n")
	if strings.HasSuffix(trimmed, ",") || strings.HasSuffix(trimmed, ":") {
		repaired = strings.TrimRight(trimmed, ",: \t\n")
	}

	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '{':
			repaired += "}"
		case '[':
			repaired += "]"
		}
	}
	return repaired
}

// resolveDoubleWrap handles the case where ai_response itself contains a
// serialized object with its own ai_response. Inner fields win over outer
// fields since the model emitted them as the real payload.
func resolveDoubleWrap(fields map[string]any) map[string]any {
	inner, ok := fields["ai_response"].(string)
	if !ok {
		return fields
	}
	trimmed := strings.TrimSpace(inner)
	if !strings.HasPrefix(trimmed, "{") {
		return fields
	}
	innerFields := tryParse(trimmed)
	if innerFields == nil {
		return fields
	}
	if _, ok := innerFields["ai_response"]; !ok {
		return fields
	}
	merged := make(map[string]any, len(fields)+len(innerFields))
	for k, v := range fields {
		merged[k] = v
	}
	for k, v := range innerFields {
		merged[k] = v
	}
	slog.Debug("unwrapped double-encoded response")
	return merged
}
