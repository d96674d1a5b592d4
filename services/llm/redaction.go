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
	"regexp"
)

// redactionPattern pairs a compiled regex with a replacement label.
//
// Description:
//
//	Each pattern identifies a class of secret (API key, token, password) and
//	provides a labeled replacement string so the log reader knows what was
//	redacted without seeing the secret value. Error bodies from both model
//	backends pass through SafeLogString before they reach a log line.
//
// Thread Safety: This type is immutable after construction.
type redactionPattern struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// redactionPatterns is the ordered list of secret patterns to redact.
//
// IMPORTANT: Order matters. More specific patterns must appear before less
// specific ones to prevent partial redaction.
//
// Thread Safety: This slice is initialized once and never modified.
var redactionPatterns = []redactionPattern{
	// Gemini/Google API key: AIza<base62, 30+ chars>
	{
		Pattern:     regexp.MustCompile(`AIza[A-Za-z0-9_-]{30,}`),
		Replacement: "[REDACTED:gemini_key]",
	},
	// vLLM / OpenAI-style API key: sk-<base62, 20+ chars>
	// Requires 20+ chars after "sk-" to avoid matching short strings like "sk-test".
	{
		Pattern:     regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		Replacement: "[REDACTED:api_key]",
	},
	// Bearer token in Authorization header values
	{
		Pattern:     regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]{10,}`),
		Replacement: "[REDACTED:bearer_token]",
	},
	// API key in URL query parameter: key=<value>
	{
		Pattern:     regexp.MustCompile(`key=[A-Za-z0-9._-]{10,}`),
		Replacement: "key=[REDACTED]",
	},
	// Password in connection strings or config: password=<value>
	{
		Pattern:     regexp.MustCompile(`password=[^\s&]{3,}`),
		Replacement: "password=[REDACTED]",
	},
}

// SafeLogString redacts known secret patterns from a string before logging.
//
// Description:
//
//	Iterates through a predefined set of regex patterns that match common
//	API key formats, bearer tokens, and passwords. Each match is replaced
//	with a labeled placeholder (e.g. [REDACTED:gemini_key]) so the log
//	reader knows what class of secret was present without seeing the value.
//
// Inputs:
//   - s: The string to redact. May contain zero or more secrets.
//     Empty string is valid and returns empty string.
//
// Outputs:
//   - string: The input with all matched secret patterns replaced.
//     If no patterns match, returns the original string unchanged.
//
// Limitations:
//   - Pattern-based detection only. Cannot detect secrets that do not match
//     known formats.
//   - A secret that spans multiple lines will not be matched.
//
// Thread Safety: This function is safe for concurrent use.
func SafeLogString(s string) string {
	if s == "" {
		return s
	}
	for _, rp := range redactionPatterns {
		s = rp.Pattern.ReplaceAllString(s, rp.Replacement)
	}
	return s
}
