// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxQueryLength bounds retrieval queries before they reach the vector
// store.
const MaxQueryLength = 500

// forbiddenPatterns catch prompt-injection attempts in retrieval queries
// and in retrieved guideline text before it is injected into a prompt.
var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+|previous\s+)?instructions`),
	regexp.MustCompile(`(?i)system\s+prompt`),
	regexp.MustCompile(`(?i)disregard\s+(the\s+|all\s+)?(above|previous)`),
	regexp.MustCompile(`(?i)forget\s+(everything|all)\s+(above|before)`),
	regexp.MustCompile(`(?i)roleplay\s+as`),
	regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)`),
	regexp.MustCompile(`(?i)new\s+persona`),
	regexp.MustCompile(`(?i)override\s+(safety|security)`),
	regexp.MustCompile(`(?i)bypass\s+(restrictions|filters)`),
	regexp.MustCompile(`(?i)simulate\s+(being|acting)`),
	regexp.MustCompile(`(?i)<\s*script\s*>`),
	regexp.MustCompile(`\{\{.*\}\}`),
}

var (
	codeBlockPattern = regexp.MustCompile("```[\\s\\S]*?```")
	htmlTagPattern   = regexp.MustCompile(`<[^>]+>`)
)

// ValidateQuery rejects queries that are too long or look like injection
// attempts.
func ValidateQuery(query string) error {
	if len(query) > MaxQueryLength {
		return fmt.Errorf("retrieval: query exceeds maximum length of %d characters", MaxQueryLength)
	}
	for _, pattern := range forbiddenPatterns {
		if pattern.MatchString(query) {
			return fmt.Errorf("retrieval: query contains forbidden pattern %q", pattern.String())
		}
	}
	return nil
}

// SanitizeRetrievedText scrubs retrieved guideline text before it is
// injected into a model prompt: fenced code blocks, markup, template
// syntax, and anything matching the injection patterns.
func SanitizeRetrievedText(text string) string {
	sanitized := codeBlockPattern.ReplaceAllString(text, "[CODE BLOCK REMOVED]")
	sanitized = htmlTagPattern.ReplaceAllString(sanitized, "")
	sanitized = strings.ReplaceAll(sanitized, "{{", "")
	sanitized = strings.ReplaceAll(sanitized, "}}", "")
	for _, pattern := range forbiddenPatterns {
		sanitized = pattern.ReplaceAllString(sanitized, "[REMOVED]")
	}
	return sanitized
}
