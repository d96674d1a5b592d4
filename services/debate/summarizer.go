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

	"github.com/weekijie/sturgeon/services/llm"
)

// DefaultMinEpisodeRounds is how many prior rounds must exist before an
// episode can be summarized.
const DefaultMinEpisodeRounds = 4

// episodeSummaryMaxTokens bounds the digest; two to three sentences.
const episodeSummaryMaxTokens = 256

// EpisodeSummarizer compresses a block of old debate rounds into a short
// digest so long conversations keep a roughly constant prompt size.
//
// Description:
//
//	Summarization is best-effort: any model failure yields a deterministic
//	fallback string naming the round count rather than an error, so a flaky
//	summarizer can never block a turn.
type EpisodeSummarizer struct {
	generator llm.Generator
	minRounds int
}

// NewEpisodeSummarizer builds a summarizer over the given generator. A
// non-positive minRounds falls back to DefaultMinEpisodeRounds.
func NewEpisodeSummarizer(generator llm.Generator, minRounds int) *EpisodeSummarizer {
	if minRounds <= 0 {
		minRounds = DefaultMinEpisodeRounds
	}
	return &EpisodeSummarizer{generator: generator, minRounds: minRounds}
}

// Summarize digests the given rounds into 2-3 sentences. Returns "" when
// there are too few rounds to be worth summarizing.
func (s *EpisodeSummarizer) Summarize(ctx context.Context, rounds []DebateRound) string {
	if len(rounds) < s.minRounds {
		return ""
	}

	prompt := buildEpisodeSummaryPrompt(rounds)
	summary, err := s.generator.Generate(ctx, prompt, llm.GenerationParams{
		Temperature:     0.3,
		MaxOutputTokens: episodeSummaryMaxTokens,
	})
	if err != nil {
		slog.Warn("episode summarization failed, using fallback", "rounds", len(rounds), "error", err)
		return fmt.Sprintf("Episode of %d debate rounds (details unavailable).", len(rounds))
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fmt.Sprintf("Episode of %d debate rounds (details unavailable).", len(rounds))
	}
	return summary
}
