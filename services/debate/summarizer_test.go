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
	"testing"
)

func makeRounds(n int) []DebateRound {
	rounds := make([]DebateRound, n)
	for i := range rounds {
		rounds[i] = DebateRound{
			UserChallenge: "challenge",
			AIResponse:    "response",
		}
	}
	return rounds
}

func TestEpisodeSummarizer_TooFewRounds(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"should not be called"}}
	s := NewEpisodeSummarizer(gen, 4)
	if got := s.Summarize(context.Background(), makeRounds(3)); got != "" {
		t.Errorf("summary = %q, want empty for too few rounds", got)
	}
	if len(gen.calls) != 0 {
		t.Errorf("generator called %d times, want 0", len(gen.calls))
	}
}

func TestEpisodeSummarizer_Success(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"  The debate narrowed to anemia of chronic disease.  "}}
	s := NewEpisodeSummarizer(gen, 4)
	got := s.Summarize(context.Background(), makeRounds(5))
	if got != "The debate narrowed to anemia of chronic disease." {
		t.Errorf("summary = %q", got)
	}
	if len(gen.calls) != 1 {
		t.Fatalf("generator called %d times, want 1", len(gen.calls))
	}
	if !strings.Contains(gen.calls[0].prompt, "Round 5:") {
		t.Errorf("prompt should enumerate all rounds:\n%s", gen.calls[0].prompt)
	}
}

func TestEpisodeSummarizer_FallbackOnError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	s := NewEpisodeSummarizer(gen, 4)
	got := s.Summarize(context.Background(), makeRounds(4))
	if got != "Episode of 4 debate rounds (details unavailable)." {
		t.Errorf("summary = %q", got)
	}
}

func TestEpisodeSummarizer_FallbackOnEmptyResponse(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"   "}}
	s := NewEpisodeSummarizer(gen, 4)
	got := s.Summarize(context.Background(), makeRounds(6))
	if got != "Episode of 6 debate rounds (details unavailable)." {
		t.Errorf("summary = %q", got)
	}
}
