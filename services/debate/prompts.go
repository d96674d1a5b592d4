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
	"strings"
)

// orchestratorSystemInstruction is the fixed system instruction for both
// conversation-manager calls each turn. The token and pacing constraints
// keep synthesis output inside the configured call timeout.
const orchestratorSystemInstruction = `You are the orchestrator of a diagnostic debate AI called Sturgeon.

Your role:
1. MANAGE the multi-turn conversation with the user (a clinician challenging diagnoses)
2. ROUTE medical questions to your specialist tool (MedGemma) by formulating focused questions
3. SYNTHESIZE MedGemma's analysis into conversational, evidence-based responses
4. MAINTAIN and UPDATE the clinical state (differential diagnoses, key findings)

Constraints:
- Keep ai_response under 800 tokens so the full reply fits within 90 seconds
- Focus on the 2-3 most critical points raised by the clinician
- Suggest at most 1 test per round

You must ALWAYS respond with valid JSON in this exact format:
{
  "ai_response": "Your conversational response to the user's challenge",
  "updated_differential": [
    {
      "name": "Diagnosis Name",
      "probability": "high|medium|low",
      "supporting_evidence": ["evidence 1"],
      "against_evidence": ["counter 1"],
      "suggested_tests": ["test 1"]
    }
  ],
  "suggested_test": "optional test name or null",
  "medgemma_query": "The focused question you asked MedGemma",
  "key_findings_update": ["any new key findings"],
  "newly_ruled_out": ["any diagnoses ruled out"]
}`

// formatRecentRounds renders the last two history rounds, truncating each
// side so old rounds cannot blow up the prompt.
func formatRecentRounds(rounds []DebateRound, challengeChars, responseChars int) string {
	if len(rounds) == 0 {
		return ""
	}
	recent := rounds
	if len(recent) > 2 {
		recent = recent[len(recent)-2:]
	}
	parts := make([]string, 0, len(recent))
	for _, r := range recent {
		parts = append(parts, fmt.Sprintf("User: %s\nAI: %s",
			truncate(r.UserChallenge, challengeChars),
			truncate(r.AIResponse, responseChars)))
	}
	return "\nRecent conversation:\n" + strings.Join(parts, "\n")
}

func truncate(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

// buildFormulationPrompt asks the conversation manager for a single focused
// question to hand the specialist.
func buildFormulationPrompt(challenge, stateSummary string, rounds []DebateRound) string {
	return fmt.Sprintf(`You are formulating a question for your medical specialist AI (MedGemma).

%s
%s

The clinician just said: "%s"

Based on this challenge, formulate a SINGLE, FOCUSED medical question for MedGemma to analyze.
The question should:
- Address the specific clinical concern raised by the user
- Reference relevant evidence from the case
- Be answerable from the clinical data available
- Help determine whether the differential should be updated

Respond with ONLY the question, nothing else.`,
		stateSummary, formatRecentRounds(rounds, 200, 220), challenge)
}

// buildSynthesisPrompt asks the conversation manager to merge the
// specialist's analysis (and any retrieved guideline text) into the final
// structured reply.
func buildSynthesisPrompt(challenge, stateSummary, question, analysis string, rounds []DebateRound, retrievedContext string) string {
	ragSection := ""
	citationInstruction := `3. Do not cite guidelines in this response because none were retrieved for this turn.`
	if retrievedContext != "" {
		ragSection = fmt.Sprintf(`

RETRIEVED EVIDENCE-BASED GUIDELINES:
%s

Only use the retrieved guidelines above if they are clinically relevant to this challenge.
Do not cite any guideline that is not present in the retrieved section.
`, retrievedContext)
		citationInstruction = `3. If guideline evidence is relevant, cite it inline with one of these formats:
   - (CDC Hospital Sepsis Program Core Elements, 2025)
   - (CDC Respiratory Virus Guidance, 2025)
   - (CDC Clinical Guidance for Legionella, 2025)
   - (USPSTF Breast Cancer Screening Guidelines, 2024)
   - (WHO Meningitis Guidelines, 2025)
   - (WHO TB Prevention Guidelines, 2024)
   - (AAD Melanoma Guidelines, 2018)

   If no retrieved guideline is relevant, do not include citations.`
	}

	return fmt.Sprintf(`%s
%s

The clinician challenged: "%s"

You asked your medical specialist: "%s"

MedGemma's analysis:
%s
%s

Now synthesize this into your response. You must:
1. Address the user's challenge directly and conversationally
2. Incorporate MedGemma's analysis with specific evidence
%s
4. Update the differential if warranted by the analysis
5. Suggest a focused next test if it would clarify uncertainty

CRITICAL: The "ai_response" field must be plain conversational text, not nested JSON.`,
		stateSummary, formatRecentRounds(rounds, 240, 280), challenge, question, analysis, ragSection, citationInstruction)
}

// buildSpecialistOnlyPrompt is the single-model fallback used when the
// conversation manager is unavailable. It carries the full case so the
// specialist can answer without any orchestration.
func buildSpecialistOnlyPrompt(state *ClinicalState, challenge string, rounds []DebateRound) string {
	var diff []string
	for i, dx := range state.Differential {
		diff = append(diff, fmt.Sprintf("%d. %s (probability: %s)", i+1, dx.Name, dx.Probability))
	}
	differential := "No differential yet"
	if len(diff) > 0 {
		differential = strings.Join(diff, "\n")
	}

	var roundLines []string
	for i, r := range rounds {
		roundLines = append(roundLines, fmt.Sprintf("Round %d:\nUser: %s\nAI: %s", i+1, r.UserChallenge, r.AIResponse))
	}
	previous := "No previous rounds"
	if len(roundLines) > 0 {
		previous = strings.Join(roundLines, "\n\n")
	}

	return fmt.Sprintf(`You are in a diagnostic debate. The current case and your previous reasoning are below.

%s

Current Differential:
%s

Previous Reasoning:
%s

The clinician challenges your thinking:
"%s"

Respond by:
1. Acknowledging the point if valid
2. Defending your reasoning with evidence, or updating it
3. Providing an updated differential if warranted
4. Suggesting a test if it would help clarify

Be conversational but precise. Return as JSON with this EXACT format:
{
  "ai_response": "Your conversational response to the challenge",
  "updated_differential": [
    {
      "name": "Diagnosis Name",
      "probability": "high|medium|low",
      "supporting_evidence": ["evidence 1", "evidence 2"],
      "against_evidence": ["counter 1"],
      "suggested_tests": ["test 1"]
    }
  ],
  "suggested_test": "optional test name or null"
}

JSON Response:`, state.Summary(), differential, previous, challenge)
}

// buildDifferentialPrompt asks for an initial 3-4 diagnosis differential.
func buildDifferentialPrompt(patientHistory, formattedLabs string) string {
	return fmt.Sprintf(`Based on the following case, generate 3-4 differential diagnoses.

Patient History:
%s

Lab Values:
%s

Before generating diagnoses, think step by step:
1. What are the key abnormal findings?
2. What conditions could explain ALL of these findings together?
3. What conditions explain only SOME findings (and which findings argue against them)?

Then provide your differential in this EXACT JSON format. Keep evidence phrases SHORT (under 15 words each).
Return ONLY valid JSON, no extra text.

{
  "diagnoses": [
    {
      "name": "Diagnosis Name",
      "probability": "high|medium|low",
      "supporting_evidence": ["evidence 1"],
      "against_evidence": ["counter 1"],
      "suggested_tests": ["test 1"]
    }
  ]
}

JSON Response:`, patientHistory, formattedLabs)
}

// buildSummaryPrompt asks for the final case summary once the debate ends.
func buildSummaryPrompt(patientHistory, formattedLabs, formattedDifferential, formattedRounds string) string {
	return fmt.Sprintf(`The diagnostic debate has concluded. Summarize the case below.

Patient History:
%s

Lab Values:
%s

Final Differential:
%s

Debate Rounds:
%s

Return as JSON with this EXACT format:
{
  "final_diagnosis": "most likely diagnosis",
  "confidence": "high|medium|low",
  "reasoning_chain": ["step 1", "step 2"],
  "ruled_out": ["diagnosis 1"],
  "next_steps": ["recommended action 1"]
}

JSON Response:`, patientHistory, formattedLabs, formattedDifferential, formattedRounds)
}

// buildExtractLabsPrompt asks for structured lab values from free-text
// report content. The worked example anchors the output shape.
func buildExtractLabsPrompt(labReportText string) string {
	return fmt.Sprintf(`Extract all lab values from the following report. For each value, provide:
- Test name
- Value
- Unit
- Reference range (if available)
- Whether it is abnormal (high/low/normal)

Return as structured JSON with this format:
{
  "lab_values": {
    "test_name": {"value": number, "unit": "string", "reference": "string", "status": "normal|high|low"}
  },
  "abnormal_values": ["list of abnormal test names"]
}

Example input/output:
Input: "WBC 11.2 x10^9/L (4.0-11.0), Hemoglobin 14.5 g/dL (13.5-17.5), CRP 45 mg/L (0-5)"
Output:
{
  "lab_values": {
    "WBC": {"value": 11.2, "unit": "x10^9/L", "reference": "4.0-11.0", "status": "high"},
    "Hemoglobin": {"value": 14.5, "unit": "g/dL", "reference": "13.5-17.5", "status": "normal"},
    "CRP": {"value": 45, "unit": "mg/L", "reference": "0-5", "status": "high"}
  },
  "abnormal_values": ["WBC", "CRP"]
}

Report:
%s

JSON Response:`, labReportText)
}

// episodeRoundChars bounds each side of a round when building the episode
// summary prompt.
const episodeRoundChars = 300

// buildEpisodeSummaryPrompt asks for a short digest of a block of rounds.
func buildEpisodeSummaryPrompt(rounds []DebateRound) string {
	parts := make([]string, 0, len(rounds))
	for i, r := range rounds {
		parts = append(parts, fmt.Sprintf("Round %d:\nClinician: %s\nAI: %s",
			i+1, truncate(r.UserChallenge, episodeRoundChars), truncate(r.AIResponse, episodeRoundChars)))
	}
	return fmt.Sprintf(`Summarize this block of diagnostic debate rounds in 2-3 sentences.
Focus on: diagnostic insights gained, changes to the differential, and questions that were resolved.

%s

Respond with ONLY the summary text, nothing else.`, strings.Join(parts, "\n\n"))
}

// timeoutResponse is returned when the specialist call exceeds its deadline.
// It references the original question and steers the clinician toward a
// narrower follow-up instead of failing the turn.
func timeoutResponse(question string) string {
	return fmt.Sprintf(`The medical analysis for your question is taking longer than expected.

Your question was: "%s"

This usually means the question requires reasoning across many findings at once.

RECOMMENDATIONS:
- Try breaking your question into smaller, more focused questions
- Ask about one diagnosis or one finding at a time
- Re-send the most critical part of your challenge first

The clinical state from previous rounds is preserved, so you will not lose any progress.`, truncate(question, 300))
}

// totalFailureResponse is the templated reply when both the orchestrated
// path and the specialist-only fallback fail. The caller always receives a
// well-formed result.
const totalFailureResponse = `I apologize - I was unable to complete the analysis for this challenge due to an internal error. ` +
	`Your case data and debate progress are preserved. Please try re-sending your challenge, or rephrase it as a more focused question.`
