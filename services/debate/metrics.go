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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Debate Engine
// =============================================================================

var (
	// turnsTotal counts processed turns by path and status.
	// Labels: path (orchestrated, specialist_only, failed), status (ok, degraded)
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sturgeon",
		Subsystem: "debate",
		Name:      "turns_total",
		Help:      "Total processed debate turns by path and status",
	}, []string{"path", "status"})

	// turnLatencySeconds measures end-to-end turn latency by path.
	// Labels: path
	turnLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sturgeon",
		Subsystem: "debate",
		Name:      "turn_latency_seconds",
		Help:      "End-to-end turn processing latency",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 90, 120, 180},
	}, []string{"path"})

	// specialistTimeoutsTotal counts specialist calls cut off by deadline.
	specialistTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sturgeon",
		Subsystem: "debate",
		Name:      "specialist_timeouts_total",
		Help:      "Total specialist calls that exceeded their deadline",
	})

	// repairOutcomesTotal counts structured-output parses by repair outcome.
	// Labels: outcome (parsed, partial, fallback)
	repairOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sturgeon",
		Subsystem: "debate",
		Name:      "repair_outcomes_total",
		Help:      "Structured response parses by repair outcome",
	}, []string{"outcome"})

	// hallucinationsTotal counts turns flagged by the hallucination check.
	// Labels: action (logged, reprompted)
	hallucinationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sturgeon",
		Subsystem: "debate",
		Name:      "hallucinations_total",
		Help:      "Turns flagged by the hallucination validator",
	}, []string{"action"})

	// episodeSummariesTotal counts episode summaries created.
	episodeSummariesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sturgeon",
		Subsystem: "debate",
		Name:      "episode_summaries_total",
		Help:      "Total episode summaries appended to clinical state",
	})

	// activeSessions tracks the current session table size.
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sturgeon",
		Subsystem: "debate",
		Name:      "active_sessions",
		Help:      "Sessions currently retained in the state store",
	})

	// retrievalResultsTotal counts retrieval lookups by result.
	// Labels: result (hit, empty, timeout, error)
	retrievalResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sturgeon",
		Subsystem: "retrieval",
		Name:      "lookups_total",
		Help:      "Guideline retrieval lookups by result",
	}, []string{"result"})
)

// RecordTurn records one processed turn.
//
// Inputs:
//   - path: "orchestrated", "specialist_only", or "failed".
//   - degraded: whether the result came from a fallback or repair path.
//   - durationSec: turn duration in seconds.
func RecordTurn(path string, degraded bool, durationSec float64) {
	status := "ok"
	if degraded {
		status = "degraded"
	}
	turnsTotal.WithLabelValues(path, status).Inc()
	turnLatencySeconds.WithLabelValues(path).Observe(durationSec)
}

// RecordRepairOutcome records how much repair a parse needed.
func RecordRepairOutcome(outcome Outcome) {
	repairOutcomesTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordSpecialistTimeout records a specialist deadline hit.
func RecordSpecialistTimeout() {
	specialistTimeoutsTotal.Inc()
}

// RecordHallucination records a flagged turn and the action taken.
func RecordHallucination(action string) {
	hallucinationsTotal.WithLabelValues(action).Inc()
}

// RecordEpisodeSummary records one appended episode summary.
func RecordEpisodeSummary() {
	episodeSummariesTotal.Inc()
}

// SetActiveSessions updates the session table gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// RecordRetrieval records one retrieval lookup result.
func RecordRetrieval(result string) {
	retrievalResultsTotal.WithLabelValues(result).Inc()
}
