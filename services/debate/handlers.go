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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/weekijie/sturgeon/services/retrieval"
)

// ErrorResponse is the JSON error body for all debate endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// DebateTurnRequest is the body of POST /v1/debate/turn.
type DebateTurnRequest struct {
	PatientHistory      string              `json:"patient_history"`
	LabValues           map[string]LabValue `json:"lab_values"`
	CurrentDifferential []Diagnosis         `json:"current_differential"`
	PreviousRounds      []DebateRound       `json:"previous_rounds"`
	UserChallenge       string              `json:"user_challenge" binding:"required"`
	ImageContext        string              `json:"image_context"`
	SessionID           string              `json:"session_id"`
}

// DebateTurnResponse is the body returned for a processed turn. Always
// well-formed: degraded turns change content, not shape.
type DebateTurnResponse struct {
	TurnResult
	SessionID   string `json:"session_id"`
	DebateRound int    `json:"debate_round"`
}

// DifferentialRequest is the body of POST /v1/differential.
type DifferentialRequest struct {
	PatientHistory string              `json:"patient_history" binding:"required"`
	LabValues      map[string]LabValue `json:"lab_values"`
}

// DifferentialResponse carries the generated differential.
type DifferentialResponse struct {
	Diagnoses []Diagnosis `json:"diagnoses"`
}

// ExtractLabsRequest is the body of POST /v1/extract-labs.
type ExtractLabsRequest struct {
	LabReportText string `json:"lab_report_text" binding:"required"`
}

// SummaryRequest is the body of POST /v1/summary.
type SummaryRequest struct {
	PatientHistory    string              `json:"patient_history" binding:"required"`
	LabValues         map[string]LabValue `json:"lab_values"`
	FinalDifferential []Diagnosis         `json:"final_differential"`
	DebateRounds      []DebateRound       `json:"debate_rounds"`
}

// Handlers exposes the debate engine over HTTP.
//
// Thread Safety: Safe for concurrent use across sessions. Concurrent turns
// for the same session are the caller's responsibility to avoid.
type Handlers struct {
	cfg          Config
	orchestrator *Orchestrator
	store        *SessionStore
	retriever    retrieval.Retriever
}

// NewHandlers wires the HTTP surface. The retriever may be nil, which
// disables guideline retrieval for every turn.
func NewHandlers(cfg Config, orchestrator *Orchestrator, store *SessionStore, retriever retrieval.Retriever) *Handlers {
	return &Handlers{
		cfg:          cfg,
		orchestrator: orchestrator,
		store:        store,
		retriever:    retriever,
	}
}

func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleDebateTurn handles POST /v1/debate/turn.
//
// Description:
//
//	Resolves the session (creating one and returning its id for
//	continuity), kicks off the guideline lookup concurrently with session
//	bookkeeping, then runs the turn. A retrieval timeout degrades to "no
//	retrieved context"; a correctly-formed request never gets an HTTP-level
//	failure from internal errors.
func (h *Handlers) HandleDebateTurn(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDebateTurn")

	var req DebateTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Retrieval races session bookkeeping and is joined with its own
	// deadline before the turn proceeds.
	var retrievedContext string
	g, gctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		retrievedContext = h.lookupGuidelines(gctx, req.UserChallenge)
		return nil
	})

	state, existed := h.store.GetOrCreate(sessionID)
	if !existed {
		state.PatientHistory = req.PatientHistory
		state.ImageContext = req.ImageContext
		if req.LabValues != nil {
			state.LabValues = req.LabValues
		}
		logger.Info("created session", "session_id", sessionID)
	}
	// The frontend owns the differential between turns; keep state in sync.
	if len(req.CurrentDifferential) > 0 {
		state.Differential = req.CurrentDifferential
	}
	SetActiveSessions(h.store.Len())

	_ = g.Wait()

	result := h.orchestrator.ProcessTurn(c.Request.Context(), req.UserChallenge, state, req.PreviousRounds, retrievedContext)

	h.store.Persist(sessionID, state)
	logger.Info("turn processed",
		"session_id", sessionID,
		"round", state.DebateRound,
		"orchestrated", result.Orchestrated,
		"citations", len(result.Citations))

	c.JSON(http.StatusOK, DebateTurnResponse{
		TurnResult:  result,
		SessionID:   sessionID,
		DebateRound: state.DebateRound,
	})
}

// lookupGuidelines retrieves and formats guideline context, degrading to ""
// on timeout, validation failure, or error.
func (h *Handlers) lookupGuidelines(ctx context.Context, challenge string) string {
	if h.retriever == nil {
		return ""
	}
	query := challenge
	if len(query) > retrieval.MaxQueryLength {
		query = query[:retrieval.MaxQueryLength]
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.RetrievalTimeout())
	defer cancel()

	chunks, err := h.retriever.Retrieve(ctx, query, retrieval.DefaultTopK)
	switch {
	case ctx.Err() != nil:
		RecordRetrieval("timeout")
		slog.Warn("guideline retrieval timed out", "timeout", h.cfg.RetrievalTimeout())
		return ""
	case err != nil:
		RecordRetrieval("error")
		slog.Warn("guideline retrieval failed", "error", err)
		return ""
	case len(chunks) == 0:
		RecordRetrieval("empty")
		return ""
	}
	RecordRetrieval("hit")
	return retrieval.FormatContext(chunks)
}

// HandleDifferential handles POST /v1/differential.
func (h *Handlers) HandleDifferential(c *gin.Context) {
	var req DifferentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	diagnoses, err := h.orchestrator.GenerateDifferential(c.Request.Context(), req.PatientHistory, req.LabValues)
	if err != nil {
		slog.Error("differential generation failed", "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: "differential generation failed",
			Code:  "SPECIALIST_UNAVAILABLE",
		})
		return
	}
	c.JSON(http.StatusOK, DifferentialResponse{Diagnoses: diagnoses})
}

// HandleExtractLabs handles POST /v1/extract-labs.
func (h *Handlers) HandleExtractLabs(c *gin.Context) {
	var req ExtractLabsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	slog.Info("extracting labs from report text", "chars", len(req.LabReportText))
	extraction, err := h.orchestrator.ExtractLabs(c.Request.Context(), req.LabReportText)
	if err != nil {
		slog.Error("lab extraction failed", "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: "lab extraction failed",
			Code:  "SPECIALIST_UNAVAILABLE",
		})
		return
	}
	c.JSON(http.StatusOK, extraction)
}

// HandleSummary handles POST /v1/summary.
func (h *Handlers) HandleSummary(c *gin.Context) {
	var req SummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	summary, err := h.orchestrator.GenerateSummary(c.Request.Context(), req.PatientHistory, req.LabValues, req.FinalDifferential, req.DebateRounds)
	if err != nil {
		slog.Error("summary generation failed", "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: "summary generation failed",
			Code:  "SPECIALIST_UNAVAILABLE",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"active_sessions": h.store.Len(),
		"retrieval":       h.retriever != nil,
		"time":            time.Now().UTC().Format(time.RFC3339),
	})
}
