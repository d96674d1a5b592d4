// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command sturgeon starts the diagnostic debate API server.
//
// Sturgeon orchestrates a turn-based diagnostic debate between a clinician
// and two models: a conversation manager (Gemini) that formulates questions
// and synthesizes replies, and a medical specialist (MedGemma via vLLM) that
// does the clinical reasoning.
//
// Usage:
//
//	go run ./cmd/sturgeon
//	go run ./cmd/sturgeon -port 9090 -config sturgeon.yaml
//
// Environment:
//
//	GEMINI_API_KEY       API key for the conversation manager (required)
//	GEMINI_MODEL         Conversation manager model (default gemini-1.5-flash)
//	VLLM_BASE_URL        Specialist backend base URL (default http://localhost:8000)
//	SPECIALIST_MODEL     Specialist model name (default google/medgemma-27b-text-it)
//	WEAVIATE_HOST        Guideline vector store host; unset disables retrieval
//	SNAPSHOT_DIR         Session snapshot directory; unset disables snapshots
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/health
//
//	# Run one debate turn
//	curl -X POST http://localhost:8080/v1/debate/turn \
//	  -H "Content-Type: application/json" \
//	  -d '{"patient_history": "42yo male, fever and cough", "user_challenge": "Why not Legionella?"}'
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/weekijie/sturgeon/services/debate"
	"github.com/weekijie/sturgeon/services/llm"
	"github.com/weekijie/sturgeon/services/retrieval"
)

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	if *debug {
		gin.SetMode(gin.DebugMode)
		slog.SetLogLoggerLevel(slog.LevelDebug)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg, err := debate.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// W3C TraceContext propagation so trace context flows from incoming
	// headers through handlers.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracerShutdown := setupTracing(*debug)

	manager, err := llm.NewGeminiClient()
	if err != nil {
		slog.Error("Failed to initialize conversation manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	specialistURL := os.Getenv("VLLM_BASE_URL")
	if specialistURL == "" {
		specialistURL = "http://localhost:8000"
	}
	specialistModel := os.Getenv("SPECIALIST_MODEL")
	if specialistModel == "" {
		specialistModel = "google/medgemma-27b-text-it"
	}
	specialist := llm.NewSpecialistClient(specialistURL, specialistModel)

	// Session snapshots degrade gracefully: without the store, sessions are
	// memory-only and a restart loses them.
	var snapshots *debate.SnapshotStore
	snapshotDir := cfg.SnapshotPath
	if snapshotDir == "" {
		snapshotDir = os.Getenv("SNAPSHOT_DIR")
	}
	if dir := snapshotDir; dir != "" {
		snapshots, err = debate.OpenSnapshotStore(dir, cfg.SnapshotTTL())
		if err != nil {
			slog.Warn("Session snapshot store unavailable, sessions are memory-only",
				slog.String("path", dir),
				slog.String("error", err.Error()),
			)
			snapshots = nil
		} else {
			slog.Info("Session snapshot store opened", slog.String("path", dir))
		}
	}

	var retriever retrieval.Retriever
	if host := os.Getenv("WEAVIATE_HOST"); host != "" {
		r, err := retrieval.NewWeaviateRetriever(host, os.Getenv("WEAVIATE_SCHEME"), cfg.RetrievalDistanceThreshold)
		if err != nil {
			slog.Warn("Guideline retriever unavailable, retrieval disabled",
				slog.String("host", host),
				slog.String("error", err.Error()),
			)
		} else {
			retriever = r
			slog.Info("Guideline retriever connected", slog.String("host", host))
		}
	}

	store := debate.NewSessionStore(cfg.SessionCapacity, snapshots)
	summarizer := debate.NewEpisodeSummarizer(manager, cfg.MinEpisodeRounds)
	orchestrator := debate.NewOrchestrator(cfg, manager, specialist, summarizer)
	handlers := debate.NewHandlers(cfg, orchestrator, store, retriever)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("sturgeon"))
	if *debug {
		router.Use(gin.Logger())
	}

	router.GET("/health", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	debate.RegisterRoutes(v1, handlers)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		slog.Info("Shutting down Sturgeon server")
		if snapshots != nil {
			if err := snapshots.Close(); err != nil {
				slog.Warn("Failed to close snapshot store", slog.String("error", err.Error()))
			}
		}
		tracerShutdown()
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Starting Sturgeon server",
		slog.String("address", addr),
		slog.Int("session_capacity", cfg.SessionCapacity),
		slog.Bool("retrieval", retriever != nil),
	)
	if err := router.Run(addr); err != nil {
		slog.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// setupTracing installs a stdout span exporter in debug mode so local runs
// can see request traces. Returns a shutdown func; a no-op in release mode.
func setupTracing(debug bool) func() {
	if !debug {
		return func() {}
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		slog.Warn("Failed to create stdout trace exporter", slog.String("error", err.Error()))
		return func() {}
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Warn("Trace provider shutdown failed", slog.String("error", err.Error()))
		}
	}
}
