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
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Engine Configuration
// =============================================================================

// HallucinationPolicy selects what happens when the validator flags a turn.
type HallucinationPolicy string

const (
	// PolicyLog records the warning and returns the response unchanged.
	PolicyLog HallucinationPolicy = "log"
	// PolicyReprompt re-runs synthesis once with an explicit correction
	// instruction, then accepts whatever comes back.
	PolicyReprompt HallucinationPolicy = "reprompt"
)

// Config carries every tunable of the debate engine. Numeric defaults are
// deliberate configuration, not contracts; deployments adjust them to their
// model latency and context sizes.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	// SpecialistTimeoutSeconds is the hard deadline for one specialist call.
	SpecialistTimeoutSeconds int `yaml:"specialist_timeout_seconds"`

	// RetrievalTimeoutSeconds bounds the guideline retrieval lookup that runs
	// alongside session bookkeeping.
	RetrievalTimeoutSeconds int `yaml:"retrieval_timeout_seconds"`

	// RetrievalDistanceThreshold drops retrieved chunks whose vector distance
	// exceeds it.
	RetrievalDistanceThreshold float64 `yaml:"retrieval_distance_threshold"`

	// FormulationMaxTokens caps the question-formulation call output.
	FormulationMaxTokens int `yaml:"formulation_max_tokens"`

	// SynthesisMaxTokens caps the synthesis call output; sized to fit within
	// the specialist timeout.
	SynthesisMaxTokens int `yaml:"synthesis_max_tokens"`

	// FormulationTemperature and SynthesisTemperature are the sampling
	// temperatures for the two conversation-manager calls.
	FormulationTemperature float64 `yaml:"formulation_temperature"`
	SynthesisTemperature   float64 `yaml:"synthesis_temperature"`

	// EpisodeInterval is how many rounds elapse before a block of history is
	// compressed into an episode summary.
	EpisodeInterval int `yaml:"episode_interval"`

	// MinEpisodeRounds is how many prior history rounds must exist before an
	// episode summary is attempted.
	MinEpisodeRounds int `yaml:"min_episode_rounds"`

	// SessionCapacity bounds the in-memory session table; the oldest session
	// by insertion order is evicted past it.
	SessionCapacity int `yaml:"session_capacity"`

	// OnHallucination is the policy applied when the validator flags a turn.
	OnHallucination HallucinationPolicy `yaml:"on_hallucination"`

	// SnapshotPath, when set, enables on-disk session snapshots at this path.
	SnapshotPath string `yaml:"snapshot_path"`

	// SnapshotTTLHours is how long an idle snapshot survives.
	SnapshotTTLHours int `yaml:"snapshot_ttl_hours"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		SpecialistTimeoutSeconds:   90,
		RetrievalTimeoutSeconds:    5,
		RetrievalDistanceThreshold: 1.3,
		FormulationMaxTokens:       512,
		SynthesisMaxTokens:         4096,
		FormulationTemperature:     0.3,
		SynthesisTemperature:       0.5,
		EpisodeInterval:            5,
		MinEpisodeRounds:           DefaultMinEpisodeRounds,
		SessionCapacity:            DefaultSessionCapacity,
		OnHallucination:            PolicyLog,
		SnapshotTTLHours:           24,
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	if c.SpecialistTimeoutSeconds <= 0 {
		return fmt.Errorf("config: specialist_timeout_seconds must be positive, got %d", c.SpecialistTimeoutSeconds)
	}
	if c.RetrievalTimeoutSeconds <= 0 {
		return fmt.Errorf("config: retrieval_timeout_seconds must be positive, got %d", c.RetrievalTimeoutSeconds)
	}
	if c.EpisodeInterval < 1 {
		return fmt.Errorf("config: episode_interval must be at least 1, got %d", c.EpisodeInterval)
	}
	if c.SessionCapacity < 1 {
		return fmt.Errorf("config: session_capacity must be at least 1, got %d", c.SessionCapacity)
	}
	switch c.OnHallucination {
	case PolicyLog, PolicyReprompt:
	default:
		return fmt.Errorf("config: on_hallucination must be %q or %q, got %q", PolicyLog, PolicyReprompt, c.OnHallucination)
	}
	return nil
}

// SpecialistTimeout returns the specialist deadline as a duration.
func (c Config) SpecialistTimeout() time.Duration {
	return time.Duration(c.SpecialistTimeoutSeconds) * time.Second
}

// RetrievalTimeout returns the retrieval deadline as a duration.
func (c Config) RetrievalTimeout() time.Duration {
	return time.Duration(c.RetrievalTimeoutSeconds) * time.Second
}

// SnapshotTTL returns the snapshot lifetime as a duration.
func (c Config) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLHours) * time.Hour
}
