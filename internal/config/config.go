// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

// Package config defines Tonearm's layered configuration: built-in
// defaults, an optional YAML file, then environment variables, loaded
// with koanf and validated before use.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration consumed by the server binary.
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	Database    DatabaseConfig    `koanf:"database"`
	Server      ServerConfig      `koanf:"server"`
	Discovery   DiscoveryConfig   `koanf:"discovery"`
	Enrichment  EnrichmentConfig  `koanf:"enrichment"`
	Similarity  SimilarityConfig  `koanf:"similarity"`
	Metadata    MetadataConfig    `koanf:"metadata"`
	Acquisition AcquisitionConfig `koanf:"acquisition"`
	Queue       QueueConfig       `koanf:"queue"`
}

// LoggingConfig controls the global zerolog pipeline.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig controls the badger-backed store.
type DatabaseConfig struct {
	Path     string `koanf:"path" validate:"required_without=InMemory"`
	InMemory bool   `koanf:"in_memory"`
}

// ServerConfig controls the observability listener.
type ServerConfig struct {
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr" validate:"required"`
}

// DiscoveryConfig controls the batch orchestrator.
type DiscoveryConfig struct {
	// DefaultPlaylistSize is used when user settings carry no explicit size.
	DefaultPlaylistSize int `koanf:"default_playlist_size" validate:"gte=10,lte=200"`

	// SeedArtistCount is how many listening-history artists seed a run.
	SeedArtistCount int `koanf:"seed_artist_count" validate:"gte=1,lte=50"`

	// ImportSettleGrace is the wait between download completion and
	// playlist assembly, giving the library import time to settle.
	ImportSettleGrace time.Duration `koanf:"import_settle_grace" validate:"gte=0"`

	// SweepInterval is how often the stuck-batch sweep runs.
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`

	// StuckForceFailAfter force-fails any non-terminal batch older than this.
	StuckForceFailAfter time.Duration `koanf:"stuck_force_fail_after" validate:"gt=0"`

	// StuckNoProgressAfter fails batches with zero completed jobs after this.
	StuckNoProgressAfter time.Duration `koanf:"stuck_no_progress_after" validate:"gt=0"`

	// StuckPartialAfter finalizes batches with partial progress after this.
	StuckPartialAfter time.Duration `koanf:"stuck_partial_after" validate:"gt=0"`

	// ExclusionWindow is how long a surfaced album stays suppressed.
	ExclusionWindow time.Duration `koanf:"exclusion_window" validate:"gt=0"`

	// ReconcileLookback bounds the reconciliation sweep.
	ReconcileLookback time.Duration `koanf:"reconcile_lookback" validate:"gt=0"`
}

// EnrichmentConfig controls the enrichment cycle controller.
type EnrichmentConfig struct {
	TickInterval    time.Duration `koanf:"tick_interval" validate:"gt=0"`
	MinCycleGap     time.Duration `koanf:"min_cycle_gap" validate:"gte=0"`
	ArtistTimeout   time.Duration `koanf:"artist_timeout" validate:"gt=0"`
	TrackTimeout    time.Duration `koanf:"track_timeout" validate:"gt=0"`
	ArtistBatchSize int           `koanf:"artist_batch_size" validate:"gte=1"`
	TrackBatchSize  int           `koanf:"track_batch_size" validate:"gte=1"`

	// ArtistConcurrency bounds the artist phase worker pool.
	ArtistConcurrency int `koanf:"artist_concurrency" validate:"gte=1,lte=16"`

	AudioBatchSize  int           `koanf:"audio_batch_size" validate:"gte=1"`
	VibeBatchSize   int           `koanf:"vibe_batch_size" validate:"gte=1"`
	VibeEnabled     bool          `koanf:"vibe_enabled"`
	StaleAfter      time.Duration `koanf:"stale_after" validate:"gt=0"`
	MaxMoodTags     int           `koanf:"max_mood_tags" validate:"gte=1"`
	SystemTripAfter int           `koanf:"system_trip_after" validate:"gte=1"`
}

// SimilarityConfig configures the external similarity service client.
type SimilarityConfig struct {
	BaseURL       string        `koanf:"base_url" validate:"required,url"`
	APIKey        string        `koanf:"api_key"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	RatePerSecond float64       `koanf:"rate_per_second" validate:"gt=0"`
	RetryAttempts int           `koanf:"retry_attempts" validate:"gte=1,lte=10"`
	RetryBaseWait time.Duration `koanf:"retry_base_wait" validate:"gt=0"`
}

// MetadataConfig configures the canonical metadata resolver client.
type MetadataConfig struct {
	BaseURL       string        `koanf:"base_url" validate:"required,url"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	RetryAttempts int           `koanf:"retry_attempts" validate:"gte=1,lte=10"`
	RetryBaseWait time.Duration `koanf:"retry_base_wait" validate:"gt=0"`
}

// AcquisitionConfig configures the acquisition service client.
type AcquisitionConfig struct {
	BaseURL        string        `koanf:"base_url" validate:"required,url"`
	APIKey         string        `koanf:"api_key"`
	Timeout        time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxConcurrent  int           `koanf:"max_concurrent" validate:"gte=1,lte=64"`
	BreakerFailMax int           `koanf:"breaker_fail_max" validate:"gte=1"`
	BreakerCooloff time.Duration `koanf:"breaker_cooloff" validate:"gt=0"`

	// DownloadRatio inflates the requested album count so failed
	// acquisitions still leave enough material for a full playlist.
	DownloadRatio float64 `koanf:"download_ratio" validate:"gte=1,lte=3"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	// Backend is "channel" (in-process watermill) or "nats" (JetStream).
	Backend string `koanf:"backend" validate:"oneof=channel nats"`

	NATSURL    string `koanf:"nats_url"`
	StreamName string `koanf:"stream_name"`
}

// Validate checks the configuration against struct constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Queue.Backend == "nats" && c.Queue.NATSURL == "" {
		return fmt.Errorf("invalid configuration: queue.nats_url required for nats backend")
	}
	return nil
}
