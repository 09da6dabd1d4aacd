// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tonearm/config.yaml",
	"/etc/tonearm/config.yml",
}

// ConfigPathEnvVar overrides the config file search when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// Default returns the built-in defaults applied before file and env layers.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path: "/data/tonearm",
		},
		Server: ServerConfig{
			MetricsEnabled: true,
			MetricsAddr:    ":9464",
		},
		Discovery: DiscoveryConfig{
			DefaultPlaylistSize:  50,
			SeedArtistCount:      10,
			ImportSettleGrace:    60 * time.Second,
			SweepInterval:        10 * time.Minute,
			StuckForceFailAfter:  2 * time.Hour,
			StuckNoProgressAfter: 60 * time.Minute,
			StuckPartialAfter:    30 * time.Minute,
			ExclusionWindow:      90 * 24 * time.Hour,
			ReconcileLookback:    7 * 24 * time.Hour,
		},
		Enrichment: EnrichmentConfig{
			TickInterval:      30 * time.Second,
			MinCycleGap:       10 * time.Second,
			ArtistTimeout:     60 * time.Second,
			TrackTimeout:      30 * time.Second,
			ArtistBatchSize:   100,
			TrackBatchSize:    200,
			ArtistConcurrency: 1,
			AudioBatchSize:    50,
			VibeBatchSize:     1000,
			VibeEnabled:       true,
			StaleAfter:        30 * time.Minute,
			MaxMoodTags:       10,
			SystemTripAfter:   5,
		},
		Similarity: SimilarityConfig{
			BaseURL:       "https://ws.audioscrobbler.com/2.0",
			Timeout:       15 * time.Second,
			RatePerSecond: 4,
			RetryAttempts: 3,
			RetryBaseWait: 500 * time.Millisecond,
		},
		Metadata: MetadataConfig{
			BaseURL:       "https://musicbrainz.org/ws/2",
			Timeout:       15 * time.Second,
			RetryAttempts: 3,
			RetryBaseWait: 500 * time.Millisecond,
		},
		Acquisition: AcquisitionConfig{
			BaseURL:        "http://127.0.0.1:8686",
			Timeout:        30 * time.Second,
			MaxConcurrent:  4,
			BreakerFailMax: 5,
			BreakerCooloff: 60 * time.Second,
			DownloadRatio:  1.3,
		},
		Queue: QueueConfig{
			Backend:    "channel",
			NATSURL:    "nats://127.0.0.1:4222",
			StreamName: "TONEARM_JOBS",
		},
	}
}

// Load builds the configuration from layered sources: struct defaults,
// then an optional YAML file, then environment variables. The result is
// validated before being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps flat environment variable names to koanf paths.
// Unmapped variables are ignored so arbitrary environment noise never
// leaks into the configuration.
var envMappings = map[string]string{
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"database_path":      "database.path",
	"database_in_memory": "database.in_memory",

	"metrics_enabled": "server.metrics_enabled",
	"metrics_addr":    "server.metrics_addr",

	"discovery_default_playlist_size":  "discovery.default_playlist_size",
	"discovery_seed_artist_count":      "discovery.seed_artist_count",
	"discovery_import_settle_grace":    "discovery.import_settle_grace",
	"discovery_sweep_interval":         "discovery.sweep_interval",
	"discovery_stuck_force_fail_after": "discovery.stuck_force_fail_after",
	"discovery_stuck_no_progress":      "discovery.stuck_no_progress_after",
	"discovery_stuck_partial":          "discovery.stuck_partial_after",
	"discovery_exclusion_window":       "discovery.exclusion_window",
	"discovery_reconcile_lookback":     "discovery.reconcile_lookback",

	"enrichment_tick_interval":      "enrichment.tick_interval",
	"enrichment_min_cycle_gap":      "enrichment.min_cycle_gap",
	"enrichment_artist_timeout":     "enrichment.artist_timeout",
	"enrichment_track_timeout":      "enrichment.track_timeout",
	"enrichment_artist_batch_size":  "enrichment.artist_batch_size",
	"enrichment_track_batch_size":   "enrichment.track_batch_size",
	"enrichment_artist_concurrency": "enrichment.artist_concurrency",
	"enrichment_audio_batch_size":   "enrichment.audio_batch_size",
	"enrichment_vibe_batch_size":    "enrichment.vibe_batch_size",
	"enrichment_vibe_enabled":       "enrichment.vibe_enabled",
	"enrichment_stale_after":        "enrichment.stale_after",
	"enrichment_max_mood_tags":      "enrichment.max_mood_tags",
	"enrichment_system_trip_after":  "enrichment.system_trip_after",

	"similarity_base_url":        "similarity.base_url",
	"similarity_api_key":         "similarity.api_key",
	"similarity_timeout":         "similarity.timeout",
	"similarity_rate_per_second": "similarity.rate_per_second",
	"similarity_retry_attempts":  "similarity.retry_attempts",
	"similarity_retry_base_wait": "similarity.retry_base_wait",

	"metadata_base_url":        "metadata.base_url",
	"metadata_timeout":         "metadata.timeout",
	"metadata_retry_attempts":  "metadata.retry_attempts",
	"metadata_retry_base_wait": "metadata.retry_base_wait",

	"acquisition_base_url":         "acquisition.base_url",
	"acquisition_api_key":          "acquisition.api_key",
	"acquisition_timeout":          "acquisition.timeout",
	"acquisition_max_concurrent":   "acquisition.max_concurrent",
	"acquisition_breaker_fail_max": "acquisition.breaker_fail_max",
	"acquisition_breaker_cooloff":  "acquisition.breaker_cooloff",
	"acquisition_download_ratio":   "acquisition.download_ratio",

	"queue_backend":     "queue.backend",
	"queue_nats_url":    "queue.nats_url",
	"queue_stream_name": "queue.stream_name",
}

func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
