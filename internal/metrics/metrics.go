// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

// Package metrics provides Prometheus instrumentation for the discovery
// pipeline and the enrichment cycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Discovery batch metrics
	BatchesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "discovery_batches_created_total",
			Help: "Total number of discovery batches created",
		},
	)

	BatchesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_batches_finished_total",
			Help: "Total number of discovery batches reaching a terminal state",
		},
		[]string{"status"}, // "completed", "failed"
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "discovery_batch_duration_seconds",
			Help:    "Wall time from batch creation to terminal state",
			Buckets: []float64{30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
	)

	BatchesSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_batches_swept_total",
			Help: "Total number of batches resolved by the stuck-batch sweep",
		},
		[]string{"reason"}, // "force_fail", "no_progress", "partial"
	)

	// Download job metrics
	JobsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_jobs_settled_total",
			Help: "Total number of download jobs reaching a terminal state",
		},
		[]string{"status"}, // "completed", "failed", "exhausted"
	)

	PlaylistTracks = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "discovery_playlist_tracks",
			Help:    "Number of tracks in assembled discovery playlists",
			Buckets: []float64{10, 20, 30, 40, 50, 75, 100},
		},
	)

	ReplacementSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discovery_replacement_searches_total",
			Help: "Total number of replacement album searches",
		},
		[]string{"outcome"}, // "found", "library_anchor", "none"
	)

	// Recommendation engine metrics
	RecommendationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recommend_generation_duration_seconds",
			Help:    "Duration of recommendation set generation",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	RecommendationCandidates = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recommend_candidates_selected",
			Help:    "Candidates selected per tier in a generation run",
			Buckets: []float64{1, 2, 5, 10, 15, 25, 50},
		},
		[]string{"tier"},
	)

	// External service metrics
	ExternalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "external_requests_total",
			Help: "Total requests to external services",
		},
		[]string{"service", "outcome"}, // outcome: "ok", "error", "retried"
	)

	ExternalRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "external_request_duration_seconds",
			Help:    "External service request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)

	// Enrichment cycle metrics
	EnrichmentCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_cycles_total",
			Help: "Total enrichment cycles by outcome",
		},
		[]string{"outcome"}, // "completed", "skipped", "error"
	)

	EnrichmentPhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrichment_phase_duration_seconds",
			Help:    "Duration of one enrichment phase pass",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"phase"},
	)

	EnrichmentItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_items_total",
			Help: "Enrichment items processed by phase and outcome",
		},
		[]string{"phase", "outcome"}, // outcome: "completed", "failed", "sentinel"
	)

	EnrichmentBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enrichment_backlog",
			Help: "Remaining items per enrichment phase",
		},
		[]string{"phase"},
	)

	// Queue metrics
	QueuePublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_published_total",
			Help: "Messages published to the job queue",
		},
		[]string{"queue"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Events published on the internal bus",
		},
		[]string{"topic"},
	)
)

// ObserveBatchFinished records a terminal batch outcome with its duration.
func ObserveBatchFinished(status string, createdAt time.Time) {
	BatchesFinished.WithLabelValues(status).Inc()
	BatchDuration.Observe(time.Since(createdAt).Seconds())
}

// ObserveExternalRequest records one external call's duration and outcome.
func ObserveExternalRequest(service string, start time.Time, err error) {
	ExternalRequestDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ExternalRequests.WithLabelValues(service, outcome).Inc()
}

// SetBreakerState publishes a breaker state change.
// Closed=0, half-open=1, open=2.
func SetBreakerState(breaker string, state float64) {
	BreakerState.WithLabelValues(breaker).Set(state)
}
