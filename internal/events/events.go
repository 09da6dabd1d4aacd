// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

// Package events defines the internal event bus and the payloads the
// pipeline publishes on it. Events are observational: no pipeline step
// depends on a subscriber having seen one.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Topics published by the pipeline.
const (
	TopicDiscoverProgress   = "discover.progress"
	TopicDiscoverComplete   = "discover.complete"
	TopicEnrichmentProgress = "enrichment.progress"
)

// DiscoverProgress reports a batch lifecycle step.
type DiscoverProgress struct {
	EventID         string    `json:"event_id"`
	BatchID         string    `json:"batch_id"`
	UserID          string    `json:"user_id"`
	Status          string    `json:"status"`
	CompletedAlbums int       `json:"completed_albums"`
	FailedAlbums    int       `json:"failed_albums"`
	TotalAlbums     int       `json:"total_albums"`

	// Progress is the settled fraction of the batch's jobs, 0 to 1.
	Progress float64 `json:"progress"`

	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewDiscoverProgress stamps identity and time on a progress event.
func NewDiscoverProgress(batchID, userID, status string) *DiscoverProgress {
	return &DiscoverProgress{
		EventID:   uuid.New().String(),
		BatchID:   batchID,
		UserID:    userID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

// DiscoverComplete reports a batch reaching a terminal state.
type DiscoverComplete struct {
	EventID    string    `json:"event_id"`
	BatchID    string    `json:"batch_id"`
	UserID     string    `json:"user_id"`
	WeekStart  time.Time `json:"week_start"`
	Status     string    `json:"status"`
	TrackCount int       `json:"track_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewDiscoverComplete stamps identity and time on a completion event.
func NewDiscoverComplete(batchID, userID string, weekStart time.Time, status string, trackCount int) *DiscoverComplete {
	return &DiscoverComplete{
		EventID:    uuid.New().String(),
		BatchID:    batchID,
		UserID:     userID,
		WeekStart:  weekStart,
		Status:     status,
		TrackCount: trackCount,
		Timestamp:  time.Now().UTC(),
	}
}

// EnrichmentProgress reports one enrichment phase snapshot.
type EnrichmentProgress struct {
	EventID     string    `json:"event_id"`
	Status      string    `json:"status"`
	Phase       string    `json:"phase"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Total       int       `json:"total"`
	CurrentItem string    `json:"current_item,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewEnrichmentProgress stamps identity and time on a progress snapshot.
func NewEnrichmentProgress(status, phase string) *EnrichmentProgress {
	return &EnrichmentProgress{
		EventID:   uuid.New().String(),
		Status:    status,
		Phase:     phase,
		Timestamp: time.Now().UTC(),
	}
}
