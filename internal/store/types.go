// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package store

import (
	"time"
)

// BatchStatus is the lifecycle state of a discovery batch.
// Transitions are monotonic forward; completed and failed are absorbing.
type BatchStatus string

const (
	BatchDownloading BatchStatus = "downloading"
	BatchScanning    BatchStatus = "scanning"
	BatchCompleted   BatchStatus = "completed"
	BatchFailed      BatchStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// JobStatus is the lifecycle state of a download job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobExhausted  JobStatus = "exhausted"
)

// Terminal reports whether the job status can no longer change.
// Terminal jobs are never re-opened; a replacement search creates a new job.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobExhausted
}

// Tier is the coarse similarity bucket assigned to a recommendation.
type Tier string

const (
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierExplore  Tier = "explore"
	TierWildcard Tier = "wildcard"
)

// BatchLogEntry is one append-only structured log line on a batch.
type BatchLogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// DiscoveryBatch is one discovery generation run for one user and week.
type DiscoveryBatch struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	WeekStart       time.Time       `json:"week_start"`
	Status          BatchStatus     `json:"status"`
	TargetSongCount int             `json:"target_song_count"`
	TotalAlbums     int             `json:"total_albums"`
	CompletedAlbums int             `json:"completed_albums"`
	FailedAlbums    int             `json:"failed_albums"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	FinalSongCount  int             `json:"final_song_count,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Log             []BatchLogEntry `json:"log,omitempty"`

	// Version supports optimistic concurrency on status transitions.
	// Incremented by the store on every successful update.
	Version int64 `json:"version"`
}

// AppendLog adds a structured log entry to the batch.
func (b *DiscoveryBatch) AppendLog(level, message string) {
	b.Log = append(b.Log, BatchLogEntry{Time: time.Now().UTC(), Level: level, Message: message})
}

// AcquisitionMetadata carries recommendation provenance on a download job.
// Fields are explicit and validated at read time; similarity and tier are
// copied verbatim to discovery results, never recomputed.
type AcquisitionMetadata struct {
	ArtistName    string  `json:"artist_name"`
	AlbumName     string  `json:"album_name"`
	AlbumMBID     string  `json:"album_mbid,omitempty"`
	Similarity    float64 `json:"similarity"`
	Tier          Tier    `json:"tier"`
	LibraryAnchor bool    `json:"library_anchor,omitempty"`

	// Replacement marks a job spawned by a replacement search. At most
	// one replacement is spawned per failed job.
	Replacement bool `json:"replacement,omitempty"`
}

// DownloadJob is one candidate album acquisition attempt.
type DownloadJob struct {
	ID             string              `json:"id"`
	UserID         string              `json:"user_id"`
	Subject        string              `json:"subject"`
	Type           string              `json:"type"`
	TargetMBID     string              `json:"target_mbid"`
	Status         JobStatus           `json:"status"`
	BatchID        string              `json:"batch_id,omitempty"`
	Metadata       AcquisitionMetadata `json:"metadata"`
	AcquisitionRef string              `json:"acquisition_ref,omitempty"`
	Error          string              `json:"error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}

// JobTypeDiscoveryAlbum is the job type created by the batch orchestrator.
const JobTypeDiscoveryAlbum = "discovery_album"

// DiscoveryAlbum is a materialized album of a completed batch, keyed by
// (user, week start, album MBID) for idempotent upsert.
type DiscoveryAlbum struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	WeekStart  time.Time `json:"week_start"`
	AlbumMBID  string    `json:"album_mbid"`
	ArtistName string    `json:"artist_name"`
	AlbumName  string    `json:"album_name"`
	Similarity float64   `json:"similarity"`
	Tier       Tier      `json:"tier"`
	CreatedAt  time.Time `json:"created_at"`
}

// DiscoveryTrack is one track surfaced under a DiscoveryAlbum.
type DiscoveryTrack struct {
	ID               string `json:"id"`
	DiscoveryAlbumID string `json:"discovery_album_id"`
	TrackID          string `json:"track_id"`
	Title            string `json:"title"`
	Anchor           bool   `json:"anchor,omitempty"`
}

// UnavailableAlbum records a failed acquisition for a given week.
// Informational only; it never blocks future recommendation.
type UnavailableAlbum struct {
	UserID       string    `json:"user_id"`
	WeekStart    time.Time `json:"week_start"`
	AlbumMBID    string    `json:"album_mbid"`
	ArtistName   string    `json:"artist_name"`
	AlbumName    string    `json:"album_name"`
	Attempts     int       `json:"attempts"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DiscoverExclusion suppresses re-recommendation of an album until ExpiresAt.
// Refreshed, not duplicated, on repeat suggestion.
type DiscoverExclusion struct {
	UserID    string    `json:"user_id"`
	AlbumMBID string    `json:"album_mbid"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the exclusion is still in force at t.
func (e DiscoverExclusion) Active(t time.Time) bool {
	return t.Before(e.ExpiresAt)
}

// EnrichStatus is the per-entity enrichment lifecycle state.
type EnrichStatus string

const (
	EnrichPending    EnrichStatus = "pending"
	EnrichProcessing EnrichStatus = "processing"
	EnrichCompleted  EnrichStatus = "completed"
	EnrichFailed     EnrichStatus = "failed"
)

// Mood tag sentinels distinguish "checked, nothing found" from "never
// checked" so tracks are not re-selected forever.
const (
	MoodSentinelNone     = "_no_mood_tags"
	MoodSentinelNotFound = "_not_found"
)

// Artist is a library artist visible to the enrichment cycle.
type Artist struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	MBID         string       `json:"mbid,omitempty"`
	EnrichStatus EnrichStatus `json:"enrich_status"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Album is a library album row used for ownership checks, playlist
// assembly, and anchor selection.
type Album struct {
	ID              string    `json:"id"`
	ArtistName      string    `json:"artist_name"`
	Title           string    `json:"title"`
	MBID            string    `json:"mbid,omitempty"`
	Genres          []string  `json:"genres,omitempty"`
	TrackCount      int       `json:"track_count"`
	Liked           bool      `json:"liked,omitempty"`
	DiscoveryTagged bool      `json:"discovery_tagged,omitempty"`
	AddedAt         time.Time `json:"added_at"`
}

// Track is a library track row. MoodTags semantics: nil means never
// checked, an empty slice means newly scanned, and a sentinel value means
// checked with no qualifying tags.
type Track struct {
	ID            string       `json:"id"`
	AlbumID       string       `json:"album_id"`
	ArtistName    string       `json:"artist_name"`
	AlbumTitle    string       `json:"album_title"`
	Title         string       `json:"title"`
	MoodTags      []string     `json:"mood_tags,omitempty"`
	AudioStatus   EnrichStatus `json:"audio_status,omitempty"`
	AudioQueuedAt *time.Time   `json:"audio_queued_at,omitempty"`
	VibeStatus    EnrichStatus `json:"vibe_status,omitempty"`
	VibeQueuedAt  *time.Time   `json:"vibe_queued_at,omitempty"`
	HasEmbedding  bool         `json:"has_embedding,omitempty"`
}

// NeedsMoodTags reports whether the track should be selected for the
// track-tag enrichment phase.
func (t Track) NeedsMoodTags() bool {
	if len(t.MoodTags) == 0 {
		return true // nil and empty both count as untagged
	}
	for _, tag := range t.MoodTags {
		if tag == MoodSentinelNone || tag == MoodSentinelNotFound {
			return false
		}
	}
	return false
}

// EnrichmentStatus is the controller-level lifecycle state.
type EnrichmentStatus string

const (
	EnrichmentIdle     EnrichmentStatus = "idle"
	EnrichmentRunning  EnrichmentStatus = "running"
	EnrichmentPaused   EnrichmentStatus = "paused"
	EnrichmentStopping EnrichmentStatus = "stopping"
)

// Phase identifies one enrichment phase.
type Phase string

const (
	PhaseArtists Phase = "artists"
	PhaseTracks  Phase = "tracks"
	PhaseAudio   Phase = "audio"
	PhaseVibe    Phase = "vibe"
	PhaseNone    Phase = ""
)

// PhaseProgress holds per-phase counters for observers.
type PhaseProgress struct {
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Processing  int    `json:"processing"`
	CurrentItem string `json:"current_item,omitempty"`
}

// EnrichmentState is the single process-wide enrichment record. Only the
// cycle controller writes it; readers are purely observational.
type EnrichmentState struct {
	Status       EnrichmentStatus `json:"status"`
	CurrentPhase Phase            `json:"current_phase"`
	Artists      PhaseProgress    `json:"artists"`
	Tracks       PhaseProgress    `json:"tracks"`
	Audio        PhaseProgress    `json:"audio"`
	Vibe         PhaseProgress    `json:"vibe"`

	// One-shot flags; each fires at most once per qualifying transition.
	CoreCacheCleared           bool `json:"core_cache_cleared"`
	CompletionNotificationSent bool `json:"completion_notification_sent"`
	FullCacheCleared           bool `json:"full_cache_cleared"`

	UpdatedAt time.Time `json:"updated_at"`
}

// FailureKind classifies an enrichment failure record.
type FailureKind string

const (
	FailureArtist FailureKind = "artist"
	FailureTrack  FailureKind = "track"
	FailureSystem FailureKind = "system"
)

// EnrichmentFailure is one append-only failed enrichment attempt, used for
// the retry UI and circuit-breaker accounting.
type EnrichmentFailure struct {
	ID         string            `json:"id"`
	Kind       FailureKind       `json:"kind"`
	EntityID   string            `json:"entity_id,omitempty"`
	EntityName string            `json:"entity_name,omitempty"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// UserSettings carries the per-user discovery configuration the
// orchestrator validates before generating a batch.
type UserSettings struct {
	UserID           string `json:"user_id"`
	DiscoveryEnabled bool   `json:"discovery_enabled"`
	PlaylistSize     int    `json:"playlist_size"`
}
