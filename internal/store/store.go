// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

// Package store defines the persistent entities of the discovery and
// enrichment pipeline and the transactional operations over them.
//
// All durable coordination state lives here; the orchestrator and the
// enrichment controller keep no cross-phase mutable state of their own
// beyond in-flight guard flags. Multi-row mutations that must be atomic
// (batch+jobs creation, batch transitions, final playlist assembly) are
// single interface calls so implementations can wrap them in one
// transaction.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by batch updates when the persisted
	// version differs from the caller's copy (lost-update protection for
	// concurrent sweep/webhook triggers).
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrBatchTerminal is returned by TransitionBatch when the batch is
	// already in an absorbing state. Completion checks treat this as a
	// no-op signal, never an error to propagate.
	ErrBatchTerminal = errors.New("store: batch already terminal")
)

// BatchTransition describes one atomic batch state transition together
// with the negative-result rows recorded alongside it.
type BatchTransition struct {
	BatchID         string
	FromStatus      BatchStatus
	ToStatus        BatchStatus
	CompletedAlbums int
	FailedAlbums    int
	ErrorMessage    string
	LogMessage      string
	Unavailable     []UnavailableAlbum
}

// DiscoveryResult is the unit persisted by the final playlist build:
// one album row plus its surfaced tracks.
type DiscoveryResult struct {
	Album  DiscoveryAlbum
	Tracks []DiscoveryTrack
}

// BatchStore persists discovery batches and their jobs.
type BatchStore interface {
	// CreateBatchWithJobs atomically creates a batch and its jobs.
	CreateBatchWithJobs(ctx context.Context, batch *DiscoveryBatch, jobs []*DownloadJob) error

	GetBatch(ctx context.Context, id string) (*DiscoveryBatch, error)

	// UpdateBatch persists the batch if the stored version matches
	// batch.Version, then increments it. Returns ErrVersionConflict on
	// mismatch.
	UpdateBatch(ctx context.Context, batch *DiscoveryBatch) error

	// TransitionBatch applies t in one transaction: re-reads the batch,
	// returns ErrBatchTerminal if it is already terminal or no longer in
	// t.FromStatus, otherwise writes the new status, counters, log entry,
	// and every UnavailableAlbum row (incrementing attempt counters on
	// repeat failures).
	TransitionBatch(ctx context.Context, t BatchTransition) (*DiscoveryBatch, error)

	ListBatchesByStatus(ctx context.Context, statuses ...BatchStatus) ([]*DiscoveryBatch, error)

	GetJob(ctx context.Context, id string) (*DownloadJob, error)

	// CreateJob appends one job to an existing batch (replacement
	// searches create new jobs rather than re-opening terminal ones).
	CreateJob(ctx context.Context, job *DownloadJob) error

	UpdateJob(ctx context.Context, job *DownloadJob) error
	ListJobsByBatch(ctx context.Context, batchID string) ([]*DownloadJob, error)

	// FindActiveJobByTarget returns a pending or processing job for the
	// given target MBID, or ErrNotFound. Used to skip duplicate
	// acquisition at creation time.
	FindActiveJobByTarget(ctx context.Context, targetMBID string) (*DownloadJob, error)
}

// ResultStore persists materialized discovery results and exclusions.
type ResultStore interface {
	// UpsertDiscoveryResults persists results keyed by (user, week start,
	// album MBID), refreshes the exclusion window for every album, and
	// writes the caller's batch (already marked completed) under the
	// optimistic version check, all in one transaction. Idempotent under
	// regeneration.
	UpsertDiscoveryResults(ctx context.Context, batch *DiscoveryBatch, results []DiscoveryResult, exclusionWindow time.Duration) error

	ListDiscoveryAlbums(ctx context.Context, userID string, weekStart time.Time) ([]*DiscoveryAlbum, error)
	ListDiscoveryTracks(ctx context.Context, discoveryAlbumID string) ([]*DiscoveryTrack, error)

	// UpsertDiscoveryResult backfills a single album outside a batch
	// transition (reconciliation sweep). Same idempotence key.
	UpsertDiscoveryResult(ctx context.Context, userID string, weekStart time.Time, result DiscoveryResult) error

	GetExclusion(ctx context.Context, userID, albumMBID string) (*DiscoverExclusion, error)
	RefreshExclusion(ctx context.Context, userID, albumMBID string, window time.Duration) error
	ListUnavailableAlbums(ctx context.Context, userID string, weekStart time.Time) ([]*UnavailableAlbum, error)
}

// LibraryStore exposes read access to the owned library plus the raw
// aggregate queries the engine and orchestrator need.
type LibraryStore interface {
	GetUserSettings(ctx context.Context, userID string) (*UserSettings, error)

	// TopSeedArtists returns artist names derived from the user's
	// listening history, most played first.
	TopSeedArtists(ctx context.Context, userID string, limit int) ([]string, error)

	// UserTopGenres returns the user's most listened genres.
	UserTopGenres(ctx context.Context, userID string, limit int) ([]string, error)

	ListLibraryAlbums(ctx context.Context) ([]*Album, error)
	ListAlbumsByArtist(ctx context.Context, artistName string) ([]*Album, error)
	FindAlbumByMBID(ctx context.Context, mbid string) (*Album, error)

	// FindAlbumByArtistTitle matches case-insensitively on trimmed
	// artist and title.
	FindAlbumByArtistTitle(ctx context.Context, artist, title string) (*Album, error)

	ListTracksByAlbum(ctx context.Context, albumID string) ([]*Track, error)

	// RandomLibraryAlbums samples n albums, optionally restricted to the
	// given artist names (empty slice means any artist).
	RandomLibraryAlbums(ctx context.Context, artistNames []string, n int) ([]*Album, error)
}

// EnrichmentStore persists enrichment work selection and progress.
type EnrichmentStore interface {
	GetEnrichmentState(ctx context.Context) (*EnrichmentState, error)
	PutEnrichmentState(ctx context.Context, state *EnrichmentState) error

	// ListArtistsForEnrichment selects artists in pending or failed
	// status, oldest first, up to limit.
	ListArtistsForEnrichment(ctx context.Context, limit int) ([]*Artist, error)

	// GetArtist returns one artist row, ErrNotFound when absent.
	GetArtist(ctx context.Context, id string) (*Artist, error)
	UpdateArtist(ctx context.Context, artist *Artist) error

	// ListTracksMissingMoodTags selects tracks whose MoodTags are nil or
	// empty; sentinel-tagged tracks are excluded.
	ListTracksMissingMoodTags(ctx context.Context, limit int) ([]*Track, error)

	// ListTracksPendingAnalysis selects tracks whose audio analysis
	// status is pending, up to limit.
	ListTracksPendingAnalysis(ctx context.Context, limit int) ([]*Track, error)

	// ListTracksMissingEmbeddings selects tracks with no embedding row
	// and no unset or terminal vibe status, up to limit.
	ListTracksMissingEmbeddings(ctx context.Context, limit int) ([]*Track, error)

	// GetTrack returns one track row, ErrNotFound when absent. Analyzer
	// result handlers load through this before writing outcomes back.
	GetTrack(ctx context.Context, id string) (*Track, error)
	UpdateTrack(ctx context.Context, track *Track) error

	// ResetStaleProcessing flips tracks stuck in processing for the given
	// field (audio or vibe) longer than timeout back to pending and
	// returns how many were reset.
	ResetStaleProcessing(ctx context.Context, phase Phase, timeout time.Duration) (int, error)

	// CountCompletedSince reports how many tracks reached a terminal
	// analysis state for the phase since t (progress evidence for the
	// analyzer circuit breaker).
	CountCompletedSince(ctx context.Context, phase Phase, t time.Time) (int, error)

	AppendEnrichmentFailure(ctx context.Context, failure *EnrichmentFailure) error

	// ListEnrichmentFailures returns failure records newest first. A
	// limit of zero or less means no limit.
	ListEnrichmentFailures(ctx context.Context, limit int) ([]*EnrichmentFailure, error)

	// ClearEnrichmentFailures deletes the failure records with the given
	// IDs. Unknown IDs are ignored.
	ClearEnrichmentFailures(ctx context.Context, ids ...string) error

	// CountEnrichment returns aggregate phase counters straight from the
	// rows, used to recompute progress after each phase.
	CountEnrichment(ctx context.Context) (artists PhaseProgress, tracks PhaseProgress, audio PhaseProgress, vibe PhaseProgress, err error)

	// ResetEnrichment resets status fields for the named phases back to
	// pending, leaving every other phase untouched.
	ResetEnrichment(ctx context.Context, phases ...Phase) error
}

// Store is the full persistence contract consumed by the pipeline.
type Store interface {
	BatchStore
	ResultStore
	LibraryStore
	EnrichmentStore
}
