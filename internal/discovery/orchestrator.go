// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

// Package discovery orchestrates weekly discovery batches: recommendation,
// acquisition dispatch, completion tracking, playlist assembly, and the
// sweeps that unstick or backfill batches.
//
// The orchestrator holds no cross-call mutable state. Every decision is
// re-derived from the store, so any trigger (worker callback, webhook,
// sweep) can run the same completion check concurrently; TransitionBatch
// guards make duplicate transitions a no-op.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tonearm/tonearm/internal/events"
	"github.com/tonearm/tonearm/internal/metrics"
	"github.com/tonearm/tonearm/internal/musicapi"
	"github.com/tonearm/tonearm/internal/queue"
	"github.com/tonearm/tonearm/internal/recommend"
	"github.com/tonearm/tonearm/internal/store"
)

var (
	// ErrDiscoveryDisabled is returned when the user has discovery off.
	ErrDiscoveryDisabled = errors.New("discovery: disabled for user")

	// ErrBatchInProgress is returned when the user already has an active
	// batch; one batch per user at a time.
	ErrBatchInProgress = errors.New("discovery: batch already in progress")

	// ErrNoRecommendations is returned when the engine produced nothing.
	// No batch is created in that case.
	ErrNoRecommendations = errors.New("discovery: no viable recommendations")
)

// anchorShare is the fraction of the discovery set added back as familiar
// library tracks.
const anchorShare = 0.2

// Config carries the orchestrator tunables.
type Config struct {
	DefaultPlaylistSize int
	SeedArtistCount     int

	// DownloadRatio over-provisions albums relative to the playlist
	// target to absorb acquisition failures.
	DownloadRatio float64

	// ImportSettleGrace is how long to wait after the last download
	// before assembling the playlist, so the library scanner can land
	// the files.
	ImportSettleGrace time.Duration

	StuckForceFailAfter  time.Duration
	StuckNoProgressAfter time.Duration
	StuckPartialAfter    time.Duration

	ExclusionWindow   time.Duration
	ReconcileLookback time.Duration
}

// Recommender is the engine surface the orchestrator consumes.
type Recommender interface {
	Recommend(ctx context.Context, userID string, seeds []recommend.Seed, target int) ([]recommend.Recommendation, error)
	ReplacementCandidate(ctx context.Context, userID string, seeds []recommend.Seed, usedArtists, usedAlbums map[string]bool) (*recommend.Recommendation, error)
}

// DownloadTask is the queue payload for one download job.
type DownloadTask struct {
	JobID   string `json:"job_id"`
	BatchID string `json:"batch_id"`
}

// ScanTask is the queue payload for one batch entering scanning. ReadyAt
// embeds the import-settle grace so redeliveries keep the same deadline.
type ScanTask struct {
	BatchID string    `json:"batch_id"`
	ReadyAt time.Time `json:"ready_at"`
}

// Orchestrator drives discovery batches end to end.
type Orchestrator struct {
	cfg      Config
	store    store.Store
	engine   Recommender
	acquirer musicapi.AcquisitionService
	queue    queue.Queue
	bus      *events.Bus
	notifier musicapi.Notifier
	logger   zerolog.Logger
	now      func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewOrchestrator wires the batch orchestrator.
func NewOrchestrator(cfg Config, st store.Store, engine Recommender, acquirer musicapi.AcquisitionService, q queue.Queue, bus *events.Bus, notifier musicapi.Notifier, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		acquirer: acquirer,
		queue:    q,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With().Str("component", "discovery").Logger(),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (o *Orchestrator) intn(n int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rng.Intn(n)
}

// weekStartUTC returns Monday 00:00 UTC of t's ISO week.
func weekStartUTC(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7 // Monday=0
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

// Generate creates a new discovery batch for the user: recommendations,
// batch and job rows in one transaction, then one queue message per job.
// It fails fast, creating nothing, when validation or recommendation
// yields nothing to do.
func (o *Orchestrator) Generate(ctx context.Context, userID string) (*store.DiscoveryBatch, error) {
	settings, err := o.store.GetUserSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load settings for %s: %w", userID, err)
	}
	if !settings.DiscoveryEnabled {
		return nil, ErrDiscoveryDisabled
	}
	target := settings.PlaylistSize
	if target <= 0 {
		target = o.cfg.DefaultPlaylistSize
	}

	active, err := o.store.ListBatchesByStatus(ctx, store.BatchDownloading, store.BatchScanning)
	if err != nil {
		return nil, fmt.Errorf("list active batches: %w", err)
	}
	for _, b := range active {
		if b.UserID == userID {
			return b, ErrBatchInProgress
		}
	}

	seeds, err := o.seedArtists(ctx, userID)
	if err != nil {
		return nil, err
	}

	// One track per album in the final playlist, over-provisioned to
	// absorb acquisition failures.
	albumTarget := int(math.Ceil(float64(target) * o.cfg.DownloadRatio))
	recs, err := o.engine.Recommend(ctx, userID, seeds, albumTarget)
	if err != nil {
		return nil, fmt.Errorf("recommend for %s: %w", userID, err)
	}
	if len(recs) == 0 {
		return nil, ErrNoRecommendations
	}

	now := o.now().UTC()
	batch := &store.DiscoveryBatch{
		ID:              uuid.New().String(),
		UserID:          userID,
		WeekStart:       weekStartUTC(now),
		Status:          store.BatchDownloading,
		TargetSongCount: target,
		CreatedAt:       now,
	}
	batch.AppendLog("info", fmt.Sprintf("batch created with %d candidates", len(recs)))

	var jobs []*store.DownloadJob
	for _, rec := range recs {
		if _, err := o.store.FindActiveJobByTarget(ctx, rec.AlbumMBID); err == nil {
			o.logger.Debug().Str("mbid", rec.AlbumMBID).Msg("skipping duplicate acquisition target")
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("duplicate job check: %w", err)
		}
		jobs = append(jobs, o.newJob(batch, rec, false))
	}
	if len(jobs) == 0 {
		return nil, ErrNoRecommendations
	}
	batch.TotalAlbums = len(jobs)

	if err := o.store.CreateBatchWithJobs(ctx, batch, jobs); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	metrics.BatchesCreated.Inc()

	ev := events.NewDiscoverProgress(batch.ID, userID, string(batch.Status))
	ev.TotalAlbums = batch.TotalAlbums
	ev.Message = "batch created"
	o.bus.PublishDiscoverProgress(ev)

	for _, j := range jobs {
		if err := o.queue.Enqueue(ctx, queue.QueueDiscoveryDownload, DownloadTask{JobID: j.ID, BatchID: batch.ID}); err != nil {
			// The stuck-batch sweep settles jobs whose messages were lost.
			o.logger.Error().Err(err).Str("job_id", j.ID).Msg("enqueue failed")
		}
	}

	o.logger.Info().
		Str("batch_id", batch.ID).
		Str("user_id", userID).
		Int("albums", batch.TotalAlbums).
		Int("target_songs", target).
		Msg("discovery batch created")
	return batch, nil
}

func (o *Orchestrator) newJob(batch *store.DiscoveryBatch, rec recommend.Recommendation, replacement bool) *store.DownloadJob {
	return &store.DownloadJob{
		ID:         uuid.New().String(),
		UserID:     batch.UserID,
		Subject:    fmt.Sprintf("%s - %s", rec.ArtistName, rec.AlbumName),
		Type:       store.JobTypeDiscoveryAlbum,
		TargetMBID: rec.AlbumMBID,
		Status:     store.JobPending,
		BatchID:    batch.ID,
		Metadata: store.AcquisitionMetadata{
			ArtistName:  rec.ArtistName,
			AlbumName:   rec.AlbumName,
			AlbumMBID:   rec.AlbumMBID,
			Similarity:  rec.Similarity,
			Tier:        rec.Tier,
			Replacement: replacement,
		},
		CreatedAt: o.now().UTC(),
	}
}

func (o *Orchestrator) seedArtists(ctx context.Context, userID string) ([]recommend.Seed, error) {
	names, err := o.store.TopSeedArtists(ctx, userID, o.cfg.SeedArtistCount)
	if err != nil {
		return nil, fmt.Errorf("seed artists for %s: %w", userID, err)
	}
	seeds := make([]recommend.Seed, 0, len(names))
	for _, n := range names {
		seeds = append(seeds, recommend.Seed{Name: n})
	}
	return seeds, nil
}

// ExecuteJob performs one download job: acquire, settle, and on failure
// run the replacement search. Redelivered messages for terminal jobs are
// no-ops.
//
// Every settlement ends with a completion check, not just the last one:
// while jobs remain open the check is what emits the progress event, and
// the transition guard makes the eventual batch advance exactly once.
func (o *Orchestrator) ExecuteJob(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return nil
	}

	job.Status = store.JobProcessing
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}

	res, err := o.acquirer.AcquireAlbum(ctx, musicapi.AcquireRequest{
		JobID:      job.ID,
		BatchID:    job.BatchID,
		ArtistName: job.Metadata.ArtistName,
		AlbumName:  job.Metadata.AlbumName,
		AlbumMBID:  job.TargetMBID,
	})
	switch {
	case err != nil:
		o.settleFailedJob(ctx, job, err.Error())
	case !res.Success:
		o.settleFailedJob(ctx, job, res.Error)
	default:
		now := o.now().UTC()
		job.Status = store.JobCompleted
		job.AcquisitionRef = res.CorrelationID
		job.CompletedAt = &now
		if err := o.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("settle job %s: %w", job.ID, err)
		}
		metrics.JobsSettled.WithLabelValues(string(store.JobCompleted)).Inc()
	}

	return o.CheckBatchCompletion(ctx, job.BatchID)
}

// settleFailedJob marks the job failed (or exhausted when no replacement
// is possible) and spawns at most one replacement job.
func (o *Orchestrator) settleFailedJob(ctx context.Context, job *store.DownloadJob, reason string) {
	now := o.now().UTC()
	job.Error = reason
	job.CompletedAt = &now

	if job.Metadata.Replacement {
		// A replacement never spawns another; the slot is exhausted.
		job.Status = store.JobExhausted
	} else if replacement := o.findReplacement(ctx, job); replacement != nil {
		job.Status = store.JobFailed
		if err := o.store.CreateJob(ctx, replacement); err != nil {
			o.logger.Error().Err(err).Str("job_id", job.ID).Msg("replacement job create failed")
		} else if !replacement.Status.Terminal() {
			if err := o.queue.Enqueue(ctx, queue.QueueDiscoveryDownload, DownloadTask{JobID: replacement.ID, BatchID: job.BatchID}); err != nil {
				o.logger.Error().Err(err).Str("job_id", replacement.ID).Msg("replacement enqueue failed")
			}
		}
	} else {
		job.Status = store.JobExhausted
	}

	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID).Msg("settle failed job")
		return
	}
	metrics.JobsSettled.WithLabelValues(string(job.Status)).Inc()
	o.logger.Warn().
		Str("job_id", job.ID).
		Str("subject", job.Subject).
		Str("status", string(job.Status)).
		Str("reason", reason).
		Msg("download job failed")
}

// findReplacement searches for a substitute album when a download fails:
// first a fresh artist from the similarity graph, then a library anchor
// that fills the slot without downloading anything.
func (o *Orchestrator) findReplacement(ctx context.Context, failed *store.DownloadJob) *store.DownloadJob {
	batch, err := o.store.GetBatch(ctx, failed.BatchID)
	if err != nil {
		return nil
	}
	jobs, err := o.store.ListJobsByBatch(ctx, failed.BatchID)
	if err != nil {
		return nil
	}
	usedArtists := make(map[string]bool, len(jobs))
	usedAlbums := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		usedArtists[j.Metadata.ArtistName] = true
		usedAlbums[j.TargetMBID] = true
	}

	seeds, err := o.seedArtists(ctx, batch.UserID)
	if err == nil {
		rec, rerr := o.engine.ReplacementCandidate(ctx, batch.UserID, seeds, usedArtists, usedAlbums)
		if rerr == nil && rec != nil {
			metrics.ReplacementSearches.WithLabelValues("found").Inc()
			o.logger.Info().
				Str("batch_id", batch.ID).
				Str("subject", failed.Subject).
				Str("replacement", rec.ArtistName+" - "+rec.AlbumName).
				Msg("replacement album found")
			return o.newJob(batch, *rec, true)
		}
	}

	// Library anchor fallback: an already-owned album takes the slot, so
	// the job completes immediately and playlist assembly resolves it
	// from the library.
	anchors, err := o.store.RandomLibraryAlbums(ctx, nil, 1)
	if err == nil && len(anchors) == 1 && !usedAlbums[anchors[0].MBID] {
		a := anchors[0]
		metrics.ReplacementSearches.WithLabelValues("library_anchor").Inc()
		now := o.now().UTC()
		j := o.newJob(batch, recommend.Recommendation{
			ArtistName: a.ArtistName,
			AlbumName:  a.Title,
			AlbumMBID:  a.MBID,
			Similarity: failed.Metadata.Similarity,
			Tier:       failed.Metadata.Tier,
		}, true)
		j.Status = store.JobCompleted
		j.CompletedAt = &now
		j.Metadata.LibraryAnchor = true
		return j
	}

	metrics.ReplacementSearches.WithLabelValues("none").Inc()
	return nil
}
