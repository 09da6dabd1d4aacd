// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tonearm/tonearm/internal/metrics"
	"github.com/tonearm/tonearm/internal/queue"
	"github.com/tonearm/tonearm/internal/store"
)

// cycleRun aggregates per-cycle failure subjects for the single digest
// notification sent at cycle end. Safe for the artist phase's concurrent
// workers.
type cycleRun struct {
	mu       sync.Mutex
	failures []string
}

func (cy *cycleRun) addFailure(subject string) {
	cy.mu.Lock()
	cy.failures = append(cy.failures, subject)
	cy.mu.Unlock()
}

func (cy *cycleRun) failureDigest() []string {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	return append([]string(nil), cy.failures...)
}

func newFailureID() string {
	return uuid.New().String()
}

// failureCode classifies an enrichment error for the failure record.
func failureCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT_ERROR"
	}
	return "API_ERROR"
}

// AnalysisTask is the queue payload sent to the external analyzers.
type AnalysisTask struct {
	TrackID string `json:"track_id"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
}

// runArtistPhase enriches pending and previously failed artists through
// a bounded worker pool. One item failing never aborts the phase; it is
// recorded and the cycle moves on. Pause and stop land between items:
// the checkpoint runs after a slot frees, so every in-flight artist
// finishes before the phase yields.
func (c *Controller) runArtistPhase(ctx context.Context, cy *cycleRun) error {
	artists, err := c.store.ListArtistsForEnrichment(ctx, c.cfg.ArtistBatchSize)
	if err != nil {
		return fmt.Errorf("select artists: %w", err)
	}
	workers := c.cfg.ArtistConcurrency
	if workers < 1 {
		workers = 1
	}

	var (
		sem     = make(chan struct{}, workers)
		wg      sync.WaitGroup
		errMu   sync.Mutex
		poolErr error
	)
	for _, artist := range artists {
		sem <- struct{}{}
		if cerr := c.checkpoint(ctx); cerr != nil {
			<-sem
			wg.Wait()
			return cerr
		}
		errMu.Lock()
		stop := poolErr != nil
		errMu.Unlock()
		if stop {
			<-sem
			break
		}

		wg.Add(1)
		go func(artist *store.Artist) {
			defer func() {
				<-sem
				wg.Done()
			}()
			c.noteItem(artist.Name)
			if err := c.enrichArtist(ctx, artist); err != nil {
				c.recordItemFailure(ctx, cy, store.FailureArtist, artist.ID, artist.Name, err)
				artist.EnrichStatus = store.EnrichFailed
				metrics.EnrichmentItems.WithLabelValues(string(store.PhaseArtists), "failed").Inc()
			} else {
				artist.EnrichStatus = store.EnrichCompleted
				metrics.EnrichmentItems.WithLabelValues(string(store.PhaseArtists), "completed").Inc()
			}
			artist.UpdatedAt = c.now().UTC()
			if err := c.store.UpdateArtist(ctx, artist); err != nil {
				errMu.Lock()
				if poolErr == nil {
					poolErr = fmt.Errorf("update artist %s: %w", artist.ID, err)
				}
				errMu.Unlock()
			}
		}(artist)
	}
	wg.Wait()
	return poolErr
}

// enrichArtist validates the artist against the similarity graph under
// the per-item timeout. An artist with no graph presence still counts
// as enriched; only transport failures count against it.
func (c *Controller) enrichArtist(ctx context.Context, artist *store.Artist) error {
	ictx, cancel := context.WithTimeout(ctx, c.cfg.ArtistTimeout)
	defer cancel()
	_, err := c.similarity.GetSimilarArtists(ictx, artist.Name, artist.MBID, 5)
	return err
}

// runTrackPhase fetches and filters mood tags for tracks that were never
// checked. Sentinel values distinguish "checked, nothing usable" from
// "never checked" so tracks are not re-selected forever.
func (c *Controller) runTrackPhase(ctx context.Context, cy *cycleRun) error {
	tracks, err := c.store.ListTracksMissingMoodTags(ctx, c.cfg.TrackBatchSize)
	if err != nil {
		return fmt.Errorf("select tracks: %w", err)
	}
	for _, track := range tracks {
		if cerr := c.checkpoint(ctx); cerr != nil {
			return cerr
		}
		c.noteItem(track.ArtistName + " - " + track.Title)
		c.enrichTrackMoods(ctx, cy, track)
		if err := c.store.UpdateTrack(ctx, track); err != nil {
			return fmt.Errorf("update track %s: %w", track.ID, err)
		}
	}
	return nil
}

func (c *Controller) enrichTrackMoods(ctx context.Context, cy *cycleRun, track *store.Track) {
	ictx, cancel := context.WithTimeout(ctx, c.cfg.TrackTimeout)
	defer cancel()

	raw, err := c.similarity.GetTrackTags(ictx, track.ArtistName, track.Title)
	phase := string(store.PhaseTracks)
	switch {
	case err != nil:
		// A failed fetch is transient: the tags stay untouched so the
		// track is re-selected next cycle. Only an actual empty answer
		// below earns the durable sentinel.
		c.recordItemFailure(ctx, cy, store.FailureTrack, track.ID, track.ArtistName+" - "+track.Title, err)
		metrics.EnrichmentItems.WithLabelValues(phase, "failed").Inc()
	case len(raw) == 0:
		track.MoodTags = []string{store.MoodSentinelNotFound}
		metrics.EnrichmentItems.WithLabelValues(phase, "sentinel").Inc()
	default:
		moods := filterMoodTags(raw, c.cfg.MaxMoodTags)
		if len(moods) == 0 {
			track.MoodTags = []string{store.MoodSentinelNone}
			metrics.EnrichmentItems.WithLabelValues(phase, "sentinel").Inc()
		} else {
			track.MoodTags = moods
			metrics.EnrichmentItems.WithLabelValues(phase, "completed").Inc()
		}
	}
}

// runAudioPhase dispatches pending tracks to the audio analyzer queue.
// Stale processing rows are reset first, and dispatch is gated by a
// progress-evidence breaker so a dead analyzer does not accumulate an
// unbounded processing backlog.
func (c *Controller) runAudioPhase(ctx context.Context, _ *cycleRun) error {
	return c.dispatchAnalysis(ctx, analysisPhase{
		phase:     store.PhaseAudio,
		queueName: queue.QueueAudioAnalysis,
		breaker:   c.audioBreaker,
		batchSize: c.cfg.AudioBatchSize,
		list:      c.store.ListTracksPendingAnalysis,
		mark: func(t *store.Track, at time.Time) {
			t.AudioStatus = store.EnrichProcessing
			t.AudioQueuedAt = &at
		},
		backlog: func(p store.PhaseProgress) int { return p.Processing },
	})
}

// runVibePhase dispatches tracks missing embeddings to the vibe queue,
// with the same stale-reset and breaker protections as audio.
func (c *Controller) runVibePhase(ctx context.Context, _ *cycleRun) error {
	if !c.cfg.VibeEnabled {
		return nil
	}
	return c.dispatchAnalysis(ctx, analysisPhase{
		phase:     store.PhaseVibe,
		queueName: queue.QueueVibeEmbedding,
		breaker:   c.vibeBreaker,
		batchSize: c.cfg.VibeBatchSize,
		list:      c.store.ListTracksMissingEmbeddings,
		mark: func(t *store.Track, at time.Time) {
			t.VibeStatus = store.EnrichProcessing
			t.VibeQueuedAt = &at
		},
		backlog: func(p store.PhaseProgress) int { return p.Processing },
	})
}

type analysisPhase struct {
	phase     store.Phase
	queueName string
	breaker   interface {
		Execute(func() (int, error)) (int, error)
	}
	batchSize int
	list      func(context.Context, int) ([]*store.Track, error)
	mark      func(*store.Track, time.Time)
	backlog   func(store.PhaseProgress) int
}

func (c *Controller) dispatchAnalysis(ctx context.Context, p analysisPhase) error {
	reset, err := c.store.ResetStaleProcessing(ctx, p.phase, c.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("reset stale %s: %w", p.phase, err)
	}
	if reset > 0 {
		c.logger.Warn().Str("phase", string(p.phase)).Int("reset", reset).Msg("stale processing rows reset to pending")
	}

	// Progress evidence: dispatching more work is only allowed when the
	// existing backlog is draining.
	if _, err := p.breaker.Execute(func() (int, error) {
		return c.analyzerProgress(ctx, p.phase)
	}); err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, errNoAnalyzerProgress) {
			c.logger.Warn().Str("phase", string(p.phase)).Err(err).Msg("analyzer dispatch paused")
			return nil
		}
		return err
	}

	tracks, err := p.list(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("select %s tracks: %w", p.phase, err)
	}
	now := c.now().UTC()
	for _, track := range tracks {
		if cerr := c.checkpoint(ctx); cerr != nil {
			return cerr
		}
		c.noteItem(track.ArtistName + " - " + track.Title)
		task := AnalysisTask{TrackID: track.ID, Title: track.Title, Artist: track.ArtistName}
		if err := c.queue.Enqueue(ctx, p.queueName, task); err != nil {
			return fmt.Errorf("enqueue %s task: %w", p.phase, err)
		}
		p.mark(track, now)
		if err := c.store.UpdateTrack(ctx, track); err != nil {
			return fmt.Errorf("mark track %s processing: %w", track.ID, err)
		}
		metrics.EnrichmentItems.WithLabelValues(string(p.phase), "completed").Inc()
	}
	return nil
}

// analyzerProgress errors when items sit in processing with zero
// completions over the last stale window, which is the breaker's
// failure signal.
func (c *Controller) analyzerProgress(ctx context.Context, phase store.Phase) (int, error) {
	_, _, audio, vibe, err := c.store.CountEnrichment(ctx)
	if err != nil {
		return 0, err
	}
	progress := audio
	if phase == store.PhaseVibe {
		progress = vibe
	}
	if progress.Processing == 0 {
		return 0, nil
	}
	completed, err := c.store.CountCompletedSince(ctx, phase, c.now().Add(-c.cfg.StaleAfter))
	if err != nil {
		return 0, err
	}
	if completed == 0 {
		return 0, errNoAnalyzerProgress
	}
	return completed, nil
}

// recordItemFailure appends one failure row unless the system breaker
// has tripped.
func (c *Controller) recordItemFailure(ctx context.Context, cy *cycleRun, kind store.FailureKind, entityID, entityName string, cause error) {
	cy.addFailure(entityName)

	c.mu.Lock()
	tripped := c.consecutiveErrs >= c.cfg.SystemTripAfter
	c.mu.Unlock()
	if tripped {
		c.logger.Warn().Str("entity", entityName).Err(cause).Msg("failure not recorded, system breaker tripped")
		return
	}

	failure := &store.EnrichmentFailure{
		ID:         newFailureID(),
		Kind:       kind,
		EntityID:   entityID,
		EntityName: entityName,
		Code:       failureCode(cause),
		Message:    cause.Error(),
		CreatedAt:  c.now().UTC(),
	}
	if err := c.store.AppendEnrichmentFailure(ctx, failure); err != nil {
		c.logger.Error().Err(err).Msg("failure record write failed")
	}
}
