// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

// Package enrichment runs the background metadata enrichment cycle:
// artist metadata, track mood tags, audio analysis dispatch, and vibe
// embedding dispatch, in that order.
//
// One cycle runs at a time (single flight). Pause, resume, and stop are
// cooperative: the cycle checks between phases and between items, so an
// in-flight item always finishes. All durable progress lives in the
// store; the controller itself only holds guard flags.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tonearm/tonearm/internal/events"
	"github.com/tonearm/tonearm/internal/metrics"
	"github.com/tonearm/tonearm/internal/musicapi"
	"github.com/tonearm/tonearm/internal/queue"
	"github.com/tonearm/tonearm/internal/store"
)

// Config carries the enrichment cycle tunables.
type Config struct {
	// TickInterval is the cycle cadence; MinCycleGap is the minimum
	// quiet period between cycle ends and the next tick-driven start.
	// TriggerNow bypasses the gap, never the single-flight guard.
	TickInterval time.Duration
	MinCycleGap  time.Duration

	ArtistTimeout time.Duration
	TrackTimeout  time.Duration

	// Artist and track selection size per cycle.
	ArtistBatchSize int
	TrackBatchSize  int

	// ArtistConcurrency bounds the artist phase worker pool. Values
	// below one are treated as one.
	ArtistConcurrency int

	// AudioBatchSize and VibeBatchSize cap analyzer dispatch per cycle.
	AudioBatchSize int
	VibeBatchSize  int

	// VibeEnabled gates the vibe embedding phase. Disabled, the phase is
	// skipped and never blocks full-completion.
	VibeEnabled bool

	// StaleAfter flips tracks stuck in processing back to pending.
	StaleAfter time.Duration

	MaxMoodTags int

	// SystemTripAfter is the consecutive-cycle-exception count after
	// which the controller stops recording failures (it keeps logging).
	SystemTripAfter int
}

var (
	errPaused  = errors.New("enrichment: paused")
	errStopped = errors.New("enrichment: stopping")

	// errNoAnalyzerProgress feeds the analyzer circuit breaker: items
	// are in processing but none completed since the last dispatch.
	errNoAnalyzerProgress = errors.New("enrichment: analyzer backlog shows no progress")
)

// Controller drives the enrichment cycle.
type Controller struct {
	cfg        Config
	store      store.Store
	similarity musicapi.SimilarityService
	queue      queue.Queue
	bus        *events.Bus
	notifier   musicapi.Notifier
	logger     zerolog.Logger
	now        func() time.Time

	mu           sync.Mutex
	running      bool
	paused       bool
	stopping     bool
	lastCycleEnd time.Time

	// Live position of the running cycle, for Status observers only;
	// durable progress stays in the store.
	currentPhase store.Phase
	currentItem  string

	// System breaker: consecutive cycle exceptions. Tripping silences
	// failure-row writes, never the cycle itself.
	consecutiveErrs int

	// Analyzer breakers guard against dead external workers: dispatch
	// pauses when the processing backlog shows no completions.
	audioBreaker *gobreaker.CircuitBreaker[int]
	vibeBreaker  *gobreaker.CircuitBreaker[int]

	trigger chan struct{}
}

// NewController wires the enrichment cycle controller.
func NewController(cfg Config, st store.Store, similarity musicapi.SimilarityService, q queue.Queue, bus *events.Bus, notifier musicapi.Notifier, logger zerolog.Logger) *Controller {
	c := &Controller{
		cfg:        cfg,
		store:      st,
		similarity: similarity,
		queue:      q,
		bus:        bus,
		notifier:   notifier,
		logger:     logger.With().Str("component", "enrichment").Logger(),
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
	}
	c.audioBreaker = c.newAnalyzerBreaker("audio-analyzer")
	c.vibeBreaker = c.newAnalyzerBreaker("vibe-analyzer")
	return c
}

func (c *Controller) newAnalyzerBreaker(name string) *gobreaker.CircuitBreaker[int] {
	return gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:    name,
		Timeout: 5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", n).Str("from", from.String()).Str("to", to.String()).Msg("analyzer breaker state change")
			metrics.SetBreakerState(n, breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Run is the cycle loop. It returns when ctx is canceled or Stop is
// called.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.isPaused() || c.isStopping() {
				continue
			}
			if !c.gapElapsed() {
				continue
			}
			c.cycle(ctx)
		case <-c.trigger:
			if c.isStopping() {
				continue
			}
			// Manual triggers bypass both the pause and the gap.
			c.cycle(ctx)
		}
		if c.isStopping() {
			return nil
		}
	}
}

// TriggerNow requests an immediate cycle. Coalesces when one is already
// requested; the single-flight guard still applies.
func (c *Controller) TriggerNow() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Pause suspends cycle starts and interrupts the running cycle at its
// next checkpoint.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return c.persistStatus(ctx, store.EnrichmentPaused)
}

// Resume lifts a pause.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return c.persistStatus(ctx, store.EnrichmentIdle)
}

// Stop ends the loop after the current cycle yields.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	c.TriggerNow() // wake the loop so it can exit
	return c.persistStatus(ctx, store.EnrichmentStopping)
}

// RunFullEnrichment resets every phase to pending, clears the one-shot
// completion flags, and triggers a cycle.
func (c *Controller) RunFullEnrichment(ctx context.Context) error {
	if err := c.store.ResetEnrichment(ctx, store.PhaseArtists, store.PhaseTracks, store.PhaseAudio, store.PhaseVibe); err != nil {
		return fmt.Errorf("reset enrichment: %w", err)
	}
	if err := c.clearCompletionFlags(ctx); err != nil {
		return err
	}
	c.TriggerNow()
	return nil
}

// ResetPhase resets one phase to pending, leaving the others untouched,
// and triggers a cycle.
func (c *Controller) ResetPhase(ctx context.Context, phase store.Phase) error {
	if err := c.store.ResetEnrichment(ctx, phase); err != nil {
		return fmt.Errorf("reset phase %s: %w", phase, err)
	}
	if err := c.clearCompletionFlags(ctx); err != nil {
		return err
	}
	c.TriggerNow()
	return nil
}

// RetryFailures re-queues the entities named by recorded failure rows:
// failed artists go back to pending and sentinel-marked tracks become
// selectable again. Passing failure IDs restricts the retry to those
// rows; with none given every recorded failure is retried. Handled rows
// are cleared (system rows carry no entity and stay), the one-shot
// completion flags are reset, and a cycle is triggered. Returns how many
// entities were re-queued.
func (c *Controller) RetryFailures(ctx context.Context, failureIDs ...string) (int, error) {
	failures, err := c.store.ListEnrichmentFailures(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list failures: %w", err)
	}
	want := make(map[string]bool, len(failureIDs))
	for _, id := range failureIDs {
		want[id] = true
	}

	retried := 0
	var handled []string
	for _, f := range failures {
		if len(want) > 0 && !want[f.ID] {
			continue
		}
		switch f.Kind {
		case store.FailureArtist:
			artist, gerr := c.store.GetArtist(ctx, f.EntityID)
			if errors.Is(gerr, store.ErrNotFound) {
				handled = append(handled, f.ID)
				continue
			}
			if gerr != nil {
				return retried, fmt.Errorf("load artist %s: %w", f.EntityID, gerr)
			}
			if artist.EnrichStatus == store.EnrichFailed {
				artist.EnrichStatus = store.EnrichPending
				artist.UpdatedAt = c.now().UTC()
				if uerr := c.store.UpdateArtist(ctx, artist); uerr != nil {
					return retried, fmt.Errorf("requeue artist %s: %w", artist.ID, uerr)
				}
				retried++
			}
			handled = append(handled, f.ID)
		case store.FailureTrack:
			track, gerr := c.store.GetTrack(ctx, f.EntityID)
			if errors.Is(gerr, store.ErrNotFound) {
				handled = append(handled, f.ID)
				continue
			}
			if gerr != nil {
				return retried, fmt.Errorf("load track %s: %w", f.EntityID, gerr)
			}
			if sentinelMoodTags(track.MoodTags) {
				track.MoodTags = nil
				if uerr := c.store.UpdateTrack(ctx, track); uerr != nil {
					return retried, fmt.Errorf("requeue track %s: %w", track.ID, uerr)
				}
			}
			// An errored track kept its tags empty and is already
			// selectable; clearing the row alone is enough.
			retried++
			handled = append(handled, f.ID)
		}
	}

	if len(handled) > 0 {
		if cerr := c.store.ClearEnrichmentFailures(ctx, handled...); cerr != nil {
			return retried, fmt.Errorf("clear handled failures: %w", cerr)
		}
	}
	if retried > 0 {
		if cerr := c.clearCompletionFlags(ctx); cerr != nil {
			return retried, cerr
		}
		c.TriggerNow()
	}
	c.logger.Info().Int("retried", retried).Int("cleared", len(handled)).Msg("enrichment failures retried")
	return retried, nil
}

// sentinelMoodTags reports whether the tags are nothing but sentinel
// markers; real mood tags are never clobbered by a retry.
func sentinelMoodTags(tags []string) bool {
	if len(tags) == 0 {
		return false
	}
	for _, tag := range tags {
		if tag != store.MoodSentinelNone && tag != store.MoodSentinelNotFound {
			return false
		}
	}
	return true
}

func (c *Controller) clearCompletionFlags(ctx context.Context) error {
	state, err := c.loadState(ctx)
	if err != nil {
		return err
	}
	state.CoreCacheCleared = false
	state.CompletionNotificationSent = false
	state.FullCacheCleared = false
	state.UpdatedAt = c.now().UTC()
	return c.store.PutEnrichmentState(ctx, state)
}

// Status returns the persisted enrichment snapshot. While a cycle is
// inside a phase, the snapshot is overlaid with the live phase and the
// item being worked on.
func (c *Controller) Status(ctx context.Context) (*store.EnrichmentState, error) {
	state, err := c.loadState(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	phase, item := c.currentPhase, c.currentItem
	c.mu.Unlock()
	if item == "" {
		return state, nil
	}
	state.CurrentPhase = phase
	switch phase {
	case store.PhaseArtists:
		state.Artists.CurrentItem = item
	case store.PhaseTracks:
		state.Tracks.CurrentItem = item
	case store.PhaseAudio:
		state.Audio.CurrentItem = item
	case store.PhaseVibe:
		state.Vibe.CurrentItem = item
	}
	return state, nil
}

func (c *Controller) setCurrent(phase store.Phase, item string) {
	c.mu.Lock()
	c.currentPhase, c.currentItem = phase, item
	c.mu.Unlock()
}

// noteItem records the item the cycle is about to work on.
func (c *Controller) noteItem(item string) {
	c.mu.Lock()
	c.currentItem = item
	c.mu.Unlock()
}

func (c *Controller) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Controller) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Controller) gapElapsed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCycleEnd.IsZero() || c.now().Sub(c.lastCycleEnd) >= c.cfg.MinCycleGap
}

// checkpoint is called between phases and between items.
func (c *Controller) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return errStopped
	}
	if c.paused {
		return errPaused
	}
	return nil
}

func (c *Controller) loadState(ctx context.Context) (*store.EnrichmentState, error) {
	state, err := c.store.GetEnrichmentState(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return &store.EnrichmentState{Status: store.EnrichmentIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load enrichment state: %w", err)
	}
	return state, nil
}

func (c *Controller) persistStatus(ctx context.Context, status store.EnrichmentStatus) error {
	state, err := c.loadState(ctx)
	if err != nil {
		return err
	}
	state.Status = status
	state.UpdatedAt = c.now().UTC()
	return c.store.PutEnrichmentState(ctx, state)
}

// cycle runs one enrichment pass under the single-flight guard.
func (c *Controller) cycle(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		metrics.EnrichmentCycles.WithLabelValues("skipped").Inc()
		return
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.lastCycleEnd = c.now()
		c.mu.Unlock()
	}()

	err := c.runCycle(ctx)
	switch {
	case err == nil:
		c.mu.Lock()
		c.consecutiveErrs = 0
		c.mu.Unlock()
		metrics.EnrichmentCycles.WithLabelValues("completed").Inc()
	case errors.Is(err, errPaused) || errors.Is(err, errStopped) || errors.Is(err, context.Canceled):
		metrics.EnrichmentCycles.WithLabelValues("skipped").Inc()
	default:
		metrics.EnrichmentCycles.WithLabelValues("error").Inc()
		c.recordCycleException(ctx, err)
	}
}

// recordCycleException counts consecutive cycle failures. Past the trip
// threshold the controller keeps logging but stops writing failure rows,
// so a persistent fault cannot flood the store.
func (c *Controller) recordCycleException(ctx context.Context, err error) {
	c.mu.Lock()
	c.consecutiveErrs++
	tripped := c.consecutiveErrs >= c.cfg.SystemTripAfter
	n := c.consecutiveErrs
	c.mu.Unlock()

	c.logger.Error().Err(err).Int("consecutive", n).Bool("tripped", tripped).Msg("enrichment cycle failed")
	if tripped {
		return
	}
	failure := &store.EnrichmentFailure{
		ID:        newFailureID(),
		Kind:      store.FailureSystem,
		Code:      "CYCLE_ERROR",
		Message:   err.Error(),
		CreatedAt: c.now().UTC(),
	}
	if werr := c.store.AppendEnrichmentFailure(ctx, failure); werr != nil {
		c.logger.Error().Err(werr).Msg("failure record write failed")
	}
}

// runCycle executes the four phases in order, refreshing persisted
// progress after each. A pause or stop between checkpoints ends the
// cycle cleanly; durable per-item state means the next cycle resumes
// where this one left off.
func (c *Controller) runCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enrichment cycle panic: %v", r)
		}
	}()

	state, err := c.loadState(ctx)
	if err != nil {
		return err
	}
	state.Status = store.EnrichmentRunning
	state.UpdatedAt = c.now().UTC()
	if err := c.store.PutEnrichmentState(ctx, state); err != nil {
		return fmt.Errorf("persist running state: %w", err)
	}

	cy := &cycleRun{}
	defer c.setCurrent(store.PhaseNone, "")
	phases := []struct {
		phase store.Phase
		fn    func(context.Context, *cycleRun) error
	}{
		{store.PhaseArtists, c.runArtistPhase},
		{store.PhaseTracks, c.runTrackPhase},
		{store.PhaseAudio, c.runAudioPhase},
		{store.PhaseVibe, c.runVibePhase},
	}
	for _, p := range phases {
		if cerr := c.checkpoint(ctx); cerr != nil {
			return c.suspend(ctx, cerr)
		}
		c.setCurrent(p.phase, "")
		start := c.now()
		perr := p.fn(ctx, cy)
		c.noteItem("")
		metrics.EnrichmentPhaseDuration.WithLabelValues(string(p.phase)).Observe(c.now().Sub(start).Seconds())
		if perr != nil {
			if errors.Is(perr, errPaused) || errors.Is(perr, errStopped) {
				return c.suspend(ctx, perr)
			}
			return perr
		}
		if rerr := c.refreshProgress(ctx, p.phase); rerr != nil {
			return rerr
		}
	}

	if err := c.finishCycle(ctx, cy); err != nil {
		return err
	}
	return nil
}

// suspend persists the paused/idle status when a cycle yields early and
// propagates the interrupt to the caller.
func (c *Controller) suspend(ctx context.Context, cause error) error {
	status := store.EnrichmentIdle
	if errors.Is(cause, errPaused) {
		status = store.EnrichmentPaused
	}
	if err := c.persistStatus(ctx, status); err != nil {
		c.logger.Error().Err(err).Msg("suspend state persist failed")
	}
	c.logger.Info().Str("cause", cause.Error()).Msg("enrichment cycle yielded")
	return cause
}

// refreshProgress recomputes persisted counters from the rows and
// publishes a progress snapshot.
func (c *Controller) refreshProgress(ctx context.Context, phase store.Phase) error {
	state, err := c.loadState(ctx)
	if err != nil {
		return err
	}
	artists, tracks, audio, vibe, err := c.store.CountEnrichment(ctx)
	if err != nil {
		return fmt.Errorf("count enrichment: %w", err)
	}
	state.Artists, state.Tracks, state.Audio, state.Vibe = artists, tracks, audio, vibe
	state.CurrentPhase = phase
	state.UpdatedAt = c.now().UTC()
	if err := c.store.PutEnrichmentState(ctx, state); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}

	for _, g := range []struct {
		phase string
		p     store.PhaseProgress
	}{
		{string(store.PhaseArtists), artists},
		{string(store.PhaseTracks), tracks},
		{string(store.PhaseAudio), audio},
		{string(store.PhaseVibe), vibe},
	} {
		metrics.EnrichmentBacklog.WithLabelValues(g.phase).Set(float64(g.p.Total - g.p.Completed - g.p.Failed))
	}

	ev := events.NewEnrichmentProgress(string(state.Status), string(phase))
	switch phase {
	case store.PhaseArtists:
		ev.Completed, ev.Failed, ev.Total = artists.Completed, artists.Failed, artists.Total
	case store.PhaseTracks:
		ev.Completed, ev.Failed, ev.Total = tracks.Completed, tracks.Failed, tracks.Total
	case store.PhaseAudio:
		ev.Completed, ev.Failed, ev.Total = audio.Completed, audio.Failed, audio.Total
	case store.PhaseVibe:
		ev.Completed, ev.Failed, ev.Total = vibe.Completed, vibe.Failed, vibe.Total
	}
	c.bus.PublishEnrichmentProgress(ev)
	return nil
}

// finishCycle sends the per-cycle failure digest and fires the one-shot
// completion transitions.
func (c *Controller) finishCycle(ctx context.Context, cy *cycleRun) error {
	failures := cy.failureDigest()
	if n := len(failures); n > 0 {
		sample := failures
		if len(sample) > 5 {
			sample = sample[:5]
		}
		if err := c.notifier.EnrichmentFailures(ctx, n, sample); err != nil {
			c.logger.Debug().Err(err).Msg("failure digest notification failed")
		}
	}

	state, err := c.loadState(ctx)
	if err != nil {
		return err
	}
	artists, tracks, audio, vibe, err := c.store.CountEnrichment(ctx)
	if err != nil {
		return fmt.Errorf("count enrichment: %w", err)
	}

	coreDone := phaseSettled(artists) && phaseSettled(tracks)
	vibeDone := !c.cfg.VibeEnabled || phaseSettled(vibe)
	fullDone := coreDone && phaseSettled(audio) && vibeDone

	if coreDone && !state.CoreCacheCleared {
		// Downstream caches (search, recommendations) key off mood and
		// artist metadata; clear once when the core phases settle.
		c.logger.Info().Msg("core enrichment complete, invalidating caches")
		state.CoreCacheCleared = true
	}
	if fullDone && !state.CompletionNotificationSent {
		if err := c.notifier.EnrichmentComplete(ctx, artists.Total, tracks.Total); err != nil {
			c.logger.Debug().Err(err).Msg("completion notification failed")
		}
		state.CompletionNotificationSent = true
		state.FullCacheCleared = true
	}

	state.Status = store.EnrichmentIdle
	state.CurrentPhase = store.PhaseNone
	state.UpdatedAt = c.now().UTC()
	if err := c.store.PutEnrichmentState(ctx, state); err != nil {
		return fmt.Errorf("persist cycle end: %w", err)
	}
	return nil
}

// phaseSettled reports whether every item of the phase reached a
// terminal state (and there was anything to do at all).
func phaseSettled(p store.PhaseProgress) bool {
	return p.Total > 0 && p.Completed+p.Failed >= p.Total
}
