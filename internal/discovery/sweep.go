// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package discovery

import (
	"context"
	"fmt"

	"github.com/tonearm/tonearm/internal/metrics"
	"github.com/tonearm/tonearm/internal/store"
)

// CheckStuckBatches resolves batches that stopped making progress.
// Three escalating rules:
//   - past the force-fail horizon, the batch fails regardless of state
//   - downloading with zero completed jobs past the no-progress window
//     fails early
//   - downloading with partial progress past the partial window settles
//     the stragglers as failed and proceeds with what arrived
//
// Scanning batches past the partial window get the playlist build
// re-triggered in case the scan message was lost.
func (o *Orchestrator) CheckStuckBatches(ctx context.Context) error {
	batches, err := o.store.ListBatchesByStatus(ctx, store.BatchDownloading, store.BatchScanning)
	if err != nil {
		return fmt.Errorf("list active batches: %w", err)
	}
	now := o.now().UTC()

	for _, b := range batches {
		age := now.Sub(b.CreatedAt)

		if age > o.cfg.StuckForceFailAfter {
			o.sweepFail(ctx, b, "force_fail", fmt.Sprintf("batch stuck for %s, force-failing", age.Round(0)))
			continue
		}

		if b.Status == store.BatchScanning {
			if age > o.cfg.StuckPartialAfter {
				metrics.BatchesSwept.WithLabelValues("rescan").Inc()
				if err := o.BuildFinalPlaylist(ctx, b.ID); err != nil {
					o.logger.Error().Err(err).Str("batch_id", b.ID).Msg("sweep playlist build failed")
				}
			}
			continue
		}

		jobs, err := o.store.ListJobsByBatch(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("list jobs for %s: %w", b.ID, err)
		}
		completed := 0
		for _, j := range jobs {
			if j.Status == store.JobCompleted {
				completed++
			}
		}

		switch {
		case completed == 0 && age > o.cfg.StuckNoProgressAfter:
			o.sweepFail(ctx, b, "no_progress", "no album completed within the progress window")
		case completed > 0 && age > o.cfg.StuckPartialAfter:
			o.settleStragglers(ctx, b, jobs)
		}
	}
	return nil
}

func (o *Orchestrator) sweepFail(ctx context.Context, b *store.DiscoveryBatch, reason, message string) {
	jobs, err := o.store.ListJobsByBatch(ctx, b.ID)
	if err != nil {
		o.logger.Error().Err(err).Str("batch_id", b.ID).Msg("sweep job list failed")
		return
	}
	o.failStragglers(ctx, jobs)
	metrics.BatchesSwept.WithLabelValues(reason).Inc()
	if err := o.failBatch(ctx, b, jobs, message); err != nil {
		o.logger.Error().Err(err).Str("batch_id", b.ID).Msg("sweep fail transition failed")
	}
}

// settleStragglers fails every still-open job of a partially complete
// batch and lets the normal completion check proceed with what arrived.
func (o *Orchestrator) settleStragglers(ctx context.Context, b *store.DiscoveryBatch, jobs []*store.DownloadJob) {
	o.failStragglers(ctx, jobs)
	metrics.BatchesSwept.WithLabelValues("partial").Inc()
	o.logger.Warn().Str("batch_id", b.ID).Msg("partial batch swept, proceeding with completed albums")
	if err := o.CheckBatchCompletion(ctx, b.ID); err != nil {
		o.logger.Error().Err(err).Str("batch_id", b.ID).Msg("sweep completion check failed")
	}
}

// failStragglers marks every still-open job failed with a timeout
// reason. Sweep settlement never spawns replacements; the elapsed
// windows mean the batch is past waiting for more downloads.
func (o *Orchestrator) failStragglers(ctx context.Context, jobs []*store.DownloadJob) {
	now := o.now().UTC()
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		j.Status = store.JobFailed
		j.Error = "timeout"
		j.CompletedAt = &now
		if err := o.store.UpdateJob(ctx, j); err != nil {
			o.logger.Error().Err(err).Str("job_id", j.ID).Msg("straggler settle failed")
			continue
		}
		metrics.JobsSettled.WithLabelValues(string(store.JobFailed)).Inc()
	}
}

// CleanupOrphanedQueue removes acquisition-manager queue entries that no
// live job references. Best effort; the queue is scoped to discovery
// downloads by the acquisition client's tag.
func (o *Orchestrator) CleanupOrphanedQueue(ctx context.Context) error {
	items, err := o.acquirer.ListQueue(ctx)
	if err != nil {
		return fmt.Errorf("list acquisition queue: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	active, err := o.store.ListBatchesByStatus(ctx, store.BatchDownloading, store.BatchScanning)
	if err != nil {
		return fmt.Errorf("list active batches: %w", err)
	}
	live := make(map[string]bool)
	for _, b := range active {
		jobs, err := o.store.ListJobsByBatch(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("list jobs for %s: %w", b.ID, err)
		}
		for _, j := range jobs {
			if j.AcquisitionRef != "" {
				live[j.AcquisitionRef] = true
			}
		}
	}

	removed := 0
	for _, item := range items {
		if item.CorrelationID == "" || live[item.CorrelationID] {
			continue
		}
		if err := o.acquirer.RemoveQueueItem(ctx, item.ID); err != nil {
			o.logger.Debug().Err(err).Str("item_id", item.ID).Msg("queue item removal failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		o.logger.Info().Int("removed", removed).Msg("orphaned queue entries cleaned up")
	}
	return nil
}
