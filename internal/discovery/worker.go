// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/tonearm/tonearm/internal/queue"
)

// Worker consumes the discovery queues: one loop executes download jobs,
// the other waits out the import-settle grace and assembles playlists.
// Redeliveries are safe; every handler is idempotent against the store.
type Worker struct {
	orch   *Orchestrator
	queue  queue.Queue
	logger zerolog.Logger
}

// NewWorker wires a queue consumer around the orchestrator.
func NewWorker(orch *Orchestrator, q queue.Queue, logger zerolog.Logger) *Worker {
	return &Worker{
		orch:   orch,
		queue:  q,
		logger: logger.With().Str("component", "discovery-worker").Logger(),
	}
}

// Run consumes both queues until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	downloads, err := w.queue.Consume(ctx, queue.QueueDiscoveryDownload)
	if err != nil {
		return fmt.Errorf("consume downloads: %w", err)
	}
	scans, err := w.queue.Consume(ctx, queue.QueueDiscoveryScan)
	if err != nil {
		return fmt.Errorf("consume scans: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for msg := range downloads {
			w.handleDownload(ctx, msg)
		}
	}()
	go func() {
		defer wg.Done()
		for msg := range scans {
			w.handleScan(ctx, msg)
		}
	}()
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) handleDownload(ctx context.Context, msg *message.Message) {
	var task DownloadTask
	if err := queue.Decode(msg, &task); err != nil {
		w.logger.Error().Err(err).Msg("malformed download task dropped")
		msg.Ack()
		return
	}
	if err := w.orch.ExecuteJob(ctx, task.JobID); err != nil {
		w.logger.Error().Err(err).Str("job_id", task.JobID).Msg("download job execution failed")
		msg.Nack()
		return
	}
	msg.Ack()
}

func (w *Worker) handleScan(ctx context.Context, msg *message.Message) {
	var task ScanTask
	if err := queue.Decode(msg, &task); err != nil {
		w.logger.Error().Err(err).Msg("malformed scan task dropped")
		msg.Ack()
		return
	}

	// Let the library scanner finish importing before assembling.
	if wait := time.Until(task.ReadyAt); wait > 0 {
		select {
		case <-ctx.Done():
			msg.Nack()
			return
		case <-time.After(wait):
		}
	}

	if err := w.orch.BuildFinalPlaylist(ctx, task.BatchID); err != nil {
		w.logger.Error().Err(err).Str("batch_id", task.BatchID).Msg("playlist build failed")
		msg.Nack()
		return
	}
	msg.Ack()
}
