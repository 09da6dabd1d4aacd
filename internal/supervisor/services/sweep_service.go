// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper is the orchestrator's maintenance surface.
type Sweeper interface {
	// CheckStuckBatches settles or fails batches past their deadlines.
	CheckStuckBatches(ctx context.Context) error

	// CleanupOrphanedQueue removes acquisition queue items no live job
	// references.
	CleanupOrphanedQueue(ctx context.Context) error
}

// SweepService runs the stuck-batch sweep and queue cleanup on a fixed
// interval. A failed pass is logged and retried on the next tick; it
// never crashes the service.
type SweepService struct {
	sweeper  Sweeper
	interval time.Duration
	logger   zerolog.Logger
	name     string
}

// NewSweepService creates the periodic sweep service.
func NewSweepService(sweeper Sweeper, interval time.Duration, logger zerolog.Logger) *SweepService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &SweepService{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With().Str("service", "discovery-sweep").Logger(),
		name:     "discovery-sweep",
	}
}

// Serve implements suture.Service. The first sweep runs one interval
// after start, so a crash-looping dependency gets quiet time.
func (s *SweepService) Serve(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("sweep service starting")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweep service shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *SweepService) sweep(ctx context.Context) {
	start := time.Now()
	if err := s.sweeper.CheckStuckBatches(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("stuck batch sweep failed")
	}
	if err := s.sweeper.CleanupOrphanedQueue(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("orphaned queue cleanup failed")
	}
	s.logger.Debug().Dur("duration", time.Since(start)).Msg("sweep pass complete")
}

// String returns the service name for supervisor logging.
func (s *SweepService) String() string {
	return s.name
}
