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

// Reconciler backfills discovery playlists with albums that finished
// importing after their batch completed.
type Reconciler interface {
	ReconcileDiscoveryTracks(ctx context.Context) error
}

// ReconcileService runs the late-import reconciliation pass on a slow
// cadence, and once shortly after startup to catch imports that landed
// while the process was down.
type ReconcileService struct {
	reconciler Reconciler
	interval   time.Duration
	startDelay time.Duration
	logger     zerolog.Logger
	name       string
}

// NewReconcileService creates the reconciliation service.
func NewReconcileService(reconciler Reconciler, interval time.Duration, logger zerolog.Logger) *ReconcileService {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &ReconcileService{
		reconciler: reconciler,
		interval:   interval,
		startDelay: time.Minute,
		logger:     logger.With().Str("service", "discovery-reconcile").Logger(),
		name:       "discovery-reconcile",
	}
}

// Serve implements suture.Service.
func (s *ReconcileService) Serve(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("reconcile service starting")

	startup := time.NewTimer(s.startDelay)
	defer startup.Stop()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("reconcile service shutting down")
			return ctx.Err()
		case <-startup.C:
			s.reconcile(ctx)
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *ReconcileService) reconcile(ctx context.Context) {
	start := time.Now()
	if err := s.reconciler.ReconcileDiscoveryTracks(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("discovery reconciliation failed")
		return
	}
	s.logger.Debug().Dur("duration", time.Since(start)).Msg("reconcile pass complete")
}

// String returns the service name for supervisor logging.
func (s *ReconcileService) String() string {
	return s.name
}
