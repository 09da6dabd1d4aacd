// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

// Package services provides suture service wrappers for the pipeline
// components. Interfaces are declared here so the wrappers stay free of
// component imports.
package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Runner is a component with a blocking run loop that exits when its
// context is canceled. Satisfied by discovery.Worker and
// enrichment.Controller.
type Runner interface {
	Run(ctx context.Context) error
}

// WorkerService supervises the discovery queue worker.
type WorkerService struct {
	worker Runner
	logger zerolog.Logger
	name   string
}

// NewWorkerService wraps the discovery worker for supervision.
func NewWorkerService(worker Runner, logger zerolog.Logger) *WorkerService {
	return &WorkerService{
		worker: worker,
		logger: logger.With().Str("service", "discovery-worker").Logger(),
		name:   "discovery-worker",
	}
}

// Serve implements suture.Service.
func (s *WorkerService) Serve(ctx context.Context) error {
	s.logger.Info().Msg("discovery worker starting")
	err := s.worker.Run(ctx)
	if errors.Is(err, context.Canceled) {
		s.logger.Info().Msg("discovery worker shutting down")
	}
	return err
}

// String returns the service name for supervisor logging.
func (s *WorkerService) String() string {
	return s.name
}
