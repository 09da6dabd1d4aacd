// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// EnrichmentService supervises the enrichment cycle controller loop.
type EnrichmentService struct {
	controller Runner
	logger     zerolog.Logger
	name       string
}

// NewEnrichmentService wraps the enrichment controller for supervision.
func NewEnrichmentService(controller Runner, logger zerolog.Logger) *EnrichmentService {
	return &EnrichmentService{
		controller: controller,
		logger:     logger.With().Str("service", "enrichment").Logger(),
		name:       "enrichment-controller",
	}
}

// Serve implements suture.Service. The controller returns nil when
// stopped through its own Stop call; suture treats that as a normal
// exit and restarts it, which re-arms the cycle loop after an
// operator-driven stop/start sequence.
func (s *EnrichmentService) Serve(ctx context.Context) error {
	s.logger.Info().Msg("enrichment controller starting")
	err := s.controller.Run(ctx)
	if errors.Is(err, context.Canceled) {
		s.logger.Info().Msg("enrichment controller shutting down")
	}
	return err
}

// String returns the service name for supervisor logging.
func (s *EnrichmentService) String() string {
	return s.name
}
