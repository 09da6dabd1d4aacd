// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package musicapi

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier is the default Notifier: notifications go to the
// structured log. Delivery transports (email, push) plug in by
// implementing Notifier.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

// EnrichmentComplete logs the full-completion notification.
func (n *LogNotifier) EnrichmentComplete(_ context.Context, artistCount, trackCount int) error {
	n.logger.Info().
		Int("artists", artistCount).
		Int("tracks", trackCount).
		Msg("enrichment complete")
	return nil
}

// EnrichmentFailures logs the per-cycle aggregated failure notification.
func (n *LogNotifier) EnrichmentFailures(_ context.Context, count int, sample []string) error {
	n.logger.Warn().
		Int("failures", count).
		Strs("sample", sample).
		Msg("enrichment cycle recorded failures")
	return nil
}

// DiscoveryReady logs the playlist-assembled notification.
func (n *LogNotifier) DiscoveryReady(_ context.Context, userID string, trackCount int) error {
	n.logger.Info().
		Str("user_id", userID).
		Int("tracks", trackCount).
		Msg("discovery playlist ready")
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
