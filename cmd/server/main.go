// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

// Package main is the entry point for the Tonearm discovery server.
//
// The process hosts the weekly discovery pipeline: the batch
// orchestrator and its queue workers, the stuck-batch sweeps, the
// late-import reconciliation pass, and the enrichment cycle controller,
// all under one suture supervision tree. A Prometheus /metrics listener
// is the only HTTP surface.
//
// Configuration is layered via koanf (highest priority wins):
// environment variables, an optional config.yaml, built-in defaults.
//
// # Build Tags
//
//	go build -tags "nats" ./cmd/server   # durable NATS JetStream queue
//
// Without the tag the queue backend is the in-process watermill
// gochannel implementation.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tonearm/tonearm/internal/config"
	"github.com/tonearm/tonearm/internal/discovery"
	"github.com/tonearm/tonearm/internal/enrichment"
	"github.com/tonearm/tonearm/internal/events"
	"github.com/tonearm/tonearm/internal/logging"
	"github.com/tonearm/tonearm/internal/musicapi"
	"github.com/tonearm/tonearm/internal/queue"
	"github.com/tonearm/tonearm/internal/recommend"
	"github.com/tonearm/tonearm/internal/store"
	"github.com/tonearm/tonearm/internal/supervisor"
	"github.com/tonearm/tonearm/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tonearm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logger := logging.Logger()
	logger.Info().
		Str("queue_backend", cfg.Queue.Backend).
		Bool("in_memory", cfg.Database.InMemory).
		Msg("tonearm discovery server starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenBadger(store.BadgerOptions{
		Path:     cfg.Database.Path,
		InMemory: cfg.Database.InMemory,
	}, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("store close failed")
		}
	}()

	bus := events.NewBus(logger)
	defer func() { _ = bus.Close() }()

	q, err := buildQueue(cfg, logger)
	if err != nil {
		return fmt.Errorf("build queue: %w", err)
	}
	defer func() { _ = q.Close() }()

	similarity := musicapi.NewSimilarityClient(musicapi.SimilarityConfig{
		BaseURL:       cfg.Similarity.BaseURL,
		APIKey:        cfg.Similarity.APIKey,
		Timeout:       cfg.Similarity.Timeout,
		RatePerSecond: cfg.Similarity.RatePerSecond,
		RetryAttempts: cfg.Similarity.RetryAttempts,
		RetryBaseWait: cfg.Similarity.RetryBaseWait,
	}, logger)
	resolver := musicapi.NewMetadataClient(musicapi.MetadataConfig{
		BaseURL:       cfg.Metadata.BaseURL,
		Timeout:       cfg.Metadata.Timeout,
		RetryAttempts: cfg.Metadata.RetryAttempts,
		RetryBaseWait: cfg.Metadata.RetryBaseWait,
	}, logger)
	acquirer := musicapi.NewAcquisitionClient(musicapi.AcquisitionConfig{
		BaseURL:        cfg.Acquisition.BaseURL,
		APIKey:         cfg.Acquisition.APIKey,
		Timeout:        cfg.Acquisition.Timeout,
		MaxConcurrent:  cfg.Acquisition.MaxConcurrent,
		BreakerFailMax: cfg.Acquisition.BreakerFailMax,
		BreakerCooloff: cfg.Acquisition.BreakerCooloff,
	}, logger)
	notifier := musicapi.NewLogNotifier(logger)

	engine := recommend.NewEngine(st, similarity, resolver, logger)

	orch := discovery.NewOrchestrator(discovery.Config{
		DefaultPlaylistSize:  cfg.Discovery.DefaultPlaylistSize,
		SeedArtistCount:      cfg.Discovery.SeedArtistCount,
		DownloadRatio:        cfg.Acquisition.DownloadRatio,
		ImportSettleGrace:    cfg.Discovery.ImportSettleGrace,
		StuckForceFailAfter:  cfg.Discovery.StuckForceFailAfter,
		StuckNoProgressAfter: cfg.Discovery.StuckNoProgressAfter,
		StuckPartialAfter:    cfg.Discovery.StuckPartialAfter,
		ExclusionWindow:      cfg.Discovery.ExclusionWindow,
		ReconcileLookback:    cfg.Discovery.ReconcileLookback,
	}, st, engine, acquirer, q, bus, notifier, logger)
	worker := discovery.NewWorker(orch, q, logger)

	controller := enrichment.NewController(enrichment.Config{
		TickInterval:      cfg.Enrichment.TickInterval,
		MinCycleGap:       cfg.Enrichment.MinCycleGap,
		ArtistTimeout:     cfg.Enrichment.ArtistTimeout,
		TrackTimeout:      cfg.Enrichment.TrackTimeout,
		ArtistBatchSize:   cfg.Enrichment.ArtistBatchSize,
		TrackBatchSize:    cfg.Enrichment.TrackBatchSize,
		ArtistConcurrency: cfg.Enrichment.ArtistConcurrency,
		AudioBatchSize:    cfg.Enrichment.AudioBatchSize,
		VibeBatchSize:     cfg.Enrichment.VibeBatchSize,
		VibeEnabled:       cfg.Enrichment.VibeEnabled,
		StaleAfter:        cfg.Enrichment.StaleAfter,
		MaxMoodTags:       cfg.Enrichment.MaxMoodTags,
		SystemTripAfter:   cfg.Enrichment.SystemTripAfter,
	}, st, similarity, q, bus, notifier, logger)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(services.NewWorkerService(worker, logger))
	tree.AddPipelineService(services.NewSweepService(orch, cfg.Discovery.SweepInterval, logger))
	tree.AddPipelineService(services.NewReconcileService(orch, 24*time.Hour, logger))
	tree.AddPipelineService(services.NewEnrichmentService(controller, logger))

	if cfg.Server.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		tree.AddObservabilityService(services.NewHTTPServerService("metrics", srv, 10*time.Second))
		logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics listener enabled")
	}

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	logger.Info().Msg("tonearm discovery server stopped")
	return nil
}

func buildQueue(cfg *config.Config, logger zerolog.Logger) (queue.Queue, error) {
	wmLogger := events.NewWatermillLogger(logger)
	if cfg.Queue.Backend == "nats" {
		return queue.NewNATSQueue(queue.NATSConfig{
			URL:        cfg.Queue.NATSURL,
			StreamName: cfg.Queue.StreamName,
		}, wmLogger)
	}
	return queue.NewChannelQueue(wmLogger), nil
}
