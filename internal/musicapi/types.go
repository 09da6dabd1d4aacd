// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

// Package musicapi defines the capability interfaces for the external
// services the pipeline depends on, plus their HTTP implementations.
// Responses are parsed and validated at this boundary; business logic
// never sees raw wire shapes.
package musicapi

import (
	"context"
	"time"
)

// SimilarArtist is one similarity-graph neighbor of a seed artist.
type SimilarArtist struct {
	Name  string
	MBID  string
	Match float64 // 0..1, clamped by the client
}

// TopAlbum is one entry of an artist's most-played albums.
type TopAlbum struct {
	Name      string
	Playcount int64
}

// TagAlbum is one album surfaced by genre/tag exploration.
type TagAlbum struct {
	Name   string
	Artist string
}

// SimilarityService is the rate-limited, unreliable similarity source.
// Implementations retry transient failures internally; callers treat any
// returned error as "skip this candidate".
type SimilarityService interface {
	GetSimilarArtists(ctx context.Context, name, mbid string, limit int) ([]SimilarArtist, error)
	GetArtistTopAlbums(ctx context.Context, name, mbid string, limit int) ([]TopAlbum, error)
	GetTopAlbumsByTag(ctx context.Context, tag string, limit int) ([]TagAlbum, error)

	// GetTrackTags returns the raw top tags for a track, unfiltered.
	GetTrackTags(ctx context.Context, artist, title string) ([]string, error)
}

// AlbumRef is a canonical-identifier search hit.
type AlbumRef struct {
	ID     string
	Title  string
	Artist string
}

// AlbumDetails carries the release metadata used by studio-album checks.
type AlbumDetails struct {
	ID             string
	PrimaryType    string
	SecondaryTypes []string
	TrackCount     int
	ReleaseDate    time.Time
}

// Studio reports whether the release is a primary studio album: primary
// type Album with no secondary types (compilation, live, remix).
func (d AlbumDetails) Studio() bool {
	return d.PrimaryType == "Album" && len(d.SecondaryTypes) == 0
}

// MetadataResolver resolves names to canonical identifiers and release
// details. A nil result with nil error means "no match", a filter
// condition rather than a failure.
type MetadataResolver interface {
	SearchAlbum(ctx context.Context, title, artist string) (*AlbumRef, error)
	GetAlbumDetails(ctx context.Context, id string) (*AlbumDetails, error)
}

// AcquireRequest identifies one album acquisition attempt.
type AcquireRequest struct {
	JobID      string
	BatchID    string
	ArtistName string
	AlbumName  string
	AlbumMBID  string
}

// AcquireResult is the acquisition outcome for one request.
type AcquireResult struct {
	Success       bool
	Source        string
	CorrelationID string
	Error         string
}

// QueueItem is one entry in the acquisition manager's download queue.
type QueueItem struct {
	ID            string
	CorrelationID string
	Title         string
	Status        string
}

// AcquisitionService is the download boundary. It limits its own
// concurrency; the orchestrator fires all jobs and lets the client
// throttle.
type AcquisitionService interface {
	AcquireAlbum(ctx context.Context, req AcquireRequest) (*AcquireResult, error)

	// RemoveDiscoveryArtist deletes an artist entry created for a
	// discovery run that produced nothing worth keeping.
	RemoveDiscoveryArtist(ctx context.Context, artistName string) error

	// ListQueue returns the manager's current download queue.
	ListQueue(ctx context.Context) ([]QueueItem, error)

	// RemoveQueueItem deletes one stuck queue entry.
	RemoveQueueItem(ctx context.Context, id string) error
}

// Notifier delivers operator-facing notifications. Delivery transport is
// out of scope; implementations may simply log.
type Notifier interface {
	// EnrichmentComplete fires once when enrichment fully completes.
	EnrichmentComplete(ctx context.Context, artistCount, trackCount int) error

	// EnrichmentFailures fires at most once per cycle with the
	// aggregated failure count.
	EnrichmentFailures(ctx context.Context, count int, sample []string) error

	// DiscoveryReady fires when a discovery playlist is assembled.
	DiscoveryReady(ctx context.Context, userID string, trackCount int) error
}
