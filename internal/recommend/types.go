// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

// Package recommend turns listening-history seed artists and similarity
// data into a tiered, deduplicated, artist-diverse album candidate list.
package recommend

import (
	"github.com/tonearm/tonearm/internal/store"
)

// Seed is one listening-history artist a recommendation run starts from.
type Seed struct {
	Name string
	MBID string
}

// Tier thresholds on average cross-seed match. Below exploreThreshold a
// candidate is reserved for wildcard only.
const (
	highThreshold    = 0.65
	mediumThreshold  = 0.50
	exploreThreshold = 0.35
)

// Target distribution of the requested count, in percent.
const (
	highShare     = 30
	mediumShare   = 40
	exploreShare  = 20
	wildcardShare = 10
)

// minAlbumTracks excludes EPs and singles from selection.
const minAlbumTracks = 7

// recencyWindowYears is the window for the release recency bonus.
const recencyWindowYears = 5

// fallbackGenres seed wildcard exploration when listening history is empty.
var fallbackGenres = []string{"rock", "electronic", "jazz", "hip-hop", "indie"}

// candidate is one similar artist aggregated across all seeds.
type candidate struct {
	Name           string
	MBID           string
	AvgMatch       float64
	MaxMatch       float64
	CrossSeedCount int
	tier           store.Tier
}

// Recommendation is one album the engine selected.
type Recommendation struct {
	ArtistName string
	AlbumName  string
	AlbumMBID  string
	Similarity float64
	Tier       store.Tier
}

// tierFor buckets an average match score. The second return is false for
// scores below the explore threshold (wildcard-only material).
func tierFor(avgMatch float64) (store.Tier, bool) {
	switch {
	case avgMatch >= highThreshold:
		return store.TierHigh, true
	case avgMatch >= mediumThreshold:
		return store.TierMedium, true
	case avgMatch >= exploreThreshold:
		return store.TierExplore, true
	default:
		return "", false
	}
}
