// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package recommend

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tonearm/tonearm/internal/metrics"
	"github.com/tonearm/tonearm/internal/musicapi"
	"github.com/tonearm/tonearm/internal/store"
)

// Per-run fetch limits against the similarity source.
const (
	similarPerSeed     = 50
	topAlbumsPerArtist = 10
	tagAlbumLimit      = 50
	topGenreLimit      = 5
)

// Catalog is the read view of the library the engine needs for ownership
// and exclusion checks.
type Catalog interface {
	ListLibraryAlbums(ctx context.Context) ([]*store.Album, error)
	UserTopGenres(ctx context.Context, userID string, limit int) ([]string, error)
	GetExclusion(ctx context.Context, userID, albumMBID string) (*store.DiscoverExclusion, error)
}

// Engine selects discovery albums from seed artists. It tolerates partial
// similarity-source failures: a candidate that cannot be scored or resolved
// is skipped, never fatal. Only a catalog read failure aborts a run.
type Engine struct {
	catalog    Catalog
	similarity musicapi.SimilarityService
	resolver   musicapi.MetadataResolver
	logger     zerolog.Logger
	now        func() time.Time
}

// NewEngine wires the recommendation engine.
func NewEngine(catalog Catalog, similarity musicapi.SimilarityService, resolver musicapi.MetadataResolver, logger zerolog.Logger) *Engine {
	return &Engine{
		catalog:    catalog,
		similarity: similarity,
		resolver:   resolver,
		logger:     logger.With().Str("component", "recommend").Logger(),
		now:        time.Now,
	}
}

// run carries the per-generation dedup and ownership state.
type run struct {
	userID string
	now    time.Time

	ownedMBIDs     map[string]bool
	ownedKeys      map[string]bool // MatchKey(artist, album)
	libraryArtists map[string]bool // NormalizeName(artist)

	usedArtists map[string]bool
	usedAlbums  map[string]bool // matchKey and MBIDs

	allowLibraryArtists bool
}

func (e *Engine) newRun(ctx context.Context, userID string) (*run, error) {
	albums, err := e.catalog.ListLibraryAlbums(ctx)
	if err != nil {
		return nil, err
	}
	r := &run{
		userID:         userID,
		now:            e.now(),
		ownedMBIDs:     make(map[string]bool),
		ownedKeys:      make(map[string]bool, len(albums)),
		libraryArtists: make(map[string]bool),
		usedArtists:    make(map[string]bool),
		usedAlbums:     make(map[string]bool),
	}
	for _, a := range albums {
		if a.MBID != "" {
			r.ownedMBIDs[a.MBID] = true
		}
		r.ownedKeys[MatchKey(a.ArtistName, a.Title)] = true
		r.libraryArtists[NormalizeName(a.ArtistName)] = true
	}
	return r, nil
}

// Recommend produces up to target recommendations for the user. A shortfall
// is a valid outcome; the caller decides whether it is acceptable.
func (e *Engine) Recommend(ctx context.Context, userID string, seeds []Seed, target int) ([]Recommendation, error) {
	start := e.now()
	if target <= 0 {
		return nil, nil
	}

	r, err := e.newRun(ctx, userID)
	if err != nil {
		return nil, err
	}

	cands := e.gatherCandidates(ctx, seeds, r)

	avail := make(map[store.Tier]int)
	for _, c := range cands {
		avail[c.tier]++
	}
	q := allocateQuotas(target, avail)
	for tier, n := range avail {
		metrics.RecommendationCandidates.WithLabelValues(string(tier)).Observe(float64(n))
	}

	var recs []Recommendation
	for _, want := range []struct {
		tier  store.Tier
		quota int
	}{
		{store.TierHigh, q.High},
		{store.TierMedium, q.Medium},
		{store.TierExplore, q.Explore},
	} {
		picked := 0
		for _, c := range cands {
			if picked >= want.quota {
				break
			}
			if c.tier != want.tier {
				continue
			}
			if rec, ok := e.selectAlbum(ctx, r, c); ok {
				recs = append(recs, rec)
				picked++
			}
		}
	}

	// Fallback pass a: fill the remaining non-wildcard shortfall from any
	// unused candidate regardless of its tier quota.
	nonWildcardTarget := target - q.Wildcard
	recs = e.fillFromCandidates(ctx, r, cands, recs, nonWildcardTarget)

	// Fallback pass b: same, but library artists become eligible. Their
	// albums stay excluded through the ownership index.
	if len(recs) < nonWildcardTarget {
		r.allowLibraryArtists = true
		recs = e.fillFromCandidates(ctx, r, cands, recs, nonWildcardTarget)
		r.allowLibraryArtists = false
	}

	recs = append(recs, e.wildcardFill(ctx, r, q.Wildcard)...)

	if len(recs) > target {
		recs = recs[:target]
	}
	metrics.RecommendationDuration.Observe(e.now().Sub(start).Seconds())
	e.logger.Info().
		Str("user_id", userID).
		Int("target", target).
		Int("selected", len(recs)).
		Int("candidates", len(cands)).
		Msg("recommendation run finished")
	return recs, nil
}

// ReplacementCandidate finds one fresh album for a failed acquisition:
// a new artist from the seed similarity graph whose artist and album are
// not in the caller's used sets. A nil result means no viable candidate.
func (e *Engine) ReplacementCandidate(ctx context.Context, userID string, seeds []Seed, usedArtists, usedAlbums map[string]bool) (*Recommendation, error) {
	r, err := e.newRun(ctx, userID)
	if err != nil {
		return nil, err
	}
	for name := range usedArtists {
		r.usedArtists[NormalizeName(name)] = true
	}
	for key := range usedAlbums {
		r.usedAlbums[key] = true
	}

	cands := e.gatherCandidates(ctx, seeds, r)
	for _, c := range cands {
		if rec, ok := e.selectAlbum(ctx, r, c); ok {
			return &rec, nil
		}
	}
	return nil, nil
}

// gatherCandidates queries similarity for every seed, aggregates neighbors
// across seeds, and returns them tiered and sorted: cross-seed count first,
// then average match. Per-seed failures are logged and skipped.
func (e *Engine) gatherCandidates(ctx context.Context, seeds []Seed, r *run) []candidate {
	type agg struct {
		name     string
		mbid     string
		sum      float64
		max      float64
		seedHits int
	}
	byKey := make(map[string]*agg)

	for _, seed := range seeds {
		similar, err := e.similarity.GetSimilarArtists(ctx, seed.Name, seed.MBID, similarPerSeed)
		if err != nil {
			e.logger.Warn().Err(err).Str("seed", seed.Name).Msg("similarity lookup failed, skipping seed")
			continue
		}
		seen := make(map[string]bool, len(similar))
		for _, sa := range similar {
			key := sa.MBID
			if key == "" {
				key = NormalizeName(sa.Name)
			}
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			a := byKey[key]
			if a == nil {
				a = &agg{name: sa.Name, mbid: sa.MBID}
				byKey[key] = a
			}
			a.sum += sa.Match
			if sa.Match > a.max {
				a.max = sa.Match
			}
			a.seedHits++
		}
	}

	cands := make([]candidate, 0, len(byKey))
	for _, a := range byKey {
		c := candidate{
			Name:           a.name,
			MBID:           a.mbid,
			AvgMatch:       a.sum / float64(a.seedHits),
			MaxMatch:       a.max,
			CrossSeedCount: a.seedHits,
		}
		tier, ok := tierFor(c.AvgMatch)
		if !ok {
			continue
		}
		c.tier = tier
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].CrossSeedCount != cands[j].CrossSeedCount {
			return cands[i].CrossSeedCount > cands[j].CrossSeedCount
		}
		if cands[i].AvgMatch != cands[j].AvgMatch {
			return cands[i].AvgMatch > cands[j].AvgMatch
		}
		return cands[i].Name < cands[j].Name
	})
	return cands
}

// fillFromCandidates selects albums from unused candidates, in global
// order, until len(recs) reaches target or candidates run out.
func (e *Engine) fillFromCandidates(ctx context.Context, r *run, cands []candidate, recs []Recommendation, target int) []Recommendation {
	for _, c := range cands {
		if len(recs) >= target {
			break
		}
		if rec, ok := e.selectAlbum(ctx, r, c); ok {
			recs = append(recs, rec)
		}
	}
	return recs
}

// selectAlbum picks the highest-scoring viable album for one candidate
// artist. At most one album per artist per run. Returns false when the
// artist is ineligible or no album survives the rejection filters.
func (e *Engine) selectAlbum(ctx context.Context, r *run, c candidate) (Recommendation, bool) {
	artistKey := NormalizeName(c.Name)
	if artistKey == "" || r.usedArtists[artistKey] {
		return Recommendation{}, false
	}
	if !r.allowLibraryArtists && r.libraryArtists[artistKey] {
		return Recommendation{}, false
	}

	tops, err := e.similarity.GetArtistTopAlbums(ctx, c.Name, c.MBID, topAlbumsPerArtist)
	if err != nil {
		e.logger.Debug().Err(err).Str("artist", c.Name).Msg("top albums lookup failed")
		return Recommendation{}, false
	}

	var (
		best      *musicapi.AlbumRef
		bestKey   string
		bestScore = math.Inf(-1)
	)
	for _, ta := range tops {
		ref, details, key, ok := e.resolveViable(ctx, r, c.Name, ta.Name)
		if !ok {
			continue
		}
		if s := albumScore(ta.Playcount, details.ReleaseDate, r.now); s > bestScore {
			best, bestKey, bestScore = ref, key, s
		}
	}
	if best == nil {
		return Recommendation{}, false
	}

	r.usedArtists[artistKey] = true
	r.usedAlbums[bestKey] = true
	r.usedAlbums[best.ID] = true
	return Recommendation{
		ArtistName: c.Name,
		AlbumName:  best.Title,
		AlbumMBID:  best.ID,
		Similarity: c.AvgMatch,
		Tier:       c.tier,
	}, true
}

// resolveViable resolves (artist, album) to a canonical release group and
// applies every rejection filter: already used this run, already owned,
// under an active exclusion, not a studio album, or too short.
func (e *Engine) resolveViable(ctx context.Context, r *run, artist, album string) (*musicapi.AlbumRef, *musicapi.AlbumDetails, string, bool) {
	key := MatchKey(artist, album)
	if r.usedAlbums[key] || r.ownedKeys[key] {
		return nil, nil, "", false
	}

	ref, err := e.resolver.SearchAlbum(ctx, album, artist)
	if err != nil || ref == nil {
		return nil, nil, "", false
	}
	if r.usedAlbums[ref.ID] || r.ownedMBIDs[ref.ID] {
		return nil, nil, "", false
	}

	excl, err := e.catalog.GetExclusion(ctx, r.userID, ref.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, "", false
	}
	if excl != nil && excl.Active(r.now) {
		return nil, nil, "", false
	}

	details, err := e.resolver.GetAlbumDetails(ctx, ref.ID)
	if err != nil || details == nil {
		return nil, nil, "", false
	}
	if !details.Studio() || details.TrackCount < minAlbumTracks {
		return nil, nil, "", false
	}
	return ref, details, key, true
}

// wildcardFill selects quota albums from tag exploration of the user's top
// genres (or the genre fallbacks when history is empty). Library artists
// are always excluded here; wildcard exists to surface the unfamiliar.
func (e *Engine) wildcardFill(ctx context.Context, r *run, quota int) []Recommendation {
	if quota <= 0 {
		return nil
	}
	genres, err := e.catalog.UserTopGenres(ctx, r.userID, topGenreLimit)
	if err != nil || len(genres) == 0 {
		genres = fallbackGenres
	}

	var recs []Recommendation
	for _, genre := range genres {
		if len(recs) >= quota {
			break
		}
		albums, err := e.similarity.GetTopAlbumsByTag(ctx, genre, tagAlbumLimit)
		if err != nil {
			e.logger.Debug().Err(err).Str("genre", genre).Msg("tag exploration failed")
			continue
		}
		for _, ta := range albums {
			if len(recs) >= quota {
				break
			}
			artistKey := NormalizeName(ta.Artist)
			if artistKey == "" || r.usedArtists[artistKey] || r.libraryArtists[artistKey] {
				continue
			}
			ref, _, key, ok := e.resolveViable(ctx, r, ta.Artist, ta.Name)
			if !ok {
				continue
			}
			r.usedArtists[artistKey] = true
			r.usedAlbums[key] = true
			r.usedAlbums[ref.ID] = true
			recs = append(recs, Recommendation{
				ArtistName: ta.Artist,
				AlbumName:  ref.Title,
				AlbumMBID:  ref.ID,
				Similarity: exploreThreshold,
				Tier:       store.TierWildcard,
			})
		}
	}
	return recs
}

// albumScore combines log-scaled popularity with a linear recency bonus
// that decays to zero over the recency window.
func albumScore(playcount int64, released, now time.Time) float64 {
	score := math.Log1p(float64(playcount))
	if !released.IsZero() {
		window := time.Duration(recencyWindowYears) * 365 * 24 * time.Hour
		if age := now.Sub(released); age >= 0 && age < window {
			score += 2 * (1 - float64(age)/float64(window))
		}
	}
	return score
}
