// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package recommend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tonearm/tonearm/internal/musicapi"
	"github.com/tonearm/tonearm/internal/store"
)

type fakeSimilarity struct {
	similar    map[string][]musicapi.SimilarArtist // keyed by seed MBID
	topAlbums  map[string][]musicapi.TopAlbum      // keyed by artist name
	tagAlbums  map[string][]musicapi.TagAlbum      // keyed by tag
	similarErr map[string]error
}

func (f *fakeSimilarity) GetSimilarArtists(_ context.Context, _, mbid string, _ int) ([]musicapi.SimilarArtist, error) {
	if err := f.similarErr[mbid]; err != nil {
		return nil, err
	}
	return f.similar[mbid], nil
}

func (f *fakeSimilarity) GetArtistTopAlbums(_ context.Context, name, _ string, _ int) ([]musicapi.TopAlbum, error) {
	return f.topAlbums[name], nil
}

func (f *fakeSimilarity) GetTopAlbumsByTag(_ context.Context, tag string, _ int) ([]musicapi.TagAlbum, error) {
	return f.tagAlbums[tag], nil
}

func (f *fakeSimilarity) GetTrackTags(context.Context, string, string) ([]string, error) {
	return nil, errors.New("not used")
}

type fakeResolver struct {
	refs    map[string]*musicapi.AlbumRef // keyed by MatchKey(artist, title)
	details map[string]*musicapi.AlbumDetails
}

func (f *fakeResolver) SearchAlbum(_ context.Context, title, artist string) (*musicapi.AlbumRef, error) {
	return f.refs[MatchKey(artist, title)], nil
}

func (f *fakeResolver) GetAlbumDetails(_ context.Context, id string) (*musicapi.AlbumDetails, error) {
	return f.details[id], nil
}

// studioAlbum registers a resolvable studio album with enough tracks.
func (f *fakeResolver) studioAlbum(artist, title, mbid string, released time.Time) {
	f.refs[MatchKey(artist, title)] = &musicapi.AlbumRef{ID: mbid, Title: title, Artist: artist}
	f.details[mbid] = &musicapi.AlbumDetails{
		ID: mbid, PrimaryType: "Album", TrackCount: 10, ReleaseDate: released,
	}
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		refs:    make(map[string]*musicapi.AlbumRef),
		details: make(map[string]*musicapi.AlbumDetails),
	}
}

func testEngine(sim *fakeSimilarity, res *fakeResolver, catalog Catalog) *Engine {
	e := NewEngine(catalog, sim, res, zerolog.Nop())
	e.now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	return e
}

func TestRecommendSingleSeedHighTier(t *testing.T) {
	sim := &fakeSimilarity{
		similar: map[string][]musicapi.SimilarArtist{
			"m1": {{Name: "B", MBID: "m2", Match: 0.8}},
		},
		topAlbums: map[string][]musicapi.TopAlbum{
			"B": {{Name: "Album B", Playcount: 1000}},
		},
	}
	res := newFakeResolver()
	res.studioAlbum("B", "Album B", "rg-b", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	e := testEngine(sim, res, store.NewMemStore())
	got, err := e.Recommend(context.Background(), "u1", []Seed{{Name: "A", MBID: "m1"}}, 1)
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("recommendations = %d, want 1", len(got))
	}
	rec := got[0]
	if rec.ArtistName != "B" || rec.AlbumMBID != "rg-b" {
		t.Errorf("rec = %+v, want album rg-b by B", rec)
	}
	if rec.Tier != store.TierHigh {
		t.Errorf("tier = %s, want high", rec.Tier)
	}
	if rec.Similarity != 0.8 {
		t.Errorf("similarity = %v, want 0.8", rec.Similarity)
	}
}

func TestRecommendOneAlbumPerArtist(t *testing.T) {
	sim := &fakeSimilarity{
		similar: map[string][]musicapi.SimilarArtist{
			"m1": {
				{Name: "B", MBID: "m2", Match: 0.8},
				{Name: "C", MBID: "m3", Match: 0.7},
			},
		},
		topAlbums: map[string][]musicapi.TopAlbum{
			"B": {{Name: "B One", Playcount: 900}, {Name: "B Two", Playcount: 800}},
			"C": {{Name: "C One", Playcount: 500}},
		},
	}
	res := newFakeResolver()
	res.studioAlbum("B", "B One", "rg-b1", time.Time{})
	res.studioAlbum("B", "B Two", "rg-b2", time.Time{})
	res.studioAlbum("C", "C One", "rg-c1", time.Time{})

	e := testEngine(sim, res, store.NewMemStore())
	got, err := e.Recommend(context.Background(), "u1", []Seed{{Name: "A", MBID: "m1"}}, 4)
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	byArtist := make(map[string]int)
	for _, r := range got {
		byArtist[r.ArtistName]++
	}
	if byArtist["B"] != 1 || byArtist["C"] != 1 {
		t.Errorf("per-artist counts = %v, want exactly one album each", byArtist)
	}
}

func TestRecommendSkipsOwnedExcludedAndNonStudio(t *testing.T) {
	sim := &fakeSimilarity{
		similar: map[string][]musicapi.SimilarArtist{
			"m1": {{Name: "B", MBID: "m2", Match: 0.8}},
		},
		topAlbums: map[string][]musicapi.TopAlbum{
			"B": {
				{Name: "Owned Album", Playcount: 5000},
				{Name: "Excluded Album", Playcount: 4000},
				{Name: "Live At The Void", Playcount: 3000},
				{Name: "Short EP", Playcount: 2000},
				{Name: "Keeper", Playcount: 100},
			},
		},
	}
	res := newFakeResolver()
	res.studioAlbum("B", "Owned Album", "rg-owned", time.Time{})
	res.studioAlbum("B", "Excluded Album", "rg-excl", time.Time{})
	res.refs[MatchKey("B", "Live At The Void")] = &musicapi.AlbumRef{ID: "rg-live", Title: "Live At The Void", Artist: "B"}
	res.details["rg-live"] = &musicapi.AlbumDetails{ID: "rg-live", PrimaryType: "Album", SecondaryTypes: []string{"Live"}, TrackCount: 12}
	res.refs[MatchKey("B", "Short EP")] = &musicapi.AlbumRef{ID: "rg-ep", Title: "Short EP", Artist: "B"}
	res.details["rg-ep"] = &musicapi.AlbumDetails{ID: "rg-ep", PrimaryType: "Album", TrackCount: 4}
	res.studioAlbum("B", "Keeper", "rg-keep", time.Time{})

	ms := store.NewMemStore()
	// Owned by MBID via a different artist row; ownership is album-level.
	ms.PutAlbum(&store.Album{ID: "a1", ArtistName: "Someone Else", Title: "Owned Album", MBID: "rg-owned", TrackCount: 10})
	if err := ms.RefreshExclusion(context.Background(), "u1", "rg-excl", time.Hour); err != nil {
		t.Fatalf("RefreshExclusion() error = %v", err)
	}

	e := testEngine(sim, res, ms)
	got, err := e.Recommend(context.Background(), "u1", []Seed{{Name: "A", MBID: "m1"}}, 1)
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	if len(got) != 1 || got[0].AlbumMBID != "rg-keep" {
		t.Fatalf("got = %+v, want the only viable album rg-keep", got)
	}
}

func TestRecommendLibraryArtistOnlyViaFallback(t *testing.T) {
	sim := &fakeSimilarity{
		similar: map[string][]musicapi.SimilarArtist{
			"m1": {
				{Name: "Fresh", MBID: "m2", Match: 0.8},
				{Name: "Known", MBID: "m3", Match: 0.9},
			},
		},
		topAlbums: map[string][]musicapi.TopAlbum{
			"Fresh": {{Name: "Fresh One", Playcount: 100}},
			"Known": {{Name: "Known New", Playcount: 100}},
		},
	}
	res := newFakeResolver()
	res.studioAlbum("Fresh", "Fresh One", "rg-f", time.Time{})
	res.studioAlbum("Known", "Known New", "rg-k", time.Time{})

	ms := store.NewMemStore()
	ms.PutAlbum(&store.Album{ID: "a1", ArtistName: "Known", Title: "Known Old", MBID: "rg-old", TrackCount: 11})

	e := testEngine(sim, res, ms)
	got, err := e.Recommend(context.Background(), "u1", []Seed{{Name: "A", MBID: "m1"}}, 2)
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("recommendations = %d, want 2 (library artist admitted by fallback)", len(got))
	}
	if got[0].ArtistName != "Fresh" {
		t.Errorf("first pick = %s, want the non-library artist first", got[0].ArtistName)
	}
	var sawKnown bool
	for _, r := range got {
		if r.ArtistName == "Known" {
			sawKnown = true
			if r.AlbumMBID != "rg-k" {
				t.Errorf("library artist album = %s, want the unowned rg-k", r.AlbumMBID)
			}
		}
	}
	if !sawKnown {
		t.Error("library artist never admitted by the fallback pass")
	}
}

func TestRecommendCrossSeedCountWinsOrdering(t *testing.T) {
	sim := &fakeSimilarity{
		similar: map[string][]musicapi.SimilarArtist{
			"m1": {
				{Name: "Shared", MBID: "ms", Match: 0.7},
				{Name: "Solo", MBID: "mo", Match: 0.95},
			},
			"m2": {{Name: "Shared", MBID: "ms", Match: 0.7}},
		},
		topAlbums: map[string][]musicapi.TopAlbum{
			"Shared": {{Name: "Shared One", Playcount: 10}},
			"Solo":   {{Name: "Solo One", Playcount: 10}},
		},
	}
	res := newFakeResolver()
	res.studioAlbum("Shared", "Shared One", "rg-s", time.Time{})
	res.studioAlbum("Solo", "Solo One", "rg-o", time.Time{})

	e := testEngine(sim, res, store.NewMemStore())
	got, err := e.Recommend(context.Background(), "u1",
		[]Seed{{Name: "A", MBID: "m1"}, {Name: "B", MBID: "m2"}}, 1)
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	if len(got) != 1 || got[0].ArtistName != "Shared" {
		t.Fatalf("got = %+v, want the cross-seed artist despite lower match", got)
	}
}

func TestRecommendSurvivesSeedLookupFailure(t *testing.T) {
	sim := &fakeSimilarity{
		similar: map[string][]musicapi.SimilarArtist{
			"m2": {{Name: "B", MBID: "mb", Match: 0.8}},
		},
		similarErr: map[string]error{"m1": errors.New("upstream down")},
		topAlbums: map[string][]musicapi.TopAlbum{
			"B": {{Name: "Album B", Playcount: 10}},
		},
	}
	res := newFakeResolver()
	res.studioAlbum("B", "Album B", "rg-b", time.Time{})

	e := testEngine(sim, res, store.NewMemStore())
	got, err := e.Recommend(context.Background(), "u1",
		[]Seed{{Name: "A", MBID: "m1"}, {Name: "C", MBID: "m2"}}, 1)
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("recommendations = %d, want 1 from the surviving seed", len(got))
	}
}

func TestWildcardFillExcludesLibraryArtists(t *testing.T) {
	sim := &fakeSimilarity{
		tagAlbums: map[string][]musicapi.TagAlbum{
			"shoegaze": {
				{Name: "In Library", Artist: "Owned Artist"},
				{Name: "Fresh Tag Album", Artist: "Tag Artist"},
			},
		},
	}
	res := newFakeResolver()
	res.studioAlbum("Tag Artist", "Fresh Tag Album", "rg-tag", time.Time{})

	ms := store.NewMemStore()
	ms.PutAlbum(&store.Album{ID: "a1", ArtistName: "Owned Artist", Title: "Something", TrackCount: 9})
	ms.PutTopGenres("u1", []string{"shoegaze"})

	e := testEngine(sim, res, ms)
	got := e.wildcardFill(context.Background(), mustRun(t, e, "u1"), 2)
	if len(got) != 1 {
		t.Fatalf("wildcard picks = %d, want 1 (library artist filtered)", len(got))
	}
	if got[0].Tier != store.TierWildcard || got[0].AlbumMBID != "rg-tag" {
		t.Errorf("pick = %+v, want wildcard rg-tag", got[0])
	}
}

func TestReplacementCandidateSkipsUsedSets(t *testing.T) {
	sim := &fakeSimilarity{
		similar: map[string][]musicapi.SimilarArtist{
			"m1": {
				{Name: "Used", MBID: "mu", Match: 0.9},
				{Name: "Next", MBID: "mn", Match: 0.7},
			},
		},
		topAlbums: map[string][]musicapi.TopAlbum{
			"Used": {{Name: "Used One", Playcount: 10}},
			"Next": {{Name: "Next One", Playcount: 10}},
		},
	}
	res := newFakeResolver()
	res.studioAlbum("Used", "Used One", "rg-u", time.Time{})
	res.studioAlbum("Next", "Next One", "rg-n", time.Time{})

	e := testEngine(sim, res, store.NewMemStore())
	rec, err := e.ReplacementCandidate(context.Background(), "u1",
		[]Seed{{Name: "A", MBID: "m1"}},
		map[string]bool{"Used": true}, nil)
	if err != nil {
		t.Fatalf("ReplacementCandidate() error = %v", err)
	}
	if rec == nil || rec.ArtistName != "Next" {
		t.Fatalf("rec = %+v, want the first unused artist", rec)
	}
}

func TestReplacementCandidateNoViableReturnsNil(t *testing.T) {
	sim := &fakeSimilarity{
		similar: map[string][]musicapi.SimilarArtist{
			"m1": {{Name: "B", MBID: "m2", Match: 0.8}},
		},
	}
	e := testEngine(sim, newFakeResolver(), store.NewMemStore())
	rec, err := e.ReplacementCandidate(context.Background(), "u1",
		[]Seed{{Name: "A", MBID: "m1"}}, nil, nil)
	if err != nil {
		t.Fatalf("ReplacementCandidate() error = %v", err)
	}
	if rec != nil {
		t.Errorf("rec = %+v, want nil when nothing resolves", rec)
	}
}

func TestAllocateQuotasCascade(t *testing.T) {
	tests := []struct {
		name   string
		target int
		avail  map[store.Tier]int
		want   quotas
	}{
		{
			name:   "full supply",
			target: 30,
			avail:  map[store.Tier]int{store.TierHigh: 100, store.TierMedium: 100, store.TierExplore: 100},
			want:   quotas{High: 9, Medium: 12, Explore: 6, Wildcard: 3},
		},
		{
			name:   "high shortfall splits 60/40",
			target: 30,
			avail:  map[store.Tier]int{store.TierHigh: 4, store.TierMedium: 100, store.TierExplore: 100},
			want:   quotas{High: 4, Medium: 15, Explore: 8, Wildcard: 3},
		},
		{
			name:   "medium shortfall goes to explore",
			target: 30,
			avail:  map[store.Tier]int{store.TierHigh: 100, store.TierMedium: 2, store.TierExplore: 100},
			want:   quotas{High: 9, Medium: 2, Explore: 16, Wildcard: 3},
		},
		{
			name:   "zero target",
			target: 0,
			avail:  nil,
			want:   quotas{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := allocateQuotas(tt.target, tt.avail)
			if got != tt.want {
				t.Errorf("allocateQuotas(%d) = %+v, want %+v", tt.target, got, tt.want)
			}
			if got.Total() > tt.target {
				t.Errorf("total %d exceeds target %d", got.Total(), tt.target)
			}
		})
	}
}

func TestAlbumScorePrefersRecentOverRaw(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	recent := albumScore(100, now.AddDate(-1, 0, 0), now)
	old := albumScore(100, now.AddDate(-10, 0, 0), now)
	if recent <= old {
		t.Errorf("recent score %v should beat old score %v at equal playcount", recent, old)
	}
	popular := albumScore(100000, time.Time{}, now)
	if popular <= albumScore(10, time.Time{}, now) {
		t.Error("playcount should still order undated albums")
	}
}

// mustRun builds an engine run for direct phase-level tests.
func mustRun(t *testing.T, e *Engine, userID string) *run {
	t.Helper()
	r, err := e.newRun(context.Background(), userID)
	if err != nil {
		t.Fatalf("newRun() error = %v", err)
	}
	return r
}
