// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package musicapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testSimilarityClient(t *testing.T, handler http.Handler) *SimilarityClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSimilarityClient(SimilarityConfig{
		BaseURL:       srv.URL,
		APIKey:        "test",
		Timeout:       2 * time.Second,
		RatePerSecond: 1000,
		RetryAttempts: 3,
		RetryBaseWait: time.Millisecond,
	}, zerolog.Nop())
}

func TestGetSimilarArtistsParsesAndClamps(t *testing.T) {
	c := testSimilarityClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("method"); got != "artist.getsimilar" {
			t.Errorf("method = %q, want artist.getsimilar", got)
		}
		w.Write([]byte(`{"similarartists":{"artist":[
			{"name":"B","mbid":"m2","match":"0.8"},
			{"name":"C","mbid":"m3","match":"not-a-number"},
			{"name":"D","mbid":"m4"},
			{"name":"","mbid":"m5","match":"0.9"}
		]}}`))
	}))

	got, err := c.GetSimilarArtists(context.Background(), "A", "m1", 50)
	if err != nil {
		t.Fatalf("GetSimilarArtists() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("artists = %d, want 3 (nameless entry dropped)", len(got))
	}
	if got[0].Match != 0.8 {
		t.Errorf("match = %v, want 0.8", got[0].Match)
	}
	// Unparsable and missing match values clamp to the neutral default.
	if got[1].Match != 0.5 || got[2].Match != 0.5 {
		t.Errorf("clamped matches = %v, %v, want 0.5 both", got[1].Match, got[2].Match)
	}
}

func TestSimilarityRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := testSimilarityClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"topalbums":{"album":[{"name":"X","playcount":"42"}]}}`))
	}))

	got, err := c.GetArtistTopAlbums(context.Background(), "A", "", 5)
	if err != nil {
		t.Fatalf("GetArtistTopAlbums() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (two 429 retries)", calls.Load())
	}
	if len(got) != 1 || got[0].Playcount != 42 {
		t.Errorf("albums = %+v, want one with playcount 42", got)
	}
}

func TestSimilarityDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := testSimilarityClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	if _, err := c.GetTopAlbumsByTag(context.Background(), "shoegaze", 10); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (400 is not retryable)", calls.Load())
	}
}

func TestGetTrackTags(t *testing.T) {
	c := testSimilarityClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"track":{"toptags":{"tag":[{"name":"mellow"},{"name":"dreamy"},{"name":""}]}}}`))
	}))

	got, err := c.GetTrackTags(context.Background(), "A", "Song")
	if err != nil {
		t.Fatalf("GetTrackTags() error = %v", err)
	}
	if len(got) != 2 || got[0] != "mellow" || got[1] != "dreamy" {
		t.Errorf("tags = %v, want [mellow dreamy]", got)
	}
}

func TestClampMatchBounds(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"0.75", 0.75},
		{"", 0.5},
		{"NaN", 0.5},
		{"garbage", 0.5},
		{"-0.2", 0},
		{"1.7", 1},
	}
	for _, tt := range tests {
		if got := clampMatch(tt.in); got != tt.want {
			t.Errorf("clampMatch(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
