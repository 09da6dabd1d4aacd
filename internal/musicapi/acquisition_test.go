// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package musicapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

func testAcquisitionClient(t *testing.T, handler http.Handler, failMax int) *AcquisitionClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAcquisitionClient(AcquisitionConfig{
		BaseURL:        srv.URL,
		APIKey:         "test",
		Timeout:        2 * time.Second,
		MaxConcurrent:  2,
		BreakerFailMax: failMax,
		BreakerCooloff: time.Minute,
	}, zerolog.Nop())
}

func TestAcquireAlbumSuccess(t *testing.T) {
	c := testAcquisitionClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.Header.Get("X-Api-Key") != "test" {
			t.Error("missing api key header")
		}
		w.Write([]byte(`{"success":true,"source":"indexer-1","correlationId":"corr-1"}`))
	}), 5)

	got, err := c.AcquireAlbum(context.Background(), AcquireRequest{
		JobID:      "j1",
		ArtistName: "B",
		AlbumName:  "Album B",
		AlbumMBID:  "mbid-b",
	})
	if err != nil {
		t.Fatalf("AcquireAlbum() error = %v", err)
	}
	if !got.Success || got.CorrelationID != "corr-1" {
		t.Errorf("result = %+v, want success with corr-1", got)
	}
}

func TestAcquireBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	c := testAcquisitionClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}), 3)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.AcquireAlbum(ctx, AcquireRequest{JobID: "j1"}); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}

	// Breaker is now open: requests fail fast without reaching the server.
	_, err := c.AcquireAlbum(ctx, AcquireRequest{JobID: "j1"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("error = %v, want gobreaker.ErrOpenState", err)
	}
}

func TestListQueueParsesRecords(t *testing.T) {
	c := testAcquisitionClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"records":[{"id":"q1","correlationId":"corr-1","title":"Album B","status":"stalled"}]}`))
	}), 5)

	got, err := c.ListQueue(context.Background())
	if err != nil {
		t.Fatalf("ListQueue() error = %v", err)
	}
	if len(got) != 1 || got[0].CorrelationID != "corr-1" || got[0].Status != "stalled" {
		t.Errorf("queue = %+v, want one stalled corr-1 item", got)
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &httpStatusError{StatusCode: 429, Service: "similarity"}, true},
		{"server error", &httpStatusError{StatusCode: 503, Service: "similarity"}, true},
		{"client error", &httpStatusError{StatusCode: 404, Service: "metadata"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMetadataSearchMissReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"release-groups":[]}`))
	}))
	t.Cleanup(srv.Close)
	c := NewMetadataClient(MetadataConfig{
		BaseURL:       srv.URL,
		Timeout:       2 * time.Second,
		RetryAttempts: 1,
		RetryBaseWait: time.Millisecond,
	}, zerolog.Nop())

	ref, err := c.SearchAlbum(context.Background(), "Nowhere", "Nobody")
	if err != nil {
		t.Fatalf("SearchAlbum() error = %v", err)
	}
	if ref != nil {
		t.Errorf("ref = %+v, want nil for a resolution miss", ref)
	}
}

func TestMetadataDetailsStudioCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{
			"id":"rg-1","primary-type":"Album","secondary-types":[],
			"first-release-date":"2023-05",
			"releases":[{"media":[{"track-count":11}]}]
		}`))
	}))
	t.Cleanup(srv.Close)
	c := NewMetadataClient(MetadataConfig{
		BaseURL:       srv.URL,
		Timeout:       2 * time.Second,
		RetryAttempts: 1,
		RetryBaseWait: time.Millisecond,
	}, zerolog.Nop())

	details, err := c.GetAlbumDetails(context.Background(), "rg-1")
	if err != nil {
		t.Fatalf("GetAlbumDetails() error = %v", err)
	}
	if !details.Studio() {
		t.Error("Studio() = false, want true for primary Album with no secondary types")
	}
	if details.TrackCount != 11 {
		t.Errorf("TrackCount = %d, want 11", details.TrackCount)
	}
	if details.ReleaseDate.Year() != 2023 {
		t.Errorf("ReleaseDate year = %d, want 2023", details.ReleaseDate.Year())
	}
}
