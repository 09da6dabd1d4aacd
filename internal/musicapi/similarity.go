// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package musicapi

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tonearm/tonearm/internal/metrics"
)

// SimilarityConfig configures the HTTP similarity client.
type SimilarityConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
	RetryAttempts int
	RetryBaseWait time.Duration
}

// SimilarityClient talks to a Last.fm-compatible similarity API. All
// requests pass a shared rate limiter; transient failures are retried
// with exponential backoff.
type SimilarityClient struct {
	cfg     SimilarityConfig
	client  *http.Client
	limiter *rate.Limiter
	retry   retryPolicy
	logger  zerolog.Logger
}

// NewSimilarityClient builds the client from config.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewSimilarityClient(cfg SimilarityConfig, logger zerolog.Logger) *SimilarityClient {
	return &SimilarityClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		retry:   retryPolicy{attempts: cfg.RetryAttempts, baseWait: cfg.RetryBaseWait},
		logger:  logger.With().Str("component", "similarity").Logger(),
	}
}

// wire shapes; match comes back as a string and may be missing.
type similarArtistsResponse struct {
	SimilarArtists struct {
		Artist []struct {
			Name  string `json:"name"`
			MBID  string `json:"mbid"`
			Match string `json:"match"`
		} `json:"artist"`
	} `json:"similarartists"`
}

type topAlbumsResponse struct {
	TopAlbums struct {
		Album []struct {
			Name      string `json:"name"`
			Playcount int64  `json:"playcount,string"`
		} `json:"album"`
	} `json:"topalbums"`
}

type tagAlbumsResponse struct {
	Albums struct {
		Album []struct {
			Name   string `json:"name"`
			Artist struct {
				Name string `json:"name"`
			} `json:"artist"`
		} `json:"album"`
	} `json:"albums"`
}

type trackInfoResponse struct {
	Track struct {
		TopTags struct {
			Tag []struct {
				Name string `json:"name"`
			} `json:"tag"`
		} `json:"toptags"`
	} `json:"track"`
}

// GetSimilarArtists returns similarity-graph neighbors for an artist.
// Missing or unparsable match values clamp to 0.5.
func (c *SimilarityClient) GetSimilarArtists(ctx context.Context, name, mbid string, limit int) ([]SimilarArtist, error) {
	params := url.Values{"method": {"artist.getsimilar"}, "limit": {strconv.Itoa(limit)}}
	if mbid != "" {
		params.Set("mbid", mbid)
	} else {
		params.Set("artist", name)
	}

	var resp similarArtistsResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}

	out := make([]SimilarArtist, 0, len(resp.SimilarArtists.Artist))
	for _, a := range resp.SimilarArtists.Artist {
		if a.Name == "" {
			continue
		}
		out = append(out, SimilarArtist{
			Name:  a.Name,
			MBID:  a.MBID,
			Match: clampMatch(a.Match),
		})
	}
	return out, nil
}

// GetArtistTopAlbums returns an artist's most-played albums.
func (c *SimilarityClient) GetArtistTopAlbums(ctx context.Context, name, mbid string, limit int) ([]TopAlbum, error) {
	params := url.Values{"method": {"artist.gettopalbums"}, "limit": {strconv.Itoa(limit)}}
	if mbid != "" {
		params.Set("mbid", mbid)
	} else {
		params.Set("artist", name)
	}

	var resp topAlbumsResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}

	out := make([]TopAlbum, 0, len(resp.TopAlbums.Album))
	for _, a := range resp.TopAlbums.Album {
		if a.Name == "" {
			continue
		}
		out = append(out, TopAlbum{Name: a.Name, Playcount: a.Playcount})
	}
	return out, nil
}

// GetTopAlbumsByTag returns albums for a genre tag.
func (c *SimilarityClient) GetTopAlbumsByTag(ctx context.Context, tag string, limit int) ([]TagAlbum, error) {
	params := url.Values{
		"method": {"tag.gettopalbums"},
		"tag":    {tag},
		"limit":  {strconv.Itoa(limit)},
	}

	var resp tagAlbumsResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}

	out := make([]TagAlbum, 0, len(resp.Albums.Album))
	for _, a := range resp.Albums.Album {
		if a.Name == "" || a.Artist.Name == "" {
			continue
		}
		out = append(out, TagAlbum{Name: a.Name, Artist: a.Artist.Name})
	}
	return out, nil
}

// GetTrackTags returns the raw top tags for a track.
func (c *SimilarityClient) GetTrackTags(ctx context.Context, artist, title string) ([]string, error) {
	params := url.Values{
		"method": {"track.getinfo"},
		"artist": {artist},
		"track":  {title},
	}

	var resp trackInfoResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}

	tags := make([]string, 0, len(resp.Track.TopTags.Tag))
	for _, t := range resp.Track.TopTags.Tag {
		if t.Name != "" {
			tags = append(tags, t.Name)
		}
	}
	return tags, nil
}

func (c *SimilarityClient) get(ctx context.Context, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("similarity rate limiter: %w", err)
	}
	params.Set("api_key", c.cfg.APIKey)
	params.Set("format", "json")
	reqURL := c.cfg.BaseURL + "/?" + params.Encode()

	start := time.Now()
	err := c.retry.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &httpStatusError{StatusCode: resp.StatusCode, Service: "similarity"}
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		return json.Unmarshal(body, out)
	})
	metrics.ObserveExternalRequest("similarity", start, err)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", params.Get("method")).Msg("similarity request failed")
	}
	return err
}

// clampMatch parses a wire match value, clamping missing, unparsable, or
// NaN values to 0.5 and bounding the result to [0,1].
func clampMatch(s string) float64 {
	if s == "" {
		return 0.5
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ SimilarityService = (*SimilarityClient)(nil)
