// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package musicapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tonearm/tonearm/internal/metrics"
)

// MetadataConfig configures the canonical metadata resolver client.
type MetadataConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	RetryBaseWait time.Duration
}

// MetadataClient talks to a MusicBrainz-compatible resolver. A search
// with no hits returns (nil, nil): resolution misses are filter
// conditions, not errors.
type MetadataClient struct {
	cfg    MetadataConfig
	client *http.Client
	retry  retryPolicy
	logger zerolog.Logger
}

// NewMetadataClient builds the client from config.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewMetadataClient(cfg MetadataConfig, logger zerolog.Logger) *MetadataClient {
	return &MetadataClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		retry:  retryPolicy{attempts: cfg.RetryAttempts, baseWait: cfg.RetryBaseWait},
		logger: logger.With().Str("component", "metadata").Logger(),
	}
}

type releaseGroupSearchResponse struct {
	ReleaseGroups []struct {
		ID           string `json:"id"`
		Title        string `json:"title"`
		Score        int    `json:"score"`
		ArtistCredit []struct {
			Name string `json:"name"`
		} `json:"artist-credit"`
	} `json:"release-groups"`
}

type releaseGroupDetailsResponse struct {
	ID               string   `json:"id"`
	PrimaryType      string   `json:"primary-type"`
	SecondaryTypes   []string `json:"secondary-types"`
	FirstReleaseDate string   `json:"first-release-date"`
	Releases         []struct {
		Media []struct {
			TrackCount int `json:"track-count"`
		} `json:"media"`
	} `json:"releases"`
}

// SearchAlbum resolves a title+artist pair to its canonical identifier.
// Returns (nil, nil) when nothing matches well enough.
func (c *MetadataClient) SearchAlbum(ctx context.Context, title, artist string) (*AlbumRef, error) {
	query := fmt.Sprintf(`releasegroup:%q AND artist:%q`, title, artist)
	params := url.Values{
		"query": {query},
		"limit": {"5"},
		"fmt":   {"json"},
	}

	var resp releaseGroupSearchResponse
	if err := c.get(ctx, "/release-group", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.ReleaseGroups) == 0 {
		return nil, nil
	}

	// The API sorts by score; take the first hit above a sanity floor.
	hit := resp.ReleaseGroups[0]
	if hit.Score < 70 || hit.ID == "" {
		return nil, nil
	}
	ref := &AlbumRef{ID: hit.ID, Title: hit.Title}
	if len(hit.ArtistCredit) > 0 {
		ref.Artist = hit.ArtistCredit[0].Name
	}
	return ref, nil
}

// GetAlbumDetails returns release metadata for a canonical identifier.
// Returns (nil, nil) when the identifier is unknown.
func (c *MetadataClient) GetAlbumDetails(ctx context.Context, id string) (*AlbumDetails, error) {
	params := url.Values{
		"inc": {"releases+media"},
		"fmt": {"json"},
	}

	var resp releaseGroupDetailsResponse
	err := c.get(ctx, "/release-group/"+url.PathEscape(id), params, &resp)
	if err != nil {
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	details := &AlbumDetails{
		ID:             resp.ID,
		PrimaryType:    resp.PrimaryType,
		SecondaryTypes: resp.SecondaryTypes,
	}
	if resp.FirstReleaseDate != "" {
		// Dates come back as 2006, 2006-01, or 2006-01-02.
		for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
			if t, perr := time.Parse(layout, resp.FirstReleaseDate); perr == nil {
				details.ReleaseDate = t
				break
			}
		}
	}
	for _, rel := range resp.Releases {
		count := 0
		for _, m := range rel.Media {
			count += m.TrackCount
		}
		if count > details.TrackCount {
			details.TrackCount = count
		}
	}
	return details, nil
}

func (c *MetadataClient) get(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := c.cfg.BaseURL + path + "?" + params.Encode()

	start := time.Now()
	err := c.retry.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &httpStatusError{StatusCode: resp.StatusCode, Service: "metadata"}
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		return json.Unmarshal(body, out)
	})
	metrics.ObserveExternalRequest("metadata", start, err)
	if err != nil {
		c.logger.Debug().Err(err).Str("path", path).Msg("metadata request failed")
	}
	return err
}

var _ MetadataResolver = (*MetadataClient)(nil)
