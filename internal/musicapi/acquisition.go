// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package musicapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tonearm/tonearm/internal/metrics"
)

// AcquisitionConfig configures the acquisition manager client.
type AcquisitionConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxConcurrent  int
	BreakerFailMax int
	BreakerCooloff time.Duration
}

// AcquisitionClient talks to an arr-style download manager. Concurrency
// is bounded here, at the boundary, so callers fire all jobs at once and
// let the client throttle. A circuit breaker opens after consecutive
// failures and rejects new acquisitions until the cooloff passes.
type AcquisitionClient struct {
	cfg     AcquisitionConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*AcquireResult]
	sem     chan struct{}
	logger  zerolog.Logger
}

// NewAcquisitionClient builds the client from config.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewAcquisitionClient(cfg AcquisitionConfig, logger zerolog.Logger) *AcquisitionClient {
	log := logger.With().Str("component", "acquisition").Logger()

	settings := gobreaker.Settings{
		Name:    "acquisition",
		Timeout: cfg.BreakerCooloff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailMax)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("acquisition breaker state change")
			metrics.SetBreakerState("acquisition", breakerStateValue(to))
		},
	}

	return &AcquisitionClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[*AcquireResult](settings),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		logger:  log,
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// wire shapes
type acquireRequestBody struct {
	JobID      string `json:"jobId"`
	BatchID    string `json:"batchId,omitempty"`
	ArtistName string `json:"artistName"`
	AlbumName  string `json:"albumName"`
	AlbumMBID  string `json:"albumMbid,omitempty"`
	Tag        string `json:"tag"`
}

type acquireResponseBody struct {
	Success       bool   `json:"success"`
	Source        string `json:"source"`
	CorrelationID string `json:"correlationId"`
	Error         string `json:"error"`
}

type queueListResponse struct {
	Records []struct {
		ID            string `json:"id"`
		CorrelationID string `json:"correlationId"`
		Title         string `json:"title"`
		Status        string `json:"status"`
	} `json:"records"`
}

// discoveryTag marks artists created by discovery runs so cleanup can
// find them later.
const discoveryTag = "tonearm-discovery"

// AcquireAlbum submits one acquisition request. Blocks while the
// concurrency limit is saturated; fails fast while the breaker is open.
func (c *AcquisitionClient) AcquireAlbum(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (*AcquireResult, error) {
		return c.doAcquire(ctx, req)
	})
	metrics.ObserveExternalRequest("acquisition", start, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *AcquisitionClient) doAcquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	body, err := json.Marshal(acquireRequestBody{
		JobID:      req.JobID,
		BatchID:    req.BatchID,
		ArtistName: req.ArtistName,
		AlbumName:  req.AlbumName,
		AlbumMBID:  req.AlbumMBID,
		Tag:        discoveryTag,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal acquire request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/acquire", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Service: "acquisition"}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var parsed acquireResponseBody
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse acquire response: %w", err)
	}
	return &AcquireResult{
		Success:       parsed.Success,
		Source:        parsed.Source,
		CorrelationID: parsed.CorrelationID,
		Error:         parsed.Error,
	}, nil
}

// RemoveDiscoveryArtist deletes a discovery-tagged artist entry.
func (c *AcquisitionClient) RemoveDiscoveryArtist(ctx context.Context, artistName string) error {
	reqURL := c.cfg.BaseURL + "/api/v1/artist?" + url.Values{
		"name": {artistName},
		"tag":  {discoveryTag},
	}.Encode()
	return c.doSimple(ctx, http.MethodDelete, reqURL)
}

// ListQueue returns the manager's download queue.
func (c *AcquisitionClient) ListQueue(ctx context.Context) ([]QueueItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/v1/queue", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Service: "acquisition"}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var parsed queueListResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse queue response: %w", err)
	}
	out := make([]QueueItem, 0, len(parsed.Records))
	for _, r := range parsed.Records {
		out = append(out, QueueItem{ID: r.ID, CorrelationID: r.CorrelationID, Title: r.Title, Status: r.Status})
	}
	return out, nil
}

// RemoveQueueItem deletes one queue entry.
func (c *AcquisitionClient) RemoveQueueItem(ctx context.Context, id string) error {
	return c.doSimple(ctx, http.MethodDelete, c.cfg.BaseURL+"/api/v1/queue/"+url.PathEscape(id))
}

func (c *AcquisitionClient) doSimple(ctx context.Context, method, reqURL string) error {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpStatusError{StatusCode: resp.StatusCode, Service: "acquisition"}
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for keepalive
	return nil
}

var _ AcquisitionService = (*AcquisitionClient)(nil)
