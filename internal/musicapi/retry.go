// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package musicapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// httpStatusError marks a response whose status code may warrant a retry.
type httpStatusError struct {
	StatusCode int
	Service    string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Service, e.StatusCode)
}

// retryable classifies transient failures: rate limiting, server errors,
// connection resets, and timeouts. Everything else fails immediately.
func retryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 429 || statusErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// retryPolicy is exponential backoff: base, base*2, base*4, ...
type retryPolicy struct {
	attempts int
	baseWait time.Duration
}

// do runs fn under the policy. Non-retryable errors and context
// cancellation return immediately.
func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	wait := p.baseWait
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt >= p.attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}
