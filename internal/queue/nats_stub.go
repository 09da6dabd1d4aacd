// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

//go:build !nats

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// NATSConfig configures the JetStream-backed queue.
type NATSConfig struct {
	URL             string
	StreamName      string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int
}

// NATSQueue is a stub when NATS dependencies are not compiled in.
// Build with -tags=nats to enable the JetStream queue.
type NATSQueue struct{}

// NewNATSQueue returns an error when NATS support is not compiled in.
func NewNATSQueue(_ NATSConfig, _ watermill.LoggerAdapter) (*NATSQueue, error) {
	return nil, fmt.Errorf("NATS queue not available: build with -tags=nats")
}

// Enqueue is a stub that returns an error.
func (q *NATSQueue) Enqueue(_ context.Context, _ string, _ any) error {
	return fmt.Errorf("NATS queue not available: build with -tags=nats")
}

// Consume is a stub that returns an error.
func (q *NATSQueue) Consume(_ context.Context, _ string) (<-chan *message.Message, error) {
	return nil, fmt.Errorf("NATS queue not available: build with -tags=nats")
}

// Close is a no-op stub.
func (q *NATSQueue) Close() error { return nil }

var _ Queue = (*NATSQueue)(nil)
