// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

// Package queue is the boundary between the orchestrator and download
// execution. The orchestrator only enqueues; workers subscribe and
// report outcomes back through the store and completion checks.
package queue

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tonearm/tonearm/internal/metrics"
)

// Queues consumed by the discovery workers.
const (
	// QueueDiscoveryDownload carries one message per download job.
	QueueDiscoveryDownload = "discovery.download"

	// QueueDiscoveryScan carries one message per batch entering the
	// scanning state; the consumer waits out the import-settle grace
	// before building the final playlist.
	QueueDiscoveryScan = "discovery.scan"
)

// Queues feeding the external analyzers. The enrichment controller only
// enqueues and flips tracks to processing; analyzers report back by
// updating track rows.
const (
	QueueAudioAnalysis = "enrichment.audio"
	QueueVibeEmbedding = "enrichment.vibe"
)

// Queue is the producer/consumer contract for durable job dispatch.
type Queue interface {
	// Enqueue marshals payload and appends it to the named queue.
	Enqueue(ctx context.Context, queueName string, payload any) error

	// Consume returns a message channel for the named queue. Messages
	// must be Ack'd or Nack'd by the consumer.
	Consume(ctx context.Context, queueName string) (<-chan *message.Message, error)

	Close() error
}

// ChannelQueue is the in-process Queue used by the default build and by
// tests. Same delivery semantics as the NATS queue minus durability.
type ChannelQueue struct {
	pubsub *gochannel.GoChannel
}

// NewChannelQueue creates an in-process queue.
func NewChannelQueue(logger watermill.LoggerAdapter) *ChannelQueue {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &ChannelQueue{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 1024,
			Persistent:          true, // late subscribers still see earlier messages
		}, logger),
	}
}

// Enqueue marshals payload and publishes it on the queue topic.
func (q *ChannelQueue) Enqueue(_ context.Context, queueName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := q.pubsub.Publish(queueName, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	metrics.QueuePublished.WithLabelValues(queueName).Inc()
	return nil
}

// Consume subscribes to the queue topic.
func (q *ChannelQueue) Consume(ctx context.Context, queueName string) (<-chan *message.Message, error) {
	ch, err := q.pubsub.Subscribe(ctx, queueName)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queueName, err)
	}
	return ch, nil
}

// Close shuts the queue down.
func (q *ChannelQueue) Close() error {
	return q.pubsub.Close()
}

var _ Queue = (*ChannelQueue)(nil)

// Decode unmarshals a queue message payload into v.
func Decode(msg *message.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode queue message %s: %w", msg.UUID, err)
	}
	return nil
}
