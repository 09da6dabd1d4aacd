// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

//go:build nats

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tonearm/tonearm/internal/metrics"
)

// NATSConfig configures the JetStream-backed queue.
type NATSConfig struct {
	URL             string
	StreamName      string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int
}

// NATSQueue is the durable Queue backed by NATS JetStream. Message IDs
// are tracked for deduplication, so re-enqueueing the same job is safe.
type NATSQueue struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	mu         sync.RWMutex
	closed     bool
}

// NewNATSQueue connects to NATS and builds the watermill publisher and
// subscriber pair.
func NewNATSQueue(cfg NATSConfig, logger watermill.LoggerAdapter) (*NATSQueue, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1 // retry forever
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	jetStream := wmNats.JetStreamConfig{
		Disabled:      false,
		AutoProvision: true,
		TrackMsgId:    true,
		PublishOptions: []natsgo.PubOpt{
			natsgo.RetryAttempts(3),
			natsgo.RetryWait(100 * time.Millisecond),
		},
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   jetStream,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream:   jetStream,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}

	return &NATSQueue{publisher: pub, subscriber: sub}, nil
}

// Enqueue marshals payload and publishes it with a dedup message ID.
func (q *NATSQueue) Enqueue(_ context.Context, queueName string, payload any) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("queue is closed")
	}
	q.mu.RUnlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	if err := q.publisher.Publish(queueName, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	metrics.QueuePublished.WithLabelValues(queueName).Inc()
	return nil
}

// Consume subscribes to the queue subject.
func (q *NATSQueue) Consume(ctx context.Context, queueName string) (<-chan *message.Message, error) {
	ch, err := q.subscriber.Subscribe(ctx, queueName)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queueName, err)
	}
	return ch, nil
}

// Close shuts down both halves of the connection.
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	pubErr := q.publisher.Close()
	subErr := q.subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

var _ Queue = (*NATSQueue)(nil)
