// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package events

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tonearm/tonearm/internal/metrics"
)

// Bus is the in-process event bus. Publishing never blocks pipeline
// progress: the gochannel transport buffers, and a publish failure is
// logged and dropped rather than propagated.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger
}

// NewBus creates an in-process bus backed by watermill's gochannel
// transport.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewBus(logger zerolog.Logger) *Bus {
	wmLogger := NewWatermillLogger(logger)
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, wmLogger),
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Publish marshals the payload and publishes it on topic. Errors are
// logged, never returned: the bus is a sink, not a dependency.
func (b *Bus) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("event marshal failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("event publish failed")
		return
	}
	metrics.EventsPublished.WithLabelValues(topic).Inc()
}

// PublishDiscoverProgress publishes a batch progress event.
func (b *Bus) PublishDiscoverProgress(e *DiscoverProgress) {
	b.Publish(TopicDiscoverProgress, e)
}

// PublishDiscoverComplete publishes a batch completion event.
func (b *Bus) PublishDiscoverComplete(e *DiscoverComplete) {
	b.Publish(TopicDiscoverComplete, e)
}

// PublishEnrichmentProgress publishes an enrichment snapshot.
func (b *Bus) PublishEnrichmentProgress(e *EnrichmentProgress) {
	b.Publish(TopicEnrichmentProgress, e)
}

// Subscribe returns a channel of raw messages for the topic. The channel
// closes when ctx is canceled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return ch, nil
}

// Close shuts the transport down and closes all subscriber channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Decode unmarshals a bus message payload into v.
func Decode(msg *message.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode event %s: %w", msg.UUID, err)
	}
	return nil
}
