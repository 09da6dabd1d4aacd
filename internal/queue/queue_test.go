// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package queue

import (
	"context"
	"testing"
	"time"
)

type testJob struct {
	JobID      string `json:"job_id"`
	TargetMBID string `json:"target_mbid"`
}

func TestChannelQueueRoundTrip(t *testing.T) {
	q := NewChannelQueue(nil)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Persistent gochannel delivers to subscribers attached after enqueue,
	// matching the durable-queue behavior workers rely on.
	if err := q.Enqueue(ctx, QueueDiscoveryDownload, testJob{JobID: "j1", TargetMBID: "mbid-a"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ch, err := q.Consume(ctx, QueueDiscoveryDownload)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	select {
	case msg := <-ch:
		var got testJob
		if err := Decode(msg, &got); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		msg.Ack()
		if got.JobID != "j1" || got.TargetMBID != "mbid-a" {
			t.Errorf("decoded job = %+v, want j1/mbid-a", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for queued job")
	}
}

func TestNATSQueueStubErrors(t *testing.T) {
	if _, err := NewNATSQueue(NATSConfig{URL: "nats://127.0.0.1:4222"}, nil); err == nil {
		t.Skip("built with -tags=nats; stub behavior not applicable")
	}
}
