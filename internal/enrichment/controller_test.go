// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package enrichment

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/tonearm/tonearm/internal/events"
	"github.com/tonearm/tonearm/internal/musicapi"
	"github.com/tonearm/tonearm/internal/queue"
	"github.com/tonearm/tonearm/internal/store"
)

type fakeSimilarity struct {
	mu           sync.Mutex
	similarErr   map[string]error    // keyed by artist name
	trackTags    map[string][]string // keyed by track title
	trackErr     map[string]error
	onSimilar    func(name string)
	similarCalls []string
}

func (f *fakeSimilarity) GetSimilarArtists(_ context.Context, name, _ string, _ int) ([]musicapi.SimilarArtist, error) {
	f.mu.Lock()
	f.similarCalls = append(f.similarCalls, name)
	hook := f.onSimilar
	err := f.similarErr[name]
	f.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	return nil, err
}

func (f *fakeSimilarity) GetArtistTopAlbums(context.Context, string, string, int) ([]musicapi.TopAlbum, error) {
	return nil, nil
}

func (f *fakeSimilarity) GetTopAlbumsByTag(context.Context, string, int) ([]musicapi.TagAlbum, error) {
	return nil, nil
}

func (f *fakeSimilarity) GetTrackTags(_ context.Context, _, title string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.trackErr[title]; err != nil {
		return nil, err
	}
	return f.trackTags[title], nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued map[string][]any
}

func (q *fakeQueue) Enqueue(_ context.Context, queueName string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueued == nil {
		q.enqueued = make(map[string][]any)
	}
	q.enqueued[queueName] = append(q.enqueued[queueName], payload)
	return nil
}

func (q *fakeQueue) Consume(context.Context, string) (<-chan *message.Message, error) {
	return nil, errors.New("fakeQueue does not consume")
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) count(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued[queueName])
}

type fakeNotifier struct {
	mu            sync.Mutex
	completeCalls int
	digestCounts  []int
	digestSamples [][]string
}

func (n *fakeNotifier) EnrichmentComplete(context.Context, int, int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completeCalls++
	return nil
}

func (n *fakeNotifier) EnrichmentFailures(_ context.Context, count int, sample []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.digestCounts = append(n.digestCounts, count)
	n.digestSamples = append(n.digestSamples, sample)
	return nil
}

func (n *fakeNotifier) DiscoveryReady(context.Context, string, int) error { return nil }

type harness struct {
	c   *Controller
	ms  *store.MemStore
	sim *fakeSimilarity
	q   *fakeQueue
	nt  *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ms:  store.NewMemStore(),
		sim: &fakeSimilarity{similarErr: map[string]error{}, trackTags: map[string][]string{}, trackErr: map[string]error{}},
		q:   &fakeQueue{},
		nt:  &fakeNotifier{},
	}
	cfg := Config{
		TickInterval:      time.Hour,
		MinCycleGap:       0,
		ArtistTimeout:     5 * time.Second,
		TrackTimeout:      5 * time.Second,
		ArtistBatchSize:   50,
		TrackBatchSize:    50,
		ArtistConcurrency: 1,
		AudioBatchSize:    50,
		VibeBatchSize:     50,
		VibeEnabled:       true,
		StaleAfter:        time.Hour,
		MaxMoodTags:       10,
		SystemTripAfter:   3,
	}
	bus := events.NewBus(zerolog.Nop())
	t.Cleanup(func() { _ = bus.Close() })
	h.c = NewController(cfg, h.ms, h.sim, h.q, bus, h.nt, zerolog.Nop())
	return h
}

func (h *harness) seedArtist(id, name string, status store.EnrichStatus) {
	h.ms.PutArtist(&store.Artist{ID: id, Name: name, EnrichStatus: status})
}

func (h *harness) seedTrack(tr *store.Track) {
	h.ms.PutTrack(tr)
}

func (h *harness) artist(t *testing.T, id string) *store.Artist {
	t.Helper()
	arts, err := h.ms.ListArtistsForEnrichment(context.Background(), 100)
	if err != nil {
		t.Fatalf("ListArtistsForEnrichment() error = %v", err)
	}
	for _, a := range arts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (h *harness) track(t *testing.T, id string) *store.Track {
	t.Helper()
	tr, err := h.ms.GetTrack(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTrack(%s) error = %v", id, err)
	}
	return tr
}

func TestCycleEnrichesArtistsAndMoods(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtist("a1", "Low", store.EnrichPending)
	h.seedArtist("a2", "Slowdive", store.EnrichPending)
	h.seedTrack(&store.Track{ID: "t1", ArtistName: "Low", Title: "Monkey"})
	h.seedTrack(&store.Track{ID: "t2", ArtistName: "Slowdive", Title: "Alison"})
	h.sim.trackTags["Monkey"] = []string{"Very Mellow", "loud", "Mellow", "dark"}
	h.sim.trackTags["Alison"] = []string{"shoegaze", "90s"}

	if err := h.c.runCycle(ctx); err != nil {
		t.Fatalf("runCycle() error = %v", err)
	}

	if a := h.artist(t, "a1"); a != nil {
		t.Errorf("artist a1 still selectable, status = %s", a.EnrichStatus)
	}
	if got := h.track(t, "t1").MoodTags; !reflect.DeepEqual(got, []string{"mellow", "dark"}) {
		t.Errorf("t1 moods = %v, want filtered vocabulary tags", got)
	}
	if got := h.track(t, "t2").MoodTags; !reflect.DeepEqual(got, []string{store.MoodSentinelNone}) {
		t.Errorf("t2 moods = %v, want no-match sentinel", got)
	}

	state, err := h.c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if state.Status != store.EnrichmentIdle {
		t.Errorf("status = %s, want idle after cycle", state.Status)
	}
	if !state.CoreCacheCleared {
		t.Error("CoreCacheCleared = false, want set once artists and tracks settle")
	}
	if state.CompletionNotificationSent {
		t.Error("completion notification sent while analysis phases are still open")
	}
}

func TestArtistTimeoutRecordedAndOthersContinue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtist("a1", "Flaky", store.EnrichPending)
	h.seedArtist("a2", "Fine", store.EnrichPending)
	h.sim.similarErr["Flaky"] = context.DeadlineExceeded

	if err := h.c.runCycle(ctx); err != nil {
		t.Fatalf("runCycle() error = %v", err)
	}

	// The failed artist stays selectable for the next cycle; the healthy
	// one settled.
	a := h.artist(t, "a1")
	if a == nil || a.EnrichStatus != store.EnrichFailed {
		t.Fatalf("artist a1 = %+v, want failed and re-selectable", a)
	}
	if h.artist(t, "a2") != nil {
		t.Error("artist a2 still selectable after success")
	}

	failures, _ := h.ms.ListEnrichmentFailures(ctx, 10)
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want exactly 1", len(failures))
	}
	if failures[0].Code != "TIMEOUT_ERROR" || failures[0].Kind != store.FailureArtist {
		t.Errorf("failure = %s/%s, want artist TIMEOUT_ERROR", failures[0].Kind, failures[0].Code)
	}
	if failures[0].EntityName != "Flaky" {
		t.Errorf("failure entity = %q, want Flaky", failures[0].EntityName)
	}
}

func TestTrackTagFetchErrorLeavesTrackSelectable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTrack(&store.Track{ID: "t1", ArtistName: "A", Title: "Broken"})
	h.seedTrack(&store.Track{ID: "t2", ArtistName: "A", Title: "Obscure"})
	h.sim.trackErr["Broken"] = errors.New("upstream 500")
	// "Obscure" has no tags configured: an empty upstream answer.

	if err := h.c.runCycle(ctx); err != nil {
		t.Fatalf("runCycle() error = %v", err)
	}

	// The fetch error is transient: t1 stays untagged and comes back in
	// the next selection instead of being written off.
	if got := h.track(t, "t1").MoodTags; len(got) != 0 {
		t.Errorf("t1 moods = %v, want untouched after a transient error", got)
	}
	pending, err := h.ms.ListTracksMissingMoodTags(ctx, 10)
	if err != nil {
		t.Fatalf("ListTracksMissingMoodTags() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "t1" {
		t.Errorf("selectable tracks = %+v, want only t1", pending)
	}
	// The empty answer is a real result and earns the durable sentinel.
	if got := h.track(t, "t2").MoodTags; !reflect.DeepEqual(got, []string{store.MoodSentinelNotFound}) {
		t.Errorf("t2 moods = %v, want not-found sentinel", got)
	}
	failures, _ := h.ms.ListEnrichmentFailures(ctx, 10)
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1 (empty answers are not failures)", len(failures))
	}
	if failures[0].Code != "API_ERROR" || failures[0].Kind != store.FailureTrack {
		t.Errorf("failure = %s/%s, want track API_ERROR", failures[0].Kind, failures[0].Code)
	}
}

func TestAnalysisDispatchQueuesAndMarksProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTrack(&store.Track{
		ID: "t1", ArtistName: "A", Title: "One",
		MoodTags:    []string{"mellow"},
		AudioStatus: store.EnrichPending,
		VibeStatus:  store.EnrichPending,
	})

	if err := h.c.runCycle(ctx); err != nil {
		t.Fatalf("runCycle() error = %v", err)
	}

	if n := h.q.count(queue.QueueAudioAnalysis); n != 1 {
		t.Errorf("audio queue = %d messages, want 1", n)
	}
	if n := h.q.count(queue.QueueVibeEmbedding); n != 1 {
		t.Errorf("vibe queue = %d messages, want 1", n)
	}
	tr := h.track(t, "t1")
	if tr.AudioStatus != store.EnrichProcessing || tr.AudioQueuedAt == nil {
		t.Errorf("audio = %s queuedAt=%v, want processing with timestamp", tr.AudioStatus, tr.AudioQueuedAt)
	}
	if tr.VibeStatus != store.EnrichProcessing || tr.VibeQueuedAt == nil {
		t.Errorf("vibe = %s queuedAt=%v, want processing with timestamp", tr.VibeStatus, tr.VibeQueuedAt)
	}

	task, ok := h.q.enqueued[queue.QueueAudioAnalysis][0].(AnalysisTask)
	if !ok || task.TrackID != "t1" {
		t.Errorf("audio task = %+v, want AnalysisTask for t1", h.q.enqueued[queue.QueueAudioAnalysis][0])
	}
}

func TestAnalyzerDispatchPausesWithoutProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	recent := time.Now().UTC()
	// One item stuck in processing with zero completions: no further
	// dispatch until the backlog moves.
	h.seedTrack(&store.Track{ID: "t1", Title: "Stuck", AudioStatus: store.EnrichProcessing, AudioQueuedAt: &recent})
	h.seedTrack(&store.Track{ID: "t2", Title: "Waiting", AudioStatus: store.EnrichPending})

	if err := h.c.runAudioPhase(ctx, &cycleRun{}); err != nil {
		t.Fatalf("runAudioPhase() error = %v", err)
	}
	if n := h.q.count(queue.QueueAudioAnalysis); n != 0 {
		t.Errorf("audio queue = %d messages, want 0 while analyzer shows no progress", n)
	}
	if got := h.track(t, "t2").AudioStatus; got != store.EnrichPending {
		t.Errorf("t2 audio = %s, want still pending", got)
	}
}

func TestAnalyzerDispatchResumesAfterCompletions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	recent := time.Now().UTC()
	h.seedTrack(&store.Track{ID: "t1", Title: "Done", AudioStatus: store.EnrichCompleted, AudioQueuedAt: &recent})
	h.seedTrack(&store.Track{ID: "t2", Title: "Busy", AudioStatus: store.EnrichProcessing, AudioQueuedAt: &recent})
	h.seedTrack(&store.Track{ID: "t3", Title: "Waiting", AudioStatus: store.EnrichPending})

	if err := h.c.runAudioPhase(ctx, &cycleRun{}); err != nil {
		t.Fatalf("runAudioPhase() error = %v", err)
	}
	if n := h.q.count(queue.QueueAudioAnalysis); n != 1 {
		t.Errorf("audio queue = %d messages, want 1 (backlog is draining)", n)
	}
}

func TestStaleProcessingResetAndRedispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := time.Now().UTC().Add(-2 * time.Hour)
	h.seedTrack(&store.Track{ID: "t1", Title: "Lost", AudioStatus: store.EnrichProcessing, AudioQueuedAt: &stale})

	if err := h.c.runAudioPhase(ctx, &cycleRun{}); err != nil {
		t.Fatalf("runAudioPhase() error = %v", err)
	}

	tr := h.track(t, "t1")
	if tr.AudioStatus != store.EnrichProcessing {
		t.Fatalf("audio = %s, want re-dispatched to processing", tr.AudioStatus)
	}
	if tr.AudioQueuedAt == nil || !tr.AudioQueuedAt.After(stale) {
		t.Errorf("queuedAt = %v, want refreshed past the stale timestamp", tr.AudioQueuedAt)
	}
	if n := h.q.count(queue.QueueAudioAnalysis); n != 1 {
		t.Errorf("audio queue = %d messages, want 1 after stale reset", n)
	}
}

func TestPauseYieldsCycleBeforeWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtist("a1", "Untouched", store.EnrichPending)

	if err := h.c.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := h.c.runCycle(ctx); !errors.Is(err, errPaused) {
		t.Fatalf("runCycle() error = %v, want pause yield", err)
	}
	if a := h.artist(t, "a1"); a == nil || a.EnrichStatus != store.EnrichPending {
		t.Error("paused cycle touched artist rows")
	}
	state, _ := h.c.Status(ctx)
	if state.Status != store.EnrichmentPaused {
		t.Errorf("status = %s, want paused", state.Status)
	}
}

func TestPauseMidPhaseFinishesInFlightItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtist("a1", "First", store.EnrichPending)
	h.seedArtist("a2", "Second", store.EnrichPending)
	h.sim.onSimilar = func(string) {
		_ = h.c.Pause(ctx) // pause lands between items, never mid-item
	}

	if err := h.c.runCycle(ctx); !errors.Is(err, errPaused) {
		t.Fatalf("runCycle() error = %v, want pause yield", err)
	}
	if h.artist(t, "a1") != nil {
		t.Error("in-flight artist a1 was not finished before yielding")
	}
	if a := h.artist(t, "a2"); a == nil || a.EnrichStatus != store.EnrichPending {
		t.Error("artist a2 was processed after the pause checkpoint")
	}
}

func TestStopYieldsCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtist("a1", "Untouched", store.EnrichPending)

	if err := h.c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.c.runCycle(ctx); !errors.Is(err, errStopped) {
		t.Fatalf("runCycle() error = %v, want stop yield", err)
	}
	if a := h.artist(t, "a1"); a == nil || a.EnrichStatus != store.EnrichPending {
		t.Error("stopping cycle touched artist rows")
	}
}

func TestCycleSingleFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtist("a1", "Untouched", store.EnrichPending)

	h.c.mu.Lock()
	h.c.running = true
	h.c.mu.Unlock()
	h.c.cycle(ctx)

	if a := h.artist(t, "a1"); a == nil || a.EnrichStatus != store.EnrichPending {
		t.Error("second cycle ran while one was already in flight")
	}
}

func TestSystemBreakerSilencesFailureRows(t *testing.T) {
	h := newHarness(t)
	h.c.cfg.SystemTripAfter = 2
	ctx := context.Background()

	cause := errors.New("store exploded")
	h.c.recordCycleException(ctx, cause) // 1st: recorded
	h.c.recordCycleException(ctx, cause) // 2nd: tripped, log only
	h.c.recordCycleException(ctx, cause)

	failures, _ := h.ms.ListEnrichmentFailures(ctx, 10)
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1 before the breaker trips", len(failures))
	}
	if failures[0].Kind != store.FailureSystem || failures[0].Code != "CYCLE_ERROR" {
		t.Errorf("failure = %s/%s, want system CYCLE_ERROR", failures[0].Kind, failures[0].Code)
	}

	// Tripped breaker also silences per-item failure rows.
	h.c.recordItemFailure(ctx, &cycleRun{}, store.FailureArtist, "a1", "Someone", cause)
	failures, _ = h.ms.ListEnrichmentFailures(ctx, 10)
	if len(failures) != 1 {
		t.Errorf("failures = %d, want item failure suppressed while tripped", len(failures))
	}

	// One clean cycle resets the count and recording resumes.
	h.c.cycle(ctx)
	h.c.recordItemFailure(ctx, &cycleRun{}, store.FailureArtist, "a1", "Someone", cause)
	failures, _ = h.ms.ListEnrichmentFailures(ctx, 10)
	if len(failures) != 2 {
		t.Errorf("failures = %d, want recording resumed after a clean cycle", len(failures))
	}
}

func TestCompletionNotificationFiresOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtist("a1", "Done", store.EnrichCompleted)
	now := time.Now().UTC()
	h.seedTrack(&store.Track{
		ID: "t1", ArtistName: "Done", Title: "Song",
		MoodTags:    []string{"mellow"},
		AudioStatus: store.EnrichCompleted, AudioQueuedAt: &now,
		VibeStatus: store.EnrichCompleted, VibeQueuedAt: &now,
		HasEmbedding: true,
	})

	if err := h.c.runCycle(ctx); err != nil {
		t.Fatalf("runCycle() error = %v", err)
	}
	if err := h.c.runCycle(ctx); err != nil {
		t.Fatalf("second runCycle() error = %v", err)
	}

	if h.nt.completeCalls != 1 {
		t.Errorf("completion notifications = %d, want exactly 1", h.nt.completeCalls)
	}
	state, _ := h.c.Status(ctx)
	if !state.CoreCacheCleared || !state.CompletionNotificationSent || !state.FullCacheCleared {
		t.Errorf("completion flags = %+v, want all set", state)
	}
}

func TestFailureDigestSentOncePerCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtist("a1", "Bad One", store.EnrichPending)
	h.seedArtist("a2", "Bad Two", store.EnrichPending)
	h.sim.similarErr["Bad One"] = errors.New("boom")
	h.sim.similarErr["Bad Two"] = errors.New("boom")

	if err := h.c.runCycle(ctx); err != nil {
		t.Fatalf("runCycle() error = %v", err)
	}

	if len(h.nt.digestCounts) != 1 || h.nt.digestCounts[0] != 2 {
		t.Fatalf("digests = %v, want one digest covering both failures", h.nt.digestCounts)
	}
	if len(h.nt.digestSamples[0]) != 2 {
		t.Errorf("digest sample = %v, want both subjects", h.nt.digestSamples[0])
	}
}

func TestRunFullEnrichmentResetsProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtist("a1", "Done", store.EnrichCompleted)
	h.seedTrack(&store.Track{
		ID: "t1", ArtistName: "Done", Title: "Song",
		MoodTags:    []string{"mellow"},
		AudioStatus: store.EnrichCompleted,
	})
	state, _ := h.c.Status(ctx)
	state.CoreCacheCleared = true
	state.CompletionNotificationSent = true
	state.FullCacheCleared = true
	if err := h.ms.PutEnrichmentState(ctx, state); err != nil {
		t.Fatalf("PutEnrichmentState() error = %v", err)
	}

	if err := h.c.RunFullEnrichment(ctx); err != nil {
		t.Fatalf("RunFullEnrichment() error = %v", err)
	}

	if a := h.artist(t, "a1"); a == nil || a.EnrichStatus != store.EnrichPending {
		t.Error("artist not reset to pending")
	}
	tr := h.track(t, "t1")
	if tr.MoodTags != nil || tr.AudioStatus != store.EnrichPending {
		t.Errorf("track = moods %v audio %s, want fully reset", tr.MoodTags, tr.AudioStatus)
	}
	state, _ = h.c.Status(ctx)
	if state.CoreCacheCleared || state.CompletionNotificationSent || state.FullCacheCleared {
		t.Error("one-shot completion flags not cleared")
	}
}

func TestVibeDisabledSkipsDispatchAndCompletion(t *testing.T) {
	h := newHarness(t)
	h.c.cfg.VibeEnabled = false
	ctx := context.Background()
	h.seedArtist("a1", "Done", store.EnrichCompleted)
	now := time.Now().UTC()
	h.seedTrack(&store.Track{
		ID: "t1", ArtistName: "Done", Title: "Song",
		MoodTags:    []string{"mellow"},
		AudioStatus: store.EnrichCompleted, AudioQueuedAt: &now,
		VibeStatus: store.EnrichPending,
	})

	if err := h.c.runCycle(ctx); err != nil {
		t.Fatalf("runCycle() error = %v", err)
	}

	if n := h.q.count(queue.QueueVibeEmbedding); n != 0 {
		t.Errorf("vibe queue = %d messages, want 0 with the phase disabled", n)
	}
	// A disabled vibe phase never holds up full completion.
	if h.nt.completeCalls != 1 {
		t.Errorf("completion notifications = %d, want 1", h.nt.completeCalls)
	}
}

func TestRetryFailuresRequeuesFailedEntities(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtist("a1", "Flaky", store.EnrichFailed)
	h.seedTrack(&store.Track{ID: "t1", ArtistName: "A", Title: "Quiet", MoodTags: []string{store.MoodSentinelNotFound}})
	for _, f := range []*store.EnrichmentFailure{
		{ID: "f-artist", Kind: store.FailureArtist, EntityID: "a1", EntityName: "Flaky", Code: "API_ERROR"},
		{ID: "f-track", Kind: store.FailureTrack, EntityID: "t1", EntityName: "A - Quiet", Code: "API_ERROR"},
		{ID: "f-system", Kind: store.FailureSystem, Code: "CYCLE_ERROR"},
	} {
		if err := h.ms.AppendEnrichmentFailure(ctx, f); err != nil {
			t.Fatalf("AppendEnrichmentFailure() error = %v", err)
		}
	}
	state, _ := h.c.Status(ctx)
	state.CoreCacheCleared = true
	state.CompletionNotificationSent = true
	if err := h.ms.PutEnrichmentState(ctx, state); err != nil {
		t.Fatalf("PutEnrichmentState() error = %v", err)
	}

	retried, err := h.c.RetryFailures(ctx)
	if err != nil {
		t.Fatalf("RetryFailures() error = %v", err)
	}
	if retried != 2 {
		t.Fatalf("retried = %d, want 2 (artist and track)", retried)
	}

	a := h.artist(t, "a1")
	if a == nil || a.EnrichStatus != store.EnrichPending {
		t.Errorf("artist a1 = %+v, want pending again", a)
	}
	if got := h.track(t, "t1").MoodTags; len(got) != 0 {
		t.Errorf("t1 moods = %v, want sentinel cleared", got)
	}
	failures, _ := h.ms.ListEnrichmentFailures(ctx, 10)
	if len(failures) != 1 || failures[0].Kind != store.FailureSystem {
		t.Errorf("failures = %+v, want only the system row kept", failures)
	}
	state, _ = h.c.Status(ctx)
	if state.CoreCacheCleared || state.CompletionNotificationSent {
		t.Error("one-shot completion flags not cleared by retry")
	}
}

func TestRetryFailuresHonorsExplicitIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtist("a1", "One", store.EnrichFailed)
	h.seedArtist("a2", "Two", store.EnrichFailed)
	for _, f := range []*store.EnrichmentFailure{
		{ID: "f1", Kind: store.FailureArtist, EntityID: "a1", EntityName: "One", Code: "API_ERROR"},
		{ID: "f2", Kind: store.FailureArtist, EntityID: "a2", EntityName: "Two", Code: "API_ERROR"},
	} {
		if err := h.ms.AppendEnrichmentFailure(ctx, f); err != nil {
			t.Fatalf("AppendEnrichmentFailure() error = %v", err)
		}
	}

	retried, err := h.c.RetryFailures(ctx, "f1")
	if err != nil {
		t.Fatalf("RetryFailures() error = %v", err)
	}
	if retried != 1 {
		t.Fatalf("retried = %d, want only the named row", retried)
	}
	if a := h.artist(t, "a1"); a == nil || a.EnrichStatus != store.EnrichPending {
		t.Errorf("artist a1 = %+v, want pending", a)
	}
	if a := h.artist(t, "a2"); a == nil || a.EnrichStatus != store.EnrichFailed {
		t.Errorf("artist a2 = %+v, want untouched", a)
	}
	failures, _ := h.ms.ListEnrichmentFailures(ctx, 10)
	if len(failures) != 1 || failures[0].ID != "f2" {
		t.Errorf("failures = %+v, want f2 left in place", failures)
	}
}

func TestArtistPhaseRunsWorkersConcurrently(t *testing.T) {
	h := newHarness(t)
	h.c.cfg.ArtistConcurrency = 3
	ctx := context.Background()
	h.seedArtist("a1", "One", store.EnrichPending)
	h.seedArtist("a2", "Two", store.EnrichPending)
	h.seedArtist("a3", "Three", store.EnrichPending)

	// Every worker parks until all three are in flight; the phase only
	// finishes when the pool really runs three wide.
	var barrier sync.WaitGroup
	barrier.Add(3)
	h.sim.onSimilar = func(string) {
		barrier.Done()
		barrier.Wait()
	}

	if err := h.c.runCycle(ctx); err != nil {
		t.Fatalf("runCycle() error = %v", err)
	}
	for _, id := range []string{"a1", "a2", "a3"} {
		if h.artist(t, id) != nil {
			t.Errorf("artist %s still selectable after the concurrent phase", id)
		}
	}
}

func TestStatusReportsLiveItemMidPhase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedArtist("a1", "Watched", store.EnrichPending)

	var phase store.Phase
	var item string
	h.sim.onSimilar = func(string) {
		state, err := h.c.Status(ctx)
		if err != nil {
			t.Errorf("Status() error = %v", err)
			return
		}
		phase = state.CurrentPhase
		item = state.Artists.CurrentItem
	}

	if err := h.c.runCycle(ctx); err != nil {
		t.Fatalf("runCycle() error = %v", err)
	}
	if phase != store.PhaseArtists || item != "Watched" {
		t.Errorf("mid-phase status = %s/%q, want artists/Watched", phase, item)
	}
	state, _ := h.c.Status(ctx)
	if state.Artists.CurrentItem != "" {
		t.Errorf("CurrentItem = %q after the cycle, want cleared", state.Artists.CurrentItem)
	}
}

func TestResetPhaseOnlyTouchesThatPhase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTrack(&store.Track{
		ID: "t1", ArtistName: "A", Title: "Song",
		MoodTags:    []string{"mellow"},
		AudioStatus: store.EnrichCompleted,
	})

	if err := h.c.ResetPhase(ctx, store.PhaseTracks); err != nil {
		t.Fatalf("ResetPhase() error = %v", err)
	}

	tr := h.track(t, "t1")
	if tr.MoodTags != nil {
		t.Errorf("moods = %v, want reset", tr.MoodTags)
	}
	if tr.AudioStatus != store.EnrichCompleted {
		t.Errorf("audio = %s, want untouched by track reset", tr.AudioStatus)
	}
}
