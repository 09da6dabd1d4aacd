// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package store

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is a map-backed Store used by tests and by deployments that do
// not need durability. All composite operations hold one lock for their
// whole duration, giving the same atomicity the badger store gets from
// transactions.
type MemStore struct {
	mu sync.RWMutex

	batches     map[string]*DiscoveryBatch
	jobs        map[string]*DownloadJob
	discAlbums  map[string]*DiscoveryAlbum // keyed by composite result key
	discTracks  map[string][]*DiscoveryTrack
	unavailable map[string]*UnavailableAlbum
	exclusions  map[string]*DiscoverExclusion
	settings    map[string]*UserSettings
	seedArtists map[string][]string
	topGenres   map[string][]string
	artists     map[string]*Artist
	albums      map[string]*Album
	tracks      map[string]*Track
	enrichState *EnrichmentState
	failures    []*EnrichmentFailure

	rng *rand.Rand
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		batches:     make(map[string]*DiscoveryBatch),
		jobs:        make(map[string]*DownloadJob),
		discAlbums:  make(map[string]*DiscoveryAlbum),
		discTracks:  make(map[string][]*DiscoveryTrack),
		unavailable: make(map[string]*UnavailableAlbum),
		exclusions:  make(map[string]*DiscoverExclusion),
		settings:    make(map[string]*UserSettings),
		seedArtists: make(map[string][]string),
		topGenres:   make(map[string][]string),
		artists:     make(map[string]*Artist),
		albums:      make(map[string]*Album),
		tracks:      make(map[string]*Track),
		enrichState: &EnrichmentState{Status: EnrichmentIdle},
		rng:         rand.New(rand.NewSource(1)), //nolint:gosec // sampling only
	}
}

func resultKey(userID string, weekStart time.Time, mbid string) string {
	return fmt.Sprintf("%s/%s/%s", userID, weekStart.UTC().Format("2006-01-02"), mbid)
}

func exclusionKey(userID, mbid string) string {
	return userID + "/" + mbid
}

// --- seeding helpers (tests and fixtures) ---

// PutUserSettings stores user settings.
func (m *MemStore) PutUserSettings(s *UserSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.settings[s.UserID] = &cp
}

// PutSeedArtists stores the listening-history seed artists for a user.
func (m *MemStore) PutSeedArtists(userID string, names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seedArtists[userID] = append([]string(nil), names...)
}

// PutTopGenres stores the listening-history top genres for a user.
func (m *MemStore) PutTopGenres(userID string, genres []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topGenres[userID] = append([]string(nil), genres...)
}

// PutArtist stores a library artist.
func (m *MemStore) PutArtist(a *Artist) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.artists[a.ID] = &cp
}

// PutAlbum stores a library album.
func (m *MemStore) PutAlbum(a *Album) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.albums[a.ID] = &cp
}

// PutTrack stores a library track.
func (m *MemStore) PutTrack(t *Track) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneTrack(t)
	m.tracks[t.ID] = cp
}

func cloneTrack(t *Track) *Track {
	cp := *t
	cp.MoodTags = append([]string(nil), t.MoodTags...)
	return &cp
}

func cloneBatch(b *DiscoveryBatch) *DiscoveryBatch {
	cp := *b
	cp.Log = append([]BatchLogEntry(nil), b.Log...)
	return &cp
}

func cloneJob(j *DownloadJob) *DownloadJob {
	cp := *j
	return &cp
}

// --- BatchStore ---

// CreateBatchWithJobs atomically creates a batch and its jobs.
func (m *MemStore) CreateBatchWithJobs(_ context.Context, batch *DiscoveryBatch, jobs []*DownloadJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[batch.ID]; ok {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	m.batches[batch.ID] = cloneBatch(batch)
	for _, j := range jobs {
		m.jobs[j.ID] = cloneJob(j)
	}
	return nil
}

// GetBatch returns a copy of the batch or ErrNotFound.
func (m *MemStore) GetBatch(_ context.Context, id string) (*DiscoveryBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBatch(b), nil
}

// UpdateBatch persists the batch under an optimistic version check.
func (m *MemStore) UpdateBatch(_ context.Context, batch *DiscoveryBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[batch.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != batch.Version {
		return ErrVersionConflict
	}
	cp := cloneBatch(batch)
	cp.Version++
	m.batches[batch.ID] = cp
	batch.Version = cp.Version
	return nil
}

// TransitionBatch applies a guarded state transition atomically.
func (m *MemStore) TransitionBatch(_ context.Context, t BatchTransition) (*DiscoveryBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[t.BatchID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status.Terminal() || cur.Status != t.FromStatus {
		return nil, ErrBatchTerminal
	}
	cur.Status = t.ToStatus
	cur.CompletedAlbums = t.CompletedAlbums
	cur.FailedAlbums = t.FailedAlbums
	if t.ErrorMessage != "" {
		cur.ErrorMessage = t.ErrorMessage
	}
	if t.LogMessage != "" {
		cur.AppendLog("info", t.LogMessage)
	}
	if t.ToStatus.Terminal() {
		now := time.Now().UTC()
		cur.CompletedAt = &now
	}
	cur.Version++
	for i := range t.Unavailable {
		m.recordUnavailableLocked(&t.Unavailable[i])
	}
	return cloneBatch(cur), nil
}

func (m *MemStore) recordUnavailableLocked(u *UnavailableAlbum) {
	key := resultKey(u.UserID, u.WeekStart, u.AlbumMBID)
	if existing, ok := m.unavailable[key]; ok {
		existing.Attempts++
		existing.LastFailedAt = u.LastFailedAt
		return
	}
	cp := *u
	if cp.Attempts == 0 {
		cp.Attempts = 1
	}
	m.unavailable[key] = &cp
}

// ListBatchesByStatus returns batches in any of the given statuses.
func (m *MemStore) ListBatchesByStatus(_ context.Context, statuses ...BatchStatus) ([]*DiscoveryBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[BatchStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	var out []*DiscoveryBatch
	for _, b := range m.batches {
		if _, ok := want[b.Status]; ok {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetJob returns a copy of the job or ErrNotFound.
func (m *MemStore) GetJob(_ context.Context, id string) (*DownloadJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

// CreateJob appends one job to an existing batch.
func (m *MemStore) CreateJob(_ context.Context, job *DownloadJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob persists the job row.
func (m *MemStore) UpdateJob(_ context.Context, job *DownloadJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// ListJobsByBatch returns every job belonging to the batch.
func (m *MemStore) ListJobsByBatch(_ context.Context, batchID string) ([]*DownloadJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DownloadJob
	for _, j := range m.jobs {
		if j.BatchID == batchID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindActiveJobByTarget returns a pending/processing job for the target.
func (m *MemStore) FindActiveJobByTarget(_ context.Context, targetMBID string) (*DownloadJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs {
		if j.TargetMBID == targetMBID && (j.Status == JobPending || j.Status == JobProcessing) {
			return cloneJob(j), nil
		}
	}
	return nil, ErrNotFound
}

// --- ResultStore ---

// UpsertDiscoveryResults persists a full playlist build atomically.
func (m *MemStore) UpsertDiscoveryResults(_ context.Context, batch *DiscoveryBatch, results []DiscoveryResult, exclusionWindow time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[batch.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != batch.Version {
		return ErrVersionConflict
	}
	for i := range results {
		m.upsertResultLocked(batch.UserID, batch.WeekStart, results[i])
		m.refreshExclusionLocked(batch.UserID, results[i].Album.AlbumMBID, exclusionWindow)
	}
	cp := cloneBatch(batch)
	cp.Version++
	m.batches[batch.ID] = cp
	batch.Version = cp.Version
	return nil
}

func (m *MemStore) upsertResultLocked(userID string, weekStart time.Time, r DiscoveryResult) {
	key := resultKey(userID, weekStart, r.Album.AlbumMBID)
	album := r.Album
	if existing, ok := m.discAlbums[key]; ok {
		album.ID = existing.ID
		album.CreatedAt = existing.CreatedAt
	}
	m.discAlbums[key] = &album
	tracks := make([]*DiscoveryTrack, 0, len(r.Tracks))
	for i := range r.Tracks {
		t := r.Tracks[i]
		t.DiscoveryAlbumID = album.ID
		tracks = append(tracks, &t)
	}
	m.discTracks[album.ID] = tracks
}

func (m *MemStore) refreshExclusionLocked(userID, mbid string, window time.Duration) {
	m.exclusions[exclusionKey(userID, mbid)] = &DiscoverExclusion{
		UserID:    userID,
		AlbumMBID: mbid,
		ExpiresAt: time.Now().UTC().Add(window),
	}
}

// UpsertDiscoveryResult backfills a single result (reconciliation).
func (m *MemStore) UpsertDiscoveryResult(_ context.Context, userID string, weekStart time.Time, r DiscoveryResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertResultLocked(userID, weekStart, r)
	return nil
}

// ListDiscoveryAlbums returns discovery albums for the user and week.
func (m *MemStore) ListDiscoveryAlbums(_ context.Context, userID string, weekStart time.Time) ([]*DiscoveryAlbum, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := fmt.Sprintf("%s/%s/", userID, weekStart.UTC().Format("2006-01-02"))
	var out []*DiscoveryAlbum
	for key, a := range m.discAlbums {
		if strings.HasPrefix(key, prefix) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlbumMBID < out[j].AlbumMBID })
	return out, nil
}

// ListDiscoveryTracks returns tracks under a discovery album.
func (m *MemStore) ListDiscoveryTracks(_ context.Context, discoveryAlbumID string) ([]*DiscoveryTrack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.discTracks[discoveryAlbumID]
	out := make([]*DiscoveryTrack, 0, len(src))
	for _, t := range src {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// GetExclusion returns the exclusion row or ErrNotFound.
func (m *MemStore) GetExclusion(_ context.Context, userID, albumMBID string) (*DiscoverExclusion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exclusions[exclusionKey(userID, albumMBID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// RefreshExclusion extends (or creates) the suppression window.
func (m *MemStore) RefreshExclusion(_ context.Context, userID, albumMBID string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshExclusionLocked(userID, albumMBID, window)
	return nil
}

// ListUnavailableAlbums returns failure records for the user and week.
func (m *MemStore) ListUnavailableAlbums(_ context.Context, userID string, weekStart time.Time) ([]*UnavailableAlbum, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := fmt.Sprintf("%s/%s/", userID, weekStart.UTC().Format("2006-01-02"))
	var out []*UnavailableAlbum
	for key, u := range m.unavailable {
		if strings.HasPrefix(key, prefix) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlbumMBID < out[j].AlbumMBID })
	return out, nil
}

// --- LibraryStore ---

// GetUserSettings returns settings for the user or ErrNotFound.
func (m *MemStore) GetUserSettings(_ context.Context, userID string) (*UserSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// TopSeedArtists returns seeded listening-history artists.
func (m *MemStore) TopSeedArtists(_ context.Context, userID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := m.seedArtists[userID]
	if len(names) > limit {
		names = names[:limit]
	}
	return append([]string(nil), names...), nil
}

// UserTopGenres returns seeded listening-history genres.
func (m *MemStore) UserTopGenres(_ context.Context, userID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	genres := m.topGenres[userID]
	if len(genres) > limit {
		genres = genres[:limit]
	}
	return append([]string(nil), genres...), nil
}

// ListLibraryAlbums returns every library album.
func (m *MemStore) ListLibraryAlbums(_ context.Context) ([]*Album, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Album, 0, len(m.albums))
	for _, a := range m.albums {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListAlbumsByArtist returns albums matching the artist name
// case-insensitively.
func (m *MemStore) ListAlbumsByArtist(_ context.Context, artistName string) ([]*Album, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Album
	for _, a := range m.albums {
		if strings.EqualFold(a.ArtistName, artistName) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindAlbumByMBID returns the album with the canonical id or ErrNotFound.
func (m *MemStore) FindAlbumByMBID(_ context.Context, mbid string) (*Album, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.albums {
		if a.MBID == mbid {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// FindAlbumByArtistTitle matches case-insensitively on trimmed fields.
func (m *MemStore) FindAlbumByArtistTitle(_ context.Context, artist, title string) (*Album, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	artist = strings.TrimSpace(artist)
	title = strings.TrimSpace(title)
	for _, a := range m.albums {
		if strings.EqualFold(strings.TrimSpace(a.ArtistName), artist) &&
			strings.EqualFold(strings.TrimSpace(a.Title), title) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListTracksByAlbum returns library tracks under the album.
func (m *MemStore) ListTracksByAlbum(_ context.Context, albumID string) ([]*Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Track
	for _, t := range m.tracks {
		if t.AlbumID == albumID {
			out = append(out, cloneTrack(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RandomLibraryAlbums samples n albums, optionally restricted by artist.
func (m *MemStore) RandomLibraryAlbums(_ context.Context, artistNames []string, n int) ([]*Album, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[string]struct{}, len(artistNames))
	for _, name := range artistNames {
		allowed[strings.ToLower(name)] = struct{}{}
	}
	var pool []*Album
	for _, a := range m.albums {
		if len(allowed) > 0 {
			if _, ok := allowed[strings.ToLower(a.ArtistName)]; !ok {
				continue
			}
		}
		pool = append(pool, a)
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })
	m.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > n {
		pool = pool[:n]
	}
	out := make([]*Album, 0, len(pool))
	for _, a := range pool {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// --- EnrichmentStore ---

// GetEnrichmentState returns a copy of the process-wide state.
func (m *MemStore) GetEnrichmentState(_ context.Context) (*EnrichmentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := *m.enrichState
	return &cp, nil
}

// PutEnrichmentState persists the process-wide state.
func (m *MemStore) PutEnrichmentState(_ context.Context, state *EnrichmentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	cp.UpdatedAt = time.Now().UTC()
	m.enrichState = &cp
	return nil
}

// ListArtistsForEnrichment selects pending/failed artists, oldest first.
func (m *MemStore) ListArtistsForEnrichment(_ context.Context, limit int) ([]*Artist, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Artist
	for _, a := range m.artists {
		if a.EnrichStatus == EnrichPending || a.EnrichStatus == EnrichFailed {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetArtist returns one artist row.
func (m *MemStore) GetArtist(_ context.Context, id string) (*Artist, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artists[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// UpdateArtist persists the artist row.
func (m *MemStore) UpdateArtist(_ context.Context, artist *Artist) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artists[artist.ID]; !ok {
		return ErrNotFound
	}
	cp := *artist
	m.artists[artist.ID] = &cp
	return nil
}

// ListTracksMissingMoodTags selects untagged tracks (nil or empty tags).
func (m *MemStore) ListTracksMissingMoodTags(_ context.Context, limit int) ([]*Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Track
	for _, t := range m.tracks {
		if t.NeedsMoodTags() {
			out = append(out, cloneTrack(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTracksPendingAnalysis selects tracks pending audio analysis.
func (m *MemStore) ListTracksPendingAnalysis(_ context.Context, limit int) ([]*Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Track
	for _, t := range m.tracks {
		if t.AudioStatus == EnrichPending {
			out = append(out, cloneTrack(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTracksMissingEmbeddings selects the vibe-embedding backlog.
func (m *MemStore) ListTracksMissingEmbeddings(_ context.Context, limit int) ([]*Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Track
	for _, t := range m.tracks {
		if t.HasEmbedding {
			continue
		}
		if t.VibeStatus == "" || t.VibeStatus == EnrichCompleted || t.VibeStatus == EnrichFailed {
			continue
		}
		if t.VibeStatus == EnrichProcessing {
			continue
		}
		out = append(out, cloneTrack(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetTrack returns one track row.
func (m *MemStore) GetTrack(_ context.Context, id string) (*Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tracks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTrack(t), nil
}

// UpdateTrack persists the track row.
func (m *MemStore) UpdateTrack(_ context.Context, track *Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracks[track.ID]; !ok {
		return ErrNotFound
	}
	m.tracks[track.ID] = cloneTrack(track)
	return nil
}

// ResetStaleProcessing flips stuck processing rows back to pending.
func (m *MemStore) ResetStaleProcessing(_ context.Context, phase Phase, timeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-timeout)
	reset := 0
	for _, t := range m.tracks {
		switch phase {
		case PhaseAudio:
			if t.AudioStatus == EnrichProcessing && t.AudioQueuedAt != nil && t.AudioQueuedAt.Before(cutoff) {
				t.AudioStatus = EnrichPending
				t.AudioQueuedAt = nil
				reset++
			}
		case PhaseVibe:
			if t.VibeStatus == EnrichProcessing && t.VibeQueuedAt != nil && t.VibeQueuedAt.Before(cutoff) {
				t.VibeStatus = EnrichPending
				t.VibeQueuedAt = nil
				reset++
			}
		}
	}
	return reset, nil
}

// CountCompletedSince counts terminal analysis outcomes since t.
func (m *MemStore) CountCompletedSince(_ context.Context, phase Phase, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, t := range m.tracks {
		switch phase {
		case PhaseAudio:
			if t.AudioStatus == EnrichCompleted && t.AudioQueuedAt != nil && t.AudioQueuedAt.After(since) {
				count++
			}
		case PhaseVibe:
			if t.VibeStatus == EnrichCompleted && t.VibeQueuedAt != nil && t.VibeQueuedAt.After(since) {
				count++
			}
		}
	}
	return count, nil
}

// AppendEnrichmentFailure appends a failure record.
func (m *MemStore) AppendEnrichmentFailure(_ context.Context, failure *EnrichmentFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *failure
	m.failures = append(m.failures, &cp)
	return nil
}

// ListEnrichmentFailures returns the newest failure records first.
// Non-positive limit means all.
func (m *MemStore) ListEnrichmentFailures(_ context.Context, limit int) ([]*EnrichmentFailure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*EnrichmentFailure, 0, len(m.failures))
	for i := len(m.failures) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *m.failures[i]
		out = append(out, &cp)
	}
	return out, nil
}

// ClearEnrichmentFailures deletes the failure records with the given IDs.
func (m *MemStore) ClearEnrichmentFailures(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.failures[:0]
	for _, f := range m.failures {
		if !drop[f.ID] {
			kept = append(kept, f)
		}
	}
	m.failures = kept
	return nil
}

// CountEnrichment recomputes phase counters from the rows.
func (m *MemStore) CountEnrichment(_ context.Context) (artists, tracks, audio, vibe PhaseProgress, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.artists {
		artists.Total++
		switch a.EnrichStatus {
		case EnrichCompleted:
			artists.Completed++
		case EnrichFailed:
			artists.Failed++
		case EnrichProcessing:
			artists.Processing++
		}
	}
	for _, t := range m.tracks {
		tracks.Total++
		if !t.NeedsMoodTags() && len(t.MoodTags) > 0 {
			tracks.Completed++
		}
		audio.Total++
		switch t.AudioStatus {
		case EnrichCompleted:
			audio.Completed++
		case EnrichFailed:
			audio.Failed++
		case EnrichProcessing:
			audio.Processing++
		}
		vibe.Total++
		switch t.VibeStatus {
		case EnrichCompleted:
			vibe.Completed++
		case EnrichFailed:
			vibe.Failed++
		case EnrichProcessing:
			vibe.Processing++
		}
	}
	return artists, tracks, audio, vibe, nil
}

// ResetEnrichment resets status fields for the named phases only.
func (m *MemStore) ResetEnrichment(_ context.Context, phases ...Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, phase := range phases {
		switch phase {
		case PhaseArtists:
			for _, a := range m.artists {
				a.EnrichStatus = EnrichPending
			}
		case PhaseTracks:
			for _, t := range m.tracks {
				t.MoodTags = nil
			}
		case PhaseAudio:
			for _, t := range m.tracks {
				t.AudioStatus = EnrichPending
				t.AudioQueuedAt = nil
			}
		case PhaseVibe:
			for _, t := range m.tracks {
				if !t.HasEmbedding {
					t.VibeStatus = EnrichPending
					t.VibeQueuedAt = nil
				}
			}
		}
	}
	return nil
}

var _ Store = (*MemStore)(nil)
