// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Key prefixes. Rows are JSON documents; composite keys encode the upsert
// identity stated in the data model so idempotence falls out of the key.
const (
	prefixBatch       = "batch/"
	prefixJob         = "job/"
	prefixDiscAlbum   = "dalbum/"  // dalbum/<user>/<week>/<mbid>
	prefixDiscTrack   = "dtrack/"  // dtrack/<discoveryAlbumID>/<trackID>
	prefixUnavailable = "unavail/" // unavail/<user>/<week>/<mbid>
	prefixExclusion   = "excl/"    // excl/<user>/<mbid>
	prefixSettings    = "usr/"
	prefixSeeds       = "seeds/"
	prefixGenres      = "genres/"
	prefixArtist      = "artist/"
	prefixAlbum       = "album/"
	prefixTrack       = "track/"
	prefixFailure     = "efail/" // efail/<rfc3339nano>/<id>
	keyEnrichState    = "estate"
)

// BadgerStore is the durable Store implementation. Every composite
// operation runs inside a single badger transaction.
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// BadgerOptions controls how the store opens its database.
type BadgerOptions struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory runs badger without disk persistence (tests).
	InMemory bool
}

// OpenBadger opens (or creates) the badger database at the given path.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func OpenBadger(opts BadgerOptions, logger zerolog.Logger) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true)
	}
	bopts = bopts.WithLogger(nil) // badger's own logger is too chatty; we log state changes ourselves

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &BadgerStore{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // sampling only
	}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func weekKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func putJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// scanJSON iterates every value under prefix, unmarshals into a fresh T,
// and hands it to fn. fn returning false stops the scan.
func scanJSON[T any](txn *badger.Txn, prefix string, fn func(*T) bool) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefix), PrefetchValues: true, PrefetchSize: 64})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var row T
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		})
		if err != nil {
			return err
		}
		if !fn(&row) {
			return nil
		}
	}
	return nil
}

// --- seeding helpers ---

// PutUserSettings stores user settings.
func (s *BadgerStore) PutUserSettings(ctx context.Context, settings *UserSettings) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixSettings+settings.UserID, settings)
	})
}

// PutSeedArtists stores the listening-history seed artists for a user.
func (s *BadgerStore) PutSeedArtists(ctx context.Context, userID string, names []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixSeeds+userID, names)
	})
}

// PutTopGenres stores the listening-history top genres for a user.
func (s *BadgerStore) PutTopGenres(ctx context.Context, userID string, genres []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixGenres+userID, genres)
	})
}

// PutArtist stores a library artist row.
func (s *BadgerStore) PutArtist(ctx context.Context, a *Artist) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixArtist+a.ID, a)
	})
}

// PutAlbum stores a library album row.
func (s *BadgerStore) PutAlbum(ctx context.Context, a *Album) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixAlbum+a.ID, a)
	})
}

// PutTrack stores a library track row.
func (s *BadgerStore) PutTrack(ctx context.Context, t *Track) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixTrack+t.ID, t)
	})
}

// --- BatchStore ---

// CreateBatchWithJobs atomically creates a batch and its jobs.
func (s *BadgerStore) CreateBatchWithJobs(_ context.Context, batch *DiscoveryBatch, jobs []*DownloadJob) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixBatch + batch.ID)); err == nil {
			return fmt.Errorf("batch %s already exists", batch.ID)
		}
		if err := putJSON(txn, prefixBatch+batch.ID, batch); err != nil {
			return err
		}
		for _, j := range jobs {
			if err := putJSON(txn, prefixJob+j.ID, j); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBatch returns the batch or ErrNotFound.
func (s *BadgerStore) GetBatch(_ context.Context, id string) (*DiscoveryBatch, error) {
	var b DiscoveryBatch
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixBatch+id, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBatch persists the batch under an optimistic version check.
func (s *BadgerStore) UpdateBatch(_ context.Context, batch *DiscoveryBatch) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var cur DiscoveryBatch
		if err := getJSON(txn, prefixBatch+batch.ID, &cur); err != nil {
			return err
		}
		if cur.Version != batch.Version {
			return ErrVersionConflict
		}
		batch.Version++
		return putJSON(txn, prefixBatch+batch.ID, batch)
	})
}

// TransitionBatch applies a guarded state transition atomically.
func (s *BadgerStore) TransitionBatch(_ context.Context, t BatchTransition) (*DiscoveryBatch, error) {
	var out *DiscoveryBatch
	err := s.db.Update(func(txn *badger.Txn) error {
		var cur DiscoveryBatch
		if err := getJSON(txn, prefixBatch+t.BatchID, &cur); err != nil {
			return err
		}
		if cur.Status.Terminal() || cur.Status != t.FromStatus {
			return ErrBatchTerminal
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
		if err := putJSON(txn, prefixBatch+cur.ID, &cur); err != nil {
			return err
		}
		for i := range t.Unavailable {
			if err := recordUnavailable(txn, &t.Unavailable[i]); err != nil {
				return err
			}
		}
		out = &cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func recordUnavailable(txn *badger.Txn, u *UnavailableAlbum) error {
	key := prefixUnavailable + u.UserID + "/" + weekKey(u.WeekStart) + "/" + u.AlbumMBID
	var existing UnavailableAlbum
	err := getJSON(txn, key, &existing)
	switch {
	case err == nil:
		existing.Attempts++
		existing.LastFailedAt = u.LastFailedAt
		return putJSON(txn, key, &existing)
	case errors.Is(err, ErrNotFound):
		cp := *u
		if cp.Attempts == 0 {
			cp.Attempts = 1
		}
		return putJSON(txn, key, &cp)
	default:
		return err
	}
}

// ListBatchesByStatus returns batches in any of the given statuses.
func (s *BadgerStore) ListBatchesByStatus(_ context.Context, statuses ...BatchStatus) ([]*DiscoveryBatch, error) {
	want := make(map[BatchStatus]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	var out []*DiscoveryBatch
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixBatch, func(b *DiscoveryBatch) bool {
			if _, ok := want[b.Status]; ok {
				out = append(out, b)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetJob returns the job or ErrNotFound.
func (s *BadgerStore) GetJob(_ context.Context, id string) (*DownloadJob, error) {
	var j DownloadJob
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixJob+id, &j)
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob appends one job to an existing batch.
func (s *BadgerStore) CreateJob(_ context.Context, job *DownloadJob) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixJob + job.ID)); err == nil {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return putJSON(txn, prefixJob+job.ID, job)
	})
}

// UpdateJob persists the job row.
func (s *BadgerStore) UpdateJob(_ context.Context, job *DownloadJob) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixJob + job.ID)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return putJSON(txn, prefixJob+job.ID, job)
	})
}

// ListJobsByBatch returns every job belonging to the batch.
func (s *BadgerStore) ListJobsByBatch(_ context.Context, batchID string) ([]*DownloadJob, error) {
	var out []*DownloadJob
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixJob, func(j *DownloadJob) bool {
			if j.BatchID == batchID {
				out = append(out, j)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindActiveJobByTarget returns a pending/processing job for the target.
func (s *BadgerStore) FindActiveJobByTarget(_ context.Context, targetMBID string) (*DownloadJob, error) {
	var found *DownloadJob
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixJob, func(j *DownloadJob) bool {
			if j.TargetMBID == targetMBID && (j.Status == JobPending || j.Status == JobProcessing) {
				found = j
				return false
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// --- ResultStore ---

// UpsertDiscoveryResults persists a full playlist build atomically.
func (s *BadgerStore) UpsertDiscoveryResults(_ context.Context, batch *DiscoveryBatch, results []DiscoveryResult, exclusionWindow time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var cur DiscoveryBatch
		if err := getJSON(txn, prefixBatch+batch.ID, &cur); err != nil {
			return err
		}
		if cur.Version != batch.Version {
			return ErrVersionConflict
		}
		for i := range results {
			if err := upsertResult(txn, batch.UserID, batch.WeekStart, results[i]); err != nil {
				return err
			}
			excl := DiscoverExclusion{
				UserID:    batch.UserID,
				AlbumMBID: results[i].Album.AlbumMBID,
				ExpiresAt: time.Now().UTC().Add(exclusionWindow),
			}
			if err := putJSON(txn, prefixExclusion+exclusionKey(batch.UserID, excl.AlbumMBID), &excl); err != nil {
				return err
			}
		}
		batch.Version++
		return putJSON(txn, prefixBatch+batch.ID, batch)
	})
}

func upsertResult(txn *badger.Txn, userID string, weekStart time.Time, r DiscoveryResult) error {
	key := prefixDiscAlbum + userID + "/" + weekKey(weekStart) + "/" + r.Album.AlbumMBID
	album := r.Album
	var existing DiscoveryAlbum
	if err := getJSON(txn, key, &existing); err == nil {
		album.ID = existing.ID
		album.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := putJSON(txn, key, &album); err != nil {
		return err
	}
	// Replace the track set wholesale so regeneration stays idempotent.
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixDiscTrack + album.ID + "/")})
	var stale [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		stale = append(stale, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range stale {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	for i := range r.Tracks {
		t := r.Tracks[i]
		t.DiscoveryAlbumID = album.ID
		if err := putJSON(txn, prefixDiscTrack+album.ID+"/"+t.TrackID, &t); err != nil {
			return err
		}
	}
	return nil
}

// UpsertDiscoveryResult backfills a single result (reconciliation).
func (s *BadgerStore) UpsertDiscoveryResult(_ context.Context, userID string, weekStart time.Time, r DiscoveryResult) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return upsertResult(txn, userID, weekStart, r)
	})
}

// ListDiscoveryAlbums returns discovery albums for the user and week.
func (s *BadgerStore) ListDiscoveryAlbums(_ context.Context, userID string, weekStart time.Time) ([]*DiscoveryAlbum, error) {
	var out []*DiscoveryAlbum
	prefix := prefixDiscAlbum + userID + "/" + weekKey(weekStart) + "/"
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefix, func(a *DiscoveryAlbum) bool {
			out = append(out, a)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListDiscoveryTracks returns tracks under a discovery album.
func (s *BadgerStore) ListDiscoveryTracks(_ context.Context, discoveryAlbumID string) ([]*DiscoveryTrack, error) {
	var out []*DiscoveryTrack
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixDiscTrack+discoveryAlbumID+"/", func(t *DiscoveryTrack) bool {
			out = append(out, t)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetExclusion returns the exclusion row or ErrNotFound.
func (s *BadgerStore) GetExclusion(_ context.Context, userID, albumMBID string) (*DiscoverExclusion, error) {
	var e DiscoverExclusion
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixExclusion+exclusionKey(userID, albumMBID), &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// RefreshExclusion extends (or creates) the suppression window.
func (s *BadgerStore) RefreshExclusion(_ context.Context, userID, albumMBID string, window time.Duration) error {
	excl := DiscoverExclusion{
		UserID:    userID,
		AlbumMBID: albumMBID,
		ExpiresAt: time.Now().UTC().Add(window),
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixExclusion+exclusionKey(userID, albumMBID), &excl)
	})
}

// ListUnavailableAlbums returns failure records for the user and week.
func (s *BadgerStore) ListUnavailableAlbums(_ context.Context, userID string, weekStart time.Time) ([]*UnavailableAlbum, error) {
	var out []*UnavailableAlbum
	prefix := prefixUnavailable + userID + "/" + weekKey(weekStart) + "/"
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefix, func(u *UnavailableAlbum) bool {
			out = append(out, u)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- LibraryStore ---

// GetUserSettings returns settings for the user or ErrNotFound.
func (s *BadgerStore) GetUserSettings(_ context.Context, userID string) (*UserSettings, error) {
	var u UserSettings
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixSettings+userID, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// TopSeedArtists returns the user's listening-history seed artists.
func (s *BadgerStore) TopSeedArtists(_ context.Context, userID string, limit int) ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		err := getJSON(txn, prefixSeeds+userID, &names)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

// UserTopGenres returns the user's most listened genres.
func (s *BadgerStore) UserTopGenres(_ context.Context, userID string, limit int) ([]string, error) {
	var genres []string
	err := s.db.View(func(txn *badger.Txn) error {
		err := getJSON(txn, prefixGenres+userID, &genres)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(genres) > limit {
		genres = genres[:limit]
	}
	return genres, nil
}

// ListLibraryAlbums returns every library album.
func (s *BadgerStore) ListLibraryAlbums(_ context.Context) ([]*Album, error) {
	var out []*Album
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixAlbum, func(a *Album) bool {
			out = append(out, a)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListAlbumsByArtist returns albums matching the artist case-insensitively.
func (s *BadgerStore) ListAlbumsByArtist(_ context.Context, artistName string) ([]*Album, error) {
	var out []*Album
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixAlbum, func(a *Album) bool {
			if strings.EqualFold(a.ArtistName, artistName) {
				out = append(out, a)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindAlbumByMBID returns the album with the canonical id or ErrNotFound.
func (s *BadgerStore) FindAlbumByMBID(_ context.Context, mbid string) (*Album, error) {
	var found *Album
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixAlbum, func(a *Album) bool {
			if a.MBID == mbid {
				found = a
				return false
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// FindAlbumByArtistTitle matches case-insensitively on trimmed fields.
func (s *BadgerStore) FindAlbumByArtistTitle(_ context.Context, artist, title string) (*Album, error) {
	artist = strings.TrimSpace(artist)
	title = strings.TrimSpace(title)
	var found *Album
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixAlbum, func(a *Album) bool {
			if strings.EqualFold(strings.TrimSpace(a.ArtistName), artist) &&
				strings.EqualFold(strings.TrimSpace(a.Title), title) {
				found = a
				return false
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// ListTracksByAlbum returns library tracks under the album.
func (s *BadgerStore) ListTracksByAlbum(_ context.Context, albumID string) ([]*Track, error) {
	var out []*Track
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixTrack, func(t *Track) bool {
			if t.AlbumID == albumID {
				out = append(out, t)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RandomLibraryAlbums samples n albums, optionally restricted by artist.
func (s *BadgerStore) RandomLibraryAlbums(ctx context.Context, artistNames []string, n int) ([]*Album, error) {
	allowed := make(map[string]struct{}, len(artistNames))
	for _, name := range artistNames {
		allowed[strings.ToLower(name)] = struct{}{}
	}
	var pool []*Album
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixAlbum, func(a *Album) bool {
			if len(allowed) > 0 {
				if _, ok := allowed[strings.ToLower(a.ArtistName)]; !ok {
					return true
				}
			}
			pool = append(pool, a)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	s.rngMu.Lock()
	s.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	s.rngMu.Unlock()
	if len(pool) > n {
		pool = pool[:n]
	}
	return pool, nil
}

// --- EnrichmentStore ---

// GetEnrichmentState returns the process-wide state, defaulting to idle.
func (s *BadgerStore) GetEnrichmentState(_ context.Context) (*EnrichmentState, error) {
	state := &EnrichmentState{Status: EnrichmentIdle}
	err := s.db.View(func(txn *badger.Txn) error {
		err := getJSON(txn, keyEnrichState, state)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// PutEnrichmentState persists the process-wide state.
func (s *BadgerStore) PutEnrichmentState(_ context.Context, state *EnrichmentState) error {
	state.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, keyEnrichState, state)
	})
}

// ListArtistsForEnrichment selects pending/failed artists, oldest first.
func (s *BadgerStore) ListArtistsForEnrichment(_ context.Context, limit int) ([]*Artist, error) {
	var out []*Artist
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixArtist, func(a *Artist) bool {
			if a.EnrichStatus == EnrichPending || a.EnrichStatus == EnrichFailed {
				out = append(out, a)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
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
func (s *BadgerStore) GetArtist(_ context.Context, id string) (*Artist, error) {
	var a Artist
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixArtist+id, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateArtist persists the artist row.
func (s *BadgerStore) UpdateArtist(_ context.Context, artist *Artist) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixArtist + artist.ID)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return putJSON(txn, prefixArtist+artist.ID, artist)
	})
}

// ListTracksMissingMoodTags selects untagged tracks (nil or empty tags).
func (s *BadgerStore) ListTracksMissingMoodTags(_ context.Context, limit int) ([]*Track, error) {
	return s.selectTracks(limit, func(t *Track) bool { return t.NeedsMoodTags() })
}

// ListTracksPendingAnalysis selects tracks pending audio analysis.
func (s *BadgerStore) ListTracksPendingAnalysis(_ context.Context, limit int) ([]*Track, error) {
	return s.selectTracks(limit, func(t *Track) bool { return t.AudioStatus == EnrichPending })
}

// ListTracksMissingEmbeddings selects the vibe-embedding backlog.
func (s *BadgerStore) ListTracksMissingEmbeddings(_ context.Context, limit int) ([]*Track, error) {
	return s.selectTracks(limit, func(t *Track) bool {
		return !t.HasEmbedding && t.VibeStatus == EnrichPending
	})
}

func (s *BadgerStore) selectTracks(limit int, match func(*Track) bool) ([]*Track, error) {
	var out []*Track
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixTrack, func(t *Track) bool {
			if match(t) {
				out = append(out, t)
			}
			return len(out) < limit || limit <= 0
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetTrack returns one track row.
func (s *BadgerStore) GetTrack(_ context.Context, id string) (*Track, error) {
	var t Track
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixTrack+id, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTrack persists the track row.
func (s *BadgerStore) UpdateTrack(_ context.Context, track *Track) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixTrack + track.ID)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return putJSON(txn, prefixTrack+track.ID, track)
	})
}

// ResetStaleProcessing flips stuck processing rows back to pending.
func (s *BadgerStore) ResetStaleProcessing(_ context.Context, phase Phase, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	reset := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var stale []*Track
		err := scanJSON(txn, prefixTrack, func(t *Track) bool {
			switch phase {
			case PhaseAudio:
				if t.AudioStatus == EnrichProcessing && t.AudioQueuedAt != nil && t.AudioQueuedAt.Before(cutoff) {
					stale = append(stale, t)
				}
			case PhaseVibe:
				if t.VibeStatus == EnrichProcessing && t.VibeQueuedAt != nil && t.VibeQueuedAt.Before(cutoff) {
					stale = append(stale, t)
				}
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, t := range stale {
			switch phase {
			case PhaseAudio:
				t.AudioStatus = EnrichPending
				t.AudioQueuedAt = nil
			case PhaseVibe:
				t.VibeStatus = EnrichPending
				t.VibeQueuedAt = nil
			}
			if err := putJSON(txn, prefixTrack+t.ID, t); err != nil {
				return err
			}
			reset++
		}
		return nil
	})
	return reset, err
}

// CountCompletedSince counts terminal analysis outcomes since t.
func (s *BadgerStore) CountCompletedSince(_ context.Context, phase Phase, since time.Time) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixTrack, func(t *Track) bool {
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
			return true
		})
	})
	return count, err
}

// AppendEnrichmentFailure appends a failure record.
func (s *BadgerStore) AppendEnrichmentFailure(_ context.Context, failure *EnrichmentFailure) error {
	key := prefixFailure + failure.CreatedAt.UTC().Format(time.RFC3339Nano) + "/" + failure.ID
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, key, failure)
	})
}

// ListEnrichmentFailures returns the newest failure records first.
// Non-positive limit means all.
func (s *BadgerStore) ListEnrichmentFailures(_ context.Context, limit int) ([]*EnrichmentFailure, error) {
	var out []*EnrichmentFailure
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixFailure), Reverse: true, PrefetchValues: true})
		defer it.Close()
		// Reverse iteration must seek past the end of the prefix range.
		seek := append([]byte(prefixFailure), 0xFF)
		for it.Seek(seek); it.Valid() && (limit <= 0 || len(out) < limit); it.Next() {
			if !bytes.HasPrefix(it.Item().Key(), []byte(prefixFailure)) {
				break
			}
			var f EnrichmentFailure
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &f) }); err != nil {
				return err
			}
			out = append(out, &f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClearEnrichmentFailures deletes the failure records with the given IDs.
func (s *BadgerStore) ClearEnrichmentFailures(_ context.Context, ids ...string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixFailure), PrefetchValues: true})
		for it.Rewind(); it.Valid(); it.Next() {
			var f EnrichmentFailure
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &f) }); err != nil {
				it.Close()
				return err
			}
			if drop[f.ID] {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountEnrichment recomputes phase counters from the rows.
func (s *BadgerStore) CountEnrichment(_ context.Context) (artists, tracks, audio, vibe PhaseProgress, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		err := scanJSON(txn, prefixArtist, func(a *Artist) bool {
			artists.Total++
			switch a.EnrichStatus {
			case EnrichCompleted:
				artists.Completed++
			case EnrichFailed:
				artists.Failed++
			case EnrichProcessing:
				artists.Processing++
			}
			return true
		})
		if err != nil {
			return err
		}
		return scanJSON(txn, prefixTrack, func(t *Track) bool {
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
			return true
		})
	})
	return artists, tracks, audio, vibe, err
}

// ResetEnrichment resets status fields for the named phases only.
func (s *BadgerStore) ResetEnrichment(_ context.Context, phases ...Phase) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, phase := range phases {
			if phase == PhaseArtists {
				var rows []*Artist
				if err := scanJSON(txn, prefixArtist, func(a *Artist) bool {
					rows = append(rows, a)
					return true
				}); err != nil {
					return err
				}
				for _, a := range rows {
					a.EnrichStatus = EnrichPending
					if err := putJSON(txn, prefixArtist+a.ID, a); err != nil {
						return err
					}
				}
				continue
			}
			var rows []*Track
			if err := scanJSON(txn, prefixTrack, func(t *Track) bool {
				rows = append(rows, t)
				return true
			}); err != nil {
				return err
			}
			for _, t := range rows {
				switch phase {
				case PhaseTracks:
					t.MoodTags = nil
				case PhaseAudio:
					t.AudioStatus = EnrichPending
					t.AudioQueuedAt = nil
				case PhaseVibe:
					if !t.HasEmbedding {
						t.VibeStatus = EnrichPending
						t.VibeQueuedAt = nil
					}
				}
				if err := putJSON(txn, prefixTrack+t.ID, t); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

var _ Store = (*BadgerStore)(nil)
