// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tonearm/tonearm/internal/events"
	"github.com/tonearm/tonearm/internal/metrics"
	"github.com/tonearm/tonearm/internal/queue"
	"github.com/tonearm/tonearm/internal/recommend"
	"github.com/tonearm/tonearm/internal/store"
)

// CheckBatchCompletion inspects job progress and advances the batch when
// every job has settled. Safe to call from any trigger at any time: the
// terminal guard comes first, and a lost race on TransitionBatch is a
// no-op, never an error.
func (o *Orchestrator) CheckBatchCompletion(ctx context.Context, batchID string) error {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", batchID, err)
	}
	if batch.Status != store.BatchDownloading {
		// Terminal, or already scanning: downloads have settled and the
		// scan path owns the batch from here.
		return nil
	}

	jobs, err := o.store.ListJobsByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list jobs for %s: %w", batchID, err)
	}
	completed, settled := 0, 0
	for _, j := range jobs {
		if j.Status.Terminal() {
			settled++
		}
		if j.Status == store.JobCompleted {
			completed++
		}
	}
	if settled < len(jobs) {
		// Still in flight: observers get a progress snapshot, the batch
		// is left alone.
		ev := events.NewDiscoverProgress(batchID, batch.UserID, string(batch.Status))
		ev.CompletedAlbums = completed
		ev.FailedAlbums = settled - completed
		ev.TotalAlbums = batch.TotalAlbums
		ev.Progress = progressFraction(settled, len(jobs))
		o.bus.PublishDiscoverProgress(ev)
		return nil
	}
	failed := batch.TotalAlbums - completed
	if failed < 0 {
		failed = 0
	}

	if completed == 0 {
		return o.failBatch(ctx, batch, jobs, "every album acquisition failed")
	}

	t := store.BatchTransition{
		BatchID:         batchID,
		FromStatus:      batch.Status,
		ToStatus:        store.BatchScanning,
		CompletedAlbums: completed,
		FailedAlbums:    failed,
		LogMessage:      fmt.Sprintf("%d/%d albums downloaded, waiting for import", completed, batch.TotalAlbums),
		Unavailable:     o.unavailableRows(batch, jobs),
	}
	updated, err := o.store.TransitionBatch(ctx, t)
	if errors.Is(err, store.ErrBatchTerminal) {
		return nil // another trigger got here first
	}
	if err != nil {
		return fmt.Errorf("transition batch %s to scanning: %w", batchID, err)
	}

	ev := events.NewDiscoverProgress(batchID, batch.UserID, string(store.BatchScanning))
	ev.CompletedAlbums = completed
	ev.FailedAlbums = failed
	ev.TotalAlbums = updated.TotalAlbums
	ev.Progress = 1
	o.bus.PublishDiscoverProgress(ev)

	task := ScanTask{BatchID: batchID, ReadyAt: o.now().UTC().Add(o.cfg.ImportSettleGrace)}
	if err := o.queue.Enqueue(ctx, queue.QueueDiscoveryScan, task); err != nil {
		// The sweep re-triggers playlist assembly for stuck scanning
		// batches, so a lost scan message delays, never strands.
		o.logger.Error().Err(err).Str("batch_id", batchID).Msg("scan enqueue failed")
	}
	o.logger.Info().
		Str("batch_id", batchID).
		Int("completed", completed).
		Int("failed", failed).
		Msg("batch downloads settled, scanning")
	return nil
}

func progressFraction(settled, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(settled) / float64(total)
}

// unavailableRows converts failed jobs into per-week unavailable records.
// Replacement bookkeeping: a failed job whose slot was taken over is still
// recorded as unavailable, which is informational only.
func (o *Orchestrator) unavailableRows(batch *store.DiscoveryBatch, jobs []*store.DownloadJob) []store.UnavailableAlbum {
	var rows []store.UnavailableAlbum
	now := o.now().UTC()
	for _, j := range jobs {
		if j.Status != store.JobFailed && j.Status != store.JobExhausted {
			continue
		}
		rows = append(rows, store.UnavailableAlbum{
			UserID:       batch.UserID,
			WeekStart:    batch.WeekStart,
			AlbumMBID:    j.TargetMBID,
			ArtistName:   j.Metadata.ArtistName,
			AlbumName:    j.Metadata.AlbumName,
			LastFailedAt: now,
		})
	}
	return rows
}

func (o *Orchestrator) failBatch(ctx context.Context, batch *store.DiscoveryBatch, jobs []*store.DownloadJob, reason string) error {
	t := store.BatchTransition{
		BatchID:      batch.ID,
		FromStatus:   batch.Status,
		ToStatus:     store.BatchFailed,
		FailedAlbums: batch.TotalAlbums,
		ErrorMessage: reason,
		LogMessage:   reason,
		Unavailable:  o.unavailableRows(batch, jobs),
	}
	if _, err := o.store.TransitionBatch(ctx, t); err != nil {
		if errors.Is(err, store.ErrBatchTerminal) {
			return nil
		}
		return fmt.Errorf("fail batch %s: %w", batch.ID, err)
	}
	metrics.ObserveBatchFinished(string(store.BatchFailed), batch.CreatedAt)
	o.bus.PublishDiscoverComplete(events.NewDiscoverComplete(batch.ID, batch.UserID, batch.WeekStart, string(store.BatchFailed), 0))

	o.cleanupFailedArtists(ctx, jobs)
	o.logger.Warn().Str("batch_id", batch.ID).Str("reason", reason).Msg("batch failed")
	return nil
}

// cleanupFailedArtists removes acquisition-manager artist entries created
// for failed downloads. Runs after both outcomes: a failed batch and a
// completed one that carried failed jobs. Best effort: errors are logged
// and ignored.
func (o *Orchestrator) cleanupFailedArtists(ctx context.Context, jobs []*store.DownloadJob) {
	seen := make(map[string]bool)
	for _, j := range jobs {
		if j.Status != store.JobFailed && j.Status != store.JobExhausted {
			continue
		}
		name := j.Metadata.ArtistName
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if o.artistWorthKeeping(ctx, name, jobs) {
			continue
		}
		if err := o.acquirer.RemoveDiscoveryArtist(ctx, name); err != nil {
			o.logger.Debug().Err(err).Str("artist", name).Msg("artist cleanup failed")
		}
	}
}

// artistWorthKeeping reports whether a failed-download artist should
// survive cleanup: another job in the batch succeeded for them, or the
// library holds an album of theirs that is liked or was not brought in
// by a discovery run.
func (o *Orchestrator) artistWorthKeeping(ctx context.Context, name string, jobs []*store.DownloadJob) bool {
	for _, j := range jobs {
		if j.Status == store.JobCompleted && j.Metadata.ArtistName == name {
			return true
		}
	}
	albums, err := o.store.ListAlbumsByArtist(ctx, name)
	if err != nil {
		return true // cleanup is best effort; keep on doubt
	}
	for _, a := range albums {
		if a.Liked || !a.DiscoveryTagged {
			return true
		}
	}
	return false
}

// BuildFinalPlaylist assembles the persisted playlist for a scanning
// batch: resolve downloaded albums against the library, pick one track
// per album, weave in familiar anchors, and upsert everything in one
// transaction. Idempotent: re-running replaces the same keyed rows.
func (o *Orchestrator) BuildFinalPlaylist(ctx context.Context, batchID string) error {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", batchID, err)
	}
	if batch.Status == store.BatchFailed {
		return nil
	}

	jobs, err := o.store.ListJobsByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list jobs for %s: %w", batchID, err)
	}

	index, err := o.libraryIndex(ctx)
	if err != nil {
		return err
	}

	var (
		results    []store.DiscoveryResult
		seenAlbums = make(map[string]bool)
		unresolved int
	)
	for _, j := range jobs {
		if j.Status != store.JobCompleted {
			continue
		}
		album := o.resolveLibraryAlbum(ctx, j.TargetMBID, j.Metadata.ArtistName, j.Metadata.AlbumName, index)
		if album == nil {
			// Import has not landed yet; the reconcile sweep backfills.
			unresolved++
			continue
		}
		if seenAlbums[album.ID] {
			continue
		}
		track := o.randomTrack(ctx, album.ID)
		if track == nil {
			unresolved++
			continue
		}
		seenAlbums[album.ID] = true
		results = append(results, o.discoveryResult(batch, j.Metadata, album, track, j.Metadata.LibraryAnchor))
	}

	results = append(results, o.anchorResults(ctx, batch, seenAlbums, len(results))...)

	if len(results) == 0 {
		return o.failBatch(ctx, batch, jobs, "no downloaded album was importable")
	}

	// Shuffle so anchors interleave with discoveries instead of trailing.
	o.mu.Lock()
	o.rng.Shuffle(len(results), func(i, j int) { results[i], results[j] = results[j], results[i] })
	o.mu.Unlock()

	trackCount := 0
	for _, r := range results {
		trackCount += len(r.Tracks)
	}
	now := o.now().UTC()
	batch.Status = store.BatchCompleted
	batch.FinalSongCount = trackCount
	batch.CompletedAt = &now
	batch.AppendLog("info", fmt.Sprintf("playlist assembled with %d tracks", trackCount))

	if err := o.store.UpsertDiscoveryResults(ctx, batch, results, o.cfg.ExclusionWindow); err != nil {
		return fmt.Errorf("persist playlist for %s: %w", batchID, err)
	}
	metrics.PlaylistTracks.Observe(float64(trackCount))
	metrics.ObserveBatchFinished(string(store.BatchCompleted), batch.CreatedAt)
	o.bus.PublishDiscoverComplete(events.NewDiscoverComplete(batch.ID, batch.UserID, batch.WeekStart, string(store.BatchCompleted), trackCount))
	if err := o.notifier.DiscoveryReady(ctx, batch.UserID, trackCount); err != nil {
		o.logger.Debug().Err(err).Msg("discovery notification failed")
	}

	// Artists whose downloads never landed leave an acquisition-manager
	// entry behind even on an otherwise successful batch.
	o.cleanupFailedArtists(ctx, jobs)

	o.logger.Info().
		Str("batch_id", batchID).
		Int("tracks", trackCount).
		Int("unresolved", unresolved).
		Msg("discovery playlist assembled")
	return nil
}

type libraryIndex struct {
	byKey map[string]*store.Album
}

func (o *Orchestrator) libraryIndex(ctx context.Context) (*libraryIndex, error) {
	albums, err := o.store.ListLibraryAlbums(ctx)
	if err != nil {
		return nil, fmt.Errorf("list library albums: %w", err)
	}
	idx := &libraryIndex{byKey: make(map[string]*store.Album, len(albums))}
	for _, a := range albums {
		idx.byKey[recommend.MatchKey(a.ArtistName, a.Title)] = a
	}
	return idx, nil
}

// resolveLibraryAlbum finds the imported library row for a downloaded
// album. Three passes, strictest first: canonical identifier, exact
// artist/title, then fuzzy normalized matching.
func (o *Orchestrator) resolveLibraryAlbum(ctx context.Context, mbid, artist, title string, idx *libraryIndex) *store.Album {
	if mbid != "" {
		if a, err := o.store.FindAlbumByMBID(ctx, mbid); err == nil {
			return a
		}
	}
	if a, err := o.store.FindAlbumByArtistTitle(ctx, artist, title); err == nil {
		return a
	}
	return idx.byKey[recommend.MatchKey(artist, title)]
}

func (o *Orchestrator) randomTrack(ctx context.Context, albumID string) *store.Track {
	tracks, err := o.store.ListTracksByAlbum(ctx, albumID)
	if err != nil || len(tracks) == 0 {
		return nil
	}
	return tracks[o.intn(len(tracks))]
}

func (o *Orchestrator) discoveryResult(batch *store.DiscoveryBatch, meta store.AcquisitionMetadata, album *store.Album, track *store.Track, anchor bool) store.DiscoveryResult {
	mbid := meta.AlbumMBID
	if mbid == "" {
		mbid = album.MBID
	}
	da := store.DiscoveryAlbum{
		ID:         uuid.New().String(),
		UserID:     batch.UserID,
		WeekStart:  batch.WeekStart,
		AlbumMBID:  mbid,
		ArtistName: album.ArtistName,
		AlbumName:  album.Title,
		Similarity: meta.Similarity,
		Tier:       meta.Tier,
		CreatedAt:  o.now().UTC(),
	}
	return store.DiscoveryResult{
		Album: da,
		Tracks: []store.DiscoveryTrack{{
			ID:      uuid.New().String(),
			TrackID: track.ID,
			Title:   track.Title,
			Anchor:  anchor,
		}},
	}
}

// anchorResults adds familiar library tracks, one fifth of the discovery
// set, preferring the user's seed artists and backfilling from anywhere
// in the library.
func (o *Orchestrator) anchorResults(ctx context.Context, batch *store.DiscoveryBatch, seenAlbums map[string]bool, discovered int) []store.DiscoveryResult {
	want := int(float64(discovered) * anchorShare)
	if want == 0 {
		return nil
	}

	var pool []*store.Album
	if seedNames, err := o.store.TopSeedArtists(ctx, batch.UserID, o.cfg.SeedArtistCount); err == nil && len(seedNames) > 0 {
		if albums, err := o.store.RandomLibraryAlbums(ctx, seedNames, want); err == nil {
			pool = albums
		}
	}
	if len(pool) < want {
		if albums, err := o.store.RandomLibraryAlbums(ctx, nil, want*2); err == nil {
			pool = append(pool, albums...)
		}
	}

	anchorMeta := store.AcquisitionMetadata{Similarity: 1, Tier: store.TierHigh, LibraryAnchor: true}
	var out []store.DiscoveryResult
	for _, a := range pool {
		if len(out) >= want {
			break
		}
		if seenAlbums[a.ID] {
			continue
		}
		track := o.randomTrack(ctx, a.ID)
		if track == nil {
			continue
		}
		seenAlbums[a.ID] = true
		meta := anchorMeta
		meta.AlbumMBID = a.MBID
		out = append(out, o.discoveryResult(batch, meta, a, track, true))
	}
	return out
}

// ReconcileDiscoveryTracks backfills playlist rows for albums whose
// import landed after their batch completed. Looks back over recently
// completed batches and resolves any completed job that never produced a
// discovery album.
func (o *Orchestrator) ReconcileDiscoveryTracks(ctx context.Context) error {
	batches, err := o.store.ListBatchesByStatus(ctx, store.BatchCompleted)
	if err != nil {
		return fmt.Errorf("list completed batches: %w", err)
	}
	cutoff := o.now().UTC().Add(-o.cfg.ReconcileLookback)

	var index *libraryIndex
	for _, b := range batches {
		if b.CompletedAt == nil || b.CompletedAt.Before(cutoff) {
			continue
		}
		existing, err := o.store.ListDiscoveryAlbums(ctx, b.UserID, b.WeekStart)
		if err != nil {
			return fmt.Errorf("list discovery albums: %w", err)
		}
		have := make(map[string]bool, len(existing))
		for _, da := range existing {
			have[da.AlbumMBID] = true
		}

		jobs, err := o.store.ListJobsByBatch(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("list jobs for %s: %w", b.ID, err)
		}
		for _, j := range jobs {
			if j.Status != store.JobCompleted || have[j.TargetMBID] {
				continue
			}
			if index == nil {
				if index, err = o.libraryIndex(ctx); err != nil {
					return err
				}
			}
			album := o.resolveLibraryAlbum(ctx, j.TargetMBID, j.Metadata.ArtistName, j.Metadata.AlbumName, index)
			if album == nil {
				continue
			}
			track := o.randomTrack(ctx, album.ID)
			if track == nil {
				continue
			}
			result := o.discoveryResult(b, j.Metadata, album, track, j.Metadata.LibraryAnchor)
			if err := o.store.UpsertDiscoveryResult(ctx, b.UserID, b.WeekStart, result); err != nil {
				return fmt.Errorf("reconcile %s: %w", j.TargetMBID, err)
			}
			o.logger.Info().
				Str("batch_id", b.ID).
				Str("album", j.Subject).
				Msg("late import reconciled into playlist")
		}
	}
	return nil
}
