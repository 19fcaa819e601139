// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package ingest synchronizes the aggregation cache with the repository:
// it reconciles the snapshot sets on both sides, deletes cached snapshots
// the repository no longer has, and fans out a bounded pool of workers to
// stream and ingest the missing ones.
//
// Each snapshot is ingested in a single cache transaction, so an observer
// sees either none or all of its entries. Worker failures are isolated per
// snapshot; only store-level and list-snapshots failures abort the run.
package ingest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/strongdm/resticdu/internal/cache"
	"github.com/strongdm/resticdu/internal/restic"
)

// DefaultWorkers is the default ingestion concurrency.
const DefaultWorkers = 4

// tickInterval is how many streamed entries pass between progress ticks.
const tickInterval = 1024

// Store is the slice of the cache the engine writes through.
type Store interface {
	SnapshotHashes(ctx context.Context) (map[string]struct{}, error)
	DeleteSnapshotByHash(ctx context.Context, hash string) error
	Ingest(ctx context.Context, snap *cache.Snapshot, source cache.EntrySource) error
}

// Repo is the external-tool capability set the engine drives: list the
// snapshots, stream one snapshot's entries.
type Repo interface {
	Snapshots(ctx context.Context) ([]restic.Snapshot, error)
	StreamEntries(ctx context.Context, snapshotID string, fn func(restic.Node) error) error
}

// Engine reconciles and ingests.
type Engine struct {
	store    Store
	repo     Repo
	workers  int
	log      *zap.Logger
	progress Progress
}

// Option configures the engine.
type Option func(*Engine)

// WithWorkers bounds ingestion concurrency. Values below 1 are clamped.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.workers = n
	}
}

// WithLogger sets the engine logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithProgress sets the progress sink.
func WithProgress(p Progress) Option {
	return func(e *Engine) {
		e.progress = p
	}
}

// New returns an engine writing through store and reading from repo.
func New(store Store, repo Repo, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		repo:     repo,
		workers:  DefaultWorkers,
		log:      zap.NewNop(),
		progress: NopProgress{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SnapshotError records one snapshot that failed to ingest.
type SnapshotError struct {
	Hash string
	Err  error
}

func (e *SnapshotError) Error() string {
	return "snapshot " + e.Hash + ": " + e.Err.Error()
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// RunResult summarizes one sync run.
type RunResult struct {
	// RunID correlates log lines and progress callbacks of one run.
	RunID uuid.UUID

	// Added and Deleted count snapshots reconciled this run.
	Added   int
	Deleted int

	// Entries is the total number of entries streamed this run. It
	// includes entries of snapshots that were abandoned and rolled back.
	Entries int64

	// Failed lists snapshots abandoned due to subprocess, parse, or
	// duplicate-hash failures. The rest of the run is unaffected by them.
	Failed []*SnapshotError
}

// Run reconciles the cache with the repository. It returns an error only
// for run-fatal conditions: the snapshot listing failed, the store failed,
// or the context was canceled. Per-snapshot failures are reported in the
// result instead.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	result := &RunResult{RunID: uuid.New()}
	log := e.log.With(zap.String("run", result.RunID.String()))

	repoSnapshots, err := e.repo.Snapshots(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list repository snapshots")
	}
	cached, err := e.store.SnapshotHashes(ctx)
	if err != nil {
		return nil, err
	}

	toDelete, toAdd := reconcile(repoSnapshots, cached)
	log.Info("reconciled snapshot sets",
		zap.Int("repository", len(repoSnapshots)),
		zap.Int("cached", len(cached)),
		zap.Int("add", len(toAdd)),
		zap.Int("delete", len(toDelete)))

	// Deletions first, so the in-progress cache never holds a snapshot
	// the repository has already forgotten.
	for _, hash := range toDelete {
		if err := e.store.DeleteSnapshotByHash(ctx, hash); err != nil {
			return result, err
		}
		result.Deleted++
	}

	var entryCount atomic.Int64
	var failures failureList

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, snap := range toAdd {
		g.Go(func() error {
			err := e.ingestOne(gctx, snap, &entryCount)
			e.progress.SnapshotFinished(snap.ID, err)
			switch {
			case err == nil:
				return nil
			case gctx.Err() != nil:
				return gctx.Err()
			case isSnapshotLocal(err):
				log.Warn("snapshot abandoned",
					zap.String("snapshot", snap.ID),
					zap.Error(err))
				failures.append(&SnapshotError{Hash: snap.ID, Err: err})
				return nil
			default:
				// Store-level failure: tear the run down.
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	result.Failed = failures.take()
	result.Added = len(toAdd) - len(result.Failed)
	result.Entries = entryCount.Load()
	log.Info("sync complete",
		zap.Int("added", result.Added),
		zap.Int("deleted", result.Deleted),
		zap.Int64("entries", result.Entries),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

// ingestOne streams one snapshot through a single cache transaction.
func (e *Engine) ingestOne(ctx context.Context, snap restic.Snapshot, entryCount *atomic.Int64) error {
	e.progress.SnapshotStarted(snap.ID)

	source := func(yield func(cache.Entry) error) error {
		var yieldErr error
		streamErr := e.repo.StreamEntries(ctx, snap.ID, func(node restic.Node) error {
			if err := yield(cache.Entry{
				Path:  node.Path,
				Size:  node.Size,
				IsDir: node.IsDir(),
			}); err != nil {
				yieldErr = err
				return err
			}
			if n := entryCount.Add(1); n%tickInterval == 0 {
				e.progress.Tick(n)
			}
			return nil
		})
		if yieldErr != nil {
			// A store error surfaced through the stream callback;
			// it must stay recognizable as store-level.
			return yieldErr
		}
		if streamErr != nil {
			return &streamError{err: streamErr}
		}
		return nil
	}

	return e.store.Ingest(ctx, toCacheSnapshot(snap), source)
}

// failureList collects per-snapshot failures from concurrent workers.
type failureList struct {
	mu   sync.Mutex
	errs []*SnapshotError
}

func (l *failureList) append(err *SnapshotError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *failureList) take() []*SnapshotError {
	l.mu.Lock()
	defer l.mu.Unlock()
	sort.Slice(l.errs, func(i, j int) bool { return l.errs[i].Hash < l.errs[j].Hash })
	return l.errs
}

// streamError tags subprocess and parse failures so Run can tell them
// apart from store failures: the former abandon one snapshot, the latter
// abort the run.
type streamError struct {
	err error
}

func (e *streamError) Error() string {
	return e.err.Error()
}

func (e *streamError) Unwrap() error {
	return e.err
}

// isSnapshotLocal reports whether an ingest error is confined to its own
// snapshot.
func isSnapshotLocal(err error) bool {
	var se *streamError
	if errors.As(err, &se) {
		return true
	}
	return errors.Is(err, cache.ErrDuplicateSnapshot)
}

func toCacheSnapshot(snap restic.Snapshot) *cache.Snapshot {
	return &cache.Snapshot{
		Hash:           snap.ID,
		Time:           snap.Time,
		Tree:           snap.Tree,
		Hostname:       snap.Hostname,
		Username:       snap.Username,
		UID:            snap.UID,
		GID:            snap.GID,
		OriginalID:     snap.OriginalID,
		ProgramVersion: snap.ProgramVersion,
		Tags:           snap.Tags,
		Paths:          snap.Paths,
		Excludes:       snap.Excludes,
	}
}

// reconcile computes the symmetric difference between the repository's
// snapshots and the cached hashes. Both sides are returned sorted so runs
// are deterministic.
func reconcile(repoSnapshots []restic.Snapshot, cached map[string]struct{}) (toDelete []string, toAdd []restic.Snapshot) {
	inRepo := make(map[string]struct{}, len(repoSnapshots))
	for _, snap := range repoSnapshots {
		inRepo[snap.ID] = struct{}{}
		if _, ok := cached[snap.ID]; !ok {
			toAdd = append(toAdd, snap)
		}
	}
	for hash := range cached {
		if _, ok := inRepo[hash]; !ok {
			toDelete = append(toDelete, hash)
		}
	}

	sort.Strings(toDelete)
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].ID < toAdd[j].ID })
	return toDelete, toAdd
}
