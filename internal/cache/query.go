// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DirEntry is one child in an aggregated directory listing.
type DirEntry struct {
	PathID    PathID
	Component string

	// MaxSize is the largest size this path had in any snapshot; Witness
	// is a snapshot realizing it. Ties go to the highest snapshot id so
	// listings are deterministic.
	MaxSize uint64
	Witness int64

	// IsDir is the logical OR across snapshots. In practice the type is
	// stable per path.
	IsDir bool

	// Marked reports whether the full resolved path is in the mark set.
	Marked bool
}

// ListDirectory aggregates all snapshots' entries under one parent: for
// each child path that appears in any snapshot, the maximum size across
// snapshots together with the witnessing snapshot. Results are sorted by
// size descending, component ascending on ties.
func (c *Cache) ListDirectory(ctx context.Context, parent PathID) ([]DirEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT p.id, p.component, e.snapshot_id, e.size, e.is_dir
		FROM paths p
		JOIN entries e ON e.path_id = p.id
		WHERE p.parent_id = ?`, parent)
	if err != nil {
		return nil, fmt.Errorf("cache: list directory %d: %w", parent, err)
	}
	defer rows.Close()

	byID := make(map[PathID]*DirEntry)
	for rows.Next() {
		var (
			id         PathID
			component  string
			snapshotID int64
			size       int64
			isDir      bool
		)
		if err := rows.Scan(&id, &component, &snapshotID, &size, &isDir); err != nil {
			return nil, fmt.Errorf("cache: list directory %d: %w", parent, err)
		}

		entry, ok := byID[id]
		if !ok {
			entry = &DirEntry{PathID: id, Component: component}
			byID[id] = entry
		}
		if uint64(size) > entry.MaxSize || (uint64(size) == entry.MaxSize && snapshotID > entry.Witness) {
			entry.MaxSize = uint64(size)
			entry.Witness = snapshotID
		}
		entry.IsDir = entry.IsDir || isDir
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: list directory %d: %w", parent, err)
	}

	if len(byID) == 0 {
		return nil, nil
	}

	marked, err := c.markSet(ctx)
	if err != nil {
		return nil, err
	}
	parentPath, err := c.Resolve(ctx, parent)
	if err != nil {
		return nil, err
	}
	// Root resolves to "/" which already ends in the separator.
	prefix := parentPath
	if prefix != "/" {
		prefix += "/"
	}

	listing := make([]DirEntry, 0, len(byID))
	for _, entry := range byID {
		_, entry.Marked = marked[prefix+entry.Component]
		listing = append(listing, *entry)
	}

	sort.Slice(listing, func(i, j int) bool {
		if listing[i].MaxSize != listing[j].MaxSize {
			return listing[i].MaxSize > listing[j].MaxSize
		}
		return listing[i].Component < listing[j].Component
	})
	return listing, nil
}

// SnapshotRef is a (snapshot id, hash, time) triple used in path details.
type SnapshotRef struct {
	ID   int64
	Hash string
	Time time.Time
}

// PathDetails describes one path's presence across snapshots.
type PathDetails struct {
	// First and Last are the snapshots with the earliest and latest time
	// containing the path.
	First SnapshotRef
	Last  SnapshotRef

	// MaxWitness is the snapshot realizing the maximum size.
	MaxWitness SnapshotRef
	MaxSize    uint64
}

// Details reports when a path first and last appeared and which snapshot
// witnessed its maximum size. Returns ErrPathNotFound if no snapshot
// contains the path.
func (c *Cache) Details(ctx context.Context, id PathID) (*PathDetails, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT s.id, s.hash, s.time, e.size
		FROM entries e
		JOIN snapshots s ON s.id = e.snapshot_id
		WHERE e.path_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("cache: details for id %d: %w", id, err)
	}
	defer rows.Close()

	var details *PathDetails
	for rows.Next() {
		var ref SnapshotRef
		var nanos, size int64
		if err := rows.Scan(&ref.ID, &ref.Hash, &nanos, &size); err != nil {
			return nil, fmt.Errorf("cache: details for id %d: %w", id, err)
		}
		ref.Time = time.Unix(0, nanos).UTC()

		if details == nil {
			details = &PathDetails{
				First:      ref,
				Last:       ref,
				MaxWitness: ref,
				MaxSize:    uint64(size),
			}
			continue
		}
		if ref.Time.Before(details.First.Time) {
			details.First = ref
		}
		if ref.Time.After(details.Last.Time) {
			details.Last = ref
		}
		if uint64(size) > details.MaxSize ||
			(uint64(size) == details.MaxSize && ref.ID > details.MaxWitness.ID) {
			details.MaxSize = uint64(size)
			details.MaxWitness = ref
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: details for id %d: %w", id, err)
	}
	if details == nil {
		return nil, fmt.Errorf("%w: id %d", ErrPathNotFound, id)
	}
	return details, nil
}
