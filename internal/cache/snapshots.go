// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Snapshot is the cached metadata of one restic snapshot. ID is assigned by
// the cache and is internal; Hash is the external identity.
type Snapshot struct {
	ID             int64
	Hash           string
	Time           time.Time
	Tree           string
	Hostname       string
	Username       string
	UID            uint32
	GID            uint32
	OriginalID     string
	ProgramVersion string
	Tags           []string
	Paths          []string
	Excludes       []string
}

// Entry is one fact to ingest: this path existed in the snapshot with this
// size. Directories carry the recursive byte sum reported by restic.
type Entry struct {
	Path  string
	Size  uint64
	IsDir bool
}

// EntrySource streams entries into an ingestion transaction. The source
// calls yield once per entry and stops on the first yield error.
type EntrySource func(yield func(Entry) error) error

// PutSnapshot inserts a snapshot row in its own transaction and returns the
// assigned id. Fails with ErrDuplicateSnapshot if the hash is already
// cached.
func (c *Cache) PutSnapshot(ctx context.Context, snap *Snapshot) (int64, error) {
	var id int64
	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = putSnapshot(ctx, tx, snap)
		return err
	})
	return id, err
}

func putSnapshot(ctx context.Context, tx *sql.Tx, snap *Snapshot) (int64, error) {
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM snapshots WHERE hash = ?`, snap.Hash).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("cache: put snapshot %s: %w", snap.Hash, err)
	}
	if exists > 0 {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateSnapshot, snap.Hash)
	}

	tags, err := encodeStrings(snap.Tags)
	if err != nil {
		return 0, fmt.Errorf("cache: encode tags: %w", err)
	}
	paths, err := encodeStrings(snap.Paths)
	if err != nil {
		return 0, fmt.Errorf("cache: encode paths: %w", err)
	}
	excludes, err := encodeStrings(snap.Excludes)
	if err != nil {
		return 0, fmt.Errorf("cache: encode excludes: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots
			(hash, time, tree, hostname, username, uid, gid,
			 original_id, program_version, tags, paths, excludes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Hash, snap.Time.UnixNano(), snap.Tree, snap.Hostname, snap.Username,
		snap.UID, snap.GID, snap.OriginalID, snap.ProgramVersion,
		tags, paths, excludes)
	if err != nil {
		return 0, fmt.Errorf("cache: put snapshot %s: %w", snap.Hash, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("cache: put snapshot %s: %w", snap.Hash, err)
	}
	return id, nil
}

// Snapshots returns all cached snapshots ordered by time, then id.
func (c *Cache) Snapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, hash, time, tree, hostname, username, uid, gid,
		       original_id, program_version, tags, paths, excludes
		FROM snapshots ORDER BY time, id`)
	if err != nil {
		return nil, fmt.Errorf("cache: list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// GetSnapshot returns one cached snapshot by internal id.
func (c *Cache) GetSnapshot(ctx context.Context, id int64) (*Snapshot, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, hash, time, tree, hostname, username, uid, gid,
		       original_id, program_version, tags, paths, excludes
		FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("cache: get snapshot %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("cache: get snapshot %d: %w", id, err)
		}
		return nil, fmt.Errorf("%w: id %d", ErrSnapshotNotFound, id)
	}
	return scanSnapshot(rows)
}

func scanSnapshot(rows *sql.Rows) (*Snapshot, error) {
	var snap Snapshot
	var nanos int64
	var tags, paths, excludes []byte
	err := rows.Scan(&snap.ID, &snap.Hash, &nanos, &snap.Tree,
		&snap.Hostname, &snap.Username, &snap.UID, &snap.GID,
		&snap.OriginalID, &snap.ProgramVersion, &tags, &paths, &excludes)
	if err != nil {
		return nil, fmt.Errorf("cache: scan snapshot: %w", err)
	}
	snap.Time = time.Unix(0, nanos).UTC()
	if snap.Tags, err = decodeStrings(tags); err != nil {
		return nil, fmt.Errorf("cache: decode tags: %w", err)
	}
	if snap.Paths, err = decodeStrings(paths); err != nil {
		return nil, fmt.Errorf("cache: decode paths: %w", err)
	}
	if snap.Excludes, err = decodeStrings(excludes); err != nil {
		return nil, fmt.Errorf("cache: decode excludes: %w", err)
	}
	return &snap, nil
}

// SnapshotHashes returns the set of snapshot hashes currently cached.
func (c *Cache) SnapshotHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT hash FROM snapshots`)
	if err != nil {
		return nil, fmt.Errorf("cache: list snapshot hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]struct{})
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("cache: list snapshot hashes: %w", err)
		}
		hashes[hash] = struct{}{}
	}
	return hashes, rows.Err()
}

// DeleteSnapshot removes a snapshot and all its entries. Interned paths are
// left in place (they stay addressable and may be reused); marks are never
// touched.
func (c *Cache) DeleteSnapshot(ctx context.Context, id int64) error {
	return c.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("cache: delete snapshot %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: id %d", ErrSnapshotNotFound, id)
		}
		return nil
	})
}

// DeleteSnapshotByHash removes a snapshot by its repository hash.
func (c *Cache) DeleteSnapshotByHash(ctx context.Context, hash string) error {
	return c.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE hash = ?`, hash)
		if err != nil {
			return fmt.Errorf("cache: delete snapshot %s: %w", hash, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, hash)
		}
		return nil
	})
}

// Ingest atomically inserts a snapshot row plus every entry produced by the
// source: either the whole snapshot becomes durable or none of it. Paths
// interned before a failure may remain; they dangle nothing.
func (c *Cache) Ingest(ctx context.Context, snap *Snapshot, source EntrySource) error {
	return c.withWriteTx(ctx, func(tx *sql.Tx) error {
		id, err := putSnapshot(ctx, tx, snap)
		if err != nil {
			return err
		}
		return appendEntries(ctx, tx, id, source)
	})
}

// AppendEntries adds entries to an existing snapshot in one transaction,
// interning paths as needed. Failure rolls back every change made by this
// call.
func (c *Cache) AppendEntries(ctx context.Context, snapshotID int64, source EntrySource) error {
	return c.withWriteTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM snapshots WHERE id = ?`, snapshotID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("cache: append entries: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: id %d", ErrSnapshotNotFound, snapshotID)
		}
		return appendEntries(ctx, tx, snapshotID, source)
	})
}

func appendEntries(ctx context.Context, tx *sql.Tx, snapshotID int64, source EntrySource) error {
	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (snapshot_id, path_id, size, is_dir)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (snapshot_id, path_id) DO UPDATE SET
			size = excluded.size, is_dir = excluded.is_dir`)
	if err != nil {
		return fmt.Errorf("cache: prepare entry insert: %w", err)
	}
	defer insert.Close()

	seen := make(map[string]PathID)
	return source(func(e Entry) error {
		id, err := intern(ctx, tx, e.Path, seen)
		if err != nil {
			return err
		}
		if _, err := insert.ExecContext(ctx, snapshotID, id, int64(e.Size), e.IsDir); err != nil {
			return fmt.Errorf("cache: insert entry %q: %w", e.Path, err)
		}
		return nil
	})
}
