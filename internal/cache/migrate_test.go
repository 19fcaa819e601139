// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

// seedLegacyCache writes the pre-versioning layout: per-snapshot files and
// directories tables keyed by text snapshot ids, no metadata table.
func seedLegacyCache(t *testing.T, path string) {
	t.Helper()

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	defer db.Close()

	const legacy = `
		CREATE TABLE snapshots (id TEXT PRIMARY KEY, time TEXT);
		CREATE TABLE files (snapshot_id TEXT, path TEXT, size INTEGER);
		CREATE TABLE directories (snapshot_id TEXT, path TEXT, size INTEGER);
		CREATE INDEX files_snapshot ON files (snapshot_id);
		CREATE INDEX directories_snapshot ON directories (snapshot_id);
		CREATE TABLE marks (path TEXT PRIMARY KEY);

		INSERT INTO snapshots VALUES ('deadbeef', '2024-01-01T00:00:00Z');
		INSERT INTO files VALUES ('deadbeef', '/a/x', 10);
		INSERT INTO directories VALUES ('deadbeef', '/a', 10);
		INSERT INTO marks VALUES ('/a/x');
		INSERT INTO marks VALUES ('/old/junk');
	`
	if _, err := db.Exec(legacy); err != nil {
		t.Fatalf("seed legacy schema: %v", err)
	}
}

// =============================================================================
// Migration
// =============================================================================

func TestMigrate_FreshCache(t *testing.T) {
	c := openTestCache(t)

	version, fresh, err := c.detectVersion(context.Background())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if fresh {
		t.Error("opened cache still reports fresh")
	}
	if version != schemaVersion {
		t.Errorf("version = %d, want %d", version, schemaVersion)
	}
}

func TestMigrate_FromLegacy(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cache.db"
	ctx := context.Background()

	seedLegacyCache(t, path)

	c, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open legacy cache: %v", err)
	}
	defer c.Close()

	// Legacy entry data is discarded; the next sync re-ingests.
	hashes, err := c.SnapshotHashes(ctx)
	if err != nil {
		t.Fatalf("hashes: %v", err)
	}
	if len(hashes) != 0 {
		t.Errorf("legacy snapshots survived: %v", hashes)
	}
	listing, err := c.ListDirectory(ctx, RootID)
	if err != nil {
		t.Fatalf("list root: %v", err)
	}
	if len(listing) != 0 {
		t.Errorf("legacy entries survived: %+v", listing)
	}

	// Marks survive verbatim.
	marks, err := c.SortedMarks(ctx)
	if err != nil {
		t.Fatalf("marks: %v", err)
	}
	if len(marks) != 2 || marks[0] != "/a/x" || marks[1] != "/old/junk" {
		t.Errorf("marks after migration = %v", marks)
	}

	// Legacy tables are gone.
	var legacyTables int
	err = c.db.QueryRow(`
		SELECT count(*) FROM sqlite_master
		WHERE type = 'table' AND name IN ('files', 'directories')`).Scan(&legacyTables)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if legacyTables != 0 {
		t.Errorf("%d legacy tables remain", legacyTables)
	}

	// And the migrated cache ingests normally.
	if err := c.Ingest(ctx, testSnapshot("s1", time.Now().UTC()), sliceSource([]Entry{
		{Path: "/a/x", Size: 10},
	})); err != nil {
		t.Errorf("ingest after migration: %v", err)
	}
}

func TestMigrate_CurrentIsNoOp(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cache.db"
	ctx := context.Background()

	c, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Mark(ctx, "/a"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	c.Close()

	// Reopening an up-to-date cache must neither fail nor lose state.
	c, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()

	marks, err := c.Marks(ctx)
	if err != nil {
		t.Fatalf("marks: %v", err)
	}
	if len(marks) != 1 {
		t.Errorf("marks = %v", marks)
	}
}

func TestMigrate_FutureVersionRejected(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cache.db"
	ctx := context.Background()

	c, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := c.db.Exec(
		`UPDATE metadata_integer SET value = ? WHERE key = 'version'`,
		schemaVersion+7); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	c.Close()

	_, err = Open(ctx, path)
	if !errors.Is(err, ErrFutureVersion) {
		t.Fatalf("open future cache: %v, want ErrFutureVersion", err)
	}
	var verr *VersionError
	if !errors.As(err, &verr) {
		t.Fatalf("error is not a *VersionError: %v", err)
	}
	if verr.Found != schemaVersion+7 || verr.Current != schemaVersion {
		t.Errorf("version error = %+v", verr)
	}
}
