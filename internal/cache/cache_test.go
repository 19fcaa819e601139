// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testSnapshot(hash string, at time.Time) *Snapshot {
	return &Snapshot{
		Hash:           hash,
		Time:           at,
		Tree:           "tree-" + hash,
		Hostname:       "host",
		Username:       "user",
		UID:            1000,
		GID:            1000,
		ProgramVersion: "restic 0.17.0",
		Tags:           []string{"nightly"},
		Paths:          []string{"/"},
	}
}

// sliceSource adapts a fixed entry list to an EntrySource.
func sliceSource(entries []Entry) EntrySource {
	return func(yield func(Entry) error) error {
		for _, e := range entries {
			if err := yield(e); err != nil {
				return err
			}
		}
		return nil
	}
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// Snapshot CRUD
// =============================================================================

func TestPutSnapshot_RoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	want := testSnapshot("aaaa", t0)
	want.Excludes = []string{"*.tmp", "/proc"}
	id, err := c.PutSnapshot(ctx, want)
	if err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	got, err := c.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if got.Hash != want.Hash || !got.Time.Equal(want.Time) || got.Tree != want.Tree {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.Hostname != "host" || got.Username != "user" || got.UID != 1000 || got.GID != 1000 {
		t.Errorf("identity fields wrong: %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "nightly" {
		t.Errorf("tags = %v, want [nightly]", got.Tags)
	}
	if len(got.Excludes) != 2 || got.Excludes[0] != "*.tmp" {
		t.Errorf("excludes = %v", got.Excludes)
	}
}

func TestPutSnapshot_DuplicateHash(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if _, err := c.PutSnapshot(ctx, testSnapshot("aaaa", t0)); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	_, err := c.PutSnapshot(ctx, testSnapshot("aaaa", t0.Add(time.Hour)))
	if !errors.Is(err, ErrDuplicateSnapshot) {
		t.Errorf("second put: %v, want ErrDuplicateSnapshot", err)
	}
}

func TestSnapshotHashes(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	for _, hash := range []string{"aaaa", "bbbb"} {
		if _, err := c.PutSnapshot(ctx, testSnapshot(hash, t0)); err != nil {
			t.Fatalf("put %s: %v", hash, err)
		}
	}

	hashes, err := c.SnapshotHashes(ctx)
	if err != nil {
		t.Fatalf("hashes: %v", err)
	}
	if len(hashes) != 2 {
		t.Fatalf("got %d hashes, want 2", len(hashes))
	}
	for _, hash := range []string{"aaaa", "bbbb"} {
		if _, ok := hashes[hash]; !ok {
			t.Errorf("missing hash %s", hash)
		}
	}
}

// =============================================================================
// Ingestion
// =============================================================================

func TestIngest_SingleSnapshot(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	err := c.Ingest(ctx, testSnapshot("s1", t0), sliceSource([]Entry{
		{Path: "/a", Size: 30, IsDir: true},
		{Path: "/a/x", Size: 10},
		{Path: "/a/y", Size: 20},
	}))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	root, err := c.ListDirectory(ctx, RootID)
	if err != nil {
		t.Fatalf("list root: %v", err)
	}
	if len(root) != 1 || root[0].Component != "a" || root[0].MaxSize != 30 || !root[0].IsDir {
		t.Fatalf("root listing = %+v, want single dir a size 30", root)
	}

	listing, err := c.ListDirectory(ctx, root[0].PathID)
	if err != nil {
		t.Fatalf("list /a: %v", err)
	}
	if len(listing) != 2 {
		t.Fatalf("got %d children, want 2", len(listing))
	}
	// Sorted by size descending.
	if listing[0].Component != "y" || listing[0].MaxSize != 20 {
		t.Errorf("first child = %+v, want y size 20", listing[0])
	}
	if listing[1].Component != "x" || listing[1].MaxSize != 10 {
		t.Errorf("second child = %+v, want x size 10", listing[1])
	}
}

func TestIngest_Atomicity(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	boom := errors.New("stream broke")
	err := c.Ingest(ctx, testSnapshot("s1", t0), func(yield func(Entry) error) error {
		if err := yield(Entry{Path: "/a/x", Size: 10}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("ingest error = %v, want the stream error", err)
	}

	// The snapshot row and all its entries must be gone.
	hashes, err := c.SnapshotHashes(ctx)
	if err != nil {
		t.Fatalf("hashes: %v", err)
	}
	if len(hashes) != 0 {
		t.Errorf("snapshot row survived a failed ingest: %v", hashes)
	}
	var entryRows int
	if err := c.db.QueryRow(`SELECT count(*) FROM entries`).Scan(&entryRows); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if entryRows != 0 {
		t.Errorf("%d entry rows survived a failed ingest", entryRows)
	}

	// No referential dangling: any surviving path rows chain to the root.
	rows, err := c.db.Query(`
		SELECT p.id FROM paths p
		WHERE p.parent_id != 0
		  AND NOT EXISTS (SELECT 1 FROM paths q WHERE q.id = p.parent_id)`)
	if err != nil {
		t.Fatalf("query orphans: %v", err)
	}
	defer rows.Close()
	if rows.Next() {
		t.Error("found path row with missing parent")
	}
}

func TestIngest_DuplicateHash(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	entries := []Entry{{Path: "/a", Size: 1, IsDir: true}}
	if err := c.Ingest(ctx, testSnapshot("s1", t0), sliceSource(entries)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	err := c.Ingest(ctx, testSnapshot("s1", t0), sliceSource(entries))
	if !errors.Is(err, ErrDuplicateSnapshot) {
		t.Errorf("second ingest: %v, want ErrDuplicateSnapshot", err)
	}
}

func TestAppendEntries_MissingSnapshot(t *testing.T) {
	c := openTestCache(t)

	err := c.AppendEntries(context.Background(), 42, sliceSource(nil))
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("append to missing snapshot: %v, want ErrSnapshotNotFound", err)
	}
}

// =============================================================================
// Deletion
// =============================================================================

func TestDeleteSnapshot_CascadesToEntries(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if err := c.Ingest(ctx, testSnapshot("s1", t0), sliceSource([]Entry{
		{Path: "/a", Size: 10, IsDir: true},
		{Path: "/a/x", Size: 10},
	})); err != nil {
		t.Fatalf("ingest s1: %v", err)
	}
	if err := c.Ingest(ctx, testSnapshot("s2", t0.Add(time.Hour)), sliceSource([]Entry{
		{Path: "/a", Size: 25, IsDir: true},
		{Path: "/a/x", Size: 25},
	})); err != nil {
		t.Fatalf("ingest s2: %v", err)
	}
	if err := c.Mark(ctx, "/a/x"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	if err := c.DeleteSnapshotByHash(ctx, "s1"); err != nil {
		t.Fatalf("delete s1: %v", err)
	}

	// Only s2's entries remain visible.
	root, err := c.ListDirectory(ctx, RootID)
	if err != nil {
		t.Fatalf("list root: %v", err)
	}
	if len(root) != 1 || root[0].MaxSize != 25 {
		t.Errorf("root listing = %+v, want /a at 25", root)
	}

	var entryRows int
	if err := c.db.QueryRow(`SELECT count(*) FROM entries`).Scan(&entryRows); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if entryRows != 2 {
		t.Errorf("%d entry rows after delete, want 2", entryRows)
	}

	// Marks are orthogonal to snapshot lifecycle.
	marks, err := c.Marks(ctx)
	if err != nil {
		t.Fatalf("marks: %v", err)
	}
	if len(marks) != 1 || marks[0] != "/a/x" {
		t.Errorf("marks = %v, want [/a/x]", marks)
	}
}

func TestDeleteSnapshot_NotFound(t *testing.T) {
	c := openTestCache(t)

	if err := c.DeleteSnapshotByHash(context.Background(), "missing"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("delete missing: %v, want ErrSnapshotNotFound", err)
	}
}
