// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the persistent aggregation cache for a restic
// repository: every snapshot's file tree, flattened into a single SQLite
// file so that "what is taking space across all snapshots" can be answered
// without touching the repository again.
//
// # Data model
//
// The cache holds five tables (schema version 1):
//
//   - metadata_integer: schema bookkeeping, currently just "version"
//   - snapshots: one row per restic snapshot, keyed by its hash
//   - paths: interned path components as (parent_id, component) edges
//   - entries: (snapshot, path) -> size, one row per file or directory
//   - marks: user-selected absolute paths destined for an exclude list
//
// Paths form a tree rooted at the sentinel id 0; a full path string maps to
// exactly one path id because (parent_id, component) is unique. Directory
// sizes are stored as reported by restic, never recomputed.
//
// # Concurrency
//
// The store is single-writer, multi-reader. Write transactions are taken
// immediately (the writer lock is acquired at BEGIN) and serialized through
// an internal mutex so that concurrent ingestion workers never deadlock on
// a mid-transaction lock upgrade. Readers go straight to the WAL.
//
// The cache is derivable from the repository, so durability favors
// throughput: WAL journaling with synchronous=NORMAL.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Cache is a handle to one repository's aggregation cache file.
type Cache struct {
	db   *sql.DB
	path string
	log  *zap.Logger

	// writerMu serializes write transactions. SQLite allows only one
	// writer anyway; taking the lock in Go keeps waiting workers off the
	// busy-timeout path.
	writerMu sync.Mutex
}

// Option configures cache behavior.
type Option func(*options)

type options struct {
	log *zap.Logger
}

func defaultOptions() *options {
	return &options{
		log: zap.NewNop(),
	}
}

// WithLogger sets the logger used for migration and maintenance messages.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// Open opens the cache file at path, creating parent directories and the
// file itself as needed, and migrates the schema to the current version.
//
// A cache whose stored version is newer than this build understands is
// rejected with a VersionError rather than modified.
func Open(ctx context.Context, path string, opts ...Option) (*Cache, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("cache: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}

	c := &Cache{
		db:   db,
		path: path,
		log:  o.log,
	}

	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

// dsn builds the modernc.org/sqlite connection string. _txlock=immediate
// makes every explicit transaction take the writer lock at BEGIN; the
// pragmas select WAL with relaxed syncing per the durability policy.
func dsn(path string) string {
	return "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
}

// Path returns the cache file location.
func (c *Cache) Path() string {
	return c.path
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// withWriteTx runs fn inside a single immediate-mode write transaction,
// committing on nil and rolling back on error. All typed write operations
// go through here.
func (c *Cache) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit: %w", err)
	}
	return nil
}
