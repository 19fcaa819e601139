// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// A migration carries the schema from version-1 to version, inside a single
// transaction. After each step the store is at a well-defined boundary, so
// partial application can never be observed.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, name: "interned paths and integer snapshot ids", apply: migrateV1},
}

// migrate brings the open database file to schemaVersion. A brand-new file
// gets the current schema directly; existing files are stepped through the
// ordered migration list.
func (c *Cache) migrate(ctx context.Context) error {
	version, fresh, err := c.detectVersion(ctx)
	if err != nil {
		return err
	}

	if fresh {
		c.log.Debug("creating cache schema", zap.String("path", c.path), zap.Int("version", schemaVersion))
		return c.withWriteTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
				return fmt.Errorf("cache: create schema: %w", err)
			}
			return setVersion(ctx, tx, schemaVersion)
		})
	}

	if version > schemaVersion {
		return &VersionError{Found: version, Current: schemaVersion}
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		c.log.Info("migrating cache schema",
			zap.Int("from", version),
			zap.Int("to", m.version),
			zap.String("step", m.name))
		err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
			if err := m.apply(ctx, tx); err != nil {
				return fmt.Errorf("cache: migration to version %d: %w", m.version, err)
			}
			return setVersion(ctx, tx, m.version)
		})
		if err != nil {
			return err
		}
		version = m.version
	}

	return nil
}

// detectVersion reads the stored schema version. A file with no tables at
// all is fresh; a file with tables but no metadata_integer is the legacy
// pre-versioning layout, treated as version 0.
func (c *Cache) detectVersion(ctx context.Context) (version int, fresh bool, err error) {
	var tables int
	err = c.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table'`).Scan(&tables)
	if err != nil {
		return 0, false, fmt.Errorf("cache: inspect schema: %w", err)
	}
	if tables == 0 {
		return 0, true, nil
	}

	var hasMetadata int
	err = c.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'metadata_integer'`).Scan(&hasMetadata)
	if err != nil {
		return 0, false, fmt.Errorf("cache: inspect schema: %w", err)
	}
	if hasMetadata == 0 {
		return 0, false, nil
	}

	err = c.db.QueryRowContext(ctx,
		`SELECT value FROM metadata_integer WHERE key = 'version'`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache: read schema version: %w", err)
	}
	return version, false, nil
}

func setVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO metadata_integer (key, value) VALUES ('version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, version)
	if err != nil {
		return fmt.Errorf("cache: record schema version %d: %w", version, err)
	}
	return nil
}

// migrateV1 replaces the legacy per-snapshot files/directories tables with
// the interned-path layout. Legacy entry data is discarded (the next sync
// re-ingests everything from the repository); marks survive verbatim.
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	drops := []string{
		`DROP INDEX IF EXISTS files_path`,
		`DROP INDEX IF EXISTS files_snapshot`,
		`DROP INDEX IF EXISTS directories_path`,
		`DROP INDEX IF EXISTS directories_snapshot`,
		`DROP TABLE IF EXISTS files`,
		`DROP TABLE IF EXISTS directories`,
		`DROP TABLE IF EXISTS snapshots`,
	}
	for _, stmt := range drops {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("drop legacy table: %w", err)
		}
	}

	// schemaV1 creates marks with IF NOT EXISTS, so a legacy marks table
	// passes through untouched.
	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
