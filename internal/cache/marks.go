// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"database/sql"
	"fmt"
	"io"
)

// Marks are orthogonal to snapshots: deleting snapshots, rebuilding the
// cache, or migrating the schema never touches them. Paths are stored in
// the canonical slash-separated absolute form.

// Marks returns the mark set in unspecified order.
func (c *Cache) Marks(ctx context.Context) ([]string, error) {
	return c.queryMarks(ctx, `SELECT path FROM marks`)
}

// SortedMarks returns the mark set in ascending lexicographic order, the
// order the exclude-list emitter uses.
func (c *Cache) SortedMarks(ctx context.Context) ([]string, error) {
	return c.queryMarks(ctx, `SELECT path FROM marks ORDER BY path`)
}

func (c *Cache) queryMarks(ctx context.Context, query string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("cache: list marks: %w", err)
	}
	defer rows.Close()

	var marks []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("cache: list marks: %w", err)
		}
		marks = append(marks, path)
	}
	return marks, rows.Err()
}

func (c *Cache) markSet(ctx context.Context) (map[string]struct{}, error) {
	marks, err := c.Marks(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(marks))
	for _, m := range marks {
		set[m] = struct{}{}
	}
	return set, nil
}

// Mark adds an absolute path to the mark set. Idempotent.
func (c *Cache) Mark(ctx context.Context, path string) error {
	return c.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO marks (path) VALUES (?) ON CONFLICT (path) DO NOTHING`,
			NormalizePath(path))
		if err != nil {
			return fmt.Errorf("cache: mark %q: %w", path, err)
		}
		return nil
	})
}

// Unmark removes a path from the mark set. Idempotent.
func (c *Cache) Unmark(ctx context.Context, path string) error {
	return c.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM marks WHERE path = ?`, NormalizePath(path))
		if err != nil {
			return fmt.Errorf("cache: unmark %q: %w", path, err)
		}
		return nil
	})
}

// IsMarked reports whether a path is in the mark set.
func (c *Cache) IsMarked(ctx context.Context, path string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT count(*) FROM marks WHERE path = ?`, NormalizePath(path)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("cache: check mark %q: %w", path, err)
	}
	return n > 0, nil
}

// ClearMarks removes every mark.
func (c *Cache) ClearMarks(ctx context.Context) error {
	return c.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM marks`); err != nil {
			return fmt.Errorf("cache: clear marks: %w", err)
		}
		return nil
	})
}

// EmitMarks writes the sorted mark set to w, one absolute path per line,
// newline-terminated. The output is exactly a restic exclude file.
func (c *Cache) EmitMarks(ctx context.Context, w io.Writer) error {
	marks, err := c.SortedMarks(ctx)
	if err != nil {
		return err
	}
	for _, mark := range marks {
		if _, err := io.WriteString(w, mark+"\n"); err != nil {
			return fmt.Errorf("cache: emit marks: %w", err)
		}
	}
	return nil
}
