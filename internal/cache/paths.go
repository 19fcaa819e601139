// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PathID identifies an interned path. IDs are stable for the life of a
// cache file.
type PathID int64

// RootID is the sentinel parent of all top-level components. It has no row
// in the paths table and resolves to "/".
const RootID PathID = 0

// querier is the common face of *sql.DB and *sql.Tx that the interner
// needs, so the same walk serves standalone calls and ingestion
// transactions.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Intern returns the path id for an absolute, slash-separated path,
// creating any missing ancestor links. Interning is idempotent: the same
// path always yields the same id.
func (c *Cache) Intern(ctx context.Context, path string) (PathID, error) {
	var id PathID
	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = intern(ctx, tx, path, nil)
		return err
	})
	return id, err
}

// intern walks the component chain from the root, upserting each missing
// (parent_id, component) edge. The upsert is keyed on the unique index, so
// concurrent inserts of overlapping prefixes converge to the same ids.
//
// seen, when non-nil, caches path -> id within one ingestion transaction.
func intern(ctx context.Context, q querier, path string, seen map[string]PathID) (PathID, error) {
	if seen != nil {
		if id, ok := seen[path]; ok {
			return id, nil
		}
	}

	parent := RootID
	components := splitPath(path)
	prefix := ""
	for _, component := range components {
		prefix += "/" + component
		if seen != nil {
			if id, ok := seen[prefix]; ok {
				parent = id
				continue
			}
		}

		var id PathID
		err := q.QueryRowContext(ctx, `
			INSERT INTO paths (parent_id, component) VALUES (?, ?)
			ON CONFLICT (parent_id, component) DO UPDATE SET component = excluded.component
			RETURNING id`, parent, component).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("cache: intern %q: %w", path, err)
		}

		if seen != nil {
			seen[prefix] = id
		}
		parent = id
	}

	return parent, nil
}

// LookupPath returns the id of an already-interned path without creating
// anything. Returns ErrPathNotFound if any component along the chain is
// missing.
func (c *Cache) LookupPath(ctx context.Context, path string) (PathID, error) {
	parent := RootID
	for _, component := range splitPath(path) {
		var id PathID
		err := c.db.QueryRowContext(ctx,
			`SELECT id FROM paths WHERE parent_id = ? AND component = ?`,
			parent, component).Scan(&id)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		if err != nil {
			return 0, fmt.Errorf("cache: look up %q: %w", path, err)
		}
		parent = id
	}
	return parent, nil
}

// Resolve reconstructs the absolute path string for an id by walking parent
// links to the root. The root itself resolves to "/".
func (c *Cache) Resolve(ctx context.Context, id PathID) (string, error) {
	if id == RootID {
		return "/", nil
	}

	var components []string
	for id != RootID {
		var parent PathID
		var component string
		err := c.db.QueryRowContext(ctx,
			`SELECT parent_id, component FROM paths WHERE id = ?`, id).
			Scan(&parent, &component)
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("%w: id %d", ErrPathNotFound, id)
		}
		if err != nil {
			return "", fmt.Errorf("cache: resolve id %d: %w", id, err)
		}
		components = append(components, component)
		id = parent
	}

	var b strings.Builder
	for i := len(components) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(components[i])
	}
	return b.String(), nil
}

// ParentOf returns the parent id of an interned path. The parent of a
// top-level component is RootID.
func (c *Cache) ParentOf(ctx context.Context, id PathID) (PathID, error) {
	if id == RootID {
		return RootID, nil
	}
	var parent PathID
	err := c.db.QueryRowContext(ctx,
		`SELECT parent_id FROM paths WHERE id = ?`, id).Scan(&parent)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: id %d", ErrPathNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("cache: parent of id %d: %w", id, err)
	}
	return parent, nil
}

// ChildrenOf returns the ids of all interned children of a path, in
// component order. Children are reported whether or not any snapshot still
// references them.
func (c *Cache) ChildrenOf(ctx context.Context, id PathID) ([]PathID, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id FROM paths WHERE parent_id = ? ORDER BY component`, id)
	if err != nil {
		return nil, fmt.Errorf("cache: children of id %d: %w", id, err)
	}
	defer rows.Close()

	var children []PathID
	for rows.Next() {
		var child PathID
		if err := rows.Scan(&child); err != nil {
			return nil, fmt.Errorf("cache: children of id %d: %w", id, err)
		}
		children = append(children, child)
	}
	return children, rows.Err()
}

// splitPath splits a slash-separated path into components, dropping empty
// and "." segments. Backslashes are normalized so marks and entries agree
// across platforms; restic itself always emits forward slashes.
func splitPath(path string) []string {
	path = strings.ReplaceAll(path, `\`, "/")

	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				part := path[start:i]
				if part != "." {
					parts = append(parts, part)
				}
			}
			start = i + 1
		}
	}
	return parts
}

// NormalizePath rewrites a user-supplied path into the canonical
// slash-separated absolute form used by the paths and marks tables.
func NormalizePath(path string) string {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}
