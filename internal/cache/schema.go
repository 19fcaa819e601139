// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cache

// schemaVersion is the version written by this build. Opening a file with a
// higher stored version fails; lower versions are migrated in order.
const schemaVersion = 1

// schemaV1 is the full current layout, applied in one transaction when the
// cache file is brand new.
//
// entries is WITHOUT ROWID: the (snapshot_id, path_id) primary key doubles
// as the deletion index, and the explicit path_id index serves the
// aggregation and details queries.
const schemaV1 = `
CREATE TABLE metadata_integer (
    key   TEXT PRIMARY KEY,
    value INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE snapshots (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    hash            TEXT NOT NULL UNIQUE,
    time            INTEGER NOT NULL,
    tree            TEXT NOT NULL,
    hostname        TEXT NOT NULL DEFAULT '',
    username        TEXT NOT NULL DEFAULT '',
    uid             INTEGER NOT NULL DEFAULT 0,
    gid             INTEGER NOT NULL DEFAULT 0,
    original_id     TEXT NOT NULL DEFAULT '',
    program_version TEXT NOT NULL DEFAULT '',
    tags            BLOB NOT NULL,
    paths           BLOB NOT NULL,
    excludes        BLOB NOT NULL
);

CREATE TABLE paths (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_id INTEGER NOT NULL,
    component TEXT NOT NULL,
    UNIQUE (parent_id, component)
);

CREATE TABLE entries (
    snapshot_id INTEGER NOT NULL REFERENCES snapshots (id) ON DELETE CASCADE,
    path_id     INTEGER NOT NULL,
    size        INTEGER NOT NULL CHECK (size >= 0),
    is_dir      INTEGER NOT NULL,
    PRIMARY KEY (snapshot_id, path_id)
) WITHOUT ROWID;

CREATE INDEX entries_path_id ON entries (path_id);

CREATE TABLE IF NOT EXISTS marks (
    path TEXT PRIMARY KEY
) WITHOUT ROWID;
`
