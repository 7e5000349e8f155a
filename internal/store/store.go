// Package store provides the SQLite-backed persistence for the engine:
// the hash cache, the task queue rows, and dedupe scan results. A single
// database file lives in the app data directory.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS hash_cache (
	side     TEXT NOT NULL CHECK (side IN ('local', 'lake')),
	relpath  TEXT NOT NULL,
	size     INTEGER NOT NULL,
	mtime_ns INTEGER NOT NULL,
	hash     TEXT NOT NULL,
	computed_at TEXT NOT NULL,
	PRIMARY KEY (side, relpath)
);
CREATE INDEX IF NOT EXISTS idx_hash_cache_hash ON hash_cache(hash);
CREATE INDEX IF NOT EXISTS idx_hash_cache_size ON hash_cache(side, size);

CREATE TABLE IF NOT EXISTS queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_type TEXT NOT NULL CHECK (task_type IN ('copy', 'delete', 'verify', 'hash_file', 'dedupe_scan')),
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
	src_side TEXT,
	src_relpath TEXT,
	dst_side TEXT,
	dst_relpath TEXT,
	folder TEXT,
	mode TEXT,
	min_size_bytes INTEGER NOT NULL DEFAULT 0,
	from_dedupe INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER,
	bytes_transferred INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status);

CREATE TABLE IF NOT EXISTS dedupe_scans (
	scan_id TEXT PRIMARY KEY,
	side TEXT NOT NULL CHECK (side IN ('local', 'lake')),
	mode TEXT NOT NULL,
	created_at TEXT NOT NULL,
	total_files INTEGER NOT NULL DEFAULT 0,
	duplicate_groups INTEGER NOT NULL DEFAULT 0,
	duplicate_files INTEGER NOT NULL DEFAULT 0,
	reclaimable_bytes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dedupe_groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scan_id TEXT NOT NULL REFERENCES dedupe_scans(scan_id) ON DELETE CASCADE,
	side TEXT NOT NULL,
	hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dedupe_groups_scan ON dedupe_groups(scan_id);

CREATE TABLE IF NOT EXISTS dedupe_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id INTEGER NOT NULL REFERENCES dedupe_groups(id) ON DELETE CASCADE,
	relpath TEXT NOT NULL,
	size INTEGER NOT NULL,
	mtime_ns INTEGER NOT NULL,
	keep INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_dedupe_files_group ON dedupe_files(group_id);

CREATE TABLE IF NOT EXISTS bundles (
	name TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bundle_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bundle_name TEXT NOT NULL REFERENCES bundles(name) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	relpath TEXT NOT NULL,
	hash TEXT,
	source_url_override TEXT
);
CREATE INDEX IF NOT EXISTS idx_bundle_items_bundle ON bundle_items(bundle_name);
`

// Store wraps the engine database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// now returns the canonical timestamp encoding used in every table.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
