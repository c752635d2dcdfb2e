// Package eventstore is the schema-versioned relational store behind
// sessions, RPC calls, events, task events, targets, agent cards, and user
// references (spec §3, §4.2). It is the single owner of the events database
// file; the target registry (internal/target) and the A2A card cache
// (internal/a2a) operate on tables within the same database but are
// separate Go types, matching the ownership split in spec §3's "Ownership"
// paragraph.
package eventstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the shared *sql.DB handle plus the per-session write lock used to
// preserve spec §5's single-writer ordering guarantee on the event log.
type DB struct {
	*sql.DB
	locks *keyedMutex
}

// Open opens (creating if necessary) the events database under dataDir,
// enables foreign keys and WAL mode, and runs any pending migrations.
// Fresh databases start at the latest schema version (spec §4.2).
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "events.db")
	sqlDB, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening events database: %w", err)
	}
	// The sqlite driver serializes writers internally; a single connection
	// avoids "database is locked" churn under concurrent writers and keeps
	// the single-writer-per-session ordering guarantee simple to reason about.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, locks: newKeyedMutex()}
	if err := db.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrating events database: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory events database for tests.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", "file::memory:?cache=shared&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	db := &DB{DB: sqlDB, locks: newKeyedMutex()}
	if err := db.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// SizeBytes reports the on-disk size of the database file via sqlite's page
// accounting, for the max_db_mb retention ceiling (spec §4.12).
func (db *DB) SizeBytes() (int64, error) {
	var pageCount, pageSize int64
	if err := db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("reading page_count: %w", err)
	}
	if err := db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("reading page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// lockSession acquires the per-session write lock, returning a release func.
// Used by save_event/save_rpc/complete_rpc to serialize writes belonging to
// one session without blocking writers on other sessions (spec §5).
func (db *DB) lockSession(sessionID string) func() {
	return db.locks.lock(sessionID)
}
