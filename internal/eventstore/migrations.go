package eventstore

import (
	"database/sql"
	"fmt"
	"strings"
)

// schemaVersion is the latest schema version a fresh database starts at.
const schemaVersion = 7

type migration struct {
	version int
	up      func(*sql.Tx) error
}

// migrations enumerates the 1->7 schema evolution from spec §6. Each step
// runs inside its own transaction and tolerates "already exists"/"duplicate
// column" errors so an interrupted upgrade can safely resume (spec §9).
var migrations = []migration{
	{1, migrate1},
	{2, migrate2},
	{3, migrate3},
	{4, migrate4},
	{5, migrate5},
	{6, migrate6},
	{7, migrate7},
}

// migrate runs every migration whose version exceeds the database's current
// schema_version, in order, each inside its own transaction.
func (db *DB) migrate() error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	current, err := db.currentVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if err := m.up(tx); err != nil && !isIdempotentSchemaError(err) {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if err := db.setVersion(tx, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: recording version: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", m.version, err)
		}
	}
	return nil
}

func (db *DB) currentVersion() (int, error) {
	var v int
	err := db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

func (db *DB) setVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version)
	return err
}

// isIdempotentSchemaError reports whether err is the sqlite flavor of
// "column already exists" / "table already exists" / "duplicate column",
// which a partially-applied migration may legitimately re-raise on resume.
func isIdempotentSchemaError(err error) bool {
	msg := strings.ToLower(err.Error())
	markers := []string{
		"already exists",
		"duplicate column",
		"duplicate column name",
	}
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// migrate1 creates the original sessions/events/rpc_calls tables.
func migrate1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			connector_id TEXT NOT NULL,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			exit_reason TEXT,
			protected INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_connector ON sessions(connector_id)`,
		`CREATE TABLE IF NOT EXISTS rpc_calls (
			rpc_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			method TEXT NOT NULL,
			request_ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			response_ts DATETIME,
			success INTEGER,
			error_code TEXT,
			PRIMARY KEY (rpc_id, session_id),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			rpc_id TEXT,
			direction TEXT NOT NULL,
			kind TEXT NOT NULL,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			raw_json TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)`,
	}
	return execAll(tx, stmts)
}

// migrate2 adds seq, summary, and payload_hash to events.
func migrate2(tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE events ADD COLUMN seq INTEGER`,
		`ALTER TABLE events ADD COLUMN summary TEXT`,
		`ALTER TABLE events ADD COLUMN payload_hash TEXT`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq)`,
	}
	return execAll(tx, stmts)
}

// migrate3 adds actor columns to sessions, secret_ref_count, and an actors table.
func migrate3(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS actors (
			actor_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			label TEXT
		)`,
		`ALTER TABLE sessions ADD COLUMN actor_id TEXT`,
		`ALTER TABLE sessions ADD COLUMN actor_kind TEXT`,
		`ALTER TABLE sessions ADD COLUMN actor_label TEXT`,
		`ALTER TABLE sessions ADD COLUMN secret_ref_count INTEGER NOT NULL DEFAULT 0`,
	}
	return execAll(tx, stmts)
}

// migrate4 adds the user_refs table (named symbolic references).
func migrate4(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_refs (
			name TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			connector TEXT,
			session TEXT,
			rpc TEXT,
			proto TEXT,
			level TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	return execAll(tx, stmts)
}

// migrate5 admits the popl/plan/run user_refs kinds. user_refs.kind has no
// CHECK constraint and SetUserRef does not validate the kind, so no table
// rebuild is needed: this migration is a no-op on the schema and exists so
// the version ledger matches spec §6's enumerated step.
func migrate5(tx *sql.Tx) error {
	return nil
}

// migrate6 adds targets, agent_cache, sessions.target_id, events.normalized_json.
func migrate6(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS targets (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			protocol TEXT NOT NULL,
			name TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME,
			config TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_type ON targets(type)`,
		`CREATE TABLE IF NOT EXISTS agent_cache (
			target_id TEXT PRIMARY KEY,
			card TEXT NOT NULL,
			hash TEXT NOT NULL,
			fetched_at DATETIME NOT NULL,
			expires_at DATETIME,
			FOREIGN KEY (target_id) REFERENCES targets(id) ON DELETE CASCADE
		)`,
		`ALTER TABLE sessions ADD COLUMN target_id TEXT`,
		`ALTER TABLE events ADD COLUMN normalized_json TEXT`,
	}
	return execAll(tx, stmts)
}

// migrate7 adds task_events for A2A task lifecycle markers.
func migrate7(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			detail TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_session ON task_events(session_id)`,
	}
	return execAll(tx, stmts)
}

func execAll(tx *sql.Tx, stmts []string) error {
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
