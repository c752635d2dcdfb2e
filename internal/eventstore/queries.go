package eventstore

import (
	"strings"
	"time"
)

// RecentEventsFilter narrows the recent-events query (spec §4.2).
type RecentEventsFilter struct {
	Since         *time.Time
	Until         *time.Time
	ErrorsOnly    bool
	MethodPattern string // SQL LIKE pattern matched against rpc_calls.method, e.g. "tools/%"
	ConnectorID   string
	SessionID     string
	Limit         int
}

// ListEventsBySession returns every event on a session's timeline, oldest
// first (ordered by seq when set, then ts).
func (db *DB) ListEventsBySession(sessionID string) ([]*Event, error) {
	rows, err := db.Query(
		`SELECT event_id, session_id, rpc_id, direction, kind, ts, seq, summary, payload_hash, raw_json, normalized_json
		 FROM events WHERE session_id = ? ORDER BY seq IS NULL, seq ASC, ts ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEventsByConnector returns recent events for every session of a
// connector/target, newest first.
func (db *DB) ListEventsByConnector(targetID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT e.event_id, e.session_id, e.rpc_id, e.direction, e.kind, e.ts, e.seq, e.summary, e.payload_hash, e.raw_json, e.normalized_json
		 FROM events e JOIN sessions s ON s.session_id = e.session_id
		 WHERE s.target_id = ? ORDER BY e.ts DESC LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentEvents runs the multi-filter recent-events query (spec §4.2):
// time window, errors-only, method pattern, connector, session.
func (db *DB) RecentEvents(f RecentEventsFilter) ([]*Event, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT e.event_id, e.session_id, e.rpc_id, e.direction, e.kind, e.ts, e.seq, e.summary, e.payload_hash, e.raw_json, e.normalized_json
		FROM events e
		JOIN sessions s ON s.session_id = e.session_id
		LEFT JOIN rpc_calls r ON r.rpc_id = e.rpc_id AND r.session_id = e.session_id
		WHERE 1=1`)
	var args []any

	if f.Since != nil {
		query.WriteString(` AND e.ts >= ?`)
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		query.WriteString(` AND e.ts <= ?`)
		args = append(args, *f.Until)
	}
	if f.ErrorsOnly {
		query.WriteString(` AND (r.success = 0 OR e.kind = 'transport_event')`)
	}
	if f.MethodPattern != "" {
		query.WriteString(` AND r.method LIKE ?`)
		args = append(args, f.MethodPattern)
	}
	if f.ConnectorID != "" {
		query.WriteString(` AND s.target_id = ?`)
		args = append(args, f.ConnectorID)
	}
	if f.SessionID != "" {
		query.WriteString(` AND e.session_id = ?`)
		args = append(args, f.SessionID)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query.WriteString(` ORDER BY e.ts DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := db.Query(query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}
