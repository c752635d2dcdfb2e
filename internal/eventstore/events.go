package eventstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/oubliette/internal/mcpproto"
)

// SaveEvent appends one event to a session's timeline under the session's
// write lock (spec §5's single-writer-per-session ordering guarantee). When
// in.Protocol is set and in.RawJSON parses as JSON, a normalized form is
// computed and stored alongside the raw payload (spec §4.2).
func (db *DB) SaveEvent(sessionID string, direction Direction, kind EventKind, in SaveEventInput) (*Event, error) {
	release := db.lockSession(sessionID)
	defer release()

	ev := &Event{
		EventID:     uuid.New().String(),
		SessionID:   sessionID,
		RpcID:       in.RpcID,
		Direction:   direction,
		Kind:        kind,
		TS:          time.Now().UTC(),
		Seq:         in.Seq,
		Summary:     in.Summary,
		PayloadHash: in.PayloadHash,
		RawJSON:     in.RawJSON,
	}

	if in.Protocol != nil && in.RawJSON != nil {
		if normalized, err := mcpproto.Normalize(*in.RawJSON); err == nil {
			ev.NormalizedJSON = &normalized
		}
		// A RawJSON that fails to parse is stored as-is; normalization is
		// best-effort and never blocks the write (spec §4.2 edge case).
	}

	_, err := db.Exec(
		`INSERT INTO events (event_id, session_id, rpc_id, direction, kind, ts, seq, summary, payload_hash, raw_json, normalized_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.SessionID, ev.RpcID, string(ev.Direction), string(ev.Kind), ev.TS,
		ev.Seq, ev.Summary, ev.PayloadHash, ev.RawJSON, ev.NormalizedJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("saving event for session %s: %w", sessionID, err)
	}
	return ev, nil
}

// SaveTaskEvent appends an A2A task lifecycle marker to a session's timeline.
func (db *DB) SaveTaskEvent(sessionID, taskID string, kind TaskEventKind, detail *string) (*TaskEvent, error) {
	release := db.lockSession(sessionID)
	defer release()

	te := &TaskEvent{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		TaskID:    taskID,
		EventKind: kind,
		TS:        time.Now().UTC(),
		Detail:    detail,
	}
	_, err := db.Exec(
		`INSERT INTO task_events (event_id, session_id, task_id, event_kind, ts, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		te.EventID, te.SessionID, te.TaskID, string(te.EventKind), te.TS, te.Detail,
	)
	if err != nil {
		return nil, fmt.Errorf("saving task event for session %s: %w", sessionID, err)
	}
	return te, nil
}

// GetEvent loads a single event by id.
func (db *DB) GetEvent(eventID string) (*Event, error) {
	row := db.QueryRow(
		`SELECT event_id, session_id, rpc_id, direction, kind, ts, seq, summary, payload_hash, raw_json, normalized_json
		 FROM events WHERE event_id = ?`, eventID)
	return scanEvent(row)
}

func scanEvent(row scanner) (*Event, error) {
	var e Event
	var rpcID, summary, payloadHash, rawJSON, normalizedJSON sql.NullString
	var seq sql.NullInt64
	var direction, kind string

	err := row.Scan(&e.EventID, &e.SessionID, &rpcID, &direction, &kind, &e.TS, &seq, &summary, &payloadHash, &rawJSON, &normalizedJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event not found")
	}
	if err != nil {
		return nil, err
	}
	e.Direction = Direction(direction)
	e.Kind = EventKind(kind)
	if rpcID.Valid {
		e.RpcID = &rpcID.String
	}
	if seq.Valid {
		e.Seq = &seq.Int64
	}
	if summary.Valid {
		e.Summary = &summary.String
	}
	if payloadHash.Valid {
		e.PayloadHash = &payloadHash.String
	}
	if rawJSON.Valid {
		e.RawJSON = &rawJSON.String
	}
	if normalizedJSON.Valid {
		e.NormalizedJSON = &normalizedJSON.String
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
