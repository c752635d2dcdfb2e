package eventstore

import (
	"fmt"
	"strings"
	"time"
)

// PruneCandidateFilter selects unprotected sessions eligible for deletion
// under a retention policy (spec §4.2, §4.12).
type PruneCandidateFilter struct {
	KeepLast  int // always retain the most recent N sessions per connector
	Before    *time.Time
	Connector string
}

// GetPruneCandidates returns unprotected session ids exceeding the given
// policy, oldest first. Protected sessions are never candidates.
func (db *DB) GetPruneCandidates(f PruneCandidateFilter) ([]string, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT session_id FROM sessions WHERE protected = 0`)
	var args []any

	if f.Connector != "" {
		query.WriteString(` AND target_id = ?`)
		args = append(args, f.Connector)
	}
	if f.Before != nil {
		query.WriteString(` AND started_at < ?`)
		args = append(args, *f.Before)
	}
	query.WriteString(` ORDER BY started_at DESC`)

	rows, err := db.Query(query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		all = append(all, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if f.KeepLast > 0 {
		if f.KeepLast >= len(all) {
			return nil, nil
		}
		// all is newest-first; keep the first KeepLast, the rest are candidates.
		return all[f.KeepLast:], nil
	}
	return all, nil
}

// DeleteSessions removes sessions by id, cascading to events, rpc_calls, and
// task_events via foreign keys. Protected sessions are skipped, not deleted.
// All deletes run in one transaction: on any error none of them is applied.
func (db *DB) DeleteSessions(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning session delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	deleted := 0
	for _, id := range ids {
		res, err := tx.Exec(`DELETE FROM sessions WHERE session_id = ? AND protected = 0`, id)
		if err != nil {
			return 0, fmt.Errorf("deleting session %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		deleted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing session delete: %w", err)
	}
	return deleted, nil
}

// ClearRawJSON nulls raw_json (and normalized_json) for events older than
// beforeDays, or for the given explicit session ids if non-empty, preserving
// all other metadata. Events belonging to protected sessions are untouched.
func (db *DB) ClearRawJSON(beforeDays int, sessionIDs []string) (int, error) {
	var res interface {
		RowsAffected() (int64, error)
	}
	var err error

	if len(sessionIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sessionIDs)), ",")
		args := make([]any, 0, len(sessionIDs))
		for _, id := range sessionIDs {
			args = append(args, id)
		}
		q := fmt.Sprintf(
			`UPDATE events SET raw_json = NULL, normalized_json = NULL
			 WHERE session_id IN (%s)
			 AND session_id IN (SELECT session_id FROM sessions WHERE protected = 0)`, placeholders)
		res, err = db.Exec(q, args...)
	} else {
		cutoff := time.Now().UTC().AddDate(0, 0, -beforeDays)
		res, err = db.Exec(
			`UPDATE events SET raw_json = NULL, normalized_json = NULL
			 WHERE ts < ?
			 AND session_id IN (SELECT session_id FROM sessions WHERE protected = 0)`, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("clearing raw json: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Vacuum compacts the underlying sqlite file.
func (db *DB) Vacuum() error {
	_, err := db.Exec(`VACUUM`)
	return err
}
