package eventstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actor identifies who or what initiated a session.
type Actor struct {
	ID    string
	Kind  string
	Label string
}

// CreateSession inserts a new session row and returns its generated id.
func (db *DB) CreateSession(targetID string, actor *Actor) (*Session, error) {
	sess := &Session{
		SessionID:   uuid.New().String(),
		TargetID:    targetID,
		ConnectorID: targetID,
		StartedAt:   time.Now().UTC(),
	}
	if actor != nil {
		sess.ActorID = &actor.ID
		sess.ActorKind = &actor.Kind
		sess.ActorLabel = &actor.Label
	}

	_, err := db.Exec(
		`INSERT INTO sessions (session_id, target_id, connector_id, started_at, actor_id, actor_kind, actor_label)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.TargetID, sess.ConnectorID, sess.StartedAt,
		sess.ActorID, sess.ActorKind, sess.ActorLabel,
	)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// EndSession marks a session as ended with the given exit reason.
func (db *DB) EndSession(sessionID string, reason ExitReason) error {
	release := db.lockSession(sessionID)
	defer release()

	res, err := db.Exec(
		`UPDATE sessions SET ended_at = ?, exit_reason = ? WHERE session_id = ?`,
		time.Now().UTC(), string(reason), sessionID,
	)
	if err != nil {
		return fmt.Errorf("ending session %s: %w", sessionID, err)
	}
	return requireRowAffected(res, "session", sessionID)
}

// Protect marks a session as protected, exempting it from all prune
// operations (spec §3, §4.2, §4.12).
func (db *DB) Protect(sessionID string) error {
	res, err := db.Exec(`UPDATE sessions SET protected = 1 WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("protecting session %s: %w", sessionID, err)
	}
	return requireRowAffected(res, "session", sessionID)
}

// IncrementSecretRefCount bumps a session's secret_ref_count monotonically;
// it is never decremented (spec §4.2 "Secrets accounting").
func (db *DB) IncrementSecretRefCount(sessionID string, by int) error {
	_, err := db.Exec(
		`UPDATE sessions SET secret_ref_count = secret_ref_count + ? WHERE session_id = ?`,
		by, sessionID,
	)
	return err
}

// GetSession loads a session by id.
func (db *DB) GetSession(sessionID string) (*Session, error) {
	row := db.QueryRow(
		`SELECT session_id, target_id, connector_id, started_at, ended_at, exit_reason, protected,
		        actor_id, actor_kind, actor_label, secret_ref_count
		 FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// ListSessionsByConnector returns sessions for a connector/target, most
// recent first.
func (db *DB) ListSessionsByConnector(targetID string) ([]*Session, error) {
	rows, err := db.Query(
		`SELECT session_id, target_id, connector_id, started_at, ended_at, exit_reason, protected,
		        actor_id, actor_kind, actor_label, secret_ref_count
		 FROM sessions WHERE target_id = ? ORDER BY started_at DESC`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// LatestSession returns the most recently started session overall, for
// @last resolution when no session is selected (spec §4.11).
func (db *DB) LatestSession() (*Session, error) {
	row := db.QueryRow(
		`SELECT session_id, target_id, connector_id, started_at, ended_at, exit_reason, protected,
		        actor_id, actor_kind, actor_label, secret_ref_count
		 FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT 1`)
	return scanSession(row)
}

// SessionPrefixLookup returns sessions whose id starts with prefix, escaping
// SQL wildcards and anchoring to "prefix%" (spec §4.11).
func (db *DB) SessionPrefixLookup(prefix string) ([]*Session, error) {
	escaped := escapeLike(prefix) + "%"
	rows, err := db.Query(
		`SELECT session_id, target_id, connector_id, started_at, ended_at, exit_reason, protected,
		        actor_id, actor_kind, actor_label, secret_ref_count
		 FROM sessions WHERE session_id LIKE ? ESCAPE '\' ORDER BY started_at DESC`, escaped)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var endedAt sql.NullTime
	var exitReason sql.NullString
	var actorID, actorKind, actorLabel sql.NullString
	var protected int

	err := row.Scan(
		&s.SessionID, &s.TargetID, &s.ConnectorID, &s.StartedAt, &endedAt, &exitReason, &protected,
		&actorID, &actorKind, &actorLabel, &s.SecretRefCount,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found")
	}
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	if exitReason.Valid {
		r := ExitReason(exitReason.String)
		s.ExitReason = &r
	}
	if actorID.Valid {
		s.ActorID = &actorID.String
	}
	if actorKind.Valid {
		s.ActorKind = &actorKind.String
	}
	if actorLabel.Valid {
		s.ActorLabel = &actorLabel.String
	}
	s.Protected = protected != 0
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func requireRowAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %q not found", kind, id)
	}
	return nil
}
