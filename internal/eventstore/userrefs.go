package eventstore

import (
	"database/sql"
	"fmt"
	"time"
)

// SetUserRef upserts a named symbolic reference (spec §3, §4.11). For
// kind=popl, connector holds an entry id and session holds a target path --
// see UserRef's doc comment for the column-reuse rationale.
func (db *DB) SetUserRef(ref UserRef) error {
	if ref.Name == "" {
		return fmt.Errorf("user ref name must not be empty")
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(
		`INSERT INTO user_refs (name, kind, connector, session, rpc, proto, level, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   kind = excluded.kind, connector = excluded.connector, session = excluded.session,
		   rpc = excluded.rpc, proto = excluded.proto, level = excluded.level`,
		ref.Name, string(ref.Kind), ref.Connector, ref.Session, ref.RPC, ref.Proto, ref.Level, ref.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("setting user ref %q: %w", ref.Name, err)
	}
	return nil
}

// GetUserRef loads a named reference by name.
func (db *DB) GetUserRef(name string) (*UserRef, error) {
	row := db.QueryRow(
		`SELECT name, kind, connector, session, rpc, proto, level, created_at
		 FROM user_refs WHERE name = ?`, name)
	return scanUserRef(row)
}

// DeleteUserRef removes a named reference. Deleting a name that does not
// exist is not an error.
func (db *DB) DeleteUserRef(name string) error {
	_, err := db.Exec(`DELETE FROM user_refs WHERE name = ?`, name)
	return err
}

// ListUserRefsByKind returns every reference of a given kind, most recently
// created first.
func (db *DB) ListUserRefsByKind(kind UserRefKind) ([]*UserRef, error) {
	rows, err := db.Query(
		`SELECT name, kind, connector, session, rpc, proto, level, created_at
		 FROM user_refs WHERE kind = ? ORDER BY created_at DESC`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UserRef
	for rows.Next() {
		r, err := scanUserRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanUserRef(row scanner) (*UserRef, error) {
	var r UserRef
	var kind string
	var connector, session, rpc, proto, level sql.NullString

	err := row.Scan(&r.Name, &kind, &connector, &session, &rpc, &proto, &level, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user ref not found")
	}
	if err != nil {
		return nil, err
	}
	r.Kind = UserRefKind(kind)
	if connector.Valid {
		r.Connector = &connector.String
	}
	if session.Valid {
		r.Session = &session.String
	}
	if rpc.Valid {
		r.RPC = &rpc.String
	}
	if proto.Valid {
		r.Proto = &proto.String
	}
	if level.Valid {
		r.Level = &level.String
	}
	return &r, nil
}
