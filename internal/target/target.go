// Package target is the target registry (C3): CRUD over connectors and
// agents known to the gateway, sharing the events database file owned by
// internal/eventstore but exposed through its own type (spec §3's
// "Ownership" paragraph).
package target

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/audit"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Protocol distinguishes an MCP connector from an A2A agent target.
type Protocol string

const (
	ProtocolMCP Protocol = "mcp"
	ProtocolA2A Protocol = "a2a"
)

// Type is the underlying transport family a target is reached through.
type Type string

const (
	TypeStdio   Type = "stdio"
	TypeRPCHTTP Type = "rpc-http"
	TypeRPCSSE  Type = "rpc-sse"
)

// Target is one row of the targets table (spec §3, §4.3).
type Target struct {
	ID        string
	Type      Type
	Protocol  Protocol
	Name      string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt *time.Time
	Config    json.RawMessage
}

// Registry is the target registry, backed by a shared *sql.DB (the same
// handle internal/eventstore opened and migrated).
type Registry struct {
	db *sql.DB
}

// New wraps an already-migrated database handle.
func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// validateTypeProtocol enforces the type<->protocol invariant (spec §4.3):
// a2a targets are reached over HTTP, never by spawning a stdio child.
func validateTypeProtocol(typ Type, proto Protocol) error {
	if proto == ProtocolA2A && typ == TypeStdio {
		return apperr.New(apperr.KindValidation, "a2a targets cannot use a stdio transport")
	}
	switch typ {
	case TypeStdio, TypeRPCHTTP, TypeRPCSSE:
	default:
		return apperr.New(apperr.KindValidation, fmt.Sprintf("unknown target type %q", typ))
	}
	switch proto {
	case ProtocolMCP, ProtocolA2A:
	default:
		return apperr.New(apperr.KindValidation, fmt.Sprintf("unknown target protocol %q", proto))
	}
	return nil
}

// Create inserts a new target row.
func (r *Registry) Create(t Target) (*Target, error) {
	if t.ID == "" || !idPattern.MatchString(t.ID) {
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("invalid target id %q", t.ID))
	}
	if err := validateTypeProtocol(t.Type, t.Protocol); err != nil {
		return nil, err
	}
	if t.Config == nil {
		t.Config = json.RawMessage("{}")
	}
	t.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(
		`INSERT INTO targets (id, type, protocol, name, enabled, created_at, config)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Type), string(t.Protocol), t.Name, t.Enabled, t.CreatedAt, string(t.Config),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			dupErr := apperr.New(apperr.KindAlreadyExists, fmt.Sprintf("target %q already exists", t.ID))
			audit.Log(audit.Event{Operation: audit.OpTargetCreate, ConnectorID: t.ID, Success: false, Error: dupErr.Error()})
			return nil, dupErr
		}
		wrapErr := fmt.Errorf("creating target %s: %w", t.ID, err)
		audit.Log(audit.Event{Operation: audit.OpTargetCreate, ConnectorID: t.ID, Success: false, Error: wrapErr.Error()})
		return nil, wrapErr
	}
	audit.Log(audit.Event{Operation: audit.OpTargetCreate, ConnectorID: t.ID, Success: true, Method: string(t.Protocol)})
	return &t, nil
}

// Update replaces a target's mutable fields (name, enabled, config); type
// and protocol are immutable after creation.
func (r *Registry) Update(id string, name string, enabled bool, config json.RawMessage) (*Target, error) {
	now := time.Now().UTC()
	if config == nil {
		config = json.RawMessage("{}")
	}
	res, err := r.db.Exec(
		`UPDATE targets SET name = ?, enabled = ?, updated_at = ?, config = ? WHERE id = ?`,
		name, enabled, now, string(config), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating target %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("target %q not found", id))
	}
	return r.Get(id)
}

// Delete removes a target, cascading to its agent_cache row via foreign key.
func (r *Registry) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		wrapErr := fmt.Errorf("deleting target %s: %w", id, err)
		audit.Log(audit.Event{Operation: audit.OpTargetDelete, ConnectorID: id, Success: false, Error: wrapErr.Error()})
		return wrapErr
	}
	n, err := res.RowsAffected()
	if err != nil {
		audit.Log(audit.Event{Operation: audit.OpTargetDelete, ConnectorID: id, Success: false, Error: err.Error()})
		return err
	}
	if n == 0 {
		notFoundErr := apperr.New(apperr.KindNotFound, fmt.Sprintf("target %q not found", id))
		audit.Log(audit.Event{Operation: audit.OpTargetDelete, ConnectorID: id, Success: false, Error: notFoundErr.Error()})
		return notFoundErr
	}
	audit.Log(audit.Event{Operation: audit.OpTargetDelete, ConnectorID: id, Success: true})
	return nil
}

// Get loads a target by exact id.
func (r *Registry) Get(id string) (*Target, error) {
	row := r.db.QueryRow(
		`SELECT id, type, protocol, name, enabled, created_at, updated_at, config
		 FROM targets WHERE id = ?`, id)
	return scanTarget(row)
}

// GetByPrefix returns every target whose id starts with prefix.
func (r *Registry) GetByPrefix(prefix string) ([]*Target, error) {
	escaped := escapeLike(prefix) + "%"
	rows, err := r.db.Query(
		`SELECT id, type, protocol, name, enabled, created_at, updated_at, config
		 FROM targets WHERE id LIKE ? ESCAPE '\' ORDER BY created_at DESC`, escaped)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTargets(rows)
}

// ListFilter narrows List's result set.
type ListFilter struct {
	Type    *Type
	Enabled *bool
}

// List returns targets matching the filter, ordered by created_at desc
// (spec §4.3).
func (r *Registry) List(f ListFilter) ([]*Target, error) {
	query := `SELECT id, type, protocol, name, enabled, created_at, updated_at, config FROM targets WHERE 1=1`
	var args []any
	if f.Type != nil {
		query += ` AND type = ?`
		args = append(args, string(*f.Type))
	}
	if f.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, *f.Enabled)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTargets(rows)
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

func scanTarget(row scanner) (*Target, error) {
	var t Target
	var typ, proto string
	var updatedAt sql.NullTime
	var config string

	err := row.Scan(&t.ID, &typ, &proto, &t.Name, &t.Enabled, &t.CreatedAt, &updatedAt, &config)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "target not found")
	}
	if err != nil {
		return nil, err
	}
	t.Type = Type(typ)
	t.Protocol = Protocol(proto)
	t.Config = json.RawMessage(config)
	if updatedAt.Valid {
		t.UpdatedAt = &updatedAt.Time
	}
	return &t, nil
}

func scanTargets(rows *sql.Rows) ([]*Target, error) {
	var out []*Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
