package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/oubliette/internal/audit"
)

const tokenPrefix = "oub_"

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidToken  = errors.New("invalid token format")
)

// Store persists gateway tokens by their sha256 hash, never the plaintext
// value (spec §4.10: "tokens are compared against stored sha256:<hex>
// hashes").
type Store struct {
	db *sql.DB
}

// NewStore creates a new auth store with a SQLite backend.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating auth data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "auth.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening auth database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating auth database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		token_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		permissions TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_hash ON tokens(token_hash);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// hashToken computes the "sha256:<hex>" form stored for a plaintext token.
func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// CreateToken mints a new bearer token and returns both its metadata and
// its one-time plaintext value. scope layers the admin/admin:ro/connector:*
// reach restriction (spec §5) under permissions' method-level matching; an
// empty scope behaves as ScopeAdmin for compatibility with tokens minted
// before scopes existed.
func (s *Store) CreateToken(name string, permissions []string, scope string, expiresAt *time.Time) (*Token, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}
	plaintext := tokenPrefix + hex.EncodeToString(buf)

	perms, err := json.Marshal(permissions)
	if err != nil {
		return nil, "", fmt.Errorf("encoding permissions: %w", err)
	}

	now := time.Now().UTC()
	token := &Token{
		ID:          tokenPrefix + hex.EncodeToString(buf[:8]),
		Name:        name,
		Permissions: permissions,
		Scope:       scope,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}

	_, err = s.db.Exec(
		`INSERT INTO tokens (id, token_hash, name, permissions, scope, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.ID, hashToken(plaintext), token.Name, string(perms), token.Scope, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		wrapErr := fmt.Errorf("inserting token: %w", err)
		audit.Log(audit.Event{Operation: audit.OpTokenCreate, TokenID: token.ID, Success: false, Error: wrapErr.Error()})
		return nil, "", wrapErr
	}

	audit.Log(audit.Event{Operation: audit.OpTokenCreate, TokenID: token.ID, Success: true, Details: map[string]any{"name": name, "scope": scope}})
	return token, plaintext, nil
}

// ValidateToken looks up a presented plaintext token by its hash.
func (s *Store) ValidateToken(plaintext string) (*Token, error) {
	if !strings.HasPrefix(plaintext, tokenPrefix) {
		return nil, ErrInvalidToken
	}

	hash := hashToken(plaintext)
	var token Token
	var permsJSON string
	var lastUsedAt, expiresAt sql.NullTime

	err := s.db.QueryRow(
		`SELECT id, name, permissions, scope, created_at, last_used_at, expires_at FROM tokens WHERE token_hash = ?`,
		hash,
	).Scan(&token.ID, &token.Name, &permsJSON, &token.Scope, &token.CreatedAt, &lastUsedAt, &expiresAt)

	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}
	if err := json.Unmarshal([]byte(permsJSON), &token.Permissions); err != nil {
		return nil, fmt.Errorf("decoding stored permissions: %w", err)
	}

	if lastUsedAt.Valid {
		token.LastUsedAt = &lastUsedAt.Time
	}
	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Time
		if time.Now().After(expiresAt.Time) {
			return nil, ErrTokenExpired
		}
	}

	go s.updateLastUsed(hash)

	return &token, nil
}

func (s *Store) updateLastUsed(hash string) {
	_, _ = s.db.Exec(`UPDATE tokens SET last_used_at = ? WHERE token_hash = ?`, time.Now().UTC(), hash)
}

// ListTokens returns all tokens (metadata only; hashes are never exposed).
func (s *Store) ListTokens() ([]*Token, error) {
	rows, err := s.db.Query(
		`SELECT id, name, permissions, scope, created_at, last_used_at, expires_at FROM tokens ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*Token
	for rows.Next() {
		var token Token
		var permsJSON string
		var lastUsedAt, expiresAt sql.NullTime

		if err := rows.Scan(&token.ID, &token.Name, &permsJSON, &token.Scope, &token.CreatedAt, &lastUsedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		if err := json.Unmarshal([]byte(permsJSON), &token.Permissions); err != nil {
			return nil, fmt.Errorf("decoding stored permissions: %w", err)
		}

		if lastUsedAt.Valid {
			token.LastUsedAt = &lastUsedAt.Time
		}
		if expiresAt.Valid {
			token.ExpiresAt = &expiresAt.Time
		}

		tokens = append(tokens, &token)
	}

	return tokens, rows.Err()
}

// RevokeToken deletes a token by its id.
func (s *Store) RevokeToken(tokenID string) error {
	result, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, tokenID)
	if err != nil {
		wrapErr := fmt.Errorf("revoking token: %w", err)
		audit.Log(audit.Event{Operation: audit.OpTokenRevoke, TokenID: tokenID, Success: false, Error: wrapErr.Error()})
		return wrapErr
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		audit.Log(audit.Event{Operation: audit.OpTokenRevoke, TokenID: tokenID, Success: false, Error: ErrTokenNotFound.Error()})
		return ErrTokenNotFound
	}

	audit.Log(audit.Event{Operation: audit.OpTokenRevoke, TokenID: tokenID, Success: true})
	return nil
}
