package a2a

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/target"
)

// Cache owns the agent_cache table (spec §3's "Ownership" paragraph: the
// A2A client owns the card cache, not the event store), sharing the
// underlying database handle with internal/eventstore and internal/target.
type Cache struct {
	db      *sql.DB
	targets *target.Registry
	http    *http.Client

	// skipSafety disables the private/loopback rejection for this
	// package's own tests, which exercise CreateClient against an
	// httptest.Server bound to a loopback address. No production
	// constructor sets this.
	skipSafety bool
}

// NewCache wraps an already-migrated database handle and a target registry.
func NewCache(db *sql.DB, targets *target.Registry) *Cache {
	return &Cache{db: db, targets: targets, http: &http.Client{Timeout: DefaultTimeout}}
}

// CreateClient resolves targetIDOrPrefix to a target, returning a cached,
// unexpired agent card if one exists or fetching and caching a fresh one
// otherwise, then constructs a Client from it (spec §4.6's cache semantics).
func (c *Cache) CreateClient(ctx context.Context, targetIDOrPrefix string) (*Client, error) {
	tgt, err := c.resolveTarget(targetIDOrPrefix)
	if err != nil {
		return nil, err
	}
	if !tgt.Enabled {
		return nil, apperr.New(apperr.KindForbidden, fmt.Sprintf("target %q is disabled", tgt.ID))
	}

	var cfg struct {
		URL        string `json:"url"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	_ = json.Unmarshal(tgt.Config, &cfg)
	if cfg.URL == "" {
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("target %q has no URL configured", tgt.ID))
	}

	card, err := c.getOrFetch(ctx, tgt.ID, cfg.URL, cfg.TTLSeconds)
	if err != nil {
		return nil, err
	}
	if c.skipSafety {
		return NewClient(card, skipSafetyCheck())
	}
	return NewClient(card)
}

func (c *Cache) resolveTarget(targetIDOrPrefix string) (*target.Target, error) {
	if tgt, err := c.targets.Get(targetIDOrPrefix); err == nil {
		return tgt, nil
	}
	matches, err := c.targets.GetByPrefix(targetIDOrPrefix)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("no target matches %q", targetIDOrPrefix))
	}
	if len(matches) > 1 {
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("prefix %q is ambiguous across %d targets", targetIDOrPrefix, len(matches)))
	}
	return matches[0], nil
}

func (c *Cache) getOrFetch(ctx context.Context, targetID, url string, ttlSeconds int64) (*AgentCard, error) {
	if cached, ok, err := c.lookup(targetID); err != nil {
		return nil, err
	} else if ok {
		return cached, nil
	}

	card, err := fetchAgentCard(ctx, c.http, url, c.skipSafety)
	if err != nil {
		return nil, err
	}
	if err := c.store(targetID, card, ttlSeconds); err != nil {
		return nil, err
	}
	return card, nil
}

// lookup returns a cached card if present and (ttl==0 or unexpired).
func (c *Cache) lookup(targetID string) (*AgentCard, bool, error) {
	var cardJSON string
	var expiresAt sql.NullTime
	err := c.db.QueryRow(
		`SELECT card, expires_at FROM agent_cache WHERE target_id = ?`, targetID,
	).Scan(&cardJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expiresAt.Valid && time.Now().UTC().After(expiresAt.Time) {
		return nil, false, nil
	}
	var card AgentCard
	if err := json.Unmarshal([]byte(cardJSON), &card); err != nil {
		return nil, false, fmt.Errorf("decoding cached agent card for %s: %w", targetID, err)
	}
	return &card, true, nil
}

// store persists a freshly-fetched card with a new hash and expiry computed
// from ttlSeconds (0 meaning no expiry, per spec §4.6).
func (c *Cache) store(targetID string, card *AgentCard, ttlSeconds int64) error {
	raw, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("encoding agent card for %s: %w", targetID, err)
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	var expiresAt *time.Time
	if ttlSeconds > 0 {
		t := time.Now().UTC().Add(time.Duration(ttlSeconds) * time.Second)
		expiresAt = &t
	}

	_, err = c.db.Exec(
		`INSERT INTO agent_cache (target_id, card, hash, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(target_id) DO UPDATE SET card = excluded.card, hash = excluded.hash,
		   fetched_at = excluded.fetched_at, expires_at = excluded.expires_at`,
		targetID, string(raw), hash, time.Now().UTC(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("caching agent card for %s: %w", targetID, err)
	}
	return nil
}

// Invalidate drops a target's cached card, forcing the next CreateClient to
// fetch a fresh one.
func (c *Cache) Invalidate(targetID string) error {
	_, err := c.db.Exec(`DELETE FROM agent_cache WHERE target_id = ?`, targetID)
	return err
}
