// Package trust implements lankv's whitelist: a persistent table of
// TrustEntry rows keyed by peer id, cached in memory, with the one-hop
// recommendation chain and admission rule of spec.md §4.3. Grounded in
// original_source/src/whitelist.rs's PeerWhitelist — cache-then-DB lookups,
// self-healing on expiry, recommended_by persisted as a JSON array.
package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lankv/lankv/internal/identity"
	"github.com/lankv/lankv/internal/obs"
)

var log = obs.Logger("trust")

// ErrSelfRecommendation is returned when a peer tries to recommend itself.
var ErrSelfRecommendation = errors.New("trust: cannot self-recommend")

// ErrNotDirectlyTrusted is returned when a recommender is not itself
// directly trusted.
var ErrNotDirectlyTrusted = errors.New("trust: recommender is not directly trusted")

// Entry mirrors spec.md §3's TrustEntry.
type Entry struct {
	PeerID              identity.PeerID
	Name                string
	PublicKey           []byte // raw Ed25519 public key, nil if unknown
	AddedAt             time.Time
	ExpiresAt           *time.Time
	RecommendedBy       []identity.PeerID
	RecommendationCount int
}

func (e Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// DB owns the persistent whitelist table and an in-memory cache rebuilt by
// Reload or after every mutating write.
type DB struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[identity.PeerID]Entry
}

// Open creates or attaches to the whitelist table at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("trust: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS whitelist (
		peer_id TEXT PRIMARY KEY,
		name TEXT,
		public_key BLOB,
		added_at INTEGER NOT NULL,
		expires_at INTEGER,
		recommended_by TEXT NOT NULL DEFAULT '[]',
		recommendation_count INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trust: create schema: %w", err)
	}
	t := &DB{db: db, cache: make(map[identity.PeerID]Entry)}
	if err := t.Reload(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func (t *DB) Close() error { return t.db.Close() }

// Reload rebuilds the in-memory cache from the persistent table.
func (t *DB) Reload(ctx context.Context) error {
	rows, err := t.db.QueryContext(ctx, `SELECT peer_id, name, public_key, added_at, expires_at, recommended_by, recommendation_count FROM whitelist`)
	if err != nil {
		return fmt.Errorf("trust: reload: %w", err)
	}
	defer rows.Close()

	cache := make(map[identity.PeerID]Entry)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("trust: reload scan: %w", err)
		}
		cache[entry.PeerID] = entry
	}
	if err := rows.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	t.cache = cache
	t.mu.Unlock()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var peerID, name string
	var pub []byte
	var addedAt int64
	var expiresAt sql.NullInt64
	var recommendedByJSON string
	var recCount int

	if err := row.Scan(&peerID, &name, &pub, &addedAt, &expiresAt, &recommendedByJSON, &recCount); err != nil {
		return Entry{}, err
	}

	var recommendedBy []identity.PeerID
	var raw []string
	if err := json.Unmarshal([]byte(recommendedByJSON), &raw); err == nil {
		for _, r := range raw {
			recommendedBy = append(recommendedBy, identity.PeerID(r))
		}
	}

	entry := Entry{
		PeerID:              identity.PeerID(peerID),
		Name:                name,
		PublicKey:           pub,
		AddedAt:             time.Unix(0, addedAt),
		RecommendedBy:       recommendedBy,
		RecommendationCount: recCount,
	}
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64)
		entry.ExpiresAt = &t
	}
	return entry, nil
}

// Add inserts or replaces a whitelist entry (operator action via `whitelist
// add`/`add-key`).
func (t *DB) Add(ctx context.Context, peerID identity.PeerID, name string, pub []byte, expiresAt *time.Time, now time.Time) error {
	recommendedByJSON, err := json.Marshal([]string{})
	if err != nil {
		return err
	}
	var expiresAtNano any
	if expiresAt != nil {
		expiresAtNano = expiresAt.UnixNano()
	}
	_, err = t.db.ExecContext(ctx, `INSERT INTO whitelist (peer_id, name, public_key, added_at, expires_at, recommended_by, recommendation_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(peer_id) DO UPDATE SET name = excluded.name, public_key = excluded.public_key, added_at = excluded.added_at, expires_at = excluded.expires_at`,
		string(peerID), name, pub, now.UnixNano(), expiresAtNano, string(recommendedByJSON))
	if err != nil {
		return fmt.Errorf("trust: add %s: %w", peerID, err)
	}
	return t.Reload(ctx)
}

// AddKey attaches or replaces the public key on an existing or new entry
// (`whitelist add-key`).
func (t *DB) AddKey(ctx context.Context, peerID identity.PeerID, pub []byte, now time.Time) error {
	existing, ok := t.lookupCache(peerID)
	if !ok {
		return t.Add(ctx, peerID, "", pub, nil, now)
	}
	_, err := t.db.ExecContext(ctx, `UPDATE whitelist SET public_key = ? WHERE peer_id = ?`, pub, string(peerID))
	if err != nil {
		return fmt.Errorf("trust: add-key %s: %w", peerID, err)
	}
	_ = existing
	return t.Reload(ctx)
}

// Remove deletes peerID's entry entirely (`whitelist remove`).
func (t *DB) Remove(ctx context.Context, peerID identity.PeerID) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM whitelist WHERE peer_id = ?`, string(peerID)); err != nil {
		return fmt.Errorf("trust: remove %s: %w", peerID, err)
	}
	return t.Reload(ctx)
}

// List returns every whitelist entry (`whitelist list`).
func (t *DB) List() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.cache))
	for _, e := range t.cache {
		out = append(out, e)
	}
	return out
}

func (t *DB) lookupCache(peerID identity.PeerID) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.cache[peerID]
	return e, ok
}

// IsDirectlyTrusted reports whether peerID has a non-expired entry, per
// spec.md §3.
func (t *DB) IsDirectlyTrusted(peerID identity.PeerID, now time.Time) bool {
	e, ok := t.lookupCache(peerID)
	if !ok {
		return false
	}
	return !e.expired(now)
}

// IsAdmitted implements the admission rule of spec.md §4.3:
//  1. no entry or expired entry -> false
//  2. entry with a public key, unexpired -> true (full trust)
//  3. entry without a public key but recommended by a directly-trusted,
//     unexpired peer -> true (transitive trust; still signature-gated by
//     the security gate's key lookup)
func (t *DB) IsAdmitted(peerID identity.PeerID, now time.Time) bool {
	e, ok := t.lookupCache(peerID)
	if !ok || e.expired(now) {
		return false
	}
	if len(e.PublicKey) > 0 {
		return true
	}
	for _, recommender := range e.RecommendedBy {
		if t.IsDirectlyTrusted(recommender, now) {
			return true
		}
	}
	return false
}

// PublicKey returns the raw public key on file for peerID, if any.
func (t *DB) PublicKey(peerID identity.PeerID) ([]byte, bool) {
	e, ok := t.lookupCache(peerID)
	if !ok || len(e.PublicKey) == 0 {
		return nil, false
	}
	return e.PublicKey, true
}

// HasEntry reports whether any entry (full or minimal) exists for peerID.
func (t *DB) HasEntry(peerID identity.PeerID) bool {
	_, ok := t.lookupCache(peerID)
	return ok
}

// SetPublicKeyIfPresent upserts a public key only on an already-present
// entry, used by KeyResponse handling (spec.md §4.4) which must not create
// whitelist rows out of thin air.
func (t *DB) SetPublicKeyIfPresent(ctx context.Context, peerID identity.PeerID, pub []byte) (bool, error) {
	if !t.HasEntry(peerID) {
		return false, nil
	}
	if _, err := t.db.ExecContext(ctx, `UPDATE whitelist SET public_key = ? WHERE peer_id = ?`, pub, string(peerID)); err != nil {
		return false, fmt.Errorf("trust: set key %s: %w", peerID, err)
	}
	return true, t.Reload(ctx)
}

// AddRecommendation implements spec.md §4.3's add_recommendation rule.
func (t *DB) AddRecommendation(ctx context.Context, recommender, recommended identity.PeerID, name string, now time.Time) error {
	if recommender == recommended {
		return ErrSelfRecommendation
	}
	if !t.IsDirectlyTrusted(recommender, now) {
		return ErrNotDirectlyTrusted
	}

	existing, ok := t.lookupCache(recommended)
	if !ok {
		if err := t.insertMinimal(ctx, recommended, name, now); err != nil {
			return err
		}
		existing, ok = t.lookupCache(recommended)
		if !ok {
			return fmt.Errorf("trust: recommendation target %s vanished after insert", recommended)
		}
	}

	for _, r := range existing.RecommendedBy {
		if r == recommender {
			log.Debug("duplicate recommendation ignored", "recommender", recommender, "recommended", recommended)
			return nil
		}
	}

	updated := append(append([]identity.PeerID(nil), existing.RecommendedBy...), recommender)
	raw := make([]string, len(updated))
	for i, p := range updated {
		raw[i] = string(p)
	}
	recommendedByJSON, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	_, err = t.db.ExecContext(ctx, `UPDATE whitelist SET recommended_by = ?, recommendation_count = recommendation_count + 1 WHERE peer_id = ?`,
		string(recommendedByJSON), string(recommended))
	if err != nil {
		return fmt.Errorf("trust: add recommendation: %w", err)
	}
	return t.Reload(ctx)
}

func (t *DB) insertMinimal(ctx context.Context, peerID identity.PeerID, name string, now time.Time) error {
	recommendedByJSON, _ := json.Marshal([]string{})
	_, err := t.db.ExecContext(ctx, `INSERT OR IGNORE INTO whitelist (peer_id, name, public_key, added_at, expires_at, recommended_by, recommendation_count)
		VALUES (?, ?, NULL, ?, NULL, ?, 0)`, string(peerID), name, now.UnixNano(), string(recommendedByJSON))
	if err != nil {
		return fmt.Errorf("trust: insert minimal %s: %w", peerID, err)
	}
	return t.Reload(ctx)
}
