// Package store implements lankv's durable replicated key-value state: an
// embedded SQLite kv_store table, last-writer-wins merge for remote writes,
// and an age-based tombstone sweep. LWW semantics follow
// original_source/src/storage.rs's timestamp comparison, generalized with
// the lexicographic tie-break and soft-delete column spec.md adds.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lankv/lankv/internal/obs"
)

var log = obs.Logger("store")

// ErrNotFound is returned by Get when the key has no live record.
var ErrNotFound = errors.New("store: key not found")

// ValidationError wraps a key/value invariant violation (spec.md §3, §4.1).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "store: validation: " + e.Reason }

// DefaultSweepAge is the tombstone age after which sweep physically deletes
// a record, per spec.md §4.1.
const DefaultSweepAge = 30 * 24 * time.Hour

// Record is a single key-value entry, spec.md §3.
type Record struct {
	Key       string
	Value     string
	Timestamp time.Time
	Deleted   bool
}

// Store owns the durable kv_store table. All mutations commit before the
// call returns; a crash between commit and publish only loses dissemination
// of that one write, which eventual consistency repairs on the next write.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to the kv_store table at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-file sqlite serializes writers anyway
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ValidateKeyValue enforces the Record invariants of spec.md §3: key
// non-empty, <=maxKeyLen, no control characters, no path-traversal
// sequences; value <=maxValueLen.
func ValidateKeyValue(key, value string, maxKeyLen, maxValueLen int) error {
	if key == "" {
		return &ValidationError{Reason: "key cannot be empty"}
	}
	if len(key) > maxKeyLen {
		return &ValidationError{Reason: fmt.Sprintf("key too long: %d > %d", len(key), maxKeyLen)}
	}
	for _, c := range key {
		if c < 0x20 {
			return &ValidationError{Reason: "key contains control characters"}
		}
	}
	if containsPathTraversal(key) {
		return &ValidationError{Reason: "key contains unsafe path characters"}
	}
	if len(value) > maxValueLen {
		return &ValidationError{Reason: fmt.Sprintf("value too long: %d > %d", len(value), maxValueLen)}
	}
	return nil
}

func containsPathTraversal(key string) bool {
	if len(key) > 0 && key[0] == '/' {
		return true
	}
	for i := 0; i+1 < len(key); i++ {
		if key[i] == '.' && key[i+1] == '.' {
			return true
		}
		if key[i] == '/' && key[i+1] == '/' {
			return true
		}
	}
	return false
}

// PutLocal validates and unconditionally overwrites key with value,
// stamping timestamp = now(). Returns the new Record for the caller to
// sign and publish.
func (s *Store) PutLocal(ctx context.Context, key, value string, maxKeyLen, maxValueLen int, now time.Time) (Record, error) {
	if err := ValidateKeyValue(key, value, maxKeyLen, maxValueLen); err != nil {
		return Record{}, err
	}
	rec := Record{Key: key, Value: value, Timestamp: now, Deleted: false}
	if err := s.upsert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("store: put_local: %w", err)
	}
	return rec, nil
}

// DeleteLocal tombstones key, stamping timestamp = now().
func (s *Store) DeleteLocal(ctx context.Context, key string, now time.Time) (Record, error) {
	rec := Record{Key: key, Value: "", Timestamp: now, Deleted: true}
	if err := s.upsert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("store: delete_local: %w", err)
	}
	return rec, nil
}

// PutRemote applies an inbound Put under the LWW rule of spec.md §4.1:
// apply iff no record exists, or timestamp is strictly newer, or timestamps
// tie and the incoming value is lexicographically greater. Returns whether
// it was applied.
func (s *Store) PutRemote(ctx context.Context, key, value string, timestamp time.Time) (bool, error) {
	return s.mergeRemote(ctx, Record{Key: key, Value: value, Timestamp: timestamp, Deleted: false})
}

// DeleteRemote applies an inbound Delete under the same LWW rule. A
// tombstone wins over a put at an equal timestamp unconditionally, per
// spec.md §4.1 — the lexicographic tie-break only decides between two
// records of the same kind (put vs put).
func (s *Store) DeleteRemote(ctx context.Context, key string, timestamp time.Time) (bool, error) {
	return s.mergeRemote(ctx, Record{Key: key, Value: "", Timestamp: timestamp, Deleted: true})
}

func (s *Store) mergeRemote(ctx context.Context, incoming Record) (bool, error) {
	existing, err := s.lookup(ctx, incoming.Key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("store: merge lookup: %w", err)
	}
	applied := errors.Is(err, ErrNotFound) || newerThan(incoming, existing)
	if !applied {
		return false, nil
	}
	if err := s.upsert(ctx, incoming); err != nil {
		return false, fmt.Errorf("store: merge upsert: %w", err)
	}
	return true, nil
}

// newerThan implements the LWW compare-and-replace rule: strictly newer
// timestamp wins; at equal timestamps a tombstone beats a put unconditionally,
// and two records of the same kind break the tie on lexicographically
// greater value.
func newerThan(incoming, existing Record) bool {
	if incoming.Timestamp.After(existing.Timestamp) {
		return true
	}
	if incoming.Timestamp.Before(existing.Timestamp) {
		return false
	}
	if incoming.Deleted != existing.Deleted {
		return incoming.Deleted
	}
	return incoming.Value > existing.Value
}

func (s *Store) lookup(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, value, timestamp, deleted FROM kv_store WHERE key = ?`, key)
	var rec Record
	var ts int64
	var deleted int
	if err := row.Scan(&rec.Key, &rec.Value, &ts, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Timestamp = time.Unix(0, ts)
	rec.Deleted = deleted != 0
	return rec, nil
}

func (s *Store) upsert(ctx context.Context, rec Record) error {
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv_store (key, value, timestamp, deleted) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, timestamp = excluded.timestamp, deleted = excluded.deleted`,
		rec.Key, rec.Value, rec.Timestamp.UnixNano(), deleted)
	return err
}

// Get returns the value for key if it exists and is not soft-deleted.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	rec, err := s.lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if rec.Deleted {
		return "", ErrNotFound
	}
	return rec.Value, nil
}

// List returns every non-deleted (key, value) pair; order is unspecified.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, timestamp, deleted FROM kv_store WHERE deleted = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts int64
		var deleted int
		if err := rows.Scan(&rec.Key, &rec.Value, &ts, &deleted); err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts)
		rec.Deleted = deleted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Sweep physically removes tombstones older than maxAge, defaulting to
// DefaultSweepAge (30 days).
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration, now time.Time) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultSweepAge
	}
	cutoff := now.Add(-maxAge).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE deleted = 1 AND timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info("swept tombstones", "count", n)
	}
	return n, nil
}
