// Package sqlite is a backend.Backend implementation on top of a real
// SQLite database, adapted from the teacher's internal/core/db.go engine:
// same WAL-mode pragma string, same "open once, guard with a mutex"
// shape, generalized from a chat-session schema to a single cache_entries
// table addressed by (segment, id).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/catboxgo/cachepolicy/backend"
)

// Backend stores cache entries in a SQLite database opened in WAL mode.
type Backend struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (and, if necessary, creates) a SQLite-backed Backend at
// path. Use ":memory:" for a private in-process database.
func Open(path string) (*Backend, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	b := &Backend{db: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) initSchema() error {
	_, err := b.db.Exec(`
CREATE TABLE IF NOT EXISTS cache_entries (
	segment    TEXT NOT NULL,
	id         TEXT NOT NULL,
	value      BLOB NOT NULL,
	stored_at  INTEGER NOT NULL,
	ttl_nsec   INTEGER NOT NULL,
	PRIMARY KEY (segment, id)
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_stored_at ON cache_entries(stored_at);
`)
	if err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

// Get implements backend.Backend. The stored value is opaque to SQLite:
// callers are expected to pass (and receive back) []byte-encoded values,
// matching how the teacher's own Engine stores message/content blobs.
func (b *Backend) Get(ctx context.Context, seg backend.Segment, id string) (*backend.Item, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var value []byte
	var storedUnix int64
	var ttlNsec int64
	row := b.db.QueryRowContext(ctx,
		`SELECT value, stored_at, ttl_nsec FROM cache_entries WHERE segment = ? AND id = ?`,
		string(seg), id)
	if err := row.Scan(&value, &storedUnix, &ttlNsec); err != nil {
		if err == sql.ErrNoRows {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get %s/%s: %w", seg, id, err)
	}

	stored := time.Unix(0, storedUnix)
	ttl := time.Duration(ttlNsec)
	elapsed := time.Since(stored)
	if ttl > 0 && elapsed >= ttl {
		go b.Drop(context.Background(), seg, id)
		return nil, backend.ErrNotFound
	}

	remaining := ttl
	if ttl > 0 {
		if remaining = ttl - elapsed; remaining < 0 {
			remaining = 0
		}
	}
	return &backend.Item{Value: value, Stored: stored, TTL: remaining}, nil
}

// Set implements backend.Backend. value must be []byte; any other type is
// a programmer error in the caller (the generate/set boundary is where
// application values get encoded).
func (b *Backend) Set(ctx context.Context, seg backend.Segment, id string, value any, ttl time.Duration) error {
	buf, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("sqlite: Set requires a []byte value, got %T", value)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO cache_entries (segment, id, value, stored_at, ttl_nsec)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(segment, id) DO UPDATE SET value = excluded.value, stored_at = excluded.stored_at, ttl_nsec = excluded.ttl_nsec`,
		string(seg), id, buf, time.Now().UnixNano(), int64(ttl))
	if err != nil {
		return fmt.Errorf("sqlite: set %s/%s: %w", seg, id, err)
	}
	return nil
}

// Drop implements backend.Backend.
func (b *Backend) Drop(ctx context.Context, seg backend.Segment, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE segment = ? AND id = ?`, string(seg), id)
	if err != nil {
		return fmt.Errorf("sqlite: drop %s/%s: %w", seg, id, err)
	}
	return nil
}

// ValidateSegmentName implements backend.Backend.
func (b *Backend) ValidateSegmentName(name string) error {
	return backend.ValidateSegmentName(name)
}

// IsReady implements backend.Backend.
func (b *Backend) IsReady() bool {
	return b.db.Ping() == nil
}

// Close closes the underlying database, checkpointing the WAL first, the
// same shutdown sequence the teacher's Engine.Close uses.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return b.db.Close()
}
