// Package store implements the persistent seen-URI store shared by the
// timeline filter and the WebSocket relay. It is the only mutable shared
// resource on the hot path: every call is a single atomic test-and-set
// against a SQLite table opened in WAL mode.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/ivoryvalley/ivoryvalley/pkg/ivoryerr"
)

// Outcome is the result of a test-and-set call against the store.
type Outcome int

const (
	// Fresh means the URI was absent and has now been recorded.
	Fresh Outcome = iota
	// Duplicate means the URI was already present.
	Duplicate
)

// Store is a persistent key→timestamp map over content URIs. Writes are
// serialized by holding mu for the duration of the insert attempt; reads
// do not take mu, but the pool holds a single connection, so every
// statement, read or write, runs on that connection one at a time.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if needed) the database file at path, applies the
// concurrency pragmas, creates the schema, and returns a ready Store. It
// tolerates abrupt prior termination: SQLite's WAL recovery runs on open.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, ivoryerr.New(ivoryerr.KindStore, fmt.Errorf("create database directory %q: %w", dir, err))
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ivoryerr.New(ivoryerr.KindStore, fmt.Errorf("open database %q: %w", path, err))
	}

	// SQLite allows only one writer at a time; cap the pool so database/sql
	// never hands out a second connection that could race on a write.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, ivoryerr.New(ivoryerr.KindStore, fmt.Errorf("open database %q: %w", path, err))
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS seen_uris (
			uri TEXT PRIMARY KEY,
			first_seen INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_seen_uris_first_seen ON seen_uris(first_seen);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, ivoryerr.New(ivoryerr.KindStore, fmt.Errorf("create schema: %w", err))
	}

	return &Store{db: db}, nil
}

// ExistsOrRecord performs the store's only hot-path operation: an atomic
// test-and-set. If uri is absent it is inserted with first_seen=now and
// Fresh is returned; otherwise Duplicate is returned and first_seen is left
// untouched. The critical section holds no other suspension point: exactly
// one statement executes while mu is held.
func (s *Store) ExistsOrRecord(ctx context.Context, uri string, now time.Time) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_uris(uri, first_seen) VALUES (?, ?) ON CONFLICT(uri) DO NOTHING`,
		uri, now.Unix(),
	)
	if err != nil {
		return Duplicate, ivoryerr.New(ivoryerr.KindStore, fmt.Errorf("record uri: %w", err))
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return Duplicate, ivoryerr.New(ivoryerr.KindStore, fmt.Errorf("check insert result: %w", err))
	}
	if rows == 1 {
		return Fresh, nil
	}
	return Duplicate, nil
}

// FirstSeen looks up the recorded timestamp for uri, for diagnostics. The
// second return is false if uri is absent.
func (s *Store) FirstSeen(ctx context.Context, uri string) (time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT first_seen FROM seen_uris WHERE uri = ?`, uri)
	var unixSeconds int64
	if err := row.Scan(&unixSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, ivoryerr.New(ivoryerr.KindStore, fmt.Errorf("lookup uri: %w", err))
	}
	return time.Unix(unixSeconds, 0).UTC(), true, nil
}

// Ping exercises the store for the deep health check: a trivial query that
// would surface a corrupted or unreadable database file.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return ivoryerr.New(ivoryerr.KindStore, fmt.Errorf("ping store: %w", err))
	}
	return nil
}

// Close flushes durable state and releases the underlying connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return ivoryerr.New(ivoryerr.KindStore, fmt.Errorf("close database: %w", err))
	}
	return nil
}
