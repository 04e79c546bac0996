// Package sqlite implements storage.Store on a single SQLite file so a crawl
// can be stopped and resumed on one machine without external services.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/polite-crawler/internal/storage"
)

// Store keeps the cache in a kv table and every queue in one queue table
// ordered by (priority DESC, id ASC).
type Store struct {
	db   *sql.DB
	path string
}

var _ storage.Store = (*Store)(nil)

// New opens (creating when needed) the database file at path.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.sqlite.path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; the dequeue statement relies on it for atomicity.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	return &Store{db: db, path: path}, nil
}

// Path reports the database file location.
func (s *Store) Path() string {
	return s.path
}

// Init enables WAL and creates the schema.
func (s *Store) Init(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			priority INTEGER NOT NULL,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_order ON queue(key, priority DESC, id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storage.Wrap("init", err)
		}
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return storage.Wrap("close", err)
	}
	return nil
}

// Clear implements storage.Store.
func (s *Store) Clear(ctx context.Context) error {
	for _, stmt := range []string{`DELETE FROM kv`, `DELETE FROM queue`} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storage.Wrap("clear", err)
		}
	}
	return nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storage.Wrap("get", err)
	}
	return value, true, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return storage.Wrap("set", err)
	}
	return nil
}

// Enqueue implements storage.Store.
func (s *Store) Enqueue(ctx context.Context, key, value string, priority int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (key, priority, value) VALUES (?, ?, ?)`, key, priority, value)
	if err != nil {
		return storage.Wrap("enqueue", err)
	}
	return nil
}

// Dequeue implements storage.Store.
func (s *Store) Dequeue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `DELETE FROM queue
		WHERE id = (
			SELECT id FROM queue WHERE key = ?
			ORDER BY priority DESC, id ASC
			LIMIT 1
		)
		RETURNING value`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storage.Wrap("dequeue", err)
	}
	return value, true, nil
}

// Size implements storage.Store.
func (s *Store) Size(ctx context.Context, key string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM queue WHERE key = ?`, key).Scan(&n); err != nil {
		return 0, storage.Wrap("size", err)
	}
	return n, nil
}

// Remove implements storage.Store.
func (s *Store) Remove(ctx context.Context, key string) error {
	for _, stmt := range []string{`DELETE FROM kv WHERE key = ?`, `DELETE FROM queue WHERE key = ?`} {
		if _, err := s.db.ExecContext(ctx, stmt, key); err != nil {
			return storage.Wrap("remove", err)
		}
	}
	return nil
}
