// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/polite-crawler/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTablePrefix = "crawl"

// Config controls the Postgres connection pool backing the crawl store.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements storage.Store on two tables: <prefix>_kv for point lookups
// and <prefix>_queue for the ordered collections. Dequeue claims a row with
// FOR UPDATE SKIP LOCKED so several crawler processes can share one queue.
type Store struct {
	pool   pool
	kv     string
	queue  string
	prefix string
}

var _ storage.Store = (*Store)(nil)

// New connects a pool using cfg and returns a Store. Tables are created by Init.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	prefix, err := tablePrefix(cfg.TablePrefix)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, storage.Wrap("connect", fmt.Errorf("connect postgres: %w", err))
	}
	return newStore(p, prefix), nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, prefix string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	prefix, err := tablePrefix(prefix)
	if err != nil {
		return nil, err
	}
	return newStore(p, prefix), nil
}

func newStore(p pool, prefix string) *Store {
	return &Store{
		pool:   p,
		kv:     prefix + "_kv",
		queue:  prefix + "_queue",
		prefix: prefix,
	}
}

func tablePrefix(prefix string) (string, error) {
	if prefix == "" {
		prefix = defaultTablePrefix
	}
	if !validTableName.MatchString(prefix) {
		return "", fmt.Errorf("invalid table prefix %q", prefix)
	}
	return prefix, nil
}

// Init creates the tables and the dequeue index when missing.
func (s *Store) Init(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`, s.kv),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	key TEXT NOT NULL,
	priority INTEGER NOT NULL,
	value TEXT NOT NULL
)`, s.queue),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_order_idx ON %s (key, priority DESC, id)`, s.queue, s.queue),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return storage.Wrap("init", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Clear truncates both tables.
func (s *Store) Clear(ctx context.Context) error {
	query := fmt.Sprintf(`TRUNCATE %s, %s`, s.kv, s.queue)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return storage.Wrap("clear", err)
	}
	return nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.kv)
	var value string
	if err := s.pool.QueryRow(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, storage.Wrap("get", err)
	}
	return value, true, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key, value string) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, s.kv)
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return storage.Wrap("set", err)
	}
	return nil
}

// Enqueue implements storage.Store.
func (s *Store) Enqueue(ctx context.Context, key, value string, priority int) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, priority, value) VALUES ($1, $2, $3)`, s.queue)
	if _, err := s.pool.Exec(ctx, query, key, priority, value); err != nil {
		return storage.Wrap("enqueue", err)
	}
	return nil
}

// Dequeue implements storage.Store. The delete and the select run as one
// statement; SKIP LOCKED keeps concurrent callers off each other's rows.
func (s *Store) Dequeue(ctx context.Context, key string) (string, bool, error) {
	query := fmt.Sprintf(`DELETE FROM %[1]s
WHERE id = (
	SELECT id FROM %[1]s
	WHERE key = $1
	ORDER BY priority DESC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING value`, s.queue)
	var value string
	if err := s.pool.QueryRow(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, storage.Wrap("dequeue", err)
	}
	return value, true, nil
}

// Size implements storage.Store.
func (s *Store) Size(ctx context.Context, key string) (int, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE key = $1`, s.queue)
	var count int64
	if err := s.pool.QueryRow(ctx, query, key).Scan(&count); err != nil {
		return 0, storage.Wrap("size", err)
	}
	return int(count), nil
}

// Remove implements storage.Store.
func (s *Store) Remove(ctx context.Context, key string) error {
	for _, table := range []string{s.kv, s.queue} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, table)
		if _, err := s.pool.Exec(ctx, query, key); err != nil {
			return storage.Wrap("remove", err)
		}
	}
	return nil
}
