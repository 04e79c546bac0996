// Package redis implements storage.Store on Redis so several crawler processes
// can share one queue and one dedup cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/polite-crawler/internal/storage"
)

const defaultPrefix = "crawler"

// Config holds connection settings for the Redis backend.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store keeps plain values under <prefix>:kv:<key> and each queue in a sorted
// set <prefix>:q:<key>. Scores are the negated priority, and members carry a
// zero-padded sequence taken from <prefix>:seq:<key> so ZPOPMIN returns the
// highest priority first and equal priorities in insertion order.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ storage.Store = (*Store)(nil)

// New dials Redis using cfg. The connection is verified by Init.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("storage.redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.Prefix)
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) kvKey(key string) string  { return s.prefix + ":kv:" + key }
func (s *Store) qKey(key string) string   { return s.prefix + ":q:" + key }
func (s *Store) seqKey(key string) string { return s.prefix + ":seq:" + key }

// Init pings the server.
func (s *Store) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storage.Wrap("init", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return storage.Wrap("close", err)
	}
	return nil
}

// Clear deletes every key under the prefix.
func (s *Store) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return storage.Wrap("clear", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return storage.Wrap("clear", err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return storage.Wrap("clear", err)
		}
	}
	return nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.kvKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storage.Wrap("get", err)
	}
	return value, true, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.kvKey(key), value, 0).Err(); err != nil {
		return storage.Wrap("set", err)
	}
	return nil
}

// Enqueue implements storage.Store.
func (s *Store) Enqueue(ctx context.Context, key, value string, priority int) error {
	seq, err := s.client.Incr(ctx, s.seqKey(key)).Result()
	if err != nil {
		return storage.Wrap("enqueue", err)
	}
	member := fmt.Sprintf("%020d:%s", seq, value)
	if err := s.client.ZAdd(ctx, s.qKey(key), goredis.Z{Score: float64(-priority), Member: member}).Err(); err != nil {
		return storage.Wrap("enqueue", err)
	}
	return nil
}

// Dequeue implements storage.Store. ZPOPMIN is atomic on the server.
func (s *Store) Dequeue(ctx context.Context, key string) (string, bool, error) {
	popped, err := s.client.ZPopMin(ctx, s.qKey(key), 1).Result()
	if err != nil {
		return "", false, storage.Wrap("dequeue", err)
	}
	if len(popped) == 0 {
		return "", false, nil
	}
	member, ok := popped[0].Member.(string)
	if !ok {
		return "", false, storage.Wrap("dequeue", fmt.Errorf("unexpected member type %T", popped[0].Member))
	}
	_, value, found := strings.Cut(member, ":")
	if !found {
		return "", false, storage.Wrap("dequeue", fmt.Errorf("malformed queue member %q", member))
	}
	return value, true, nil
}

// Size implements storage.Store.
func (s *Store) Size(ctx context.Context, key string) (int, error) {
	n, err := s.client.ZCard(ctx, s.qKey(key)).Result()
	if err != nil {
		return 0, storage.Wrap("size", err)
	}
	return int(n), nil
}

// Remove implements storage.Store.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.kvKey(key), s.qKey(key), s.seqKey(key)).Err(); err != nil {
		return storage.Wrap("remove", err)
	}
	return nil
}
