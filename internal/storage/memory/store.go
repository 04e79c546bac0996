// Package memory provides an in-process storage.Store for single-run crawls
// and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/polite-crawler/internal/storage"
)

type item struct {
	value    string
	priority int
}

// Store keeps key/value pairs and priority queues in maps guarded by one mutex.
// Each queue is a slice sorted ascending by priority; new items are inserted
// at the lower bound of their priority so the newest sits furthest from the
// pop end, which keeps equal priorities FIFO.
type Store struct {
	mu     sync.Mutex
	kv     map[string]string
	queues map[string][]item
}

var _ storage.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		kv:     make(map[string]string),
		queues: make(map[string][]item),
	}
}

// Init implements storage.Store.
func (s *Store) Init(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kv == nil {
		s.kv = make(map[string]string)
	}
	if s.queues == nil {
		s.queues = make(map[string][]item)
	}
	return nil
}

// Close implements storage.Store. State survives Close so a crawler can be
// rebuilt on the same Store.
func (s *Store) Close() error {
	return nil
}

// Clear implements storage.Store.
func (s *Store) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv = make(map[string]string)
	s.queues = make(map[string][]item)
	return nil
}

// Get implements storage.Store.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.kv[key]
	return value, ok, nil
}

// Set implements storage.Store.
func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kv == nil {
		s.kv = make(map[string]string)
	}
	s.kv[key] = value
	return nil
}

// Enqueue implements storage.Store.
func (s *Store) Enqueue(_ context.Context, key, value string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queues == nil {
		s.queues = make(map[string][]item)
	}
	q := s.queues[key]
	idx := sort.Search(len(q), func(i int) bool { return q[i].priority >= priority })
	q = append(q, item{})
	copy(q[idx+1:], q[idx:])
	q[idx] = item{value: value, priority: priority}
	s.queues[key] = q
	return nil
}

// Dequeue implements storage.Store.
func (s *Store) Dequeue(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[key]
	if len(q) == 0 {
		return "", false, nil
	}
	last := q[len(q)-1]
	q[len(q)-1] = item{}
	s.queues[key] = q[:len(q)-1]
	return last.value, true, nil
}

// Size implements storage.Store.
func (s *Store) Size(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[key]), nil
}

// Remove implements storage.Store.
func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	delete(s.queues, key)
	return nil
}
