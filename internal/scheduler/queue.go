// Package scheduler releases persisted crawl entries in priority order while
// keeping the number of in-flight entries under a ceiling.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/storage"
)

// ErrQueueClosed is returned by Push after End.
var ErrQueueClosed = errors.New("scheduler: queue closed")

const (
	defaultKey            = "queue"
	defaultMaxConcurrency = 10
)

// Entry is one unit of scheduled work.
type Entry[T any] struct {
	Options     T
	Depth       int
	PreviousURL string
	Priority    int
}

// record is the stored form of an Entry. The sequence only matters to backends
// that cannot order ties themselves and to anyone inspecting the store.
type record[T any] struct {
	Options     T      `json:"options"`
	Depth       int    `json:"depth"`
	PreviousURL string `json:"previousUrl,omitempty"`
	Priority    int    `json:"priority"`
	Sequence    uint64 `json:"sequence"`
}

// Handler processes a released entry. Returning signals completion.
type Handler[T any] func(ctx context.Context, entry Entry[T])

// Config controls a Queue.
type Config struct {
	// Key names the collection in the store (default "queue").
	Key string
	// MaxConcurrency caps in-flight entries (default 10).
	MaxConcurrency int
	Logger         *zap.Logger
}

// Queue is a priority queue over a storage.Store with bounded concurrency.
// A single loop goroutine performs every release; it is woken through a one
// slot channel so bursts of notifications collapse into one pass.
type Queue[T any] struct {
	store   storage.Store
	key     string
	max     int
	handler Handler[T]
	logger  *zap.Logger

	mu      sync.Mutex
	paused  bool
	ended   bool
	active  int
	waiters []chan struct{}
	// pushing counts pushes between sequence assignment and a stored entry;
	// pushes counts completed ones. Both void an idle check that raced a push.
	pushing int
	pushes  uint64

	pushMu sync.Mutex
	seq    uint64

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	initOnce  sync.Once
	closeOnce sync.Once
	started   bool
	ctx       context.Context
}

// New constructs a Queue. Call Init before entries are released.
func New[T any](store storage.Store, cfg Config, handler Handler[T]) (*Queue[T], error) {
	if store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("scheduler: handler is required")
	}
	if cfg.Key == "" {
		cfg.Key = defaultKey
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue[T]{
		store:   store,
		key:     cfg.Key,
		max:     cfg.MaxConcurrency,
		handler: handler,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     context.Background(),
	}, nil
}

// Init prepares the store and starts the release loop. Entries left in the
// store by an earlier run are released right away.
func (q *Queue[T]) Init(ctx context.Context) error {
	if err := q.store.Init(ctx); err != nil {
		return storage.Wrap("init", err)
	}
	q.initOnce.Do(func() {
		q.ctx = context.WithoutCancel(ctx)
		q.mu.Lock()
		q.started = true
		q.mu.Unlock()
		go q.run()
	})
	q.notify()
	return nil
}

// Push stores an entry. It never waits for capacity.
func (q *Queue[T]) Push(ctx context.Context, opts T, depth int, previousURL string, priority int) error {
	q.mu.Lock()
	if q.ended {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pushing++
	q.mu.Unlock()

	err := q.enqueue(ctx, opts, depth, previousURL, priority)

	q.mu.Lock()
	q.pushing--
	q.pushes++
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.notify()
	return nil
}

func (q *Queue[T]) enqueue(ctx context.Context, opts T, depth int, previousURL string, priority int) error {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	q.seq++
	payload, err := json.Marshal(record[T]{
		Options:     opts,
		Depth:       depth,
		PreviousURL: previousURL,
		Priority:    priority,
		Sequence:    q.seq,
	})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := q.store.Enqueue(ctx, q.key, string(payload), priority); err != nil {
		return storage.Wrap("enqueue", err)
	}
	return nil
}

// Pause stops new releases. In-flight entries keep running.
func (q *Queue[T]) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables releases.
func (q *Queue[T]) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.notify()
}

// IsPaused reports whether releases are paused.
func (q *Queue[T]) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Size reports how many entries are stored and not yet released.
func (q *Queue[T]) Size(ctx context.Context) (int, error) {
	n, err := q.store.Size(ctx, q.key)
	if err != nil {
		return 0, storage.Wrap("size", err)
	}
	return n, nil
}

// Pending reports how many released entries have not completed.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// OnIdle returns a channel closed once a release pass observes an empty store
// and no in-flight entries. Each channel fires once; call again to wait for
// work pushed afterwards.
func (q *Queue[T]) OnIdle() <-chan struct{} {
	ch := make(chan struct{})
	q.mu.Lock()
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()
	q.notify()
	return ch
}

// End rejects further pushes and stops releases. Idle waiters are left alone.
func (q *Queue[T]) End() {
	q.mu.Lock()
	q.ended = true
	q.mu.Unlock()
}

// Close stops the release loop. Entries already handed to the handler are not
// interrupted.
func (q *Queue[T]) Close() error {
	q.closeOnce.Do(func() {
		close(q.stop)
	})
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if started {
		<-q.done
	}
	return nil
}

func (q *Queue[T]) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}
		q.release()
		q.checkIdle()
	}
}

func (q *Queue[T]) release() {
	for {
		q.mu.Lock()
		if q.paused || q.ended || q.active >= q.max {
			q.mu.Unlock()
			return
		}
		// Reserve the slot before dequeuing so active never exceeds max.
		q.active++
		q.mu.Unlock()

		raw, ok, err := q.store.Dequeue(q.ctx, q.key)
		if err != nil || !ok {
			q.mu.Lock()
			q.active--
			q.mu.Unlock()
			if err != nil {
				q.logger.Error("dequeue failed", zap.String("key", q.key), zap.Error(err))
			}
			return
		}

		var rec record[T]
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			q.mu.Lock()
			q.active--
			q.mu.Unlock()
			q.logger.Error("dropping undecodable entry", zap.String("key", q.key), zap.Error(err))
			continue
		}
		entry := Entry[T]{
			Options:     rec.Options,
			Depth:       rec.Depth,
			PreviousURL: rec.PreviousURL,
			Priority:    rec.Priority,
		}
		go q.dispatch(entry)
	}
}

func (q *Queue[T]) dispatch(entry Entry[T]) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("entry handler panicked", zap.Any("panic", r))
		}
		q.mu.Lock()
		q.active--
		q.mu.Unlock()
		q.notify()
	}()
	q.handler(q.ctx, entry)
}

func (q *Queue[T]) checkIdle() {
	q.mu.Lock()
	if len(q.waiters) == 0 || q.active > 0 || q.pushing > 0 {
		q.mu.Unlock()
		return
	}
	pushes := q.pushes
	q.mu.Unlock()

	size, err := q.store.Size(q.ctx, q.key)
	if err != nil {
		q.logger.Error("size check failed", zap.String("key", q.key), zap.Error(err))
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if size != 0 || q.active != 0 || q.pushing != 0 || q.pushes != pushes {
		return
	}
	for _, ch := range q.waiters {
		close(ch)
	}
	q.waiters = nil
}
