package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/storage"
	"github.com/JakeFAU/polite-crawler/internal/storage/memory"
)

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) handle(_ context.Context, e Entry[string]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, e.Options)
}

func (r *recorder) values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func waitIdle(t *testing.T, q *Queue[string]) {
	t.Helper()
	select {
	case <-q.OnIdle():
	case <-time.After(5 * time.Second):
		t.Fatal("queue never became idle")
	}
}

func newQueue(t *testing.T, store storage.Store, max int, handler Handler[string]) *Queue[string] {
	t.Helper()
	q, err := New(store, Config{MaxConcurrency: max}, handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New[string](nil, Config{}, func(context.Context, Entry[string]) {})
	require.Error(t, err)
	_, err = New[string](memory.New(), Config{}, nil)
	require.Error(t, err)
}

func TestReleaseOrderIsPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &recorder{}
	q := newQueue(t, memory.New(), 1, rec.handle)
	q.Pause()
	require.NoError(t, q.Init(ctx))

	require.NoError(t, q.Push(ctx, "a", 1, "", 5))
	require.NoError(t, q.Push(ctx, "b", 1, "", 5))
	require.NoError(t, q.Push(ctx, "c", 1, "", 10))
	require.NoError(t, q.Push(ctx, "d", 1, "", 1))
	require.NoError(t, q.Push(ctx, "e", 1, "", 10))

	q.Resume()
	waitIdle(t, q)
	require.Equal(t, []string{"c", "e", "a", "b", "d"}, rec.values())
}

func TestHigherPriorityPushedLaterRunsFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &recorder{}
	q := newQueue(t, memory.New(), 1, rec.handle)
	q.Pause()
	require.NoError(t, q.Init(ctx))
	require.NoError(t, q.Push(ctx, "A", 1, "", 5))
	require.NoError(t, q.Push(ctx, "B", 1, "", 10))
	q.Resume()

	waitIdle(t, q)
	require.Equal(t, []string{"B", "A"}, rec.values())
}

func TestActiveNeverExceedsMaxConcurrency(t *testing.T) {
	t.Parallel()

	const (
		limit = 3
		total = 30
	)
	var (
		current atomic.Int32
		peak    atomic.Int32
		handled atomic.Int32
	)
	ctx := context.Background()
	var q *Queue[string]
	q = newQueue(t, memory.New(), limit, func(context.Context, Entry[string]) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if pending := q.Pending(); pending > limit {
			t.Errorf("pending %d exceeds limit", pending)
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		handled.Add(1)
	})
	require.NoError(t, q.Init(ctx))
	for i := 0; i < total; i++ {
		require.NoError(t, q.Push(ctx, fmt.Sprint(i), 1, "", 0))
	}

	waitIdle(t, q)
	require.Equal(t, int32(total), handled.Load())
	require.LessOrEqual(t, peak.Load(), int32(limit))
	require.Equal(t, int32(limit), peak.Load())
	require.Zero(t, q.Pending())
}

func TestPauseThenPushThenResumeReleasesExactlyN(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &recorder{}
	q := newQueue(t, memory.New(), 4, rec.handle)
	require.NoError(t, q.Init(ctx))
	q.Pause()
	require.True(t, q.IsPaused())

	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, q.Push(ctx, fmt.Sprint(i), 1, "", i%4))
	}
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, rec.values())
	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, n, size)

	q.Resume()
	require.False(t, q.IsPaused())
	waitIdle(t, q)

	got := rec.values()
	require.Len(t, got, n)
	unique := make(map[string]struct{}, n)
	for _, v := range got {
		unique[v] = struct{}{}
	}
	require.Len(t, unique, n)
}

func TestOnIdleWaitsForActiveEntriesAndDoesNotRearm(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	release := make(chan struct{})
	q := newQueue(t, memory.New(), 2, func(context.Context, Entry[string]) {
		<-release
	})
	require.NoError(t, q.Init(ctx))

	first := q.OnIdle()
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("empty queue should be idle")
	}

	require.NoError(t, q.Push(ctx, "slow", 1, "", 0))
	require.Eventually(t, func() bool { return q.Pending() == 1 }, time.Second, 5*time.Millisecond)

	second := q.OnIdle()
	third := q.OnIdle()
	select {
	case <-second:
		t.Fatal("idle fired while an entry was active")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	for _, ch := range []<-chan struct{}{second, third} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("idle waiter never resolved")
		}
	}
}

func TestEndRejectsPushes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &recorder{}
	q := newQueue(t, memory.New(), 1, rec.handle)
	require.NoError(t, q.Init(ctx))
	q.End()

	err := q.Push(ctx, "late", 1, "", 0)
	require.ErrorIs(t, err, ErrQueueClosed)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
}

func TestInitReleasesPersistedEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()

	first, err := New(store, Config{MaxConcurrency: 1}, func(context.Context, Entry[string]) {})
	require.NoError(t, err)
	first.Pause()
	require.NoError(t, first.Init(ctx))
	require.NoError(t, first.Push(ctx, "resumed", 2, "https://example.com/", 3))
	require.NoError(t, first.Close())

	var got []Entry[string]
	var mu sync.Mutex
	second := newQueue(t, store, 1, func(_ context.Context, e Entry[string]) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	require.NoError(t, second.Init(ctx))
	waitIdle(t, second)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Entry[string]{{
		Options:     "resumed",
		Depth:       2,
		PreviousURL: "https://example.com/",
		Priority:    3,
	}}, got)
}

func TestCloseWithoutInit(t *testing.T) {
	t.Parallel()

	q, err := New(memory.New(), Config{}, func(context.Context, Entry[string]) {})
	require.NoError(t, err)
	require.NoError(t, q.Close())
}

type failingStore struct {
	storage.Store
}

func (failingStore) Init(context.Context) error {
	return errors.New("disk full")
}

func TestInitFailureIsStorageError(t *testing.T) {
	t.Parallel()

	q, err := New[string](failingStore{Store: memory.New()}, Config{}, func(context.Context, Entry[string]) {})
	require.NoError(t, err)
	err = q.Init(context.Background())
	require.Error(t, err)
	require.True(t, storage.IsStorageError(err))
}
