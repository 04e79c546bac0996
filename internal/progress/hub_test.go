package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 3, MaxBatchWait: time.Hour}, rec)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	for range 3 {
		hub.Emit(runEvent(StageRequestStarted))
	}
	require.Eventually(t, func() bool {
		sizes := rec.sizes()
		return len(sizes) == 1 && sizes[0] == 3
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesAfterWait(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: 20 * time.Millisecond}, rec)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(runEvent(StageRunStart))
	require.Eventually(t, func() bool { return len(rec.sizes()) == 1 }, time.Second, 5*time.Millisecond)
}

// A steady trickle of events must not postpone delivery indefinitely.
func TestHubWaitCountsFromFirstEvent(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 10_000, MaxBatchWait: 30 * time.Millisecond}, rec)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	deadline := time.Now().Add(time.Second)
	for len(rec.sizes()) == 0 && time.Now().Before(deadline) {
		hub.Emit(runEvent(StageRequestStarted))
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, rec.sizes())
}

func TestHubCloseDrainsAndClosesSinks(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Hour}, rec, nil)
	hub.Emit(runEvent(StageRunStart))
	hub.Emit(runEvent(StageRequestStarted))

	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, []int{2}, rec.sizes())
	require.True(t, rec.isClosed())

	// Closed hubs ignore events and later Close calls only wait.
	hub.Emit(runEvent(StageRunDone))
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, []int{2}, rec.sizes())
}

func TestHubSlowSinkDoesNotStarvePeers(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	stuck := &recordingSink{block: true, err: errors.New("gave up")}
	hub := NewHub(Config{
		MaxBatchEvents: 1,
		SinkTimeout:    30 * time.Millisecond,
	}, stuck, rec)

	hub.Emit(runEvent(StageRequestStarted))
	require.Eventually(t, func() bool { return len(rec.sizes()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, []int{1}, stuck.sizes())
}

func TestHubDropsWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		in:       make(chan Event, 1),
		log:      zap.NewNop(),
		dropWarn: &rate.Sometimes{Interval: time.Hour},
	}
	start := time.Now()
	for range 5 {
		hub.Emit(runEvent(StageRequestStarted))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(4), hub.Dropped())
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 1}, rec)
	hub.Emit(Event{Stage: StageRunStart})
	bad := runEvent(StageRequestFinished)
	bad.StatusClass = ""
	hub.Emit(bad)
	hub.Emit(runEvent(StageRequestFinished))
	require.NoError(t, hub.Close(context.Background()))

	got := rec.events()
	require.Len(t, got, 1)
	require.Equal(t, StageRequestFinished, got[0].Stage)
}

func TestNilHubIsInert(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(runEvent(StageRunStart))
	require.Zero(t, hub.Dropped())
	require.NoError(t, hub.Close(context.Background()))
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := map[int]StatusClass{
		204: Status2xx,
		301: Status3xx,
		404: Status4xx,
		503: Status5xx,
		0:   StatusOther,
	}
	for code, want := range cases {
		require.Equal(t, want, ClassifyStatus(code), code)
	}
}

type recordingSink struct {
	block bool
	err   error

	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *recordingSink) Consume(ctx context.Context, batch []Event) error {
	s.mu.Lock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
	}
	return s.err
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, len(b))
	}
	return out
}

func (s *recordingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func runEvent(stage Stage) Event {
	evt := Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: stage,
		Site:  "example.com",
	}
	if stage == StageRequestFinished {
		evt.StatusClass = Status2xx
	}
	return evt
}
