package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values select the
// defaults below.
type Config struct {
	// BufferSize is the capacity of the emit channel.
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait bounds how long the first event of a batch waits before
	// the batch is flushed.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink call.
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink context.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropWarnInterval      = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub batches run events and fans them out to registered sinks. Emit never
// blocks the crawling goroutine that calls it. Each batch is handed to all
// sinks in parallel, so a slow sink delays the next batch but not its peers.
type Hub struct {
	cfg   Config
	sinks []Sink
	in    chan Event
	quit  chan struct{}
	done  chan struct{}
	log   *zap.Logger

	dropWarn     *rate.Sometimes
	sinceWarn    atomic.Int64
	droppedTotal atomic.Int64
	closing      atomic.Bool

	stopOnce sync.Once
	stopCtx  context.Context
}

// NewHub starts the batching goroutine over sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:      cfg,
		sinks:    live,
		in:       make(chan Event, cfg.BufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      cfg.Logger,
		dropWarn: &rate.Sometimes{Interval: dropWarnInterval},
	}
	go h.loop()
	return h
}

// Emit queues evt for the next batch. Invalid events are discarded. When the
// buffer is full the event is dropped and counted.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.log.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
		return
	default:
	}
	h.droppedTotal.Add(1)
	h.sinceWarn.Add(1)
	if h.dropWarn != nil {
		h.dropWarn.Do(func() {
			h.log.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.sinceWarn.Swap(0)))
		})
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.droppedTotal.Load()
}

// Close stops accepting events, flushes what is buffered, closes every sink
// with ctx, and waits for the batching goroutine. It may be called more than
// once; later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closing.Store(true)
		h.stopCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	deadline := time.NewTimer(h.cfg.MaxBatchWait)
	deadline.Stop()
	defer deadline.Stop()

	add := func(evt Event) {
		if len(batch) == 0 {
			deadline.Reset(h.cfg.MaxBatchWait)
		}
		batch = append(batch, evt)
		if len(batch) >= h.cfg.MaxBatchEvents {
			deadline.Stop()
			batch = h.deliver(batch)
		}
	}

	for {
		select {
		case evt := <-h.in:
			add(evt)
		case <-deadline.C:
			batch = h.deliver(batch)
		case <-h.quit:
			for drained := false; !drained; {
				select {
				case evt := <-h.in:
					add(evt)
				default:
					drained = true
				}
			}
			deadline.Stop()
			h.deliver(batch)
			h.shutdownSinks()
			return
		}
	}
}

// deliver hands batch to every sink and returns it emptied for reuse.
func (h *Hub) deliver(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	shared := append([]Event(nil), batch...)
	var g errgroup.Group
	for _, s := range h.sinks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			defer cancel()
			if err := s.Consume(ctx, shared); err != nil {
				h.log.Warn("progress sink consume failed",
					zap.String("sink", fmt.Sprintf("%T", s)),
					zap.Int("events", len(shared)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return batch[:0]
}

func (h *Hub) shutdownSinks() {
	ctx := h.stopCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, s := range h.sinks {
		if err := s.Close(ctx); err != nil {
			h.log.Warn("progress sink close failed",
				zap.String("sink", fmt.Sprintf("%T", s)), zap.Error(err))
		}
	}
}
