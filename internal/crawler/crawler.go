package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/scheduler"
	"github.com/JakeFAU/polite-crawler/internal/storage"
)

const (
	defaultMaxConcurrency = 10
	defaultQueueKey       = "queue"
	defaultHTTPTimeout    = 10 * time.Second
)

// Config holds the settings fixed at construction. Requests cannot override
// them.
type Config struct {
	MaxConcurrency int
	// MaxRequest pauses the crawl after this many fetched entries; 0 disables.
	MaxRequest int
	// PersistCache keeps the store contents when the crawler closes.
	PersistCache bool
	QueueKey     string
	// Defaults is the base policy for every request (DefaultRequestOptions
	// when nil).
	Defaults *RequestOptions
	Hooks    Hooks
	Exporter Exporter
	Limiter  Limiter
	// HTTPClient fetches robots.txt and sitemaps.
	HTTPClient *http.Client
	Logger     *zap.Logger
	Clock      Clock
}

// Crawler schedules and processes requests.
type Crawler struct {
	driver   PageDriver
	store    storage.Store
	queue    *scheduler.Queue[RequestOptions]
	cfg      Config
	defaults RequestOptions
	hooks    Hooks
	exporter Exporter
	limiter  Limiter
	client   *http.Client
	logger   *zap.Logger
	clock    Clock

	maxRequest atomic.Int64
	requested  atomic.Int64

	subsMu sync.RWMutex
	subs   []Subscriber

	uaMu      sync.Mutex
	driverUA  string
	startMu   sync.Mutex
	started   bool
	headerOut bool
	closeOnce sync.Once
	closeErr  error
	stopWatch chan struct{}
}

type entry scheduler.Entry[RequestOptions]

func (e entry) requestError(err error) *RequestError {
	return &RequestError{Options: e.Options, Depth: e.Depth, PreviousURL: e.PreviousURL, Err: err}
}

// New constructs a Crawler over driver and store. Call Start before work is
// released.
func New(driver PageDriver, store storage.Store, cfg Config) (*Crawler, error) {
	if driver == nil {
		return nil, fmt.Errorf("crawler: page driver is required")
	}
	if store == nil {
		return nil, fmt.Errorf("crawler: store is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.MaxRequest < 0 {
		return nil, fmt.Errorf("crawler: max request must be >= 0")
	}
	if cfg.QueueKey == "" {
		cfg.QueueKey = defaultQueueKey
	}
	defaults := DefaultRequestOptions()
	if cfg.Defaults != nil {
		defaults = cfg.Defaults.clone()
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}

	c := &Crawler{
		driver:    driver,
		store:     store,
		cfg:       cfg,
		defaults:  defaults,
		hooks:     hooks,
		exporter:  cfg.Exporter,
		limiter:   cfg.Limiter,
		client:    client,
		logger:    logger,
		clock:     clock,
		stopWatch: make(chan struct{}),
	}
	c.maxRequest.Store(int64(cfg.MaxRequest))
	queue, err := scheduler.New(store, scheduler.Config{
		Key:            cfg.QueueKey,
		MaxConcurrency: cfg.MaxConcurrency,
		Logger:         logger,
	}, func(ctx context.Context, e scheduler.Entry[RequestOptions]) {
		c.handle(ctx, entry(e))
	})
	if err != nil {
		return nil, err
	}
	c.queue = queue
	return c, nil
}

// Start initializes the store, starts releasing queued work and writes the
// export header. Entries persisted by an earlier run resume immediately. A
// failed Start may be retried; the header is written only once.
func (c *Crawler) Start(ctx context.Context) error {
	c.logger.Debug("start")
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}
	if c.exporter != nil && !c.headerOut {
		if err := c.exporter.WriteHeader(ctx); err != nil {
			return fmt.Errorf("write export header: %w", err)
		}
		c.headerOut = true
	}
	if err := c.queue.Init(ctx); err != nil {
		return err
	}
	if d, ok := c.driver.(Disconnecter); ok {
		go c.watchDisconnect(ctx, d.Disconnected())
	}
	c.started = true
	return nil
}

func (c *Crawler) watchDisconnect(ctx context.Context, gone <-chan struct{}) {
	select {
	case <-gone:
		c.publish(context.WithoutCancel(ctx), Event{Kind: EventDisconnected})
	case <-c.stopWatch:
	}
}

// NewRequest returns the default policy pointed at rawURL.
func (c *Crawler) NewRequest(rawURL string) RequestOptions {
	return c.defaults.clone().WithURL(rawURL)
}

// Enqueue validates every request and then queues them as seeds at depth 1.
// If any request is invalid nothing is queued.
func (c *Crawler) Enqueue(ctx context.Context, reqs ...RequestOptions) error {
	c.logger.Debug("enqueue", zap.Int("count", len(reqs)))
	prepared := make([]RequestOptions, 0, len(reqs))
	for _, req := range reqs {
		opts, err := c.validate(req)
		if err != nil {
			return err
		}
		prepared = append(prepared, opts)
	}
	for _, opts := range prepared {
		if err := c.push(ctx, opts, 1, ""); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueURL queues each URL with the default policy.
func (c *Crawler) EnqueueURL(ctx context.Context, urls ...string) error {
	reqs := make([]RequestOptions, 0, len(urls))
	for _, u := range urls {
		reqs = append(reqs, c.NewRequest(u))
	}
	return c.Enqueue(ctx, reqs...)
}

// EnqueueJSON queues requests given as a JSON object, a URL string, or an
// array of either. Object fields overlay the defaults; durations are in
// milliseconds.
func (c *Crawler) EnqueueJSON(ctx context.Context, raw []byte) error {
	raw = bytes.TrimSpace(raw)
	var items []json.RawMessage
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("decode request list: %w", err)
		}
	} else {
		items = []json.RawMessage{raw}
	}
	reqs := make([]RequestOptions, 0, len(items))
	for _, item := range items {
		req, err := c.decodeRequest(item)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}
	return c.Enqueue(ctx, reqs...)
}

func (c *Crawler) decodeRequest(item json.RawMessage) (RequestOptions, error) {
	item = bytes.TrimSpace(item)
	if len(item) > 0 && item[0] == '"' {
		var u string
		if err := json.Unmarshal(item, &u); err != nil {
			return RequestOptions{}, fmt.Errorf("decode request url: %w", err)
		}
		return c.NewRequest(u), nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil {
		return RequestOptions{}, fmt.Errorf("decode request: %w", err)
	}
	for _, key := range reservedOptions {
		if value, ok := fields[key]; ok && truthy(value) {
			return RequestOptions{}, fmt.Errorf("%w: %s", ErrReservedOption, key)
		}
	}
	opts := c.defaults.clone()
	if err := json.Unmarshal(item, &opts); err != nil {
		return RequestOptions{}, fmt.Errorf("decode request: %w", err)
	}
	return opts, nil
}

func truthy(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

func (c *Crawler) validate(opts RequestOptions) (RequestOptions, error) {
	if opts.URL == "" {
		return RequestOptions{}, ErrMissingURL
	}
	if opts.Device != "" {
		if _, ok := Devices[opts.Device]; !ok {
			return RequestOptions{}, fmt.Errorf("%w: %q", ErrUnknownDevice, opts.Device)
		}
	}
	if opts.Delay > 0 && c.cfg.MaxConcurrency != 1 {
		return RequestOptions{}, ErrDelayRequiresSingleConcurrency
	}
	canonical, err := canonicalURL(opts.URL)
	if err != nil {
		return RequestOptions{}, err
	}
	opts.URL = canonical
	return opts, nil
}

// push queues opts. Without an explicit priority, depth-priority requests
// use their depth.
func (c *Crawler) push(ctx context.Context, opts RequestOptions, depth int, previousURL string) error {
	priority := opts.Priority
	if priority == 0 && opts.DepthPriority {
		priority = depth
	}
	return c.queue.Push(ctx, opts, depth, previousURL, priority)
}

// Close stops scheduling and waits for the release loop, then closes the
// driver, finishes the export, clears the cache unless it persists, and closes
// the store. Every failure is returned. Entries already being fetched are not
// interrupted.
func (c *Crawler) Close(ctx context.Context) error {
	c.logger.Debug("close")
	c.closeOnce.Do(func() {
		var errs []error
		c.queue.End()
		if err := c.queue.Close(); err != nil {
			errs = append(errs, err)
		}
		close(c.stopWatch)
		if err := c.driver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close driver: %w", err))
		}
		if c.exporter != nil {
			if err := c.exporter.WriteFooter(ctx); err != nil {
				errs = append(errs, fmt.Errorf("write export footer: %w", err))
			}
			if err := c.exporter.End(ctx); err != nil {
				errs = append(errs, fmt.Errorf("end export: %w", err))
			}
			if err := c.exporter.OnEnd(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush export: %w", err))
			}
		}
		if !c.cfg.PersistCache {
			if err := c.ClearCache(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.store.Close(); err != nil {
			errs = append(errs, storage.Wrap("close", err))
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// WaitIdle blocks until nothing is queued or in flight, or ctx ends.
func (c *Crawler) WaitIdle(ctx context.Context) error {
	c.logger.Debug("wait idle")
	select {
	case <-c.queue.OnIdle():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait idle: %w", ctx.Err())
	}
}

// Pause stops releasing queued requests. In-flight requests finish.
func (c *Crawler) Pause() {
	c.logger.Debug("pause")
	c.queue.Pause()
}

// Resume continues releasing queued requests.
func (c *Crawler) Resume() {
	c.logger.Debug("resume")
	c.queue.Resume()
}

// IsPaused reports whether releases are paused.
func (c *Crawler) IsPaused() bool {
	return c.queue.IsPaused()
}

// SetMaxRequest changes the request ceiling; 0 disables it.
func (c *Crawler) SetMaxRequest(n int) {
	c.logger.Debug("set max request", zap.Int("max_request", n))
	if n < 0 {
		n = 0
	}
	c.maxRequest.Store(int64(n))
}

// MaxRequest returns the current request ceiling.
func (c *Crawler) MaxRequest() int {
	return int(c.maxRequest.Load())
}

// QueueSize reports how many requests wait in the store.
func (c *Crawler) QueueSize(ctx context.Context) (int, error) {
	return c.queue.Size(ctx)
}

// PendingCount reports how many requests are in flight.
func (c *Crawler) PendingCount() int {
	return c.queue.Pending()
}

// RequestedCount reports how many requests reached the fetch stage.
func (c *Crawler) RequestedCount() int {
	return int(c.requested.Load())
}

// ClearCache drops every stored key, including queued requests.
func (c *Crawler) ClearCache(ctx context.Context) error {
	c.logger.Debug("clear cache")
	if err := c.store.Clear(ctx); err != nil {
		return storage.Wrap("clear", err)
	}
	return nil
}

// Version reports the driver's backend version.
func (c *Crawler) Version(ctx context.Context) (string, error) {
	return c.driver.Version(ctx)
}

// UserAgent reports the driver's default user agent.
func (c *Crawler) UserAgent(ctx context.Context) (string, error) {
	return c.driver.UserAgent(ctx)
}

// Subscribe registers s for every later event.
func (c *Crawler) Subscribe(s Subscriber) {
	if s == nil {
		return
	}
	c.subsMu.Lock()
	c.subs = append(c.subs, s)
	c.subsMu.Unlock()
}

func (c *Crawler) publish(ctx context.Context, evt Event) {
	if evt.Time.IsZero() {
		evt.Time = c.clock.Now()
	}
	c.logger.Debug("emit", zap.String("event", string(evt.Kind)), zap.String("url", evt.Options.URL))
	c.subsMu.RLock()
	subs := c.subs
	c.subsMu.RUnlock()
	for _, s := range subs {
		s.HandleEvent(ctx, evt)
	}
}

// userAgentFor resolves the agent used for robots.txt decisions. The driver's
// agent is looked up once.
func (c *Crawler) userAgentFor(ctx context.Context, opts RequestOptions) string {
	if opts.UserAgent != "" || opts.Device != "" {
		return ResolveUserAgent(opts, "")
	}
	c.uaMu.Lock()
	defer c.uaMu.Unlock()
	if c.driverUA == "" {
		ua, err := c.driver.UserAgent(ctx)
		if err != nil {
			c.logger.Warn("driver user agent unavailable", zap.Error(err))
			return ""
		}
		c.driverUA = ua
	}
	return c.driverUA
}
