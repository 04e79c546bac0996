// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/api"
	"github.com/JakeFAU/polite-crawler/internal/clock/system"
	"github.com/JakeFAU/polite-crawler/internal/config"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/exporter"
	gcsexporter "github.com/JakeFAU/polite-crawler/internal/exporter/gcs"
	kafkaexporter "github.com/JakeFAU/polite-crawler/internal/exporter/kafka"
	memoryexporter "github.com/JakeFAU/polite-crawler/internal/exporter/memory"
	pubsubexporter "github.com/JakeFAU/polite-crawler/internal/exporter/pubsub"
	collyfetcher "github.com/JakeFAU/polite-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/polite-crawler/internal/fetcher/headless"
	rodfetcher "github.com/JakeFAU/polite-crawler/internal/fetcher/rod"
	idgen "github.com/JakeFAU/polite-crawler/internal/id/uuid"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/polite-crawler/internal/policy/simple"
	"github.com/JakeFAU/polite-crawler/internal/progress"
	"github.com/JakeFAU/polite-crawler/internal/progress/sinks"
	"github.com/JakeFAU/polite-crawler/internal/storage"
	"github.com/JakeFAU/polite-crawler/internal/storage/memory"
	"github.com/JakeFAU/polite-crawler/internal/storage/postgres"
	"github.com/JakeFAU/polite-crawler/internal/storage/redis"
	"github.com/JakeFAU/polite-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Options overrides pieces New would otherwise build from the config. Zero
// fields are built normally.
type Options struct {
	Driver       crawler.PageDriver
	Store        storage.Store
	Exporter     crawler.Exporter
	ProgressRepo store.ProgressRepository
	// Registerer receives the progress collectors (default registry when nil).
	Registerer prometheus.Registerer
	// Stdout receives the stdout exporter's output (os.Stdout when nil).
	Stdout io.Writer
}

// App holds all the shared, long-lived services for one crawl run.
// It is built once by the CLI and closed after the command finishes.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    *system.Clock
	runID    uuid.UUID
	crawler  *crawler.Crawler
	exporter crawler.Exporter
	hub      *progress.Hub
	repo     store.ProgressRepository
	runs     *crawler.ProgressSubscriber
	server   *api.Server

	closers []func() error
	started bool
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetCrawler exposes the configured crawler.
func (a *App) GetCrawler() *crawler.Crawler {
	return a.crawler
}

// GetExporter returns the configured exporter, or nil when export is off.
func (a *App) GetExporter() crawler.Exporter {
	return a.exporter
}

// RunID identifies this run in the progress store.
func (a *App) RunID() uuid.UUID {
	return a.runID
}

// Handler returns the control API.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// New builds every service named in cfg. It fails fast, releasing whatever it
// already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			_ = a.runClosers()
		}
	}()

	if a.runID, err = idgen.New().NewRunID(); err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("run_id", a.runID.String()))
	a.logger = logger
	logger.Info("initializing application services")

	// The driver and store are released here until the crawler owns them.
	var handedOff bool
	untilHandedOff := func(closeFn func() error) func() error {
		return func() error {
			if handedOff {
				return nil
			}
			return closeFn()
		}
	}

	driver := opts.Driver
	if driver == nil {
		if driver, err = newDriver(cfg.Driver); err != nil {
			return nil, fmt.Errorf("init driver: %w", err)
		}
	}
	a.closers = append(a.closers, untilHandedOff(driver.Close))

	st := opts.Store
	if st == nil {
		if st, err = newStore(ctx, cfg.Storage); err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
	}
	a.closers = append(a.closers, untilHandedOff(st.Close))

	exp := opts.Exporter
	if exp == nil {
		if exp, err = a.newExporter(ctx, cfg.Exporter, opts.Stdout); err != nil {
			return nil, fmt.Errorf("init exporter: %w", err)
		}
	}
	a.exporter = exp

	if err = a.initProgress(ctx, opts); err != nil {
		return nil, fmt.Errorf("init progress: %w", err)
	}

	var limiter crawler.Limiter
	if cfg.RateLimit.DefaultRPS > 0 || len(cfg.RateLimit.Hosts) > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
			PerHostRPS:   cfg.RateLimit.PerHostRPS(),
		})
	}

	var hooks crawler.Hooks
	if len(cfg.Crawler.SkipExtensions) > 0 {
		hooks = simple.New(cfg.Crawler.SkipExtensions...)
	}

	defaults := cfg.RequestDefaults()
	a.crawler, err = crawler.New(driver, st, crawler.Config{
		MaxConcurrency: cfg.Crawler.MaxConcurrency,
		MaxRequest:     cfg.Crawler.MaxRequest,
		PersistCache:   cfg.Crawler.PersistCache,
		QueueKey:       cfg.Crawler.QueueKey,
		Defaults:       &defaults,
		Hooks:          hooks,
		Exporter:       exp,
		Limiter:        limiter,
		HTTPClient:     &http.Client{Timeout: cfg.Crawler.HTTPTimeout},
		Logger:         logger.Named("crawler"),
		Clock:          a.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("init crawler: %w", err)
	}
	handedOff = true
	if a.hub != nil {
		a.runs = crawler.NewProgressSubscriber(a.runID, a.hub)
		a.crawler.Subscribe(a.runs)
	}

	a.server = api.NewServer(a.crawler, api.NewProgressHandler(a.repo, logger), api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("driver", cfg.Driver.Type),
		zap.String("storage", cfg.Storage.Type),
		zap.String("exporter", cfg.Exporter.Type),
	)
	return a, nil
}

func newDriver(cfg config.DriverConfig) (crawler.PageDriver, error) {
	switch cfg.Type {
	case config.DriverHeadless:
		return headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.NavigationTimeout,
			ExecPath:          cfg.ExecPath,
			RemoteURL:         cfg.RemoteURL,
			NoSandbox:         cfg.NoSandbox,
		})
	case config.DriverRod:
		return rodfetcher.New(rodfetcher.Config{
			ControlURL:  cfg.RemoteURL,
			Bin:         cfg.ExecPath,
			NoSandbox:   cfg.NoSandbox,
			UserAgent:   cfg.UserAgent,
			PageTimeout: cfg.NavigationTimeout,
		})
	case config.DriverColly:
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.UserAgent,
			Timeout:     cfg.NavigationTimeout,
			MaxBodySize: cfg.MaxBodySize,
		}), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Type)
	}
}

func newStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case config.StorageMemory:
		return memory.New(), nil
	case config.StoragePostgres:
		return postgres.New(ctx, postgres.Config{
			DSN:         cfg.Postgres.DSN,
			TablePrefix: cfg.Postgres.TablePrefix,
			MaxConns:    cfg.Postgres.MaxConns,
			MinConns:    cfg.Postgres.MinConns,
		})
	case config.StorageRedis:
		return redis.New(redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case config.StorageSQLite:
		return sqlite.New(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Type)
	}
}

func (a *App) newExporter(ctx context.Context, cfg config.ExporterConfig, stdout io.Writer) (crawler.Exporter, error) {
	format := exporter.Format(cfg.Format)
	switch cfg.Type {
	case config.ExporterNone, "":
		return nil, nil
	case config.ExporterMemory:
		return memoryexporter.New(), nil
	case config.ExporterStdout:
		if stdout == nil {
			stdout = os.Stdout
		}
		return exporter.NewStream(nopCloser{stdout}, format, cfg.Fields)
	case config.ExporterFile:
		return exporter.NewFile(cfg.Path, format, cfg.Fields)
	case config.ExporterGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.logger.Info("exporting to GCS", zap.String("uri", gcsexporter.URI(gcsexporter.Config{
			Bucket: cfg.GCS.Bucket, Object: cfg.GCS.Object,
		})))
		return gcsexporter.New(ctx, client, gcsexporter.Config{
			Bucket: cfg.GCS.Bucket,
			Object: cfg.GCS.Object,
			Format: format,
			Fields: cfg.Fields,
		})
	case config.ExporterPubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.logger.Info("publishing results to Pub/Sub", zap.String("topic", cfg.PubSub.TopicName))
		return pubsubexporter.New(client.Topic(cfg.PubSub.TopicName)), nil
	case config.ExporterKafka:
		return kafkaexporter.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.Type)
	}
}

// initProgress builds the hub and its sinks. The store sink needs a progress
// repository: the injected one, progress.dsn, or the postgres crawl store's
// DSN.
func (a *App) initProgress(ctx context.Context, opts Options) error {
	cfg := a.cfg.Progress
	a.repo = opts.ProgressRepo
	if a.repo == nil {
		dsn := cfg.DSN
		if dsn == "" && a.cfg.Storage.Type == config.StoragePostgres {
			dsn = a.cfg.Storage.Postgres.DSN
		}
		if dsn != "" {
			ps, err := postgres.NewProgressStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error { ps.Close(); return nil })
			if err := ps.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure progress schema: %w", err)
			}
			a.repo = ps
		}
	}
	if !cfg.Enabled {
		return nil
	}

	var hubSinks []progress.Sink
	if cfg.Log {
		hubSinks = append(hubSinks, sinks.NewLogSink(a.logger.Named("progress")))
	}
	if cfg.Prometheus {
		ps, err := sinks.NewPrometheusSink(opts.Registerer)
		if err != nil {
			return err
		}
		hubSinks = append(hubSinks, ps)
	}
	if a.repo != nil {
		hubSinks = append(hubSinks, sinks.NewStoreSink(a.repo, a.logger.Named("progress")))
	}
	if len(hubSinks) == 0 {
		return nil
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   cfg.MaxBatchWait,
		SinkTimeout:    cfg.SinkTimeout,
		Logger:         a.logger.Named("progress"),
	}, hubSinks...)
	return nil
}

// Start records the run and starts the crawler. Queued entries left by an
// earlier run against a persistent store resume immediately.
func (a *App) Start(ctx context.Context) error {
	if a.runs != nil {
		a.runs.RunStarted(a.clock.Now())
	}
	if err := a.crawler.Start(ctx); err != nil {
		return fmt.Errorf("start crawler: %w", err)
	}
	a.started = true
	if version, err := a.crawler.Version(ctx); err == nil {
		a.logger.Info("crawler started", zap.String("driver_version", version))
	}
	return nil
}

// Serve runs the control API on addr until ctx ends.
func (a *App) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("control API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api: %w", err)
		}
		return nil
	}
}

// Close shuts the crawler down, records the run outcome, drains the progress
// hub and releases clients. It is called by a Cobra hook after the command
// finishes execution.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.crawler != nil {
		if err := a.crawler.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.runs != nil && a.started {
		a.runs.RunDone(a.clock.Now(), errors.Join(errs...))
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if err := a.runClosers(); err != nil {
		errs = append(errs, err)
	}
	// Best effort: syncing stderr fails on some platforms.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) runClosers() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
