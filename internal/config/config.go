// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/exporter"
)

// Driver names.
const (
	DriverHeadless = "headless"
	DriverRod      = "rod"
	DriverColly    = "colly"
)

// Storage backend names.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
	StorageSQLite   = "sqlite"
)

// Exporter names. ExporterNone disables export.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterFile   = "file"
	ExporterGCS    = "gcs"
	ExporterPubSub = "pubsub"
	ExporterKafka  = "kafka"
	ExporterMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Request   RequestConfig   `mapstructure:"request"`
	Driver    DriverConfig    `mapstructure:"driver"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Exporter  ExporterConfig  `mapstructure:"exporter"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CrawlerConfig holds the settings fixed when the crawler is constructed.
type CrawlerConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxRequest     int           `mapstructure:"max_request"`
	PersistCache   bool          `mapstructure:"persist_cache"`
	QueueKey       string        `mapstructure:"queue_key"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	// SkipExtensions lists URL path extensions that are never fetched.
	SkipExtensions []string `mapstructure:"skip_extensions"`
}

// RequestConfig is the default policy applied to every enqueued request.
type RequestConfig struct {
	MaxDepth              int               `mapstructure:"max_depth"`
	Priority              int               `mapstructure:"priority"`
	DepthPriority         bool              `mapstructure:"depth_priority"`
	SkipDuplicates        bool              `mapstructure:"skip_duplicates"`
	SkipRequestedRedirect bool              `mapstructure:"skip_requested_redirect"`
	ObeyRobotsTxt         bool              `mapstructure:"obey_robots_txt"`
	FollowSitemapXML      bool              `mapstructure:"follow_sitemap_xml"`
	AllowedDomains        []string          `mapstructure:"allowed_domains"`
	DeniedDomains         []string          `mapstructure:"denied_domains"`
	Delay                 time.Duration     `mapstructure:"delay"`
	Timeout               time.Duration     `mapstructure:"timeout"`
	RetryCount            int               `mapstructure:"retry_count"`
	RetryDelay            time.Duration     `mapstructure:"retry_delay"`
	Device                string            `mapstructure:"device"`
	UserAgent             string            `mapstructure:"user_agent"`
	ExtraHeaders          map[string]string `mapstructure:"extra_headers"`
	WaitFor               string            `mapstructure:"wait_for"`
	BrowserCache          bool              `mapstructure:"browser_cache"`
}

// DriverConfig selects and tunes the page driver.
type DriverConfig struct {
	Type              string        `mapstructure:"type"`
	UserAgent         string        `mapstructure:"user_agent"`
	ExecPath          string        `mapstructure:"exec_path"`
	RemoteURL         string        `mapstructure:"remote_url"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	MaxBodySize       int           `mapstructure:"max_body_size"`
}

// StorageConfig selects the crawl store backend.
type StorageConfig struct {
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig controls the shared Postgres pool.
type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
}

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SQLiteConfig points at the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ExporterConfig selects where results are written.
type ExporterConfig struct {
	Type   string       `mapstructure:"type"`
	Format string       `mapstructure:"format"`
	Fields []string     `mapstructure:"fields"`
	Path   string       `mapstructure:"path"`
	GCS    GCSConfig    `mapstructure:"gcs"`
	PubSub PubSubConfig `mapstructure:"pubsub"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
}

// GCSConfig names the export object.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Object string `mapstructure:"object"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KafkaConfig lists the brokers and topic.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ProgressConfig controls the lifecycle event hub and its sinks.
type ProgressConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	DSN            string        `mapstructure:"dsn"`
	Log            bool          `mapstructure:"log"`
	Prometheus     bool          `mapstructure:"prometheus"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// RateLimitConfig configures the per-host token bucket. A zero default rate
// disables the limiter.
type RateLimitConfig struct {
	DefaultRPS   float64         `mapstructure:"default_rps"`
	DefaultBurst int             `mapstructure:"default_burst"`
	Hosts        []HostRateLimit `mapstructure:"hosts"`
}

// HostRateLimit overrides the default rate for one host. Hosts are a list
// because Viper splits map keys on dots.
type HostRateLimit struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// PerHostRPS returns the overrides keyed by host.
func (r RateLimitConfig) PerHostRPS() map[string]float64 {
	out := make(map[string]float64, len(r.Hosts))
	for _, h := range r.Hosts {
		out[h.Host] = h.RPS
	}
	return out
}

// ServerConfig controls the optional control API.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Without an explicit path, look for crawler.{yaml,json,toml} in the
		// usual places; defaults and env are enough when none exists.
		v.SetConfigName("crawler")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.polite-crawler")
		v.AddConfigPath("/etc/polite-crawler/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := crawler.DefaultRequestOptions()

	v.SetDefault("crawler.max_concurrency", 10)
	v.SetDefault("crawler.max_request", 0)
	v.SetDefault("crawler.persist_cache", false)
	v.SetDefault("crawler.queue_key", "queue")
	v.SetDefault("crawler.http_timeout", 10*time.Second)

	v.SetDefault("request.max_depth", defaults.MaxDepth)
	v.SetDefault("request.priority", defaults.Priority)
	v.SetDefault("request.depth_priority", defaults.DepthPriority)
	v.SetDefault("request.skip_duplicates", defaults.SkipDuplicates)
	v.SetDefault("request.skip_requested_redirect", defaults.SkipRequestedRedirect)
	v.SetDefault("request.obey_robots_txt", defaults.ObeyRobotsTxt)
	v.SetDefault("request.follow_sitemap_xml", defaults.FollowSitemapXML)
	v.SetDefault("request.delay", defaults.Delay)
	v.SetDefault("request.timeout", defaults.Timeout)
	v.SetDefault("request.retry_count", defaults.RetryCount)
	v.SetDefault("request.retry_delay", defaults.RetryDelay)
	v.SetDefault("request.browser_cache", defaults.BrowserCache)

	v.SetDefault("driver.type", DriverHeadless)
	v.SetDefault("driver.max_parallel", 4)
	v.SetDefault("driver.navigation_timeout", 45*time.Second)

	v.SetDefault("storage.type", StorageMemory)
	v.SetDefault("storage.postgres.table_prefix", "crawl")
	v.SetDefault("storage.postgres.max_conns", 8)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.prefix", "crawler")
	v.SetDefault("storage.sqlite.path", "crawler.db")

	v.SetDefault("exporter.type", ExporterNone)
	v.SetDefault("exporter.format", string(exporter.FormatJSONL))
	v.SetDefault("exporter.gcs.object", "crawl/results.jsonl")

	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log", true)
	v.SetDefault("progress.prometheus", true)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)

	v.SetDefault("rate_limit.default_burst", 1)

	v.SetDefault("server.request_timeout", 60*time.Second)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.MaxConcurrency <= 0 {
		return fmt.Errorf("crawler.max_concurrency must be > 0")
	}
	if c.Crawler.MaxRequest < 0 {
		return fmt.Errorf("crawler.max_request must be >= 0")
	}
	if c.Request.MaxDepth < 1 {
		return fmt.Errorf("request.max_depth must be >= 1")
	}
	if c.Request.RetryCount < 0 {
		return fmt.Errorf("request.retry_count must be >= 0")
	}
	if c.Request.Delay > 0 && c.Crawler.MaxConcurrency != 1 {
		return fmt.Errorf("request.delay requires crawler.max_concurrency = 1")
	}
	if c.Request.Device != "" {
		if _, ok := crawler.Devices[c.Request.Device]; !ok {
			return fmt.Errorf("request.device %q is unknown", c.Request.Device)
		}
	}
	switch c.Driver.Type {
	case DriverHeadless, DriverRod, DriverColly:
	default:
		return fmt.Errorf("driver.type %q is not one of headless, rod, colly", c.Driver.Type)
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Exporter.validate(); err != nil {
		return err
	}
	if c.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("rate_limit.default_rps must be >= 0")
	}
	for _, h := range c.RateLimit.Hosts {
		if h.Host == "" {
			return fmt.Errorf("rate_limit.hosts entries need a host")
		}
	}
	return nil
}

func (s StorageConfig) validate() error {
	switch s.Type {
	case StorageMemory:
	case StoragePostgres:
		if s.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	case StorageRedis:
		if s.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required")
		}
	case StorageSQLite:
		if s.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
	default:
		return fmt.Errorf("storage.type %q is not one of memory, postgres, redis, sqlite", s.Type)
	}
	return nil
}

func (e ExporterConfig) validate() error {
	switch e.Type {
	case ExporterNone, ExporterMemory, ExporterPubSub, ExporterKafka:
	case ExporterStdout:
	case ExporterFile:
		if e.Path == "" {
			return fmt.Errorf("exporter.path is required for the file exporter")
		}
	case ExporterGCS:
		if e.GCS.Bucket == "" || e.GCS.Object == "" {
			return fmt.Errorf("exporter.gcs.bucket and exporter.gcs.object are required")
		}
	default:
		return fmt.Errorf("exporter.type %q is unknown", e.Type)
	}
	switch e.Type {
	case ExporterStdout, ExporterFile, ExporterGCS:
		format, err := exporter.ParseFormat(e.Format)
		if err != nil {
			return fmt.Errorf("exporter.format: %w", err)
		}
		if format == exporter.FormatCSV && len(e.Fields) == 0 {
			return fmt.Errorf("exporter.fields is required for csv")
		}
	case ExporterPubSub:
		if e.PubSub.ProjectID == "" || e.PubSub.TopicName == "" {
			return fmt.Errorf("exporter.pubsub.project_id and exporter.pubsub.topic_name are required")
		}
	case ExporterKafka:
		if len(e.Kafka.Brokers) == 0 || e.Kafka.Topic == "" {
			return fmt.Errorf("exporter.kafka.brokers and exporter.kafka.topic are required")
		}
	}
	return nil
}

// RequestDefaults converts the request section into the crawler's default
// policy.
func (c Config) RequestDefaults() crawler.RequestOptions {
	r := c.Request
	opts := crawler.DefaultRequestOptions()
	opts.MaxDepth = r.MaxDepth
	opts.Priority = r.Priority
	opts.DepthPriority = r.DepthPriority
	opts.SkipDuplicates = r.SkipDuplicates
	opts.SkipRequestedRedirect = r.SkipRequestedRedirect
	opts.ObeyRobotsTxt = r.ObeyRobotsTxt
	opts.FollowSitemapXML = r.FollowSitemapXML
	opts.AllowedDomains = append([]string(nil), r.AllowedDomains...)
	opts.DeniedDomains = append([]string(nil), r.DeniedDomains...)
	opts.Delay = r.Delay
	opts.Timeout = r.Timeout
	opts.RetryCount = r.RetryCount
	opts.RetryDelay = r.RetryDelay
	opts.Device = r.Device
	opts.UserAgent = r.UserAgent
	if len(r.ExtraHeaders) > 0 {
		opts.ExtraHeaders = make(map[string]string, len(r.ExtraHeaders))
		for k, v := range r.ExtraHeaders {
			opts.ExtraHeaders[k] = v
		}
	}
	opts.WaitFor = r.WaitFor
	opts.BrowserCache = r.BrowserCache
	return opts
}
