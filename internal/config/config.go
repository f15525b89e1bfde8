// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/github-star-crawler/internal/partition"
)

// EnvPrefix namespaces environment overrides, e.g. GHCRAWL_GITHUB_TOKEN.
const EnvPrefix = "GHCRAWL"

// Store and archive drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverNone     = "none"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	GitHub     GitHubConfig     `mapstructure:"github"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Partition  PartitionConfig  `mapstructure:"partition"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Writer     WriterConfig     `mapstructure:"writer"`
	Store      StoreConfig      `mapstructure:"store"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// GitHubConfig controls the GraphQL search client.
type GitHubConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// CrawlerConfig governs the worker pool and stopping conditions.
type CrawlerConfig struct {
	Concurrency            int           `mapstructure:"concurrency"`
	PageSize               int           `mapstructure:"page_size"`
	MaxResultsPerPartition int           `mapstructure:"max_results_per_partition"`
	TargetCount            int           `mapstructure:"target_count"`
	RequestCost            int           `mapstructure:"request_cost"`
	QueueSize              int           `mapstructure:"queue_size"`
	StopGrace              time.Duration `mapstructure:"stop_grace"`
}

// PartitionConfig lists the axes of the search space.
type PartitionConfig struct {
	Languages      []string `mapstructure:"languages"`
	DateRanges     []string `mapstructure:"date_ranges"`
	Years          []int    `mapstructure:"years"`
	StarBuckets    []string `mapstructure:"star_buckets"`
	BaseQualifiers []string `mapstructure:"base_qualifiers"`
}

// RateLimitConfig tunes the quota ledger and request pacing.
type RateLimitConfig struct {
	Capacity          int           `mapstructure:"capacity"`
	SafetyMargin      int           `mapstructure:"safety_margin"`
	ResetPadding      time.Duration `mapstructure:"reset_padding"`
	MaxResetWait      time.Duration `mapstructure:"max_reset_wait"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// RetryConfig controls per-page retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// WriterConfig controls buffering and flushing.
type WriterConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`
	MaxConcurrentFlushes int           `mapstructure:"max_concurrent_flushes"`
	RetryFailedBatch     bool          `mapstructure:"retry_failed_batch"`
	FlushTimeout         time.Duration `mapstructure:"flush_timeout"`
}

// StoreConfig selects and configures the repository store.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// CheckpointConfig selects where resume state lives.
type CheckpointConfig struct {
	Driver        string `mapstructure:"driver"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Namespace     string `mapstructure:"namespace"`
	Reset         bool   `mapstructure:"reset"`
}

// ArchiveConfig controls raw page archival.
type ArchiveConfig struct {
	Driver  string `mapstructure:"driver"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for batch notifications. Empty disables them.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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
	defaults := partition.DefaultAxes()

	v.SetDefault("github.endpoint", "https://api.github.com/graphql")
	v.SetDefault("github.token", "")
	v.SetDefault("github.timeout", "30s")
	v.SetDefault("github.user_agent", "github-star-crawler")
	v.SetDefault("crawler.concurrency", 15)
	v.SetDefault("crawler.page_size", 100)
	v.SetDefault("crawler.max_results_per_partition", partition.DefaultMaxResults)
	v.SetDefault("crawler.target_count", 100000)
	v.SetDefault("crawler.request_cost", 1)
	v.SetDefault("crawler.queue_size", 0)
	v.SetDefault("crawler.stop_grace", "2m")
	v.SetDefault("partition.languages", defaults.Languages)
	v.SetDefault("partition.date_ranges", stringsOf(defaults.DateRanges))
	v.SetDefault("partition.star_buckets", stringsOf(defaults.StarBuckets))
	v.SetDefault("partition.years", []int{})
	v.SetDefault("partition.base_qualifiers", []string{})
	v.SetDefault("ratelimit.capacity", 5000)
	v.SetDefault("ratelimit.safety_margin", 100)
	v.SetDefault("ratelimit.reset_padding", "5s")
	v.SetDefault("ratelimit.max_reset_wait", "65m")
	v.SetDefault("ratelimit.requests_per_second", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", "4s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("writer.batch_size", 1000)
	v.SetDefault("writer.max_concurrent_flushes", 4)
	v.SetDefault("writer.retry_failed_batch", true)
	v.SetDefault("writer.flush_timeout", "1m")
	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.max_conn_lifetime", "30m")
	v.SetDefault("checkpoint.driver", DriverMemory)
	v.SetDefault("checkpoint.redis_addr", "")
	v.SetDefault("checkpoint.redis_password", "")
	v.SetDefault("checkpoint.redis_db", 0)
	v.SetDefault("checkpoint.namespace", "ghcrawl")
	v.SetDefault("checkpoint.reset", false)
	v.SetDefault("archive.driver", DriverNone)
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "1s")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("logging.development", false)
}

func stringsOf[T fmt.Stringer](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = v.String()
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Crawler.Concurrency <= 0 {
		errs = append(errs, errors.New("crawler.concurrency must be > 0"))
	}
	if c.Crawler.PageSize <= 0 || c.Crawler.PageSize > 100 {
		errs = append(errs, errors.New("crawler.page_size must be between 1 and 100"))
	}
	if c.Crawler.TargetCount < 0 {
		errs = append(errs, errors.New("crawler.target_count must be >= 0"))
	}
	if c.Crawler.RequestCost <= 0 {
		errs = append(errs, errors.New("crawler.request_cost must be > 0"))
	}
	if c.RateLimit.Capacity <= 0 {
		errs = append(errs, errors.New("ratelimit.capacity must be > 0"))
	}
	if c.RateLimit.SafetyMargin < 0 || c.RateLimit.SafetyMargin >= c.RateLimit.Capacity {
		errs = append(errs, errors.New("ratelimit.safety_margin must be >= 0 and below capacity"))
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("ratelimit.requests_per_second must be >= 0"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be > 0"))
	}
	if c.Writer.BatchSize <= 0 {
		errs = append(errs, errors.New("writer.batch_size must be > 0"))
	}
	if c.Writer.MaxConcurrentFlushes <= 0 {
		errs = append(errs, errors.New("writer.max_concurrent_flushes must be > 0"))
	}
	if c.Store.MinConns > 0 && c.Store.MaxConns > 0 && c.Store.MinConns > c.Store.MaxConns {
		errs = append(errs, errors.New("store.min_conns must not exceed store.max_conns"))
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0 when the server is enabled"))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	errs = append(errs, c.validateDrivers()...)
	if _, err := c.Axes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) validateDrivers() []error {
	var errs []error
	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Checkpoint.Driver {
	case DriverRedis:
		if c.Checkpoint.RedisAddr == "" {
			errs = append(errs, errors.New("checkpoint.redis_addr is required for driver \"redis\""))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint.driver %q", c.Checkpoint.Driver))
	}
	switch c.Archive.Driver {
	case DriverLocal:
		if c.Archive.BaseDir == "" {
			errs = append(errs, errors.New("archive.base_dir is required for driver \"local\""))
		}
	case DriverGCS:
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required for driver \"gcs\""))
		}
	case DriverNone, "":
	default:
		errs = append(errs, fmt.Errorf("unknown archive.driver %q", c.Archive.Driver))
	}
	return errs
}

// Axes parses the partition section. Years are appended to any explicit date ranges.
func (c Config) Axes() (partition.Axes, error) {
	ranges := append([]string(nil), c.Partition.DateRanges...)
	for _, y := range c.Partition.Years {
		ranges = append(ranges, strconv.Itoa(y))
	}
	axes, err := partition.ParseAxes(
		c.Partition.Languages,
		ranges,
		c.Partition.StarBuckets,
		c.Partition.BaseQualifiers,
		c.Crawler.MaxResultsPerPartition,
	)
	if err != nil {
		return partition.Axes{}, fmt.Errorf("partition: %w", err)
	}
	return axes, nil
}

// Addr returns the status server listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
