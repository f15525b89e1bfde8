// Package app builds the crawler's long-lived services from configuration and
// owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/github-star-crawler/internal/api"
	"github.com/JakeFAU/github-star-crawler/internal/checkpoint/memory"
	redischeckpoint "github.com/JakeFAU/github-star-crawler/internal/checkpoint/redis"
	"github.com/JakeFAU/github-star-crawler/internal/clock/system"
	"github.com/JakeFAU/github-star-crawler/internal/config"
	"github.com/JakeFAU/github-star-crawler/internal/crawler"
	"github.com/JakeFAU/github-star-crawler/internal/github"
	"github.com/JakeFAU/github-star-crawler/internal/hash/sha256"
	idgen "github.com/JakeFAU/github-star-crawler/internal/id/uuid"
	"github.com/JakeFAU/github-star-crawler/internal/orchestrator"
	"github.com/JakeFAU/github-star-crawler/internal/partition"
	"github.com/JakeFAU/github-star-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/github-star-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/github-star-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/github-star-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/github-star-crawler/internal/ratelimit"
	gcsstorage "github.com/JakeFAU/github-star-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/github-star-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/github-star-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/github-star-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/github-star-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/github-star-crawler/internal/worker"
	"github.com/JakeFAU/github-star-crawler/internal/writer"
)

const archiveHashLength = 16

// Option customizes Build.
type Option func(*options)

type options struct {
	runID      string
	httpClient *http.Client
	registerer prometheus.Registerer
}

// WithRunID reuses an existing run ID instead of generating one.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// WithHTTPClient overrides the client used for GitHub requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRegisterer registers progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  uuid.UUID

	store        crawler.RepositoryStore
	checkpoints  crawler.Checkpointer
	redis        *redischeckpoint.Checkpointer
	archive      crawler.BlobStore
	gcs          *storage.Client
	publisher    crawler.Publisher
	pubsub       *gcppublisher.Publisher
	limiter      *ratelimit.Limiter
	progressHub  *progress.Hub
	writer       *writer.BatchWriter
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
}

// Build creates the application's dependencies. On error everything opened so
// far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if a.runID, err = resolveRunID(o.runID); err != nil {
		return nil, err
	}
	a.logger = logger.With(zap.String("run_id", a.runID.String()))
	a.logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Driver),
		zap.String("checkpoint", cfg.Checkpoint.Driver),
		zap.String("archive", cfg.Archive.Driver),
	)

	axes, err := cfg.Axes()
	if err != nil {
		return nil, fmt.Errorf("partition axes: %w", err)
	}
	if err = a.setupStore(ctx); err != nil {
		return nil, err
	}
	if err = a.setupCheckpoints(ctx); err != nil {
		return nil, err
	}
	if err = a.setupArchive(ctx); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	emitter, err := a.setupProgress(o.registerer)
	if err != nil {
		return nil, err
	}
	a.setupCrawl(axes, emitter, o.httpClient)
	a.setupServer()
	return a, nil
}

func resolveRunID(s string) (uuid.UUID, error) {
	if s != "" {
		id, err := idgen.ParseRunID(s)
		if err != nil {
			return uuid.Nil, fmt.Errorf("run id: %w", err)
		}
		return id, nil
	}
	id, err := idgen.New().NewRunID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("run id: %w", err)
	}
	return id, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		store, err := pgstore.NewRepositoryStore(ctx, pgstore.RepositoryStoreConfig{
			DSN:             a.cfg.Store.DSN,
			MinConns:        a.cfg.Store.MinConns,
			MaxConns:        a.cfg.Store.MaxConns,
			MaxConnLifetime: a.cfg.Store.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = store
		a.logger.Info("using postgres repository store",
			zap.Int32("min_conns", a.cfg.Store.MinConns),
			zap.Int32("max_conns", a.cfg.Store.MaxConns),
		)
	case config.DriverSQLite:
		store, err := sqlitestore.Open(ctx, a.cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store = store
		a.logger.Info("using sqlite repository store", zap.String("path", a.cfg.Store.DSN))
	case config.DriverMemory:
		a.store = memorystorage.NewRepositoryStore()
		a.logger.Warn("using in-memory repository store; results are discarded on exit")
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	return nil
}

func (a *App) setupCheckpoints(ctx context.Context) error {
	switch a.cfg.Checkpoint.Driver {
	case config.DriverRedis:
		cp, err := redischeckpoint.New(ctx, redischeckpoint.Config{
			Addr:      a.cfg.Checkpoint.RedisAddr,
			Password:  a.cfg.Checkpoint.RedisPassword,
			DB:        a.cfg.Checkpoint.RedisDB,
			Namespace: a.cfg.Checkpoint.Namespace,
		})
		if err != nil {
			return fmt.Errorf("redis checkpoint init failed: %w", err)
		}
		a.redis = cp
		a.checkpoints = cp
		a.logger.Info("using redis checkpoints", zap.String("addr", a.cfg.Checkpoint.RedisAddr))
	case config.DriverMemory, "":
		a.checkpoints = memory.New()
	default:
		return fmt.Errorf("unknown checkpoint driver %q", a.cfg.Checkpoint.Driver)
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Archive.Driver {
	case config.DriverGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.archive = store
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
	case config.DriverLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.archive = store
		a.logger.Info("archiving pages locally", zap.String("path", a.cfg.Archive.BaseDir))
	case config.DriverNone, "":
	default:
		return fmt.Errorf("unknown archive driver %q", a.cfg.Archive.Driver)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, batch notifications stay in memory")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress(reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	a.progressHub = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Logger:         a.logger.Named("progress_hub"),
	},
		progresssinks.NewLogSink(a.logger.Named("progress")),
		promSink,
	)
	return progress.RunEmitter{
		RunID: progress.UUIDToBytes(a.runID),
		Next:  a.progressHub,
		Now:   system.New().Now,
	}, nil
}

func (a *App) setupCrawl(axes partition.Axes, emitter progress.Emitter, httpClient *http.Client) {
	clock := system.New()
	runID := a.runID.String()

	a.limiter = ratelimit.New(ratelimit.Config{
		Capacity:          a.cfg.RateLimit.Capacity,
		SafetyMargin:      a.cfg.RateLimit.SafetyMargin,
		ResetPadding:      a.cfg.RateLimit.ResetPadding,
		MaxResetWait:      a.cfg.RateLimit.MaxResetWait,
		RequestsPerSecond: a.cfg.RateLimit.RequestsPerSecond,
		Burst:             a.cfg.RateLimit.Burst,
	}, a.logger.Named("ratelimit"))

	a.writer = writer.New(a.store, writer.Config{
		BatchSize:            a.cfg.Writer.BatchSize,
		MaxConcurrentFlushes: a.cfg.Writer.MaxConcurrentFlushes,
		RetryFailedBatch:     a.cfg.Writer.RetryFailedBatch,
		FlushTimeout:         a.cfg.Writer.FlushTimeout,
		Topic:                a.cfg.PubSub.TopicName,
		RunID:                runID,
	}, a.logger.Named("writer"),
		writer.WithPublisher(a.publisher),
		writer.WithProgress(emitter),
		writer.WithClock(clock),
	)

	client := github.NewClient(github.Config{
		Endpoint:  a.cfg.GitHub.Endpoint,
		Token:     a.cfg.GitHub.Token,
		UserAgent: a.cfg.GitHub.UserAgent,
		Timeout:   a.cfg.GitHub.Timeout,
	}, httpClient)
	if a.cfg.GitHub.Token == "" {
		a.logger.Warn("no GitHub token configured; the anonymous quota is much lower")
	}

	deps := worker.Dependencies{
		Client:      client,
		Limiter:     a.limiter,
		Retry:       crawler.NewExponentialRetryPolicy(a.cfg.Retry.MaxAttempts, a.cfg.Retry.BaseDelay, a.cfg.Retry.MaxDelay),
		Pause:       crawler.TimerPauseController{},
		Checkpoints: a.checkpoints,
		Progress:    emitter,
		Clock:       clock,
	}
	if a.archive != nil {
		deps.Archive = a.archive
		deps.Hasher = sha256.NewShort(archiveHashLength)
	}
	workerCfg := worker.Config{
		PageSize:       a.cfg.Crawler.PageSize,
		RequestCost:    a.cfg.Crawler.RequestCost,
		RequestTimeout: a.cfg.GitHub.Timeout,
		ArchivePrefix:  path.Join(a.cfg.Archive.Prefix, runID),
	}

	partitions := partition.Generate(axes)
	a.orchestrator = orchestrator.New(orchestrator.Config{
		RunID:             runID,
		Concurrency:       a.cfg.Crawler.Concurrency,
		TargetCount:       a.cfg.Crawler.TargetCount,
		QueueSize:         a.cfg.Crawler.QueueSize,
		FinalFlushTimeout: a.cfg.Crawler.StopGrace,
		ResetCheckpoints:  a.cfg.Checkpoint.Reset,
	}, partitions, deps, workerCfg, a.writer, a.logger.Named("orchestrator"))

	a.logger.Info("crawl configured",
		zap.Int("partitions", len(partitions)),
		zap.Int("concurrency", a.cfg.Crawler.Concurrency),
		zap.Int("target", a.cfg.Crawler.TargetCount),
		zap.Int("batch_size", a.cfg.Writer.BatchSize),
	)
}

func (a *App) setupServer() {
	if !a.cfg.Server.Enabled {
		return
	}
	a.apiServer = api.NewServer(
		api.Config{RequestTimeout: a.cfg.Server.RequestTimeout, APIKey: a.cfg.Server.APIKey},
		a.orchestrator,
		a.logger.Named("api"),
		api.WithReadinessCheck("store", a.store),
		api.WithQuota(a.limiter),
	)
}

// RunID returns the identifier of the crawl this App runs.
func (a *App) RunID() string {
	return a.runID.String()
}

// Progress returns the running progress counter.
func (a *App) Progress() crawler.CrawlProgress {
	return a.orchestrator.Progress()
}

// Run executes the crawl, serving the status API alongside it when enabled.
// Cancelling ctx triggers a cooperative stop.
func (a *App) Run(ctx context.Context) (orchestrator.Result, error) {
	serverDone := make(chan error, 1)
	serverCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServer()
	if a.apiServer != nil {
		go func() {
			serverDone <- a.apiServer.ListenAndServe(serverCtx, a.cfg.Server.Addr())
		}()
	} else {
		close(serverDone)
	}

	res, err := a.orchestrator.Run(ctx)
	stopServer()
	if serr := <-serverDone; serr != nil {
		a.logger.Warn("status server failed", zap.Error(serr))
	}
	if err != nil {
		return res, fmt.Errorf("run crawl: %w", err)
	}
	return res, nil
}

// Close gracefully shuts down the application. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// closeTimeout bounds Close when the caller has no deadline of its own.
const closeTimeout = 30 * time.Second

// Shutdown closes the App under a fresh closeTimeout deadline.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return a.Close(ctx)
}
