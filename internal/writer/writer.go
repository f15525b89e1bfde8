// Package writer buffers fetched repositories and flushes them to the store in
// deduplicated, all-or-nothing batches.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/github-star-crawler/internal/clock/system"
	"github.com/JakeFAU/github-star-crawler/internal/crawler"
	"github.com/JakeFAU/github-star-crawler/internal/metrics"
	"github.com/JakeFAU/github-star-crawler/internal/progress"
)

var (
	// ErrStoreUnavailable is raised when a flush fails and the store no longer
	// answers pings.
	ErrStoreUnavailable = errors.New("repository store unavailable")
	// ErrClosed is returned by Deliver after Close.
	ErrClosed = errors.New("writer closed")
)

// Defaults applied by New.
const (
	DefaultBatchSize            = 1000
	DefaultMaxConcurrentFlushes = 4
	DefaultFlushTimeout         = time.Minute
	pingTimeout                 = 5 * time.Second
)

// Config controls batching.
type Config struct {
	BatchSize            int
	MaxConcurrentFlushes int
	// RetryFailedBatch retries a failed flush once as a whole.
	RetryFailedBatch bool
	FlushTimeout     time.Duration
	// Topic receives a BatchNotification per committed batch; empty disables.
	Topic string
	RunID string
}

// BatchNotification is published after each committed batch.
type BatchNotification struct {
	RunID     string    `json:"run_id"`
	Records   int       `json:"records"`
	Written   int64     `json:"written_total"`
	FlushedAt time.Time `json:"flushed_at"`
}

// Option customizes a BatchWriter.
type Option func(*BatchWriter)

// WithPublisher sends batch notifications through p.
func WithPublisher(p crawler.Publisher) Option {
	return func(w *BatchWriter) { w.publisher = p }
}

// WithProgress reports flush events to e.
func WithProgress(e progress.Emitter) Option {
	return func(w *BatchWriter) {
		if e != nil {
			w.progress = e
		}
	}
}

// WithClock overrides the time source.
func WithClock(c crawler.Clock) Option {
	return func(w *BatchWriter) {
		if c != nil {
			w.clock = c
		}
	}
}

// BatchWriter implements crawler.RecordSink on top of a RepositoryStore.
// Records are deduplicated per flush window; a full window is flushed on a
// background goroutine, bounded by MaxConcurrentFlushes.
type BatchWriter struct {
	store     crawler.RepositoryStore
	publisher crawler.Publisher
	progress  progress.Emitter
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	mu     sync.Mutex
	buf    *crawler.Deduplicator
	closed bool

	sem chan struct{}
	wg  sync.WaitGroup

	written       atomic.Int64
	failedBatches atomic.Int64
	failedRecords atomic.Int64

	failOnce sync.Once
	failed   chan struct{}
	failErr  error
}

// New constructs a BatchWriter.
func New(store crawler.RepositoryStore, cfg Config, logger *zap.Logger, opts ...Option) *BatchWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxConcurrentFlushes <= 0 {
		cfg.MaxConcurrentFlushes = DefaultMaxConcurrentFlushes
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	w := &BatchWriter{
		store:    store,
		progress: progress.NopEmitter{},
		clock:    system.New(),
		cfg:      cfg,
		logger:   logger,
		buf:      crawler.NewDeduplicator(cfg.BatchSize),
		sem:      make(chan struct{}, cfg.MaxConcurrentFlushes),
		failed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Deliver buffers records and starts a flush once the window is full. It
// blocks while MaxConcurrentFlushes flushes are already running.
func (w *BatchWriter) Deliver(ctx context.Context, records []crawler.RepositoryRecord) error {
	if err := w.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.buf.Add(records...)
	var batch []crawler.RepositoryRecord
	if w.buf.Len() >= w.cfg.BatchSize {
		batch = w.buf.Drain()
	}
	w.mu.Unlock()

	if batch == nil {
		return nil
	}
	w.sem <- struct{}{}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		_ = w.flush(context.WithoutCancel(ctx), batch)
	}()
	return nil
}

// Flush writes whatever is buffered and waits for in-flight flushes.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.buf.Drain()
	w.mu.Unlock()

	var err error
	if len(batch) > 0 {
		w.sem <- struct{}{}
		err = w.flush(ctx, batch)
		<-w.sem
	}
	w.wg.Wait()
	return err
}

// Close stops accepting records and performs a final flush.
func (w *BatchWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.Flush(ctx)
}

// Failed is closed once the store is found unavailable.
func (w *BatchWriter) Failed() <-chan struct{} {
	return w.failed
}

// Err returns the fatal error, if any.
func (w *BatchWriter) Err() error {
	select {
	case <-w.failed:
		return w.failErr
	default:
		return nil
	}
}

// Written returns the number of records committed so far.
func (w *BatchWriter) Written() int64 {
	return w.written.Load()
}

// FailedBatches returns how many batches could not be committed.
func (w *BatchWriter) FailedBatches() int64 {
	return w.failedBatches.Load()
}

// FailedRecords returns how many records were lost to failed batches.
func (w *BatchWriter) FailedRecords() int64 {
	return w.failedRecords.Load()
}

// Buffered returns the number of distinct records waiting for a flush.
func (w *BatchWriter) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}

func (w *BatchWriter) flush(ctx context.Context, batch []crawler.RepositoryRecord) error {
	flushCtx, cancel := context.WithTimeout(ctx, w.cfg.FlushTimeout)
	defer cancel()

	start := w.clock.Now()
	err := w.store.UpsertBatch(flushCtx, batch)
	if err != nil && w.cfg.RetryFailedBatch && flushCtx.Err() == nil {
		w.logger.Warn("flush failed; retrying batch", zap.Int("records", len(batch)), zap.Error(err))
		err = w.store.UpsertBatch(flushCtx, batch)
	}
	dur := w.clock.Now().Sub(start)

	if err != nil {
		metrics.ObserveFlush("error", len(batch), dur)
		w.failedBatches.Add(1)
		w.failedRecords.Add(int64(len(batch)))
		w.progress.Emit(progress.Event{
			Stage:   progress.StageBatchFailed,
			Records: int64(len(batch)),
			Dur:     dur,
			Note:    err.Error(),
		})
		w.logger.Error("flush failed", zap.Int("records", len(batch)), zap.Error(err))
		w.checkStore(ctx)
		return fmt.Errorf("flush batch: %w", err)
	}

	total := w.written.Add(int64(len(batch)))
	metrics.ObserveFlush("success", len(batch), dur)
	w.progress.Emit(progress.Event{
		Stage:   progress.StageBatchFlushed,
		Records: int64(len(batch)),
		Dur:     dur,
	})
	w.logger.Debug("batch flushed", zap.Int("records", len(batch)), zap.Duration("dur", dur))
	w.notify(ctx, len(batch), total)
	return nil
}

// checkStore escalates to ErrStoreUnavailable when the store stops answering.
func (w *BatchWriter) checkStore(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pingTimeout)
	defer cancel()
	if err := w.store.Ping(pingCtx); err != nil {
		w.fail(fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
	}
}

func (w *BatchWriter) fail(err error) {
	w.failOnce.Do(func() {
		w.failErr = err
		close(w.failed)
		w.logger.Error("store unavailable", zap.Error(err))
	})
}

func (w *BatchWriter) notify(ctx context.Context, records int, total int64) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	msg := BatchNotification{
		RunID:     w.cfg.RunID,
		Records:   records,
		Written:   total,
		FlushedAt: w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, msg); err != nil {
		w.logger.Warn("publish batch notification failed", zap.String("topic", w.cfg.Topic), zap.Error(err))
	}
}
