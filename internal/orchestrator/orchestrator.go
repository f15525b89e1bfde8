// Package orchestrator drives one crawl run: it dispatches partitions to the
// worker pool, gates delivery on the target count, and decides the final
// status once the pool stops.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/github-star-crawler/internal/clock/system"
	"github.com/JakeFAU/github-star-crawler/internal/crawler"
	"github.com/JakeFAU/github-star-crawler/internal/dispatcher"
	"github.com/JakeFAU/github-star-crawler/internal/partition"
	"github.com/JakeFAU/github-star-crawler/internal/progress"
	"github.com/JakeFAU/github-star-crawler/internal/queue/memory"
	"github.com/JakeFAU/github-star-crawler/internal/worker"
)

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("crawl already started")

// Defaults applied by New.
const (
	DefaultConcurrency       = 15
	DefaultFinalFlushTimeout = 2 * time.Minute
)

// Config controls a crawl run.
type Config struct {
	RunID       string
	Concurrency int
	// TargetCount stops the crawl once this many records were fetched; zero
	// crawls until the partitions are drained.
	TargetCount       int
	QueueSize         int
	FinalFlushTimeout time.Duration
	ResetCheckpoints  bool
}

// Writer is the buffered store writer the orchestrator feeds and finally flushes.
type Writer interface {
	crawler.RecordSink
	Close(ctx context.Context) error
	Failed() <-chan struct{}
	Err() error
	Written() int64
	FailedBatches() int64
}

// Result is the final report of a run.
type Result struct {
	RunID            string
	Status           crawler.RunStatus
	Reason           crawler.CompletionReason
	Fetched          int64
	Written          int64
	PartitionsDone   int
	PartitionsFailed []string
	FailedBatches    int64
	Duration         time.Duration
	// Cause is set when Status is StatusAborted.
	Cause error
}

// Orchestrator runs the crawl state machine Idle -> Running -> Completed|Aborted.
type Orchestrator struct {
	cfg         Config
	partitions  []partition.Partition
	writer      Writer
	checkpoints crawler.Checkpointer
	dispatcher  *dispatcher.Dispatcher
	progress    progress.Emitter
	clock       crawler.Clock
	logger      *zap.Logger

	mu        sync.Mutex
	status    crawler.RunStatus
	fetched   int64
	done      int
	skipped   int
	failed    []string
	startedAt time.Time
	cancel    context.CancelCauseFunc
}

// New builds an Orchestrator and its worker pool. deps.Sink is replaced by the
// orchestrator's target gate; deps.Progress defaults to a no-op emitter.
func New(
	cfg Config,
	partitions []partition.Partition,
	deps worker.Dependencies,
	workerCfg worker.Config,
	w Writer,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Concurrency
	}
	if cfg.FinalFlushTimeout <= 0 {
		cfg.FinalFlushTimeout = DefaultFinalFlushTimeout
	}
	if deps.Progress == nil {
		deps.Progress = progress.NopEmitter{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	o := &Orchestrator{
		cfg:         cfg,
		partitions:  partitions,
		writer:      w,
		checkpoints: deps.Checkpoints,
		progress:    deps.Progress,
		clock:       deps.Clock,
		logger:      logger,
		status:      crawler.StatusIdle,
	}
	deps.Sink = o
	workers := make([]*worker.Worker, cfg.Concurrency)
	for i := range workers {
		workers[i] = worker.New(deps, workerCfg, logger.Named("worker").With(zap.Int("index", i)))
	}
	o.dispatcher = dispatcher.New(memory.NewQueue(cfg.QueueSize), workers, deps.Checkpoints, logger.Named("dispatcher"))
	return o
}

// Run executes the crawl and blocks until it completes or aborts. Cancelling
// ctx stops dispatching, lets in-flight pages finish and flushes what was
// buffered; the run then completes with ReasonStopped. The error is non-nil
// only when the run could not start.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	o.mu.Lock()
	if o.status != crawler.StatusIdle {
		o.mu.Unlock()
		return Result{}, ErrAlreadyStarted
	}
	o.status = crawler.StatusRunning
	o.startedAt = o.clock.Now()
	runCtx, cancel := context.WithCancelCause(ctx)
	o.cancel = cancel
	o.mu.Unlock()
	defer cancel(nil)

	if o.cfg.ResetCheckpoints && o.checkpoints != nil {
		if err := o.checkpoints.Reset(ctx); err != nil {
			return o.finish(Result{Status: crawler.StatusAborted, Cause: fmt.Errorf("reset checkpoints: %w", err)}), nil
		}
	}

	o.logger.Info("crawl started",
		zap.String("run_id", o.cfg.RunID),
		zap.Int("partitions", len(o.partitions)),
		zap.Int("workers", o.cfg.Concurrency),
		zap.Int("target", o.cfg.TargetCount),
	)
	o.progress.Emit(progress.Event{Stage: progress.StageCrawlStart, Note: o.cfg.RunID})

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-o.writer.Failed():
			cancel(o.writer.Err())
		case <-watchDone:
		}
	}()

	poolErr := o.dispatcher.Run(runCtx, o.partitions, o.onOutcome, o.onSkip)
	close(watchDone)
	cause := context.Cause(runCtx)

	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalFlushTimeout)
	defer flushCancel()
	if err := o.writer.Close(flushCtx); err != nil {
		o.logger.Warn("final flush failed", zap.Error(err))
	}

	var res Result
	switch {
	case poolErr != nil:
		res = Result{Status: crawler.StatusAborted, Cause: poolErr}
	case o.writer.Err() != nil:
		res = Result{Status: crawler.StatusAborted, Cause: o.writer.Err()}
	case errors.Is(cause, crawler.ErrTargetReached):
		res = Result{Status: crawler.StatusCompleted, Reason: crawler.ReasonTargetReached}
	case ctx.Err() != nil:
		res = Result{Status: crawler.StatusCompleted, Reason: crawler.ReasonStopped}
	default:
		res = Result{Status: crawler.StatusCompleted, Reason: crawler.ReasonDrained}
	}
	return o.finish(res), nil
}

// Deliver implements crawler.RecordSink. It forwards records to the writer
// until TargetCount is reached, trimming the page that crosses it, and then
// cancels the run.
func (o *Orchestrator) Deliver(ctx context.Context, records []crawler.RepositoryRecord) error {
	reached := false
	o.mu.Lock()
	if target := int64(o.cfg.TargetCount); target > 0 {
		remaining := target - o.fetched
		if remaining <= 0 {
			o.mu.Unlock()
			return crawler.ErrTargetReached
		}
		if int64(len(records)) >= remaining {
			records = records[:remaining]
			reached = true
		}
	}
	o.fetched += int64(len(records))
	o.mu.Unlock()

	if err := o.writer.Deliver(ctx, records); err != nil {
		return fmt.Errorf("buffer records: %w", err)
	}
	if reached {
		o.logger.Info("target reached", zap.Int("target", o.cfg.TargetCount))
		if o.cancel != nil {
			o.cancel(crawler.ErrTargetReached)
		}
		return crawler.ErrTargetReached
	}
	return nil
}

// Progress returns a snapshot of the run.
func (o *Orchestrator) Progress() crawler.CrawlProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return crawler.CrawlProgress{
		RunID:             o.cfg.RunID,
		Status:            o.status,
		Target:            o.cfg.TargetCount,
		Fetched:           o.fetched,
		Written:           o.writer.Written(),
		Partitions:        len(o.partitions),
		PartitionsDone:    o.done,
		PartitionsSkipped: o.skipped,
		PartitionsFailed:  append([]string(nil), o.failed...),
		StartedAt:         o.startedAt,
	}
}

// Status returns the current lifecycle state.
func (o *Orchestrator) Status() crawler.RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) onOutcome(out worker.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case out.Done:
		o.done++
	case out.Failed():
		o.failed = append(o.failed, out.Partition)
	}
}

func (o *Orchestrator) onSkip(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipped++
}

func (o *Orchestrator) finish(res Result) Result {
	o.mu.Lock()
	o.status = res.Status
	res.RunID = o.cfg.RunID
	res.Fetched = o.fetched
	res.PartitionsDone = o.done
	res.PartitionsFailed = append([]string(nil), o.failed...)
	res.Duration = o.clock.Now().Sub(o.startedAt)
	o.mu.Unlock()
	res.Written = o.writer.Written()
	res.FailedBatches = o.writer.FailedBatches()

	fields := []zap.Field{
		zap.String("run_id", res.RunID),
		zap.String("status", string(res.Status)),
		zap.Int64("fetched", res.Fetched),
		zap.Int64("written", res.Written),
		zap.Int("partitions_done", res.PartitionsDone),
		zap.Int("partitions_failed", len(res.PartitionsFailed)),
		zap.Duration("dur", res.Duration),
	}
	if res.Status == crawler.StatusAborted {
		o.logger.Error("crawl aborted", append(fields, zap.Error(res.Cause))...)
		o.progress.Emit(progress.Event{
			Stage:   progress.StageCrawlAborted,
			Records: res.Written,
			Dur:     res.Duration,
			Note:    res.Cause.Error(),
		})
		return res
	}

	fields = append(fields, zap.String("reason", string(res.Reason)))
	if res.Reason == crawler.ReasonDrained && o.cfg.TargetCount > 0 && res.Fetched < int64(o.cfg.TargetCount) {
		o.logger.Warn("partitions drained below target", append(fields, zap.Int("target", o.cfg.TargetCount))...)
	} else {
		o.logger.Info("crawl completed", fields...)
	}
	if res.FailedBatches > 0 {
		o.logger.Warn("some batches were not committed", zap.Int64("failed_batches", res.FailedBatches))
	}
	o.progress.Emit(progress.Event{
		Stage:   progress.StageCrawlDone,
		Records: res.Written,
		Dur:     res.Duration,
		Note:    string(res.Reason),
	})
	return res
}
