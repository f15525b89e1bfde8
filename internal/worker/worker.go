// Package worker implements the fetch loop that walks one partition's pages.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/github-star-crawler/internal/clock/system"
	"github.com/JakeFAU/github-star-crawler/internal/crawler"
	"github.com/JakeFAU/github-star-crawler/internal/metrics"
	"github.com/JakeFAU/github-star-crawler/internal/partition"
	"github.com/JakeFAU/github-star-crawler/internal/progress"
	"github.com/JakeFAU/github-star-crawler/internal/queue/memory"
	"github.com/JakeFAU/github-star-crawler/internal/ratelimit"
)

// Defaults applied by New.
const (
	DefaultPageSize       = 100
	DefaultRequestCost    = 1
	DefaultRequestTimeout = 30 * time.Second
)

// Limiter is the quota ledger shared by all workers.
type Limiter interface {
	Acquire(ctx context.Context, cost int) (ratelimit.Reservation, error)
	Update(remaining int, resetAt time.Time, limit int)
	Release(res ratelimit.Reservation)
}

// Source hands out partitions to crawl.
type Source interface {
	Dequeue(ctx context.Context) (partition.Partition, error)
}

// Config controls Worker behavior.
type Config struct {
	PageSize       int
	RequestCost    int
	RequestTimeout time.Duration
	ArchivePrefix  string
}

// Dependencies groups the collaborators a Worker needs. Client, Limiter, Sink,
// Retry and Pause are required; the rest are optional.
type Dependencies struct {
	Client      crawler.SearchClient
	Limiter     Limiter
	Sink        crawler.RecordSink
	Retry       crawler.RetryPolicy
	Pause       crawler.PauseController
	Checkpoints crawler.Checkpointer
	Archive     crawler.BlobStore
	Hasher      crawler.Hasher
	Progress    progress.Emitter
	Clock       crawler.Clock
}

// Outcome summarizes one Crawl call.
type Outcome struct {
	Partition string
	Pages     int
	Records   int
	// Done is set when the partition was exhausted.
	Done bool
	// Stopped is set when the crawl was cancelled before the partition finished.
	Stopped bool
	// Err is the partition-local failure, if any.
	Err error
}

// Failed reports whether the partition failed on its own.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// haltError marks failures that end the worker rather than the partition.
type haltError struct {
	err error
}

func (e *haltError) Error() string { return e.err.Error() }
func (e *haltError) Unwrap() error { return e.err }

// Worker fetches partitions page by page and hands records to the sink.
type Worker struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Dependencies, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RequestCost <= 0 {
		cfg.RequestCost = DefaultRequestCost
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if deps.Progress == nil {
		deps.Progress = progress.NopEmitter{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Pause == nil {
		deps.Pause = crawler.TimerPauseController{}
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run consumes partitions until the source is closed or ctx ends. onOutcome,
// when set, observes every finished Crawl. A non-nil error means the crawl as
// a whole cannot continue.
func (w *Worker) Run(ctx context.Context, src Source, onOutcome func(Outcome)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		p, err := src.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dequeue partition: %w", err)
		}
		metrics.IncActiveWorkers()
		out, err := w.Crawl(ctx, p)
		metrics.DecActiveWorkers()
		if onOutcome != nil {
			onOutcome(out)
		}
		if err != nil {
			if errors.Is(err, crawler.ErrTargetReached) {
				return nil
			}
			return err
		}
	}
}

// Crawl walks p until it is exhausted, fails, or ctx is cancelled. Partition
// failures are reported in the Outcome; the returned error is reserved for
// conditions that should stop every worker.
func (w *Worker) Crawl(ctx context.Context, p partition.Partition) (Outcome, error) {
	key := p.Key()
	out := Outcome{Partition: key}
	logger := w.logger.With(zap.String("partition", key))
	start := w.deps.Clock.Now()

	cursor := p.Cursor
	if cursor == "" && w.deps.Checkpoints != nil {
		saved, err := w.deps.Checkpoints.Cursor(ctx, key)
		if err != nil {
			logger.Warn("load checkpoint cursor failed", zap.Error(err))
		} else if saved != "" {
			cursor = saved
			logger.Info("resuming partition", zap.String("cursor", cursor))
		}
	}

	query := p.Query()
	seen := 0
	for {
		page, err := w.fetchPage(ctx, key, query, cursor)
		if err != nil {
			var halt *haltError
			switch {
			case ctx.Err() != nil:
				out.Stopped = true
				return out, nil
			case errors.As(err, &halt):
				return out, halt.err
			}
			out.Err = err
			w.fail(key, out, err, w.deps.Clock.Now().Sub(start))
			logger.Error("partition failed", zap.Int("pages", out.Pages), zap.Error(err))
			return out, nil
		}

		out.Pages++
		out.Records += len(page.Records)
		seen += len(page.Records)
		w.archive(ctx, key, out.Pages, page.Raw)
		w.deps.Progress.Emit(progress.Event{
			Stage:     progress.StagePageFetched,
			Partition: key,
			Records:   int64(len(page.Records)),
		})
		logger.Debug("page fetched",
			zap.Int("records", len(page.Records)),
			zap.Bool("has_next", page.HasNextPage),
			zap.Int("remaining", page.RateLimit.Remaining),
		)

		if len(page.Records) > 0 {
			// Delivery outlives cancellation so an in-flight page is never lost.
			if err := w.deps.Sink.Deliver(context.WithoutCancel(ctx), page.Records); err != nil {
				if errors.Is(err, crawler.ErrTargetReached) {
					out.Stopped = true
					return out, err
				}
				return out, fmt.Errorf("deliver records: %w", err)
			}
		}

		cursor = page.EndCursor
		capped := p.MaxResults > 0 && seen >= p.MaxResults
		if !page.HasNextPage || cursor == "" || capped {
			w.done(ctx, key, &out, capped, w.deps.Clock.Now().Sub(start))
			return out, nil
		}
		if w.deps.Checkpoints != nil {
			if err := w.deps.Checkpoints.SaveCursor(ctx, key, cursor); err != nil {
				logger.Warn("save checkpoint cursor failed", zap.Error(err))
			}
		}
		if ctx.Err() != nil {
			out.Stopped = true
			return out, nil
		}
	}
}

// fetchPage performs one page request with retries.
func (w *Worker) fetchPage(ctx context.Context, key, query, cursor string) (crawler.SearchPage, error) {
	for attempt := 1; ; attempt++ {
		page, err := w.searchOnce(ctx, query, cursor)
		if err == nil {
			metrics.ObservePage("success", len(page.Records))
			return page, nil
		}
		var halt *haltError
		if errors.As(err, &halt) {
			return crawler.SearchPage{}, err
		}
		metrics.ObservePage("error", 0)
		if !w.deps.Retry.ShouldRetry(err, attempt) || ctx.Err() != nil {
			return crawler.SearchPage{}, err
		}

		delay := w.deps.Retry.Backoff(attempt)
		if ra := crawler.RetryAfter(err); ra > delay {
			delay = ra
		}
		metrics.ObserveRetry(errorKind(err))
		w.deps.Progress.Emit(progress.Event{
			Stage:     progress.StagePageRetry,
			Partition: key,
			Attempt:   attempt,
			Dur:       delay,
			Note:      err.Error(),
		})
		w.logger.Warn("search failed; retrying",
			zap.String("partition", key),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := w.deps.Pause.Pause(ctx, delay); err != nil {
			return crawler.SearchPage{}, fmt.Errorf("retry wait: %w", err)
		}
	}
}

// searchOnce reserves budget and issues a single request. The request runs on a
// context detached from cancellation so a stop lets it finish.
func (w *Worker) searchOnce(ctx context.Context, query, cursor string) (crawler.SearchPage, error) {
	res, err := w.deps.Limiter.Acquire(ctx, w.cfg.RequestCost)
	if err != nil {
		return crawler.SearchPage{}, &haltError{err: fmt.Errorf("acquire budget: %w", err)}
	}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.RequestTimeout)
	defer cancel()
	page, err := w.deps.Client.Search(reqCtx, crawler.SearchRequest{
		Query: query,
		First: w.cfg.PageSize,
		After: cursor,
	})
	if err != nil {
		var apiErr *crawler.APIError
		if errors.As(err, &apiErr) && apiErr.RateLimit.Known {
			w.deps.Limiter.Update(apiErr.RateLimit.Remaining, apiErr.RateLimit.ResetAt, apiErr.RateLimit.Limit)
		} else {
			w.deps.Limiter.Release(res)
		}
		return crawler.SearchPage{}, fmt.Errorf("search %q: %w", query, err)
	}
	if page.RateLimit.Known {
		w.deps.Limiter.Update(page.RateLimit.Remaining, page.RateLimit.ResetAt, page.RateLimit.Limit)
	}
	return page, nil
}

func (w *Worker) done(ctx context.Context, key string, out *Outcome, capped bool, dur time.Duration) {
	out.Done = true
	if w.deps.Checkpoints != nil {
		if err := w.deps.Checkpoints.MarkDone(ctx, key); err != nil {
			w.logger.Warn("mark partition done failed", zap.String("partition", key), zap.Error(err))
		}
	}
	metrics.ObservePartition("done")
	note := ""
	if capped {
		note = "result cap reached"
	}
	w.deps.Progress.Emit(progress.Event{
		Stage:     progress.StagePartitionDone,
		Partition: key,
		Records:   int64(out.Records),
		Dur:       dur,
		Note:      note,
	})
	w.logger.Info("partition exhausted",
		zap.String("partition", key),
		zap.Int("pages", out.Pages),
		zap.Int("records", out.Records),
		zap.Bool("capped", capped),
	)
}

func (w *Worker) fail(key string, out Outcome, err error, dur time.Duration) {
	metrics.ObservePartition("failed")
	w.deps.Progress.Emit(progress.Event{
		Stage:     progress.StagePartitionFailed,
		Partition: key,
		Records:   int64(out.Records),
		Dur:       dur,
		Note:      err.Error(),
	})
}

// archive stores the raw response body. Failures are logged and ignored.
func (w *Worker) archive(ctx context.Context, key string, page int, raw []byte) {
	if w.deps.Archive == nil || w.deps.Hasher == nil || len(raw) == 0 {
		return
	}
	hash, err := w.deps.Hasher.Hash(raw)
	if err != nil {
		w.logger.Warn("hash page failed", zap.String("partition", key), zap.Error(err))
		return
	}
	path := w.archivePath(key, page, hash)
	uri, err := w.deps.Archive.PutObject(ctx, path, "application/json", bytes.NewReader(raw))
	if err != nil {
		w.logger.Warn("archive page failed", zap.String("partition", key), zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Debug("page archived", zap.String("partition", key), zap.String("uri", uri))
}

func (w *Worker) archivePath(key string, page int, hash string) string {
	name := fmt.Sprintf("%s/page-%04d-%s.json", sanitizeKey(key), page, hash)
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// sanitizeKey maps a partition key onto a single safe path segment.
func sanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), ".")
}

func errorKind(err error) string {
	var apiErr *crawler.APIError
	if errors.As(err, &apiErr) {
		return string(apiErr.Kind)
	}
	return "transport"
}
