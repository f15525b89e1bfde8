// Package dispatcher feeds partitions to the fetch worker pool.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/github-star-crawler/internal/crawler"
	"github.com/JakeFAU/github-star-crawler/internal/partition"
	"github.com/JakeFAU/github-star-crawler/internal/queue/memory"
	"github.com/JakeFAU/github-star-crawler/internal/worker"
)

// Dispatcher fans partitions out to a pool of workers over one shared queue.
type Dispatcher struct {
	queue       *memory.Queue
	workers     []*worker.Worker
	checkpoints crawler.Checkpointer
	logger      *zap.Logger
}

// New creates a Dispatcher. checkpoints may be nil.
func New(queue *memory.Queue, workers []*worker.Worker, checkpoints crawler.Checkpointer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:       queue,
		workers:     workers,
		checkpoints: checkpoints,
		logger:      logger,
	}
}

// Run enqueues every partition not already exhausted, starts the workers and
// blocks until the queue drains, ctx ends, or a worker fails fatally. Once ctx
// is cancelled no further partitions are dispatched. onSkip is called for
// partitions a previous run already finished.
func (d *Dispatcher) Run(
	ctx context.Context,
	partitions []partition.Partition,
	onOutcome func(worker.Outcome),
	onSkip func(key string),
) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher has no workers")
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer d.queue.Close()
		for _, p := range partitions {
			if d.alreadyDone(gctx, p.Key()) {
				if onSkip != nil {
					onSkip(p.Key())
				}
				continue
			}
			if err := d.queue.Enqueue(gctx, p); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("enqueue partition: %w", err)
			}
		}
		return nil
	})

	for _, w := range d.workers {
		g.Go(func() error {
			return w.Run(gctx, d.queue, onOutcome)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}

func (d *Dispatcher) alreadyDone(ctx context.Context, key string) bool {
	if d.checkpoints == nil {
		return false
	}
	done, err := d.checkpoints.IsDone(ctx, key)
	if err != nil {
		d.logger.Warn("checkpoint lookup failed; crawling partition", zap.String("partition", key), zap.Error(err))
		return false
	}
	return done
}
