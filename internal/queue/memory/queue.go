// Package memory provides the in-process partition queue shared by the
// fetch workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/github-star-crawler/internal/partition"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO of partitions with context-aware operations.
type Queue struct {
	ch      chan partition.Partition
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a queue holding up to capacity pending partitions.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan partition.Partition, capacity),
	}
}

// Enqueue pushes p, blocking while the queue is full or until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, p partition.Partition) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- p:
		return nil
	}
}

// Dequeue pops the next partition, respecting context cancellation. It
// returns ErrClosed once the queue has been closed and emptied.
func (q *Queue) Dequeue(ctx context.Context) (partition.Partition, error) {
	select {
	case <-ctx.Done():
		return partition.Partition{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case p, ok := <-q.ch:
		if !ok {
			return partition.Partition{}, ErrClosed
		}
		return p, nil
	}
}

// Len reports the number of partitions waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting partitions; pending ones can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
