// Package memory keeps crawl checkpoints in process memory.
package memory

import (
	"context"
	"sync"
)

// Checkpointer records exhausted partitions and resume cursors for one process.
type Checkpointer struct {
	mu      sync.RWMutex
	done    map[string]struct{}
	cursors map[string]string
}

// New returns an empty Checkpointer.
func New() *Checkpointer {
	return &Checkpointer{
		done:    make(map[string]struct{}),
		cursors: make(map[string]string),
	}
}

// IsDone reports whether key was marked exhausted.
func (c *Checkpointer) IsDone(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.done[key]
	return ok, nil
}

// MarkDone marks key exhausted and forgets its cursor.
func (c *Checkpointer) MarkDone(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done[key] = struct{}{}
	delete(c.cursors, key)
	return nil
}

// SaveCursor stores the cursor to resume key from.
func (c *Checkpointer) SaveCursor(_ context.Context, key, cursor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cursor == "" {
		delete(c.cursors, key)
		return nil
	}
	c.cursors[key] = cursor
	return nil
}

// Cursor returns the saved cursor for key, or "".
func (c *Checkpointer) Cursor(_ context.Context, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursors[key], nil
}

// Reset forgets everything.
func (c *Checkpointer) Reset(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.done)
	clear(c.cursors)
	return nil
}
