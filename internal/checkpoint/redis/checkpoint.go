// Package redis stores crawl checkpoints in Redis so a restarted crawl can
// skip exhausted partitions and resume the rest from their last cursor.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes every key written by the checkpointer.
const DefaultNamespace = "ghcrawl"

// Config controls the Redis connection.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

type client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SIsMember(ctx context.Context, key string, member any) *redis.BoolCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Checkpointer keeps the exhausted-partition set and the cursor hash in Redis.
type Checkpointer struct {
	client     client
	doneKey    string
	cursorsKey string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Checkpointer, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("checkpoint.redis_addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newWithClient(rdb, cfg.Namespace), nil
}

func newWithClient(c client, namespace string) *Checkpointer {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Checkpointer{
		client:     c,
		doneKey:    namespace + ":partitions:done",
		cursorsKey: namespace + ":partitions:cursors",
	}
}

// IsDone reports whether key was marked exhausted.
func (c *Checkpointer) IsDone(ctx context.Context, key string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, c.doneKey, key).Result()
	if err != nil {
		return false, fmt.Errorf("check partition %s: %w", key, err)
	}
	return ok, nil
}

// MarkDone marks key exhausted and drops its cursor.
func (c *Checkpointer) MarkDone(ctx context.Context, key string) error {
	if err := c.client.SAdd(ctx, c.doneKey, key).Err(); err != nil {
		return fmt.Errorf("mark partition %s done: %w", key, err)
	}
	if err := c.client.HDel(ctx, c.cursorsKey, key).Err(); err != nil {
		return fmt.Errorf("drop cursor %s: %w", key, err)
	}
	return nil
}

// SaveCursor stores the cursor to resume key from. An empty cursor clears it.
func (c *Checkpointer) SaveCursor(ctx context.Context, key, cursor string) error {
	if cursor == "" {
		if err := c.client.HDel(ctx, c.cursorsKey, key).Err(); err != nil {
			return fmt.Errorf("drop cursor %s: %w", key, err)
		}
		return nil
	}
	if err := c.client.HSet(ctx, c.cursorsKey, key, cursor).Err(); err != nil {
		return fmt.Errorf("save cursor %s: %w", key, err)
	}
	return nil
}

// Cursor returns the saved cursor for key, or "" when none exists.
func (c *Checkpointer) Cursor(ctx context.Context, key string) (string, error) {
	cursor, err := c.client.HGet(ctx, c.cursorsKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor %s: %w", key, err)
	}
	return cursor, nil
}

// Reset deletes all checkpoint state in the namespace.
func (c *Checkpointer) Reset(ctx context.Context) error {
	if err := c.client.Del(ctx, c.doneKey, c.cursorsKey).Err(); err != nil {
		return fmt.Errorf("reset checkpoints: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *Checkpointer) Close() error {
	return c.client.Close()
}
