// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/github-star-crawler/internal/crawler"
)

const upsertRepositoriesSQL = `
INSERT INTO repositories (
	repo_id,
	owner,
	name,
	full_name,
	stars,
	created_at,
	updated_at,
	last_crawled_at
)
SELECT * FROM unnest(
	$1::text[],
	$2::text[],
	$3::text[],
	$4::text[],
	$5::int[],
	$6::timestamptz[],
	$7::timestamptz[],
	$8::timestamptz[]
)
ON CONFLICT (repo_id) DO UPDATE SET
	owner = EXCLUDED.owner,
	name = EXCLUDED.name,
	full_name = EXCLUDED.full_name,
	stars = EXCLUDED.stars,
	updated_at = EXCLUDED.updated_at,
	last_crawled_at = EXCLUDED.last_crawled_at
WHERE repositories.last_crawled_at IS NULL
	OR repositories.last_crawled_at <= EXCLUDED.last_crawled_at`

const insertHistorySQL = `
INSERT INTO repository_star_history (repository_id, stars, recorded_at)
SELECT r.id, h.stars, h.recorded_at
FROM unnest($1::text[], $2::int[], $3::date[]) AS h(repo_id, stars, recorded_at)
JOIN repositories r ON r.repo_id = h.repo_id
ON CONFLICT (repository_id, recorded_at) DO NOTHING`

// RepositoryStoreConfig controls the Postgres connection pool used for flushes.
type RepositoryStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type txPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// RepositoryStore upserts repositories and their daily star history.
// Each flush borrows one pooled connection for its transaction.
type RepositoryStore struct {
	pool txPool
}

// NewRepositoryStore creates a Postgres-backed RepositoryStore using the provided config.
func NewRepositoryStore(ctx context.Context, cfg RepositoryStoreConfig) (*RepositoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RepositoryStore{pool: pool}, nil
}

// NewRepositoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRepositoryStoreWithPool(pool txPool) (*RepositoryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RepositoryStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RepositoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *RepositoryStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("repository store is not configured")
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// UpsertBatch writes records and their snapshots in one transaction. Rows are
// only overwritten by observations at least as recent as the stored one, and a
// second snapshot for the same repository and day is ignored.
func (s *RepositoryStore) UpsertBatch(ctx context.Context, records []crawler.RepositoryRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("repository store is not configured")
	}
	if len(records) == 0 {
		return nil
	}
	cols := columnsFor(records)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	if _, err := tx.Exec(ctx, upsertRepositoriesSQL,
		cols.repoIDs, cols.owners, cols.names, cols.fullNames,
		cols.stars, cols.createdAt, cols.updatedAt, cols.observedAt,
	); err != nil {
		return rollback(ctx, tx, fmt.Errorf("upsert repositories: %w", err))
	}
	if _, err := tx.Exec(ctx, insertHistorySQL, cols.repoIDs, cols.stars, cols.days); err != nil {
		return rollback(ctx, tx, fmt.Errorf("insert star history: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}

type columns struct {
	repoIDs    []string
	owners     []string
	names      []string
	fullNames  []string
	stars      []int
	createdAt  []time.Time
	updatedAt  []time.Time
	observedAt []time.Time
	days       []time.Time
}

func columnsFor(records []crawler.RepositoryRecord) columns {
	n := len(records)
	c := columns{
		repoIDs:    make([]string, 0, n),
		owners:     make([]string, 0, n),
		names:      make([]string, 0, n),
		fullNames:  make([]string, 0, n),
		stars:      make([]int, 0, n),
		createdAt:  make([]time.Time, 0, n),
		updatedAt:  make([]time.Time, 0, n),
		observedAt: make([]time.Time, 0, n),
		days:       make([]time.Time, 0, n),
	}
	for _, r := range records {
		c.repoIDs = append(c.repoIDs, r.RepoID)
		c.owners = append(c.owners, r.Owner)
		c.names = append(c.names, r.Name)
		c.fullNames = append(c.fullNames, r.FullName)
		c.stars = append(c.stars, r.Stars)
		c.createdAt = append(c.createdAt, r.CreatedAt)
		c.updatedAt = append(c.updatedAt, r.UpdatedAt)
		c.observedAt = append(c.observedAt, r.ObservedAt)
		c.days = append(c.days, crawler.Day(r.ObservedAt))
	}
	return c
}
