// Package sqlite provides a single-file RepositoryStore for local crawls.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/JakeFAU/github-star-crawler/internal/crawler"
)

// timeLayout is fixed width so stored timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const dayLayout = "2006-01-02"

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id TEXT NOT NULL UNIQUE,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	full_name TEXT NOT NULL,
	stars INTEGER NOT NULL DEFAULT 0,
	created_at TEXT,
	updated_at TEXT,
	last_crawled_at TEXT,
	UNIQUE (owner, name)
);
CREATE TABLE IF NOT EXISTS repository_star_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	stars INTEGER NOT NULL,
	recorded_at TEXT NOT NULL,
	UNIQUE (repository_id, recorded_at)
);`

const upsertRepositorySQL = `
INSERT INTO repositories (repo_id, owner, name, full_name, stars, created_at, updated_at, last_crawled_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (repo_id) DO UPDATE SET
	owner = excluded.owner,
	name = excluded.name,
	full_name = excluded.full_name,
	stars = excluded.stars,
	updated_at = excluded.updated_at,
	last_crawled_at = excluded.last_crawled_at
WHERE repositories.last_crawled_at IS NULL
	OR repositories.last_crawled_at <= excluded.last_crawled_at`

const insertHistorySQL = `
INSERT INTO repository_star_history (repository_id, stars, recorded_at)
SELECT id, ?, ? FROM repositories WHERE repo_id = ?
ON CONFLICT (repository_id, recorded_at) DO NOTHING`

// RepositoryStore persists repositories into a SQLite database.
type RepositoryStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*RepositoryStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &RepositoryStore{db: db}, nil
}

// Close releases the database handle.
func (s *RepositoryStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// Ping checks the database handle is usable.
func (s *RepositoryStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// UpsertBatch writes records and one snapshot per record in a single transaction.
func (s *RepositoryStore) UpsertBatch(ctx context.Context, records []crawler.RepositoryRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	upsert, err := tx.PrepareContext(ctx, upsertRepositorySQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsert.Close()
	history, err := tx.PrepareContext(ctx, insertHistorySQL)
	if err != nil {
		return fmt.Errorf("prepare history: %w", err)
	}
	defer history.Close()

	for _, r := range records {
		if _, err = upsert.ExecContext(ctx,
			r.RepoID, r.Owner, r.Name, r.FullName, r.Stars,
			formatTime(r.CreatedAt), formatTime(r.UpdatedAt), formatTime(r.ObservedAt),
		); err != nil {
			return fmt.Errorf("upsert repository %s: %w", r.RepoID, err)
		}
		snap := r.Snapshot()
		if _, err = history.ExecContext(ctx, snap.Stars, snap.RecordedAt.Format(dayLayout), snap.RepoID); err != nil {
			return fmt.Errorf("insert star history %s: %w", r.RepoID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// Repository loads one repository by its API identity.
func (s *RepositoryStore) Repository(ctx context.Context, repoID string) (crawler.RepositoryRecord, error) {
	var (
		rec                         crawler.RepositoryRecord
		created, updated, lastCrawl sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT repo_id, owner, name, full_name, stars, created_at, updated_at, last_crawled_at
		FROM repositories WHERE repo_id = ?`, repoID,
	).Scan(&rec.RepoID, &rec.Owner, &rec.Name, &rec.FullName, &rec.Stars, &created, &updated, &lastCrawl)
	if err != nil {
		return crawler.RepositoryRecord{}, fmt.Errorf("select repository %s: %w", repoID, err)
	}
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	rec.ObservedAt = parseTime(lastCrawl)
	return rec, nil
}

// History returns the star snapshots of one repository, oldest first.
func (s *RepositoryStore) History(ctx context.Context, repoID string) ([]crawler.StarSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT h.stars, h.recorded_at FROM repository_star_history h
		JOIN repositories r ON r.id = h.repository_id
		WHERE r.repo_id = ? ORDER BY h.recorded_at`, repoID)
	if err != nil {
		return nil, fmt.Errorf("select star history %s: %w", repoID, err)
	}
	defer rows.Close()

	var out []crawler.StarSnapshot
	for rows.Next() {
		var (
			snap = crawler.StarSnapshot{RepoID: repoID}
			day  string
		)
		if err := rows.Scan(&snap.Stars, &day); err != nil {
			return nil, fmt.Errorf("scan star history: %w", err)
		}
		snap.RecordedAt, err = time.Parse(dayLayout, day)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at %q: %w", day, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate star history: %w", err)
	}
	return out, nil
}

// Counts returns the number of repository and history rows.
func (s *RepositoryStore) Counts(ctx context.Context) (repositories, history int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM repositories`).Scan(&repositories); err != nil {
		return 0, 0, fmt.Errorf("count repositories: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM repository_star_history`).Scan(&history); err != nil {
		return 0, 0, fmt.Errorf("count star history: %w", err)
	}
	return repositories, history, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
