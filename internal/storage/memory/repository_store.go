package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/github-star-crawler/internal/crawler"
)

// ErrUnavailable is returned by a RepositoryStore marked down.
var ErrUnavailable = errors.New("memory store unavailable")

// RepositoryStore mirrors the relational contract in memory: one row per
// repo_id, newer observations win, one snapshot per repository and day.
type RepositoryStore struct {
	mu      sync.RWMutex
	repos   map[string]crawler.RepositoryRecord
	history map[string]map[time.Time]int
	batches int
	down    bool
}

// NewRepositoryStore constructs an empty store.
func NewRepositoryStore() *RepositoryStore {
	return &RepositoryStore{
		repos:   make(map[string]crawler.RepositoryRecord),
		history: make(map[string]map[time.Time]int),
	}
}

// UpsertBatch applies records atomically.
func (s *RepositoryStore) UpsertBatch(_ context.Context, records []crawler.RepositoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrUnavailable
	}
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if r.RepoID == "" {
			return errors.New("repo_id is required")
		}
	}
	for _, r := range records {
		if cur, ok := s.repos[r.RepoID]; !ok || !r.ObservedAt.Before(cur.ObservedAt) {
			if ok {
				r.CreatedAt = cur.CreatedAt
			}
			s.repos[r.RepoID] = r
		}
		snap := r.Snapshot()
		days, ok := s.history[r.RepoID]
		if !ok {
			days = make(map[time.Time]int)
			s.history[r.RepoID] = days
		}
		if _, exists := days[snap.RecordedAt]; !exists {
			days[snap.RecordedAt] = snap.Stars
		}
	}
	s.batches++
	return nil
}

// Ping reports whether the store is marked down.
func (s *RepositoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return ErrUnavailable
	}
	return nil
}

// Close is a no-op.
func (s *RepositoryStore) Close() {}

// SetDown toggles simulated unavailability.
func (s *RepositoryStore) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Repository returns the stored row for repoID.
func (s *RepositoryStore) Repository(repoID string) (crawler.RepositoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[repoID]
	return r, ok
}

// Len returns the number of stored repositories.
func (s *RepositoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.repos)
}

// HistoryLen returns the number of snapshots stored for repoID.
func (s *RepositoryStore) HistoryLen(repoID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history[repoID])
}

// Batches returns how many non-empty batches were committed.
func (s *RepositoryStore) Batches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batches
}
