package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/github-star-crawler/internal/crawler"
)

func openTestStore(t *testing.T) *RepositoryStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func record(id string, stars int, observed time.Time) crawler.RepositoryRecord {
	return crawler.RepositoryRecord{
		RepoID:     id,
		Owner:      "acme",
		Name:       "repo-" + id,
		FullName:   "acme/repo-" + id,
		Stars:      stars,
		CreatedAt:  time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:  observed,
		ObservedAt: observed,
	}
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	observed := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	batch := []crawler.RepositoryRecord{record("A", 10, observed), record("B", 20, observed)}

	require.NoError(t, store.UpsertBatch(ctx, batch))
	require.NoError(t, store.UpsertBatch(ctx, batch))

	repos, history, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, repos)
	require.Equal(t, 2, history)
}

func TestUpsertBatchOverwritesMutableFieldsAndKeepsOneSnapshotPerDay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	morning := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	evening := morning.Add(10 * time.Hour)
	nextDay := morning.Add(24 * time.Hour)

	require.NoError(t, store.UpsertBatch(ctx, []crawler.RepositoryRecord{record("X", 100, morning)}))
	require.NoError(t, store.UpsertBatch(ctx, []crawler.RepositoryRecord{record("X", 120, evening)}))

	got, err := store.Repository(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, 120, got.Stars)
	require.Equal(t, evening, got.ObservedAt)

	hist, err := store.History(ctx, "X")
	require.NoError(t, err)
	require.Len(t, hist, 1, "repeat snapshot on the same day is a no-op")
	require.Equal(t, 100, hist[0].Stars)

	require.NoError(t, store.UpsertBatch(ctx, []crawler.RepositoryRecord{record("X", 130, nextDay)}))
	hist, err = store.History(ctx, "X")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, 130, hist[1].Stars)
}

func TestUpsertBatchIgnoresOlderObservation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	newer := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	require.NoError(t, store.UpsertBatch(ctx, []crawler.RepositoryRecord{record("X", 120, newer)}))
	require.NoError(t, store.UpsertBatch(ctx, []crawler.RepositoryRecord{record("X", 100, older)}))

	got, err := store.Repository(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, 120, got.Stars)
}

func TestUpsertBatchIsAllOrNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	observed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	clash := record("B", 5, observed)
	clash.Name = "repo-A"
	err := store.UpsertBatch(ctx, []crawler.RepositoryRecord{record("A", 1, observed), clash})
	require.Error(t, err, "owner/name uniqueness violation fails the batch")

	repos, history, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, repos)
	require.Zero(t, history)
}

func TestOpenInMemory(t *testing.T) {
	t.Parallel()

	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))

	_, err = Open(context.Background(), "")
	require.Error(t, err)
}
