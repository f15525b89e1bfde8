package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/github-star-crawler/internal/crawler"
	"github.com/JakeFAU/github-star-crawler/internal/progress"
	pubmemory "github.com/JakeFAU/github-star-crawler/internal/publisher/memory"
	"github.com/JakeFAU/github-star-crawler/internal/storage/memory"
)

func TestBatchWriter_FlushesAtBatchSize(t *testing.T) {
	t.Parallel()

	store := memory.NewRepositoryStore()
	w := New(store, Config{BatchSize: 10}, zap.NewNop())

	require.NoError(t, w.Deliver(context.Background(), records(0, 9, 1)))
	require.Equal(t, 0, store.Batches())
	require.Equal(t, 9, w.Buffered())

	require.NoError(t, w.Deliver(context.Background(), records(9, 1, 1)))
	require.Eventually(t, func() bool {
		return store.Batches() == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, int64(10), w.Written())
	require.Equal(t, 10, store.Len())
}

func TestBatchWriter_DeduplicatesWithinWindow(t *testing.T) {
	t.Parallel()

	store := memory.NewRepositoryStore()
	w := New(store, Config{BatchSize: 100}, zap.NewNop())

	require.NoError(t, w.Deliver(context.Background(), records(0, 5, 100)))
	require.NoError(t, w.Deliver(context.Background(), records(4, 1, 120)))
	require.Equal(t, 5, w.Buffered())
	require.NoError(t, w.Close(context.Background()))

	rec, ok := store.Repository("R_4")
	require.True(t, ok)
	require.Equal(t, 120, rec.Stars)
	require.Equal(t, 1, store.HistoryLen("R_4"))
	require.Equal(t, int64(5), w.Written())
	require.ErrorIs(t, w.Deliver(context.Background(), records(0, 1, 1)), ErrClosed)
}

func TestBatchWriter_CloseFlushesRemainder(t *testing.T) {
	t.Parallel()

	store := memory.NewRepositoryStore()
	events := &recordingEmitter{}
	w := New(store, Config{BatchSize: 1000}, zap.NewNop(), WithProgress(events))

	require.NoError(t, w.Deliver(context.Background(), records(0, 3, 1)))
	require.NoError(t, w.Close(context.Background()))
	require.Equal(t, 3, store.Len())
	require.Equal(t, []progress.Stage{progress.StageBatchFlushed}, events.Stages())

	// Closing an empty writer is a no-op.
	require.NoError(t, w.Close(context.Background()))
	require.Equal(t, 1, store.Batches())
}

func TestBatchWriter_RetriesFailedBatchOnce(t *testing.T) {
	t.Parallel()

	store := &flakyStore{RepositoryStore: memory.NewRepositoryStore(), failures: 1}
	w := New(store, Config{BatchSize: 10, RetryFailedBatch: true}, zap.NewNop())

	require.NoError(t, w.Deliver(context.Background(), records(0, 2, 1)))
	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, 2, store.calls())
	require.Equal(t, int64(2), w.Written())
	require.Zero(t, w.FailedBatches())
}

func TestBatchWriter_FailedBatchReportedWhenStoreReachable(t *testing.T) {
	t.Parallel()

	store := &flakyStore{RepositoryStore: memory.NewRepositoryStore(), failures: 2}
	events := &recordingEmitter{}
	w := New(store, Config{BatchSize: 10}, zap.NewNop(), WithProgress(events))

	require.NoError(t, w.Deliver(context.Background(), records(0, 2, 1)))
	err := w.Flush(context.Background())
	require.Error(t, err)
	require.NoError(t, w.Err(), "a reachable store does not abort the crawl")
	require.Equal(t, int64(1), w.FailedBatches())
	require.Equal(t, int64(2), w.FailedRecords())
	require.Equal(t, []progress.Stage{progress.StageBatchFailed}, events.Stages())

	require.NoError(t, w.Deliver(context.Background(), records(2, 1, 1)))
	require.Error(t, w.Flush(context.Background()))
	require.NoError(t, w.Deliver(context.Background(), records(3, 1, 1)))
	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, int64(1), w.Written())
}

func TestBatchWriter_UnreachableStoreIsFatal(t *testing.T) {
	t.Parallel()

	store := memory.NewRepositoryStore()
	store.SetDown(true)
	w := New(store, Config{BatchSize: 2}, zap.NewNop())

	require.NoError(t, w.Deliver(context.Background(), records(0, 2, 1)))
	select {
	case <-w.Failed():
	case <-time.After(time.Second):
		t.Fatal("writer did not report store failure")
	}
	require.ErrorIs(t, w.Err(), ErrStoreUnavailable)
	require.ErrorIs(t, w.Deliver(context.Background(), records(2, 1, 1)), ErrStoreUnavailable)
}

func TestBatchWriter_PublishesNotifications(t *testing.T) {
	t.Parallel()

	store := memory.NewRepositoryStore()
	pub := pubmemory.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := New(store, Config{BatchSize: 100, Topic: "batches", RunID: "run-1"}, zap.NewNop(),
		WithPublisher(pub),
		WithClock(fixedClock{now: now}),
	)

	require.NoError(t, w.Deliver(context.Background(), records(0, 4, 1)))
	require.NoError(t, w.Close(context.Background()))

	payloads := pub.Topic("batches")
	require.Len(t, payloads, 1)
	var got BatchNotification
	require.NoError(t, json.Unmarshal(payloads[0], &got))
	require.Equal(t, BatchNotification{RunID: "run-1", Records: 4, Written: 4, FlushedAt: now}, got)
}

func TestBatchWriter_PublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	pub.FailWith(errors.New("broker down"))
	w := New(memory.NewRepositoryStore(), Config{Topic: "batches"}, zap.NewNop(), WithPublisher(pub))

	require.NoError(t, w.Deliver(context.Background(), records(0, 1, 1)))
	require.NoError(t, w.Close(context.Background()))
	require.Equal(t, int64(1), w.Written())
}

func TestBatchWriter_ConcurrentDeliveries(t *testing.T) {
	t.Parallel()

	store := memory.NewRepositoryStore()
	w := New(store, Config{BatchSize: 25, MaxConcurrentFlushes: 2}, zap.NewNop())

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 10 {
				_ = w.Deliver(context.Background(), records(g*100+i*10, 10, 1))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close(context.Background()))
	require.Equal(t, 800, store.Len())
	require.Equal(t, int64(800), w.Written())
}

// --- helpers ---

func records(offset, n, stars int) []crawler.RepositoryRecord {
	observed := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	out := make([]crawler.RepositoryRecord, n)
	for i := range out {
		id := offset + i
		out[i] = crawler.RepositoryRecord{
			RepoID:     fmt.Sprintf("R_%d", id),
			Owner:      "owner",
			Name:       fmt.Sprintf("repo-%d", id),
			FullName:   fmt.Sprintf("owner/repo-%d", id),
			Stars:      stars,
			ObservedAt: observed,
		}
	}
	return out
}

type flakyStore struct {
	*memory.RepositoryStore
	mu       sync.Mutex
	failures int
	n        int
}

func (s *flakyStore) UpsertBatch(ctx context.Context, recs []crawler.RepositoryRecord) error {
	s.mu.Lock()
	s.n++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("deadlock detected")
	}
	return s.RepositoryStore.UpsertBatch(ctx, recs)
}

func (s *flakyStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }
