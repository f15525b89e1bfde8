package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cpmemory "github.com/JakeFAU/github-star-crawler/internal/checkpoint/memory"
	"github.com/JakeFAU/github-star-crawler/internal/crawler"
	"github.com/JakeFAU/github-star-crawler/internal/github"
	"github.com/JakeFAU/github-star-crawler/internal/partition"
	"github.com/JakeFAU/github-star-crawler/internal/ratelimit"
	"github.com/JakeFAU/github-star-crawler/internal/storage/memory"
	"github.com/JakeFAU/github-star-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/github-star-crawler/internal/worker"
	"github.com/JakeFAU/github-star-crawler/internal/writer"
)

// TestRun_SharedRepositoryLastSeenWins crawls 3 partitions x 2 pages x 50
// records where one repository appears in two partitions with different star
// counts; the later observation wins and only one history row exists.
func TestRun_SharedRepositoryLastSeenWins(t *testing.T) {
	t.Parallel()

	parts := testPartitions(3)
	srv := newFakeGitHub()
	for i, p := range parts {
		srv.addPages(p.Query(), 2, 50, fmt.Sprintf("p%d", i))
	}
	srv.override(parts[0].Query(), 0, 0, node("R_X", "acme", "shared", 100))
	srv.override(parts[2].Query(), 1, 49, node("R_X", "acme", "shared", 120))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	store, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()

	o, w := newOrchestrator(t, ts.URL, parts, store, Config{Concurrency: 1}, ratelimit.DefaultConfig())
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, crawler.StatusCompleted, res.Status)
	require.Equal(t, crawler.ReasonDrained, res.Reason)
	require.Equal(t, int64(300), res.Fetched)
	require.Equal(t, int64(299), res.Written)
	require.Equal(t, 3, res.PartitionsDone)
	require.Equal(t, int64(299), w.Written())

	repos, history, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 299, repos)
	require.Equal(t, 299, history)

	rec, err := store.Repository(context.Background(), "R_X")
	require.NoError(t, err)
	require.Equal(t, 120, rec.Stars)
	snaps, err := store.History(context.Background(), "R_X")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, 120, snaps[0].Stars)
	require.Equal(t, crawler.StatusCompleted, o.Status())
}

// TestRun_TargetReachedStopsEarly stops after 150 of 500 available records.
func TestRun_TargetReachedStopsEarly(t *testing.T) {
	t.Parallel()

	parts := testPartitions(5)
	srv := newFakeGitHub()
	for i, p := range parts {
		srv.addPages(p.Query(), 2, 50, fmt.Sprintf("p%d", i))
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	store := memory.NewRepositoryStore()
	o, _ := newOrchestrator(t, ts.URL, parts, store, Config{Concurrency: 1, TargetCount: 150}, ratelimit.DefaultConfig())
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, crawler.StatusCompleted, res.Status)
	require.Equal(t, crawler.ReasonTargetReached, res.Reason)
	require.Equal(t, int64(150), res.Fetched)
	require.Equal(t, int64(150), res.Written)
	require.Equal(t, 150, store.Len())
	require.Equal(t, 3, srv.requests(), "the crawl does not drain remaining partitions")
}

// TestRun_TargetTrimsCrossingPage delivers only the records needed to hit the target.
func TestRun_TargetTrimsCrossingPage(t *testing.T) {
	t.Parallel()

	parts := testPartitions(2)
	srv := newFakeGitHub()
	for i, p := range parts {
		srv.addPages(p.Query(), 1, 50, fmt.Sprintf("p%d", i))
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	store := memory.NewRepositoryStore()
	o, _ := newOrchestrator(t, ts.URL, parts, store, Config{Concurrency: 1, TargetCount: 70}, ratelimit.DefaultConfig())
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.ReasonTargetReached, res.Reason)
	require.Equal(t, int64(70), res.Fetched)
	require.Equal(t, 70, store.Len())
}

// TestRun_PermanentFailureIsolatedToPartition returns 400 for one partition;
// its siblings finish and the run completes.
func TestRun_PermanentFailureIsolatedToPartition(t *testing.T) {
	t.Parallel()

	parts := testPartitions(3)
	srv := newFakeGitHub()
	for i, p := range parts {
		srv.addPages(p.Query(), 2, 10, fmt.Sprintf("p%d", i))
	}
	srv.failWith(parts[1].Query(), http.StatusBadRequest)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	store := memory.NewRepositoryStore()
	o, _ := newOrchestrator(t, ts.URL, parts, store, Config{Concurrency: 3}, ratelimit.DefaultConfig())
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, crawler.StatusCompleted, res.Status)
	require.Equal(t, crawler.ReasonDrained, res.Reason)
	require.Equal(t, []string{parts[1].Key()}, res.PartitionsFailed)
	require.Equal(t, 2, res.PartitionsDone)
	require.Equal(t, 40, store.Len())
	require.NoError(t, res.Cause)
}

// TestRun_LimiterWaitsForReset reports a nearly exhausted quota; the next
// request is only sent once the reported reset time has passed.
func TestRun_LimiterWaitsForReset(t *testing.T) {
	t.Parallel()

	parts := testPartitions(1)
	srv := newFakeGitHub()
	srv.addPages(parts[0].Query(), 2, 5, "p0")
	resetAt := time.Now().Add(300 * time.Millisecond)
	srv.setQuota(1, resetAt)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	limits := ratelimit.Config{Capacity: 10, SafetyMargin: 1, ResetPadding: 10 * time.Millisecond, MaxResetWait: time.Minute}
	o, _ := newOrchestrator(t, ts.URL, parts, memory.NewRepositoryStore(), Config{Concurrency: 1}, limits)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCompleted, res.Status)

	times := srv.requestTimes()
	require.Len(t, times, 2)
	require.False(t, times[1].Before(resetAt), "second request sent before the quota reset")
}

// TestRun_ResetTooFarAborts escalates an implausible reset time to Aborted.
func TestRun_ResetTooFarAborts(t *testing.T) {
	t.Parallel()

	parts := testPartitions(2)
	srv := newFakeGitHub()
	for i, p := range parts {
		srv.addPages(p.Query(), 2, 5, fmt.Sprintf("p%d", i))
	}
	srv.setQuota(0, time.Now().Add(3*time.Hour))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	store := memory.NewRepositoryStore()
	o, _ := newOrchestrator(t, ts.URL, parts, store, Config{Concurrency: 1}, ratelimit.DefaultConfig())
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, crawler.StatusAborted, res.Status)
	require.ErrorIs(t, res.Cause, ratelimit.ErrResetTooFar)
	require.Equal(t, 5, store.Len(), "records fetched before the abort are flushed")
	require.Equal(t, crawler.StatusAborted, o.Status())
}

// TestRun_StoreUnavailableAborts escalates an unreachable store to Aborted.
func TestRun_StoreUnavailableAborts(t *testing.T) {
	t.Parallel()

	parts := testPartitions(4)
	srv := newFakeGitHub()
	for i, p := range parts {
		srv.addPages(p.Query(), 3, 10, fmt.Sprintf("p%d", i))
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	store := memory.NewRepositoryStore()
	store.SetDown(true)
	o, _ := newOrchestrator(t, ts.URL, parts, store, Config{Concurrency: 2}, ratelimit.DefaultConfig(), 10)
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, crawler.StatusAborted, res.Status)
	require.ErrorIs(t, res.Cause, writer.ErrStoreUnavailable)
	require.Zero(t, res.Written)
}

// TestRun_SkipsCheckpointedPartitions resumes a crawl, skipping exhausted
// partitions and continuing others from their saved cursor.
func TestRun_SkipsCheckpointedPartitions(t *testing.T) {
	t.Parallel()

	parts := testPartitions(2)
	srv := newFakeGitHub()
	for i, p := range parts {
		srv.addPages(p.Query(), 2, 10, fmt.Sprintf("p%d", i))
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	checkpoints := cpmemory.New()
	ctx := context.Background()
	require.NoError(t, checkpoints.MarkDone(ctx, parts[0].Key()))
	require.NoError(t, checkpoints.SaveCursor(ctx, parts[1].Key(), "p1-1"))

	store := memory.NewRepositoryStore()
	o, _ := newOrchestrator(t, ts.URL, parts, store, Config{Concurrency: 2}, ratelimit.DefaultConfig(), 0, checkpoints)
	res, err := o.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, crawler.ReasonDrained, res.Reason)
	require.Equal(t, 1, srv.requests())
	require.Equal(t, 10, store.Len())
	prog := o.Progress()
	require.Equal(t, 1, prog.PartitionsSkipped)
	require.Equal(t, 1, prog.PartitionsDone)

	done, err := checkpoints.IsDone(ctx, parts[1].Key())
	require.NoError(t, err)
	require.True(t, done)
}

// TestRun_ResetCheckpointsRecrawls clears prior state when configured.
func TestRun_ResetCheckpointsRecrawls(t *testing.T) {
	t.Parallel()

	parts := testPartitions(1)
	srv := newFakeGitHub()
	srv.addPages(parts[0].Query(), 1, 3, "p0")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	checkpoints := cpmemory.New()
	require.NoError(t, checkpoints.MarkDone(context.Background(), parts[0].Key()))

	o, _ := newOrchestrator(t, ts.URL, parts, memory.NewRepositoryStore(),
		Config{Concurrency: 1, ResetCheckpoints: true}, ratelimit.DefaultConfig(), 0, checkpoints)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.PartitionsDone)
	require.Equal(t, 1, srv.requests())
}

// TestRun_ExternalStopCompletes cancels the run mid-crawl; the in-flight page
// is kept and the run completes as stopped.
func TestRun_ExternalStopCompletes(t *testing.T) {
	t.Parallel()

	parts := testPartitions(3)
	srv := newFakeGitHub()
	for i, p := range parts {
		srv.addPages(p.Query(), 2, 10, fmt.Sprintf("p%d", i))
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv.onRequest = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	store := memory.NewRepositoryStore()
	o, _ := newOrchestrator(t, ts.URL, parts, store, Config{Concurrency: 1}, ratelimit.DefaultConfig())
	res, err := o.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, crawler.StatusCompleted, res.Status)
	require.Equal(t, crawler.ReasonStopped, res.Reason)
	require.Equal(t, 1, srv.requests())
	require.Equal(t, 10, store.Len(), "the in-flight page is flushed")

	_, err = o.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestProgressBeforeRun(t *testing.T) {
	t.Parallel()

	o, _ := newOrchestrator(t, "http://127.0.0.1:0", testPartitions(4), memory.NewRepositoryStore(),
		Config{RunID: "run-1", TargetCount: 10}, ratelimit.DefaultConfig())
	prog := o.Progress()
	require.Equal(t, "run-1", prog.RunID)
	require.Equal(t, crawler.StatusIdle, prog.Status)
	require.Equal(t, 4, prog.Partitions)
	require.Equal(t, 10, prog.Target)
}

// --- helpers ---

func testPartitions(n int) []partition.Partition {
	buckets := make([]partition.StarBucket, n)
	for i := range buckets {
		buckets[i] = partition.StarBucket{Min: i * 100, Max: i*100 + 99}
	}
	return partition.Generate(partition.Axes{
		Languages:   []string{"Go"},
		DateRanges:  []partition.DateRange{partition.Year(2024)},
		StarBuckets: buckets,
	})
}

// newOrchestrator wires a real GitHub client, limiter and writer. Optional
// extras are a batch size and a checkpointer.
func newOrchestrator(
	t *testing.T,
	endpoint string,
	parts []partition.Partition,
	store crawler.RepositoryStore,
	cfg Config,
	limits ratelimit.Config,
	extras ...any,
) (*Orchestrator, *writer.BatchWriter) {
	t.Helper()
	batchSize := 0
	var checkpoints crawler.Checkpointer
	for _, e := range extras {
		switch v := e.(type) {
		case int:
			batchSize = v
		case crawler.Checkpointer:
			checkpoints = v
		}
	}
	w := writer.New(store, writer.Config{BatchSize: batchSize}, zap.NewNop())
	deps := worker.Dependencies{
		Client:      github.NewClient(github.Config{Endpoint: endpoint, Token: "t"}, nil),
		Limiter:     ratelimit.New(limits, zap.NewNop()),
		Retry:       crawler.NewExponentialRetryPolicy(2, time.Millisecond, time.Millisecond),
		Checkpoints: checkpoints,
	}
	return New(cfg, parts, deps, worker.Config{PageSize: 50}, w, zap.NewNop()), w
}

type fakeNode struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	NameWithOwner  string    `json:"nameWithOwner"`
	StargazerCount int       `json:"stargazerCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Owner          struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func node(id, owner, name string, stars int) fakeNode {
	n := fakeNode{
		ID:             id,
		Name:           name,
		NameWithOwner:  owner + "/" + name,
		StargazerCount: stars,
		CreatedAt:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	n.Owner.Login = owner
	return n
}

// fakeGitHub serves the search query from canned pages. Cursors are
// "<prefix>-<page index>".
type fakeGitHub struct {
	mu        sync.Mutex
	pages     map[string][][]fakeNode
	prefixes  map[string]string
	failures  map[string]int
	remaining int
	resetAt   time.Time
	times     []time.Time
	onRequest func(n int)
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		pages:     make(map[string][][]fakeNode),
		prefixes:  make(map[string]string),
		failures:  make(map[string]int),
		remaining: 4999,
		resetAt:   time.Now().Add(time.Hour),
	}
}

func (f *fakeGitHub) addPages(query string, pages, perPage int, prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]fakeNode, pages)
	for p := range out {
		out[p] = make([]fakeNode, perPage)
		for i := range out[p] {
			id := fmt.Sprintf("%s-%d-%d", prefix, p, i)
			out[p][i] = node("R_"+id, "owner-"+prefix, "repo-"+id, p*perPage+i)
		}
	}
	f.pages[query] = out
	f.prefixes[query] = prefix
}

func (f *fakeGitHub) override(query string, page, idx int, n fakeNode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[query][page][idx] = n
}

func (f *fakeGitHub) failWith(query string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[query] = status
}

func (f *fakeGitHub) setQuota(remaining int, resetAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remaining = remaining
	f.resetAt = resetAt
}

func (f *fakeGitHub) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.times)
}

func (f *fakeGitHub) requestTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.times...)
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variables struct {
			Q     string  `json:"q"`
			First int     `json:"first"`
			After *string `json:"after"`
		} `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.times = append(f.times, time.Now())
	n := len(f.times)
	hook := f.onRequest
	status := f.failures[req.Variables.Q]
	pages := f.pages[req.Variables.Q]
	prefix := f.prefixes[req.Variables.Q]
	if time.Now().After(f.resetAt) {
		f.remaining = 4999
		f.resetAt = time.Now().Add(time.Hour)
	}
	remaining, resetAt := f.remaining, f.resetAt
	if f.remaining > 0 {
		f.remaining--
	}
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if status != 0 {
		http.Error(w, `{"message":"Bad request"}`, status)
		return
	}

	idx := 0
	if req.Variables.After != nil {
		var err error
		idx, err = strconv.Atoi((*req.Variables.After)[len(prefix)+1:])
		if err != nil {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}
	}
	var nodes []fakeNode
	if idx < len(pages) {
		nodes = pages[idx]
	}
	hasNext := idx+1 < len(pages)
	var endCursor *string
	if hasNext {
		c := fmt.Sprintf("%s-%d", prefix, idx+1)
		endCursor = &c
	}

	resp := map[string]any{
		"data": map[string]any{
			"search": map[string]any{
				"pageInfo": map[string]any{"hasNextPage": hasNext, "endCursor": endCursor},
				"nodes":    nodes,
			},
			"rateLimit": map[string]any{
				"cost":      1,
				"limit":     5000,
				"remaining": remaining,
				"resetAt":   resetAt.UTC().Format(time.RFC3339Nano),
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
