package crawler

import (
	"context"
	"io"
	"time"
)

// SearchClient executes one page of a repository search.
type SearchClient interface {
	Search(ctx context.Context, req SearchRequest) (SearchPage, error)
}

// RepositoryStore persists repositories and their star history.
type RepositoryStore interface {
	// UpsertBatch writes records and one snapshot per record in a single
	// all-or-nothing transaction.
	UpsertBatch(ctx context.Context, records []RepositoryRecord) error
	Ping(ctx context.Context) error
	Close()
}

// Checkpointer remembers exhausted partitions and resume cursors across runs.
type Checkpointer interface {
	IsDone(ctx context.Context, key string) (bool, error)
	MarkDone(ctx context.Context, key string) error
	SaveCursor(ctx context.Context, key, cursor string) error
	Cursor(ctx context.Context, key string) (string, error)
	Reset(ctx context.Context) error
}

// RecordSink receives records fetched by workers.
type RecordSink interface {
	Deliver(ctx context.Context, records []RepositoryRecord) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy decides whether and when a failed request is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
