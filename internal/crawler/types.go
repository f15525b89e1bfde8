package crawler

import (
	"time"
)

// RepositoryRecord is a single repository observation returned by a search page.
type RepositoryRecord struct {
	RepoID     string    `json:"repo_id"`
	Owner      string    `json:"owner"`
	Name       string    `json:"name"`
	FullName   string    `json:"full_name"`
	Stars      int       `json:"stars"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ObservedAt time.Time `json:"observed_at"`
}

// Snapshot returns the day-granular star history point for the record.
func (r RepositoryRecord) Snapshot() StarSnapshot {
	return StarSnapshot{
		RepoID:     r.RepoID,
		Stars:      r.Stars,
		RecordedAt: Day(r.ObservedAt),
	}
}

// StarSnapshot is an append-only star count keyed by repository and day.
type StarSnapshot struct {
	RepoID     string    `json:"repo_id"`
	Stars      int       `json:"stars"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// RateLimit is the quota state reported by the API alongside a response.
type RateLimit struct {
	Cost      int       `json:"cost"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`

	// Known is false when the response carried no quota information.
	Known bool `json:"-"`
}

// SearchRequest asks for one page of a search query.
type SearchRequest struct {
	Query string
	First int
	After string
}

// SearchPage is one page of search results.
type SearchPage struct {
	Records     []RepositoryRecord
	EndCursor   string
	HasNextPage bool
	RateLimit   RateLimit

	// Raw holds the undecoded response body for archival.
	Raw []byte
}

// RunStatus is the terminal state of a crawl.
type RunStatus string

// Crawl lifecycle states.
const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusAborted   RunStatus = "aborted"
)

// CompletionReason explains why a completed crawl stopped.
type CompletionReason string

// Completion reasons.
const (
	ReasonTargetReached CompletionReason = "target_reached"
	ReasonDrained       CompletionReason = "drained"
	ReasonStopped       CompletionReason = "stopped"
)

// CrawlProgress is a point-in-time view of a running crawl.
type CrawlProgress struct {
	RunID             string    `json:"run_id"`
	Status            RunStatus `json:"status"`
	Target            int       `json:"target"`
	Fetched           int64     `json:"fetched"`
	Written           int64     `json:"written"`
	Partitions        int       `json:"partitions"`
	PartitionsDone    int       `json:"partitions_done"`
	PartitionsSkipped int       `json:"partitions_skipped"`
	PartitionsFailed  []string  `json:"partitions_failed,omitempty"`
	StartedAt         time.Time `json:"started_at"`
}
