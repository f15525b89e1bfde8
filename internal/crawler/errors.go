package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrTargetReached is returned by a RecordSink once the crawl target is met.
var ErrTargetReached = errors.New("crawl target reached")

// ErrorKind classifies API failures.
type ErrorKind string

// API failure kinds.
const (
	// KindTransient covers timeouts and server-side failures.
	KindTransient ErrorKind = "transient"
	// KindRateLimited covers secondary limits and GraphQL RATE_LIMITED.
	KindRateLimited ErrorKind = "rate_limited"
	// KindFatal covers rejected queries, auth failures and malformed responses.
	KindFatal ErrorKind = "fatal"
)

// APIError describes a failed search call. Type carries the GraphQL error
// type when the failure came from the response's errors array. RateLimit holds
// whatever quota state the failed response reported.
type APIError struct {
	StatusCode int
	Kind       ErrorKind
	Type       string
	Message    string
	RetryAfter time.Duration
	RateLimit  RateLimit
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("github api %s (status %d, %s): %s", e.Kind, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("github api %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// Transient reports whether the call may succeed if repeated.
func (e *APIError) Transient() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// IsTransient reports whether err is worth retrying. Cancellation is never
// transient; timeouts and transport errors are. Callers whose own context has
// expired must stop regardless of the answer.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
