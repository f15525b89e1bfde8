package github

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/github-star-crawler/internal/crawler"
)

const pageBody = `{
  "data": {
    "search": {
      "pageInfo": {"hasNextPage": true, "endCursor": "Y3Vyc29yOjUw"},
      "nodes": [
        {"id": "R_1", "name": "alpha", "nameWithOwner": "acme/alpha", "owner": {"login": "acme"},
         "stargazerCount": 42, "createdAt": "2021-04-01T10:00:00Z", "updatedAt": "2024-01-02T03:04:05Z"},
        {},
        {"id": "R_2", "name": "beta", "owner": {"login": "acme"},
         "stargazerCount": 7, "createdAt": "2021-05-01T10:00:00Z", "updatedAt": "2024-02-02T03:04:05Z"}
      ]
    },
    "rateLimit": {"cost": 1, "limit": 5000, "remaining": 4990, "resetAt": "2030-01-01T00:00:00Z"}
  }
}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{Endpoint: srv.URL, Token: "secret", Timeout: 5 * time.Second}, nil)
	c.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestSearchParsesPage(t *testing.T) {
	t.Parallel()

	var got graphQLRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("X-RateLimit-Remaining", "4000")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC).Unix(), 10))
		_, _ = io.WriteString(w, pageBody)
	})

	page, err := c.Search(context.Background(), crawler.SearchRequest{Query: "language:Go stars:1..10", First: 500})
	require.NoError(t, err)

	require.Equal(t, "language:Go stars:1..10", got.Variables["q"])
	require.EqualValues(t, 100, got.Variables["first"], "page size is capped at the API maximum")
	require.Nil(t, got.Variables["after"])

	require.Len(t, page.Records, 2)
	require.Equal(t, "R_1", page.Records[0].RepoID)
	require.Equal(t, "acme/alpha", page.Records[0].FullName)
	require.Equal(t, 42, page.Records[0].Stars)
	require.Equal(t, "acme/beta", page.Records[1].FullName, "full name falls back to owner/name")
	require.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), page.Records[0].ObservedAt)
	require.True(t, page.HasNextPage)
	require.Equal(t, "Y3Vyc29yOjUw", page.EndCursor)
	require.NotEmpty(t, page.Raw)

	require.True(t, page.RateLimit.Known)
	require.Equal(t, 4000, page.RateLimit.Remaining, "headers win over the body")
	require.Equal(t, 2031, page.RateLimit.ResetAt.Year())
	require.Equal(t, 1, page.RateLimit.Cost)
	require.Equal(t, 5000, page.RateLimit.Limit)
}

func TestSearchFallsBackToBodyRateLimit(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "abc", req.Variables["after"])
		_, _ = io.WriteString(w, pageBody)
	})

	page, err := c.Search(context.Background(), crawler.SearchRequest{Query: "q", After: "abc"})
	require.NoError(t, err)
	require.True(t, page.RateLimit.Known)
	require.Equal(t, 4990, page.RateLimit.Remaining)
	require.Equal(t, 2030, page.RateLimit.ResetAt.Year())
}

func TestSearchClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		headers   map[string]string
		body      string
		wantKind  crawler.ErrorKind
		wantRetry time.Duration
		wantType  string
		transient bool
	}{
		{name: "bad gateway", status: 502, body: "bad gateway", wantKind: crawler.KindTransient, transient: true},
		{name: "service unavailable", status: 503, body: "", wantKind: crawler.KindTransient, transient: true},
		{name: "bad request", status: 400, body: `{"message":"Problems parsing JSON"}`, wantKind: crawler.KindFatal},
		{name: "unauthorized", status: 401, body: `{"message":"Bad credentials"}`, wantKind: crawler.KindFatal},
		{name: "unprocessable", status: 422, body: "{}", wantKind: crawler.KindFatal},
		{name: "forbidden", status: 403, body: `{"message":"Resource not accessible"}`, wantKind: crawler.KindFatal},
		{
			name:      "secondary limit",
			status:    403,
			headers:   map[string]string{"Retry-After": "60"},
			body:      `{"message":"You have exceeded a secondary rate limit"}`,
			wantKind:  crawler.KindRateLimited,
			wantRetry: time.Minute,
			transient: true,
		},
		{name: "too many requests", status: 429, headers: map[string]string{"Retry-After": "5"}, wantKind: crawler.KindRateLimited, wantRetry: 5 * time.Second, transient: true},
		{
			name:      "graphql rate limited",
			status:    200,
			body:      `{"errors":[{"type":"RATE_LIMITED","message":"API rate limit exceeded"}]}`,
			wantKind:  crawler.KindRateLimited,
			wantType:  "RATE_LIMITED",
			transient: true,
		},
		{
			name:     "graphql parse error",
			status:   200,
			body:     `{"errors":[{"message":"Parse error on \"}\""}]}`,
			wantKind: crawler.KindFatal,
		},
		{name: "malformed json", status: 200, body: `{"data":`, wantKind: crawler.KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.Search(context.Background(), crawler.SearchRequest{Query: "q"})
			require.Error(t, err)

			var apiErr *crawler.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.wantKind, apiErr.Kind)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantRetry, apiErr.RetryAfter)
			assert.Equal(t, tt.wantType, apiErr.Type)
			assert.Equal(t, tt.transient, crawler.IsTransient(err))
		})
	}
}

func TestSearchForbiddenWithExhaustedQuotaWaitsForReset(t *testing.T) {
	t.Parallel()

	reset := time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.Search(context.Background(), crawler.SearchRequest{Query: "q"})
	var apiErr *crawler.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, crawler.KindRateLimited, apiErr.Kind)
	require.Equal(t, 10*time.Minute, apiErr.RetryAfter)
	require.True(t, apiErr.RateLimit.Known)
	require.Zero(t, apiErr.RateLimit.Remaining)
}

func TestSearchHonorsContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	c := newTestClient(t, func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Search(ctx, crawler.SearchRequest{Query: "q"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, crawler.IsTransient(err), "a timed-out request may be repeated")
	require.Error(t, ctx.Err())
}

func TestRetryAfterParsing(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 30*time.Second, retryAfter("30", now))
	require.Equal(t, 2*time.Minute, retryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now))
	require.Zero(t, retryAfter("", now))
	require.Zero(t, retryAfter("soon", now))
}
