// Package github implements the repository search client for the GitHub
// GraphQL API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/github-star-crawler/internal/crawler"
)

// DefaultEndpoint is the public GraphQL API.
const DefaultEndpoint = "https://api.github.com/graphql"

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "github-star-crawler"
	defaultPageSize  = 100
	maxPageSize      = 100
	maxBodyBytes     = 32 << 20
)

const searchQuery = `query SearchRepositories($q: String!, $first: Int!, $after: String) {
  search(query: $q, type: REPOSITORY, first: $first, after: $after) {
    pageInfo {
      hasNextPage
      endCursor
    }
    nodes {
      ... on Repository {
        id
        name
        nameWithOwner
        owner { login }
        stargazerCount
        createdAt
        updatedAt
      }
    }
  }
  rateLimit {
    cost
    limit
    remaining
    resetAt
  }
}`

// Config controls the search client.
type Config struct {
	Endpoint  string
	Token     string
	UserAgent string
	Timeout   time.Duration
}

// Client executes repository searches. It implements crawler.SearchClient.
type Client struct {
	endpoint  string
	token     string
	userAgent string
	http      *http.Client
	now       func() time.Time
}

// NewClient builds a Client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		endpoint:  cfg.Endpoint,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		http:      httpClient,
		now:       time.Now,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type repositoryNode struct {
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

type rateLimitNode struct {
	Cost      int       `json:"cost"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

type searchData struct {
	Search *struct {
		PageInfo struct {
			HasNextPage bool    `json:"hasNextPage"`
			EndCursor   *string `json:"endCursor"`
		} `json:"pageInfo"`
		Nodes []repositoryNode `json:"nodes"`
	} `json:"search"`
	RateLimit *rateLimitNode `json:"rateLimit"`
}

type graphQLResponse struct {
	Data   *searchData    `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// Search fetches one page of repositories matching req.Query.
func (c *Client) Search(ctx context.Context, req crawler.SearchRequest) (crawler.SearchPage, error) {
	first := req.First
	if first <= 0 {
		first = defaultPageSize
	}
	if first > maxPageSize {
		first = maxPageSize
	}
	vars := map[string]any{"q": req.Query, "first": first, "after": nil}
	if req.After != "" {
		vars["after"] = req.After
	}
	payload, err := json.Marshal(graphQLRequest{Query: searchQuery, Variables: vars})
	if err != nil {
		return crawler.SearchPage{}, fmt.Errorf("encode search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return crawler.SearchPage{}, fmt.Errorf("build search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return crawler.SearchPage{}, fmt.Errorf("post search: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return crawler.SearchPage{}, fmt.Errorf("read search response: %w", err)
	}

	headerLimit := rateLimitFromHeaders(resp.Header)
	if resp.StatusCode != http.StatusOK {
		return crawler.SearchPage{}, c.statusError(resp, body, headerLimit)
	}

	var decoded graphQLResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return crawler.SearchPage{}, &crawler.APIError{
			StatusCode: resp.StatusCode,
			Kind:       crawler.KindFatal,
			Message:    "malformed response: " + err.Error(),
			RateLimit:  headerLimit,
		}
	}

	limit := mergeRateLimit(headerLimit, decoded.Data)
	if err := graphQLFailure(resp.StatusCode, decoded, limit, c.now()); err != nil {
		return crawler.SearchPage{}, err
	}

	search := decoded.Data.Search
	observed := c.now().UTC()
	page := crawler.SearchPage{
		Records:     make([]crawler.RepositoryRecord, 0, len(search.Nodes)),
		HasNextPage: search.PageInfo.HasNextPage,
		RateLimit:   limit,
		Raw:         body,
	}
	if search.PageInfo.EndCursor != nil {
		page.EndCursor = *search.PageInfo.EndCursor
	}
	for _, node := range search.Nodes {
		if node.ID == "" {
			continue
		}
		page.Records = append(page.Records, toRecord(node, observed))
	}
	return page, nil
}

func toRecord(node repositoryNode, observed time.Time) crawler.RepositoryRecord {
	fullName := node.NameWithOwner
	if fullName == "" {
		fullName = node.Owner.Login + "/" + node.Name
	}
	return crawler.RepositoryRecord{
		RepoID:     node.ID,
		Owner:      node.Owner.Login,
		Name:       node.Name,
		FullName:   fullName,
		Stars:      node.StargazerCount,
		CreatedAt:  node.CreatedAt.UTC(),
		UpdatedAt:  node.UpdatedAt.UTC(),
		ObservedAt: observed,
	}
}

func (c *Client) statusError(resp *http.Response, body []byte, limit crawler.RateLimit) error {
	apiErr := &crawler.APIError{
		StatusCode: resp.StatusCode,
		Kind:       crawler.KindFatal,
		Message:    truncate(strings.TrimSpace(string(body)), 512),
		RetryAfter: retryAfter(resp.Header.Get("Retry-After"), c.now()),
		RateLimit:  limit,
	}
	switch {
	case resp.StatusCode >= 500:
		apiErr.Kind = crawler.KindTransient
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.Kind = crawler.KindRateLimited
	case resp.StatusCode == http.StatusForbidden && isSecondaryLimit(resp.Header, body, limit):
		apiErr.Kind = crawler.KindRateLimited
		if apiErr.RetryAfter == 0 && limit.Known && limit.Remaining == 0 {
			apiErr.RetryAfter = limit.ResetAt.Sub(c.now())
		}
	}
	return apiErr
}

func graphQLFailure(status int, decoded graphQLResponse, limit crawler.RateLimit, now time.Time) error {
	for _, e := range decoded.Errors {
		if e.Type == "RATE_LIMITED" {
			apiErr := &crawler.APIError{
				StatusCode: status,
				Kind:       crawler.KindRateLimited,
				Type:       e.Type,
				Message:    e.Message,
				RateLimit:  limit,
			}
			if limit.Known && limit.ResetAt.After(now) {
				apiErr.RetryAfter = limit.ResetAt.Sub(now)
			}
			return apiErr
		}
	}
	if decoded.Data == nil || decoded.Data.Search == nil {
		msg := "response carried no search data"
		errType := ""
		if len(decoded.Errors) > 0 {
			msg = decoded.Errors[0].Message
			errType = decoded.Errors[0].Type
		}
		return &crawler.APIError{
			StatusCode: status,
			Kind:       crawler.KindFatal,
			Type:       errType,
			Message:    msg,
			RateLimit:  limit,
		}
	}
	return nil
}

func isSecondaryLimit(h http.Header, body []byte, limit crawler.RateLimit) bool {
	if h.Get("Retry-After") != "" {
		return true
	}
	if limit.Known && limit.Remaining == 0 {
		return true
	}
	return bytes.Contains(bytes.ToLower(body), []byte("rate limit"))
}

// rateLimitFromHeaders reads the X-RateLimit-* headers. Headers are
// authoritative over the body when present.
func rateLimitFromHeaders(h http.Header) crawler.RateLimit {
	remaining, errRemaining := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	reset, errReset := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if errRemaining != nil || errReset != nil {
		return crawler.RateLimit{}
	}
	limit, _ := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	return crawler.RateLimit{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Unix(reset, 0).UTC(),
		Known:     true,
	}
}

func mergeRateLimit(header crawler.RateLimit, data *searchData) crawler.RateLimit {
	var body *rateLimitNode
	if data != nil {
		body = data.RateLimit
	}
	if header.Known {
		if body != nil {
			header.Cost = body.Cost
			if header.Limit == 0 {
				header.Limit = body.Limit
			}
		}
		return header
	}
	if body == nil || body.ResetAt.IsZero() {
		return crawler.RateLimit{}
	}
	return crawler.RateLimit{
		Cost:      body.Cost,
		Limit:     body.Limit,
		Remaining: body.Remaining,
		ResetAt:   body.ResetAt.UTC(),
		Known:     true,
	}
}

func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
