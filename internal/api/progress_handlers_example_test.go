package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"go.uber.org/zap"

	"github.com/JakeFAU/github-star-crawler/internal/crawler"
)

type exampleProgress struct{}

func (exampleProgress) Progress() crawler.CrawlProgress {
	return crawler.CrawlProgress{RunID: "run-1", Status: crawler.StatusRunning, Target: 1000, Fetched: 300}
}

// ExampleProgressHandler_Progress shows how to serve the /v1/progress endpoint.
func ExampleProgressHandler_Progress() {
	handler := NewProgressHandler(exampleProgress{}, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/progress", nil)
	rec := httptest.NewRecorder()
	handler.Progress(rec, req)

	var payload crawler.CrawlProgress
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("%s: %d of %d\n", payload.Status, payload.Fetched, payload.Target)
	// Output:
	// running: 300 of 1000
}
