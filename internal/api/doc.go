// Package api hosts the status server for a running crawl. Routes:
//   - GET /healthz and /readyz for probes; readyz pings the repository store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for the running progress counter.
//   - GET /v1/ratelimit for the quota ledger.
package api
