// Package progress carries crawl lifecycle events from the orchestrator,
// workers and writer to pluggable sinks. Emitting never blocks the crawl:
// events are batched on a background goroutine and dropped under backpressure.
package progress
