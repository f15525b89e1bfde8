package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/github-star-crawler/internal/progress"
)

// PrometheusSink exports run-level progress metrics: runs started, finished
// and running, run wall time, and per-partition completion latency.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	partitionDuration *prometheus.HistogramVec
	pageRecords       prometheus.Histogram

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_runs_finished_total",
			Help: "Total crawl runs finished partitioned by status.",
		}, []string{"status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_runs_running",
			Help: "Current number of running crawl runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_run_duration_seconds",
			Help:    "Wall time per finished crawl run.",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200, 14400},
		}, []string{"status"}),
		partitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_partition_duration_seconds",
			Help:    "Time from first page to exhaustion or failure per partition.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"outcome"}),
		pageRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_page_records",
			Help:    "Repositories returned per search page.",
			Buckets: []float64{0, 10, 25, 50, 75, 100},
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runDuration,
		s.partitionDuration,
		s.pageRecords,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageCrawlDone:
		s.finishRun(evt, "completed")
	case progress.StageCrawlAborted:
		s.finishRun(evt, "aborted")
	case progress.StagePartitionDone:
		s.observePartition(evt, "done")
	case progress.StagePartitionFailed:
		s.observePartition(evt, "failed")
	case progress.StagePageFetched:
		s.pageRecords.Observe(float64(evt.Records))
	}
}

func (s *PrometheusSink) finishRun(evt progress.Event, status string) {
	s.runsFinished.WithLabelValues(status).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(status).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observePartition(evt progress.Event, outcome string) {
	if evt.Dur > 0 {
		s.partitionDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
