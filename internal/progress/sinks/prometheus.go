package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/polite-crawler/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns the
// collectors for runs and per-site request outcomes.
type PrometheusSink struct {
	events      *prometheus.CounterVec
	runsRunning prometheus.Gauge

	finished *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	failed   *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_events_total",
			Help: "Lifecycle events partitioned by stage.",
		}, []string{"stage"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_runs_running",
			Help: "Current number of running crawl runs.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_requests_finished_total",
			Help: "Finished requests partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_requests_skipped_total",
			Help: "Requests dropped before fetching, partitioned by site and reason.",
		}, []string{"site", "reason"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_requests_failed_total",
			Help: "Requests that exhausted their retries, partitioned by site.",
		}, []string{"site"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.runsRunning,
		s.finished,
		s.skipped,
		s.failed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.events.WithLabelValues(string(evt.Stage)).Inc()
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	switch evt.Stage {
	case progress.StageRunStart:
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StageRequestFinished:
		statusClass := string(evt.StatusClass)
		if statusClass == "" {
			statusClass = string(progress.StatusOther)
		}
		s.finished.WithLabelValues(site, statusClass).Inc()
	case progress.StageRequestSkipped:
		s.skipped.WithLabelValues(site, "skipped").Inc()
	case progress.StageRequestDisallowed:
		s.skipped.WithLabelValues(site, "robots").Inc()
	case progress.StageRequestFailed:
		s.failed.WithLabelValues(site).Inc()
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
