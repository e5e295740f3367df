package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/serialcrawler/internal/progress"
)

// PrometheusSink exports session progress via Prometheus. It owns collectors
// for sessions started, finished and running plus per-fragment counters.
type PrometheusSink struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionsRunning  prometheus.Gauge
	sessionRuntime   *prometheus.HistogramVec

	fragments     prometheus.Counter
	fragmentBytes prometheus.Counter
	fragmentStep  prometheus.Histogram

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_sessions_started_total",
			Help: "Sessions that emitted a start event.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_sessions_finished_total",
			Help: "Sessions that reached a terminal stage, by outcome.",
		}, []string{"outcome"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_sessions_running",
			Help: "Sessions started but not yet terminated.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_session_runtime_seconds",
			Help:    "Wall time per terminated session.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_fragments_total",
			Help: "Fragments recorded across all sessions.",
		}),
		fragmentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_fragment_bytes_total",
			Help: "Body bytes of recorded fragments.",
		}),
		fragmentStep: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "progress_fragment_step_seconds",
			Help:    "Navigate-to-record latency per fragment.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsFinished,
		s.sessionsRunning,
		s.sessionRuntime,
		s.fragments,
		s.fragmentBytes,
		s.fragmentStep,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch {
		case evt.Stage == progress.StageSessionStart:
			s.sessionsStarted.Inc()
			if s.tracker.start(evt.SessionID) {
				s.sessionsRunning.Inc()
			}
		case evt.Stage == progress.StageFragment:
			s.fragments.Inc()
			if evt.Bytes > 0 {
				s.fragmentBytes.Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.fragmentStep.Observe(evt.Dur.Seconds())
			}
		case evt.Stage.Terminal():
			outcome := outcomeLabel(evt.Stage)
			s.sessionsFinished.WithLabelValues(outcome).Inc()
			if evt.Dur > 0 {
				s.sessionRuntime.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
			}
			if s.tracker.complete(evt.SessionID) {
				s.sessionsRunning.Dec()
			}
		}
	}
	return nil
}

func outcomeLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageSessionDone:
		return "completed"
	case progress.StageSessionCanceled:
		return "canceled"
	default:
		return "failed"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[string]struct{})}
}

func (t *sessionTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
