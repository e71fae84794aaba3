// ABOUTME: Prometheus collectors fed from controller events: stage outcomes, durations, active runs and persistence retries.
// ABOUTME: Collectors live on a caller-supplied registry so tests and multiple controllers do not collide.
package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records pipeline activity as Prometheus series.
type Metrics struct {
	StageExecutions *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	RunTransitions  *prometheus.CounterVec
	ActiveRuns      prometheus.Gauge
	PersistRetries  prometheus.Counter

	mu      sync.Mutex
	started map[string]time.Time // run_id/stage -> start
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "repolens",
				Name:      "stage_executions_total",
				Help:      "Stage executions by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "repolens",
				Name:      "stage_duration_seconds",
				Help:      "Wall time of completed or failed stages",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"stage"},
		),
		RunTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "repolens",
				Name:      "run_transitions_total",
				Help:      "Run state transitions by target status",
			},
			[]string{"status"},
		),
		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "repolens",
				Name:      "active_runs",
				Help:      "Runs with a live task in this process",
			},
		),
		PersistRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "repolens",
				Name:      "persist_retries_total",
				Help:      "Run record writes that were retried",
			},
		),
		started: make(map[string]time.Time),
	}
	reg.MustRegister(m.StageExecutions, m.StageDuration, m.RunTransitions, m.ActiveRuns, m.PersistRetries)
	return m
}

// HandleEvent matches EventHandler.
func (m *Metrics) HandleEvent(evt Event) {
	key := evt.RunID + "/" + string(evt.Stage)
	switch evt.Type {
	case EventRunStarted, EventRunResumed:
		m.ActiveRuns.Inc()
		m.RunTransitions.WithLabelValues(string(RunRunning)).Inc()
	case EventRunPaused:
		if orphan, _ := evt.Data["orphan"].(bool); !orphan {
			m.ActiveRuns.Dec()
		}
		m.RunTransitions.WithLabelValues(string(RunPaused)).Inc()
	case EventRunCompleted:
		m.ActiveRuns.Dec()
		m.RunTransitions.WithLabelValues(string(RunCompleted)).Inc()
	case EventRunFailed:
		m.ActiveRuns.Dec()
		m.RunTransitions.WithLabelValues(string(RunFailed)).Inc()
	case EventPersistFailed:
		m.ActiveRuns.Dec()
	case EventStageStarted:
		m.mu.Lock()
		m.started[key] = evt.Timestamp
		m.mu.Unlock()
	case EventStageCompleted, EventStageFailed:
		outcome := "completed"
		if evt.Type == EventStageFailed {
			outcome = "failed"
		}
		m.StageExecutions.WithLabelValues(string(evt.Stage), outcome).Inc()
		m.mu.Lock()
		if start, ok := m.started[key]; ok {
			m.StageDuration.WithLabelValues(string(evt.Stage)).Observe(evt.Timestamp.Sub(start).Seconds())
			delete(m.started, key)
		}
		m.mu.Unlock()
	case EventPersistRetry:
		m.PersistRetries.Inc()
	}
}
