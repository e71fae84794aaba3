// ABOUTME: Tests for the Prometheus event handler and MultiHandler fan-out.
// ABOUTME: Reads collector values back with prometheus/testutil.
package pipeline

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsStageOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	m.HandleEvent(Event{Type: EventRunStarted, RunID: "r1", Timestamp: start})
	m.HandleEvent(Event{Type: EventStageStarted, RunID: "r1", Stage: StageCoordinator, Timestamp: start})
	m.HandleEvent(Event{Type: EventStageCompleted, RunID: "r1", Stage: StageCoordinator, Timestamp: start.Add(3 * time.Second)})
	m.HandleEvent(Event{Type: EventStageStarted, RunID: "r1", Stage: StageSemantic, Timestamp: start})
	m.HandleEvent(Event{Type: EventStageFailed, RunID: "r1", Stage: StageSemantic, Timestamp: start.Add(time.Second)})
	m.HandleEvent(Event{Type: EventRunFailed, RunID: "r1", Timestamp: start})

	if got := testutil.ToFloat64(m.StageExecutions.WithLabelValues(string(StageCoordinator), "completed")); got != 1 {
		t.Errorf("coordinator completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StageExecutions.WithLabelValues(string(StageSemantic), "failed")); got != 1 {
		t.Errorf("semantic failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveRuns); got != 0 {
		t.Errorf("active runs = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.RunTransitions.WithLabelValues(string(RunFailed))); got != 1 {
		t.Errorf("failed transitions = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.StageDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestMetricsOrphanPauseLeavesGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.HandleEvent(Event{Type: EventRunStarted, RunID: "live"})
	m.HandleEvent(Event{Type: EventRunPaused, RunID: "old", Data: map[string]any{"orphan": true}})
	if got := testutil.ToFloat64(m.ActiveRuns); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}
	m.HandleEvent(Event{Type: EventRunPaused, RunID: "live"})
	if got := testutil.ToFloat64(m.ActiveRuns); got != 0 {
		t.Errorf("active runs = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.RunTransitions.WithLabelValues(string(RunPaused))); got != 2 {
		t.Errorf("paused transitions = %v, want 2", got)
	}
}

func TestMetricsPersistRetries(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.HandleEvent(Event{Type: EventPersistRetry, RunID: "r1"})
	m.HandleEvent(Event{Type: EventPersistRetry, RunID: "r1"})
	if got := testutil.ToFloat64(m.PersistRetries); got != 2 {
		t.Errorf("persist retries = %v, want 2", got)
	}
}

func TestMultiHandlerOrderAndNil(t *testing.T) {
	var got []string
	h := MultiHandler(
		func(Event) { got = append(got, "a") },
		nil,
		func(Event) { got = append(got, "b") },
	)
	h(Event{Type: EventRunStarted})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("handlers ran as %v, want [a b]", got)
	}
}
