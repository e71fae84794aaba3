// ABOUTME: In-memory status projection of live runs, fed by controller events after each durable write.
// ABOUTME: Serves idempotent polling with activity labels, a capped log, per-stage insights and monotonic progress.
package pipeline

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// maxStatusLogs caps the log lines kept per run.
	maxStatusLogs = 200
	// maxSettledViews caps views kept for paused and finished runs. Evicted
	// runs are rebuilt from the store on the next poll.
	maxSettledViews = 256
)

// StatusView is the polled projection of one run.
type StatusView struct {
	RunID          string            `json:"run_id"`
	Status         RunStatus         `json:"status"`
	Activity       string            `json:"activity"`
	Percent        float64           `json:"progress_percent"`
	Logs           []string          `json:"logs"`
	Insights       map[string]string `json:"insights"`
	Paused         bool              `json:"paused"`
	PauseRequested bool              `json:"pause_requested"`
	Error          string            `json:"error,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (v *StatusView) clone() StatusView {
	cp := *v
	cp.Logs = slices.Clone(v.Logs)
	cp.Insights = maps.Clone(v.Insights)
	return cp
}

// StatusTracker keeps one StatusView per run seen by this process.
type StatusTracker struct {
	mu         sync.RWMutex
	views      map[string]*StatusView
	settled    []string // paused or finished run IDs, oldest first
	maxSettled int
}

// NewStatusTracker returns an empty tracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{views: make(map[string]*StatusView), maxSettled: maxSettledViews}
}

func (t *StatusTracker) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.views)
}

func (v *StatusView) settled() bool {
	return v.Status == RunPaused || v.Status.Terminal()
}

// trackSettled records that runID stopped moving and evicts the oldest
// settled views beyond the cap. Caller holds t.mu.
func (t *StatusTracker) trackSettled(runID string) {
	t.settled = slices.DeleteFunc(t.settled, func(id string) bool { return id == runID })
	t.settled = append(t.settled, runID)
	for len(t.settled) > t.maxSettled {
		oldest := t.settled[0]
		t.settled = t.settled[1:]
		if v, ok := t.views[oldest]; ok && v.settled() {
			delete(t.views, oldest)
		}
	}
}

// Get returns a copy of the run's view.
func (t *StatusTracker) Get(runID string) (StatusView, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.views[runID]
	if !ok {
		return StatusView{}, false
	}
	return v.clone(), true
}

// HandleEvent matches EventHandler.
func (t *StatusTracker) HandleEvent(evt Event) {
	if evt.RunID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.views[evt.RunID]
	wasSettled := ok && v.settled()
	if !ok {
		v = &StatusView{RunID: evt.RunID, Status: RunRunning, Logs: []string{}, Insights: map[string]string{}}
		t.views[evt.RunID] = v
	}
	v.UpdatedAt = evt.Timestamp
	if a, ok := evt.Data["activity"].(string); ok && a != "" {
		v.Activity = a
	}
	if p, ok := numberField(evt.Data, "progress_percent"); ok {
		v.Percent = math.Max(v.Percent, p)
	}

	switch evt.Type {
	case EventRunStarted, EventRunResumed:
		v.Status = RunRunning
		v.Paused = false
		v.PauseRequested = false
		v.Error = ""
	case EventStageStarted:
		if p, ok := numberField(evt.Data, "nominal_percent"); ok {
			v.Percent = math.Max(v.Percent, p)
		}
	case EventStageCompleted:
		if insight, ok := evt.Data["insight"].(string); ok && insight != "" {
			v.Insights[string(evt.Stage)] = insight
		}
	case EventPauseRequested:
		v.PauseRequested = true
	case EventRunPaused:
		v.Status = RunPaused
		v.Paused = true
		v.PauseRequested = false
		v.Activity = "Paused"
	case EventRunCompleted:
		v.Status = RunCompleted
		v.Activity = "Analysis complete"
		v.Percent = 100
	case EventRunFailed, EventStageFailed:
		v.Status = RunFailed
		if e, ok := evt.Data["error"].(string); ok {
			v.Error = e
		}
	case EventPersistFailed:
		if e, ok := evt.Data["error"].(string); ok {
			v.Error = "state not saved: " + e
		}
	}

	if msg := eventMessage(evt); msg != "" {
		v.Logs = append(v.Logs, fmt.Sprintf("[%s] %s", evt.Timestamp.Format("15:04:05"), msg))
		if len(v.Logs) > maxStatusLogs {
			v.Logs = slices.Clone(v.Logs[len(v.Logs)-maxStatusLogs:])
		}
	}

	if v.settled() && !wasSettled {
		t.trackSettled(evt.RunID)
	}
}

func numberField(data map[string]any, key string) (float64, bool) {
	switch n := data[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func eventMessage(evt Event) string {
	if m, ok := evt.Data["message"].(string); ok && m != "" {
		return m
	}
	switch evt.Type {
	case EventRunStarted:
		return "Analysis started"
	case EventRunResumed:
		return "Analysis resumed"
	case EventRunPaused:
		return "Analysis paused"
	case EventRunCompleted:
		return "Analysis completed"
	case EventStageStarted:
		return fmt.Sprintf("Started %s", evt.Stage)
	case EventStageCompleted:
		return fmt.Sprintf("Completed %s", evt.Stage)
	case EventStageFailed:
		return fmt.Sprintf("Stage %s failed: %v", evt.Stage, evt.Data["error"])
	case EventPersistRetry:
		return fmt.Sprintf("Retrying save (attempt %v)", evt.Data["attempt"])
	}
	return ""
}

// RebuildFromRun derives a coarse view from a persisted run, for runs this
// process has no events for.
func RebuildFromRun(run *Run, reg *Registry) StatusView {
	v := StatusView{
		RunID:     run.ID,
		Status:    run.Status,
		Percent:   run.ProgressPercent,
		Paused:    run.Status == RunPaused,
		Error:     run.Error,
		UpdatedAt: run.UpdatedAt,
		Insights:  map[string]string{},
	}
	switch run.Status {
	case RunCompleted:
		v.Activity = "Analysis complete"
	case RunPaused:
		v.Activity = "Paused"
	case RunFailed:
		v.Activity = "Failed"
	default:
		if def, ok := reg.Def(run.CurrentStage()); ok {
			v.Activity = def.Activity
		}
	}
	for _, s := range run.Steps {
		if s.Status == StageCompleted {
			if insight := StageInsight(s.Name, s.Output); insight != "" {
				v.Insights[string(s.Name)] = insight
			}
		}
	}
	v.Logs = []string{fmt.Sprintf("[%s] Restored from saved state: %s, %d/%d steps",
		run.UpdatedAt.Format("15:04:05"), run.Status, run.CompletedCount(), len(run.Steps))}
	return v
}

// StageInsight summarizes a completed stage's output in one line.
func StageInsight(stage StageName, raw []byte) string {
	out, err := UnmarshalStageOutput(stage, raw)
	if err != nil {
		return ""
	}
	switch o := out.(type) {
	case *CoordinatorOutput:
		return truncate(o.ProjectSummary, 160)
	case *SemanticOutput:
		return fmt.Sprintf("%d components, %d APIs, %d entities", len(o.Components), len(o.APIs), len(o.Entities))
	case *BestPracticeOutput:
		return fmt.Sprintf("%d recommendations, %d risks", len(o.Recommendations), len(o.Risks))
	case *SDEOutput:
		return fmt.Sprintf("%d components documented, %d diagrams", len(o.Components), len(o.Diagrams))
	case *PMOutput:
		return fmt.Sprintf("%d key features, %d user journeys", len(o.KeyFeatures), len(o.UserJourneys))
	case *QAOutput:
		return strings.TrimSpace(fmt.Sprintf("Overall score %d/100 %s", o.OverallAssessment.OverallScore,
			truncate(o.OverallAssessment.Summary, 120)))
	}
	return ""
}
