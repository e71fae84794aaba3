// ABOUTME: Tests for run record transitions, derived progress, summary projection and structural invariants.
// ABOUTME: Transitions are driven directly through the unexported mutators the controller uses.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRun(t *testing.T) *Run {
	t.Helper()
	return NewRun("proj-1", DefaultRegistry(), DefaultAnalysisConfig(), testEpoch)
}

func completeStage(t *testing.T, r *Run, name StageName) {
	t.Helper()
	if err := r.markRunning(name, testEpoch); err != nil {
		t.Fatalf("markRunning(%s) error = %v", name, err)
	}
	if err := r.markCompleted(name, json.RawMessage(`{"stage":"`+string(name)+`"}`), testEpoch); err != nil {
		t.Fatalf("markCompleted(%s) error = %v", name, err)
	}
}

func TestNewRunAllPending(t *testing.T) {
	r := newTestRun(t)
	if r.Status != RunRunning || len(r.Steps) != 6 || r.ProgressPercent != 0 {
		t.Fatalf("run = %+v", r)
	}
	for _, s := range r.Steps {
		if s.Status != StagePending {
			t.Errorf("stage %s = %s, want pending", s.Name, s.Status)
		}
	}
	if err := r.Validate(DefaultRegistry()); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestRunProgressTracksCompletedStages(t *testing.T) {
	r := newTestRun(t)
	completeStage(t, r, StageCoordinator)
	completeStage(t, r, StageSemantic)
	completeStage(t, r, StageBestPractice)

	if r.ProgressPercent != 50 {
		t.Errorf("ProgressPercent = %v, want 50", r.ProgressPercent)
	}
	if r.CurrentStep != 3 || r.CurrentStage() != StageSDEWriter {
		t.Errorf("CurrentStep = %d (%s), want 3 (sde_writer)", r.CurrentStep, r.CurrentStage())
	}
	if string(r.Outputs[StageSemantic]) != `{"stage":"semantic"}` {
		t.Errorf("Outputs[semantic] = %s", r.Outputs[StageSemantic])
	}
	if err := r.Validate(DefaultRegistry()); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestRunMarkFailed(t *testing.T) {
	r := newTestRun(t)
	if err := r.markRunning(StageCoordinator, testEpoch); err != nil {
		t.Fatalf("markRunning() error = %v", err)
	}
	if err := r.markFailed(StageCoordinator, errors.New("model timeout"), testEpoch); err != nil {
		t.Fatalf("markFailed() error = %v", err)
	}
	s, _ := r.Stage(StageCoordinator)
	if s.Status != StageFailed || s.Error != "model timeout" {
		t.Errorf("stage = %+v", s)
	}
	if r.Status != RunFailed || r.CompletedAt == nil {
		t.Errorf("run status = %s completed_at = %v", r.Status, r.CompletedAt)
	}
	if err := r.markRunning(StageSemantic, testEpoch); err == nil {
		t.Error("transition on FAILED run should be rejected")
	}
}

func TestRunPauseAndResumeResetsInterruptedStages(t *testing.T) {
	r := newTestRun(t)
	completeStage(t, r, StageCoordinator)
	if err := r.markRunning(StageSemantic, testEpoch); err != nil {
		t.Fatalf("markRunning() error = %v", err)
	}
	r.markInterrupted(testEpoch)
	if r.Status != RunPaused || r.PausedAt == nil {
		t.Fatalf("status = %s paused_at = %v", r.Status, r.PausedAt)
	}
	if s, _ := r.Stage(StageSemantic); s.Status != StagePending || s.StartedAt != nil {
		t.Errorf("semantic = %+v, want pending", s)
	}
	if err := r.Validate(DefaultRegistry()); err != nil {
		t.Errorf("Validate() after pause error = %v", err)
	}

	r.markResumed(testEpoch.Add(time.Minute))
	if r.Status != RunRunning || r.PausedAt != nil {
		t.Errorf("status = %s paused_at = %v", r.Status, r.PausedAt)
	}
	if r.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", r.CurrentStep)
	}
}

func TestRunResumeKeepsCompletedStages(t *testing.T) {
	r := newTestRun(t)
	completeStage(t, r, StageCoordinator)
	r.markPaused(testEpoch)
	r.markResumed(testEpoch.Add(time.Minute))

	s, _ := r.Stage(StageCoordinator)
	if s.Status != StageCompleted || len(r.Outputs[StageCoordinator]) == 0 {
		t.Errorf("coordinator = %+v, want completed with output kept", s)
	}
	if got := r.CompletedStages(); len(got) != 1 || got[0] != StageCoordinator {
		t.Errorf("completed = %v", got)
	}
}

func TestRunQuestionsCapped(t *testing.T) {
	r := newTestRun(t)
	for i := 0; i < maxQuestions+5; i++ {
		r.addQuestion(QuestionRecord{ID: fmt.Sprint(i), Question: "q", Answer: "a", Timestamp: testEpoch})
	}
	if len(r.Questions) != maxQuestions {
		t.Fatalf("len(Questions) = %d, want %d", len(r.Questions), maxQuestions)
	}
	if r.Questions[0].ID != "5" {
		t.Errorf("oldest kept question = %s, want 5", r.Questions[0].ID)
	}
}

func TestRunCloneIsDeep(t *testing.T) {
	r := newTestRun(t)
	completeStage(t, r, StageCoordinator)
	cp := r.Clone()
	cp.Steps[0].Output[2] = 'X'
	cp.Outputs[StageCoordinator][2] = 'X'
	cp.Config.Personas[0] = "tampered"
	cp.addInstruction("extra", testEpoch)

	if string(r.Steps[0].Output) != `{"stage":"coordinator"}` || string(r.Outputs[StageCoordinator]) != `{"stage":"coordinator"}` {
		t.Error("Clone() shares output bytes")
	}
	if r.Config.Personas[0] != PersonaSDE || len(r.Instructions) != 0 {
		t.Error("Clone() shares config or instructions")
	}
}

func TestRunSummary(t *testing.T) {
	r := newTestRun(t)
	completeStage(t, r, StageCoordinator)
	r.addInstruction("focus on auth", testEpoch)

	s := r.Summary()
	if s.Progress != "1/6 steps" || s.ProgressPercent != 16.7 {
		t.Errorf("progress = %q %.2f", s.Progress, s.ProgressPercent)
	}
	if s.CurrentAgent != StageSemantic || s.InstructionsCount != 1 {
		t.Errorf("summary = %+v", s)
	}
	if len(s.CompletedStages) != 1 || s.CompletedStages[0] != "coordinator" {
		t.Errorf("CompletedStages = %v", s.CompletedStages)
	}
}

func TestRunValidateCatchesCorruption(t *testing.T) {
	reg := DefaultRegistry()
	tests := []struct {
		name    string
		corrupt func(r *Run)
	}{
		{name: "progress drift", corrupt: func(r *Run) { r.ProgressPercent = 42 }},
		{name: "paused_at without pause", corrupt: func(r *Run) { now := testEpoch; r.PausedAt = &now }},
		{name: "output on pending stage", corrupt: func(r *Run) { r.Steps[1].Output = json.RawMessage(`{}`) }},
		{name: "error on completed stage", corrupt: func(r *Run) { r.Steps[0].Error = "x" }},
		{name: "completed before dependency", corrupt: func(r *Run) {
			r.Steps[2].Status = StageCompleted
			r.Steps[2].Output = json.RawMessage(`{}`)
			r.ProgressPercent = r.computeProgress()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRun(t)
			completeStage(t, r, StageCoordinator)
			tt.corrupt(r)
			if err := r.Validate(reg); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
