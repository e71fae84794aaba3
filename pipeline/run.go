// ABOUTME: Run state record for one pipeline execution: per-stage status, outputs, user interjections and config snapshot.
// ABOUTME: All stage transitions go through methods that keep progress, output/error and pause invariants intact.
package pipeline

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// RunStatus is the run-level state machine position.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunPaused    RunStatus = "PAUSED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Terminal reports whether no further stage transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// StageStatus is the lifecycle position of a single stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// maxQuestions caps the question log kept on a run.
const maxQuestions = 100

// Stage is the per-run record for one registry stage.
type Stage struct {
	Name        StageName       `json:"name"`
	Status      StageStatus     `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Instruction is free text a user attached to a run.
type Instruction struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// QuestionRecord is one question answered against a run.
type QuestionRecord struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is the durable record of one pipeline execution for a project.
type Run struct {
	ID              string                        `json:"run_id"`
	ProjectID       string                        `json:"project_id"`
	Status          RunStatus                     `json:"status"`
	CurrentStep     int                           `json:"current_step"`
	ProgressPercent float64                       `json:"progress_percent"`
	StartedAt       time.Time                     `json:"started_at"`
	PausedAt        *time.Time                    `json:"paused_at,omitempty"`
	CompletedAt     *time.Time                    `json:"completed_at,omitempty"`
	UpdatedAt       time.Time                     `json:"updated_at"`
	Steps           []Stage                       `json:"steps"`
	Outputs         map[StageName]json.RawMessage `json:"intermediate_outputs"`
	Instructions    []Instruction                 `json:"user_instructions"`
	Questions       []QuestionRecord              `json:"user_questions"`
	Config          AnalysisConfig                `json:"config"`
	Error           string                        `json:"error,omitempty"`
}

// NewRunID returns a random UUID string.
func NewRunID() string {
	return uuid.New().String()
}

// newRecordID returns a time-ordered ULID for question and event records.
func newRecordID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewRun creates a RUNNING run with one pending stage per registry entry.
func NewRun(projectID string, reg *Registry, cfg AnalysisConfig, now time.Time) *Run {
	r := &Run{
		ID:           NewRunID(),
		ProjectID:    projectID,
		Status:       RunRunning,
		StartedAt:    now,
		UpdatedAt:    now,
		Outputs:      map[StageName]json.RawMessage{},
		Instructions: []Instruction{},
		Questions:    []QuestionRecord{},
		Config:       cfg.clone(),
	}
	for _, name := range reg.Names() {
		r.Steps = append(r.Steps, Stage{Name: name, Status: StagePending})
	}
	return r
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	cp := *r
	cp.PausedAt = cloneTime(r.PausedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.Steps = make([]Stage, len(r.Steps))
	for i, s := range r.Steps {
		s.StartedAt = cloneTime(s.StartedAt)
		s.CompletedAt = cloneTime(s.CompletedAt)
		s.Output = slices.Clone(s.Output)
		cp.Steps[i] = s
	}
	cp.Outputs = make(map[StageName]json.RawMessage, len(r.Outputs))
	for k, v := range r.Outputs {
		cp.Outputs[k] = slices.Clone(v)
	}
	cp.Instructions = slices.Clone(r.Instructions)
	cp.Questions = slices.Clone(r.Questions)
	cp.Config = r.Config.clone()
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StageIndex returns the position of name in Steps, or -1.
func (r *Run) StageIndex(name StageName) int {
	for i, s := range r.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Stage returns a copy of the named stage record.
func (r *Run) Stage(name StageName) (Stage, bool) {
	i := r.StageIndex(name)
	if i < 0 {
		return Stage{}, false
	}
	return r.Steps[i], true
}

// CompletedStages returns completed stage names in step order.
func (r *Run) CompletedStages() []StageName {
	var out []StageName
	for _, s := range r.Steps {
		if s.Status == StageCompleted {
			out = append(out, s.Name)
		}
	}
	return out
}

// CompletedCount returns the number of completed stages.
func (r *Run) CompletedCount() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == StageCompleted {
			n++
		}
	}
	return n
}

// CurrentStage returns the stage at CurrentStep, or "" when every stage is done.
func (r *Run) CurrentStage() StageName {
	if r.CurrentStep < 0 || r.CurrentStep >= len(r.Steps) {
		return ""
	}
	return r.Steps[r.CurrentStep].Name
}

// InstructionTexts returns the text of every user instruction in order.
func (r *Run) InstructionTexts() []string {
	out := make([]string, len(r.Instructions))
	for i, in := range r.Instructions {
		out[i] = in.Text
	}
	return out
}

// markRunning moves a pending stage to running and points CurrentStep at it.
func (r *Run) markRunning(name StageName, now time.Time) error {
	i, err := r.transitionable(name)
	if err != nil {
		return err
	}
	s := &r.Steps[i]
	if s.Status != StagePending {
		return fmt.Errorf("stage %s is %s, want pending", name, s.Status)
	}
	s.Status = StageRunning
	s.StartedAt = &now
	s.CompletedAt = nil
	r.CurrentStep = i
	r.touch(now)
	return nil
}

// markCompleted records a stage's output and advances CurrentStep to the next unfinished stage.
func (r *Run) markCompleted(name StageName, output json.RawMessage, now time.Time) error {
	i, err := r.transitionable(name)
	if err != nil {
		return err
	}
	s := &r.Steps[i]
	if s.Status != StageRunning {
		return fmt.Errorf("stage %s is %s, want running", name, s.Status)
	}
	if len(output) == 0 {
		return fmt.Errorf("stage %s completed without output", name)
	}
	s.Status = StageCompleted
	s.CompletedAt = &now
	s.Output = slices.Clone(output)
	s.Error = ""
	r.Outputs[name] = slices.Clone(output)
	r.CurrentStep = r.firstUnfinished()
	r.touch(now)
	return nil
}

// markFailed records a stage failure and moves the run to FAILED.
func (r *Run) markFailed(name StageName, cause error, now time.Time) error {
	i, err := r.transitionable(name)
	if err != nil {
		return err
	}
	s := &r.Steps[i]
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	s.Status = StageFailed
	s.CompletedAt = &now
	s.Output = nil
	s.Error = msg
	delete(r.Outputs, name)
	r.Status = RunFailed
	r.Error = fmt.Sprintf("stage %s failed: %s", name, msg)
	r.CompletedAt = &now
	r.PausedAt = nil
	r.touch(now)
	return nil
}

// markPaused freezes a running run at the current boundary.
func (r *Run) markPaused(now time.Time) {
	r.Status = RunPaused
	r.PausedAt = &now
	r.touch(now)
}

// markInterrupted returns any running stage to pending and pauses the run.
// Used when a stage stopped before finishing, so no partial work is recorded.
func (r *Run) markInterrupted(now time.Time) {
	for i := range r.Steps {
		s := &r.Steps[i]
		if s.Status == StageRunning {
			s.Status = StagePending
			s.StartedAt = nil
		}
	}
	r.CurrentStep = r.firstUnfinished()
	r.markPaused(now)
}

// markResumed clears the pause and returns any interrupted stage to pending.
func (r *Run) markResumed(now time.Time) {
	for i := range r.Steps {
		s := &r.Steps[i]
		if s.Status == StageRunning {
			s.Status = StagePending
			s.StartedAt = nil
			s.CompletedAt = nil
			s.Error = ""
		}
	}
	r.Status = RunRunning
	r.PausedAt = nil
	r.CompletedAt = nil
	r.Error = ""
	r.CurrentStep = r.firstUnfinished()
	r.touch(now)
}

// markCompletedRun finishes the run once every stage has completed.
func (r *Run) markCompletedRun(now time.Time) {
	r.Status = RunCompleted
	r.CompletedAt = &now
	r.PausedAt = nil
	r.CurrentStep = len(r.Steps)
	r.touch(now)
}

func (r *Run) addInstruction(text string, now time.Time) {
	r.Instructions = append(r.Instructions, Instruction{Text: text, Timestamp: now})
	r.touch(now)
}

func (r *Run) addQuestion(q QuestionRecord) {
	r.Questions = append(r.Questions, q)
	if len(r.Questions) > maxQuestions {
		r.Questions = slices.Clone(r.Questions[len(r.Questions)-maxQuestions:])
	}
	r.touch(q.Timestamp)
}

func (r *Run) transitionable(name StageName) (int, error) {
	if r.Status != RunRunning {
		return -1, fmt.Errorf("run %s is %s, stage transitions need RUNNING", r.ID, r.Status)
	}
	i := r.StageIndex(name)
	if i < 0 {
		return -1, fmt.Errorf("run %s has no stage %q", r.ID, name)
	}
	return i, nil
}

func (r *Run) firstUnfinished() int {
	for i, s := range r.Steps {
		if s.Status != StageCompleted {
			return i
		}
	}
	return len(r.Steps)
}

func (r *Run) touch(now time.Time) {
	r.UpdatedAt = now
	r.ProgressPercent = r.computeProgress()
}

func (r *Run) computeProgress() float64 {
	if len(r.Steps) == 0 {
		return 0
	}
	return float64(r.CompletedCount()) / float64(len(r.Steps)) * 100
}

// Validate checks the record's structural invariants against reg.
func (r *Run) Validate(reg *Registry) error {
	if math.Abs(r.ProgressPercent-r.computeProgress()) > 1e-9 {
		return fmt.Errorf("progress %.2f does not match %d/%d completed", r.ProgressPercent, r.CompletedCount(), len(r.Steps))
	}
	if (r.PausedAt != nil) != (r.Status == RunPaused) {
		return fmt.Errorf("paused_at set=%t with status %s", r.PausedAt != nil, r.Status)
	}
	for _, s := range r.Steps {
		if (len(s.Output) > 0) != (s.Status == StageCompleted) {
			return fmt.Errorf("stage %s has output=%t with status %s", s.Name, len(s.Output) > 0, s.Status)
		}
		if (s.Error != "") != (s.Status == StageFailed) {
			return fmt.Errorf("stage %s has error=%t with status %s", s.Name, s.Error != "", s.Status)
		}
		if s.Status != StageCompleted || reg == nil {
			continue
		}
		for _, dep := range reg.DependsOn(s.Name) {
			if d, ok := r.Stage(dep); ok && d.Status != StageCompleted {
				return fmt.Errorf("stage %s completed before dependency %s", s.Name, dep)
			}
		}
	}
	return nil
}

// Summary is the compact view of a run returned to callers.
type Summary struct {
	RunID             string     `json:"run_id"`
	ProjectID         string     `json:"project_id"`
	Status            RunStatus  `json:"status"`
	CurrentAgent      StageName  `json:"current_agent"`
	Progress          string     `json:"progress"`
	ProgressPercent   float64    `json:"progress_percent"`
	InstructionsCount int        `json:"user_instructions_count"`
	QuestionsCount    int        `json:"user_questions_count"`
	CompletedStages   []string   `json:"completed_stages"`
	Error             string     `json:"error,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	PausedAt          *time.Time `json:"paused_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Summary builds the compact view with percent rounded to one decimal place.
func (r *Run) Summary() Summary {
	completed := []string{}
	for _, n := range r.CompletedStages() {
		completed = append(completed, string(n))
	}
	current := StageName("")
	if !r.Status.Terminal() || r.Status == RunFailed {
		current = r.CurrentStage()
	}
	return Summary{
		RunID:             r.ID,
		ProjectID:         r.ProjectID,
		Status:            r.Status,
		CurrentAgent:      current,
		Progress:          fmt.Sprintf("%d/%d steps", r.CompletedCount(), len(r.Steps)),
		ProgressPercent:   math.Round(r.ProgressPercent*10) / 10,
		InstructionsCount: len(r.Instructions),
		QuestionsCount:    len(r.Questions),
		CompletedStages:   completed,
		Error:             r.Error,
		StartedAt:         r.StartedAt,
		PausedAt:          cloneTime(r.PausedAt),
		CompletedAt:       cloneTime(r.CompletedAt),
	}
}
