// ABOUTME: Run controller: starts, drives, pauses and resumes analysis runs, persisting after every transition.
// ABOUTME: Pause is cooperative through a per-run flag in a mutex-guarded map of active run tasks.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// errUnchanged tells mutate to return the current record without writing.
var errUnchanged = errors.New("unchanged")

// ControllerConfig wires the controller's collaborators.
type ControllerConfig struct {
	Registry     *Registry // defaults to DefaultRegistry()
	Store        RunStore
	Executor     Executor
	Answerer     *Answerer
	Status       *StatusTracker // defaults to a new tracker
	OnEvent      EventHandler
	PersistRetry RetryPolicy // zero value means DefaultPersistRetry()
	Now          func() time.Time
}

// Controller owns every in-process run task.
type Controller struct {
	reg      *Registry
	store    RunStore
	exec     Executor
	answerer *Answerer
	status   *StatusTracker
	onEvent  EventHandler
	retry    RetryPolicy
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeRun
	locks  [64]sync.Mutex
}

// activeRun is the process-wide entry for a run task. It is inserted when a
// run starts or resumes and removed exactly once when its task ends.
type activeRun struct {
	pause atomic.Bool
	done  chan struct{}
}

// NewController validates cfg and returns a controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Store == nil {
		return nil, configErrorf("controller needs a run store")
	}
	if cfg.Executor == nil {
		return nil, configErrorf("controller needs an executor")
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Status == nil {
		cfg.Status = NewStatusTracker()
	}
	if cfg.Answerer == nil {
		cfg.Answerer = NewAnswerer(nil, nil)
	}
	if cfg.PersistRetry.MaxAttempts == 0 {
		cfg.PersistRetry = DefaultPersistRetry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		reg:      cfg.Registry,
		store:    cfg.Store,
		exec:     cfg.Executor,
		answerer: cfg.Answerer,
		status:   cfg.Status,
		onEvent:  cfg.OnEvent,
		retry:    cfg.PersistRetry,
		now:      cfg.Now,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*activeRun),
	}, nil
}

// Registry returns the full stage registry.
func (c *Controller) Registry() *Registry { return c.reg }

// Start creates a run for projectID and begins executing it in the background.
func (c *Controller) Start(ctx context.Context, projectID string, cfg AnalysisConfig) (*Run, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, configErrorf("project id is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c.ctx.Err() != nil {
		return nil, &InvalidOperationError{Op: "start", Reason: "controller is shut down"}
	}
	reg := c.reg.Apply(cfg.StageFeatures())
	graph, err := BuildGraph(reg, nil)
	if err != nil {
		return nil, err
	}

	run := NewRun(projectID, reg, cfg, c.now())
	if err := c.persist(ctx, run); err != nil {
		return nil, err
	}
	ar, _ := c.claim(run.ID)
	log.Printf("component=pipeline.controller action=start run=%s project=%s stages=%d", run.ID, projectID, reg.Len())
	c.emit(EventRunStarted, run.ID, "", map[string]any{
		"activity":         "Starting analysis...",
		"progress_percent": run.ProgressPercent,
	})
	c.launch(run.ID, reg, graph, ar)
	return run.Clone(), nil
}

// Resume continues a PAUSED run from its first unfinished stage. A run that is
// still RUNNING, including one with a pause requested but not yet reached, is
// rejected; its task may already be stopping.
func (c *Controller) Resume(ctx context.Context, runID string) (*Run, error) {
	for {
		c.mu.Lock()
		ar := c.active[runID]
		c.mu.Unlock()
		if ar == nil {
			break
		}
		run, err := c.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status != RunPaused {
			return nil, &InvalidOperationError{Op: "resume", RunID: runID, Status: run.Status}
		}
		// PAUSED is durable but the task has not released its entry yet.
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if c.ctx.Err() != nil {
		return nil, &InvalidOperationError{Op: "resume", RunID: runID, Reason: "controller is shut down"}
	}
	ar, ok := c.claim(runID)
	if !ok {
		return nil, &InvalidOperationError{Op: "resume", RunID: runID, Status: RunRunning, Reason: "run is already active"}
	}

	var (
		reg   *Registry
		graph *Graph
	)
	run, err := c.mutate(ctx, "resume", runID, func(r *Run) error {
		if r.Status != RunPaused {
			return &InvalidOperationError{Op: "resume", RunID: runID, Status: r.Status}
		}
		reg = c.reg.Apply(r.Config.StageFeatures())
		g, err := BuildGraph(reg, r.CompletedStages())
		if err != nil {
			return err
		}
		graph = g
		r.markResumed(c.now())
		return nil
	})
	if err != nil {
		c.release(runID, ar)
		return nil, err
	}

	log.Printf("component=pipeline.controller action=resume run=%s remaining=%d entry=%v", runID, len(graph.Stages()), graph.EntryPoints())
	c.emit(EventRunResumed, runID, "", map[string]any{
		"activity":         "Resuming analysis...",
		"progress_percent": run.ProgressPercent,
		"remaining":        len(graph.Stages()),
	})
	c.launch(runID, reg, graph, ar)
	return run, nil
}

// Pause requests a cooperative pause. An active run finishes its current
// stage first. A RUNNING run with no task in this process (for example after
// a crash) is paused directly. Pausing a PAUSED run is a no-op.
func (c *Controller) Pause(ctx context.Context, runID string) (*Run, error) {
	if c.requestPause(runID) {
		run, err := c.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		// The task may have finished its last stage before seeing the request.
		if run.Status.Terminal() {
			return nil, &InvalidOperationError{Op: "pause", RunID: runID, Status: run.Status}
		}
		return run, nil
	}
	paused := false
	run, err := c.mutate(ctx, "pause", runID, func(r *Run) error {
		switch r.Status {
		case RunPaused:
			return errUnchanged
		case RunRunning:
			if c.requestPause(runID) {
				return errUnchanged
			}
			r.markInterrupted(c.now())
			paused = true
			return nil
		default:
			return &InvalidOperationError{Op: "pause", RunID: runID, Status: r.Status}
		}
	})
	if err != nil {
		return nil, err
	}
	if paused {
		log.Printf("component=pipeline.controller action=pause_orphan run=%s", runID)
		c.emit(EventRunPaused, runID, "", map[string]any{
			"progress_percent": run.ProgressPercent,
			"reason":           "no active task",
			"orphan":           true,
		})
	}
	return run, nil
}

// requestPause sets the pause flag of an active run and reports whether one existed.
func (c *Controller) requestPause(runID string) bool {
	c.mu.Lock()
	ar := c.active[runID]
	if ar == nil {
		c.mu.Unlock()
		return false
	}
	first := !ar.pause.Swap(true)
	c.mu.Unlock()
	if first {
		log.Printf("component=pipeline.controller action=pause_requested run=%s", runID)
		c.emit(EventPauseRequested, runID, "", map[string]any{"message": "Pause requested; finishing current stage"})
	}
	return true
}

// RecoverOrphans pauses runs left RUNNING by a previous process so they can
// be resumed. It returns how many runs were recovered.
func (c *Controller) RecoverOrphans(ctx context.Context) (int, error) {
	runs, err := c.store.List(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "list", Err: err}
	}
	n := 0
	for _, r := range runs {
		if r.Status != RunRunning || c.isActive(r.ID) {
			continue
		}
		if _, err := c.Pause(ctx, r.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		log.Printf("component=pipeline.controller action=recover_orphans count=%d", n)
	}
	return n, nil
}

// AddInstruction appends a user instruction to a RUNNING or PAUSED run.
// Stages started after this call see it.
func (c *Controller) AddInstruction(ctx context.Context, runID, text string) (*Run, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &InvalidOperationError{Op: "add_instruction", RunID: runID, Reason: "instruction is empty"}
	}
	run, err := c.mutate(ctx, "add_instruction", runID, func(r *Run) error {
		if r.Status.Terminal() {
			return &InvalidOperationError{Op: "add_instruction", RunID: runID, Status: r.Status}
		}
		r.addInstruction(text, c.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.emit(EventInstructionAdded, runID, "", map[string]any{
		"message": "Instruction added: " + truncate(text, 80),
		"count":   len(run.Instructions),
	})
	return run, nil
}

// Ask answers a question about the run and records it. Allowed in every state.
func (c *Controller) Ask(ctx context.Context, runID, question string) (QuestionRecord, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return QuestionRecord{}, &InvalidOperationError{Op: "ask", RunID: runID, Reason: "question is empty"}
	}
	current, err := c.read(ctx, "ask", runID)
	if err != nil {
		return QuestionRecord{}, err
	}
	rec := QuestionRecord{
		ID:       newRecordID(),
		Question: question,
		Answer:   c.answerer.Answer(ctx, current, question),
	}
	_, err = c.mutate(ctx, "ask", runID, func(r *Run) error {
		rec.Timestamp = c.now()
		r.addQuestion(rec)
		return nil
	})
	if err != nil {
		return QuestionRecord{}, err
	}
	c.emit(EventQuestionAnswered, runID, "", map[string]any{"question": question, "question_id": rec.ID})
	return rec, nil
}

// Get returns the durable run record.
func (c *Controller) Get(ctx context.Context, runID string) (*Run, error) {
	return c.read(ctx, "get", runID)
}

// Summary returns the compact view of a run.
func (c *Controller) Summary(ctx context.Context, runID string) (Summary, error) {
	run, err := c.read(ctx, "summary", runID)
	if err != nil {
		return Summary{}, err
	}
	return run.Summary(), nil
}

// Status returns the live projection, or one rebuilt from the durable record
// when this process has not observed the run.
func (c *Controller) Status(ctx context.Context, runID string) (StatusView, error) {
	if v, ok := c.status.Get(runID); ok {
		return v, nil
	}
	run, err := c.read(ctx, "status", runID)
	if err != nil {
		return StatusView{}, err
	}
	return RebuildFromRun(run, c.reg), nil
}

// List returns summaries of every stored run, newest first.
func (c *Controller) List(ctx context.Context) ([]Summary, error) {
	runs, err := c.store.List(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	out := make([]Summary, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Summary())
	}
	return out, nil
}

// LatestRunID returns the most recently updated run for a project.
func (c *Controller) LatestRunID(ctx context.Context, projectID string) (string, error) {
	runs, err := c.store.List(ctx)
	if err != nil {
		return "", &PersistenceError{Op: "list", Err: err}
	}
	for _, r := range runs {
		if r.ProjectID == projectID {
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("project %q: %w", projectID, ErrRunNotFound)
}

// Wait blocks until the run's in-process task ends. It returns immediately
// when no task is active.
func (c *Controller) Wait(ctx context.Context, runID string) error {
	c.mu.Lock()
	ar := c.active[runID]
	c.mu.Unlock()
	if ar == nil {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown interrupts every active run, leaving each PAUSED with its
// unfinished stage pending, and waits for the tasks to exit.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveRuns returns the number of run tasks in this process.
func (c *Controller) ActiveRuns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Controller) isActive(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[runID] != nil
}

func (c *Controller) claim(runID string) (*activeRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.active[runID]; exists {
		return nil, false
	}
	ar := &activeRun{done: make(chan struct{})}
	c.active[runID] = ar
	return ar, true
}

// release removes the entry and signals waiters. Called exactly once per claim.
func (c *Controller) release(runID string, ar *activeRun) {
	c.mu.Lock()
	if c.active[runID] == ar {
		delete(c.active, runID)
	}
	c.mu.Unlock()
	close(ar.done)
}

func (c *Controller) launch(runID string, reg *Registry, graph *Graph, ar *activeRun) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(runID, ar)
		c.drive(c.ctx, runID, reg, graph, ar)
	}()
}

// drive executes the graph's stages in order until completion, failure, pause
// or a persistence failure.
func (c *Controller) drive(ctx context.Context, runID string, reg *Registry, graph *Graph, ar *activeRun) {
	for _, stage := range graph.Order() {
		if ar.pause.Load() {
			c.pauseAt(runID, "pause requested")
			return
		}
		if ctx.Err() != nil {
			c.pauseAt(runID, "shutdown")
			return
		}

		run, err := c.mutate(ctx, "start_stage", runID, func(r *Run) error {
			return r.markRunning(stage, c.now())
		})
		if err != nil {
			c.abort(runID, stage, err)
			return
		}
		def, _ := reg.Def(stage)
		c.emit(EventStageStarted, runID, stage, map[string]any{
			"activity":        def.Activity,
			"nominal_percent": def.Percent,
		})

		in := c.stageInput(run, reg, stage, ar)
		started := time.Now()
		output, execErr := safeExecute(ctx, c.exec, in)

		if execErr != nil && (errors.Is(execErr, ErrInterrupted) || ctx.Err() != nil) {
			log.Printf("component=pipeline.controller action=stage_interrupted run=%s stage=%s", runID, stage)
			c.interrupt(runID, stage)
			return
		}
		if execErr == nil && len(output) == 0 {
			execErr = &StageExecutionError{Stage: stage, Err: errors.New("executor returned no output")}
		}
		if execErr != nil {
			c.fail(runID, stage, execErr)
			return
		}

		run, err = c.mutate(ctx, "complete_stage", runID, func(r *Run) error {
			return r.markCompleted(stage, output, c.now())
		})
		if err != nil {
			c.abort(runID, stage, err)
			return
		}
		log.Printf("component=pipeline.controller action=stage_completed run=%s stage=%s duration=%s progress=%.1f",
			runID, stage, time.Since(started).Round(time.Millisecond), run.ProgressPercent)
		c.emit(EventStageCompleted, runID, stage, map[string]any{
			"progress_percent": run.ProgressPercent,
			"insight":          StageInsight(stage, output),
		})
	}

	run, err := c.mutate(ctx, "complete_run", runID, func(r *Run) error {
		if r.Status != RunRunning {
			return fmt.Errorf("run is %s", r.Status)
		}
		r.markCompletedRun(c.now())
		return nil
	})
	if err != nil {
		c.abort(runID, "", err)
		return
	}
	log.Printf("component=pipeline.controller action=complete run=%s", runID)
	c.emit(EventRunCompleted, runID, "", map[string]any{"progress_percent": run.ProgressPercent})
}

func (c *Controller) stageInput(run *Run, reg *Registry, stage StageName, ar *activeRun) StageInput {
	in := StageInput{
		RunID:        run.ID,
		ProjectID:    run.ProjectID,
		Stage:        stage,
		Outputs:      make(map[StageName]json.RawMessage),
		Instructions: run.InstructionTexts(),
		Config:       run.Config.clone(),
		Temperature:  run.Config.Temperature,
		Interrupted:  func() bool { return ar.pause.Load() || c.ctx.Err() != nil },
		Progress: func(msg string) {
			c.emit(EventStageProgress, run.ID, stage, map[string]any{"message": msg})
		},
	}
	if def, ok := reg.Def(stage); ok && def.Temperature != nil {
		in.Temperature = *def.Temperature
	}
	for _, dep := range ancestors(reg, stage) {
		if out, ok := run.Outputs[dep]; ok {
			in.Outputs[dep] = out
		}
	}
	if raw, ok := run.Outputs[StageCoordinator]; ok {
		var plan CoordinatorOutput
		if err := json.Unmarshal(raw, &plan); err == nil {
			in.ProjectSummary = plan.ProjectSummary
		}
	}
	return in
}

// ancestors returns every direct and transitive dependency of stage.
func ancestors(reg *Registry, stage StageName) []StageName {
	var out []StageName
	seen := map[StageName]bool{}
	var visit func(StageName)
	visit = func(n StageName) {
		for _, dep := range reg.DependsOn(n) {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
				out = append(out, dep)
			}
		}
	}
	visit(stage)
	return out
}

func (c *Controller) pauseAt(runID, reason string) {
	run, err := c.mutate(context.Background(), "pause", runID, func(r *Run) error {
		if r.Status != RunRunning {
			return errUnchanged
		}
		r.markPaused(c.now())
		return nil
	})
	if err != nil {
		c.abort(runID, "", err)
		return
	}
	log.Printf("component=pipeline.controller action=paused run=%s reason=%q progress=%.1f", runID, reason, run.ProgressPercent)
	c.emit(EventRunPaused, runID, "", map[string]any{"progress_percent": run.ProgressPercent, "reason": reason})
}

// interrupt discards an unfinished stage and pauses the run.
func (c *Controller) interrupt(runID string, stage StageName) {
	run, err := c.mutate(context.Background(), "pause", runID, func(r *Run) error {
		r.markInterrupted(c.now())
		return nil
	})
	if err != nil {
		c.abort(runID, stage, err)
		return
	}
	c.emit(EventRunPaused, runID, "", map[string]any{
		"progress_percent": run.ProgressPercent,
		"reason":           fmt.Sprintf("interrupted during %s", stage),
	})
}

func (c *Controller) fail(runID string, stage StageName, cause error) {
	log.Printf("component=pipeline.controller action=stage_failed run=%s stage=%s err=%v", runID, stage, cause)
	msg := cause.Error()
	var se *StageExecutionError
	if errors.As(cause, &se) && se.Err != nil {
		msg = se.Err.Error()
	}
	run, err := c.mutate(context.Background(), "fail_stage", runID, func(r *Run) error {
		return r.markFailed(stage, errors.New(msg), c.now())
	})
	if err != nil {
		c.abort(runID, stage, err)
		return
	}
	c.emit(EventStageFailed, runID, stage, map[string]any{"error": msg})
	c.emit(EventRunFailed, runID, "", map[string]any{"error": run.Error})
}

// abort stops the task after a persistence failure. The durable record keeps
// its last written state; a later Pause or RecoverOrphans makes it resumable.
func (c *Controller) abort(runID string, stage StageName, err error) {
	log.Printf("component=pipeline.controller action=abort run=%s stage=%s err=%v", runID, stage, err)
	c.emit(EventPersistFailed, runID, stage, map[string]any{"error": err.Error()})
}

// mutate applies fn to a copy of the durable record and writes it back. The
// returned run is what was persisted; on any error nothing was written.
func (c *Controller) mutate(ctx context.Context, op, runID string, fn func(*Run) error) (*Run, error) {
	lock := c.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	current, err := c.read(ctx, op, runID)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, errUnchanged) {
			return current, nil
		}
		return nil, err
	}
	if err := c.persist(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (c *Controller) read(ctx context.Context, op, runID string) (*Run, error) {
	if err := validateRunID(runID); err != nil {
		return nil, notFoundOp(op, runID)
	}
	rctx := context.WithoutCancel(ctx)
	var run *Run
	err := c.retry.retry(rctx, func() error {
		r, err := c.store.Read(rctx, runID)
		if errors.Is(err, ErrRunNotFound) {
			return nil
		}
		run = r
		return err
	}, nil)
	if err != nil {
		return nil, &PersistenceError{Op: "read", RunID: runID, Err: err}
	}
	if run == nil {
		return nil, notFoundOp(op, runID)
	}
	return run, nil
}

// persist writes the whole record with bounded retries. Cancellation of ctx
// does not abandon a write already underway.
func (c *Controller) persist(ctx context.Context, run *Run) error {
	wctx := context.WithoutCancel(ctx)
	err := c.retry.retry(wctx, func() error {
		return c.store.Write(wctx, run)
	}, func(attempt int, err error) {
		log.Printf("component=pipeline.controller action=persist_retry run=%s attempt=%d err=%v", run.ID, attempt, err)
		c.emit(EventPersistRetry, run.ID, "", map[string]any{"attempt": attempt, "error": err.Error()})
	})
	if err != nil {
		return &PersistenceError{Op: "write", RunID: run.ID, Err: err}
	}
	return nil
}

func (c *Controller) lockFor(runID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(runID))
	return &c.locks[h.Sum32()%uint32(len(c.locks))]
}

func (c *Controller) emit(typ EventType, runID string, stage StageName, data map[string]any) {
	evt := Event{
		ID:        newRecordID(),
		Type:      typ,
		RunID:     runID,
		Stage:     stage,
		Data:      data,
		Timestamp: c.now(),
	}
	c.status.HandleEvent(evt)
	if c.onEvent != nil {
		c.onEvent(evt)
	}
}
