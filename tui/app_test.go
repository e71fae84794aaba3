// ABOUTME: Tests for WatchModel: snapshot handling, polling, pause/resume keys, focus and layout.
// ABOUTME: A fake RunSource returns canned runs and records control requests.
package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/repolens/pipeline"
	tea "github.com/charmbracelet/bubbletea"
)

type fakeSource struct {
	mu      sync.Mutex
	run     *pipeline.Run
	view    pipeline.StatusView
	err     error
	pauses  int
	resumes int
}

func (f *fakeSource) Get(context.Context, string) (*pipeline.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.run.Clone(), nil
}

func (f *fakeSource) Status(context.Context, string) (pipeline.StatusView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view, nil
}

func (f *fakeSource) Pause(context.Context, string) (*pipeline.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return f.run, nil
}

func (f *fakeSource) Resume(context.Context, string) (*pipeline.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	return f.run, nil
}

func testRun(status pipeline.RunStatus) *pipeline.Run {
	run := pipeline.NewRun("shop", pipeline.DefaultRegistry(), pipeline.DefaultAnalysisConfig(), time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	run.Status = status
	run.Steps[0].Status = pipeline.StageCompleted
	run.Steps[1].Status = pipeline.StageRunning
	return run
}

func newTestModel(src *fakeSource) WatchModel {
	return NewWatchModel(context.Background(), src, "run-1", time.Millisecond)
}

func update(t *testing.T, m WatchModel, msg tea.Msg) (WatchModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	wm, ok := next.(WatchModel)
	if !ok {
		t.Fatalf("Update returned %T, want WatchModel", next)
	}
	return wm, cmd
}

func TestWatchModelSnapshot(t *testing.T) {
	src := &fakeSource{
		run: testRun(pipeline.RunRunning),
		view: pipeline.StatusView{
			Activity: "Mapping code structure...",
			Logs:     []string{"[12:00:01] Started coordinator", "[12:00:05] Completed coordinator"},
			Insights: map[string]string{"coordinator": "3 focus areas"},
		},
	}
	m := newTestModel(src)

	msg := FetchCmd(context.Background(), src, "run-1")()
	m, cmd := update(t, m, msg)
	if cmd == nil {
		t.Fatal("snapshot should schedule the next poll")
	}
	if m.Status() != pipeline.RunRunning {
		t.Errorf("Status() = %s, want RUNNING", m.Status())
	}
	if m.log.Len() != 2 {
		t.Errorf("log lines = %d, want 2", m.log.Len())
	}
	if m.stages.Running() != pipeline.StageSemantic {
		t.Errorf("Running() = %q, want semantic", m.stages.Running())
	}

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	view := m.View()
	for _, want := range []string{"coordinator", "semantic", "3 focus areas", "Mapping code structure", "1/6 steps"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestWatchModelPollError(t *testing.T) {
	src := &fakeSource{err: errors.New("store offline")}
	m := newTestModel(src)

	m, cmd := update(t, m, FetchCmd(context.Background(), src, "run-1")())
	if cmd == nil {
		t.Fatal("a failed poll should still schedule a retry")
	}
	if !strings.Contains(m.notice, "store offline") {
		t.Errorf("notice = %q, want the poll error", m.notice)
	}
}

func TestWatchModelTickFetches(t *testing.T) {
	src := &fakeSource{run: testRun(pipeline.RunRunning)}
	m := newTestModel(src)

	_, cmd := update(t, m, TickMsg{Time: time.Now()})
	if cmd == nil {
		t.Fatal("tick should return a fetch command")
	}
	if _, ok := cmd().(SnapshotMsg); !ok {
		t.Error("tick command should produce a SnapshotMsg")
	}
}

func TestWatchModelPauseKey(t *testing.T) {
	src := &fakeSource{run: testRun(pipeline.RunRunning)}
	m := newTestModel(src)
	m, _ = update(t, m, FetchCmd(context.Background(), src, "run-1")())

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	if cmd == nil {
		t.Fatal("p on a running run should issue a pause")
	}
	result := cmd()
	if res, ok := result.(ActionResultMsg); !ok || res.Action != "pause" || res.Err != nil {
		t.Fatalf("pause result = %#v", result)
	}
	if src.pauses != 1 {
		t.Errorf("pauses = %d, want 1", src.pauses)
	}

	m, _ = update(t, m, result)
	if m.notice != "pause requested" {
		t.Errorf("notice = %q", m.notice)
	}

	// Resume is refused until the run is actually paused.
	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if cmd != nil {
		t.Error("r on a running run should not issue a resume")
	}
	if src.resumes != 0 {
		t.Errorf("resumes = %d, want 0", src.resumes)
	}
}

func TestWatchModelResumeKey(t *testing.T) {
	src := &fakeSource{run: testRun(pipeline.RunPaused)}
	m := newTestModel(src)
	m, _ = update(t, m, FetchCmd(context.Background(), src, "run-1")())

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if cmd == nil {
		t.Fatal("r on a paused run should issue a resume")
	}
	cmd()
	if src.resumes != 1 {
		t.Errorf("resumes = %d, want 1", src.resumes)
	}
}

func TestWatchModelActionError(t *testing.T) {
	m := newTestModel(&fakeSource{run: testRun(pipeline.RunRunning)})
	m, _ = update(t, m, ActionResultMsg{Action: "resume", Err: errors.New("run is COMPLETED")})
	if !strings.Contains(m.notice, "resume failed") {
		t.Errorf("notice = %q", m.notice)
	}
}

func TestWatchModelFocusAndQuit(t *testing.T) {
	m := newTestModel(&fakeSource{run: testRun(pipeline.RunRunning)})

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if !m.log.IsFocused() {
		t.Error("tab should focus the log")
	}
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.log.IsFocused() {
		t.Error("second tab should return focus to the stages")
	}

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should produce tea.QuitMsg")
	}
}

func TestWatchModelViewSizes(t *testing.T) {
	m := newTestModel(&fakeSource{})
	if got := m.View(); got != "Initializing..." {
		t.Errorf("View() before size = %q", got)
	}
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 30, Height: 5})
	if got := m.View(); !strings.Contains(got, "Terminal too small") {
		t.Errorf("View() small = %q", got)
	}
}
