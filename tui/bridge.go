// ABOUTME: Commands bridging the run watcher to a run source: polling, ticking, and pause/resume requests.
// ABOUTME: RunSource is satisfied by *pipeline.Controller and by test fakes.
package tui

import (
	"context"
	"time"

	"github.com/2389-research/repolens/pipeline"
	tea "github.com/charmbracelet/bubbletea"
)

// RunSource is the subset of the controller the watcher needs.
type RunSource interface {
	Get(ctx context.Context, runID string) (*pipeline.Run, error)
	Status(ctx context.Context, runID string) (pipeline.StatusView, error)
	Pause(ctx context.Context, runID string) (*pipeline.Run, error)
	Resume(ctx context.Context, runID string) (*pipeline.Run, error)
}

// FetchCmd polls the source for runID.
func FetchCmd(ctx context.Context, src RunSource, runID string) tea.Cmd {
	return func() tea.Msg {
		run, err := src.Get(ctx, runID)
		if err != nil {
			return SnapshotMsg{Err: err}
		}
		view, err := src.Status(ctx, runID)
		return SnapshotMsg{Run: run, Status: view, Err: err}
	}
}

// TickCmd sends a TickMsg after interval.
func TickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return TickMsg{Time: t}
	})
}

// PauseCmd requests a cooperative pause.
func PauseCmd(ctx context.Context, src RunSource, runID string) tea.Cmd {
	return func() tea.Msg {
		_, err := src.Pause(ctx, runID)
		return ActionResultMsg{Action: "pause", Err: err}
	}
}

// ResumeCmd resumes a paused run.
func ResumeCmd(ctx context.Context, src RunSource, runID string) tea.Cmd {
	return func() tea.Msg {
		_, err := src.Resume(ctx, runID)
		return ActionResultMsg{Action: "resume", Err: err}
	}
}
