// ABOUTME: Top-level Bubble Tea model that watches one analysis run: stage list, activity log and status bar.
// ABOUTME: Polls a RunSource on an interval and sends pause/resume requests on p and r.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/2389-research/repolens/pipeline"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DefaultPollInterval is how often the watcher refreshes run state.
const DefaultPollInterval = 500 * time.Millisecond

// FocusTarget indicates which panel currently has keyboard focus.
type FocusTarget int

const (
	FocusStages FocusTarget = iota
	FocusLog
)

// WatchModel follows a run until the user quits. It keeps polling after the
// run reaches a terminal state so a resumed run is picked up.
type WatchModel struct {
	stages    StagePanelModel
	log       LogPanelModel
	statusBar StatusBarModel

	src      RunSource
	runID    string
	ctx      context.Context
	interval time.Duration

	status pipeline.RunStatus
	notice string // last action outcome or poll error
	focus  FocusTarget
	width  int
	height int
}

// NewWatchModel creates a watcher for runID. A non-positive interval means DefaultPollInterval.
func NewWatchModel(ctx context.Context, src RunSource, runID string, interval time.Duration) WatchModel {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return WatchModel{
		stages:    NewStagePanelModel(),
		log:       NewLogPanelModel(),
		statusBar: NewStatusBarModel(),
		src:       src,
		runID:     runID,
		ctx:       ctx,
		interval:  interval,
		focus:     FocusStages,
	}
}

// Status returns the last observed run status.
func (m WatchModel) Status() pipeline.RunStatus {
	return m.status
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(
		FetchCmd(m.ctx, m.src, m.runID),
		m.stages.Tick(),
	)
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case SnapshotMsg:
		return m.handleSnapshot(msg)

	case TickMsg:
		return m, FetchCmd(m.ctx, m.src, m.runID)

	case ActionResultMsg:
		if msg.Err != nil {
			m.notice = fmt.Sprintf("%s failed: %v", msg.Action, msg.Err)
		} else {
			m.notice = msg.Action + " requested"
		}
		return m, FetchCmd(m.ctx, m.src, m.runID)

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	}

	var cmd tea.Cmd
	m.stages, cmd = m.stages.Update(msg)
	return m, cmd
}

func (m WatchModel) handleSnapshot(msg SnapshotMsg) (tea.Model, tea.Cmd) {
	if msg.Err != nil {
		m.notice = "refresh failed: " + msg.Err.Error()
		return m, TickCmd(m.interval)
	}
	m.status = msg.Run.Status
	m.stages.SetRun(msg.Run, msg.Status.Insights)
	m.log.SetLines(msg.Status.Logs)
	m.statusBar.SetSummary(msg.Run.Summary())
	activity := msg.Status.Activity
	if msg.Status.Error != "" {
		activity = msg.Status.Error
	}
	m.statusBar.SetActivity(activity, msg.Status.PauseRequested)
	return m, TickCmd(m.interval)
}

func (m WatchModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "p":
		if m.status != pipeline.RunRunning {
			m.notice = "only a running run can be paused"
			return m, nil
		}
		return m, PauseCmd(m.ctx, m.src, m.runID)
	case "r":
		if m.status != pipeline.RunPaused {
			m.notice = "only a paused run can be resumed"
			return m, nil
		}
		return m, ResumeCmd(m.ctx, m.src, m.runID)
	case "tab":
		if m.focus == FocusStages {
			m.focus = FocusLog
		} else {
			m.focus = FocusStages
		}
		m.log.SetFocused(m.focus == FocusLog)
		return m, nil
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m WatchModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.width < 40 || m.height < 10 {
		return fmt.Sprintf("Terminal too small (%dx%d). Minimum: 40x10.", m.width, m.height)
	}

	const statusBarHeight, helpHeight = 1, 1
	stageHeight := len(m.stages.stages) + 3
	logHeight := max(m.height-statusBarHeight-helpHeight-stageHeight, 3)

	m.stages.SetWidth(m.width)
	m.log.SetSize(m.width, logHeight)
	m.statusBar.SetWidth(m.width)

	help := "p pause • r resume • tab focus log • q quit"
	if m.notice != "" {
		help = m.notice + "  " + help
	}

	var b strings.Builder
	b.WriteString(m.stages.View())
	b.WriteString("\n")
	b.WriteString(m.log.View())
	b.WriteString("\n")
	b.WriteString(m.statusBar.View())
	b.WriteString("\n")
	b.WriteString(lipgloss.PlaceHorizontal(m.width, lipgloss.Left, HelpStyle.Render(help)))
	return b.String()
}
