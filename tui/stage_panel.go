// ABOUTME: Bubble Tea sub-model listing a run's stages in execution order with status markers.
// ABOUTME: The running stage carries a bubbles spinner and completed stages show their one-line insight.
package tui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/2389-research/repolens/pipeline"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// StagePanelModel displays the stages of one run.
type StagePanelModel struct {
	title    string
	stages   []pipeline.Stage
	insights map[string]string
	spinner  spinner.Model
	width    int
}

// NewStagePanelModel creates an empty stage panel.
func NewStagePanelModel() StagePanelModel {
	return StagePanelModel{
		title:   "(no run)",
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(RunningStyle)),
	}
}

// SetRun replaces the displayed stages with a snapshot of run.
func (m *StagePanelModel) SetRun(run *pipeline.Run, insights map[string]string) {
	if run == nil {
		return
	}
	m.title = fmt.Sprintf("%s  %s", run.ProjectID, shortID(run.ID))
	m.stages = slices.Clone(run.Steps)
	m.insights = insights
}

// SetWidth sets the available width for rendering.
func (m *StagePanelModel) SetWidth(w int) {
	m.width = w
}

// Tick returns the command that starts the spinner.
func (m StagePanelModel) Tick() tea.Cmd {
	return m.spinner.Tick
}

// Update advances the spinner.
func (m StagePanelModel) Update(msg tea.Msg) (StagePanelModel, tea.Cmd) {
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

// Running returns the name of the running stage, or "".
func (m StagePanelModel) Running() pipeline.StageName {
	for _, s := range m.stages {
		if s.Status == pipeline.StageRunning {
			return s.Name
		}
	}
	return ""
}

// View renders one line per stage.
func (m StagePanelModel) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("STAGES  " + m.title))
	b.WriteString("\n")
	if len(m.stages) == 0 {
		b.WriteString(PendingStyle.Render("  waiting for run state"))
	}
	for i, s := range m.stages {
		line := fmt.Sprintf("  %s %d. %s", StageIcon(s.Status), i+1, s.Name)
		if s.Status == pipeline.StageRunning {
			line += " " + m.spinner.View()
		}
		b.WriteString(StyleForStage(s.Status).Render(line))
		switch {
		case s.Status == pipeline.StageFailed && s.Error != "":
			b.WriteString("  " + FailedStyle.Render(s.Error))
		case m.insights[string(s.Name)] != "":
			b.WriteString("  " + InsightStyle.Render(m.insights[string(s.Name)]))
		}
		if i < len(m.stages)-1 {
			b.WriteString("\n")
		}
	}

	content := b.String()
	if m.width > 0 {
		return BorderStyle.Width(m.width - 2).Render(content)
	}
	return BorderStyle.Render(content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
