// ABOUTME: Lipgloss styles for the run watcher: panel borders, stage status colors, and log lines.
// ABOUTME: StyleForStage and StyleForRun map pipeline statuses onto display styles and icons.
package tui

import (
	"github.com/2389-research/repolens/pipeline"
	"github.com/charmbracelet/lipgloss"
)

var (
	BorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62"))

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	// Stage status colors
	PendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	RunningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	CompletedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	FailedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	PausedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Bold(true)

	LogTimestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	LogLineStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	InsightStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)

	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	HelpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// StyleForStage returns the display style for a stage status.
func StyleForStage(status pipeline.StageStatus) lipgloss.Style {
	switch status {
	case pipeline.StageRunning:
		return RunningStyle
	case pipeline.StageCompleted:
		return CompletedStyle
	case pipeline.StageFailed:
		return FailedStyle
	default:
		return PendingStyle
	}
}

// StageIcon returns the marker drawn before a stage name.
func StageIcon(status pipeline.StageStatus) string {
	switch status {
	case pipeline.StageRunning:
		return "◉"
	case pipeline.StageCompleted:
		return "✓"
	case pipeline.StageFailed:
		return "✗"
	default:
		return "○"
	}
}

// StyleForRun returns the display style for a run status.
func StyleForRun(status pipeline.RunStatus) lipgloss.Style {
	switch status {
	case pipeline.RunPaused:
		return PausedStyle
	case pipeline.RunCompleted:
		return CompletedStyle
	case pipeline.RunFailed:
		return FailedStyle
	default:
		return RunningStyle
	}
}
