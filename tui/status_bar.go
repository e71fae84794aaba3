// ABOUTME: Single-line status bar for the bottom of the run watcher.
// ABOUTME: Shows run status, elapsed time, step count, percent complete and the current activity.
package tui

import (
	"fmt"
	"time"

	"github.com/2389-research/repolens/pipeline"
	"github.com/charmbracelet/lipgloss"
)

// StatusBarModel displays run status in a single line.
type StatusBarModel struct {
	summary        pipeline.Summary
	activity       string
	pauseRequested bool
	width          int
	now            func() time.Time
}

// NewStatusBarModel creates an empty status bar.
func NewStatusBarModel() StatusBarModel {
	return StatusBarModel{now: time.Now}
}

// SetSummary records the latest run summary.
func (m *StatusBarModel) SetSummary(s pipeline.Summary) {
	m.summary = s
}

// SetActivity records the projection's activity line and pending pause flag.
func (m *StatusBarModel) SetActivity(activity string, pauseRequested bool) {
	m.activity = activity
	m.pauseRequested = pauseRequested
}

// SetWidth sets the bar width for rendering.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// Elapsed is measured from the run's start to its completion, pause, or now.
func (m StatusBarModel) Elapsed() time.Duration {
	s := m.summary
	if s.StartedAt.IsZero() {
		return 0
	}
	end := m.now()
	switch {
	case s.CompletedAt != nil:
		end = *s.CompletedAt
	case s.Status == pipeline.RunPaused && s.PausedAt != nil:
		end = *s.PausedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// formatElapsed renders "12s" under a minute and "2m30s" above.
func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) - minutes*60
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}

// View renders the status bar as a single styled line.
func (m StatusBarModel) View() string {
	s := m.summary
	status := string(s.Status)
	if status == "" {
		status = "LOADING"
	}
	if m.pauseRequested {
		status += " (pausing)"
	}
	activity := m.activity
	if activity == "" {
		activity = "idle"
	}

	content := fmt.Sprintf("%s | Elapsed: %s | %s | %.1f%% | %s",
		StyleForRun(s.Status).Render(status), formatElapsed(m.Elapsed()), s.Progress, s.ProgressPercent, activity)

	style := StatusBarStyle.Width(m.width)
	return lipgloss.PlaceHorizontal(m.width, lipgloss.Left, style.Render(content))
}
