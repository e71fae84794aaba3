// ABOUTME: Scrollable activity log panel built on the bubbles viewport component.
// ABOUTME: Shows the status projection's recent log lines, following the tail unless the user scrolls up.
package tui

import (
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// LogPanelModel is a scrollable view of run log lines.
type LogPanelModel struct {
	lines    []string
	viewport viewport.Model
	focused  bool
	width    int
	height   int
}

// NewLogPanelModel creates an empty log panel.
func NewLogPanelModel() LogPanelModel {
	return LogPanelModel{viewport: viewport.New(80, 10)}
}

// SetLines replaces the log contents. The view stays pinned to the bottom
// if it was there before the update.
func (m *LogPanelModel) SetLines(lines []string) {
	follow := m.viewport.AtBottom() || len(m.lines) == 0
	m.lines = slices.Clone(lines)
	m.syncViewport(follow)
}

// Len returns the number of lines held.
func (m LogPanelModel) Len() int {
	return len(m.lines)
}

// SetFocused sets whether this panel accepts scroll keys.
func (m *LogPanelModel) SetFocused(focused bool) {
	m.focused = focused
}

// IsFocused returns whether the panel is focused.
func (m LogPanelModel) IsFocused() bool {
	return m.focused
}

// SetSize sets the outer dimensions, reserving room for the border and title.
func (m *LogPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-2, 1)
	m.viewport.Height = max(h-3, 1)
	m.syncViewport(m.viewport.AtBottom())
}

// Update forwards scroll keys to the viewport while focused.
func (m LogPanelModel) Update(msg tea.Msg) (LogPanelModel, tea.Cmd) {
	if !m.focused {
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the panel.
func (m LogPanelModel) View() string {
	title := "ACTIVITY"
	if m.focused {
		title = "ACTIVITY (scroll: ↑/↓)"
	}
	content := "No activity yet"
	if len(m.lines) > 0 {
		content = m.viewport.View()
	}
	rendered := TitleStyle.Render(title) + "\n" + content
	if m.width == 0 {
		return BorderStyle.Render(rendered)
	}
	return BorderStyle.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(rendered)
}

func (m *LogPanelModel) syncViewport(follow bool) {
	formatted := make([]string, len(m.lines))
	for i, l := range m.lines {
		formatted[i] = formatLine(l)
	}
	m.viewport.SetContent(strings.Join(formatted, "\n"))
	if follow {
		m.viewport.GotoBottom()
	}
}

// formatLine dims a leading "[hh:mm:ss]" stamp.
func formatLine(line string) string {
	if strings.HasPrefix(line, "[") {
		if end := strings.Index(line, "]"); end > 0 {
			return LogTimestampStyle.Render(line[:end+1]) + LogLineStyle.Render(line[end+1:])
		}
	}
	return LogLineStyle.Render(line)
}
