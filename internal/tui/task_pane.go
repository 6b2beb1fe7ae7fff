package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentcore/internal/events"
)

type kindCounts struct {
	dispatched int
	completed  int
	failed     int
}

// TaskPaneModel shows task throughput per task kind.
type TaskPaneModel struct {
	kinds   map[string]*kindCounts
	width   int
	height  int
	focused bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{kinds: make(map[string]*kindCounts)}
}

func (m TaskPaneModel) counts(kind string) *kindCounts {
	c, ok := m.kinds[kind]
	if !ok {
		c = &kindCounts{}
		m.kinds[kind] = c
	}
	return c
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.TaskDispatchedEvent:
		m.counts(msg.TaskKind).dispatched++
	case events.TaskCompletedEvent:
		c := m.counts(msg.TaskKind)
		if msg.Success {
			c.completed++
		} else {
			c.failed++
		}
	}
	return m, nil
}

// Totals returns dispatched, completed, failed and running task counts.
func (m TaskPaneModel) Totals() (dispatched, completed, failed, running int) {
	for _, c := range m.kinds {
		dispatched += c.dispatched
		completed += c.completed
		failed += c.failed
	}
	// Tasks rejected before dispatch complete without being dispatched.
	running = max(0, dispatched-completed-failed)
	return dispatched, completed, failed, running
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	dispatched, completed, failed, running := m.Totals()
	b.WriteString(fmt.Sprintf("Dispatched: %d\n", dispatched))
	b.WriteString(fmt.Sprintf("Completed:  %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", completed))))
	b.WriteString(fmt.Sprintf("Running:    %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", running))))
	b.WriteString(fmt.Sprintf("Failed:     %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", failed))))
	b.WriteString("\n")

	if total := completed + failed + running; total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (completed * barWidth) / total
		failedWidth := (failed * barWidth) / total
		runningWidth := barWidth - completedWidth - failedWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n\n", bar, completed+failed, total))
	}

	kinds := make([]string, 0, len(m.kinds))
	for k := range m.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		c := m.kinds[k]
		b.WriteString(fmt.Sprintf("%-10s %d ok, %d failed\n", k, c.completed, c.failed))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
