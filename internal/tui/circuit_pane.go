package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentcore/internal/events"
)

type circuitState struct {
	open  bool
	since time.Time
}

// CircuitPaneModel shows breaker states and worker respawns.
type CircuitPaneModel struct {
	circuits    map[string]circuitState
	respawns    int
	lastRespawn string
	width       int
	height      int
	focused     bool
}

// NewCircuitPaneModel creates an empty circuit pane.
func NewCircuitPaneModel() CircuitPaneModel {
	return CircuitPaneModel{circuits: make(map[string]circuitState)}
}

// Update handles messages for the circuit pane.
func (m CircuitPaneModel) Update(msg tea.Msg) (CircuitPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.CircuitOpenedEvent:
		m.circuits[msg.Dependency] = circuitState{open: true, since: msg.Timestamp}
	case events.CircuitClosedEvent:
		m.circuits[msg.Dependency] = circuitState{since: msg.Timestamp}
	case events.WorkerRespawnedEvent:
		m.respawns++
		m.lastRespawn = fmt.Sprintf("%s (%s)", shortID(msg.Worker), msg.Reason)
	}
	return m, nil
}

// OpenCircuits returns the dependencies whose breaker is open, sorted.
func (m CircuitPaneModel) OpenCircuits() []string {
	var open []string
	for dep, s := range m.circuits {
		if s.open {
			open = append(open, dep)
		}
	}
	sort.Strings(open)
	return open
}

// View renders the circuit pane.
func (m CircuitPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Circuits")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.circuits) == 0 {
		b.WriteString(StyleStatusPending.Render("All circuits closed"))
		b.WriteString("\n")
	}
	deps := make([]string, 0, len(m.circuits))
	for dep := range m.circuits {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	for _, dep := range deps {
		s := m.circuits[dep]
		state := StyleStatusComplete.Render("closed")
		if s.open {
			state = StyleStatusFailed.Render("open")
		}
		b.WriteString(fmt.Sprintf("%-12s %s since %s\n", dep, state, s.since.Format(time.TimeOnly)))
	}

	b.WriteString(fmt.Sprintf("\nWorker respawns: %d\n", m.respawns))
	if m.lastRespawn != "" {
		b.WriteString(StyleStatusPending.Render("last: " + m.lastRespawn))
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
func (m *CircuitPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *CircuitPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
