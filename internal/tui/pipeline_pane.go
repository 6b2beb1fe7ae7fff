package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentcore/internal/events"
)

// PipelineState is what the dashboard knows about one pipeline.
type PipelineState struct {
	ID        string
	Goal      string
	Phase     string
	Revision  int
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// PipelinePaneModel is the pipeline list and the selected pipeline's log.
type PipelinePaneModel struct {
	pipelines   map[string]*PipelineState
	order       []string // start order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewPipelinePaneModel creates an empty pipeline pane.
func NewPipelinePaneModel() PipelinePaneModel {
	return PipelinePaneModel{
		pipelines: make(map[string]*PipelineState),
		viewport:  viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the pipeline pane.
func (m PipelinePaneModel) Update(msg tea.Msg) (PipelinePaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.PipelineStartedEvent:
		if _, exists := m.pipelines[msg.Pipeline]; !exists {
			m.pipelines[msg.Pipeline] = &PipelineState{
				ID:        msg.Pipeline,
				Goal:      msg.Goal,
				Phase:     "idle",
				StartTime: msg.Timestamp,
			}
			m.order = append(m.order, msg.Pipeline)
			if len(m.order) == 1 {
				m.selectedIdx = 0
			}
		}
		return m, m.appendLog(msg.Pipeline, "started: "+msg.Goal)

	case events.PhaseTransitionEvent:
		if p, ok := m.pipelines[msg.Pipeline]; ok {
			p.Phase = msg.To
			p.Revision = msg.Revision
		}
		line := fmt.Sprintf("%s -> %s", msg.From, msg.To)
		if msg.Revision > 0 {
			line += fmt.Sprintf(" (revision %d)", msg.Revision)
		}
		return m, m.appendLog(msg.Pipeline, line)

	case events.TaskDispatchedEvent:
		line := fmt.Sprintf("%s task %s dispatched (attempt %d, waited %v)", msg.TaskKind, shortID(msg.Task), msg.Attempt, msg.Waited.Round(time.Millisecond))
		return m, m.appendLog(msg.Pipeline, line)

	case events.TaskCompletedEvent:
		line := fmt.Sprintf("%s task %s done in %v", msg.TaskKind, shortID(msg.Task), msg.Duration.Round(time.Millisecond))
		if !msg.Success {
			line = fmt.Sprintf("%s task %s failed [%s]: %s", msg.TaskKind, shortID(msg.Task), msg.ErrorKind, msg.Error)
		}
		return m, m.appendLog(msg.Pipeline, line)

	case events.PipelineCompletedEvent:
		if p, ok := m.pipelines[msg.Pipeline]; ok {
			p.Duration = msg.Duration
		}
		m.appendLog(msg.Pipeline, fmt.Sprintf("\n[Completed in %v after %d revisions]", msg.Duration.Round(time.Millisecond), msg.Revisions))
		m.refreshIfSelected(msg.Pipeline)

	case events.PipelineFailedEvent:
		if p, ok := m.pipelines[msg.Pipeline]; ok {
			p.Duration = msg.Timestamp.Sub(p.StartTime)
		}
		m.appendLog(msg.Pipeline, fmt.Sprintf("\n[Failed in %s: %s (%s)]", msg.Phase, msg.Error, msg.ErrorKind))
		m.refreshIfSelected(msg.Pipeline)

	case tickMsg:
		// Only update if this tick matches the current tag (debouncing)
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// appendLog records line for pipeline and schedules a debounced refresh
// when it is the selected one.
func (m *PipelinePaneModel) appendLog(pipeline, line string) tea.Cmd {
	p, ok := m.pipelines[pipeline]
	if !ok {
		return nil
	}
	p.Log = append(p.Log, line)
	if m.getSelectedID() != pipeline {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

func (m *PipelinePaneModel) refreshIfSelected(pipeline string) {
	if m.getSelectedID() == pipeline {
		m.updateViewportContent()
	}
}

// View renders the pipeline pane.
func (m PipelinePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m PipelinePaneModel) renderList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Pipelines")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Press n to start a goal"))
	}
	for i, id := range m.order {
		p := m.pipelines[id]
		name := p.Goal
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", PhaseIcon(p.Phase), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// PhaseIcon returns a styled indicator for a pipeline phase.
func PhaseIcon(phase string) string {
	switch phase {
	case "planning", "executing", "critiquing":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m PipelinePaneModel) getSelectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the state of the selected pipeline.
func (m PipelinePaneModel) Selected() (PipelineState, bool) {
	p, ok := m.pipelines[m.getSelectedID()]
	if !ok {
		return PipelineState{}, false
	}
	return *p, true
}

func (m *PipelinePaneModel) updateViewportContent() {
	p, ok := m.pipelines[m.getSelectedID()]
	if !ok {
		m.viewport.SetContent("Waiting for pipelines...")
		return
	}
	header := fmt.Sprintf("%s\nphase: %s  revision: %d\n\n", p.Goal, p.Phase, p.Revision)
	m.viewport.SetContent(header + strings.Join(p.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *PipelinePaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-28-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *PipelinePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *PipelinePaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
