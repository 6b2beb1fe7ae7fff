package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentcore/internal/config"
	"github.com/aristath/agentcore/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PanePipelines PaneID = iota
	PaneTasks
	PaneCircuits
)

// StartFunc starts a pipeline for goal.
type StartFunc func(goal string) error

// goalStartedMsg reports the outcome of a StartFunc call.
type goalStartedMsg struct {
	goal string
	err  error
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	pipelinePane PipelinePaneModel
	taskPane     TaskPaneModel
	circuitPane  CircuitPaneModel
	settingsPane SettingsPaneModel
	goalInput    textinput.Model
	focusedPane  PaneID
	eventSub     <-chan events.Event
	start        StartFunc
	width        int
	height       int
	quitting     bool
	showSettings bool
	enteringGoal bool
	status       string
}

// New creates a new TUI model. sub should come from the bus's
// SubscribeAll, taken before any pipeline starts.
func New(sub <-chan events.Event, start StartFunc, cfg *config.Config, globalPath, projectPath string) Model {
	input := textinput.New()
	input.Placeholder = "Describe a goal"
	input.CharLimit = 500

	return Model{
		pipelinePane: NewPipelinePaneModel(),
		taskPane:     NewTaskPaneModel(),
		circuitPane:  NewCircuitPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		goalInput:    input,
		focusedPane:  PanePipelines,
		eventSub:     sub,
		start:        start,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

func (m Model) startGoal(goal string) tea.Cmd {
	start := m.start
	return func() tea.Msg {
		if start == nil {
			return goalStartedMsg{goal: goal, err: fmt.Errorf("starting goals is not available")}
		}
		return goalStartedMsg{goal: goal, err: start(goal)}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// If settings panel is open, route all keys to it (modal behavior)
		if m.showSettings {
			if msg.String() == KeyEsc {
				m.showSettings = false
				m.settingsPane.SetVisible(false)
				return m, nil
			}
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
				if m.settingsPane.Saved() {
					m.status = "Settings saved; they apply on next start"
				}
			}
			return m, cmd
		}

		// Goal entry is modal too
		if m.enteringGoal {
			switch msg.String() {
			case KeyEsc:
				m.enteringGoal = false
				m.goalInput.Blur()
				return m, nil
			case KeyEnter:
				goal := m.goalInput.Value()
				m.enteringGoal = false
				m.goalInput.Blur()
				m.goalInput.SetValue("")
				if goal == "" {
					return m, nil
				}
				return m, m.startGoal(goal)
			}
			var cmd tea.Cmd
			m.goalInput, cmd = m.goalInput.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyNewGoal:
			m.enteringGoal = true
			cmds = append(cmds, m.goalInput.Focus())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3 // +2 is equivalent to -1 mod 3
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PanePipelines
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneCircuits
			m.updateFocusStates()

		default:
			if m.focusedPane == PanePipelines {
				var cmd tea.Cmd
				m.pipelinePane, cmd = m.pipelinePane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case goalStartedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("Could not start %q: %v", msg.goal, msg.err)
		} else {
			m.status = fmt.Sprintf("Started %q", msg.goal)
		}

	case tickMsg:
		var cmd tea.Cmd
		m.pipelinePane, cmd = m.pipelinePane.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskDispatchedEvent, events.TaskCompletedEvent:
		var cmd tea.Cmd
		m.pipelinePane, cmd = m.pipelinePane.Update(msg)
		cmds = append(cmds, cmd)
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.PipelineStartedEvent, events.PhaseTransitionEvent,
		events.PipelineCompletedEvent, events.PipelineFailedEvent:
		var cmd tea.Cmd
		m.pipelinePane, cmd = m.pipelinePane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.CircuitOpenedEvent, events.CircuitClosedEvent, events.WorkerRespawnedEvent:
		var cmd tea.Cmd
		m.circuitPane, cmd = m.circuitPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showSettings {
		return m.settingsPane.View()
	}

	right := lipgloss.JoinVertical(lipgloss.Left, m.taskPane.View(), m.circuitPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.pipelinePane.View(), right)

	bottom := HelpView()
	switch {
	case m.enteringGoal:
		bottom = "Goal: " + m.goalInput.View()
	case m.status != "":
		bottom = StyleHelp.Render(m.status) + "\n" + bottom
	}
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, bottom)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 60) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 2 // help bar and status line
	rightTopHeight := (availableHeight * 55) / 100
	rightBottomHeight := availableHeight - rightTopHeight

	m.pipelinePane.SetSize(leftWidth, availableHeight)
	m.taskPane.SetSize(rightWidth, rightTopHeight)
	m.circuitPane.SetSize(rightWidth, rightBottomHeight)
	m.goalInput.Width = max(m.width-10, 10)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.pipelinePane.SetFocused(m.focusedPane == PanePipelines)
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.circuitPane.SetFocused(m.focusedPane == PaneCircuits)
}
