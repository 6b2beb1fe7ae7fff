package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/agentcore/internal/config"
	"github.com/aristath/agentcore/internal/events"
)

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newTestModel(t *testing.T, start StartFunc) Model {
	t.Helper()
	dir := t.TempDir()
	m := New(make(chan events.Event), start, config.DefaultConfig(), dir+"/global.json", dir+"/project.json")
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return updated.(Model)
}

func TestPipelinePaneTracksLifecycle(t *testing.T) {
	pane := NewPipelinePaneModel()
	now := time.Now()

	pane, _ = pane.Update(events.PipelineStartedEvent{Pipeline: "p-1", Goal: "write docs", Timestamp: now})
	pane, _ = pane.Update(events.PhaseTransitionEvent{Pipeline: "p-1", From: "idle", To: "planning", Timestamp: now})
	pane, _ = pane.Update(events.PhaseTransitionEvent{Pipeline: "p-1", From: "reviewing", To: "executing", Revision: 1, Timestamp: now})
	pane, _ = pane.Update(events.TaskCompletedEvent{Pipeline: "p-1", Task: "t-1", TaskKind: "execute", Success: false, Error: "boom", ErrorKind: "transient"})
	pane, _ = pane.Update(events.PipelineCompletedEvent{Pipeline: "p-1", Revisions: 1, Duration: 2 * time.Second, Timestamp: now.Add(2 * time.Second)})

	got, ok := pane.Selected()
	if !ok {
		t.Fatal("Selected() found no pipeline")
	}
	if got.Goal != "write docs" {
		t.Errorf("Goal = %q, want %q", got.Goal, "write docs")
	}
	if got.Phase != "executing" || got.Revision != 1 {
		t.Errorf("Phase = %q revision %d, want executing revision 1", got.Phase, got.Revision)
	}
	if got.Duration != 2*time.Second {
		t.Errorf("Duration = %v, want 2s", got.Duration)
	}
	log := strings.Join(got.Log, "\n")
	for _, want := range []string{"started: write docs", "reviewing -> executing (revision 1)", "failed [transient]: boom", "Completed in 2s"} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q:\n%s", want, log)
		}
	}
}

func TestPipelinePaneIgnoresUnknownPipelines(t *testing.T) {
	pane := NewPipelinePaneModel()
	pane, cmd := pane.Update(events.PhaseTransitionEvent{Pipeline: "ghost", From: "idle", To: "planning"})
	if cmd != nil {
		t.Error("expected no refresh for an unknown pipeline")
	}
	if _, ok := pane.Selected(); ok {
		t.Error("Selected() found a pipeline that never started")
	}
}

func TestTaskPaneTotals(t *testing.T) {
	pane := NewTaskPaneModel()
	for i := 0; i < 3; i++ {
		pane, _ = pane.Update(events.TaskDispatchedEvent{TaskKind: "execute"})
	}
	pane, _ = pane.Update(events.TaskCompletedEvent{TaskKind: "execute", Success: true})
	pane, _ = pane.Update(events.TaskCompletedEvent{TaskKind: "execute", Success: false})
	// Rejected before dispatch.
	pane, _ = pane.Update(events.TaskCompletedEvent{TaskKind: "plan", Success: false})

	dispatched, completed, failed, running := pane.Totals()
	if dispatched != 3 || completed != 1 || failed != 2 || running != 0 {
		t.Errorf("Totals() = %d/%d/%d/%d, want 3/1/2/0", dispatched, completed, failed, running)
	}
}

func TestCircuitPaneOpenCircuits(t *testing.T) {
	pane := NewCircuitPaneModel()
	now := time.Now()
	pane, _ = pane.Update(events.CircuitOpenedEvent{Dependency: "openai", From: "closed", Timestamp: now})
	pane, _ = pane.Update(events.CircuitOpenedEvent{Dependency: "browser", From: "half-open", Timestamp: now})
	pane, _ = pane.Update(events.CircuitClosedEvent{Dependency: "openai", Timestamp: now})
	pane, _ = pane.Update(events.WorkerRespawnedEvent{Worker: "w-1", Replacement: "w-2", Reason: "heartbeat timeout"})

	open := pane.OpenCircuits()
	if len(open) != 1 || open[0] != "browser" {
		t.Errorf("OpenCircuits() = %v, want [browser]", open)
	}
	if pane.respawns != 1 {
		t.Errorf("respawns = %d, want 1", pane.respawns)
	}
}

func TestModelGoalEntry(t *testing.T) {
	var started []string
	m := newTestModel(t, func(goal string) error {
		started = append(started, goal)
		return nil
	})

	updated, _ := m.Update(runes(KeyNewGoal))
	m = updated.(Model)
	if !m.enteringGoal {
		t.Fatal("expected goal entry mode after pressing n")
	}

	// Keys go to the input, not to the global bindings.
	updated, _ = m.Update(runes("q"))
	m = updated.(Model)
	if m.quitting {
		t.Fatal("q quit while entering a goal")
	}
	updated, _ = m.Update(runes("a"))
	m = updated.(Model)

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(Model)
	if m.enteringGoal {
		t.Error("still entering a goal after enter")
	}
	if cmd == nil {
		t.Fatal("expected a start command")
	}

	updated, _ = m.Update(cmd())
	m = updated.(Model)
	if len(started) != 1 || started[0] != "qa" {
		t.Errorf("started = %v, want [qa]", started)
	}
	if !strings.Contains(m.status, `Started "qa"`) {
		t.Errorf("status = %q", m.status)
	}
}

func TestModelGoalStartFailure(t *testing.T) {
	m := newTestModel(t, func(string) error { return errors.New("orchestrator is closed") })

	updated, _ := m.Update(goalStartedMsg{goal: "x", err: errors.New("orchestrator is closed")})
	m = updated.(Model)
	if !strings.Contains(m.status, "orchestrator is closed") {
		t.Errorf("status = %q", m.status)
	}
}

func TestModelEmptyGoalIsIgnored(t *testing.T) {
	called := false
	m := newTestModel(t, func(string) error {
		called = true
		return nil
	})

	updated, _ := m.Update(runes(KeyNewGoal))
	m = updated.(Model)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(Model)
	if cmd != nil {
		t.Error("expected no command for an empty goal")
	}
	if called {
		t.Error("start called for an empty goal")
	}
}

func TestModelRoutesEvents(t *testing.T) {
	m := newTestModel(t, nil)
	now := time.Now()

	updated, _ := m.Update(events.PipelineStartedEvent{Pipeline: "p-1", Goal: "g", Timestamp: now})
	m = updated.(Model)
	updated, _ = m.Update(events.TaskDispatchedEvent{Pipeline: "p-1", Task: "t-1", TaskKind: "plan"})
	m = updated.(Model)
	updated, _ = m.Update(events.CircuitOpenedEvent{Dependency: "claude", From: "closed", Timestamp: now})
	m = updated.(Model)

	if _, ok := m.pipelinePane.Selected(); !ok {
		t.Error("pipeline pane did not see the pipeline")
	}
	if d, _, _, _ := m.taskPane.Totals(); d != 1 {
		t.Errorf("dispatched = %d, want 1", d)
	}
	if open := m.circuitPane.OpenCircuits(); len(open) != 1 {
		t.Errorf("OpenCircuits() = %v", open)
	}
	if !strings.Contains(m.View(), "claude") {
		t.Error("view does not show the open circuit")
	}
}
