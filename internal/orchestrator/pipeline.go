package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/agentcore/internal/agent"
	"github.com/aristath/agentcore/internal/resilience"
)

// Report is the outcome of a pipeline. Outputs and verdicts produced before
// a failure are kept.
type Report struct {
	PipelineID    string            `json:"pipeline_id"`
	Goal          string            `json:"goal"`
	Status        agent.Status      `json:"status"`
	Plan          *agent.Plan       `json:"plan,omitempty"`
	Outputs       map[string]string `json:"outputs,omitempty"`
	Verdicts      []agent.Verdict   `json:"verdicts,omitempty"`
	Revisions     int               `json:"revisions"`
	Error         string            `json:"error,omitempty"`
	ErrorKind     string            `json:"error_kind,omitempty"`
	AttemptErrors []string          `json:"attempt_errors,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at,omitempty"`

	Err error `json:"-"`
}

func (r Report) clone() Report {
	c := r
	if r.Plan != nil {
		plan := *r.Plan
		plan.Steps = slices.Clone(r.Plan.Steps)
		c.Plan = &plan
	}
	c.Outputs = maps.Clone(r.Outputs)
	c.Verdicts = slices.Clone(r.Verdicts)
	c.AttemptErrors = slices.Clone(r.AttemptErrors)
	return c
}

// Pipeline is the handle for one goal. All methods are safe for concurrent
// use; state changes happen only on the pipeline's own goroutine.
type Pipeline struct {
	id       string
	goal     string
	priority int
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.RWMutex
	status agent.Status
	agents []agent.Agent
	report Report
}

func newPipeline(goal string, priority int) *Pipeline {
	id := uuid.NewString()
	agents := make([]agent.Agent, len(agent.Roles))
	for i, role := range agent.Roles {
		agents[i] = agent.Agent{
			ID:     fmt.Sprintf("%s-%s", id[:8], role),
			Role:   role,
			Status: agent.StatusIdle,
		}
	}
	return &Pipeline{
		id:       id,
		goal:     goal,
		priority: priority,
		done:     make(chan struct{}),
		status:   agent.StatusIdle,
		agents:   agents,
		report: Report{
			PipelineID: id,
			Goal:       goal,
			Status:     agent.StatusIdle,
			Outputs:    make(map[string]string),
		},
	}
}

// ID returns the pipeline ID.
func (p *Pipeline) ID() string { return p.id }

// Goal returns the goal the pipeline works toward.
func (p *Pipeline) Goal() string { return p.goal }

// Status returns the current state.
func (p *Pipeline) Status() agent.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Agents returns a copy of the pipeline's agents.
func (p *Pipeline) Agents() []agent.Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.agents)
}

// Report returns a copy of the report so far.
func (p *Pipeline) Report() Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.report.clone()
}

// Done is closed once the pipeline reaches a terminal state.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Wait blocks until the pipeline finishes or ctx is done. It returns the
// final report and the pipeline's error, if any.
func (p *Pipeline) Wait(ctx context.Context) (Report, error) {
	select {
	case <-p.done:
		r := p.Report()
		return r, r.Err
	case <-ctx.Done():
		return p.Report(), ctx.Err()
	}
}

// Cancel stops the pipeline. It fails with a cancellation error unless it
// already finished.
func (p *Pipeline) Cancel() {
	if p.cancel != nil {
		p.cancel()
	}
}

// transition moves the pipeline to next, returning the previous state.
func (p *Pipeline) transition(next agent.Status) (agent.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.status
	if !agent.CanTransition(prev, next) {
		return prev, resilience.NewError(resilience.KindValidation, "orchestrator",
			fmt.Sprintf("illegal transition %s -> %s", prev, next))
	}
	p.status = next
	p.report.Status = next

	// Terminal states reach every agent. Otherwise only the role that owns
	// the phase is active and the rest wait in Idle.
	active, ok := phaseRole(next)
	for i := range p.agents {
		a := &p.agents[i]
		switch {
		case next.IsTerminal():
			a.Status = next
			a.CurrentTaskID = ""
		case ok && a.Role == active:
			a.Status = next
		default:
			a.Status = agent.StatusIdle
			a.CurrentTaskID = ""
		}
	}
	return prev, nil
}

// phaseRole returns the role that works during a non-terminal phase.
func phaseRole(s agent.Status) (agent.Role, bool) {
	switch s {
	case agent.StatusPlanning:
		return agent.RolePlanner, true
	case agent.StatusExecuting:
		return agent.RoleExecutor, true
	case agent.StatusCritiquing:
		return agent.RoleCritic, true
	}
	return 0, false
}

func (p *Pipeline) agentID(role agent.Role) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agents[role].ID
}

func (p *Pipeline) setCurrentTask(role agent.Role, taskID string) {
	p.mu.Lock()
	p.agents[role].CurrentTaskID = taskID
	p.mu.Unlock()
}

func (p *Pipeline) update(fn func(r *Report)) {
	p.mu.Lock()
	fn(&p.report)
	p.mu.Unlock()
}
