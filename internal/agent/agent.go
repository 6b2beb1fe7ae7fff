// Package agent defines the planner, executor and critic roles, the plans
// and verdicts they exchange, and the single capability interface every
// role is served through.
package agent

import "fmt"

// Role is one of the three agent roles.
type Role int

const (
	RolePlanner Role = iota
	RoleExecutor
	RoleCritic
)

// Roles lists every role in pipeline order.
var Roles = []Role{RolePlanner, RoleExecutor, RoleCritic}

func (r Role) String() string {
	switch r {
	case RolePlanner:
		return "planner"
	case RoleExecutor:
		return "executor"
	case RoleCritic:
		return "critic"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// TaskKind is the task kind a role's work is submitted under.
func (r Role) TaskKind() string {
	switch r {
	case RolePlanner:
		return KindPlan
	case RoleCritic:
		return KindCritique
	default:
		return KindExecute
	}
}

// Status is a pipeline or agent state.
type Status int

const (
	StatusIdle Status = iota
	StatusPlanning
	StatusExecuting
	StatusCritiquing
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPlanning:
		return "planning"
	case StatusExecuting:
		return "executing"
	case StatusCritiquing:
		return "critiquing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusIdle:       {StatusPlanning, StatusFailed},
	StatusPlanning:   {StatusExecuting, StatusFailed},
	StatusExecuting:  {StatusCritiquing, StatusFailed},
	StatusCritiquing: {StatusCompleted, StatusExecuting, StatusFailed},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Agent is one role's participant in a pipeline.
type Agent struct {
	ID            string `json:"id"`
	Role          Role   `json:"role"`
	Status        Status `json:"status"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
}
