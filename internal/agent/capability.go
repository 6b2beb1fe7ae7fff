package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/agentcore/internal/pool"
	"github.com/aristath/agentcore/internal/resilience"
	"github.com/aristath/agentcore/internal/task"
)

// Task kinds, one per role.
const (
	KindPlan     = "plan"
	KindExecute  = "execute"
	KindCritique = "critique"
)

// Decision is a critic's judgement.
type Decision int

const (
	DecisionApprove Decision = iota
	DecisionRevise
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionApprove:
		return "approve"
	case DecisionRevise:
		return "revise"
	case DecisionReject:
		return "reject"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Verdict is the critic's output for one execution round.
type Verdict struct {
	Decision Decision `json:"decision"`
	Feedback string   `json:"feedback,omitempty"`
	Revision int      `json:"revision"`
}

// PlanRequest is the payload of a plan task.
type PlanRequest struct {
	Goal string
}

// ExecuteRequest is the payload of an execute task. Inputs holds the
// outputs of the steps this step depends on.
type ExecuteRequest struct {
	Goal     string
	Step     Step
	Inputs   map[string]string
	Feedback string
	Revision int
}

// StepOutput is the result of an execute task.
type StepOutput struct {
	StepID  string `json:"step_id"`
	Content string `json:"content"`
}

// CritiqueRequest is the payload of a critique task.
type CritiqueRequest struct {
	Goal     string
	Plan     Plan
	Outputs  map[string]string
	Revision int
}

// Capability is what every role can do. Roles are dispatched by task kind
// rather than by type.
type Capability interface {
	Plan(ctx context.Context, req PlanRequest) (Plan, error)
	Execute(ctx context.Context, req ExecuteRequest) (StepOutput, error)
	Critique(ctx context.Context, req CritiqueRequest) (Verdict, error)
}

// Handler adapts c into a worker pool handler, dispatching on Task.Kind.
func Handler(c Capability) pool.Handler {
	return func(ctx context.Context, t task.Task) (any, error) {
		switch t.Kind {
		case KindPlan:
			req, ok := t.Payload.(PlanRequest)
			if !ok {
				return nil, payloadError(t)
			}
			return c.Plan(ctx, req)
		case KindExecute:
			req, ok := t.Payload.(ExecuteRequest)
			if !ok {
				return nil, payloadError(t)
			}
			return c.Execute(ctx, req)
		case KindCritique:
			req, ok := t.Payload.(CritiqueRequest)
			if !ok {
				return nil, payloadError(t)
			}
			return c.Critique(ctx, req)
		default:
			return nil, resilience.NewError(resilience.KindValidation, "agent",
				fmt.Sprintf("unknown task kind %q", t.Kind))
		}
	}
}

func payloadError(t task.Task) error {
	return resilience.NewError(resilience.KindValidation, "agent",
		fmt.Sprintf("task %s: unexpected payload %T for kind %q", t.ID, t.Payload, t.Kind))
}

// ParseVerdict reads a verdict whose first word is APPROVE, REVISE or
// REJECT. The remainder is the feedback.
func ParseVerdict(text string) (Verdict, error) {
	text = strings.TrimSpace(text)
	word, rest, _ := strings.Cut(text, "\n")
	word, inline, _ := strings.Cut(strings.TrimSpace(word), " ")
	word = strings.Trim(strings.ToUpper(word), ":*#.-")

	feedback := strings.TrimSpace(strings.TrimSpace(inline) + "\n" + rest)
	feedback = strings.TrimLeft(feedback, ":- ")

	switch word {
	case "APPROVE", "APPROVED":
		return Verdict{Decision: DecisionApprove, Feedback: feedback}, nil
	case "REVISE", "REVISION":
		return Verdict{Decision: DecisionRevise, Feedback: feedback}, nil
	case "REJECT", "REJECTED":
		return Verdict{Decision: DecisionReject, Feedback: feedback}, nil
	}
	return Verdict{}, resilience.NewError(resilience.KindAIService, "agent",
		fmt.Sprintf("critic reply has no verdict: %.80q", text))
}
