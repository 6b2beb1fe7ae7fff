package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aristath/agentcore/internal/pool"
	"github.com/aristath/agentcore/internal/provider"
	"github.com/aristath/agentcore/internal/resilience"
)

const (
	plannerSystem = `You are the planner. Break the goal into concrete steps.
Reply with JSON only: {"steps":[{"id":"s1","description":"...","kind":"ai|browser","target":"url for browser steps","depends_on":["..."]}]}`
	executorSystem = `You are the executor. Carry out exactly the step you are given and reply with its result.`
	criticSystem   = `You are the critic. Judge whether the results achieve the goal.
Start your reply with APPROVE, REVISE or REJECT, followed by your feedback.`
)

// Team is the default Capability: every role is served by an AI provider,
// and browser steps by a browser engine.
type Team struct {
	ai         provider.AIProvider
	roles      map[Role]roleBinding
	browser    provider.BrowserEngine
	maxSteps   int
	beatEvery  time.Duration
	maxContent int
}

// TeamOption configures a Team.
type TeamOption func(*Team)

// WithBrowser sets the engine used for browser steps.
func WithBrowser(b provider.BrowserEngine) TeamOption {
	return func(t *Team) { t.browser = b }
}

type roleBinding struct {
	ai    provider.AIProvider
	model string
}

// WithRoleProvider serves role with ai instead of the team's default
// provider. A non-empty model overrides the provider's configured model.
func WithRoleProvider(role Role, ai provider.AIProvider, model string) TeamOption {
	return func(t *Team) {
		if ai != nil {
			t.roles[role] = roleBinding{ai: ai, model: model}
		}
	}
}

// WithMaxSteps bounds the number of steps accepted from the planner.
func WithMaxSteps(n int) TeamOption {
	return func(t *Team) {
		if n > 0 {
			t.maxSteps = n
		}
	}
}

// WithHeartbeatEvery sets how often a worker running a provider call
// reports liveness.
func WithHeartbeatEvery(d time.Duration) TeamOption {
	return func(t *Team) {
		if d > 0 {
			t.beatEvery = d
		}
	}
}

// NewTeam creates a Team backed by ai.
func NewTeam(ai provider.AIProvider, opts ...TeamOption) *Team {
	t := &Team{
		ai:         ai,
		roles:      make(map[Role]roleBinding),
		maxSteps:   20,
		beatEvery:  time.Second,
		maxContent: 16 << 10,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Team) Plan(ctx context.Context, req PlanRequest) (Plan, error) {
	resp, err := t.generate(ctx, RolePlanner, provider.GenerateOptions{
		System: plannerSystem,
		Prompt: "Goal: " + req.Goal,
	})
	if err != nil {
		return Plan{}, err
	}
	plan, err := ParsePlan(req.Goal, resp.Content)
	if err != nil {
		return Plan{}, err
	}
	if len(plan.Steps) > t.maxSteps {
		return Plan{}, resilience.NewError(resilience.KindAIService, "agent",
			fmt.Sprintf("planner produced %d steps, limit is %d", len(plan.Steps), t.maxSteps))
	}
	return plan, nil
}

func (t *Team) Execute(ctx context.Context, req ExecuteRequest) (StepOutput, error) {
	if req.Step.Kind == StepBrowser {
		return t.browse(ctx, req.Step)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nStep %s: %s\n", req.Goal, req.Step.ID, req.Step.Description)
	writeSorted(&b, "Result of step", req.Inputs)
	if req.Feedback != "" {
		fmt.Fprintf(&b, "\nThe critic asked for revision %d:\n%s\n", req.Revision, req.Feedback)
	}

	resp, err := t.generate(ctx, RoleExecutor, provider.GenerateOptions{System: executorSystem, Prompt: b.String()})
	if err != nil {
		return StepOutput{}, err
	}
	return StepOutput{StepID: req.Step.ID, Content: resp.Content}, nil
}

func (t *Team) Critique(ctx context.Context, req CritiqueRequest) (Verdict, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nPlan:\n", req.Goal)
	for _, s := range req.Plan.Steps {
		fmt.Fprintf(&b, "- %s: %s\n", s.ID, s.Description)
	}
	writeSorted(&b, "Result of step", req.Outputs)

	resp, err := t.generate(ctx, RoleCritic, provider.GenerateOptions{System: criticSystem, Prompt: b.String()})
	if err != nil {
		return Verdict{}, err
	}
	v, err := ParseVerdict(resp.Content)
	if err != nil {
		return Verdict{}, err
	}
	v.Revision = req.Revision
	return v, nil
}

func (t *Team) browse(ctx context.Context, step Step) (StepOutput, error) {
	if t.browser == nil {
		return StepOutput{}, resilience.NewError(resilience.KindConfiguration, "agent",
			fmt.Sprintf("step %s needs a browser engine", step.ID))
	}
	var res provider.SandboxResult
	err := t.keepAlive(ctx, func() error {
		var err error
		res, err = t.browser.Navigate(ctx, step.Target)
		return err
	})
	if err != nil {
		return StepOutput{}, err
	}
	content := res.Content
	if len(content) > t.maxContent {
		content = content[:t.maxContent]
	}
	if res.Title != "" {
		content = res.Title + "\n\n" + content
	}
	return StepOutput{StepID: step.ID, Content: content}, nil
}

func (t *Team) generate(ctx context.Context, role Role, opts provider.GenerateOptions) (provider.AIResponse, error) {
	ai := t.ai
	if b, ok := t.roles[role]; ok {
		ai = b.ai
		if b.model != "" {
			opts.Model = b.model
		}
	}
	if ai == nil {
		return provider.AIResponse{}, resilience.NewError(resilience.KindConfiguration, "agent",
			fmt.Sprintf("no AI provider for the %s role", role))
	}
	var resp provider.AIResponse
	err := t.keepAlive(ctx, func() error {
		var err error
		resp, err = ai.Generate(ctx, opts)
		return err
	})
	return resp, err
}

// keepAlive heartbeats the running worker while fn waits on a provider.
// Provider calls are bounded by their own timeouts.
func (t *Team) keepAlive(ctx context.Context, fn func() error) error {
	if !pool.Heartbeat(ctx) {
		return fn()
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(t.beatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				pool.Heartbeat(ctx)
			}
		}
	}()
	return fn()
}

func writeSorted(b *strings.Builder, label string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "\n%s %s:\n%s\n", label, k, m[k])
	}
}

var (
	fencePattern  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	bulletPattern = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)
)

// ParsePlan reads a planner reply. JSON (an object with "steps" or a bare
// step array, optionally fenced) is preferred; otherwise each non-empty
// line is a step depending on the previous one. Lines of the form
// "browse <url>" become browser steps.
func ParsePlan(goal, text string) (Plan, error) {
	plan := Plan{Goal: goal}

	body := strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}
	if steps, ok := parseJSONSteps(body); ok {
		plan.Steps = steps
	} else {
		plan.Steps = parseLineSteps(text)
	}

	for i := range plan.Steps {
		s := &plan.Steps[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("s%d", i+1)
		}
		if s.Kind == "" {
			s.Kind = StepAI
		}
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, resilience.Wrap(resilience.KindAIService, "agent", "parse plan", err)
	}
	return plan, nil
}

func parseJSONSteps(body string) ([]Step, bool) {
	var wrapped struct {
		Steps []Step `json:"steps"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err == nil && len(wrapped.Steps) > 0 {
		return wrapped.Steps, true
	}
	var bare []Step
	if err := json.Unmarshal([]byte(body), &bare); err == nil && len(bare) > 0 {
		return bare, true
	}
	return nil, false
}

func parseLineSteps(text string) []Step {
	var steps []Step
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(bulletPattern.ReplaceAllString(line, ""))
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		s := Step{ID: fmt.Sprintf("s%d", len(steps)+1), Description: line, Kind: StepAI}
		if verb, rest, ok := strings.Cut(line, " "); ok && strings.EqualFold(verb, "browse") {
			s.Kind = StepBrowser
			s.Target = strings.TrimSpace(rest)
		}
		if len(steps) > 0 {
			s.DependsOn = []string{steps[len(steps)-1].ID}
		}
		steps = append(steps, s)
	}
	return steps
}
