// Package orchestrator drives planner, executor and critic pipelines toward
// their goals. It never calls AI providers itself: every unit of work is a
// task submitted to the scheduler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/agentcore/internal/agent"
	"github.com/aristath/agentcore/internal/events"
	"github.com/aristath/agentcore/internal/pool"
	"github.com/aristath/agentcore/internal/resilience"
	"github.com/aristath/agentcore/internal/task"
)

var (
	// ErrRevisionLimit is the failure of a pipeline whose critic kept
	// asking for revisions.
	ErrRevisionLimit = errors.New("revision limit exceeded")
	// ErrRejected is the failure of a pipeline whose critic rejected the goal.
	ErrRejected = errors.New("rejected by critic")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// Submitter admits tasks. The returned channel yields exactly one result.
type Submitter interface {
	Submit(ctx context.Context, t task.Task) <-chan task.Result
}

// ReportStore persists finished reports.
type ReportStore interface {
	SaveReport(ctx context.Context, r Report) error
}

// Config configures the orchestrator.
type Config struct {
	MaxConcurrentPipelines int
	RevisionLimit          int
	TaskMaxAttempts        int
	PhaseTimeout           time.Duration // zero disables
	TaskPriority           int
	Class                  string
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPipelines: 4,
		RevisionLimit:          3,
		TaskMaxAttempts:        3,
		PhaseTimeout:           15 * time.Minute,
		Class:                  task.DefaultClass,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConcurrentPipelines < 1 {
		errs = append(errs, errors.New("max concurrent pipelines must be at least 1"))
	}
	if c.RevisionLimit < 0 {
		errs = append(errs, errors.New("revision limit must not be negative"))
	}
	if c.TaskMaxAttempts < 1 {
		errs = append(errs, errors.New("task max attempts must be at least 1"))
	}
	if c.PhaseTimeout < 0 {
		errs = append(errs, errors.New("phase timeout must not be negative"))
	}
	if c.Class == "" {
		errs = append(errs, errors.New("task class is required"))
	}
	return errors.Join(errs...)
}

// Orchestrator runs pipelines.
type Orchestrator struct {
	cfg     Config
	sched   Submitter
	handler *resilience.Handler
	store   ReportStore
	pub     events.Publisher
	logger  *slog.Logger
	slots   *semaphore.Weighted

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	order     []string
	closed    bool
	wg        sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(pub events.Publisher) Option {
	return func(o *Orchestrator) {
		if pub != nil {
			o.pub = pub
		}
	}
}

// WithReportStore persists every finished report to s.
func WithReportStore(s ReportStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// New creates an orchestrator submitting work to sched and deciding on
// task failures with h.
func New(cfg Config, sched Submitter, h *resilience.Handler, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if sched == nil {
		return nil, errors.New("orchestrator needs a scheduler")
	}
	if h == nil {
		return nil, errors.New("orchestrator needs an error handler")
	}
	o := &Orchestrator{
		cfg:       cfg,
		sched:     sched,
		handler:   h,
		pub:       events.Discard,
		logger:    slog.Default(),
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrentPipelines)),
		pipelines: make(map[string]*Pipeline),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o, nil
}

// StartOption configures a single pipeline.
type StartOption func(*Pipeline)

// WithPriority overrides the task priority for one pipeline.
func WithPriority(n int) StartOption {
	return func(p *Pipeline) { p.priority = n }
}

// Start creates a pipeline for goal and returns its handle without waiting.
// The pipeline stays Idle until a pipeline slot frees up. ctx bounds the
// pipeline's lifetime.
func (o *Orchestrator) Start(ctx context.Context, goal string, opts ...StartOption) (*Pipeline, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, resilience.NewError(resilience.KindValidation, "orchestrator", "goal is empty")
	}

	p := newPipeline(goal, o.cfg.TaskPriority)
	for _, opt := range opts {
		opt(p)
	}
	ctx, p.cancel = context.WithCancel(ctx)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		p.cancel()
		return nil, ErrClosed
	}
	o.pipelines[p.id] = p
	o.order = append(o.order, p.id)
	o.wg.Add(1)
	o.mu.Unlock()

	go o.run(ctx, p)
	return p, nil
}

// Get returns the pipeline with the given ID.
func (o *Orchestrator) Get(id string) (*Pipeline, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.pipelines[id]
	return p, ok
}

// List returns every pipeline in start order.
func (o *Orchestrator) List() []*Pipeline {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Pipeline, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.pipelines[id])
	}
	return out
}

// Wait blocks until every started pipeline finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close refuses new pipelines, cancels running ones and waits for them.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	pipelines := make([]*Pipeline, 0, len(o.pipelines))
	for _, p := range o.pipelines {
		pipelines = append(pipelines, p)
	}
	o.mu.Unlock()

	for _, p := range pipelines {
		p.Cancel()
	}
	return o.Wait(ctx)
}

func (o *Orchestrator) run(ctx context.Context, p *Pipeline) {
	defer o.wg.Done()
	defer close(p.done)
	defer p.cancel()

	logger := o.logger.With("pipeline", p.id)
	p.update(func(r *Report) { r.StartedAt = time.Now() })

	if err := o.slots.Acquire(ctx, 1); err != nil {
		o.finish(p, logger, resilience.CancelledError("orchestrator", err))
		return
	}
	defer o.slots.Release(1)

	o.pub.Emit(events.PipelineStartedEvent{Pipeline: p.id, Goal: p.goal, Timestamp: time.Now()})
	logger.Info("pipeline started", "goal", p.goal)

	o.finish(p, logger, o.drive(ctx, p))
}

// drive runs the state machine until a verdict ends it. A nil return means
// the critic approved.
func (o *Orchestrator) drive(ctx context.Context, p *Pipeline) error {
	if err := o.transition(p, agent.StatusPlanning, 0); err != nil {
		return err
	}
	out, err := o.phase(ctx, p, func(ctx context.Context) (any, error) {
		return o.runTask(ctx, p, agent.RolePlanner, agent.PlanRequest{Goal: p.goal})
	})
	if err != nil {
		return err
	}
	plan, ok := out.(agent.Plan)
	if !ok {
		return resilience.NewError(resilience.KindValidation, "orchestrator", fmt.Sprintf("planner returned %T", out))
	}
	if plan.Goal == "" {
		plan.Goal = p.goal
	}
	waves, err := plan.Waves()
	if err != nil {
		return resilience.Wrap(resilience.KindValidation, "orchestrator", "plan", err)
	}
	p.update(func(r *Report) { r.Plan = &plan })

	var (
		revision int
		feedback string
	)
	for {
		if err := o.transition(p, agent.StatusExecuting, revision); err != nil {
			return err
		}
		var outputs map[string]string
		_, err := o.phase(ctx, p, func(ctx context.Context) (any, error) {
			var err error
			outputs, err = o.execute(ctx, p, waves, feedback, revision)
			return nil, err
		})
		if err != nil {
			return err
		}

		if err := o.transition(p, agent.StatusCritiquing, revision); err != nil {
			return err
		}
		out, err := o.phase(ctx, p, func(ctx context.Context) (any, error) {
			return o.runTask(ctx, p, agent.RoleCritic, agent.CritiqueRequest{
				Goal:     p.goal,
				Plan:     plan,
				Outputs:  outputs,
				Revision: revision,
			})
		})
		if err != nil {
			return err
		}
		verdict, ok := out.(agent.Verdict)
		if !ok {
			return resilience.NewError(resilience.KindValidation, "orchestrator", fmt.Sprintf("critic returned %T", out))
		}
		verdict.Revision = revision
		p.update(func(r *Report) { r.Verdicts = append(r.Verdicts, verdict) })

		switch verdict.Decision {
		case agent.DecisionApprove:
			return nil
		case agent.DecisionReject:
			return fmt.Errorf("%w: %s", ErrRejected, verdict.Feedback)
		}

		// Revise: feedback goes to the next round of executors.
		if revision >= o.cfg.RevisionLimit {
			return fmt.Errorf("%w: %d revisions requested, limit is %d", ErrRevisionLimit, revision+1, o.cfg.RevisionLimit)
		}
		revision++
		feedback = verdict.Feedback
		p.update(func(r *Report) { r.Revisions = revision })
	}
}

// phase runs fn under the phase timeout. A lapsed phase is a timeout
// failure rather than a cancellation.
func (o *Orchestrator) phase(ctx context.Context, p *Pipeline, fn func(context.Context) (any, error)) (any, error) {
	if o.cfg.PhaseTimeout <= 0 {
		return fn(ctx)
	}
	phaseCtx, cancel := context.WithTimeout(ctx, o.cfg.PhaseTimeout)
	defer cancel()
	out, err := fn(phaseCtx)
	if err != nil && ctx.Err() == nil && errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
		return nil, resilience.Wrap(resilience.KindTimeout, "orchestrator",
			fmt.Sprintf("%s phase after %s", p.Status(), o.cfg.PhaseTimeout), err)
	}
	return out, err
}

// execute runs the plan wave by wave. Each wave is a barrier: every task in
// it resolves before the next wave starts or before a failure is returned.
func (o *Orchestrator) execute(ctx context.Context, p *Pipeline, waves [][]agent.Step, feedback string, revision int) (map[string]string, error) {
	var mu sync.Mutex
	outputs := make(map[string]string)

	for _, wave := range waves {
		g, gctx := errgroup.WithContext(ctx)
		for _, step := range wave {
			// Dependencies finished in earlier waves.
			mu.Lock()
			inputs := make(map[string]string, len(step.DependsOn))
			for _, dep := range step.DependsOn {
				inputs[dep] = outputs[dep]
			}
			mu.Unlock()

			g.Go(func() error {
				out, err := o.runTask(gctx, p, agent.RoleExecutor, agent.ExecuteRequest{
					Goal:     p.goal,
					Step:     step,
					Inputs:   inputs,
					Feedback: feedback,
					Revision: revision,
				})
				if err != nil {
					return fmt.Errorf("step %s: %w", step.ID, err)
				}
				so, ok := out.(agent.StepOutput)
				if !ok {
					return resilience.NewError(resilience.KindValidation, "orchestrator",
						fmt.Sprintf("step %s: executor returned %T", step.ID, out))
				}
				mu.Lock()
				outputs[step.ID] = so.Content
				mu.Unlock()
				p.update(func(r *Report) { r.Outputs[step.ID] = so.Content })
				return nil
			})
		}
		// Outputs of the failed wave's siblings stay in the report.
		if err := g.Wait(); err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}

// runTask submits one role's task and resubmits it while the error handler
// says to retry. It returns the task's output or its terminal failure.
func (o *Orchestrator) runTask(ctx context.Context, p *Pipeline, role agent.Role, payload any) (any, error) {
	t := task.New(role.TaskKind(), payload)
	t.PipelineID = p.id
	t.AgentID = p.agentID(role)
	t.Class = o.cfg.Class
	t.Priority = p.priority
	t.MaxAttempts = o.cfg.TaskMaxAttempts
	if d, ok := ctx.Deadline(); ok {
		t.Deadline = d
	}

	var failures []error
	for {
		p.setCurrentTask(role, t.ID)
		r := <-o.sched.Submit(ctx, t)
		p.setCurrentTask(role, "")
		if r.Success {
			return r.Output, nil
		}

		failures = append(failures, r.Err)
		p.update(func(rep *Report) {
			rep.AttemptErrors = append(rep.AttemptErrors, fmt.Sprintf("%s %s attempt %d: %v", role, t.ID, t.Attempt+1, r.Err))
		})
		// Cancelled pipelines are never retried.
		if ctx.Err() != nil {
			return nil, r.Err
		}

		ec := o.handler.Classify(r.Err, "")
		if ec.DependencyID == "" {
			// Breaker key for failures the classifier can't attribute.
			ec.DependencyID = pool.Dependency
		}
		ec.Attempt = t.Attempt
		ec.MaxAttempts = t.MaxAttempts
		dec := o.handler.Handle(ec)

		switch dec.Action {
		case resilience.ActionRetry:
			o.logger.Warn("resubmitting task",
				"pipeline", p.id,
				"role", role.String(),
				"task", t.ID,
				"attempt", t.Attempt+1,
				"kind", ec.Kind.String(),
				"delay", dec.Delay,
				"error", r.Err)
			timer := time.NewTimer(dec.Delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, resilience.CancelledError("orchestrator", ctx.Err())
			}
			t.Attempt++
		case resilience.ActionExhausted:
			if ec.Exhausted {
				return nil, dec.Err
			}
			return nil, &resilience.AggregateRetryError{Dependency: ec.DependencyID, Attempts: failures}
		default:
			return nil, dec.Err
		}
	}
}

func (o *Orchestrator) transition(p *Pipeline, next agent.Status, revision int) error {
	prev, err := p.transition(next)
	if err != nil {
		return err
	}
	o.pub.Emit(events.PhaseTransitionEvent{
		Pipeline:  p.id,
		From:      prev.String(),
		To:        next.String(),
		Revision:  revision,
		Timestamp: time.Now(),
	})
	return nil
}

func (o *Orchestrator) finish(p *Pipeline, logger *slog.Logger, err error) {
	phase := p.Status()
	next := agent.StatusCompleted
	if err != nil {
		next = agent.StatusFailed
	}
	if terr := o.transition(p, next, 0); terr != nil {
		logger.Error("pipeline could not finish", "error", terr)
		return
	}

	now := time.Now()
	p.update(func(r *Report) {
		r.FinishedAt = now
		r.Err = err
		if err != nil {
			r.Error = err.Error()
			r.ErrorKind = resilience.KindOf(err).String()
		}
	})
	report := p.Report()

	if err != nil {
		logger.Error("pipeline failed", "phase", phase.String(), "kind", report.ErrorKind, "error", err)
		o.pub.Emit(events.PipelineFailedEvent{
			Pipeline:  p.id,
			Phase:     phase.String(),
			Error:     report.Error,
			ErrorKind: report.ErrorKind,
			Timestamp: now,
		})
	} else {
		logger.Info("pipeline completed", "revisions", report.Revisions, "duration", now.Sub(report.StartedAt))
		o.pub.Emit(events.PipelineCompletedEvent{
			Pipeline:  p.id,
			Revisions: report.Revisions,
			Duration:  now.Sub(report.StartedAt),
			Timestamp: now,
		})
	}

	if o.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := o.store.SaveReport(ctx, report); serr != nil {
			logger.Warn("failed to save report", "error", serr)
		}
	}
}
