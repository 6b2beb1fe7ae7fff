// Package scheduler orders task admission into worker pools. Each resource
// class has its own priority queue and delegator.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aristath/agentcore/internal/events"
	"github.com/aristath/agentcore/internal/resilience"
	"github.com/aristath/agentcore/internal/task"
)

// Delegator executes admitted tasks. *pool.Pool implements it.
type Delegator interface {
	Submit(ctx context.Context, t task.Task) (<-chan task.Result, error)
	Saturated() bool
}

// Config configures a Scheduler.
type Config struct {
	// AgingFactor is the wait that raises a task's priority by one.
	// Zero disables aging.
	AgingFactor  time.Duration
	PollInterval time.Duration
	// MaxPending bounds each class queue. Zero means unbounded.
	MaxPending int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		AgingFactor:  10 * time.Second,
		PollInterval: 50 * time.Millisecond,
		MaxPending:   1024,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.AgingFactor < 0 {
		errs = append(errs, errors.New("aging factor must not be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.MaxPending < 0 {
		errs = append(errs, errors.New("max pending must not be negative"))
	}
	return errors.Join(errs...)
}

type class struct {
	name      string
	delegator Delegator
	pending   queue
}

// Scheduler admits queued tasks into their class's delegator in priority order.
type Scheduler struct {
	cfg       Config
	logger    *slog.Logger
	publisher events.Publisher
	now       func() time.Time

	mu      sync.Mutex
	classes map[string]*class
	seq     uint64

	wake chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPublisher sets where task events are emitted.
func WithPublisher(pub events.Publisher) Option {
	return func(s *Scheduler) {
		if pub != nil {
			s.publisher = pub
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler with no classes registered.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	s := &Scheduler{
		cfg:       cfg,
		logger:    slog.Default(),
		publisher: events.Discard,
		now:       time.Now,
		classes:   make(map[string]*class),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s, nil
}

// Register binds a resource class to the delegator that runs its tasks.
func (s *Scheduler) Register(name string, d Delegator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.classes[name]; ok {
		c.delegator = d
		return
	}
	s.classes[name] = &class{name: name, delegator: d}
}

// Submit queues t for admission and returns the channel its single result
// is delivered on. Cancelling ctx withdraws a task that is still queued.
func (s *Scheduler) Submit(ctx context.Context, t task.Task) <-chan task.Result {
	result := make(chan task.Result, 1)
	name := t.ClassOrDefault()

	s.mu.Lock()
	c, ok := s.classes[name]
	if !ok {
		s.mu.Unlock()
		s.deliver(t, result, task.Failed(t, resilience.NewError(resilience.KindConfiguration, "scheduler",
			fmt.Sprintf("no delegator for class %q", name)), 0))
		return result
	}
	if s.cfg.MaxPending > 0 && c.pending.Len() >= s.cfg.MaxPending {
		s.mu.Unlock()
		s.deliver(t, result, task.Failed(t, resilience.Wrap(resilience.KindWorker, "scheduler", "submit",
			fmt.Errorf("%w: class %s has %d pending tasks", resilience.ErrQueueFull, name, s.cfg.MaxPending)), 0))
		return result
	}

	s.seq++
	e := &entry{
		task:      t,
		ctx:       ctx,
		seq:       s.seq,
		enqueued:  s.now(),
		effective: t.Priority,
		result:    result,
	}
	heap.Push(&c.pending, e)
	s.mu.Unlock()

	e.stop = context.AfterFunc(ctx, s.Wake)
	s.Wake()
	return result
}

// Wake asks the control loop to run an admission pass.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of tasks waiting in class name.
func (s *Scheduler) Depth(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.classes[name]; ok {
		return c.pending.Len()
	}
	return 0
}

// TotalDepth returns the number of tasks waiting across all classes.
func (s *Scheduler) TotalDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.classes {
		n += c.pending.Len()
	}
	return n
}

// Classes returns the registered class names, sorted.
func (s *Scheduler) Classes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.classes))
	for name := range s.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run polls until ctx is done, then resolves every waiting task as cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.Poll()
		select {
		case <-ctx.Done():
			s.drain(ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// Poll runs one admission pass over every class and returns how many tasks
// were dispatched. Tasks whose deadline lapsed or whose context ended are
// resolved without dispatch.
func (s *Scheduler) Poll() int {
	now := s.now()

	var expired, admitted []*entry

	s.mu.Lock()
	for _, name := range s.sortedClassesLocked() {
		c := s.classes[name]
		expired = append(expired, c.pending.removeIf(func(e *entry) bool {
			return e.ctx.Err() != nil || e.task.DeadlineLapsed(now)
		})...)
		c.pending.age(now, s.cfg.AgingFactor)

		// Admit in heap order until the delegator pushes back.
		for c.pending.Len() > 0 && !c.delegator.Saturated() {
			e := heap.Pop(&c.pending).(*entry)
			ch, err := c.delegator.Submit(e.ctx, e.task)
			if err != nil {
				if errors.Is(err, resilience.ErrQueueFull) {
					// backpressure: keep it queued for the next pass
					heap.Push(&c.pending, e)
					break
				}
				e.failure = err
				expired = append(expired, e)
				continue
			}
			admitted = append(admitted, e)
			go s.forward(e, ch)
		}
	}
	s.mu.Unlock()

	// Results and events go out after the lock is released.
	for _, e := range expired {
		s.resolveUnrun(e, now)
	}
	for _, e := range admitted {
		s.publisher.Emit(events.TaskDispatchedEvent{
			Pipeline:  e.task.PipelineID,
			Task:      e.task.ID,
			TaskKind:  e.task.Kind,
			Class:     e.task.ClassOrDefault(),
			Priority:  e.task.Priority,
			Attempt:   e.task.Attempt,
			Waited:    now.Sub(e.enqueued),
			Timestamp: now,
		})
	}
	return len(admitted)
}

func (s *Scheduler) sortedClassesLocked() []string {
	names := make([]string, 0, len(s.classes))
	for name := range s.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// forward relays the delegator's result to the submitter.
func (s *Scheduler) forward(e *entry, ch <-chan task.Result) {
	if e.stop != nil {
		e.stop()
	}
	r, ok := <-ch
	if !ok {
		r = task.Failed(e.task, resilience.NewError(resilience.KindWorker, "scheduler", "delegator closed result channel"), 0)
	}
	s.deliver(e.task, e.result, r)
	s.Wake()
}

// resolveUnrun fails an entry that never reached a delegator.
func (s *Scheduler) resolveUnrun(e *entry, now time.Time) {
	if e.stop != nil {
		e.stop()
	}
	waited := now.Sub(e.enqueued)

	var err error
	switch {
	case e.failure != nil:
		err = e.failure
	case e.ctx.Err() != nil:
		err = resilience.CancelledError("scheduler", context.Cause(e.ctx))
	default:
		err = resilience.Wrap(resilience.KindTimeout, "scheduler", "admit",
			fmt.Errorf("task %s deadline lapsed after waiting %s", e.task.ID, waited))
	}
	s.deliver(e.task, e.result, task.Failed(e.task, err, waited))
}

func (s *Scheduler) deliver(t task.Task, ch chan task.Result, r task.Result) {
	ch <- r
	close(ch)

	ev := events.TaskCompletedEvent{
		Pipeline:  t.PipelineID,
		Task:      t.ID,
		TaskKind:  t.Kind,
		Class:     t.ClassOrDefault(),
		Success:   r.Success,
		Duration:  r.Duration,
		Timestamp: s.now(),
	}
	if r.Err != nil {
		ev.Error = r.Err.Error()
		ev.ErrorKind = resilience.KindOf(r.Err).String()
	}
	s.publisher.Emit(ev)
}

// drain resolves every waiting task as cancelled.
func (s *Scheduler) drain(cause error) {
	s.mu.Lock()
	var left []*entry
	for _, c := range s.classes {
		left = append(left, c.pending.removeIf(func(*entry) bool { return true })...)
	}
	s.mu.Unlock()

	now := s.now()
	for _, e := range left {
		if e.stop != nil {
			e.stop()
		}
		s.deliver(e.task, e.result, task.Failed(e.task, resilience.CancelledError("scheduler", cause), now.Sub(e.enqueued)))
	}
	if len(left) > 0 {
		s.logger.Info("scheduler stopped with queued tasks", "cancelled", len(left))
	}
}
