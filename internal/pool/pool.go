// Package pool runs tasks on a bounded set of workers behind a bounded queue.
//
// Every accepted task resolves exactly once: success, failure, cancellation
// or timeout. A worker whose task times out, whose handler panics, or that
// stops sending heartbeats while busy is retired and replaced, so a hung
// handler never holds a slot indefinitely.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/aristath/agentcore/internal/events"
	"github.com/aristath/agentcore/internal/resilience"
	"github.com/aristath/agentcore/internal/task"
)

// Dependency is the dependency ID attached to pool-originated errors.
const Dependency = "worker-pool"

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pool closed")

// Handler executes one task. Handlers that run longer than the heartbeat
// timeout must call Heartbeat(ctx) periodically.
type Handler func(ctx context.Context, t task.Task) (any, error)

// Config configures a Pool.
type Config struct {
	MaxWorkers        int
	MaxQueueDepth     int
	DefaultTimeout    time.Duration // used when a task has no deadline
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:        runtime.NumCPU(),
		MaxQueueDepth:     256,
		DefaultTimeout:    5 * time.Minute,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  90 * time.Second,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.MaxWorkers < 1 {
		errs = append(errs, errors.New("max workers must be at least 1"))
	}
	if c.MaxQueueDepth < 0 {
		errs = append(errs, errors.New("max queue depth must not be negative"))
	}
	if c.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("default timeout must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		errs = append(errs, errors.New("heartbeat timeout must be at least the heartbeat interval"))
	}
	return errors.Join(errs...)
}

// WorkerInfo describes one worker. Returned values are copies.
type WorkerInfo struct {
	ID            string
	Busy          bool
	CurrentTaskID string
	LastHeartbeat time.Time
	StartedAt     time.Time
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers   int
	Busy      int
	Queued    int
	Capacity  int
	Completed uint64
	Failed    uint64
	Rejected  uint64
	Respawns  uint64
}

type worker struct {
	info    WorkerInfo
	quit    chan struct{}
	retired bool
	job     *job
	cancel  context.CancelFunc
}

type job struct {
	task      task.Task
	ctx       context.Context
	cancel    context.CancelFunc
	stop      func() bool
	result    chan task.Result
	once      sync.Once
	submitted time.Time
	started   time.Time // guarded by Pool.mu
}

func (j *job) resolve(r task.Result) bool {
	resolved := false
	j.once.Do(func() {
		j.result <- r
		close(j.result)
		resolved = true
	})
	return resolved
}

// Pool is the heavy task delegator.
type Pool struct {
	cfg       Config
	handler   Handler
	logger    *slog.Logger
	publisher events.Publisher

	queue chan *job
	done  chan struct{}
	wg    sync.WaitGroup

	mu        sync.Mutex
	workers   map[string]*worker
	jobs      map[string]*job
	nextID    int
	closed    bool
	completed uint64
	failed    uint64
	rejected  uint64
	respawns  uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPublisher sets where worker lifecycle events are emitted.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pool) {
		if pub != nil {
			p.publisher = pub
		}
	}
}

// New starts a pool of cfg.MaxWorkers workers running h.
func New(cfg Config, h Handler, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if h == nil {
		return nil, errors.New("pool handler is required")
	}

	p := &Pool{
		cfg:       cfg,
		handler:   h,
		logger:    slog.Default(),
		publisher: events.Discard,
		queue:     make(chan *job, cfg.MaxQueueDepth),
		done:      make(chan struct{}),
		workers:   make(map[string]*worker),
		jobs:      make(map[string]*job),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pool")

	p.mu.Lock()
	for i := 0; i < cfg.MaxWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.monitor()

	return p, nil
}

// Submit enqueues t and returns the channel its single result is sent on.
// A full queue is rejected immediately with a worker error wrapping
// resilience.ErrQueueFull.
func (p *Pool) Submit(ctx context.Context, t task.Task) (<-chan task.Result, error) {
	jctx, cancel := context.WithCancel(ctx)
	j := &job{
		task:      t,
		ctx:       jctx,
		cancel:    cancel,
		result:    make(chan task.Result, 1),
		submitted: time.Now(),
	}
	j.stop = context.AfterFunc(jctx, func() {
		p.finish(j, task.Failed(t, resilience.CancelledError(Dependency, context.Cause(jctx)), time.Since(j.submitted)))
	})
	abort := func() {
		j.stop()
		cancel()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		abort()
		return nil, resilience.Wrap(resilience.KindWorker, Dependency, "submit", ErrClosed)
	}
	if _, dup := p.jobs[t.ID]; dup {
		p.mu.Unlock()
		abort()
		return nil, resilience.Wrap(resilience.KindValidation, Dependency, "submit", fmt.Errorf("task %s already in flight", t.ID))
	}
	select {
	case p.queue <- j:
		p.jobs[t.ID] = j
	default:
		p.rejected++
		p.mu.Unlock()
		abort()
		return nil, resilience.Wrap(resilience.KindWorker, Dependency, "submit",
			fmt.Errorf("%w: %d tasks waiting", resilience.ErrQueueFull, p.cfg.MaxQueueDepth))
	}
	p.mu.Unlock()

	return j.result, nil
}

// Execute runs t and waits for its result. It never returns an error:
// rejections and failures are reported through the Result.
func (p *Pool) Execute(ctx context.Context, t task.Task) task.Result {
	ch, err := p.Submit(ctx, t)
	if err != nil {
		return task.Failed(t, err, 0)
	}
	return <-ch
}

// Cancel cancels a queued or running task. The task resolves as cancelled;
// its worker is reused once the handler returns.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	j, ok := p.jobs[taskID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// Saturated reports whether a newly submitted task would have to wait for a worker.
func (p *Pool) Saturated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	busy := 0
	for _, w := range p.workers {
		if w.info.Busy {
			busy++
		}
	}
	return busy+len(p.queue) >= len(p.workers)
}

// Full reports whether a Submit now would be rejected. Without a queue
// that is when every worker is busy.
func (p *Pool) Full() bool {
	if cap(p.queue) > 0 {
		return len(p.queue) >= cap(p.queue)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	busy := 0
	for _, w := range p.workers {
		if w.info.Busy {
			busy++
		}
	}
	return busy >= len(p.workers)
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Workers:   len(p.workers),
		Queued:    len(p.queue),
		Capacity:  cap(p.queue),
		Completed: p.completed,
		Failed:    p.failed,
		Rejected:  p.rejected,
		Respawns:  p.respawns,
	}
	for _, w := range p.workers {
		if w.info.Busy {
			s.Busy++
		}
	}
	return s
}

// Workers returns a copy of every live worker's info, oldest first.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	infos := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		infos = append(infos, w.info)
	}
	p.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].StartedAt.Before(infos[j].StartedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Close stops accepting tasks, cancels queued and running ones and waits
// for workers to exit or ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	pending := make([]*job, 0, len(p.jobs))
	for _, j := range p.jobs {
		pending = append(pending, j)
	}
	p.mu.Unlock()

	for _, j := range pending {
		j.cancel()
	}

	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

// finish delivers r as j's result if it has none yet.
func (p *Pool) finish(j *job, r task.Result) {
	if !j.resolve(r) {
		return
	}

	p.mu.Lock()
	if cur, ok := p.jobs[j.task.ID]; ok && cur == j {
		delete(p.jobs, j.task.ID)
	}
	if r.Success {
		p.completed++
	} else {
		p.failed++
	}
	p.mu.Unlock()

	j.cancel()
}

// spawnLocked starts a new worker. p.mu must be held.
func (p *Pool) spawnLocked() *worker {
	p.nextID++
	now := time.Now()
	w := &worker{
		info: WorkerInfo{
			ID:            fmt.Sprintf("worker-%d", p.nextID),
			LastHeartbeat: now,
			StartedAt:     now,
		},
		quit: make(chan struct{}),
	}
	p.workers[w.info.ID] = w
	p.wg.Add(1)
	go p.runWorker(w)
	return w
}

// retireLocked removes w and starts its replacement. p.mu must be held.
func (p *Pool) retireLocked(w *worker) string {
	w.retired = true
	w.job = nil
	close(w.quit)
	if w.cancel != nil {
		w.cancel()
	}
	delete(p.workers, w.info.ID)
	p.respawns++
	if p.closed {
		return ""
	}
	return p.spawnLocked().info.ID
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.quit:
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.beat(w)
		case j := <-p.queue:
			if !p.run(w, j) {
				return
			}
		}
	}
}

// run executes j on w and reports whether w is still live afterwards.
func (p *Pool) run(w *worker, j *job) bool {
	if err := j.ctx.Err(); err != nil {
		p.finish(j, task.Failed(j.task, resilience.CancelledError(Dependency, context.Cause(j.ctx)), time.Since(j.submitted)))
		return true
	}

	// A task deadline replaces the pool default, even when it is longer.
	timeout := p.cfg.DefaultTimeout
	if j.task.HasDeadline() {
		timeout = time.Until(j.task.Deadline)
	}
	if timeout <= 0 {
		p.finish(j, task.Failed(j.task, resilience.Wrap(resilience.KindTimeout, Dependency, "run",
			fmt.Errorf("task %s deadline lapsed before start", j.task.ID)), time.Since(j.submitted)))
		return true
	}

	runCtx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	runCtx = context.WithValue(runCtx, heartbeatKey{}, func() { p.beat(w) })

	p.mu.Lock()
	if w.retired {
		p.mu.Unlock()
		return false
	}
	now := time.Now()
	j.started = now
	w.job = j
	w.cancel = cancel
	w.info.Busy = true
	w.info.CurrentTaskID = j.task.ID
	w.info.LastHeartbeat = now
	p.mu.Unlock()

	timer := time.AfterFunc(timeout, func() {
		p.kill(w, j, "timeout", resilience.Wrap(resilience.KindTimeout, Dependency, "run",
			fmt.Errorf("task %s exceeded %s", j.task.ID, timeout)))
	})

	start := time.Now()
	out, panicked, err := p.invoke(runCtx, j.task)
	timer.Stop()
	elapsed := time.Since(start)

	if panicked {
		p.kill(w, j, "panic", err)
		return false
	}

	p.mu.Lock()
	if w.retired || w.job != j {
		// timed out or declared dead; the job already has its result
		p.mu.Unlock()
		return false
	}
	w.job = nil
	w.cancel = nil
	w.info.Busy = false
	w.info.CurrentTaskID = ""
	w.info.LastHeartbeat = time.Now()
	p.mu.Unlock()

	var r task.Result
	if err != nil {
		// Failures caused by the submitter's context are cancellations.
		if j.ctx.Err() != nil {
			err = resilience.CancelledError(Dependency, err)
		}
		r = task.Failed(j.task, err, elapsed)
	} else {
		r = task.Succeeded(j.task, out, elapsed)
	}
	r.WorkerID = w.info.ID
	p.finish(j, r)
	return true
}

func (p *Pool) invoke(ctx context.Context, t task.Task) (out any, panicked bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			err = resilience.Wrap(resilience.KindWorker, Dependency, "run", fmt.Errorf("worker panic: %v", rec))
		}
	}()
	out, err = p.handler(ctx, t)
	return out, false, err
}

// kill fails j with cause and replaces w, unless j already finished on w.
func (p *Pool) kill(w *worker, j *job, reason string, cause error) {
	p.mu.Lock()
	if w.retired || w.job != j {
		p.mu.Unlock()
		return
	}
	workerID := w.info.ID
	started := j.started
	replacement := p.retireLocked(w)
	p.mu.Unlock()

	r := task.Failed(j.task, cause, time.Since(started))
	r.WorkerID = workerID
	p.finish(j, r)

	p.logger.Warn("worker replaced",
		"worker", workerID,
		"replacement", replacement,
		"reason", reason,
		"task", j.task.ID)
	p.publisher.Emit(events.WorkerRespawnedEvent{
		Worker:      workerID,
		Replacement: replacement,
		Reason:      reason,
		Task:        j.task.ID,
		Timestamp:   time.Now(),
	})
}

func (p *Pool) beat(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !w.retired {
		w.info.LastHeartbeat = time.Now()
	}
}

// monitor declares busy workers that stopped beating crashed.
func (p *Pool) monitor() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			type stale struct {
				w *worker
				j *job
			}
			var dead []stale

			// Collect under the lock, kill outside it: kill takes the lock.
			p.mu.Lock()
			for _, w := range p.workers {
				if w.info.Busy && w.job != nil && now.Sub(w.info.LastHeartbeat) > p.cfg.HeartbeatTimeout {
					dead = append(dead, stale{w, w.job})
				}
			}
			p.mu.Unlock()

			for _, d := range dead {
				p.kill(d.w, d.j, "heartbeat", resilience.Wrap(resilience.KindWorker, Dependency, "heartbeat",
					fmt.Errorf("worker %s silent for more than %s", d.w.info.ID, p.cfg.HeartbeatTimeout)))
			}
		}
	}
}

type heartbeatKey struct{}

// Heartbeat reports liveness for the worker running the task that owns ctx.
// It reports false when ctx does not belong to a pool task.
func Heartbeat(ctx context.Context) bool {
	beat, ok := ctx.Value(heartbeatKey{}).(func())
	if !ok {
		return false
	}
	beat()
	return true
}
