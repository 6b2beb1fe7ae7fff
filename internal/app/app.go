// Package app builds every component from a Config and owns their start
// and stop order. Nothing is shared through package state: each component
// receives the references it needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentcore/internal/agent"
	"github.com/aristath/agentcore/internal/config"
	"github.com/aristath/agentcore/internal/events"
	"github.com/aristath/agentcore/internal/health"
	"github.com/aristath/agentcore/internal/metrics"
	"github.com/aristath/agentcore/internal/orchestrator"
	"github.com/aristath/agentcore/internal/persistence"
	"github.com/aristath/agentcore/internal/pool"
	"github.com/aristath/agentcore/internal/provider"
	"github.com/aristath/agentcore/internal/resilience"
	"github.com/aristath/agentcore/internal/scheduler"
)

// BrowserDependency is the breaker key of the HTTP browser engine.
const BrowserDependency = "browser"

// App is the assembled core.
type App struct {
	Config       *config.Config
	Bus          *events.EventBus
	Breakers     *resilience.BreakerRegistry
	Handler      *resilience.Handler
	Pools        map[string]*pool.Pool
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Store        persistence.Store
	Metrics      *metrics.Recorder
	Health       *health.Checker

	logger     *slog.Logger
	processes  *provider.ProcessManager
	capability agent.Capability
	sinks      []pendingSink
	metricsCh  <-chan events.Event

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool

	releaseOnce sync.Once
	releaseErr  error
}

type pendingSink struct {
	name string
	sink events.Sink
	src  <-chan events.Event
}

// Option configures New.
type Option func(*App)

// WithLogger sets the logger every component derives from.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithCapability replaces the provider-backed team. No providers are built
// when it is set.
func WithCapability(c agent.Capability) Option {
	return func(a *App) { a.capability = c }
}

// New validates cfg and builds the core. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{
		Config:    cfg,
		Bus:       events.NewEventBus(),
		Pools:     make(map[string]*pool.Pool),
		Metrics:   metrics.New(),
		Health:    health.NewChecker(),
		logger:    slog.Default(),
		processes: provider.NewProcessManager(),
	}
	for _, opt := range opts {
		opt(a)
	}

	ok := false
	defer func() {
		if !ok {
			a.release()
		}
	}()

	// Subscriptions exist before anything can emit.
	a.metricsCh = a.Bus.SubscribeAll(cfg.Events.Buffer)

	if err := a.buildResilience(); err != nil {
		return nil, err
	}
	if err := a.buildCapability(); err != nil {
		return nil, err
	}
	if err := a.buildExecution(); err != nil {
		return nil, err
	}
	if err := a.buildStore(ctx); err != nil {
		return nil, err
	}
	if err := a.buildSinks(ctx); err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(cfg.OrchestratorConfig(), a.Scheduler, a.Handler,
		orchestrator.WithLogger(a.logger),
		orchestrator.WithPublisher(a.Bus),
		orchestrator.WithReportStore(a.Store),
	)
	if err != nil {
		return nil, err
	}
	a.Orchestrator = orch

	ok = true
	return a, nil
}

func (a *App) buildResilience() error {
	cfg := a.Config
	a.Breakers = resilience.NewBreakerRegistry(cfg.BreakerSettings(),
		resilience.WithRegistryLogger(a.logger),
		resilience.WithStateListener(a.circuitChanged),
	)
	for dep, s := range cfg.BreakerOverrides() {
		a.Breakers.Configure(dep, s)
	}

	hc, err := cfg.HandlerConfig()
	if err != nil {
		return err
	}
	h, err := resilience.NewHandler(hc, a.Breakers, resilience.NewClassifier(),
		resilience.WithHandlerLogger(a.logger))
	if err != nil {
		return err
	}
	a.Handler = h
	a.Health.SetBreakers(a.Breakers)
	a.Metrics.WatchBreakers(a.Breakers)
	return nil
}

func (a *App) circuitChanged(dependency string, from, to resilience.Phase, at time.Time) {
	switch to {
	case resilience.PhaseOpen:
		a.Bus.Emit(events.CircuitOpenedEvent{Dependency: dependency, From: from.String(), Timestamp: at})
	case resilience.PhaseClosed:
		a.Bus.Emit(events.CircuitClosedEvent{Dependency: dependency, Timestamp: at})
	}
}

// buildCapability builds one guarded provider per name referenced by an
// agent and binds each role to its provider. The breaker key of a provider
// is its config name.
func (a *App) buildCapability() error {
	if a.capability != nil {
		return nil
	}
	cfg := a.Config

	built := make(map[string]provider.AIProvider)
	get := func(name string) (provider.AIProvider, error) {
		if p, ok := built[name]; ok {
			return p, nil
		}
		raw, err := provider.New(cfg.Providers[name], a.processes)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		p := provider.Guard(raw, a.Handler, name)
		built[name] = p
		return p, nil
	}

	planner, err := get(cfg.Agents["planner"].Provider)
	if err != nil {
		return err
	}
	opts := []agent.TeamOption{agent.WithMaxSteps(cfg.Orchestrator.MaxPlanSteps)}
	for _, role := range agent.Roles {
		ac := cfg.Agents[role.String()]
		ai, err := get(ac.Provider)
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithRoleProvider(role, ai, ac.Model))
	}
	if cfg.Browser.Enabled {
		engine := provider.NewHTTPEngine(cfg.Browser.Timeout.Std())
		opts = append(opts, agent.WithBrowser(provider.GuardBrowser(engine, a.Handler, BrowserDependency)))
	}
	a.capability = agent.NewTeam(planner, opts...)
	return nil
}

func (a *App) buildExecution() error {
	cfg := a.Config
	sched, err := scheduler.New(cfg.SchedulerConfig(),
		scheduler.WithLogger(a.logger),
		scheduler.WithPublisher(a.Bus),
	)
	if err != nil {
		return err
	}
	a.Scheduler = sched

	handler := agent.Handler(a.capability)
	for _, class := range cfg.PoolClasses() {
		p, err := pool.New(cfg.PoolConfig(class), handler,
			pool.WithLogger(a.logger.With("class", class)),
			pool.WithPublisher(a.Bus),
		)
		if err != nil {
			return fmt.Errorf("pool %s: %w", class, err)
		}
		a.Pools[class] = p
		sched.Register(class, p)
		a.Health.AddPool(class, p)
		a.Metrics.WatchPool(class, p)
		a.Metrics.WatchQueue(class, func() int { return sched.Depth(class) })
	}
	a.Health.SetQueue(sched, cfg.Scheduler.MaxPending)
	return nil
}

func (a *App) buildStore(ctx context.Context) error {
	var (
		store persistence.Store
		err   error
	)
	if path := a.Config.Store.Path; path != "" {
		store, err = persistence.NewSQLiteStore(ctx, path)
	} else {
		store, err = persistence.NewMemoryStore(ctx)
	}
	if err != nil {
		return fmt.Errorf("report store: %w", err)
	}
	a.Store = store
	return nil
}

func (a *App) buildSinks(ctx context.Context) error {
	ev := a.Config.Events
	if ev.Redis != nil {
		s, err := events.NewRedisSink(ctx, *ev.Redis)
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, pendingSink{name: "redis", sink: s, src: a.Bus.SubscribeAll(ev.Buffer)})
	}
	if ev.AMQP != nil {
		s, err := events.NewAMQPSink(*ev.AMQP)
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, pendingSink{name: "amqp", sink: s, src: a.Bus.SubscribeAll(ev.Buffer)})
	}
	return nil
}

// Capability returns the capability the pools run.
func (a *App) Capability() agent.Capability { return a.capability }

// Logger returns the app's logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Start launches the scheduler loop, event consumers and, when an address
// is configured, the health server. It returns immediately.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true

	ctx, a.cancel = context.WithCancel(ctx)
	a.group = &errgroup.Group{}

	a.group.Go(func() error { return a.Scheduler.Run(ctx) })
	a.group.Go(func() error {
		a.Metrics.Consume(ctx, a.metricsCh)
		return nil
	})
	for _, s := range a.sinks {
		a.group.Go(func() error {
			events.Forward(ctx, s.src, s.sink, a.Config.Events.DeliveryTimeout.Std(), a.logger.With("component", "events", "sink", s.name))
			return nil
		})
	}
	if addr := a.Config.Health.Addr; addr != "" {
		srv := health.NewServer(addr, a.Health, a.Metrics.Registry(), a.logger)
		a.group.Go(func() error { return srv.Run(ctx) })
	}
	a.logger.Info("core started", "pools", len(a.Pools), "sinks", len(a.sinks))
}

// Shutdown stops accepting pipelines, cancels running ones and releases
// every component. It is safe to call without Start.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Orchestrator.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing orchestrator: %w", err))
	}

	a.mu.Lock()
	cancel, group := a.cancel, a.group
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	errs = append(errs, a.release())
	a.logger.Info("core stopped")
	return errors.Join(errs...)
}

// release closes pools, subscriptions, sinks, the store and subprocesses.
func (a *App) release() error {
	a.releaseOnce.Do(func() { a.releaseErr = a.closeAll() })
	return a.releaseErr
}

func (a *App) closeAll() error {
	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for class, p := range a.Pools {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing pool %s: %w", class, err))
		}
	}
	a.Bus.Close()
	for _, s := range a.sinks {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s sink: %w", s.name, err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing report store: %w", err))
		}
	}
	if err := a.processes.KillAll(); err != nil {
		errs = append(errs, fmt.Errorf("killing subprocesses: %w", err))
	}
	return errors.Join(errs...)
}
