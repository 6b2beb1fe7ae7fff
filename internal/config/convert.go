package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/agentcore/internal/logging"
	"github.com/aristath/agentcore/internal/orchestrator"
	"github.com/aristath/agentcore/internal/pool"
	"github.com/aristath/agentcore/internal/resilience"
	"github.com/aristath/agentcore/internal/scheduler"
)

// Roles lists the role names accepted under "agents".
var Roles = []string{"planner", "executor", "critic"}

// Validate checks every section. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if err := c.OrchestratorConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if c.Orchestrator.MaxPlanSteps < 1 {
		errs = append(errs, errors.New("orchestrator: max plan steps must be at least 1"))
	}
	if _, ok := c.Pools[c.Orchestrator.Class]; !ok {
		errs = append(errs, fmt.Errorf("pools: no pool for task class %q", c.Orchestrator.Class))
	}
	for _, class := range c.PoolClasses() {
		if err := c.PoolConfig(class).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("pools.%s: %w", class, err))
		}
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}

	hc, err := c.HandlerConfig()
	if err != nil {
		errs = append(errs, fmt.Errorf("resilience: %w", err))
	} else {
		if err := hc.Retry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("resilience.retry: %w", err))
		}
		for kind, opts := range hc.RetryByKind {
			if err := opts.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("resilience.retry_by_kind.%s: %w", kind, err))
			}
		}
	}
	if err := c.BreakerSettings().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("resilience.breaker: %w", err))
	}
	for dep, s := range c.BreakerOverrides() {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("resilience.breakers.%s: %w", dep, err))
		}
	}

	for _, role := range Roles {
		a, ok := c.Agents[role]
		if !ok {
			errs = append(errs, fmt.Errorf("agents: no agent for the %s role", role))
			continue
		}
		if _, ok := c.Providers[a.Provider]; !ok {
			errs = append(errs, fmt.Errorf("agents.%s: unknown provider %q", role, a.Provider))
		}
	}
	for name := range c.Agents {
		if !isRole(name) {
			errs = append(errs, fmt.Errorf("agents: unknown role %q", name))
		}
	}
	for name, p := range c.Providers {
		if p.Type == "" {
			errs = append(errs, fmt.Errorf("providers.%s: type is required", name))
		}
	}

	if err := c.LoggingConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if c.Events.Redis != nil && c.Events.Redis.Address == "" {
		errs = append(errs, errors.New("events.redis: address is required"))
	}
	if c.Events.AMQP != nil && c.Events.AMQP.URL == "" {
		errs = append(errs, errors.New("events.amqp: url is required"))
	}

	return errors.Join(errs...)
}

func isRole(name string) bool {
	for _, r := range Roles {
		if r == name {
			return true
		}
	}
	return false
}

// OrchestratorConfig returns the orchestrator section as an orchestrator.Config.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	o := c.Orchestrator
	return orchestrator.Config{
		MaxConcurrentPipelines: o.MaxConcurrentPipelines,
		RevisionLimit:          o.RevisionLimit,
		TaskMaxAttempts:        o.TaskMaxAttempts,
		PhaseTimeout:           o.PhaseTimeout.Std(),
		TaskPriority:           o.TaskPriority,
		Class:                  o.Class,
	}
}

// PoolClasses returns the configured task classes in sorted order.
func (c *Config) PoolClasses() []string {
	classes := make([]string, 0, len(c.Pools))
	for class := range c.Pools {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// PoolConfig returns the pool settings for class.
func (c *Config) PoolConfig(class string) pool.Config {
	p := c.Pools[class]
	return pool.Config{
		MaxWorkers:        p.MaxWorkers,
		MaxQueueDepth:     p.MaxQueueDepth,
		DefaultTimeout:    p.DefaultTimeout.Std(),
		HeartbeatInterval: p.HeartbeatInterval.Std(),
		HeartbeatTimeout:  p.HeartbeatTimeout.Std(),
	}
}

// SchedulerConfig returns the scheduler section as a scheduler.Config.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		AgingFactor:  c.Scheduler.AgingFactor.Std(),
		PollInterval: c.Scheduler.PollInterval.Std(),
		MaxPending:   c.Scheduler.MaxPending,
	}
}

func (r RetrySection) options() resilience.RetryOptions {
	return resilience.RetryOptions{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay.Std(),
		Multiplier:  r.Multiplier,
		MaxDelay:    r.MaxDelay.Std(),
		JitterRatio: r.JitterRatio,
	}
}

// HandlerConfig returns the retry and timeout settings. It fails when a
// retry_by_kind key is not an error kind name.
func (c *Config) HandlerConfig() (resilience.HandlerConfig, error) {
	r := c.Resilience
	hc := resilience.HandlerConfig{
		Retry:       r.Retry.options(),
		CallTimeout: r.CallTimeout.Std(),
	}
	var errs []error
	if len(r.RetryByKind) > 0 {
		hc.RetryByKind = make(map[resilience.Kind]resilience.RetryOptions, len(r.RetryByKind))
		for name, rs := range r.RetryByKind {
			kind, err := resilience.ParseKind(name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			hc.RetryByKind[kind] = rs.options()
		}
	}
	if len(r.CallTimeouts) > 0 {
		hc.CallTimeouts = make(map[string]time.Duration, len(r.CallTimeouts))
		for dep, d := range r.CallTimeouts {
			hc.CallTimeouts[dep] = d.Std()
		}
	}
	return hc, errors.Join(errs...)
}

// BreakerSettings returns the default breaker settings.
func (c *Config) BreakerSettings() resilience.BreakerSettings {
	return c.Resilience.Breaker.settings()
}

// BreakerOverrides returns the per-dependency breaker settings.
func (c *Config) BreakerOverrides() map[string]resilience.BreakerSettings {
	out := make(map[string]resilience.BreakerSettings, len(c.Resilience.Breakers))
	for dep, b := range c.Resilience.Breakers {
		out[dep] = b.settings()
	}
	return out
}

func (b BreakerSection) settings() resilience.BreakerSettings {
	return resilience.BreakerSettings{
		FailureThreshold: b.FailureThreshold,
		Cooldown:         b.Cooldown.Std(),
	}
}

// LoggingConfig returns the logging section as a logging.Config.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}
