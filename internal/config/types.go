package config

import (
	"fmt"
	"time"

	"github.com/aristath/agentcore/internal/events"
	"github.com/aristath/agentcore/internal/provider"
)

// Duration is a time.Duration written as "30s" or "5m" in config files.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// OrchestratorSection tunes pipeline execution.
type OrchestratorSection struct {
	MaxConcurrentPipelines int      `json:"max_concurrent_pipelines" yaml:"max_concurrent_pipelines"`
	RevisionLimit          int      `json:"revision_limit" yaml:"revision_limit"`
	TaskMaxAttempts        int      `json:"task_max_attempts" yaml:"task_max_attempts"`
	PhaseTimeout           Duration `json:"phase_timeout" yaml:"phase_timeout"`
	TaskPriority           int      `json:"task_priority" yaml:"task_priority"`
	Class                  string   `json:"class" yaml:"class"`
	MaxPlanSteps           int      `json:"max_plan_steps" yaml:"max_plan_steps"`
}

// PoolSection configures the worker pool serving one task class.
type PoolSection struct {
	MaxWorkers        int      `json:"max_workers" yaml:"max_workers"`
	MaxQueueDepth     int      `json:"max_queue_depth" yaml:"max_queue_depth"`
	DefaultTimeout    Duration `json:"default_timeout" yaml:"default_timeout"`
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
}

// SchedulerSection configures admission ordering.
type SchedulerSection struct {
	AgingFactor  Duration `json:"aging_factor" yaml:"aging_factor"`
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxPending   int      `json:"max_pending" yaml:"max_pending"`
}

// RetrySection is a retry policy.
type RetrySection struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
	Multiplier  float64  `json:"multiplier" yaml:"multiplier"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay"`
	JitterRatio float64  `json:"jitter_ratio" yaml:"jitter_ratio"`
}

// BreakerSection configures a circuit breaker.
type BreakerSection struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         Duration `json:"cooldown" yaml:"cooldown"`
}

// ResilienceSection groups retry, breaker and timeout settings. Per-kind
// and per-dependency entries override the defaults.
type ResilienceSection struct {
	Retry        RetrySection              `json:"retry" yaml:"retry"`
	RetryByKind  map[string]RetrySection   `json:"retry_by_kind,omitempty" yaml:"retry_by_kind,omitempty"`
	Breaker      BreakerSection            `json:"breaker" yaml:"breaker"`
	Breakers     map[string]BreakerSection `json:"breakers,omitempty" yaml:"breakers,omitempty"`
	CallTimeout  Duration                  `json:"call_timeout" yaml:"call_timeout"`
	CallTimeouts map[string]Duration       `json:"call_timeouts,omitempty" yaml:"call_timeouts,omitempty"`
}

// AgentConfig binds a role to a provider.
type AgentConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
}

// BrowserSection configures the HTTP browser engine.
type BrowserSection struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// LoggingSection configures the process logger.
type LoggingSection struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// HealthSection configures the health and metrics endpoint. An empty
// address disables it.
type HealthSection struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// EventsSection configures external event transports. Nil sections are off.
type EventsSection struct {
	Redis           *events.RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
	AMQP            *events.AMQPConfig  `json:"amqp,omitempty" yaml:"amqp,omitempty"`
	DeliveryTimeout Duration            `json:"delivery_timeout" yaml:"delivery_timeout"`
	Buffer          int                 `json:"buffer" yaml:"buffer"`
}

// StoreSection configures report history. An empty path keeps reports in
// memory.
type StoreSection struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Config is the complete configuration.
type Config struct {
	Orchestrator OrchestratorSection        `json:"orchestrator" yaml:"orchestrator"`
	Pools        map[string]PoolSection     `json:"pools" yaml:"pools"`
	Scheduler    SchedulerSection           `json:"scheduler" yaml:"scheduler"`
	Resilience   ResilienceSection          `json:"resilience" yaml:"resilience"`
	Providers    map[string]provider.Config `json:"providers" yaml:"providers"`
	Agents       map[string]AgentConfig     `json:"agents" yaml:"agents"`
	Browser      BrowserSection             `json:"browser" yaml:"browser"`
	Logging      LoggingSection             `json:"logging" yaml:"logging"`
	Health       HealthSection              `json:"health" yaml:"health"`
	Events       EventsSection              `json:"events" yaml:"events"`
	Store        StoreSection               `json:"store" yaml:"store"`
}
