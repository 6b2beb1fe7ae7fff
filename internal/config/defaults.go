package config

import (
	"runtime"
	"time"

	"github.com/aristath/agentcore/internal/provider"
	"github.com/aristath/agentcore/internal/task"
)

// DefaultConfig returns the default configuration with built-in providers
// and a claude-backed team.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorSection{
			MaxConcurrentPipelines: 4,
			RevisionLimit:          3,
			TaskMaxAttempts:        3,
			PhaseTimeout:           Duration(15 * time.Minute),
			Class:                  task.DefaultClass,
			MaxPlanSteps:           20,
		},
		Pools: map[string]PoolSection{
			task.DefaultClass: {
				MaxWorkers:        runtime.NumCPU(),
				MaxQueueDepth:     256,
				DefaultTimeout:    Duration(5 * time.Minute),
				HeartbeatInterval: Duration(time.Second),
				HeartbeatTimeout:  Duration(90 * time.Second),
			},
		},
		Scheduler: SchedulerSection{
			AgingFactor:  Duration(10 * time.Second),
			PollInterval: Duration(50 * time.Millisecond),
			MaxPending:   1024,
		},
		Resilience: ResilienceSection{
			Retry: RetrySection{
				MaxAttempts: 3,
				BaseDelay:   Duration(200 * time.Millisecond),
				Multiplier:  2,
				MaxDelay:    Duration(10 * time.Second),
				JitterRatio: 0.2,
			},
			Breaker: BreakerSection{
				FailureThreshold: 5,
				Cooldown:         Duration(30 * time.Second),
			},
			CallTimeout: Duration(60 * time.Second),
		},
		Providers: map[string]provider.Config{
			"claude": {Type: provider.TypeClaude},
			"codex":  {Type: provider.TypeCodex},
			"goose":  {Type: provider.TypeGoose},
			"anthropic": {
				Type:  provider.TypeAnthropic,
				Model: "claude-sonnet-4-5",
			},
			"openai": {
				Type:  provider.TypeOpenAI,
				Model: "gpt-4o",
			},
			"ollama": {
				Type:    provider.TypeOllama,
				Model:   "llama3.1",
				BaseURL: "http://localhost:11434",
			},
			"gemini": {
				Type:  provider.TypeGemini,
				Model: "gemini-2.5-flash",
			},
		},
		Agents: map[string]AgentConfig{
			"planner":  {Provider: "claude"},
			"executor": {Provider: "claude"},
			"critic":   {Provider: "claude"},
		},
		Browser: BrowserSection{
			Enabled: true,
			Timeout: Duration(30 * time.Second),
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "text",
		},
		Events: EventsSection{
			DeliveryTimeout: Duration(5 * time.Second),
			Buffer:          256,
		},
	}
}
