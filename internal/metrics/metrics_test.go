package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcore/internal/events"
	"github.com/aristath/agentcore/internal/pool"
	"github.com/aristath/agentcore/internal/resilience"
)

func TestObserveCountsEvents(t *testing.T) {
	r := New()
	now := time.Now()

	r.Observe(events.PipelineStartedEvent{Pipeline: "p1", Timestamp: now})
	r.Observe(events.PhaseTransitionEvent{Pipeline: "p1", From: "idle", To: "planning", Timestamp: now})
	r.Observe(events.TaskDispatchedEvent{Task: "t1", TaskKind: "plan", Class: "default", Waited: 10 * time.Millisecond})
	r.Observe(events.TaskCompletedEvent{Task: "t1", TaskKind: "plan", Class: "default", Success: true, Duration: time.Second})
	r.Observe(events.TaskCompletedEvent{Task: "t2", TaskKind: "execute", Class: "default", ErrorKind: "timeout"})
	r.Observe(events.PipelineFailedEvent{Pipeline: "p1", ErrorKind: "timeout"})
	r.Observe(events.CircuitOpenedEvent{Dependency: "anthropic"})
	r.Observe(events.WorkerRespawnedEvent{Reason: "heartbeat"})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.pipelinesStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.phaseTransitions.WithLabelValues("planning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasksDispatched.WithLabelValues("plan", "default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasksCompleted.WithLabelValues("plan", "default", "success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasksCompleted.WithLabelValues("execute", "default", "failure", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pipelinesFinished.WithLabelValues("failed", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.circuitTransitions.WithLabelValues("anthropic", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.workerRespawns.WithLabelValues("heartbeat")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.taskDuration))
}

func TestConsumeStopsWhenChannelCloses(t *testing.T) {
	r := New()
	ch := make(chan events.Event, 2)
	ch <- events.PipelineStartedEvent{Pipeline: "a"}
	ch <- events.PipelineStartedEvent{Pipeline: "b"}
	close(ch)

	done := make(chan struct{})
	go func() {
		r.Consume(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return")
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(r.pipelinesStarted))
}

type fixedStats pool.Stats

func (f fixedStats) Stats() pool.Stats { return pool.Stats(f) }

func TestGaugeFuncs(t *testing.T) {
	r := New()
	r.WatchPool("default", fixedStats{Workers: 4, Busy: 3, Queued: 2, Capacity: 8})
	depth := 5
	r.WatchQueue("default", func() int { return depth })

	families, err := r.Registry().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if g := m.GetGauge(); g != nil {
				values[mf.GetName()] = g.GetValue()
			}
		}
	}
	assert.Equal(t, 4.0, values["agentcore_pool_workers"])
	assert.Equal(t, 3.0, values["agentcore_pool_busy_workers"])
	assert.Equal(t, 2.0, values["agentcore_pool_queued_tasks"])
	assert.Equal(t, 8.0, values["agentcore_pool_queue_capacity"])
	assert.Equal(t, 5.0, values["agentcore_scheduler_pending_tasks"])
}

func TestBreakerCollector(t *testing.T) {
	reg := resilience.NewBreakerRegistry(resilience.BreakerSettings{FailureThreshold: 1, Cooldown: time.Minute})
	r := New()
	r.WatchBreakers(reg)

	c := &breakerCollector{reg: reg}
	assert.Zero(t, testutil.CollectAndCount(c))

	_ = reg.Get("ollama").Execute(func() error { return errors.New("down") })
	reg.Get("gemini")

	assert.Equal(t, 4, testutil.CollectAndCount(c))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "agentcore_circuit_state"))

	families, err := r.Registry().Gather()
	require.NoError(t, err)
	states := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "agentcore_circuit_state" {
			continue
		}
		for _, m := range mf.GetMetric() {
			states[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(resilience.PhaseOpen), states["ollama"])
	assert.Equal(t, float64(resilience.PhaseClosed), states["gemini"])
}
