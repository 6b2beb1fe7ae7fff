// Package metrics exposes orchestrator activity as Prometheus metrics on a
// private registry.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aristath/agentcore/internal/events"
	"github.com/aristath/agentcore/internal/pool"
	"github.com/aristath/agentcore/internal/resilience"
)

const namespace = "agentcore"

// Recorder holds every collector.
type Recorder struct {
	registry *prometheus.Registry

	pipelinesStarted   prometheus.Counter
	pipelinesFinished  *prometheus.CounterVec
	phaseTransitions   *prometheus.CounterVec
	tasksDispatched    *prometheus.CounterVec
	tasksCompleted     *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	taskWait           *prometheus.HistogramVec
	circuitTransitions *prometheus.CounterVec
	workerRespawns     *prometheus.CounterVec
}

// New creates a recorder with its own registry, including the Go runtime
// and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		pipelinesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_started_total",
			Help:      "Pipelines that left Idle.",
		}),
		pipelinesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_finished_total",
			Help:      "Pipelines that reached a terminal state, by status and error kind.",
		}, []string{"status", "error_kind"}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Pipeline state transitions by target state.",
		}, []string{"to"}),
		tasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Tasks handed to a worker pool.",
		}, []string{"kind", "class"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Task results by outcome.",
		}, []string{"kind", "class", "status", "error_kind"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from submission to result.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"kind"}),
		taskWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_queue_wait_seconds",
			Help:      "Time a task spent in the scheduler queue.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"class"}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker openings and closings by dependency.",
		}, []string{"dependency", "to"}),
		workerRespawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_respawns_total",
			Help:      "Workers replaced after a timeout, panic or missed heartbeat.",
		}, []string{"reason"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.pipelinesStarted,
		r.pipelinesFinished,
		r.phaseTransitions,
		r.tasksDispatched,
		r.tasksCompleted,
		r.taskDuration,
		r.taskWait,
		r.circuitTransitions,
		r.workerRespawns,
	)
	return r
}

// Registry returns the registry to serve.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Observe records one event.
func (r *Recorder) Observe(e events.Event) {
	switch ev := e.(type) {
	case events.PipelineStartedEvent:
		r.pipelinesStarted.Inc()
	case events.PhaseTransitionEvent:
		r.phaseTransitions.WithLabelValues(ev.To).Inc()
	case events.PipelineCompletedEvent:
		r.pipelinesFinished.WithLabelValues("completed", "").Inc()
	case events.PipelineFailedEvent:
		r.pipelinesFinished.WithLabelValues("failed", ev.ErrorKind).Inc()
	case events.TaskDispatchedEvent:
		r.tasksDispatched.WithLabelValues(ev.TaskKind, ev.Class).Inc()
		r.taskWait.WithLabelValues(ev.Class).Observe(ev.Waited.Seconds())
	case events.TaskCompletedEvent:
		status := "success"
		if !ev.Success {
			status = "failure"
		}
		r.tasksCompleted.WithLabelValues(ev.TaskKind, ev.Class, status, ev.ErrorKind).Inc()
		r.taskDuration.WithLabelValues(ev.TaskKind).Observe(ev.Duration.Seconds())
	case events.CircuitOpenedEvent:
		r.circuitTransitions.WithLabelValues(ev.Dependency, "open").Inc()
	case events.CircuitClosedEvent:
		r.circuitTransitions.WithLabelValues(ev.Dependency, "closed").Inc()
	case events.WorkerRespawnedEvent:
		r.workerRespawns.WithLabelValues(ev.Reason).Inc()
	}
}

// Consume records events from ch until it closes or ctx is done.
func (r *Recorder) Consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Observe(e)
		}
	}
}

// StatsSource reports pool counters.
type StatsSource interface {
	Stats() pool.Stats
}

// WatchPool exports gauges for a worker pool serving class.
func (r *Recorder) WatchPool(class string, p StatsSource) {
	labels := prometheus.Labels{"class": class}
	gauge := func(name, help string, fn func(pool.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return fn(p.Stats()) })
	}
	r.registry.MustRegister(
		gauge("workers", "Live workers.", func(s pool.Stats) float64 { return float64(s.Workers) }),
		gauge("busy_workers", "Workers running a task.", func(s pool.Stats) float64 { return float64(s.Busy) }),
		gauge("queued_tasks", "Tasks waiting for a worker.", func(s pool.Stats) float64 { return float64(s.Queued) }),
		gauge("queue_capacity", "Maximum queued tasks.", func(s pool.Stats) float64 { return float64(s.Capacity) }),
	)
}

// WatchQueue exports the scheduler's pending depth for class.
func (r *Recorder) WatchQueue(class string, depth func() int) {
	r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "scheduler",
		Name:        "pending_tasks",
		Help:        "Tasks waiting for admission.",
		ConstLabels: prometheus.Labels{"class": class},
	}, func() float64 { return float64(depth()) }))
}

// WatchBreakers exports the state of every breaker in reg.
func (r *Recorder) WatchBreakers(reg *resilience.BreakerRegistry) {
	r.registry.MustRegister(&breakerCollector{reg: reg})
}

var (
	circuitStateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "circuit", "state"),
		"Breaker phase: 0 closed, 1 open, 2 half-open.",
		[]string{"dependency"}, nil)
	circuitFailuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "circuit", "consecutive_failures"),
		"Consecutive failures counted by the breaker.",
		[]string{"dependency"}, nil)
)

// breakerCollector reads breaker snapshots at scrape time, so breakers
// created after registration are included.
type breakerCollector struct {
	reg *resilience.BreakerRegistry
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- circuitStateDesc
	ch <- circuitFailuresDesc
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.reg.Snapshots() {
		ch <- prometheus.MustNewConstMetric(circuitStateDesc, prometheus.GaugeValue, float64(s.Phase), s.DependencyID)
		ch <- prometheus.MustNewConstMetric(circuitFailuresDesc, prometheus.GaugeValue, float64(s.ConsecutiveFailures), s.DependencyID)
	}
}
