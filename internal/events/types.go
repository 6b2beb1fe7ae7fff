package events

import (
	"time"
)

// Kind is the fixed set of lifecycle event kinds.
type Kind string

const (
	KindPipelineStarted   Kind = "pipelineStarted"
	KindPhaseTransition   Kind = "phaseTransition"
	KindTaskDispatched    Kind = "taskDispatched"
	KindTaskCompleted     Kind = "taskCompleted"
	KindCircuitOpened     Kind = "circuitOpened"
	KindCircuitClosed     Kind = "circuitClosed"
	KindPipelineCompleted Kind = "pipelineCompleted"
	KindPipelineFailed    Kind = "pipelineFailed"
	KindWorkerRespawned   Kind = "workerRespawned"
)

// Topic constants
const (
	TopicPipeline = "pipeline"
	TopicTask     = "task"
	TopicCircuit  = "circuit"
	TopicWorker   = "worker"
)

// Topic returns the bus topic events of this kind are published on.
func (k Kind) Topic() string {
	switch k {
	case KindTaskDispatched, KindTaskCompleted:
		return TopicTask
	case KindCircuitOpened, KindCircuitClosed:
		return TopicCircuit
	case KindWorkerRespawned:
		return TopicWorker
	default:
		return TopicPipeline
	}
}

// Event is the base interface for all events.
type Event interface {
	EventKind() Kind
	PipelineID() string
	OccurredAt() time.Time
}

// PipelineStartedEvent is published when a pipeline leaves Idle.
type PipelineStartedEvent struct {
	Pipeline  string    `json:"pipelineId"`
	Goal      string    `json:"goal"`
	Timestamp time.Time `json:"timestamp"`
}

func (e PipelineStartedEvent) EventKind() Kind       { return KindPipelineStarted }
func (e PipelineStartedEvent) PipelineID() string    { return e.Pipeline }
func (e PipelineStartedEvent) OccurredAt() time.Time { return e.Timestamp }

// PhaseTransitionEvent is published on every pipeline state change.
type PhaseTransitionEvent struct {
	Pipeline  string    `json:"pipelineId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Revision  int       `json:"revision"`
	Timestamp time.Time `json:"timestamp"`
}

func (e PhaseTransitionEvent) EventKind() Kind       { return KindPhaseTransition }
func (e PhaseTransitionEvent) PipelineID() string    { return e.Pipeline }
func (e PhaseTransitionEvent) OccurredAt() time.Time { return e.Timestamp }

// TaskDispatchedEvent is published when the scheduler hands a task to a pool.
type TaskDispatchedEvent struct {
	Pipeline  string        `json:"pipelineId,omitempty"`
	Task      string        `json:"taskId"`
	TaskKind  string        `json:"taskKind"`
	Class     string        `json:"class"`
	Priority  int           `json:"priority"`
	Attempt   int           `json:"attempt"`
	Waited    time.Duration `json:"waited"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskDispatchedEvent) EventKind() Kind       { return KindTaskDispatched }
func (e TaskDispatchedEvent) PipelineID() string    { return e.Pipeline }
func (e TaskDispatchedEvent) OccurredAt() time.Time { return e.Timestamp }

// TaskCompletedEvent is published once per task result, success or not.
type TaskCompletedEvent struct {
	Pipeline  string        `json:"pipelineId,omitempty"`
	Task      string        `json:"taskId"`
	TaskKind  string        `json:"taskKind"`
	Class     string        `json:"class"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"errorKind,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventKind() Kind       { return KindTaskCompleted }
func (e TaskCompletedEvent) PipelineID() string    { return e.Pipeline }
func (e TaskCompletedEvent) OccurredAt() time.Time { return e.Timestamp }

// CircuitOpenedEvent is published when a dependency's breaker opens.
type CircuitOpenedEvent struct {
	Dependency string    `json:"dependencyId"`
	From       string    `json:"from"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e CircuitOpenedEvent) EventKind() Kind       { return KindCircuitOpened }
func (e CircuitOpenedEvent) PipelineID() string    { return "" }
func (e CircuitOpenedEvent) OccurredAt() time.Time { return e.Timestamp }

// CircuitClosedEvent is published when a dependency's breaker closes again.
type CircuitClosedEvent struct {
	Dependency string    `json:"dependencyId"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e CircuitClosedEvent) EventKind() Kind       { return KindCircuitClosed }
func (e CircuitClosedEvent) PipelineID() string    { return "" }
func (e CircuitClosedEvent) OccurredAt() time.Time { return e.Timestamp }

// PipelineCompletedEvent is published when a pipeline reaches Completed.
type PipelineCompletedEvent struct {
	Pipeline  string        `json:"pipelineId"`
	Revisions int           `json:"revisions"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e PipelineCompletedEvent) EventKind() Kind       { return KindPipelineCompleted }
func (e PipelineCompletedEvent) PipelineID() string    { return e.Pipeline }
func (e PipelineCompletedEvent) OccurredAt() time.Time { return e.Timestamp }

// PipelineFailedEvent is published when a pipeline reaches Failed.
type PipelineFailedEvent struct {
	Pipeline  string    `json:"pipelineId"`
	Phase     string    `json:"phase"`
	Error     string    `json:"error"`
	ErrorKind string    `json:"errorKind"`
	Timestamp time.Time `json:"timestamp"`
}

func (e PipelineFailedEvent) EventKind() Kind       { return KindPipelineFailed }
func (e PipelineFailedEvent) PipelineID() string    { return e.Pipeline }
func (e PipelineFailedEvent) OccurredAt() time.Time { return e.Timestamp }

// WorkerRespawnedEvent is published when the pool replaces a timed-out or
// crashed worker.
type WorkerRespawnedEvent struct {
	Worker      string    `json:"workerId"`
	Replacement string    `json:"replacementId"`
	Reason      string    `json:"reason"`
	Task        string    `json:"taskId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e WorkerRespawnedEvent) EventKind() Kind       { return KindWorkerRespawned }
func (e WorkerRespawnedEvent) PipelineID() string    { return "" }
func (e WorkerRespawnedEvent) OccurredAt() time.Time { return e.Timestamp }
