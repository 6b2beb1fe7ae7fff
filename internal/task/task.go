// Package task holds the unit of work that flows from the orchestrator through
// the scheduler into the worker pool, and the result that flows back.
package task

import (
	"time"

	"github.com/google/uuid"
)

// DefaultClass is the resource class used when a task does not name one.
const DefaultClass = "default"

// Task is a unit of work submitted for execution.
// Payload is treated as immutable once submitted. Attempt is only changed by
// the submitter when it resubmits a failed task.
type Task struct {
	ID          string
	PipelineID  string
	AgentID     string
	Kind        string // handler dispatch tag, e.g. "plan", "execute", "critique"
	Class       string // resource class; selects the scheduler queue and pool
	Payload     any
	Priority    int       // larger runs first
	Deadline    time.Time // zero means no deadline
	Attempt     int
	MaxAttempts int
	CreatedAt   time.Time
}

// New creates a task with a fresh ID and the default class.
func New(kind string, payload any) Task {
	return Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Class:       DefaultClass,
		Payload:     payload,
		MaxAttempts: 1,
		CreatedAt:   time.Now(),
	}
}

// HasDeadline reports whether the task carries a deadline.
func (t Task) HasDeadline() bool {
	return !t.Deadline.IsZero()
}

// DeadlineLapsed reports whether the deadline has passed at now.
func (t Task) DeadlineLapsed(now time.Time) bool {
	return t.HasDeadline() && !now.Before(t.Deadline)
}

// ClassOrDefault returns the task's resource class.
func (t Task) ClassOrDefault() string {
	if t.Class == "" {
		return DefaultClass
	}
	return t.Class
}

// Result is the single outcome of a Task.
type Result struct {
	TaskID   string
	Success  bool
	Output   any
	Err      error
	Duration time.Duration
	WorkerID string
}

// DurationMs returns the execution duration in milliseconds.
func (r Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// Succeeded builds a successful result for t.
func Succeeded(t Task, output any, d time.Duration) Result {
	return Result{TaskID: t.ID, Success: true, Output: output, Duration: d}
}

// Failed builds a failed result for t.
func Failed(t Task, err error, d time.Duration) Result {
	return Result{TaskID: t.ID, Success: false, Err: err, Duration: d}
}
