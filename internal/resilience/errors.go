// Package resilience isolates callers from unreliable dependencies: it
// classifies failures into a fixed taxonomy, keeps one circuit breaker per
// dependency and retries retryable failures with exponential backoff.
package resilience

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the failure taxonomy every error is mapped into.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindValidation
	KindConfiguration
	KindAIService
	KindBrowser
	KindSecurity
	KindWorker
	KindCircuitOpen
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindNetwork:       "network",
	KindTimeout:       "timeout",
	KindValidation:    "validation",
	KindConfiguration: "configuration",
	KindAIService:     "ai_service",
	KindBrowser:       "browser",
	KindSecurity:      "security",
	KindWorker:        "worker",
	KindCircuitOpen:   "circuit_open",
	KindCancelled:     "cancelled",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether failures of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindAIService, KindBrowser, KindWorker:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind parses a kind name as produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == norm {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown error kind %q", s)
}

var (
	// ErrCircuitOpen is wrapped by every error produced by a short-circuited call.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrQueueFull is wrapped by submissions rejected for backpressure.
	ErrQueueFull = errors.New("queue full")
	// ErrCancelled is wrapped by results of cancelled tasks.
	ErrCancelled = errors.New("cancelled")
)

// Error is a failure tagged with its taxonomy kind and, when known, the
// dependency that produced it.
type Error struct {
	Kind       Kind
	Dependency string
	Op         string
	Err        error
}

// NewError creates a typed error from a message.
func NewError(kind Kind, dependency, msg string) *Error {
	return &Error{Kind: kind, Dependency: dependency, Err: errors.New(msg)}
}

// Wrap tags err with a kind. A nil err yields nil.
func Wrap(kind Kind, dependency, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Dependency: dependency, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Dependency != "" {
		b.WriteString(" [")
		b.WriteString(e.Dependency)
		b.WriteString("]")
	}
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error's kind may be retried.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// CircuitOpenError is returned for calls rejected by an open breaker.
func CircuitOpenError(dependency string) *Error {
	return &Error{Kind: KindCircuitOpen, Dependency: dependency, Err: ErrCircuitOpen}
}

// CancelledError tags a cancellation cause.
func CancelledError(dependency string, cause error) *Error {
	if cause == nil {
		cause = ErrCancelled
	} else if !errors.Is(cause, ErrCancelled) {
		cause = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return &Error{Kind: KindCancelled, Dependency: dependency, Err: cause}
}

// KindOf returns the kind carried by err, or KindUnknown.
// For an AggregateRetryError it is the kind of the final attempt.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var agg *AggregateRetryError
	if errors.As(err, &agg) {
		return KindOf(agg.Last())
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AggregateRetryError is returned once every attempt of a retried operation
// has failed. Attempts holds each attempt's error in order.
type AggregateRetryError struct {
	Dependency string
	Attempts   []error
}

func (e *AggregateRetryError) Error() string {
	last := e.Last()
	if e.Dependency != "" {
		return fmt.Sprintf("retries exhausted for %s after %d attempts: %v", e.Dependency, len(e.Attempts), last)
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %v", len(e.Attempts), last)
}

// Unwrap exposes every attempt error to errors.Is and errors.As.
func (e *AggregateRetryError) Unwrap() []error { return e.Attempts }

// Last returns the final attempt's error.
func (e *AggregateRetryError) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

// ErrorContext is the classified view of one failure, consumed by Handler.Handle.
type ErrorContext struct {
	Kind            Kind
	DependencyID    string
	Retryable       bool
	Exhausted       bool // err already is an AggregateRetryError
	Attempt         int  // 0-indexed attempt that failed
	MaxAttempts     int
	OriginalMessage string
	Err             error
}
