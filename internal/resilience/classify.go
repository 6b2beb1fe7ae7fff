package resilience

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
)

// Classifier maps raw errors to the failure taxonomy.
// Dependencies can register the kind used for failures that carry no
// stronger signal, e.g. an AI provider defaults to KindAIService.
type Classifier struct {
	mu       sync.RWMutex
	defaults map[string]Kind
}

// NewClassifier creates a classifier with no dependency defaults.
func NewClassifier() *Classifier {
	return &Classifier{defaults: make(map[string]Kind)}
}

// SetDependencyKind registers the fallback kind for a dependency.
func (c *Classifier) SetDependencyKind(dependency string, kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults[dependency] = kind
}

func (c *Classifier) dependencyKind(dependency string) Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if k, ok := c.defaults[dependency]; ok {
		return k
	}
	return KindWorker
}

// Kind returns the taxonomy kind for err raised by dependency.
func (c *Classifier) Kind(err error, dependency string) Kind {
	if err == nil {
		return KindUnknown
	}

	var agg *AggregateRetryError
	if errors.As(err, &agg) {
		return c.Kind(agg.Last(), dependency)
	}

	var typed *Error
	if errors.As(err, &typed) && typed.Kind != KindUnknown {
		return typed.Kind
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrQueueFull):
		return KindWorker
	case errors.Is(err, exec.ErrNotFound):
		return KindConfiguration
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	if k, ok := classifyMessage(err.Error()); ok {
		if k == kindDependency {
			return c.dependencyKind(dependency)
		}
		return k
	}

	return c.dependencyKind(dependency)
}

// kindDependency marks messages that point at the dependency itself
// (rate limits, 5xx) rather than the transport.
const kindDependency Kind = -1

// Message patterns, matched on whole words so that "took 1500ms" is not a
// 500 and "thereof" is not an EOF.
var messageKinds = []struct {
	kind    Kind
	pattern *regexp.Regexp
}{
	{KindTimeout, regexp.MustCompile(`\b(timeout|timed out|deadline exceeded)\b`)},
	{KindNetwork, regexp.MustCompile(`\b(connection refused|connection reset|no such host|network|broken pipe|eof)\b`)},
	{KindSecurity, regexp.MustCompile(`\b(unauthorized|forbidden|401|403|permission denied)\b`)},
	{kindDependency, regexp.MustCompile(`\b(rate[ _]limit(s|ed|_error)?|429|50[0234]|529|overloaded(_error)?|unavailable)\b`)},
	{KindValidation, regexp.MustCompile(`\b(invalid|malformed|400)\b`)},
}

func classifyMessage(msg string) (Kind, bool) {
	m := strings.ToLower(msg)
	for _, mk := range messageKinds {
		if mk.pattern.MatchString(m) {
			return mk.kind, true
		}
	}
	return KindUnknown, false
}

// Classify builds the ErrorContext for err. Attempt and MaxAttempts are
// left for the caller.
func (c *Classifier) Classify(err error, dependency string) ErrorContext {
	kind := c.Kind(err, dependency)

	var agg *AggregateRetryError
	exhausted := errors.As(err, &agg)

	dep := dependency
	var typed *Error
	if dep == "" && errors.As(err, &typed) {
		dep = typed.Dependency
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}

	return ErrorContext{
		Kind:            kind,
		DependencyID:    dep,
		Retryable:       kind.Retryable() && !exhausted,
		Exhausted:       exhausted,
		OriginalMessage: msg,
		Err:             err,
	}
}

// Tag returns err as an *Error carrying its classified kind.
// Errors already typed are returned unchanged.
func (c *Classifier) Tag(err error, dependency string) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Kind != KindUnknown {
		return err
	}
	return &Error{Kind: c.Kind(err, dependency), Dependency: dependency, Err: err}
}
