package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindNetwork, true},
		{KindTimeout, true},
		{KindAIService, true},
		{KindBrowser, true},
		{KindWorker, true},
		{KindValidation, false},
		{KindConfiguration, false},
		{KindSecurity, false},
		{KindCircuitOpen, false},
		{KindCancelled, false},
		{KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Retryable())
		})
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := range kindNames {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	_, err := ParseKind("quantum")
	assert.Error(t, err)
}

func TestAggregateRetryErrorExposesEveryAttempt(t *testing.T) {
	first := errors.New("first")
	second := Wrap(KindNetwork, "llm", "", errors.New("second"))
	third := Wrap(KindTimeout, "llm", "", context.DeadlineExceeded)

	agg := &AggregateRetryError{Dependency: "llm", Attempts: []error{first, second, third}}

	assert.ErrorIs(t, agg, first)
	assert.ErrorIs(t, agg, context.DeadlineExceeded)
	assert.Equal(t, third, agg.Last())
	assert.Equal(t, KindTimeout, KindOf(agg))
	assert.Contains(t, agg.Error(), "after 3 attempts")
}

func TestCancelledErrorWrapsSentinel(t *testing.T) {
	err := CancelledError("browser", context.Canceled)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindCancelled, KindOf(err))
}

type tempNetErr struct{ timeout bool }

func (e tempNetErr) Error() string   { return "net op failed" }
func (e tempNetErr) Timeout() bool   { return e.timeout }
func (e tempNetErr) Temporary() bool { return false }

var _ net.Error = tempNetErr{}

func TestClassifierKind(t *testing.T) {
	c := NewClassifier()
	c.SetDependencyKind("llm", KindAIService)
	c.SetDependencyKind("browser", KindBrowser)

	tests := []struct {
		name string
		err  error
		dep  string
		want Kind
	}{
		{"typed wins", Wrap(KindSecurity, "llm", "", errors.New("timeout")), "llm", KindSecurity},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), "llm", KindCancelled},
		{"deadline", context.DeadlineExceeded, "llm", KindTimeout},
		{"circuit", CircuitOpenError("llm"), "llm", KindCircuitOpen},
		{"queue full", fmt.Errorf("submit: %w", ErrQueueFull), "", KindWorker},
		{"binary missing", &exec.Error{Name: "claude", Err: exec.ErrNotFound}, "llm", KindConfiguration},
		{"conn refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, "llm", KindNetwork},
		{"net timeout", tempNetErr{timeout: true}, "llm", KindTimeout},
		{"net other", tempNetErr{}, "llm", KindNetwork},
		{"rate limit uses dependency kind", errors.New("429 too many requests"), "llm", KindAIService},
		{"5xx from browser", errors.New("status 503"), "browser", KindBrowser},
		{"unauthorized", errors.New("401 unauthorized"), "llm", KindSecurity},
		{"invalid input", errors.New("invalid plan step"), "llm", KindValidation},
		{"anthropic overload", errors.New(`529 {"type":"overloaded_error"}`), "llm", KindAIService},
		{"rate limited", errors.New("rate limited, retry later"), "browser", KindBrowser},
		{"digits inside a number", errors.New("render took 1500ms"), "browser", KindBrowser},
		{"eof inside a word", errors.New("the output thereof was empty"), "llm", KindAIService},
		{"unexpected eof", errors.New("read body: unexpected EOF"), "llm", KindNetwork},
		{"status code 400", errors.New("http 400: bad request"), "llm", KindValidation},
		{"status code inside an id", errors.New("step s4001 rejected"), "llm", KindAIService},
		{"unknown falls back to dependency", errors.New("weird"), "browser", KindBrowser},
		{"unknown without dependency", errors.New("weird"), "", KindWorker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Kind(tt.err, tt.dep))
		})
	}
}

func TestClassifyAggregateIsTerminal(t *testing.T) {
	c := NewClassifier()
	agg := &AggregateRetryError{Attempts: []error{Wrap(KindNetwork, "llm", "", errors.New("down"))}}

	ec := c.Classify(agg, "llm")
	assert.Equal(t, KindNetwork, ec.Kind)
	assert.True(t, ec.Exhausted)
	assert.False(t, ec.Retryable)
	assert.Equal(t, "llm", ec.DependencyID)
	assert.NotEmpty(t, ec.OriginalMessage)
}

func TestClassifierTag(t *testing.T) {
	c := NewClassifier()
	c.SetDependencyKind("llm", KindAIService)

	assert.NoError(t, c.Tag(nil, "llm"))

	tagged := c.Tag(errors.New("boom"), "llm")
	var typed *Error
	require.ErrorAs(t, tagged, &typed)
	assert.Equal(t, KindAIService, typed.Kind)
	assert.Equal(t, "llm", typed.Dependency)

	already := Wrap(KindBrowser, "b", "", errors.New("x"))
	assert.Same(t, already, c.Tag(already, "llm"))
}
