package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Action is what a caller should do with a classified failure.
type Action int

const (
	// ActionRetry means schedule another attempt after Decision.Delay.
	ActionRetry Action = iota
	// ActionShortCircuit means the dependency's breaker is open.
	ActionShortCircuit
	// ActionEscalate means the failure is not retryable.
	ActionEscalate
	// ActionExhausted means the attempt budget is spent.
	ActionExhausted
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionShortCircuit:
		return "short-circuit"
	case ActionEscalate:
		return "escalate"
	case ActionExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Decision is the result of Handler.Handle.
type Decision struct {
	Action Action
	Delay  time.Duration
	Err    error
}

// HandlerConfig configures retry and call timeouts.
type HandlerConfig struct {
	Retry        RetryOptions
	RetryByKind  map[Kind]RetryOptions
	CallTimeout  time.Duration            // per dependency call; zero disables
	CallTimeouts map[string]time.Duration // per dependency override
}

// DefaultHandlerConfig returns the default handler configuration.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Retry:       DefaultRetryOptions(),
		CallTimeout: 60 * time.Second,
	}
}

// Handler classifies failures and decides whether to retry them, consulting
// the dependency's circuit breaker before anything else.
type Handler struct {
	classifier   *Classifier
	breakers     *BreakerRegistry
	policy       *Policy
	byKind       map[Kind]*Policy
	callTimeout  time.Duration
	callTimeouts map[string]time.Duration
	logger       *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler creates a handler. A nil classifier or registry gets a default one.
func NewHandler(cfg HandlerConfig, breakers *BreakerRegistry, classifier *Classifier, opts ...HandlerOption) (*Handler, error) {
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry options: %w", err)
	}
	byKind := make(map[Kind]*Policy, len(cfg.RetryByKind))
	for kind, ro := range cfg.RetryByKind {
		if err := ro.Validate(); err != nil {
			return nil, fmt.Errorf("invalid retry options for %s: %w", kind, err)
		}
		byKind[kind] = NewPolicy(ro)
	}
	if cfg.CallTimeout < 0 {
		return nil, errors.New("call timeout must not be negative")
	}
	if classifier == nil {
		classifier = NewClassifier()
	}
	if breakers == nil {
		breakers = NewBreakerRegistry(DefaultBreakerSettings())
	}

	h := &Handler{
		classifier:   classifier,
		breakers:     breakers,
		policy:       NewPolicy(cfg.Retry),
		byKind:       byKind,
		callTimeout:  cfg.CallTimeout,
		callTimeouts: cfg.CallTimeouts,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "error-handler")
	return h, nil
}

// Breakers returns the handler's breaker registry.
func (h *Handler) Breakers() *BreakerRegistry { return h.breakers }

// Classifier returns the handler's classifier.
func (h *Handler) Classifier() *Classifier { return h.classifier }

// PolicyFor returns the retry policy for failures of kind.
func (h *Handler) PolicyFor(kind Kind) *Policy {
	if p, ok := h.byKind[kind]; ok {
		return p
	}
	return h.policy
}

// Classify maps err to an ErrorContext with the kind's attempt budget.
func (h *Handler) Classify(err error, dependency string) ErrorContext {
	ec := h.classifier.Classify(err, dependency)
	ec.MaxAttempts = h.PolicyFor(ec.Kind).MaxAttempts()
	return ec
}

// Handle decides what to do after attempt ec.Attempt failed. The breaker is
// checked first; an open breaker short-circuits without consuming an attempt.
func (h *Handler) Handle(ec ErrorContext) Decision {
	if ec.DependencyID != "" && !h.breakers.Get(ec.DependencyID).Allow() {
		return Decision{Action: ActionShortCircuit, Err: CircuitOpenError(ec.DependencyID)}
	}
	if ec.Kind == KindCircuitOpen {
		return Decision{Action: ActionShortCircuit, Err: ec.Err}
	}
	if ec.Exhausted {
		return Decision{Action: ActionExhausted, Err: ec.Err}
	}
	if !ec.Retryable {
		return Decision{Action: ActionEscalate, Err: ec.Err}
	}

	policy := h.PolicyFor(ec.Kind)
	maxAttempts := ec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = policy.MaxAttempts()
	}
	if ec.Attempt+1 >= maxAttempts {
		return Decision{Action: ActionExhausted, Err: ec.Err}
	}
	return Decision{Action: ActionRetry, Delay: policy.Delay(ec.Attempt), Err: ec.Err}
}

func (h *Handler) callContext(ctx context.Context, dependency string) (context.Context, context.CancelFunc) {
	timeout := h.callTimeout
	if d, ok := h.callTimeouts[dependency]; ok {
		timeout = d
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// decisionBackOff feeds Handler decisions into backoff.RetryNotify.
type decisionBackOff struct {
	h    *Handler
	last **ErrorContext
	dec  *Decision
}

func (b *decisionBackOff) NextBackOff() time.Duration {
	if *b.last == nil {
		return backoff.Stop
	}
	*b.dec = b.h.Handle(**b.last)
	if b.dec.Action != ActionRetry {
		return backoff.Stop
	}
	return b.dec.Delay
}

func (b *decisionBackOff) Reset() {}

// Do calls op against dependency through its circuit breaker, bounding each
// attempt by the dependency's call timeout and retrying retryable failures.
// An open breaker fails fast with a CircuitOpenError. A spent budget
// returns an *AggregateRetryError holding every attempt's error.
func Do[T any](ctx context.Context, h *Handler, dependency string, op func(context.Context) (T, error)) (T, error) {
	var (
		result   T
		attempt  int
		attempts []error
		last     *ErrorContext
		decision Decision
	)
	breaker := h.breakers.Get(dependency)

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(CancelledError(dependency, err))
		}

		callCtx, cancel := h.callContext(ctx, dependency)
		defer cancel()

		err := breaker.Execute(func() error {
			out, opErr := op(callCtx)
			if opErr != nil {
				if ctx.Err() != nil {
					return CancelledError(dependency, opErr)
				}
				if errors.Is(opErr, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
					return Wrap(KindTimeout, dependency, "call", opErr)
				}
				return h.classifier.Tag(opErr, dependency)
			}
			result = out
			return nil
		})
		if err == nil {
			return nil
		}

		ec := h.Classify(err, dependency)
		if ec.Kind == KindCircuitOpen || ec.Kind == KindCancelled {
			// neither consumes an attempt
			decision = Decision{Action: ActionShortCircuit, Err: err}
			if ec.Kind == KindCancelled {
				decision.Action = ActionEscalate
			}
			return backoff.Permanent(err)
		}

		ec.Attempt = attempt
		attempt++
		attempts = append(attempts, err)
		last = &ec
		return err
	}

	notify := func(err error, next time.Duration) {
		h.logger.Warn("retrying dependency call",
			"dependency", dependency,
			"attempt", attempt,
			"delay", next,
			"error", err)
	}

	b := &decisionBackOff{h: h, last: &last, dec: &decision}
	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if err == nil {
		return result, nil
	}

	var zero T
	if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		return zero, CancelledError(dependency, ctx.Err())
	}

	switch decision.Action {
	case ActionExhausted:
		return zero, &AggregateRetryError{Dependency: dependency, Attempts: attempts}
	case ActionShortCircuit:
		return zero, decision.Err
	default:
		return zero, err
	}
}
