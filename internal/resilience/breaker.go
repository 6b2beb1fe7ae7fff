package resilience

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Phase is a circuit breaker state.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseOpen
	PhaseHalfOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpen:
		return "open"
	case PhaseHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func phaseOf(s gobreaker.State) Phase {
	switch s {
	case gobreaker.StateOpen:
		return PhaseOpen
	case gobreaker.StateHalfOpen:
		return PhaseHalfOpen
	default:
		return PhaseClosed
	}
}

// BreakerSettings configures one dependency's breaker.
type BreakerSettings struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultBreakerSettings returns the default breaker configuration.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Validate checks the settings are usable.
func (s BreakerSettings) Validate() error {
	if s.FailureThreshold < 1 {
		return errors.New("failure threshold must be at least 1")
	}
	if s.Cooldown <= 0 {
		return errors.New("cooldown must be positive")
	}
	return nil
}

// CircuitBreakerState is a point-in-time view of one breaker.
type CircuitBreakerState struct {
	DependencyID        string        `json:"dependency_id"`
	Phase               Phase         `json:"phase"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitzero"`
	FailureThreshold    int           `json:"failure_threshold"`
	Cooldown            time.Duration `json:"cooldown"`
}

// StateListener observes breaker phase changes. It is invoked while the
// breaker is locked and must not call back into it.
type StateListener func(dependency string, from, to Phase, at time.Time)

// Breaker guards a single dependency. HalfOpen admits exactly one trial call.
type Breaker struct {
	dependency string
	settings   BreakerSettings
	cb         *gobreaker.CircuitBreaker

	// phase mirrors gobreaker's state as of its last transition, so reads
	// never drive the open to half-open step.
	mu          sync.Mutex
	phase       Phase
	consecutive int
	openedAt    time.Time
}

func newBreaker(dependency string, settings BreakerSettings, logger *slog.Logger, notify StateListener) *Breaker {
	b := &Breaker{dependency: dependency, settings: settings}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        dependency,
		MaxRequests: 1, // single trial in half-open
		Interval:    0, // counts are only cleared by state changes
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(settings.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			now := time.Now()
			b.mu.Lock()
			b.phase = phaseOf(to)
			if to == gobreaker.StateOpen {
				b.openedAt = now
			} else if to == gobreaker.StateClosed {
				b.openedAt = time.Time{}
			}
			b.mu.Unlock()

			logger.Info("circuit breaker state change", "dependency", name, "from", phaseOf(from).String(), "to", phaseOf(to).String())
			if notify != nil {
				notify(name, phaseOf(from), phaseOf(to), now)
			}
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
	})

	return b
}

// countsAsFailure reports whether err reflects the dependency's health.
// Cancellation and caller mistakes do not trip the breaker.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindCancelled, KindValidation, KindConfiguration, KindSecurity, KindCircuitOpen:
		return false
	}
	return true
}

// Dependency returns the guarded dependency's ID.
func (b *Breaker) Dependency() string { return b.dependency }

// Phase returns the current phase. An open breaker whose cooldown has
// elapsed reports HalfOpen. Reading the phase never changes it.
func (b *Breaker) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phaseLocked(time.Now())
}

func (b *Breaker) phaseLocked(now time.Time) Phase {
	if b.phase == PhaseOpen && !now.Before(b.openedAt.Add(b.settings.Cooldown)) {
		return PhaseHalfOpen
	}
	return b.phase
}

// Allow reports whether a call would currently be let through.
func (b *Breaker) Allow() bool { return b.Phase() != PhaseOpen }

// Execute runs fn through the breaker. A rejected call returns a
// CircuitOpenError without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return CircuitOpenError(b.dependency)
	}

	b.mu.Lock()
	// mirrors gobreaker: anything not counted as a failure is a success
	if countsAsFailure(err) {
		b.consecutive++
	} else {
		b.consecutive = 0
	}
	b.mu.Unlock()

	return err
}

// Snapshot returns the breaker's current state.
func (b *Breaker) Snapshot() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return CircuitBreakerState{
		DependencyID:        b.dependency,
		Phase:               b.phaseLocked(time.Now()),
		ConsecutiveFailures: b.consecutive,
		OpenedAt:            b.openedAt,
		FailureThreshold:    b.settings.FailureThreshold,
		Cooldown:            b.settings.Cooldown,
	}
}

// BreakerRegistry holds one shared breaker per dependency.
type BreakerRegistry struct {
	mu        sync.Mutex
	defaults  BreakerSettings
	overrides map[string]BreakerSettings
	breakers  map[string]*Breaker
	listeners []StateListener
	logger    *slog.Logger
}

// RegistryOption configures a BreakerRegistry.
type RegistryOption func(*BreakerRegistry)

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *BreakerRegistry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithStateListener registers a listener for every breaker's phase changes.
func WithStateListener(fn StateListener) RegistryOption {
	return func(r *BreakerRegistry) {
		if fn != nil {
			r.listeners = append(r.listeners, fn)
		}
	}
}

// NewBreakerRegistry creates a registry using defaults for dependencies
// without an override.
func NewBreakerRegistry(defaults BreakerSettings, opts ...RegistryOption) *BreakerRegistry {
	r := &BreakerRegistry{
		defaults:  defaults,
		overrides: make(map[string]BreakerSettings),
		breakers:  make(map[string]*Breaker),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "breaker")
	return r
}

// Configure sets per-dependency settings. It only affects breakers created
// after the call.
func (r *BreakerRegistry) Configure(dependency string, s BreakerSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[dependency] = s
}

// Get returns the breaker for dependency, creating it on first use.
func (r *BreakerRegistry) Get(dependency string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[dependency]; ok {
		return b
	}

	settings := r.defaults
	if s, ok := r.overrides[dependency]; ok {
		settings = s
	}

	listeners := append([]StateListener(nil), r.listeners...)
	b := newBreaker(dependency, settings, r.logger, func(dep string, from, to Phase, at time.Time) {
		for _, fn := range listeners {
			fn(dep, from, to, at)
		}
	})
	r.breakers[dependency] = b
	return b
}

// Snapshots returns the state of every known breaker, sorted by dependency.
func (r *BreakerRegistry) Snapshots() []CircuitBreakerState {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	states := make([]CircuitBreakerState, 0, len(breakers))
	for _, b := range breakers {
		states = append(states, b.Snapshot())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].DependencyID < states[j].DependencyID
	})
	return states
}
