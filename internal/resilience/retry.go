package resilience

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions configures exponential backoff for one class of operation.
type RetryOptions struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the first retry
	Multiplier  float64
	MaxDelay    time.Duration
	JitterRatio float64 // delay is scaled by a uniform factor in [1-JitterRatio, 1+JitterRatio]
}

// DefaultRetryOptions returns the default retry configuration.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Second,
		JitterRatio: 0.2,
	}
}

// Validate checks the options are usable.
func (o RetryOptions) Validate() error {
	var errs []error
	if o.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if o.BaseDelay < 0 {
		errs = append(errs, errors.New("base delay must not be negative"))
	}
	if o.Multiplier < 1 {
		errs = append(errs, errors.New("multiplier must be at least 1"))
	}
	if o.MaxDelay < o.BaseDelay {
		errs = append(errs, errors.New("max delay must not be below base delay"))
	}
	if o.JitterRatio < 0 || o.JitterRatio >= 1 {
		errs = append(errs, errors.New("jitter ratio must be in [0, 1)"))
	}
	return errors.Join(errs...)
}

// Policy computes backoff delays from immutable RetryOptions. Delays come
// from backoff.ExponentialBackOff: min(MaxDelay, BaseDelay*Multiplier^n),
// randomized by JitterRatio.
type Policy struct {
	opts RetryOptions
}

// NewPolicy creates a policy for opts.
func NewPolicy(opts RetryOptions) *Policy {
	return &Policy{opts: opts}
}

// Options returns the policy's configuration.
func (p *Policy) Options() RetryOptions { return p.opts }

// MaxAttempts returns the total attempt budget.
func (p *Policy) MaxAttempts() int { return p.opts.MaxAttempts }

func (p *Policy) exponential(jitter float64) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.opts.BaseDelay,
		RandomizationFactor: jitter,
		Multiplier:          p.opts.Multiplier,
		MaxInterval:         p.opts.MaxDelay,
		MaxElapsedTime:      0, // attempts bound retries, not wall time
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// nth returns the delay b yields for the 0-indexed attempt n.
func nth(b backoff.BackOff, n int) time.Duration {
	for i := 0; i < n; i++ {
		b.NextBackOff()
	}
	return b.NextBackOff()
}

// BaseDelayFor returns min(MaxDelay, BaseDelay*Multiplier^n) for the
// 0-indexed attempt n, before jitter.
func (p *Policy) BaseDelayFor(n int) time.Duration {
	return nth(p.exponential(0), max(n, 0))
}

// Delay returns the jittered delay before retrying after attempt n fails.
func (p *Policy) Delay(n int) time.Duration {
	return nth(p.exponential(p.opts.JitterRatio), max(n, 0))
}
