package resilience

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultRetryOptions().Validate())

	bad := []RetryOptions{
		{MaxAttempts: 0, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second},
		{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 0.5, MaxDelay: time.Second},
		{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Millisecond},
		{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second, JitterRatio: 1},
	}
	for _, o := range bad {
		assert.Error(t, o.Validate(), "%+v", o)
	}
}

func TestPolicyBaseDelay(t *testing.T) {
	p := NewPolicy(RetryOptions{
		MaxAttempts: 10,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    time.Second,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for n, w := range want {
		assert.Equal(t, w, p.BaseDelayFor(n), "attempt %d", n)
		assert.Equal(t, w, p.Delay(n), "no jitter configured, attempt %d", n)
	}
}

func TestPolicyDelayStaysWithinJitterBound(t *testing.T) {
	opts := RetryOptions{
		MaxAttempts: 6,
		BaseDelay:   50 * time.Millisecond,
		Multiplier:  3,
		MaxDelay:    2 * time.Second,
		JitterRatio: 0.25,
	}
	p := NewPolicy(opts)

	for n := 0; n < opts.MaxAttempts; n++ {
		base := float64(p.BaseDelayFor(n))
		lo := time.Duration(base * (1 - opts.JitterRatio))
		hi := time.Duration(base * (1 + opts.JitterRatio))
		for i := 0; i < 200; i++ {
			d := p.Delay(n)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", n)
			assert.LessOrEqual(t, d, hi, "attempt %d", n)
		}
	}
}

func TestPolicyMatchesExponentialBackOff(t *testing.T) {
	opts := RetryOptions{MaxAttempts: 8, BaseDelay: 30 * time.Millisecond, Multiplier: 1.5, MaxDelay: 400 * time.Millisecond}
	p := NewPolicy(opts)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BaseDelay
	b.Multiplier = opts.Multiplier
	b.MaxInterval = opts.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	for n := 0; n < opts.MaxAttempts; n++ {
		assert.Equal(t, b.NextBackOff(), p.Delay(n), "attempt %d", n)
	}
}

func TestPolicyNegativeAttemptUsesBaseDelay(t *testing.T) {
	p := NewPolicy(RetryOptions{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second})
	assert.Equal(t, 10*time.Millisecond, p.Delay(-1))
}
