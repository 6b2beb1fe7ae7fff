package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = Wrap(KindNetwork, "llm", "", errors.New("connection refused"))

func failing() error { return errDown }

func TestBreakerOpensAfterExactlyThreshold(t *testing.T) {
	r := NewBreakerRegistry(BreakerSettings{FailureThreshold: 3, Cooldown: time.Minute})
	b := r.Get("llm")

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(failing), errDown)
		assert.Equal(t, PhaseClosed, b.Phase(), "after %d failures", i+1)
	}

	require.ErrorIs(t, b.Execute(failing), errDown)
	assert.Equal(t, PhaseOpen, b.Phase())

	snap := b.Snapshot()
	assert.Equal(t, 3, snap.ConsecutiveFailures)
	assert.False(t, snap.OpenedAt.IsZero())
	assert.Equal(t, 3, snap.FailureThreshold)
	assert.Equal(t, time.Minute, snap.Cooldown)
}

func TestOpenBreakerShortCircuitsWithoutInvoking(t *testing.T) {
	r := NewBreakerRegistry(BreakerSettings{FailureThreshold: 1, Cooldown: time.Minute})
	b := r.Get("llm")
	_ = b.Execute(failing)

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, KindCircuitOpen, KindOf(err))
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	r := NewBreakerRegistry(BreakerSettings{FailureThreshold: 3, Cooldown: time.Minute})
	b := r.Get("llm")

	_ = b.Execute(failing)
	_ = b.Execute(failing)
	require.NoError(t, b.Execute(func() error { return nil }))
	_ = b.Execute(failing)
	_ = b.Execute(failing)

	assert.Equal(t, PhaseClosed, b.Phase())
	assert.Equal(t, 2, b.Snapshot().ConsecutiveFailures)
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	r := NewBreakerRegistry(BreakerSettings{FailureThreshold: 1, Cooldown: time.Minute})
	b := r.Get("llm")

	_ = b.Execute(func() error { return Wrap(KindValidation, "llm", "", errors.New("bad input")) })
	_ = b.Execute(func() error { return CancelledError("llm", nil) })

	assert.Equal(t, PhaseClosed, b.Phase())
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	r := NewBreakerRegistry(BreakerSettings{FailureThreshold: 1, Cooldown: 20 * time.Millisecond})
	b := r.Get("llm")
	_ = b.Execute(failing)
	require.Equal(t, PhaseOpen, b.Phase())

	time.Sleep(40 * time.Millisecond)
	require.Equal(t, PhaseHalfOpen, b.Phase())

	started := make(chan struct{})
	release := make(chan struct{})
	var trialErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		trialErr = b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// a concurrent call while the trial is in flight is rejected
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	wg.Wait()

	require.NoError(t, trialErr)
	assert.Equal(t, PhaseClosed, b.Phase())
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
	assert.True(t, b.Snapshot().OpenedAt.IsZero())
}

func TestHalfOpenFailureReopensAndRestartsCooldown(t *testing.T) {
	r := NewBreakerRegistry(BreakerSettings{FailureThreshold: 1, Cooldown: 20 * time.Millisecond})
	b := r.Get("llm")
	_ = b.Execute(failing)
	firstOpen := b.Snapshot().OpenedAt

	time.Sleep(40 * time.Millisecond)
	require.Equal(t, PhaseHalfOpen, b.Phase())

	require.ErrorIs(t, b.Execute(failing), errDown)
	assert.Equal(t, PhaseOpen, b.Phase())
	assert.True(t, b.Snapshot().OpenedAt.After(firstOpen))
}

func TestRegistrySharesBreakerPerDependency(t *testing.T) {
	r := NewBreakerRegistry(DefaultBreakerSettings())
	r.Configure("browser", BreakerSettings{FailureThreshold: 2, Cooldown: time.Second})

	assert.Same(t, r.Get("llm"), r.Get("llm"))
	assert.NotSame(t, r.Get("llm"), r.Get("browser"))
	assert.Equal(t, 2, r.Get("browser").Snapshot().FailureThreshold)

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "browser", snaps[0].DependencyID)
	assert.Equal(t, "llm", snaps[1].DependencyID)
}

func TestStateListenerSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []Phase
	r := NewBreakerRegistry(
		BreakerSettings{FailureThreshold: 1, Cooldown: 10 * time.Millisecond},
		WithStateListener(func(dep string, from, to Phase, at time.Time) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, to)
		}),
	)
	b := r.Get("llm")

	_ = b.Execute(failing)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Execute(func() error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{PhaseOpen, PhaseHalfOpen, PhaseClosed}, seen)
}

func TestSnapshotDoesNotAdvanceBreaker(t *testing.T) {
	var mu sync.Mutex
	var seen []Phase
	r := NewBreakerRegistry(
		BreakerSettings{FailureThreshold: 1, Cooldown: 10 * time.Millisecond},
		WithStateListener(func(dep string, from, to Phase, at time.Time) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, to)
		}),
	)
	b := r.Get("llm")

	_ = b.Execute(failing)
	time.Sleep(20 * time.Millisecond)

	snaps := r.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, PhaseHalfOpen, snaps[0].Phase)
	assert.Equal(t, PhaseHalfOpen, b.Phase())

	mu.Lock()
	assert.Equal(t, []Phase{PhaseOpen}, seen, "reading state must not publish transitions")
	mu.Unlock()
}
