package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcore/internal/events"
	"github.com/aristath/agentcore/internal/resilience"
	"github.com/aristath/agentcore/internal/task"
)

func testConfig() Config {
	return Config{
		MaxWorkers:        2,
		MaxQueueDepth:     4,
		DefaultTimeout:    5 * time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  5 * time.Second,
	}
}

func newPool(t *testing.T, cfg Config, h Handler, opts ...Option) *Pool {
	t.Helper()
	p, err := New(cfg, h, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func waitResult(t *testing.T, ch <-chan task.Result) task.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task result")
		return task.Result{}
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := testConfig()
	cfg.MaxWorkers = 0
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.HeartbeatTimeout = cfg.HeartbeatInterval / 2
	assert.Error(t, cfg.Validate())

	_, err := New(testConfig(), nil)
	assert.Error(t, err)
}

func TestExecuteSuccess(t *testing.T) {
	p := newPool(t, testConfig(), func(ctx context.Context, tk task.Task) (any, error) {
		return fmt.Sprintf("done:%v", tk.Payload), nil
	})

	r := p.Execute(context.Background(), task.New("execute", 7))

	require.True(t, r.Success, "error: %v", r.Err)
	assert.Equal(t, "done:7", r.Output)
	assert.NotEmpty(t, r.WorkerID)
	assert.Equal(t, uint64(1), p.Stats().Completed)
}

func TestHandlerErrorIsReturnedAsFailure(t *testing.T) {
	boom := errors.New("boom")
	p := newPool(t, testConfig(), func(ctx context.Context, tk task.Task) (any, error) {
		return nil, boom
	})

	r := p.Execute(context.Background(), task.New("execute", nil))

	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Err, boom)
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestConcurrencyBoundedUnderBurst(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 3
	cfg.MaxQueueDepth = 6

	var running, peak atomic.Int32
	release := make(chan struct{})
	p := newPool(t, cfg, func(ctx context.Context, tk task.Task) (any, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		return nil, nil
	})

	var accepted []<-chan task.Result
	rejected := 0
	for i := 0; i < 10*cfg.MaxWorkers; i++ {
		ch, err := p.Submit(context.Background(), task.New("execute", i))
		if err != nil {
			rejected++
			assert.ErrorIs(t, err, resilience.ErrQueueFull)
			assert.Equal(t, resilience.KindWorker, resilience.KindOf(err))
			continue
		}
		accepted = append(accepted, ch)
	}

	assert.Greater(t, rejected, 0, "a 10x burst must hit backpressure")
	assert.LessOrEqual(t, len(accepted), cfg.MaxWorkers+cfg.MaxQueueDepth)
	assert.True(t, p.Saturated())

	close(release)
	for _, ch := range accepted {
		r := waitResult(t, ch)
		assert.True(t, r.Success)
	}

	assert.LessOrEqual(t, peak.Load(), int32(cfg.MaxWorkers))
	assert.Equal(t, uint64(rejected), p.Stats().Rejected)
}

func TestTimeoutRespawnsWorker(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	cfg.DefaultTimeout = 50 * time.Millisecond

	hang := make(chan struct{})
	defer close(hang)

	p := newPool(t, cfg, func(ctx context.Context, tk task.Task) (any, error) {
		if tk.Kind == "hang" {
			<-hang // ignores cancellation
		}
		return "ok", nil
	})
	before := p.Workers()[0].ID

	start := time.Now()
	r := p.Execute(context.Background(), task.New("hang", nil))

	assert.False(t, r.Success)
	assert.Equal(t, resilience.KindTimeout, resilience.KindOf(r.Err))
	assert.GreaterOrEqual(t, time.Since(start), cfg.DefaultTimeout)
	assert.Equal(t, uint64(1), p.Stats().Respawns)

	workers := p.Workers()
	require.Len(t, workers, 1)
	assert.NotEqual(t, before, workers[0].ID)

	// the replacement serves new work while the hung handler is still blocked
	next := p.Execute(context.Background(), task.New("quick", nil))
	assert.True(t, next.Success)
}

func TestTimedOutDurationCountsFromStart(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	cfg.DefaultTimeout = 100 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond

	hang := make(chan struct{})
	defer close(hang)

	p := newPool(t, cfg, func(ctx context.Context, tk task.Task) (any, error) {
		// beat for most of the budget, then stop responding
		for i := 0; i < 8; i++ {
			time.Sleep(10 * time.Millisecond)
			Heartbeat(ctx)
		}
		<-hang
		return nil, nil
	})

	r := p.Execute(context.Background(), task.New("execute", nil))

	assert.Equal(t, resilience.KindTimeout, resilience.KindOf(r.Err))
	assert.GreaterOrEqual(t, r.Duration, cfg.DefaultTimeout)
}

func TestZeroDepthQueueIsFullOnlyWhenAllBusy(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 2
	cfg.MaxQueueDepth = 0

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	p := newPool(t, cfg, func(ctx context.Context, tk task.Task) (any, error) {
		started <- struct{}{}
		<-release
		return "ok", nil
	})

	assert.False(t, p.Full(), "idle pool without a queue reported full")
	assert.False(t, p.Saturated())

	var results []<-chan task.Result
	for i := 0; i < cfg.MaxWorkers; i++ {
		var ch <-chan task.Result
		require.Eventually(t, func() bool {
			var err error
			ch, err = p.Submit(context.Background(), task.New("execute", nil))
			return err == nil
		}, time.Second, 5*time.Millisecond)
		results = append(results, ch)
		<-started
	}

	assert.True(t, p.Full())
	close(release)
	for _, ch := range results {
		assert.True(t, waitResult(t, ch).Success)
	}
}

func TestTaskDeadlineOverridesDefaultTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultTimeout = time.Minute

	p := newPool(t, cfg, func(ctx context.Context, tk task.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	tk := task.New("execute", nil)
	tk.Deadline = time.Now().Add(40 * time.Millisecond)
	r := p.Execute(context.Background(), tk)

	assert.Equal(t, resilience.KindTimeout, resilience.KindOf(r.Err))
}

func TestLapsedDeadlineNeverRuns(t *testing.T) {
	var calls atomic.Int32
	p := newPool(t, testConfig(), func(ctx context.Context, tk task.Task) (any, error) {
		calls.Add(1)
		return nil, nil
	})

	tk := task.New("execute", nil)
	tk.Deadline = time.Now().Add(-time.Second)
	r := p.Execute(context.Background(), tk)

	assert.Equal(t, resilience.KindTimeout, resilience.KindOf(r.Err))
	assert.Equal(t, int32(0), calls.Load())
}

func TestSilentWorkerDeclaredCrashed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 60 * time.Millisecond

	bus := events.NewEventBus()
	defer bus.Close()
	respawns := bus.Subscribe(events.TopicWorker, 4)

	hang := make(chan struct{})
	defer close(hang)

	p := newPool(t, cfg, func(ctx context.Context, tk task.Task) (any, error) {
		<-hang
		return nil, nil
	}, WithPublisher(bus))

	start := time.Now()
	r := p.Execute(context.Background(), task.New("execute", nil))
	elapsed := time.Since(start)

	assert.False(t, r.Success)
	assert.Equal(t, resilience.KindWorker, resilience.KindOf(r.Err))
	assert.GreaterOrEqual(t, elapsed, cfg.HeartbeatTimeout)
	// detection happens on the next monitor tick after the timeout
	assert.Less(t, elapsed, cfg.HeartbeatTimeout+cfg.HeartbeatInterval+200*time.Millisecond)

	select {
	case e := <-respawns:
		ev, ok := e.(events.WorkerRespawnedEvent)
		require.True(t, ok)
		assert.Equal(t, "heartbeat", ev.Reason)
		assert.Equal(t, r.TaskID, ev.Task)
	case <-time.After(time.Second):
		t.Fatal("expected a workerRespawned event")
	}
}

func TestHeartbeatKeepsLongTaskAlive(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 50 * time.Millisecond

	p := newPool(t, cfg, func(ctx context.Context, tk task.Task) (any, error) {
		for i := 0; i < 15; i++ {
			time.Sleep(10 * time.Millisecond)
			if !Heartbeat(ctx) {
				return nil, errors.New("not a pool context")
			}
		}
		return "survived", nil
	})

	r := p.Execute(context.Background(), task.New("execute", nil))
	require.True(t, r.Success, "error: %v", r.Err)
	assert.Equal(t, uint64(0), p.Stats().Respawns)
}

func TestPanicIsIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1

	p := newPool(t, cfg, func(ctx context.Context, tk task.Task) (any, error) {
		if tk.Kind == "panic" {
			panic("handler bug")
		}
		return "ok", nil
	})

	r := p.Execute(context.Background(), task.New("panic", nil))
	assert.False(t, r.Success)
	assert.Equal(t, resilience.KindWorker, resilience.KindOf(r.Err))
	assert.Contains(t, r.Err.Error(), "handler bug")

	assert.True(t, p.Execute(context.Background(), task.New("ok", nil)).Success)
	assert.Equal(t, uint64(1), p.Stats().Respawns)
}

func TestCallerCancellationReusesWorker(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1

	started := make(chan struct{}, 1)
	p := newPool(t, cfg, func(ctx context.Context, tk task.Task) (any, error) {
		if tk.Kind == "slow" {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "ok", nil
	})
	worker := p.Workers()[0].ID

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Submit(ctx, task.New("slow", nil))
	require.NoError(t, err)
	<-started
	cancel()

	r := waitResult(t, ch)
	assert.False(t, r.Success)
	assert.Equal(t, resilience.KindCancelled, resilience.KindOf(r.Err))

	next := p.Execute(context.Background(), task.New("fast", nil))
	require.True(t, next.Success)
	assert.Equal(t, worker, next.WorkerID)
	assert.Equal(t, uint64(0), p.Stats().Respawns)
}

func TestCancelQueuedTask(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1

	release := make(chan struct{})
	var ran sync.Map
	p := newPool(t, cfg, func(ctx context.Context, tk task.Task) (any, error) {
		ran.Store(tk.ID, true)
		<-release
		return nil, nil
	})

	first, err := p.Submit(context.Background(), task.New("execute", nil))
	require.NoError(t, err)
	queued := task.New("execute", nil)
	second, err := p.Submit(context.Background(), queued)
	require.NoError(t, err)

	assert.True(t, p.Cancel(queued.ID))
	r := waitResult(t, second)
	assert.Equal(t, resilience.KindCancelled, resilience.KindOf(r.Err))

	close(release)
	assert.True(t, waitResult(t, first).Success)

	_, didRun := ran.Load(queued.ID)
	assert.False(t, didRun)
	assert.False(t, p.Cancel("unknown"))
}

func TestExactlyOneResultPerTask(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 4
	cfg.MaxQueueDepth = 64
	cfg.DefaultTimeout = 30 * time.Millisecond

	hang := make(chan struct{})
	defer close(hang)

	p := newPool(t, cfg, func(ctx context.Context, tk task.Task) (any, error) {
		switch tk.Payload.(int) % 4 {
		case 0:
			return "ok", nil
		case 1:
			return nil, errors.New("fail")
		case 2:
			panic("crash")
		default:
			<-hang
			return nil, nil
		}
	})

	var chans []<-chan task.Result
	for i := 0; i < 40; i++ {
		ch, err := p.Submit(context.Background(), task.New("execute", i))
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	for _, ch := range chans {
		waitResult(t, ch)
		_, more := <-ch
		assert.False(t, more, "result channel must close after its single result")
	}

	st := p.Stats()
	assert.Equal(t, uint64(40), st.Completed+st.Failed)
	assert.Equal(t, cfg.MaxWorkers, st.Workers)
}

func TestCloseCancelsQueuedAndRejectsNew(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1

	p, err := New(cfg, func(ctx context.Context, tk task.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	running, err := p.Submit(context.Background(), task.New("execute", nil))
	require.NoError(t, err)
	queued, err := p.Submit(context.Background(), task.New("execute", nil))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	assert.Equal(t, resilience.KindCancelled, resilience.KindOf(waitResult(t, running).Err))
	assert.Equal(t, resilience.KindCancelled, resilience.KindOf(waitResult(t, queued).Err))

	_, err = p.Submit(context.Background(), task.New("execute", nil))
	assert.ErrorIs(t, err, ErrClosed)

	r := p.Execute(context.Background(), task.New("execute", nil))
	assert.False(t, r.Success)
}

func TestHeartbeatOutsidePool(t *testing.T) {
	assert.False(t, Heartbeat(context.Background()))
}
