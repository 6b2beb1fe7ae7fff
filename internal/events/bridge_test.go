package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu       sync.Mutex
	kinds    []Kind
	failNext bool
}

func (s *recordingSink) Deliver(ctx context.Context, kind Kind, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("broker unavailable")
	}
	s.kinds = append(s.kinds, kind)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func TestForwardDeliversUntilClosed(t *testing.T) {
	bus := NewEventBus()
	sink := &recordingSink{failNext: true}
	src := bus.SubscribeAll(16)

	done := make(chan struct{})
	go func() {
		Forward(context.Background(), src, sink, time.Second, nil)
		close(done)
	}()

	bus.Emit(PipelineStartedEvent{Pipeline: "p"}) // dropped by the failing sink
	bus.Emit(CircuitOpenedEvent{Dependency: "llm"})
	bus.Emit(PipelineCompletedEvent{Pipeline: "p"})
	bus.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward did not return after the bus closed")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.kinds) != 2 || sink.kinds[0] != KindCircuitOpened || sink.kinds[1] != KindPipelineCompleted {
		t.Errorf("unexpected deliveries: %v", sink.kinds)
	}
}

func TestForwardStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := make(chan Event)

	done := make(chan struct{})
	go func() {
		Forward(ctx, src, &recordingSink{}, 0, nil)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward ignored cancellation")
	}
}

func TestSinkConstructorsRequireAddress(t *testing.T) {
	if _, err := NewRedisSink(context.Background(), RedisConfig{}); err == nil {
		t.Error("expected error for empty redis address")
	}
	if _, err := NewAMQPSink(AMQPConfig{}); err == nil {
		t.Error("expected error for empty amqp url")
	}
}
