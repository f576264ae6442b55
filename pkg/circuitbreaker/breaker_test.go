package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type flakyPublisher struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *flakyPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func newBreaker(t *testing.T, changes *[]State) *CircuitBreaker {
	t.Helper()
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = 3
	cfg.Timeout = 20 * time.Millisecond
	cfg.OnStateChange = func(_ string, to State) {
		*changes = append(*changes, to)
	}
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return cb
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var changes []State
	cb := newBreaker(t, &changes)
	broker := &flakyPublisher{err: errors.New("broker unavailable")}
	pub := NewGuardedPublisher(broker, cb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := pub.Publish(ctx, "t", "k", nil); err == nil || errors.Is(err, ErrOpen) {
			t.Fatalf("publish %d: error = %v, want broker error", i, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %s, want %s", got, StateOpen)
	}

	err := pub.Publish(ctx, "t", "k", nil)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("publish while open: error = %v, want ErrOpen", err)
	}
	if broker.calls != 3 {
		t.Errorf("broker calls = %d, want 3", broker.calls)
	}
	if h := cb.Health(); h.Healthy || h.State != StateOpen {
		t.Errorf("Health() = %+v, want unhealthy open", h)
	}
	if len(changes) != 1 || changes[0] != StateOpen {
		t.Errorf("state changes = %v, want [open]", changes)
	}
}

func TestBreakerRecovers(t *testing.T) {
	var changes []State
	cb := newBreaker(t, &changes)
	broker := &flakyPublisher{err: errors.New("broker unavailable")}
	pub := NewGuardedPublisher(broker, cb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = pub.Publish(ctx, "t", "k", nil)
	}
	time.Sleep(30 * time.Millisecond)

	broker.err = nil
	if err := pub.Publish(ctx, "t", "k", nil); err != nil {
		t.Fatalf("publish after timeout: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %s, want %s", got, StateClosed)
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(changes) != len(want) {
		t.Fatalf("state changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %s, want %s", i, changes[i], want[i])
		}
	}
}

func TestCancelledCallsDoNotTrip(t *testing.T) {
	var changes []State
	cb := newBreaker(t, &changes)
	pub := NewGuardedPublisher(&flakyPublisher{err: context.Canceled}, cb)

	for i := 0; i < 5; i++ {
		_ = pub.Publish(context.Background(), "t", "k", nil)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %s, want %s", got, StateClosed)
	}
}

func TestStateValue(t *testing.T) {
	tests := map[State]float64{StateClosed: 0, StateHalfOpen: 1, StateOpen: 2}
	for s, want := range tests {
		if got := s.Value(); got != want {
			t.Errorf("%s.Value() = %v, want %v", s, got, want)
		}
	}
}
