package workerpool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestRunProcessesEveryPayload(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	payloads := map[string]int{"2025-02-14": 1, "2025-02-15": 2, "2025-02-16": 3}
	results, err := Run(context.Background(), fastConfig(), func(ctx context.Context, task *Task[int]) error {
		mu.Lock()
		seen[task.ID] = task.Payload
		mu.Unlock()
		return nil
	}, payloads, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(results) != len(payloads) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(payloads))
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil || r.Attempts != 1 {
			t.Errorf("result %s = %+v, want one successful attempt", r.TaskID, r)
		}
		ids = append(ids, r.TaskID)
	}
	sort.Strings(ids)
	if ids[0] != "2025-02-14" || ids[2] != "2025-02-16" {
		t.Errorf("task ids = %v", ids)
	}
	for id, want := range payloads {
		if seen[id] != want {
			t.Errorf("payload for %s = %d, want %d", id, seen[id], want)
		}
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	results, err := Run(context.Background(), fastConfig(), func(ctx context.Context, task *Task[string]) error {
		if calls.Add(1) < 3 {
			return errors.New("database unavailable")
		}
		return nil
	}, map[string]string{"day": "x"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if r := results[0]; r.Err != nil || r.Attempts != 3 {
		t.Errorf("result = %+v, want success after 3 attempts", r)
	}
}

func TestNonRetryableErrorStops(t *testing.T) {
	permanent := errors.New("unauthorized")
	cfg := fastConfig()
	cfg.Retryable = func(err error) bool { return !errors.Is(err, permanent) }

	results, err := Run(context.Background(), cfg, func(ctx context.Context, task *Task[string]) error {
		return permanent
	}, map[string]string{"day": "x"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if r := results[0]; !errors.Is(r.Err, permanent) || r.Attempts != 1 {
		t.Errorf("result = %+v, want one failed attempt", r)
	}
}

func TestRetriesExhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 2

	results, _ := Run(context.Background(), cfg, func(ctx context.Context, task *Task[string]) error {
		return errors.New("flaky")
	}, map[string]string{"day": "x"}, nil)

	if r := results[0]; r.Err == nil || r.Attempts != 3 {
		t.Errorf("result = %+v, want failure after 3 attempts", r)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(fastConfig(), func(ctx context.Context, task *Task[int]) error { return nil }, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	pool.Start()
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if err := pool.Submit(&Task[int]{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit() error = %v, want ErrStopped", err)
	}
	if err := pool.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueSize = 1
	pool, err := New(cfg, func(ctx context.Context, task *Task[int]) error { return nil }, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// workers not started, so the queue fills
	if err := pool.Submit(&Task[int]{ID: "a"}); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if err := pool.Submit(&Task[int]{ID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second Submit() error = %v, want ErrQueueFull", err)
	}
	if got := pool.Stats().QueueDepth; got != 1 {
		t.Errorf("QueueDepth = %d, want 1", got)
	}
}

func TestNilWorkerFunc(t *testing.T) {
	if _, err := New[int](DefaultConfig(), nil, nil); err == nil {
		t.Error("New() with nil worker func should fail")
	}
}
