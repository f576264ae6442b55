// Package workerpool provides a bounded worker pool with per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when submitting to a stopped pool
	ErrStopped = errors.New("pool is shutting down")
	// ErrQueueFull is returned when the task queue has no room
	ErrQueueFull = errors.New("task queue is full")
)

// Task represents a unit of work to be processed
type Task[T any] struct {
	ID      string
	Payload T
	Context context.Context
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Attempts int
	Err      error
}

// WorkerFunc processes one task
type WorkerFunc[T any] func(ctx context.Context, task *Task[T]) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// Retryable reports whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a ward's daily workload
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               64,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool[T any] struct {
	config     Config
	workerFunc WorkerFunc[T]
	logger     *zap.Logger

	mu      sync.RWMutex
	stopped bool
	tasks   chan *Task[T]
	results chan *Result
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a new worker pool
func New[T any](cfg Config, fn WorkerFunc[T], logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(error) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		tasks:      make(chan *Task[T], cfg.QueueSize),
		results:    make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool[T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit adds a task to the queue without blocking
func (p *Pool[T]) Submit(task *Task[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Results returns the result channel. It is closed by Stop.
func (p *Pool[T]) Results() <-chan *Result {
	return p.results
}

// Stop drains queued tasks and waits for the workers
func (p *Pool[T]) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		<-done
		err = fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
		p.logger.Warn("worker pool shutdown timed out")
	}
	p.cancel()
	close(p.results)
	return err
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.process(id, task)
	}
}

func (p *Pool[T]) process(workerID int, task *Task[T]) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	result := &Result{TaskID: task.ID}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}

		result.Attempts++
		err := p.workerFunc(ctx, task)
		if err == nil {
			result.Err = nil
			break
		}
		result.Err = err
		if attempt >= p.config.MaxRetries || !p.config.Retryable(err) {
			break
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if result.Err == nil {
		p.completed.Add(1)
	} else {
		p.failed.Add(1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Err))
	}

	select {
	case p.results <- result:
	default:
		p.logger.Warn("result channel full, dropping result", zap.String("task_id", task.ID))
	}
}

// Stats holds pool counters
type Stats struct {
	Submitted     int64
	Completed     int64
	Failed        int64
	Retried       int64
	QueueDepth    int
	QueueCapacity int
	Workers       int
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		Retried:       p.retried.Load(),
		QueueDepth:    len(p.tasks),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// Run processes every payload with a temporary pool and returns one result
// per payload once all are done. Result.TaskID is the payload's map key.
func Run[T any](ctx context.Context, cfg Config, fn WorkerFunc[T], payloads map[string]T, logger *zap.Logger) ([]*Result, error) {
	if cfg.QueueSize < len(payloads) {
		cfg.QueueSize = len(payloads)
	}
	pool, err := New(cfg, fn, logger)
	if err != nil {
		return nil, err
	}
	pool.Start()

	for id, payload := range payloads {
		if err := pool.Submit(&Task[T]{ID: id, Payload: payload, Context: ctx}); err != nil {
			pool.Stop()
			return nil, fmt.Errorf("submit %s: %w", id, err)
		}
	}
	stopErr := pool.Stop()

	results := make([]*Result, 0, len(payloads))
	for r := range pool.Results() {
		results = append(results, r)
	}
	return results, stopErr
}
