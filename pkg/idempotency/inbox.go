// Package idempotency provides an inbox that makes retried requests and
// redelivered messages take effect once.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicate indicates the key is claimed and not reprocessable
	ErrDuplicate = errors.New("duplicate request: already processed")
	// ErrInProgress indicates another handler is working on the key
	ErrInProgress = errors.New("request in progress")
	// ErrPreviouslyFailed indicates the key failed permanently before
	ErrPreviouslyFailed = errors.New("request previously failed")
)

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long an entry is kept
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// Terminal reports whether a handler error is final. Final errors are
	// replayed to later callers; others allow a retry.
	Terminal func(error) bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             48 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 2 * time.Minute,
		Terminal:        func(error) bool { return false },
	}
}

// Result is the outcome of Process
type Result struct {
	// Replayed is true when the stored result of an earlier call is returned
	Replayed bool
	Body     json.RawMessage
	// Status is the code stored with a replayed failure, or 0
	Status int
}

// StatusCoder is implemented by handler errors that carry a response status.
// The status is stored with a terminal failure and replayed in Result.Status.
type StatusCoder interface {
	StatusCode() int
}

// failure is the stored result of a failed handler
type failure struct {
	Error  string `json:"error"`
	Status int    `json:"status,omitempty"`
}

func encodeFailure(err error) json.RawMessage {
	f := failure{Error: err.Error()}
	var sc StatusCoder
	if errors.As(err, &sc) {
		f.Status = sc.StatusCode()
	}
	body, _ := json.Marshal(f)
	return body
}

func replayFailure(body json.RawMessage) *Result {
	res := &Result{Replayed: true, Body: body}
	var f failure
	if json.Unmarshal(body, &f) == nil {
		res.Status = f.Status
	}
	return res
}

// Func is an idempotent unit of work
type Func func(ctx context.Context) (json.RawMessage, error)

// Inbox stores request outcomes by idempotency key
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Terminal == nil {
		cfg.Terminal = DefaultConfig().Terminal
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("medadmin/inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Key derives an inbox key from its parts
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	status    Status
	result    json.RawMessage
	updatedAt time.Time
}

// Process runs fn once per key. A finished key returns its stored result
// without running fn again.
func (i *Inbox) Process(ctx context.Context, key, handler string, fn Func) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.Process",
		trace.WithAttributes(
			attribute.String("inbox.key", key),
			attribute.String("inbox.handler", handler),
		))
	defer span.End()

	existing, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	if existing != nil {
		switch existing.status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("inbox.replayed", true))
			return &Result{Replayed: true, Body: existing.result}, nil
		case StatusFailed:
			span.SetAttributes(attribute.Bool("inbox.failed", true))
			return replayFailure(existing.result), ErrPreviouslyFailed
		case StatusStarted:
			if i.now().Sub(existing.updatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("recover stale entry: %w", err)
			}
		}
	}

	if err := i.claim(ctx, key, handler); err != nil {
		return nil, err
	}

	body, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.Terminal(handlerErr) {
			status = StatusFailed
		}
		if err := i.setStatus(ctx, key, status, encodeFailure(handlerErr)); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, body); err != nil {
		// The work is done; a retry would replay through the store anyway.
		i.logger.Error("failed to mark inbox entry finished", zap.String("key", key), zap.Error(err))
	}
	return &Result{Body: body}, nil
}

func (i *Inbox) get(ctx context.Context, key string) (*entry, error) {
	e := &entry{}
	err := i.pool.QueryRow(ctx,
		`SELECT status, result, updated_at FROM inbox WHERE idempotency_key = $1`, key,
	).Scan(&e.status, &e.result, &e.updatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (i *Inbox) claim(ctx context.Context, key, handler string) error {
	var claimed string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`, key, handler, StatusStarted, i.now().Add(i.config.TTL)).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("claim inbox key: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx,
		`UPDATE inbox SET status = $1, result = $2, updated_at = NOW() WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// StartCleanup starts removing expired entries in the background
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup goroutine
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			result, err := i.pool.Exec(i.ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n := result.RowsAffected(); n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}
