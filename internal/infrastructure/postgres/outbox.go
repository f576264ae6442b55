package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// relayLockID is the advisory lock held by the active relay instance
const relayLockID int64 = 0x6d6564616463 // "medadc"

// OutboxEntry is a domain event waiting to be published
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the relay
type OutboxConfig struct {
	// BatchSize is the number of entries claimed per poll
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    500 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "medadmin.dead-letter",
	}
}

// Publisher delivers an outbox entry to the broker
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// WriteEntry inserts an outbox entry. Call it with the transaction of the
// change the event describes.
func WriteEntry(ctx context.Context, q Querier, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := q.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.Topic,
		entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Relay ships committed outbox entries to the broker in creation order per key
type Relay struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	// OnPending, when set, receives the pending count after every poll
	OnPending func(pending int64)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a new outbox relay
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("medadmin/outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling in the background
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop waits for the current batch and stops polling
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayBatch(r.ctx); err != nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
			if r.OnPending != nil {
				if stats, err := r.Stats(r.ctx); err == nil {
					r.OnPending(stats.Pending)
				}
			}
		}
	}
}

// RelayBatch claims up to BatchSize entries and publishes them. Only the
// holder of the relay advisory lock does work; other instances return 0.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.RelayBatch")
	defer span.End()

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim entries: %w", err)
	}
	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(entries)))

	sent, err := r.publishBatch(ctx, entries,
		func(e *OutboxEntry) error {
			_, err := tx.Exec(ctx,
				`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID)
			return err
		},
		func(e *OutboxEntry, msg string) error {
			_, err := tx.Exec(ctx,
				`UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2`,
				msg, e.ID)
			return err
		},
	)
	if err != nil {
		return sent, err
	}
	span.SetAttributes(attribute.Int("outbox.sent", sent))

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return sent, nil
}

// publishBatch publishes entries in id order and records each outcome. Once
// an entry fails, later entries with the same key are left for the next
// batch so every key is delivered in order; other keys carry on.
func (r *Relay) publishBatch(ctx context.Context, entries []*OutboxEntry,
	published func(*OutboxEntry) error, failed func(*OutboxEntry, string) error,
) (int, error) {
	sent := 0
	blocked := make(map[string]bool)
	for _, e := range entries {
		if blocked[e.Key] {
			continue
		}
		topic, value := e.Topic, []byte(e.Payload)
		if e.RetryCount >= r.config.MaxRetries {
			topic, value = r.config.DeadLetterTopic, deadLetter(e)
		}

		if err := r.publisher.Publish(ctx, topic, e.Key, value); err != nil {
			blocked[e.Key] = true
			if ferr := failed(e, err.Error()); ferr != nil {
				return sent, fmt.Errorf("record failure: %w", ferr)
			}
			r.logger.Warn("outbox publish failed",
				zap.Int64("id", e.ID),
				zap.String("event_type", e.EventType),
				zap.String("key", e.Key),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Error(err))
			continue
		}

		if err := published(e); err != nil {
			return sent, fmt.Errorf("mark processed: %w", err)
		}
		sent++
		r.logger.Debug("outbox entry published",
			zap.Int64("id", e.ID),
			zap.String("topic", topic))
	}
	return sent, nil
}

func deadLetter(e *OutboxEntry) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"original_topic": e.Topic,
		"event_type":     e.EventType,
		"aggregate_id":   e.AggregateID,
		"payload":        e.Payload,
		"retry_count":    e.RetryCount,
		"last_error":     e.LastError,
		"created_at":     e.CreatedAt,
	})
	return b
}

// CleanupProcessed removes entries published longer ago than olderThan
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats summarises the outbox
type OutboxStats struct {
	Pending       int64
	Retrying      int64
	OldestPending *time.Time
}

// Stats returns current outbox statistics
func (r *Relay) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE retry_count > 0),
		       MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL
	`).Scan(&stats.Pending, &stats.Retrying, &stats.OldestPending)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
