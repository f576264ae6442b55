package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// StartOffset is "earliest" or "latest" for groups without commits
	StartOffset    string
	SessionTimeout time.Duration
	// RetryBackoff is the pause before a failed record is handled again
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the schedule worker
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "medadmin-schedule-worker",
		Topics:         []string{TopicPrescriptionEvents},
		StartOffset:    "earliest",
		SessionTimeout: 30 * time.Second,
		RetryBackoff:   time.Second,
	}
}

// MessageHandler is called for each consumed message. A returned error
// leaves the record uncommitted and it is handled again after RetryBackoff.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record handed to a MessageHandler
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func newConsumedMessage(r *kgo.Record) *ConsumedMessage {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// Consumer reads records in a consumer group, one at a time and in
// partition order
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	handled atomic.Int64
	retried atomic.Int64
}

// NewConsumer creates a consumer. Nothing is fetched until Run.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConsumerConfig().RetryBackoff
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.StartOffset == "latest" {
		reset = kgo.NewOffset().AtEnd()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.SessionTimeout(cfg.SessionTimeout),
		// only records marked after a successful handler are committed
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("medadmin/consumer"),
		handler: handler,
	}, nil
}

// Run consumes until ctx is done, then commits what was handled and closes
// the client. A record whose handler fails blocks its partition until it
// succeeds.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			if !c.handleUntilDone(ctx, iter.Next()) {
				return nil
			}
		}
	}
}

// handleUntilDone retries r until its handler succeeds. It reports false
// when ctx ends first.
func (c *Consumer) handleUntilDone(ctx context.Context, r *kgo.Record) bool {
	for {
		if err := c.handle(ctx, r); err == nil {
			c.handled.Add(1)
			c.client.MarkCommitRecords(r)
			return true
		}
		c.retried.Add(1)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.config.RetryBackoff):
		}
	}
}

func (c *Consumer) handle(ctx context.Context, r *kgo.Record) error {
	ctx, span := c.tracer.Start(extractTraceContext(ctx, r), "redpanda.Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", r.Topic),
			attribute.Int64("messaging.kafka.partition", int64(r.Partition)),
			attribute.Int64("messaging.kafka.offset", r.Offset),
		))
	defer span.End()

	if err := c.handler(ctx, newConsumedMessage(r)); err != nil {
		span.RecordError(err)
		c.logger.Error("message handler failed",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.Error(err))
		return err
	}
	return nil
}

func (c *Consumer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("commit on shutdown failed", zap.Error(err))
	}
	c.client.Close()
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	Handled int64
	// Retried counts failed handler attempts
	Retried int64
}

// Stats returns current consumer counters
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{Handled: c.handled.Load(), Retried: c.retried.Load()}
}
