package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wardrx/medadmin/internal/domain/medication"
	"github.com/wardrx/medadmin/internal/infrastructure/redpanda"
	"github.com/wardrx/medadmin/pkg/workerpool"
)

// consumeRecorder receives one observation per consumed record
type consumeRecorder interface {
	EventConsumed(topic string, err error)
}

// worker keeps the stored schedule ahead of the clock: it generates today's
// and the look-ahead days' doses and closes prescriptions past their end date
type worker struct {
	svc       *medication.Service
	actor     medication.Actor
	lookahead int
	pool      workerpool.Config
	recorder  consumeRecorder
	logger    *zap.Logger
}

func newWorker(svc *medication.Service, lookahead int, pool workerpool.Config, recorder consumeRecorder, logger *zap.Logger) *worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool.Retryable = func(err error) bool { return !medication.Permanent(err) }
	return &worker{
		svc:       svc,
		actor:     medication.SystemActor("schedule-worker"),
		lookahead: lookahead,
		pool:      pool,
		recorder:  recorder,
		logger:    logger,
	}
}

// dates returns today and the look-ahead days keyed by YYYY-MM-DD
func (w *worker) dates() map[string]time.Time {
	today := w.svc.Today()
	out := make(map[string]time.Time, w.lookahead+1)
	for i := 0; i <= w.lookahead; i++ {
		d := today.AddDate(0, 0, i)
		out[d.Format(medication.DateLayout)] = d
	}
	return out
}

// generate fills the schedule for every day in the window concurrently
func (w *worker) generate(ctx context.Context) error {
	results, err := workerpool.Run(ctx, w.pool, func(ctx context.Context, task *workerpool.Task[time.Time]) error {
		res, err := w.svc.GenerateSchedule(ctx, w.actor, task.Payload)
		if err != nil {
			return err
		}
		for _, f := range res.Failures {
			w.logger.Warn("prescription not scheduled",
				zap.String("date", task.ID),
				zap.String("prescription_id", f.PrescriptionID),
				zap.String("reason", f.Reason))
		}
		return nil
	}, w.dates(), w.logger)
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("generate %s: %w", r.TaskID, r.Err))
		}
	}
	return errors.Join(errs...)
}

// tick closes expired prescriptions and then generates the window
func (w *worker) tick(ctx context.Context) error {
	completed, err := w.svc.CompletePrescriptions(ctx, w.actor, w.svc.Today())
	if err != nil {
		return fmt.Errorf("complete prescriptions: %w", err)
	}
	if len(completed) > 0 {
		w.logger.Info("prescriptions completed", zap.Int("count", len(completed)))
	}
	return w.generate(ctx)
}

// handle reacts to a prescription lifecycle event. A newly issued
// prescription may cover days that were already generated, so the window is
// regenerated; generation only inserts missing entries.
func (w *worker) handle(ctx context.Context, msg *redpanda.ConsumedMessage) (err error) {
	defer func() {
		if w.recorder != nil {
			w.recorder.EventConsumed(msg.Topic, err)
		}
	}()

	var event medication.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Redelivery cannot fix a malformed record.
		w.logger.Error("dropping malformed event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	switch event.EventType {
	case medication.EventPrescriptionIssued:
		w.logger.Info("prescription issued, regenerating schedule",
			zap.String("prescription_id", event.AggregateID))
		return w.generate(ctx)
	default:
		w.logger.Debug("ignoring event",
			zap.String("event_type", string(event.EventType)),
			zap.String("aggregate_id", event.AggregateID))
		return nil
	}
}

// loop runs tick every interval until ctx is done
func (w *worker) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.logger.Error("scheduled run failed", zap.Error(err))
			}
		}
	}
}
