// Package main provides the schedule worker entry point.
// It generates upcoming doses and reacts to prescription events.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wardrx/medadmin/internal/api/handlers"
	"github.com/wardrx/medadmin/internal/config"
	"github.com/wardrx/medadmin/internal/domain/medication"
	"github.com/wardrx/medadmin/internal/infrastructure/postgres"
	"github.com/wardrx/medadmin/internal/infrastructure/redpanda"
	"github.com/wardrx/medadmin/internal/observability/logging"
	"github.com/wardrx/medadmin/internal/observability/metrics"
	"github.com/wardrx/medadmin/internal/observability/tracing"
	"github.com/wardrx/medadmin/pkg/workerpool"
)

const (
	serviceName = "schedule-worker"
	lagInterval = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Service:     serviceName,
		Development: !cfg.IsProduction(),
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
		MaxSizeMB:   cfg.LogMaxSizeMB,
		MaxBackups:  cfg.LogMaxBackups,
		MaxAgeDays:  cfg.LogMaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("schedule worker failed", zap.Error(err))
	}
	logger.Info("schedule worker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := postgres.NewStore(pool, redpanda.TopicFor, logger)

	m := metrics.New(nil)
	svc := medication.NewService(store, logger,
		medication.WithRecorder(m),
		medication.WithLocation(cfg.Location()),
	)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.ScheduleWorkers
	w := newWorker(svc, cfg.ScheduleLookaheadDays, poolCfg, m, logger)

	if err := w.tick(ctx); err != nil {
		logger.Error("initial run failed", zap.Error(err))
	}

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.Brokers()
	consumer, err := redpanda.NewConsumer(ccfg, w.handle, logger)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		if err := consumer.Run(ctx); err != nil {
			logger.Error("consumer stopped", zap.Error(err))
		}
	}()

	admin, err := redpanda.NewAdmin(ccfg.Brokers, logger)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()
	go watchLag(ctx, admin, ccfg.GroupID, m, logger)

	go w.loop(ctx, cfg.ScheduleInterval)

	health := handlers.NewHealth(serviceName, map[string]handlers.Check{
		"postgres": store.Ping,
		"redpanda": func(ctx context.Context) error { return redpanda.HealthCheck(ctx, ccfg.Brokers) },
	})
	r := chi.NewRouter()
	r.Get("/health", health.Live)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("schedule worker started",
		zap.Strings("topics", ccfg.Topics),
		zap.Int("lookahead_days", cfg.ScheduleLookaheadDays),
		zap.Duration("interval", cfg.ScheduleInterval))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = server.Shutdown(shutdownCtx)

	<-consumed
	st := consumer.Stats()
	logger.Info("consumer drained",
		zap.Int64("handled", st.Handled),
		zap.Int64("retried", st.Retried))
	return err
}

// watchLag publishes the group's lag until ctx is done
func watchLag(ctx context.Context, admin *redpanda.Admin, group string, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(lagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GroupLag(ctx, group)
			if err != nil {
				logger.Debug("group lag unavailable", zap.Error(err))
				continue
			}
			for topic, n := range lag {
				m.SetConsumerLag(group, topic, n)
			}
		}
	}
}
