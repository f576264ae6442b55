// Package main provides the outbox relay service entry point.
// It ships committed domain events from the outbox table to Redpanda.
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
	"github.com/wardrx/medadmin/internal/infrastructure/postgres"
	"github.com/wardrx/medadmin/internal/infrastructure/redpanda"
	"github.com/wardrx/medadmin/internal/observability/logging"
	"github.com/wardrx/medadmin/internal/observability/metrics"
	"github.com/wardrx/medadmin/internal/observability/tracing"
	"github.com/wardrx/medadmin/pkg/circuitbreaker"
)

const (
	serviceName = "outbox-relay"
	// processed entries are kept this long for replay and audit
	retention       = 7 * 24 * time.Hour
	cleanupInterval = time.Hour
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
		logger.Fatal("outbox relay failed", zap.Error(err))
	}
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
	logger.Info("connected to database")

	brokers := cfg.Brokers()
	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("topic setup failed, relying on broker auto-create", zap.Error(err))
	}

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = brokers
	producer, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", brokers))

	m := metrics.New(nil)
	bcfg := circuitbreaker.DefaultConfig("redpanda-publish")
	bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Value())
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return fmt.Errorf("create circuit breaker: %w", err)
	}

	ocfg := postgres.DefaultOutboxConfig()
	ocfg.PollInterval = cfg.OutboxPollInterval
	ocfg.MaxRetries = cfg.OutboxMaxRetries
	ocfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relay := postgres.NewRelay(pool, circuitbreaker.NewGuardedPublisher(producer, breaker), ocfg, logger)
	relay.OnPending = m.SetOutboxPending
	relay.Start()
	defer relay.Stop()

	go cleanup(ctx, relay, logger)

	health := handlers.NewHealth(serviceName, map[string]handlers.Check{
		"postgres": pool.Ping,
		"redpanda": producer.Ping,
		"publisher": func(context.Context) error {
			if h := breaker.Health(); !h.Healthy {
				return fmt.Errorf("circuit %s is %s", h.Name, h.State)
			}
			return nil
		},
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

	<-ctx.Done()
	st := producer.Stats()
	logger.Info("shutting down",
		zap.Int64("published", st.Sent),
		zap.Int64("publish_failures", st.Failed))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// cleanup deletes published entries past retention
func cleanup(ctx context.Context, relay *postgres.Relay, logger *zap.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := relay.CleanupProcessed(ctx, retention)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("outbox cleaned", zap.Int64("deleted", n))
			}
		}
	}
}
