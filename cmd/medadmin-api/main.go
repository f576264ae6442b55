// Package main provides the medication administration API entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wardrx/medadmin/internal/api/handlers"
	"github.com/wardrx/medadmin/internal/api/middleware"
	"github.com/wardrx/medadmin/internal/config"
	"github.com/wardrx/medadmin/internal/domain/medication"
	"github.com/wardrx/medadmin/internal/infrastructure/postgres"
	"github.com/wardrx/medadmin/internal/infrastructure/redis"
	"github.com/wardrx/medadmin/internal/infrastructure/redpanda"
	"github.com/wardrx/medadmin/internal/observability/logging"
	"github.com/wardrx/medadmin/internal/observability/metrics"
	"github.com/wardrx/medadmin/internal/observability/tracing"
	"github.com/wardrx/medadmin/pkg/idempotency"
)

const serviceName = "medadmin-api"

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
		logger.Fatal("api failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
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
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	m := metrics.New(nil)
	checks := map[string]handlers.Check{}

	var (
		store medication.Store
		inbox handlers.Inbox
	)
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info("connected to database")

		applied, err := postgres.Migrate(ctx, pool, logger)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema up to date", zap.Int("applied", applied))

		pg := postgres.NewStore(pool, redpanda.TopicFor, logger)
		store = pg
		checks["postgres"] = pg.Ping

		icfg := idempotency.DefaultConfig()
		icfg.Terminal = medication.Permanent
		in := idempotency.NewInbox(pool, icfg, logger)
		in.StartCleanup()
		defer in.Stop()
		inbox = in
	} else {
		if cfg.IsProduction() {
			return errors.New("DATABASE_URL is required in production")
		}
		logger.Warn("DATABASE_URL not set, records are kept in memory")
		store = medication.NewMemoryStore()
	}

	var locker medication.Locker = medication.NewKeyedMutex()
	if cfg.RedisAddr != "" {
		rcfg := redis.DefaultConfig()
		rcfg.Addr = cfg.RedisAddr
		rcfg.LockTTL = cfg.EntryLockTTL
		rdb, err := redis.NewClient(ctx, rcfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = redis.NewLocker(rdb, rcfg, logger)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("using redis entry locks", zap.String("addr", cfg.RedisAddr))
	}

	svc := medication.NewService(store, logger,
		medication.WithLocker(locker),
		medication.WithRecorder(m),
		medication.WithLocation(cfg.Location()),
	)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.Origins()))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))

	health := handlers.NewHealth(serviceName, checks)
	r.Get("/health", health.Live)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeyMap()))
		r.Use(middleware.Actor)
		r.Mount("/", handlers.New(svc, inbox, logger).Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting medadmin API",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("timezone", cfg.HospitalTimezone))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
