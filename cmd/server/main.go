// Command server runs the notification delivery pipeline: the HTTP API that
// accepts and inspects jobs, and the worker pool that drains the queue and
// delivers through the gateway. Both halves share one process so they share
// one datastore connection budget.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-notify-pipeline/internal/breaker"
	"github.com/tbourn/go-notify-pipeline/internal/config"
	httpapi "github.com/tbourn/go-notify-pipeline/internal/http"
	"github.com/tbourn/go-notify-pipeline/internal/idempotency"
	"github.com/tbourn/go-notify-pipeline/internal/observability"
	"github.com/tbourn/go-notify-pipeline/internal/queue"
	"github.com/tbourn/go-notify-pipeline/internal/ratelimit"
	"github.com/tbourn/go-notify-pipeline/internal/repo"
	"github.com/tbourn/go-notify-pipeline/internal/services"
	"github.com/tbourn/go-notify-pipeline/internal/sysutil"
	"github.com/tbourn/go-notify-pipeline/internal/transport"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// Load .env in dev; absence is fine in production.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(c); err != nil {
			log.Error().Err(err).Msg("tracer shutdown failed")
		}
	}()

	// Datastore. The connection ceiling is the full budget minus the reserved
	// share, the same contract the worker-pool size is derived from.
	db, err := repo.OpenSQLite(cfg.DBPath, cfg.Worker.ConnBudget-cfg.Worker.ConnReserved)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open datastore")
	}
	if cfg.OTEL.Enabled {
		if err := repo.WithTracing(db); err != nil {
			log.Fatal().Err(err).Msg("failed to attach datastore tracing")
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	// Redis backs the queue, the idempotency claims, and the outbound rate
	// counters. An unreachable Redis at startup is a pool-level failure: the
	// process halts instead of limping along with every resilience layer in
	// its degraded bias.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	{
		c, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(c).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
		}
	}
	defer rdb.Close()

	// Resilience components
	claims := idempotency.New(rdb, cfg.IdempotencyBias, log.Logger)
	limiter := ratelimit.New(rdb, cfg.OutboundBias, log.Logger)

	breakers := breaker.NewRegistry(breaker.Settings{
		OnStateChange: onCircuitTransition,
	})
	breakers.Configure(services.DepTransport, breaker.Settings{
		FailureThreshold: cfg.TransportBreaker.FailureThreshold,
		SuccessThreshold: cfg.TransportBreaker.SuccessThreshold,
		ResetTimeout:     cfg.TransportBreaker.ResetTimeout,
		MonitoringPeriod: cfg.TransportBreaker.MonitoringPeriod,
		OnStateChange:    onCircuitTransition,
	})
	breakers.Configure(services.DepDatastore, breaker.Settings{
		FailureThreshold: cfg.DatastoreBreaker.FailureThreshold,
		SuccessThreshold: cfg.DatastoreBreaker.SuccessThreshold,
		ResetTimeout:     cfg.DatastoreBreaker.ResetTimeout,
		MonitoringPeriod: cfg.DatastoreBreaker.MonitoringPeriod,
		OnStateChange:    onCircuitTransition,
	})

	// Pipeline services
	q := queue.NewRedis(rdb)
	producer := &services.Producer{
		DB:              db,
		Queue:           q,
		Claims:          claims,
		Log:             log.Logger,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		MaxAttempts:     cfg.MaxAttempts,
		ClaimTTL:        cfg.IdempotencyTTL,
	}
	status := &services.Status{DB: db, Queue: q}
	ops := &services.Ops{DB: db, Queue: q, Breakers: breakers, Log: log.Logger}
	pool := &services.WorkerPool{
		DB:        db,
		Queue:     q,
		Transport: transport.NewWebhook(cfg.TransportURL, cfg.TransportTimeout),
		Breakers:  breakers,
		Limiter:   limiter,
		Cfg:       cfg,
		Log:       log.Logger,
	}

	// HTTP surface
	r := gin.New()
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Producer: producer,
		Status:   status,
		Ops:      ops,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("worker pool stopped")
		}
	}()

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	// Stop accepting requests first, then wait for in-flight jobs: a worker
	// mid-delivery finishes its attempt and persists the outcome before exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("worker pool did not drain before deadline")
	}
	log.Info().Msg("shutdown complete")
}

// onCircuitTransition feeds breaker transitions into metrics and the log.
func onCircuitTransition(name string, from, to breaker.State) {
	observability.CircuitTransitions.WithLabelValues(name, to.String()).Inc()
	log.Warn().
		Str("circuit", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit state changed")
}
