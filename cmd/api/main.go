package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	api "production-planner/internal/api"
	"production-planner/internal/config"
	"production-planner/internal/lock"
	"production-planner/internal/planner"
	"production-planner/internal/queue"
	"production-planner/internal/ratelimit"
	"production-planner/internal/report"
	"production-planner/internal/store"
	"production-planner/internal/telemetry"
)

const version = "0.4.0"

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg, "planner-api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := telemetry.InitTracing("planner-api", version, cfg.TraceOutput); err != nil {
		log.Fatal().Err(err).Msg("init tracing")
	}
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load policy")
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	defer st.Close()

	client := queue.NewRedisClient(cfg)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg)
	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	exporter, err := report.NewExporter(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init report exporter")
	}
	opts := planner.Options{Timeout: cfg.PlanningTimeout, LockWait: cfg.LockWait}
	if exporter != nil {
		opts.Exporter = exporter
	}
	svc := planner.New(st, lock.NewLocker(cfg.LockBackend, client, cfg.LockTTL), policy, opts)

	server := api.New(cfg, svc, st, q, limiter)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("port", cfg.HTTPPort).
		Str("store", cfg.StoreDriver).
		Str("lock", cfg.LockBackend).
		Dur("planning_timeout", cfg.PlanningTimeout).
		Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info().Msg("api stopped")
}
