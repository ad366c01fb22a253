package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"production-planner/internal/config"
	"production-planner/internal/lock"
	"production-planner/internal/planner"
	"production-planner/internal/queue"
	"production-planner/internal/report"
	"production-planner/internal/store"
	"production-planner/internal/telemetry"
	workerproc "production-planner/internal/worker"
)

const version = "0.4.0"

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg, "planner-worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := telemetry.InitTracing("planner-worker", version, cfg.TraceOutput); err != nil {
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

	exporter, err := report.NewExporter(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init report exporter")
	}
	opts := planner.Options{Timeout: cfg.PlanningTimeout, LockWait: cfg.LockWait}
	if exporter != nil {
		opts.Exporter = exporter
	}
	svc := planner.New(st, lock.NewLocker(cfg.LockBackend, client, cfg.LockTTL), policy, opts)

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessorWithID(cfg, q, st, workerID)
	workerproc.RegisterPlanningHandlers(processor, svc)

	housekeeper, err := workerproc.NewHousekeeper(st, cfg.HousekeepingCron)
	if err != nil {
		log.Fatal().Err(err).Msg("housekeeping")
	}
	if err := housekeeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start housekeeping")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Strs("priorities", q.Priorities()).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Info().Err(err).Msg("worker stopped")
	}
}
