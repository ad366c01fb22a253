package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"production-planner/internal/config"
	"production-planner/internal/models"
	"production-planner/internal/planner"
	"production-planner/internal/queue"
	"production-planner/internal/store"
	"production-planner/internal/telemetry"
)

// Handler executes a run of one kind and returns the JSON result to store on it.
type Handler func(ctx context.Context, run models.Run) (json.RawMessage, error)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    store.Repository
	handlers map[string]Handler
	workerID string
	now      func() time.Time
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, st store.Repository) *Processor {
	return NewProcessorWithID(cfg, q, st, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, st store.Repository, workerID string) *Processor {
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
		workerID: workerID,
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a run kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.ProcessNext(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// ProcessNext performs one loop iteration: promote due runs, reclaim expired
// leases, then lease and execute at most one run. It reports whether a run
// was taken off the queue.
func (p *Processor) ProcessNext(ctx context.Context) bool {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		log.Warn().Err(err).Msg("promote scheduled runs")
	}
	if reclaimed, _ := p.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		for _, id := range reclaimed {
			if run, err := p.store.GetRun(ctx, id); err == nil {
				_ = p.store.UpdateRunStatus(ctx, id, models.RunQueued, run.Attempts, now, run.LastError)
				_ = p.store.AppendAudit(ctx, id, "lease_expired", "requeued after visibility timeout")
			}
		}
		log.Warn().Strs("run_ids", reclaimed).Msg("reclaimed expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	runID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("dequeue")
		return false
	}
	if runID == "" {
		return false
	}

	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("leased run not found, dropping")
		_ = p.queue.Ack(ctx, runID)
		return true
	}
	if run.Terminal() {
		_ = p.queue.Ack(ctx, runID)
		return true
	}

	_ = p.store.UpdateRunStatus(ctx, run.ID, models.RunInProgress, run.Attempts, run.NextRunAt, nil)
	if p.workerID != "" {
		_ = p.store.SetWorkerID(ctx, run.ID, p.workerID)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	logger := log.With().Str("run_id", run.ID).Str("kind", run.Kind).Int("attempt", run.Attempts+1).Logger()
	result, err := p.execute(ctx, run)
	if err == nil {
		_ = p.queue.Ack(ctx, run.ID)
		_ = p.store.MarkSuccess(ctx, run.ID, result)
		_ = p.store.AppendAudit(ctx, run.ID, "succeeded", "worker completed run")
		telemetry.WorkerSuccess.Inc()
		logger.Info().Msg("run succeeded")
		return true
	}

	attempts := run.Attempts + 1
	maxAttempts := run.MaxAttempts
	if p.cfg.MaxAttempts > 0 && (maxAttempts <= 0 || p.cfg.MaxAttempts < maxAttempts) {
		maxAttempts = p.cfg.MaxAttempts
	}
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := p.now().Add(backoff)
	_ = p.store.UpdateAttempts(ctx, run.ID, attempts, nextRun, err.Error())

	if permanent(err) || attempts >= maxAttempts {
		_ = p.store.MarkDeadLetter(ctx, run.ID, err.Error())
		_ = p.queue.DLQPush(ctx, run.ID)
		_ = p.store.AppendAudit(ctx, run.ID, "dead_letter", err.Error())
		telemetry.WorkerDeadLetter.Inc()
		logger.Error().Err(err).Bool("permanent", permanent(err)).Msg("run dead-lettered")
		return true
	}

	_ = p.queue.Schedule(ctx, run.ID, run.Priority, nextRun)
	_ = p.store.AppendAudit(ctx, run.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkerFailures.Inc()
	logger.Warn().Err(err).Time("next_run", nextRun).Msg("run failed, retry scheduled")
	return true
}

// execute runs the handler for the run kind. A lease extension covers the
// planning timeout so a slow run is not reclaimed while it is still working.
func (p *Processor) execute(ctx context.Context, run models.Run) (json.RawMessage, error) {
	handler, ok := p.handlers[run.Kind]
	if !ok {
		return nil, Permanentf("no handler registered for kind %q", run.Kind)
	}
	if p.cfg.PlanningTimeout > p.cfg.VisibilityTimeout/2 {
		_ = p.queue.ExtendLease(ctx, run.ID, p.cfg.PlanningTimeout+p.cfg.VisibilityTimeout)
	}
	return handler(ctx, run)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanentf builds a PermanentError.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

func permanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) || planner.Permanent(err)
}
