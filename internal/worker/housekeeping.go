package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"production-planner/internal/store"
	"production-planner/internal/telemetry"
)

// Housekeeper runs periodic maintenance on a cron schedule: expired
// idempotency keys are purged and the visible run backlog is logged.
type Housekeeper struct {
	repo store.Repository
	cron *cron.Cron
	spec string
	now  func() time.Time
}

// NewHousekeeper validates spec (standard five-field cron syntax).
func NewHousekeeper(repo store.Repository, spec string) (*Housekeeper, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid housekeeping cron %q: %w", spec, err)
	}
	return &Housekeeper{repo: repo, cron: cron.New(), spec: spec, now: time.Now}, nil
}

// Start schedules the sweep and runs until ctx is cancelled.
func (h *Housekeeper) Start(ctx context.Context) error {
	if _, err := h.cron.AddFunc(h.spec, func() { h.Sweep(ctx) }); err != nil {
		return err
	}
	h.cron.Start()
	log.Info().Str("cron", h.spec).Msg("housekeeping scheduled")
	go func() {
		<-ctx.Done()
		<-h.cron.Stop().Done()
	}()
	return nil
}

// Sweep performs one housekeeping pass.
func (h *Housekeeper) Sweep(ctx context.Context) {
	purged, err := h.repo.PurgeExpiredIdempotencyKeys(ctx, h.now())
	if err != nil {
		log.Error().Err(err).Msg("purge idempotency keys")
	} else if purged > 0 {
		telemetry.PurgedKeys.Add(float64(purged))
		log.Info().Int64("purged", purged).Msg("expired idempotency keys purged")
	}

	visible, err := h.repo.VisibleRuns(ctx)
	if err != nil {
		log.Error().Err(err).Msg("count visible runs")
		return
	}
	log.Debug().Int64("visible_runs", visible).Msg("run backlog")
}
