package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"production-planner/internal/lock"
	"production-planner/internal/models"
	"production-planner/internal/scheduling"
	"production-planner/internal/telemetry"
)

// ScheduleTasks plans the tasks on the manufacturer's devices around the
// bookings earlier runs left behind, then saves the schedule and its bookings.
// A zero daily capacity selects the policy default.
func (s *Service) ScheduleTasks(ctx context.Context, req models.ScheduleRequest) (resp models.ScheduleResponse, err error) {
	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "planner.schedule_tasks",
		attribute.String("manufacturer_id", req.ManufacturerID),
		attribute.Int("tasks", len(req.Tasks)),
		attribute.Int("devices", len(req.Devices)),
	)
	defer func() {
		telemetry.PlanningDuration.WithLabelValues("schedule").Observe(time.Since(started).Seconds())
		telemetry.ScheduleRuns.WithLabelValues(Outcome(err)).Inc()
		telemetry.EndSpan(span, err)
	}()

	if req.ManufacturerID == "" {
		return resp, &scheduling.ValidationError{Field: "manufacturer_id", Reason: "required"}
	}
	capacity := req.DailyManufacturerCapacityHours
	if capacity == 0 {
		capacity = s.policy.Scheduling.DefaultManufacturerCapacityHours
	}
	start, end := req.HorizonStart.Time, req.HorizonEnd.Time

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	unlock, err := s.acquire(ctx, lock.ManufacturerKey(req.ManufacturerID))
	if err != nil {
		return resp, err
	}
	defer unlock()

	var bookings []models.Booking
	if !start.IsZero() && end.After(start) {
		if bookings, err = s.repo.ListBookings(ctx, req.ManufacturerID, start, end); err != nil {
			return resp, fmt.Errorf("load bookings: %w", err)
		}
	}

	schedule, err := s.scheduler.Schedule(req.Tasks, mergeBookings(req.Devices, bookings), start, end, capacity)
	if err != nil {
		if errors.Is(err, scheduling.ErrDoubleBooking) {
			s.invariantFailed(err, "manufacturer_id", req.ManufacturerID)
		}
		return resp, err
	}
	if err := abandoned(ctx); err != nil {
		return resp, err
	}

	rec, err := s.repo.SaveSchedule(ctx, models.ScheduleRecord{
		ManufacturerID: req.ManufacturerID,
		HorizonStart:   start,
		HorizonEnd:     end,
		Schedule:       schedule,
	})
	if err != nil {
		if errors.Is(err, scheduling.ErrDoubleBooking) {
			s.invariantFailed(err, "manufacturer_id", req.ManufacturerID)
		}
		return resp, fmt.Errorf("save schedule: %w", err)
	}

	telemetry.TasksScheduled.Add(float64(len(schedule.ScheduledJobIDs())))
	telemetry.TasksUnscheduled.Add(float64(len(schedule.UnscheduledTasks)))
	telemetry.ScheduleConflicts.Add(float64(len(schedule.ConflictDetails)))
	log.Info().
		Str("manufacturer_id", rec.ManufacturerID).
		Str("schedule_id", rec.ID).
		Int("scheduled", len(schedule.ScheduledJobIDs())).
		Int("unscheduled", len(schedule.UnscheduledTasks)).
		Int("conflicts", len(schedule.ConflictDetails)).
		Float64("efficiency", schedule.ScheduleEfficiency).
		Msg("tasks scheduled")

	s.export(ctx, rec)
	return models.ScheduleResponse{ScheduleID: rec.ID, ManufacturerID: rec.ManufacturerID, Schedule: rec.Schedule}, nil
}

// export publishes the report. The schedule is already committed, so a
// failed export is only logged.
func (s *Service) export(ctx context.Context, rec models.ScheduleRecord) {
	if s.exporter == nil {
		return
	}
	ctx, span := telemetry.StartSpan(ctx, "planner.export_report", attribute.String("schedule_id", rec.ID))
	art, err := s.exporter.Export(ctx, rec)
	telemetry.EndSpan(span, err)
	if err != nil {
		log.Warn().Err(err).Str("schedule_id", rec.ID).Msg("schedule report export failed")
		return
	}
	log.Info().Str("schedule_id", rec.ID).Str("report", art.Report).Str("chart", art.Chart).Msg("schedule report exported")
}

// GetSchedule loads a saved schedule.
func (s *Service) GetSchedule(ctx context.Context, id string) (models.ScheduleResponse, error) {
	rec, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return models.ScheduleResponse{}, err
	}
	return models.ScheduleResponse{ScheduleID: rec.ID, ManufacturerID: rec.ManufacturerID, Schedule: rec.Schedule}, nil
}

// mergeBookings returns copies of devices with persisted bookings appended to
// the ones supplied by the caller. Bookings for unknown devices are dropped.
func mergeBookings(devices []models.Device, bookings []models.Booking) []models.Device {
	if len(bookings) == 0 {
		return devices
	}
	byDevice := make(map[string][]models.Booking)
	for _, b := range bookings {
		byDevice[b.DeviceID] = append(byDevice[b.DeviceID], b)
	}
	out := make([]models.Device, len(devices))
	for i, d := range devices {
		if extra := byDevice[d.DeviceID]; len(extra) > 0 {
			merged := make([]models.Booking, 0, len(d.Bookings)+len(extra))
			merged = append(merged, d.Bookings...)
			d.Bookings = append(merged, extra...)
		}
		out[i] = d
	}
	return out
}
