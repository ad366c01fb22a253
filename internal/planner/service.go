// Package planner runs allocation and scheduling against persisted state.
// Work on one job, or on one manufacturer's devices, is serialized through a
// lock.Locker and only persisted when it finished inside the planning timeout.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"production-planner/internal/allocation"
	"production-planner/internal/config"
	"production-planner/internal/lock"
	"production-planner/internal/models"
	"production-planner/internal/report"
	"production-planner/internal/scheduling"
	"production-planner/internal/store"
	"production-planner/internal/telemetry"
)

// ErrNotOpenRequest is returned when allocation is attempted on a job that
// cannot be split across manufacturers.
var ErrNotOpenRequest = errors.New("job is not an open request")

// Exporter publishes a saved schedule.
type Exporter interface {
	Export(ctx context.Context, rec models.ScheduleRecord) (report.Artifacts, error)
}

// Options tune a Service. Zero values select defaults.
type Options struct {
	// Timeout bounds one planning operation, lock wait included.
	Timeout time.Duration
	// LockWait bounds how long an operation waits for its job or manufacturer lock.
	LockWait time.Duration
	// Exporter receives every saved schedule; nil disables exporting.
	Exporter Exporter
}

// Service is the entry point used by the API and the worker.
type Service struct {
	repo      store.Repository
	locker    lock.Locker
	allocator *allocation.Allocator
	scheduler *scheduling.Scheduler
	policy    config.Policy
	timeout   time.Duration
	lockWait  time.Duration
	exporter  Exporter
}

// New builds a Service.
func New(repo store.Repository, locker lock.Locker, policy config.Policy, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.LockWait <= 0 || opts.LockWait > opts.Timeout {
		opts.LockWait = opts.Timeout
	}
	s := &Service{
		repo:      repo,
		locker:    locker,
		allocator: allocation.NewAllocator(policy.Allocation),
		scheduler: scheduling.NewScheduler(policy.Scheduling),
		timeout:   opts.Timeout,
		lockWait:  opts.LockWait,
		exporter:  opts.Exporter,
	}
	s.policy = config.Policy{Allocation: s.allocator.Policy(), Scheduling: s.scheduler.Policy()}
	return s
}

// Policy returns the effective planning policy.
func (s *Service) Policy() config.Policy {
	return s.policy
}

// acquire takes key, waiting at most lockWait.
func (s *Service) acquire(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	unlock, err := s.locker.Lock(waitCtx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return unlock, nil
}

// abandoned reports a computation that finished after its deadline. The
// result is dropped so the caller can retry from scratch.
func abandoned(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("planning abandoned before persistence: %w", err)
	}
	return nil
}

// AllocateQuantity splits req.RemainingQuantity of an open request over the
// candidates and records the proposed assignments. A job is registered on
// first use when the request carries its quantity.
func (s *Service) AllocateQuantity(ctx context.Context, req models.AllocationRequest) (resp models.AllocationResponse, err error) {
	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "planner.allocate_quantity",
		attribute.String("job_id", req.JobID),
		attribute.Int("remaining_quantity", int(req.RemainingQuantity)),
		attribute.Int("candidates", len(req.Candidates)),
	)
	defer func() {
		telemetry.PlanningDuration.WithLabelValues("allocate").Observe(time.Since(started).Seconds())
		telemetry.Allocations.WithLabelValues(Outcome(err)).Inc()
		telemetry.EndSpan(span, err)
	}()

	if req.JobID == "" {
		return resp, &allocation.ValidationError{Field: "job_id", Reason: "required"}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := s.acquire(ctx, lock.JobKey(req.JobID))
	if err != nil {
		return resp, err
	}
	defer unlock()

	job, err := s.loadJob(ctx, req)
	if err != nil {
		return resp, err
	}
	if job.OrderType != models.OrderTypeOpenRequest {
		return resp, fmt.Errorf("job %s has order type %q: %w", job.ID, job.OrderType, ErrNotOpenRequest)
	}
	if req.RemainingQuantity > job.Open() {
		return resp, &allocation.ValidationError{
			Field:  "remaining_quantity",
			Reason: fmt.Sprintf("%d exceeds the %d units still open on job %s", req.RemainingQuantity, job.Open(), job.ID),
		}
	}

	assignments, err := s.allocator.Allocate(allocation.Request{
		JobID:        job.ID,
		Remaining:    req.RemainingQuantity,
		Candidates:   req.Candidates,
		PerUnitPrice: req.PerUnitPrice,
		Delivery:     allocation.DeadlineLead{Deadline: job.Deadline, LeadDays: s.policy.Allocation.DeliveryLeadDays},
	})
	if err != nil {
		if errors.Is(err, allocation.ErrInvariantViolation) {
			s.invariantFailed(err, "job_id", job.ID)
		}
		return resp, err
	}
	if err := abandoned(ctx); err != nil {
		return resp, err
	}

	updated, saved, err := s.repo.RecordAllocation(ctx, job.ID, assignments)
	if err != nil {
		if errors.Is(err, store.ErrOverAllocation) {
			s.invariantFailed(err, "job_id", job.ID)
		}
		return resp, fmt.Errorf("record allocation: %w", err)
	}

	resp = models.AllocationResponse{
		JobID:       updated.ID,
		Assignments: saved,
		Remaining:   updated.Open(),
	}
	for _, a := range saved {
		resp.TotalAssigned += a.AssignedQuantity
	}
	telemetry.AllocatedUnits.Add(float64(resp.TotalAssigned))
	log.Info().
		Str("job_id", updated.ID).
		Int("assignments", len(saved)).
		Uint("total_assigned", resp.TotalAssigned).
		Uint("remaining", resp.Remaining).
		Msg("quantity allocated")
	return resp, nil
}

func (s *Service) loadJob(ctx context.Context, req models.AllocationRequest) (models.Job, error) {
	if req.Quantity == 0 {
		return s.repo.GetJob(ctx, req.JobID)
	}
	job := models.Job{ID: req.JobID, Quantity: req.Quantity, OrderType: req.OrderType}
	if req.Deadline != nil {
		job.Deadline = *req.Deadline
	}
	stored, err := s.repo.UpsertJob(ctx, job)
	if err != nil {
		return models.Job{}, err
	}
	if err := registrationMismatch(stored, req); err != nil {
		return models.Job{}, err
	}
	return stored, nil
}

// registrationMismatch rejects a request that repeats job details differing
// from the stored job. Stores keep timestamps to the microsecond.
func registrationMismatch(stored models.Job, req models.AllocationRequest) error {
	switch {
	case stored.Quantity != req.Quantity:
		return &allocation.ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("job %s is registered with quantity %d, request has %d", stored.ID, stored.Quantity, req.Quantity),
		}
	case req.OrderType != "" && stored.OrderType != req.OrderType:
		return &allocation.ValidationError{
			Field:  "order_type",
			Reason: fmt.Sprintf("job %s is registered as %q, request has %q", stored.ID, stored.OrderType, req.OrderType),
		}
	case req.Deadline != nil && !stored.Deadline.Truncate(time.Microsecond).Equal(req.Deadline.Truncate(time.Microsecond)):
		return &allocation.ValidationError{
			Field:  "deadline",
			Reason: fmt.Sprintf("job %s is registered with deadline %s", stored.ID, stored.Deadline.Format(time.RFC3339)),
		}
	}
	return nil
}

// ManualAssignment records a manufacturer accepting part of an open request.
func (s *Service) ManualAssignment(ctx context.Context, jobID string, req models.ManualAssignmentRequest) (models.Assignment, error) {
	ctx, span := telemetry.StartSpan(ctx, "planner.manual_assignment",
		attribute.String("job_id", jobID),
		attribute.String("manufacturer_id", req.ManufacturerID),
	)
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	switch {
	case jobID == "":
		err = &allocation.ValidationError{Field: "job_id", Reason: "required"}
	case req.ManufacturerID == "":
		err = &allocation.ValidationError{Field: "manufacturer_id", Reason: "required"}
	case req.AssignedQuantity == 0:
		err = &allocation.ValidationError{Field: "assigned_quantity", Reason: "must be positive"}
	case req.PayAmountCents < 0:
		err = &allocation.ValidationError{Field: "pay_amount_cents", Reason: "must not be negative"}
	}
	if err != nil {
		return models.Assignment{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	unlock, err := s.acquire(ctx, lock.JobKey(jobID))
	if err != nil {
		return models.Assignment{}, err
	}
	defer unlock()

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return models.Assignment{}, err
	}
	if job.OrderType != models.OrderTypeOpenRequest {
		err = fmt.Errorf("job %s has order type %q: %w", job.ID, job.OrderType, ErrNotOpenRequest)
		return models.Assignment{}, err
	}
	if req.AssignedQuantity > job.Open() {
		err = &allocation.ValidationError{
			Field:  "assigned_quantity",
			Reason: fmt.Sprintf("%d exceeds the %d units still open on job %s", req.AssignedQuantity, job.Open(), job.ID),
		}
		return models.Assignment{}, err
	}

	_, saved, err := s.repo.RecordAllocation(ctx, jobID, []models.Assignment{{
		JobID:             jobID,
		ManufacturerID:    req.ManufacturerID,
		AssignedQuantity:  req.AssignedQuantity,
		PayAmountCents:    req.PayAmountCents,
		EstimatedDelivery: req.EstimatedDelivery,
		Status:            models.AssignmentAccepted,
	}})
	if err != nil {
		return models.Assignment{}, fmt.Errorf("record manual assignment: %w", err)
	}
	telemetry.AllocatedUnits.Add(float64(req.AssignedQuantity))
	log.Info().Str("job_id", jobID).Str("manufacturer_id", req.ManufacturerID).Uint("units", req.AssignedQuantity).Msg("manual assignment recorded")
	return saved[0], nil
}

// JobAssignments lists every assignment recorded for a job.
func (s *Service) JobAssignments(ctx context.Context, jobID string) ([]models.Assignment, error) {
	if _, err := s.repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	as, err := s.repo.ListAssignments(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if as == nil {
		as = []models.Assignment{}
	}
	return as, nil
}

func (s *Service) invariantFailed(err error, key, id string) {
	telemetry.InvariantFailures.Inc()
	log.Error().Err(err).Bool("invariant", true).Str(key, id).Msg("capacity invariant violated")
}
