package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"production-planner/internal/config"
	"production-planner/internal/models"
)

var (
	// ErrNotFound is returned when a job, run or schedule does not exist.
	ErrNotFound = errors.New("not found")
	// ErrOverAllocation means persisting assignments would push a job past its quantity.
	ErrOverAllocation = errors.New("assignments exceed job quantity")
)

// Repository is implemented by the Postgres Store and the SQLite store.
type Repository interface {
	RunMigrations(ctx context.Context) error
	Close()

	UpsertJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	RecordAllocation(ctx context.Context, jobID string, as []models.Assignment) (models.Job, []models.Assignment, error)
	ListAssignments(ctx context.Context, jobID string) ([]models.Assignment, error)

	ListBookings(ctx context.Context, manufacturerID string, from, to time.Time) ([]models.Booking, error)
	SaveSchedule(ctx context.Context, rec models.ScheduleRecord) (models.ScheduleRecord, error)
	GetSchedule(ctx context.Context, id string) (models.ScheduleRecord, error)

	CreateRun(ctx context.Context, p CreateRunParams) (models.Run, bool, error)
	FindByIdempotencyKey(ctx context.Context, key string) (models.Run, bool, error)
	GetRun(ctx context.Context, id string) (models.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error
	SetWorkerID(ctx context.Context, id, workerID string) error
	MarkSuccess(ctx context.Context, id string, result json.RawMessage) error
	MarkCancelled(ctx context.Context, id string) error
	MarkDeadLetter(ctx context.Context, id string, lastError string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	AppendAudit(ctx context.Context, runID, event, detail string) error
	ListAudit(ctx context.Context, runID string) ([]models.AuditLog, error)
	VisibleRuns(ctx context.Context) (int64, error)
	PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)
}

// CreateRunParams collects inputs required to insert a run.
type CreateRunParams struct {
	Kind           string
	Priority       string
	Tenant         string
	Payload        json.RawMessage
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

func (p *CreateRunParams) defaults() {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage("{}")
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
}

func sumUnits(as []models.Assignment) uint {
	var n uint
	for _, a := range as {
		n += a.AssignedQuantity
	}
	return n
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Open connects to the repository selected by cfg.StoreDriver and applies
// migrations.
func Open(ctx context.Context, cfg config.Config) (Repository, error) {
	var (
		repo Repository
		err  error
	)
	switch cfg.StoreDriver {
	case "postgres", "":
		repo, err = New(ctx, cfg.PostgresDSN)
	case "sqlite":
		repo, err = NewSQLite(ctx, SQLiteDSN(cfg.SQLitePath))
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, err
	}
	if err := repo.RunMigrations(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return repo, nil
}
