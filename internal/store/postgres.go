package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"production-planner/internal/models"
	"production-planner/internal/scheduling"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	return applyMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

// UpsertJob registers a job the first time it is seen and returns the stored row.
// An existing job keeps its quantity and deadline.
func (s *Store) UpsertJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.OrderType == "" {
		job.OrderType = models.OrderTypeOpenRequest
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, quantity, deadline, order_type, assigned_quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, int64(job.Quantity), timeOrNil(job.Deadline), job.OrderType, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return s.GetJob(ctx, job.ID)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	var (
		job      models.Job
		qty      int64
		assigned int64
		deadline pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, quantity, deadline, order_type, assigned_quantity, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id).Scan(&job.ID, &qty, &deadline, &job.OrderType, &assigned, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Quantity = uint(qty)
	job.AssignedQuantity = uint(assigned)
	if deadline.Valid {
		job.Deadline = deadline.Time
	}
	return job, nil
}

// RecordAllocation persists assignments for a job in one transaction. The job
// row is locked so concurrent writers cannot push the assigned total past the
// job quantity.
func (s *Store) RecordAllocation(ctx context.Context, jobID string, as []models.Assignment) (models.Job, []models.Assignment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var qty, assigned int64
	err = tx.QueryRow(ctx, `SELECT quantity, assigned_quantity FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&qty, &assigned)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("lock job: %w", err)
	}
	add := int64(sumUnits(as))
	if assigned+add > qty {
		return models.Job{}, nil, fmt.Errorf("%w: job %s has %d of %d assigned, cannot add %d", ErrOverAllocation, jobID, assigned, qty, add)
	}

	now := time.Now().UTC()
	out := make([]models.Assignment, len(as))
	for i, a := range as {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		a.JobID = jobID
		a.CreatedAt = now
		if _, err := tx.Exec(ctx, `
			INSERT INTO assignments (id, job_id, manufacturer_id, assigned_quantity, pay_amount_cents, estimated_delivery, status, combined_score, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, a.ID, jobID, a.ManufacturerID, int64(a.AssignedQuantity), a.PayAmountCents, timeOrNil(a.EstimatedDelivery), a.Status, a.CombinedScore, now); err != nil {
			return models.Job{}, nil, fmt.Errorf("insert assignment: %w", err)
		}
		out[i] = a
	}
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET assigned_quantity = assigned_quantity + $2, updated_at = $3 WHERE id = $1
	`, jobID, add, now); err != nil {
		return models.Job{}, nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, nil, fmt.Errorf("commit: %w", err)
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, nil, err
	}
	return job, out, nil
}

// ListAssignments returns a job's assignments, oldest allocation first and
// highest score first within one allocation.
func (s *Store) ListAssignments(ctx context.Context, jobID string) ([]models.Assignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, manufacturer_id, assigned_quantity, pay_amount_cents, estimated_delivery, status, combined_score, created_at
		FROM assignments WHERE job_id = $1
		ORDER BY created_at, combined_score DESC, manufacturer_id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	out := []models.Assignment{}
	for rows.Next() {
		var (
			a        models.Assignment
			units    int64
			delivery pgtype.Timestamptz
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.ManufacturerID, &units, &a.PayAmountCents, &delivery, &a.Status, &a.CombinedScore, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.AssignedQuantity = uint(units)
		if delivery.Valid {
			a.EstimatedDelivery = delivery.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListBookings returns persisted device time of a manufacturer that overlaps [from, to).
func (s *Store) ListBookings(ctx context.Context, manufacturerID string, from, to time.Time) ([]models.Booking, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, device_id, start_time, end_time
		FROM device_bookings
		WHERE manufacturer_id = $1 AND start_time < $3 AND end_time > $2
		ORDER BY device_id, start_time
	`, manufacturerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var out []models.Booking
	for rows.Next() {
		var b models.Booking
		if err := rows.Scan(&b.JobID, &b.DeviceID, &b.Start, &b.End); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveSchedule stores a schedule and books its segments. Writers for the same
// manufacturer are serialized with a transaction-scoped advisory lock, and a
// segment that overlaps existing device time aborts the whole save.
func (s *Store) SaveSchedule(ctx context.Context, rec models.ScheduleRecord) (models.ScheduleRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = time.Now().UTC()
	result, err := json.Marshal(rec.Schedule)
	if err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("marshal schedule: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "manufacturer:"+rec.ManufacturerID); err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("lock manufacturer: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schedules (id, manufacturer_id, horizon_start, horizon_end, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.ManufacturerID, rec.HorizonStart, rec.HorizonEnd, result, rec.CreatedAt); err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("insert schedule: %w", err)
	}
	for _, st := range rec.Schedule.ScheduledTasks {
		var holder string
		err := tx.QueryRow(ctx, `
			SELECT job_id FROM device_bookings
			WHERE manufacturer_id = $1 AND device_id = $2 AND start_time < $4 AND end_time > $3
			LIMIT 1
		`, rec.ManufacturerID, st.DeviceID, st.StartTime, st.EndTime).Scan(&holder)
		if err == nil {
			return models.ScheduleRecord{}, fmt.Errorf("%w: %s on %s overlaps %s", scheduling.ErrDoubleBooking, st.JobID, st.DeviceID, holder)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.ScheduleRecord{}, fmt.Errorf("check booking: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO device_bookings (schedule_id, manufacturer_id, device_id, job_id, start_time, end_time)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rec.ID, rec.ManufacturerID, st.DeviceID, st.JobID, st.StartTime, st.EndTime); err != nil {
			return models.ScheduleRecord{}, fmt.Errorf("insert booking: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// GetSchedule fetches a stored schedule.
func (s *Store) GetSchedule(ctx context.Context, id string) (models.ScheduleRecord, error) {
	var (
		rec    models.ScheduleRecord
		result []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, manufacturer_id, horizon_start, horizon_end, result, created_at
		FROM schedules WHERE id = $1
	`, id).Scan(&rec.ID, &rec.ManufacturerID, &rec.HorizonStart, &rec.HorizonEnd, &result, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduleRecord{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("scan schedule: %w", err)
	}
	if err := json.Unmarshal(result, &rec.Schedule); err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("unmarshal schedule: %w", err)
	}
	return rec, nil
}

// CreateRun inserts a run row, honoring idempotency if provided.
// It returns the run, and a boolean indicating if an existing run was reused via idempotency.
func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (models.Run, bool, error) {
	p.defaults()

	// If an idempotency key already exists, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Run{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Run{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, kind, priority, tenant, payload, status, attempts, max_attempts, next_run_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10)
	`, id, p.Kind, p.Priority, p.Tenant, []byte(p.Payload), models.RunQueued, p.MaxAttempts, p.RunAt, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.Run{}, false, fmt.Errorf("insert run: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, run_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Run{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return existing run.
			if err := tx.Rollback(ctx); err != nil {
				return models.Run{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Run{}, false, err
			}
			if !found {
				return models.Run{}, false, errors.New("idempotency conflict but no existing run found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Run{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Run{
		ID:             id,
		Kind:           p.Kind,
		Priority:       p.Priority,
		Tenant:         p.Tenant,
		Payload:        p.Payload,
		Status:         models.RunQueued,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the run mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Run, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT run_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, false, nil
	}
	if err != nil {
		return models.Run{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return models.Run{}, false, err
	}
	return run, true, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, priority, tenant, payload, result, status, attempts, max_attempts, next_run_at, last_error, idempotency_key, worker_id, created_at, updated_at
		FROM runs WHERE id = $1
	`, id)

	var (
		run      models.Run
		payload  []byte
		result   []byte
		lastErr  pgtype.Text
		idem     pgtype.Text
		workerID pgtype.Text
	)
	if err := row.Scan(&run.ID, &run.Kind, &run.Priority, &run.Tenant, &payload, &result, &run.Status, &run.Attempts, &run.MaxAttempts, &run.NextRunAt, &lastErr, &idem, &workerID, &run.CreatedAt, &run.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return models.Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		run.Result = json.RawMessage(result)
	}
	run.LastError = textPtr(lastErr)
	run.IdempotencyKey = textPtr(idem)
	run.WorkerID = textPtr(workerID)
	return run, nil
}

// UpdateRunStatus sets status, attempts, next_run_at and last_error atomically.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, status, attempts, nextRun, lastError)
	return err
}

// SetWorkerID records which worker leased the run.
func (s *Store) SetWorkerID(ctx context.Context, id, workerID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET worker_id = $2, updated_at = NOW() WHERE id = $1`, id, workerID)
	return err
}

// MarkSuccess transitions a run to succeeded and stores its result.
func (s *Store) MarkSuccess(ctx context.Context, id string, result json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, result = $3, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.RunSucceeded, []byte(result))
	return err
}

// MarkCancelled sets status cancelled and clears any last error.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.RunCancelled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkDeadLetter flags a run as dead_lettered.
func (s *Store) MarkDeadLetter(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.RunDeadLetter, lastError)
	return err
}

// UpdateAttempts updates attempts and next_run_at after a failure.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.RunQueued, attempts, nextRun, lastErr)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, runID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (run_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, runID, event, detail)
	return err
}

// ListAudit returns a run's audit trail, oldest first.
func (s *Store) ListAudit(ctx context.Context, runID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, event, COALESCE(detail, ''), ts FROM audit_logs WHERE run_id = $1 ORDER BY ts, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	out := []models.AuditLog{}
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.RunID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// VisibleRuns returns count of runs ready to run (next_run_at <= now and queued).
func (s *Store) VisibleRuns(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM runs WHERE status = $1 AND next_run_at <= NOW()
	`, models.RunQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visible runs: %w", err)
	}
	return n, nil
}

// PurgeExpiredIdempotencyKeys deletes keys whose TTL has passed.
func (s *Store) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
