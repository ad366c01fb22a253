package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"production-planner/internal/models"
	"production-planner/internal/scheduling"
)

// sqliteTime keeps stored timestamps fixed-width so text comparison orders them.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLite is the embedded Repository used for local development and tests.
type SQLite struct {
	db *sql.DB
}

var _ Repository = (*SQLite)(nil)

// SQLiteDSN builds a file DSN for path with WAL enabled.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
}

// NewSQLite opens dsn. ":memory:" gives a private in-memory database.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	_ = s.db.Close()
}

func (s *SQLite) RunMigrations(ctx context.Context) error {
	return applyMigrations(ctx, "sqlite", func(ctx context.Context, sql string) error {
		_, err := s.db.ExecContext(ctx, sql)
		return err
	})
}

func (s *SQLite) UpsertJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.OrderType == "" {
		job.OrderType = models.OrderTypeOpenRequest
	}
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, quantity, deadline, order_type, assigned_quantity, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, int64(job.Quantity), nullTime(job.Deadline), job.OrderType, now, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return s.GetJob(ctx, job.ID)
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	return s.getJob(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) getJob(ctx context.Context, q queryer, id string) (models.Job, error) {
	var (
		job              models.Job
		qty, assigned    int64
		deadline         sql.NullString
		created, updated string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, quantity, deadline, order_type, assigned_quantity, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id).Scan(&job.ID, &qty, &deadline, &job.OrderType, &assigned, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Quantity = uint(qty)
	job.AssignedQuantity = uint(assigned)
	job.Deadline = parseNullTime(deadline)
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	return job, nil
}

// RecordAllocation persists assignments for a job in one transaction. The
// single connection makes the transaction the only writer.
func (s *SQLite) RecordAllocation(ctx context.Context, jobID string, as []models.Assignment) (models.Job, []models.Assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	var qty, assigned int64
	err = tx.QueryRowContext(ctx, `SELECT quantity, assigned_quantity FROM jobs WHERE id = ?`, jobID).Scan(&qty, &assigned)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("read job: %w", err)
	}
	add := int64(sumUnits(as))
	if assigned+add > qty {
		return models.Job{}, nil, fmt.Errorf("%w: job %s has %d of %d assigned, cannot add %d", ErrOverAllocation, jobID, assigned, qty, add)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	out := make([]models.Assignment, len(as))
	for i, a := range as {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		a.JobID = jobID
		a.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO assignments (id, job_id, manufacturer_id, assigned_quantity, pay_amount_cents, estimated_delivery, status, combined_score, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, jobID, a.ManufacturerID, int64(a.AssignedQuantity), a.PayAmountCents, nullTime(a.EstimatedDelivery), a.Status, a.CombinedScore, fmtTime(now)); err != nil {
			return models.Job{}, nil, fmt.Errorf("insert assignment: %w", err)
		}
		out[i] = a
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET assigned_quantity = assigned_quantity + ?, updated_at = ? WHERE id = ?
	`, add, fmtTime(now), jobID); err != nil {
		return models.Job{}, nil, fmt.Errorf("update job: %w", err)
	}
	job, err := s.getJob(ctx, tx, jobID)
	if err != nil {
		return models.Job{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, nil, fmt.Errorf("commit: %w", err)
	}
	return job, out, nil
}

func (s *SQLite) ListAssignments(ctx context.Context, jobID string) ([]models.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, manufacturer_id, assigned_quantity, pay_amount_cents, estimated_delivery, status, combined_score, created_at
		FROM assignments WHERE job_id = ?
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
			delivery sql.NullString
			created  string
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.ManufacturerID, &units, &a.PayAmountCents, &delivery, &a.Status, &a.CombinedScore, &created); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.AssignedQuantity = uint(units)
		a.EstimatedDelivery = parseNullTime(delivery)
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) ListBookings(ctx context.Context, manufacturerID string, from, to time.Time) ([]models.Booking, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, device_id, start_time, end_time
		FROM device_bookings
		WHERE manufacturer_id = ? AND start_time < ? AND end_time > ?
		ORDER BY device_id, start_time
	`, manufacturerID, fmtTime(to), fmtTime(from))
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var out []models.Booking
	for rows.Next() {
		var (
			b          models.Booking
			start, end string
		)
		if err := rows.Scan(&b.JobID, &b.DeviceID, &start, &end); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		b.Start = parseTime(start)
		b.End = parseTime(end)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveSchedule(ctx context.Context, rec models.ScheduleRecord) (models.ScheduleRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	result, err := json.Marshal(rec.Schedule)
	if err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("marshal schedule: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schedules (id, manufacturer_id, horizon_start, horizon_end, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ManufacturerID, fmtTime(rec.HorizonStart), fmtTime(rec.HorizonEnd), result, fmtTime(rec.CreatedAt)); err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("insert schedule: %w", err)
	}
	for _, st := range rec.Schedule.ScheduledTasks {
		start, end := fmtTime(st.StartTime), fmtTime(st.EndTime)
		var holder string
		err := tx.QueryRowContext(ctx, `
			SELECT job_id FROM device_bookings
			WHERE manufacturer_id = ? AND device_id = ? AND start_time < ? AND end_time > ?
			LIMIT 1
		`, rec.ManufacturerID, st.DeviceID, end, start).Scan(&holder)
		if err == nil {
			return models.ScheduleRecord{}, fmt.Errorf("%w: %s on %s overlaps %s", scheduling.ErrDoubleBooking, st.JobID, st.DeviceID, holder)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.ScheduleRecord{}, fmt.Errorf("check booking: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device_bookings (schedule_id, manufacturer_id, device_id, job_id, start_time, end_time)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.ManufacturerID, st.DeviceID, st.JobID, start, end); err != nil {
			return models.ScheduleRecord{}, fmt.Errorf("insert booking: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (s *SQLite) GetSchedule(ctx context.Context, id string) (models.ScheduleRecord, error) {
	var (
		rec                     models.ScheduleRecord
		result                  []byte
		start, end, createdText string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, manufacturer_id, horizon_start, horizon_end, result, created_at
		FROM schedules WHERE id = ?
	`, id).Scan(&rec.ID, &rec.ManufacturerID, &start, &end, &result, &createdText)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ScheduleRecord{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("scan schedule: %w", err)
	}
	if err := json.Unmarshal(result, &rec.Schedule); err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("unmarshal schedule: %w", err)
	}
	rec.HorizonStart = parseTime(start)
	rec.HorizonEnd = parseTime(end)
	rec.CreatedAt = parseTime(createdText)
	return rec, nil
}

func (s *SQLite) CreateRun(ctx context.Context, p CreateRunParams) (models.Run, bool, error) {
	p.defaults()
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Run{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Run{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, kind, priority, tenant, payload, status, attempts, max_attempts, next_run_at, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
	`, id, p.Kind, p.Priority, p.Tenant, []byte(p.Payload), models.RunQueued, p.MaxAttempts, fmtTime(p.RunAt), emptyToNil(p.IdempotencyKey), fmtTime(now), fmtTime(now)); err != nil {
		return models.Run{}, false, fmt.Errorf("insert run: %w", err)
	}
	if p.IdempotencyKey != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (key, run_id, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, fmtTime(now.Add(p.IdempotencyTTL)))
		if err != nil {
			return models.Run{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if err := tx.Rollback(); err != nil {
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
	if err := tx.Commit(); err != nil {
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

func (s *SQLite) FindByIdempotencyKey(ctx context.Context, key string) (models.Run, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM idempotency_keys WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)
	`, key, fmtTime(time.Now())).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLite) GetRun(ctx context.Context, id string) (models.Run, error) {
	var (
		run                       models.Run
		payload, result           []byte
		nextRun, created, updated string
		lastErr, idem, workerID   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, priority, tenant, payload, result, status, attempts, max_attempts, next_run_at, last_error, idempotency_key, worker_id, created_at, updated_at
		FROM runs WHERE id = ?
	`, id).Scan(&run.ID, &run.Kind, &run.Priority, &run.Tenant, &payload, &result, &run.Status, &run.Attempts, &run.MaxAttempts, &nextRun, &lastErr, &idem, &workerID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		run.Result = json.RawMessage(result)
	}
	run.NextRunAt = parseTime(nextRun)
	run.CreatedAt = parseTime(created)
	run.UpdatedAt = parseTime(updated)
	run.LastError = nullStringPtr(lastErr)
	run.IdempotencyKey = nullStringPtr(idem)
	run.WorkerID = nullStringPtr(workerID)
	return run, nil
}

func (s *SQLite) UpdateRunStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, attempts = ?, next_run_at = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, status, attempts, fmtTime(nextRun), lastError, fmtTime(time.Now()), id)
	return err
}

func (s *SQLite) SetWorkerID(ctx context.Context, id, workerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET worker_id = ?, updated_at = ? WHERE id = ?`, workerID, fmtTime(time.Now()), id)
	return err
}

func (s *SQLite) MarkSuccess(ctx context.Context, id string, result json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, result = ?, last_error = NULL, updated_at = ? WHERE id = ?
	`, models.RunSucceeded, []byte(result), fmtTime(time.Now()), id)
	return err
}

func (s *SQLite) MarkCancelled(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, last_error = NULL, updated_at = ? WHERE id = ?
	`, models.RunCancelled, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) MarkDeadLetter(ctx context.Context, id string, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, models.RunDeadLetter, lastError, fmtTime(time.Now()), id)
	return err
}

func (s *SQLite) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	return s.UpdateRunStatus(ctx, id, models.RunQueued, attempts, nextRun, &lastErr)
}

func (s *SQLite) AppendAudit(ctx context.Context, runID, event, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (run_id, event, detail, ts) VALUES (?, ?, ?, ?)
	`, runID, event, detail, fmtTime(time.Now()))
	return err
}

func (s *SQLite) ListAudit(ctx context.Context, runID string) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, event, COALESCE(detail, ''), ts FROM audit_logs WHERE run_id = ? ORDER BY ts, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	out := []models.AuditLog{}
	for rows.Next() {
		var (
			a  models.AuditLog
			ts string
		)
		if err := rows.Scan(&a.RunID, &a.Event, &a.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.Recorded = parseTime(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) VisibleRuns(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs WHERE status = ? AND next_run_at <= ?
	`, models.RunQueued, fmtTime(time.Now())).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visible runs: %w", err)
	}
	return n, nil
}

func (s *SQLite) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at IS NOT NULL AND expires_at <= ?`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(sqliteTime, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return parseTime(v.String)
}

func nullStringPtr(v sql.NullString) *string {
	if v.Valid {
		return &v.String
	}
	return nil
}
