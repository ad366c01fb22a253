package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"production-planner/internal/models"
	"production-planner/internal/scheduling"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	ctx := context.Background()
	st, err := NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func TestSQLite_JobAllocationLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)

	_, err := st.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	deadline := time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)
	job, err := st.UpsertJob(ctx, models.Job{ID: "job-1", Quantity: 100, Deadline: deadline})
	require.NoError(t, err)
	assert.Equal(t, uint(100), job.Quantity)
	assert.Equal(t, models.OrderTypeOpenRequest, job.OrderType)
	assert.True(t, deadline.Equal(job.Deadline))

	// a second upsert keeps the original quantity
	job, err = st.UpsertJob(ctx, models.Job{ID: "job-1", Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, uint(100), job.Quantity)

	job, saved, err := st.RecordAllocation(ctx, "job-1", []models.Assignment{
		{ManufacturerID: "m1", AssignedQuantity: 60, PayAmountCents: 6000, Status: models.AssignmentProposed, CombinedScore: 0.9},
		{ManufacturerID: "m2", AssignedQuantity: 30, PayAmountCents: 3000, Status: models.AssignmentProposed, CombinedScore: 0.4},
	})
	require.NoError(t, err)
	assert.Equal(t, uint(90), job.AssignedQuantity)
	assert.Equal(t, uint(10), job.Open())
	require.Len(t, saved, 2)
	assert.NotEmpty(t, saved[0].ID)
	assert.Equal(t, "job-1", saved[1].JobID)

	_, _, err = st.RecordAllocation(ctx, "job-1", []models.Assignment{{ManufacturerID: "m3", AssignedQuantity: 11, Status: models.AssignmentAccepted}})
	assert.ErrorIs(t, err, ErrOverAllocation)

	_, _, err = st.RecordAllocation(ctx, "nope", []models.Assignment{{ManufacturerID: "m3", AssignedQuantity: 1}})
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := st.ListAssignments(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m1", list[0].ManufacturerID)
	assert.Equal(t, uint(60), list[0].AssignedQuantity)
	assert.Equal(t, int64(6000), list[0].PayAmountCents)

	job, err = st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, uint(90), job.AssignedQuantity, "rejected allocation must not change the job")
}

func TestSQLite_SchedulesAndBookings(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)

	day := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	seg := func(job, dev string, from, to int) models.ScheduledTask {
		return models.ScheduledTask{JobID: job, DeviceID: dev, StartTime: day.Add(time.Duration(from) * time.Hour), EndTime: day.Add(time.Duration(to) * time.Hour)}
	}
	rec, err := st.SaveSchedule(ctx, models.ScheduleRecord{
		ManufacturerID: "acme",
		HorizonStart:   day,
		HorizonEnd:     day.AddDate(0, 0, 7),
		Schedule: models.Schedule{
			ScheduledTasks: []models.ScheduledTask{seg("a", "p1", 8, 12), seg("b", "p2", 8, 10)},
			TotalProfit:    42,
			ModelVersion:   scheduling.ModelVersion,
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	got, err := st.GetSchedule(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ManufacturerID)
	assert.Equal(t, 42.0, got.Schedule.TotalProfit)
	assert.True(t, day.Equal(got.HorizonStart))
	require.Len(t, got.Schedule.ScheduledTasks, 2)

	bookings, err := st.ListBookings(ctx, "acme", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, bookings, 2)
	assert.Equal(t, "p1", bookings[0].DeviceID)
	assert.True(t, day.Add(12*time.Hour).Equal(bookings[0].End))

	other, err := st.ListBookings(ctx, "other", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = st.SaveSchedule(ctx, models.ScheduleRecord{
		ManufacturerID: "acme",
		HorizonStart:   day,
		HorizonEnd:     day.AddDate(0, 0, 7),
		Schedule:       models.Schedule{ScheduledTasks: []models.ScheduledTask{seg("c", "p2", 13, 15), seg("d", "p1", 11, 13)}},
	})
	assert.ErrorIs(t, err, scheduling.ErrDoubleBooking)

	// the failed save left nothing behind
	bookings, err = st.ListBookings(ctx, "acme", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, bookings, 2)

	_, err = st.GetSchedule(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)

	payload := json.RawMessage(`{"job_id":"j"}`)
	run, reused, err := st.CreateRun(ctx, CreateRunParams{
		Kind:           models.RunAllocateQuantity,
		Tenant:         "t1",
		Payload:        payload,
		IdempotencyKey: "key-1",
		IdempotencyTTL: time.Hour,
	})
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, models.RunQueued, run.Status)
	assert.Equal(t, "default", run.Priority)
	assert.Equal(t, 5, run.MaxAttempts)

	again, reused, err := st.CreateRun(ctx, CreateRunParams{Kind: models.RunAllocateQuantity, Payload: payload, IdempotencyKey: "key-1", IdempotencyTTL: time.Hour})
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, run.ID, again.ID)

	require.NoError(t, st.SetWorkerID(ctx, run.ID, "w1"))
	require.NoError(t, st.UpdateAttempts(ctx, run.ID, 1, time.Now().Add(time.Minute), "boom"))
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "w1", *got.WorkerID)
	assert.JSONEq(t, string(payload), string(got.Payload))

	require.NoError(t, st.MarkSuccess(ctx, run.ID, json.RawMessage(`{"ok":true}`)))
	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, got.Status)
	assert.Nil(t, got.LastError)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.True(t, got.Terminal())

	require.NoError(t, st.AppendAudit(ctx, run.ID, "enqueued", "tenant=t1"))
	require.NoError(t, st.AppendAudit(ctx, run.ID, "succeeded", ""))
	audit, err := st.ListAudit(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "enqueued", audit[0].Event)

	assert.ErrorIs(t, st.MarkCancelled(ctx, "missing"), ErrNotFound)
	_, err = st.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_DeadLetterAndHousekeeping(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)

	run, _, err := st.CreateRun(ctx, CreateRunParams{Kind: models.RunScheduleTasks, IdempotencyKey: "short", IdempotencyTTL: time.Millisecond})
	require.NoError(t, err)

	n, err := st.VisibleRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, st.MarkDeadLetter(ctx, run.ID, "invalid input"))
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunDeadLetter, got.Status)

	purged, err := st.PurgeExpiredIdempotencyKeys(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, found, err := st.FindByIdempotencyKey(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)
}
