package scheduling

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"production-planner/internal/models"
)

var monday = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func at(day, hour, minute int) time.Time {
	return monday.AddDate(0, 0, day).Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func printer(id string) models.Device {
	return models.Device{DeviceID: id, DeviceType: "fdm_printer", EfficiencyFactor: 1}
}

func task(id string, hours float64, priority int, deadline time.Time, pay float64) models.Task {
	return models.Task{
		JobID:               id,
		RequiredDeviceTypes: []string{"fdm_printer"},
		EstimatedHours:      hours,
		Deadline:            deadline,
		Priority:            priority,
		PayAmount:           pay,
	}
}

func segmentsOf(s models.Schedule, jobID string) []models.ScheduledTask {
	var out []models.ScheduledTask
	for _, st := range s.ScheduledTasks {
		if st.JobID == jobID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Segment < out[j].Segment })
	return out
}

func assertNoOverlap(t *testing.T, s models.Schedule) {
	t.Helper()
	byDevice := map[string][]models.ScheduledTask{}
	for _, st := range s.ScheduledTasks {
		byDevice[st.DeviceID] = append(byDevice[st.DeviceID], st)
	}
	for dev, sts := range byDevice {
		sort.Slice(sts, func(i, j int) bool { return sts[i].StartTime.Before(sts[j].StartTime) })
		for i := 1; i < len(sts); i++ {
			if sts[i].StartTime.Before(sts[i-1].EndTime) {
				t.Fatalf("overlap on %s: %s %s-%s and %s %s-%s", dev,
					sts[i-1].JobID, sts[i-1].StartTime, sts[i-1].EndTime,
					sts[i].JobID, sts[i].StartTime, sts[i].EndTime)
			}
		}
	}
}

func TestSchedule_NoCompatibleDevice(t *testing.T) {
	tasks := []models.Task{{
		JobID:               "job-cnc",
		RequiredDeviceTypes: []string{"cnc_mill"},
		EstimatedHours:      4,
		Deadline:            at(2, 0, 0),
		PayAmount:           900,
	}}
	out, err := Schedule(tasks, []models.Device{printer("p1")}, monday, at(7, 0, 0), 16)
	require.NoError(t, err)

	assert.Empty(t, out.ScheduledTasks)
	assert.Equal(t, []string{"job-cnc"}, out.UnscheduledTasks)
	require.Len(t, out.UnscheduledDetails, 1)
	assert.Equal(t, models.ReasonNoCompatibleDevice, out.UnscheduledDetails[0].Reason)
	assert.Zero(t, out.TotalProfit)
	assert.Zero(t, out.ScheduleEfficiency)
	assert.True(t, out.NoCompatibleDevices)
	assert.Empty(t, out.Conflicts)
	assert.Equal(t, ModelVersion, out.ModelVersion)
}

func TestSchedule_ContendedDeviceReportsConflict(t *testing.T) {
	end := at(2, 0, 0)
	tasks := []models.Task{
		task("low", 10, 4, end, 500),
		task("high", 10, 8, end, 100),
	}
	out, err := Schedule(tasks, []models.Device{printer("p1")}, monday, end, 24)
	require.NoError(t, err)
	assertNoOverlap(t, out)

	assert.Equal(t, []string{"high"}, out.ScheduledJobIDs())
	assert.Equal(t, []string{"low"}, out.UnscheduledTasks)
	assert.Equal(t, models.ReasonInsufficientCapacity, out.UnscheduledDetails[0].Reason)
	assert.Equal(t, 100.0, out.TotalProfit)
	assert.Equal(t, 0.5, out.ScheduleEfficiency)

	require.Len(t, out.ConflictDetails, 1)
	c := out.ConflictDetails[0]
	assert.Equal(t, "low", c.JobID)
	assert.Equal(t, []string{"high"}, c.CompetingJobIDs)
	assert.Equal(t, []string{"p1"}, c.DeviceIDs)
	require.Len(t, out.Conflicts, 1)
	assert.Contains(t, out.Conflicts[0], "task low")
	assert.Contains(t, out.Conflicts[0], "capacity held by high")
}

func TestSchedule_LowerPriorityPlacedLaterWhenDeadlineAllows(t *testing.T) {
	end := at(7, 0, 0)
	tasks := []models.Task{
		task("low", 10, 4, end, 500),
		task("high", 10, 8, end, 100),
	}
	out, err := Schedule(tasks, []models.Device{printer("p1")}, monday, end, 16)
	require.NoError(t, err)
	assertNoOverlap(t, out)
	assert.Empty(t, out.UnscheduledTasks)
	assert.Empty(t, out.Conflicts)
	assert.Equal(t, 1.0, out.ScheduleEfficiency)
	assert.Equal(t, 600.0, out.TotalProfit)

	high := segmentsOf(out, "high")
	require.Len(t, high, 2)
	assert.Equal(t, at(0, 8, 0), high[0].StartTime)
	assert.Equal(t, at(0, 16, 0), high[0].EndTime)
	assert.Equal(t, at(1, 8, 0), high[1].StartTime)
	assert.Equal(t, at(1, 10, 0), high[1].EndTime)

	low := segmentsOf(out, "low")
	require.Len(t, low, 2)
	assert.Equal(t, at(1, 10, 0), low[0].StartTime)
	assert.Equal(t, at(1, 16, 0), low[0].EndTime)
	assert.Equal(t, at(2, 8, 0), low[1].StartTime)
	assert.Equal(t, at(2, 12, 0), low[1].EndTime)
	for _, seg := range low {
		assert.Equal(t, at(2, 12, 0), seg.EstimatedCompletion)
		assert.Equal(t, 4, seg.Priority)
	}
}

func TestSchedule_ManufacturerDailyCap(t *testing.T) {
	end := at(2, 0, 0)
	tasks := []models.Task{
		task("a", 8, 9, end, 10),
		task("b", 8, 8, end, 10),
	}
	out, err := Schedule(tasks, []models.Device{printer("p1"), printer("p2")}, monday, end, 10)
	require.NoError(t, err)
	assert.Empty(t, out.UnscheduledTasks)

	perDay := map[string]float64{}
	for _, st := range out.ScheduledTasks {
		perDay[st.StartTime.Format(models.DateLayout)] += st.Hours()
	}
	for day, hours := range perDay {
		assert.LessOrEqual(t, hours, 10.0, day)
	}

	b := segmentsOf(out, "b")
	require.Len(t, b, 2)
	assert.Equal(t, "p2", b[0].DeviceID)
	assert.Equal(t, "p2", b[1].DeviceID)
	assert.Equal(t, at(0, 8, 0), b[0].StartTime)
	assert.Equal(t, at(0, 10, 0), b[0].EndTime)
	assert.Equal(t, at(1, 8, 0), b[1].StartTime)
	assert.Equal(t, at(1, 14, 0), b[1].EndTime)
}

func TestSchedule_BookingsCountTowardDailyCap(t *testing.T) {
	end := at(1, 0, 0)
	booked := printer("a")
	booked.Bookings = []models.Booking{{JobID: "old", Start: at(0, 8, 0), End: at(0, 16, 0)}}

	out, err := Schedule([]models.Task{task("new", 8, 0, end, 10)}, []models.Device{booked, printer("b")}, monday, end, 8)
	require.NoError(t, err)
	assert.Empty(t, out.ScheduledTasks)
	assert.Equal(t, []string{"new"}, out.UnscheduledTasks)
	assert.Empty(t, out.ConflictDetails, "time booked before the run is not a conflict")

	// two hours of headroom remain under a 10 hour cap
	out, err = Schedule([]models.Task{task("new", 2, 0, end, 10)}, []models.Device{booked, printer("b")}, monday, end, 10)
	require.NoError(t, err)
	segs := segmentsOf(out, "new")
	require.Len(t, segs, 1)
	assert.Equal(t, "b", segs[0].DeviceID)
	assert.Equal(t, at(0, 8, 0), segs[0].StartTime)
	assert.Equal(t, at(0, 10, 0), segs[0].EndTime)
}

func TestBookedPerDay(t *testing.T) {
	h := newHorizon(at(0, 6, 0), at(2, 0, 0))
	devices := []models.Device{
		{DeviceID: "a", Bookings: []models.Booking{
			{JobID: "x", Start: at(0, 9, 0), End: at(0, 11, 0)},
			{JobID: "y", Start: at(0, 10, 0), End: at(0, 12, 0)},
			{JobID: "night", Start: at(0, 22, 0), End: at(1, 2, 0)},
		}},
		{DeviceID: "b", Bookings: []models.Booking{
			{JobID: "early", Start: at(0, 4, 0), End: at(0, 7, 0)},
			{JobID: "late", Start: at(1, 23, 0), End: at(2, 3, 0)},
			{JobID: "odd", Start: at(1, 12, 0), End: at(1, 12, 0).Add(30 * time.Second)},
		}},
	}
	got := bookedPerDay(devices, h)
	require.Len(t, got, 2)
	// 9-12 merged, 22-24, 6-7 after clipping to the horizon start
	assert.Equal(t, 6*time.Hour, got[0])
	// 0-2, 23-24, and 30 seconds rounded up to a minute
	assert.Equal(t, 3*time.Hour+time.Minute, got[1])
}

func TestSchedule_CapContentionConflictNamesOtherDevice(t *testing.T) {
	end := at(1, 0, 0)
	first := task("first", 8, 9, end, 10)
	first.RequiredDeviceTypes = []string{"laser"}
	tasks := []models.Task{first, task("second", 4, 8, end, 10)}
	laser := models.Device{DeviceID: "l1", DeviceType: "laser"}
	out, err := Schedule(tasks, []models.Device{printer("p1"), laser}, monday, end, 8)
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, out.UnscheduledTasks)
	require.Len(t, out.ConflictDetails, 1)
	assert.Equal(t, []string{"first"}, out.ConflictDetails[0].CompetingJobIDs)
	assert.Equal(t, []string{"p1"}, out.ConflictDetails[0].DeviceIDs)
	assert.Contains(t, out.ConflictDetails[0].Reason, "daily capacity")
}

func TestSchedule_InfeasibleTaskIsNotAConflict(t *testing.T) {
	end := at(7, 0, 0)
	out, err := Schedule([]models.Task{task("huge", 100, 0, end, 10)}, []models.Device{printer("p1")}, monday, end, 16)
	require.NoError(t, err)
	assert.Equal(t, []string{"huge"}, out.UnscheduledTasks)
	assert.Empty(t, out.ConflictDetails)
}

func TestSchedule_DeadlineBeforeHorizon(t *testing.T) {
	out, err := Schedule([]models.Task{task("late", 1, 0, monday.Add(-time.Hour), 10)}, []models.Device{printer("p1")}, monday, at(7, 0, 0), 16)
	require.NoError(t, err)
	require.Len(t, out.UnscheduledDetails, 1)
	assert.Equal(t, models.ReasonDeadlineBeforeWindow, out.UnscheduledDetails[0].Reason)
}

func TestSchedule_CalendarAdjustments(t *testing.T) {
	end := at(7, 0, 0)
	cases := []struct {
		name   string
		device models.Device
		hours  float64
		want   []models.Window
	}{
		{
			name:   "maintenance splits the day",
			device: models.Device{DeviceID: "p1", DeviceType: "fdm_printer", Maintenance: []models.Window{{Start: at(0, 10, 0), End: at(0, 12, 0)}}},
			hours:  4,
			want:   []models.Window{{Start: at(0, 8, 0), End: at(0, 10, 0)}, {Start: at(0, 12, 0), End: at(0, 14, 0)}},
		},
		{
			name:   "recurring maintenance",
			device: models.Device{DeviceID: "p1", DeviceType: "fdm_printer", MaintenanceCron: "0 8 * * *", MaintenanceMinutes: 60},
			hours:  2,
			want:   []models.Window{{Start: at(0, 9, 0), End: at(0, 11, 0)}},
		},
		{
			name:   "existing booking",
			device: models.Device{DeviceID: "p1", DeviceType: "fdm_printer", Bookings: []models.Booking{{JobID: "old", Start: at(0, 8, 0), End: at(0, 12, 0)}}},
			hours:  2,
			want:   []models.Window{{Start: at(0, 12, 0), End: at(0, 14, 0)}},
		},
		{
			name:   "efficiency shortens device time",
			device: models.Device{DeviceID: "p1", DeviceType: "fdm_printer", EfficiencyFactor: 2},
			hours:  4,
			want:   []models.Window{{Start: at(0, 8, 0), End: at(0, 10, 0)}},
		},
		{
			name:   "day off in calendar",
			device: models.Device{DeviceID: "p1", DeviceType: "fdm_printer", AvailableHoursPerDay: map[string]float64{"2026-01-05": 0}},
			hours:  2,
			want:   []models.Window{{Start: at(1, 8, 0), End: at(1, 10, 0)}},
		},
		{
			name:   "fractional hours round up to the minute",
			device: printer("p1"),
			hours:  1.01,
			want:   []models.Window{{Start: at(0, 8, 0), End: at(0, 9, 1)}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Schedule([]models.Task{task("job", tc.hours, 0, end, 10)}, []models.Device{tc.device}, monday, end, 16)
			require.NoError(t, err)
			segs := segmentsOf(out, "job")
			require.Len(t, segs, len(tc.want))
			for i, w := range tc.want {
				assert.Equal(t, w.Start, segs[i].StartTime, "segment %d start", i)
				assert.Equal(t, w.End, segs[i].EndTime, "segment %d end", i)
				assert.Equal(t, i, segs[i].Segment)
			}
		})
	}
}

func TestSchedule_DevicePreference(t *testing.T) {
	end := at(7, 0, 0)
	laser := models.Device{DeviceID: "l1", DeviceType: "laser"}
	tk := task("job", 2, 0, end, 10)
	tk.RequiredDeviceTypes = []string{"laser", "fdm_printer"}

	out, err := Schedule([]models.Task{tk}, []models.Device{printer("p1"), laser}, monday, end, 16)
	require.NoError(t, err)
	require.Len(t, out.ScheduledTasks, 1)
	assert.Equal(t, "l1", out.ScheduledTasks[0].DeviceID)

	// least committed device wins over preference
	second := task("job2", 2, 0, end, 5)
	second.RequiredDeviceTypes = []string{"laser", "fdm_printer"}
	out, err = Schedule([]models.Task{tk, second}, []models.Device{printer("p1"), laser}, monday, end, 16)
	require.NoError(t, err)
	assert.Equal(t, "l1", segmentsOf(out, "job")[0].DeviceID)
	assert.Equal(t, "p1", segmentsOf(out, "job2")[0].DeviceID)
}

func TestSchedule_UtilizationAndProfit(t *testing.T) {
	end := at(7, 0, 0)
	tasks := []models.Task{task("a", 14, 0, end, 120.5), task("b", 14, 0, end, 79.5)}
	out, err := Schedule(tasks, []models.Device{printer("p1")}, monday, end, 16)
	require.NoError(t, err)
	assert.Equal(t, 200.0, out.TotalProfit)
	// 28 of 56 nominal hours
	assert.Equal(t, 50.0, out.DeviceUtilization["p1"])
	for _, u := range out.DeviceUtilization {
		assert.GreaterOrEqual(t, u, 0.0)
		assert.LessOrEqual(t, u, 100.0)
	}
}

func TestSchedule_Deterministic(t *testing.T) {
	end := at(7, 0, 0)
	tasks := []models.Task{
		task("a", 6, 0, at(2, 0, 0), 50),
		task("b", 9, 0, at(5, 0, 0), 80),
		task("c", 3, 7, at(6, 0, 0), 20),
		task("d", 12, 0, end, 50),
		task("e", 5, 0, at(2, 0, 0), 50),
	}
	devices := []models.Device{printer("p1"), printer("p2")}

	first, err := Schedule(tasks, devices, monday, end, 12)
	require.NoError(t, err)
	reversed := make([]models.Task, len(tasks))
	for i, tk := range tasks {
		reversed[len(tasks)-1-i] = tk
	}
	second, err := Schedule(reversed, devices, monday, end, 12)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assertNoOverlap(t, first)
	assert.GreaterOrEqual(t, first.ScheduleEfficiency, 0.0)
	assert.LessOrEqual(t, first.ScheduleEfficiency, 1.0)
}

func TestSchedule_EmptyInput(t *testing.T) {
	out, err := Schedule(nil, nil, monday, at(1, 0, 0), 8)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.ScheduleEfficiency)
	assert.False(t, out.NoCompatibleDevices)
	assert.NotNil(t, out.ScheduledTasks)
	assert.NotNil(t, out.UnscheduledTasks)
}

func TestSchedule_Validation(t *testing.T) {
	end := at(7, 0, 0)
	good := task("a", 1, 0, end, 1)
	cases := []struct {
		name    string
		tasks   []models.Task
		devices []models.Device
		start   time.Time
		end     time.Time
		cap     float64
	}{
		{"zero hours", []models.Task{task("a", 0, 0, end, 1)}, nil, monday, end, 8},
		{"priority too high", []models.Task{task("a", 1, 11, end, 1)}, nil, monday, end, 8},
		{"missing job id", []models.Task{task("", 1, 0, end, 1)}, nil, monday, end, 8},
		{"duplicate job", []models.Task{good, good}, nil, monday, end, 8},
		{"missing deadline", []models.Task{task("a", 1, 0, time.Time{}, 1)}, nil, monday, end, 8},
		{"duplicate device", []models.Task{good}, []models.Device{printer("p"), printer("p")}, monday, end, 8},
		{"negative efficiency", []models.Task{good}, []models.Device{{DeviceID: "p", DeviceType: "fdm_printer", EfficiencyFactor: -1}}, monday, end, 8},
		{"bad date key", []models.Task{good}, []models.Device{{DeviceID: "p", AvailableHoursPerDay: map[string]float64{"05/01/2026": 8}}}, monday, end, 8},
		{"negative day hours", []models.Task{good}, []models.Device{{DeviceID: "p", AvailableHoursPerDay: map[string]float64{"2026-01-05": -1}}}, monday, end, 8},
		{"bad cron", []models.Task{good}, []models.Device{{DeviceID: "p", MaintenanceCron: "every day", MaintenanceMinutes: 30}}, monday, end, 8},
		{"cron without duration", []models.Task{good}, []models.Device{{DeviceID: "p", MaintenanceCron: "0 8 * * *"}}, monday, end, 8},
		{"horizon reversed", []models.Task{good}, nil, end, monday, 8},
		{"horizon too long", []models.Task{good}, nil, monday, monday.AddDate(0, 4, 0), 8},
		{"zero daily capacity", []models.Task{good}, nil, monday, end, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Schedule(tc.tasks, tc.devices, tc.start, tc.end, tc.cap)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestVerifyDetectsDoubleBooking(t *testing.T) {
	d := printer("p1")
	d.Bookings = []models.Booking{{JobID: "old", Start: at(0, 8, 0), End: at(0, 10, 0)}}
	cal := &deviceCalendar{device: d, placed: []placement{{jobID: "new", window: models.Window{Start: at(0, 9, 0), End: at(0, 11, 0)}}}}
	assert.ErrorIs(t, verify([]*deviceCalendar{cal}), ErrDoubleBooking)

	cal = &deviceCalendar{device: printer("p2"), placed: []placement{
		{jobID: "x", window: models.Window{Start: at(0, 8, 0), End: at(0, 10, 0)}},
		{jobID: "y", window: models.Window{Start: at(0, 9, 0), End: at(0, 12, 0)}},
	}}
	assert.ErrorIs(t, verify([]*deviceCalendar{cal}), ErrDoubleBooking)
}
