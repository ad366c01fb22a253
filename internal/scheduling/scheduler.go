// Package scheduling places a manufacturer's accepted tasks onto its devices
// inside a planning horizon. Placement is greedy and deterministic: tasks are
// visited in priority order and each one is packed into the earliest free
// time of a single compatible device.
package scheduling

import (
	"fmt"
	"math"
	"sort"
	"time"

	"production-planner/internal/models"
)

// Scheduler holds the policy used for every run. It carries no per-run state
// and is safe for concurrent use.
type Scheduler struct {
	policy Policy
}

func NewScheduler(p Policy) *Scheduler {
	return &Scheduler{policy: p.withDefaults()}
}

// Policy returns the effective policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Schedule runs the scheduler with the default policy.
func Schedule(tasks []models.Task, devices []models.Device, horizonStart, horizonEnd time.Time, dailyCapacityHours float64) (models.Schedule, error) {
	return NewScheduler(DefaultPolicy()).Schedule(tasks, devices, horizonStart, horizonEnd, dailyCapacityHours)
}

// Schedule builds a schedule for tasks on devices within [horizonStart, horizonEnd).
// dailyCapacityHours caps the work placed across all devices on one calendar day.
// Tasks that cannot be placed are reported, not returned as errors; only invalid
// input and internal consistency failures produce an error.
func (s *Scheduler) Schedule(tasks []models.Task, devices []models.Device, horizonStart, horizonEnd time.Time, dailyCapacityHours float64) (models.Schedule, error) {
	if err := s.validate(tasks, devices, horizonStart, horizonEnd, dailyCapacityHours); err != nil {
		return models.Schedule{}, err
	}

	h := newHorizon(horizonStart, horizonEnd)
	cals := make([]*deviceCalendar, len(devices))
	for i, d := range devices {
		cal, err := buildCalendar(d, i, h, s.policy)
		if err != nil {
			return models.Schedule{}, err
		}
		cals[i] = cal
	}

	booked := bookedPerDay(devices, h)
	r := &run{
		horizon:  h,
		cals:     cals,
		booked:   booked,
		used:     append([]time.Duration(nil), booked...),
		dailyCap: wholeMinutes(dailyCapacityHours, math.Floor),
	}
	out := models.Schedule{
		ScheduledTasks:     []models.ScheduledTask{},
		UnscheduledTasks:   []string{},
		UnscheduledDetails: []models.UnscheduledTask{},
		DeviceUtilization:  make(map[string]float64, len(devices)),
		Conflicts:          []string{},
		ConflictDetails:    []models.Conflict{},
		ModelVersion:       ModelVersion,
	}

	compatible := false
	placedJobs := 0
	for _, t := range s.policy.Prioritize(tasks, horizonStart) {
		eligible := eligibleDevices(t, cals)
		if len(eligible) == 0 {
			unschedule(&out, t.JobID, models.ReasonNoCompatibleDevice)
			continue
		}
		compatible = true

		limit := t.Deadline
		if horizonEnd.Before(limit) {
			limit = horizonEnd
		}
		if !limit.After(horizonStart) {
			unschedule(&out, t.JobID, models.ReasonDeadlineBeforeWindow)
			continue
		}

		segments, ok := r.place(t, eligible, limit)
		if !ok {
			unschedule(&out, t.JobID, models.ReasonInsufficientCapacity)
			if c, found := r.conflict(t, eligible, limit); found {
				out.ConflictDetails = append(out.ConflictDetails, c)
				out.Conflicts = append(out.Conflicts, c.String())
			}
			continue
		}
		out.ScheduledTasks = append(out.ScheduledTasks, segments...)
		out.TotalProfit += t.PayAmount
		placedJobs++
	}

	sort.SliceStable(out.ScheduledTasks, func(i, j int) bool {
		a, b := out.ScheduledTasks[i], out.ScheduledTasks[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		return a.JobID < b.JobID
	})
	for _, cal := range cals {
		out.DeviceUtilization[cal.device.DeviceID] = utilization(cal)
	}
	out.ScheduleEfficiency = efficiency(placedJobs, len(out.UnscheduledTasks))
	out.NoCompatibleDevices = len(tasks) > 0 && !compatible

	if err := verify(cals); err != nil {
		return models.Schedule{}, err
	}
	return out, nil
}

type run struct {
	horizon  horizon
	cals     []*deviceCalendar
	booked   []time.Duration // work already booked before this run, per horizon day
	used     []time.Duration // manufacturer-wide work per horizon day
	dailyCap time.Duration
	order    []placement // every placement of this run, in placement order
}

// place tries the eligible devices in turn and commits the first full fit.
func (r *run) place(t models.Task, eligible []*deviceCalendar, limit time.Time) ([]models.ScheduledTask, bool) {
	for _, cal := range eligible {
		chunks, ok := plan(cal.days, cal.required(t.EstimatedHours), limit, r.used, r.dailyCap)
		if !ok {
			continue
		}
		cal.commit(t.JobID, chunks, r.used)
		completion := chunks[len(chunks)-1].window.End
		segments := make([]models.ScheduledTask, len(chunks))
		for i, ch := range chunks {
			r.order = append(r.order, placement{jobID: t.JobID, window: ch.window})
			segments[i] = models.ScheduledTask{
				JobID:               t.JobID,
				DeviceID:            cal.device.DeviceID,
				StartTime:           ch.window.Start,
				EndTime:             ch.window.End,
				EstimatedCompletion: completion,
				Segment:             i,
				Priority:            t.Priority,
				PayAmount:           t.PayAmount,
			}
		}
		return segments, true
	}
	return nil, false
}

// conflict explains a failed placement. A conflict exists only when the task
// would have fit on the calendar as it stood before this run, i.e. tasks placed
// earlier in this run took the time it needed.
func (r *run) conflict(t models.Task, eligible []*deviceCalendar, limit time.Time) (models.Conflict, bool) {
	fresh := append([]time.Duration(nil), r.booked...)
	fits := false
	for _, cal := range eligible {
		if _, ok := plan(cal.initial, cal.required(t.EstimatedHours), limit, fresh, r.dailyCap); ok {
			fits = true
			break
		}
	}
	if !fits {
		return models.Conflict{}, false
	}

	deviceIDs := make([]string, len(eligible))
	var held []placement
	for i, cal := range eligible {
		deviceIDs[i] = cal.device.DeviceID
		held = append(held, cal.placed...)
	}
	reason := "device time taken by higher-ranked tasks"
	blockers := competingJobs(held, limit)
	if len(blockers) == 0 {
		reason = "manufacturer daily capacity taken by higher-ranked tasks"
		blockers = competingJobs(r.order, limit)
	}
	if len(blockers) == 0 {
		return models.Conflict{}, false
	}
	return models.Conflict{
		JobID:           t.JobID,
		Priority:        t.Priority,
		Deadline:        t.Deadline,
		CompetingJobIDs: blockers,
		DeviceIDs:       deviceIDs,
		Reason:          reason,
	}, true
}

// competingJobs lists distinct jobs holding time that starts before limit,
// in placement order.
func competingJobs(ps []placement, limit time.Time) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range ps {
		if p.window.Start.Before(limit) && !seen[p.jobID] {
			seen[p.jobID] = true
			out = append(out, p.jobID)
		}
	}
	return out
}

// eligibleDevices returns the devices whose type the task accepts, ordered by
// least committed time, then the task's type preference, then input order.
func eligibleDevices(t models.Task, cals []*deviceCalendar) []*deviceCalendar {
	pref := make(map[string]int, len(t.RequiredDeviceTypes))
	for i, typ := range t.RequiredDeviceTypes {
		if _, dup := pref[typ]; !dup {
			pref[typ] = i
		}
	}
	var out []*deviceCalendar
	for _, cal := range cals {
		if _, ok := pref[cal.device.DeviceType]; ok {
			out = append(out, cal)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.committed != b.committed {
			return a.committed < b.committed
		}
		if pa, pb := pref[a.device.DeviceType], pref[b.device.DeviceType]; pa != pb {
			return pa < pb
		}
		return a.index < b.index
	})
	return out
}

// verify checks that nothing placed this run overlaps another placement or an
// existing booking on the same device.
func verify(cals []*deviceCalendar) error {
	for _, cal := range cals {
		placed := append([]placement(nil), cal.placed...)
		sort.Slice(placed, func(i, j int) bool { return placed[i].window.Start.Before(placed[j].window.Start) })
		for i := 1; i < len(placed); i++ {
			if placed[i-1].window.Overlaps(placed[i].window) {
				return fmt.Errorf("%w: %s and %s on %s", ErrDoubleBooking, placed[i-1].jobID, placed[i].jobID, cal.device.DeviceID)
			}
		}
		for _, p := range placed {
			for _, b := range cal.device.Bookings {
				if p.window.Overlaps(b.Window()) {
					return fmt.Errorf("%w: %s overlaps booking of %s on %s", ErrDoubleBooking, p.jobID, b.JobID, cal.device.DeviceID)
				}
			}
		}
	}
	return nil
}

func (s *Scheduler) validate(tasks []models.Task, devices []models.Device, start, end time.Time, dailyCapacityHours float64) error {
	if start.IsZero() || end.IsZero() {
		return invalid("horizon", "start and end are required")
	}
	if !end.After(start) {
		return invalid("horizon", "end %s is not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if longest := time.Duration(s.policy.MaxHorizonDays) * 24 * time.Hour; end.Sub(start) > longest {
		return invalid("horizon", "longer than %d days", s.policy.MaxHorizonDays)
	}
	if math.IsNaN(dailyCapacityHours) || math.IsInf(dailyCapacityHours, 0) || dailyCapacityHours <= 0 {
		return invalid("daily_manufacturer_capacity_hours", "must be positive, got %v", dailyCapacityHours)
	}

	jobs := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		switch {
		case t.JobID == "":
			return invalid(field+".job_id", "is required")
		case jobs[t.JobID]:
			return invalid(field+".job_id", "duplicate job %s", t.JobID)
		case math.IsNaN(t.EstimatedHours) || math.IsInf(t.EstimatedHours, 0) || t.EstimatedHours <= 0:
			return invalid(field+".estimated_hours", "must be positive, got %v", t.EstimatedHours)
		case t.Priority < 0 || t.Priority > 10:
			return invalid(field+".priority", "must be within 0..10, got %d", t.Priority)
		case math.IsNaN(t.PayAmount) || t.PayAmount < 0:
			return invalid(field+".pay_amount", "must not be negative")
		case t.Deadline.IsZero():
			return invalid(field+".deadline", "is required")
		}
		jobs[t.JobID] = true
	}

	ids := make(map[string]bool, len(devices))
	for i, d := range devices {
		field := fmt.Sprintf("devices[%d]", i)
		switch {
		case d.DeviceID == "":
			return invalid(field+".device_id", "is required")
		case ids[d.DeviceID]:
			return invalid(field+".device_id", "duplicate device %s", d.DeviceID)
		case math.IsNaN(d.EfficiencyFactor) || math.IsInf(d.EfficiencyFactor, 0) || d.EfficiencyFactor < 0:
			return invalid(field+".efficiency_factor", "must not be negative, got %v", d.EfficiencyFactor)
		case d.MaintenanceMinutes < 0:
			return invalid(field+".maintenance_duration_minutes", "must not be negative")
		}
		ids[d.DeviceID] = true
		for key, hours := range d.AvailableHoursPerDay {
			if _, err := time.Parse(models.DateLayout, key); err != nil {
				return invalid(field+".available_hours_per_day", "bad date key %q", key)
			}
			if math.IsNaN(hours) || hours < 0 || hours > 24 {
				return invalid(field+".available_hours_per_day", "%s: hours must be within 0..24, got %v", key, hours)
			}
		}
		for _, w := range d.Maintenance {
			if !w.End.After(w.Start) {
				return invalid(field+".maintenance", "window end must be after start")
			}
		}
		for _, b := range d.Bookings {
			if !b.End.After(b.Start) {
				return invalid(field+".bookings", "booking %s end must be after start", b.JobID)
			}
		}
	}
	return nil
}
func unschedule(out *models.Schedule, jobID, reason string) {
	out.UnscheduledTasks = append(out.UnscheduledTasks, jobID)
	out.UnscheduledDetails = append(out.UnscheduledDetails, models.UnscheduledTask{JobID: jobID, Reason: reason})
}
