package models

import (
	"fmt"
	"strings"
	"time"
)

// Unscheduled reasons.
const (
	ReasonNoCompatibleDevice   = "no compatible device"
	ReasonDeadlineBeforeWindow = "deadline before horizon start"
	ReasonInsufficientCapacity = "insufficient capacity before deadline"
)

// Task is one accepted job a manufacturer has to produce.
// Priority 0 means "derive from the deadline".
type Task struct {
	JobID               string    `json:"job_id"`
	RequiredDeviceTypes []string  `json:"required_device_types"`
	EstimatedHours      float64   `json:"estimated_hours"`
	Deadline            time.Time `json:"deadline"`
	Priority            int       `json:"priority,omitempty"`
	PayAmount           float64   `json:"pay_amount"`
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two windows share any instant.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Duration of the window.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Booking is device time already committed to a job by an earlier run.
type Booking struct {
	JobID    string    `json:"job_id"`
	DeviceID string    `json:"device_id,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// Window returns the booked interval.
func (b Booking) Window() Window {
	return Window{Start: b.Start, End: b.End}
}

// Device is one physical machine. AvailableHoursPerDay is keyed by calendar
// date (2006-01-02). EfficiencyFactor 0 is treated as 1.
type Device struct {
	DeviceID             string             `json:"device_id"`
	DeviceType           string             `json:"device_type"`
	AvailableHoursPerDay map[string]float64 `json:"available_hours_per_day"`
	EfficiencyFactor     float64            `json:"efficiency_factor"`
	Maintenance          []Window           `json:"maintenance,omitempty"`
	MaintenanceCron      string             `json:"maintenance_cron,omitempty"`
	MaintenanceMinutes   int                `json:"maintenance_duration_minutes,omitempty"`
	Bookings             []Booking          `json:"bookings,omitempty"`
}

// ScheduledTask is one contiguous block of a task on a device. Tasks that span
// several days produce several segments on the same device.
type ScheduledTask struct {
	JobID               string    `json:"job_id"`
	DeviceID            string    `json:"device_id"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
	Segment             int       `json:"segment"`
	Priority            int       `json:"priority"`
	PayAmount           float64   `json:"pay_amount"`
}

// Hours is the wall-clock length of the segment.
func (s ScheduledTask) Hours() float64 {
	return s.EndTime.Sub(s.StartTime).Hours()
}

// UnscheduledTask explains why a task was not placed.
type UnscheduledTask struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// Conflict records a task that lost contended capacity to tasks placed before it.
type Conflict struct {
	JobID           string    `json:"job_id"`
	Priority        int       `json:"priority"`
	Deadline        time.Time `json:"deadline"`
	CompetingJobIDs []string  `json:"competing_job_ids"`
	DeviceIDs       []string  `json:"device_ids"`
	Reason          string    `json:"reason"`
}

// String renders the conflict for humans.
func (c Conflict) String() string {
	return fmt.Sprintf("task %s (priority %d) could not be placed before %s on [%s]: capacity held by %s",
		c.JobID, c.Priority, c.Deadline.UTC().Format(time.RFC3339),
		strings.Join(c.DeviceIDs, ", "), strings.Join(c.CompetingJobIDs, ", "))
}

// Schedule is the result of one scheduling run.
type Schedule struct {
	ScheduledTasks      []ScheduledTask    `json:"scheduled_tasks"`
	UnscheduledTasks    []string           `json:"unscheduled_tasks"`
	UnscheduledDetails  []UnscheduledTask  `json:"unscheduled_details"`
	TotalProfit         float64            `json:"total_profit"`
	DeviceUtilization   map[string]float64 `json:"device_utilization"`
	ScheduleEfficiency  float64            `json:"schedule_efficiency"`
	Conflicts           []string           `json:"conflicts"`
	ConflictDetails     []Conflict         `json:"conflict_details"`
	NoCompatibleDevices bool               `json:"no_compatible_devices,omitempty"`
	ModelVersion        string             `json:"model_version"`
}

// ScheduledJobIDs returns the distinct job ids that were placed, in first-seen order.
func (s Schedule) ScheduledJobIDs() []string {
	seen := make(map[string]bool, len(s.ScheduledTasks))
	out := make([]string, 0, len(s.ScheduledTasks))
	for _, st := range s.ScheduledTasks {
		if !seen[st.JobID] {
			seen[st.JobID] = true
			out = append(out, st.JobID)
		}
	}
	return out
}
