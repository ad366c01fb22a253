package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar key format used for device day capacities.
const DateLayout = "2006-01-02"

// Date accepts either a calendar date or an RFC 3339 timestamp in JSON.
type Date struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Time = time.Time{}
		return nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return fmt.Errorf("invalid date %q", raw)
	}
	d.Time = t
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Time.Format(time.RFC3339))
}

// AllocationRequest is the body of POST /allocate-quantity. Quantity, Deadline
// and OrderType register the job on first use. Later calls may omit them; when
// repeated they must match the registered job.
type AllocationRequest struct {
	JobID             string           `json:"job_id"`
	RemainingQuantity uint             `json:"remaining_quantity"`
	Candidates        []CandidateScore `json:"candidates"`
	PerUnitPrice      float64          `json:"per_unit_price"`
	Quantity          uint             `json:"quantity,omitempty"`
	Deadline          *time.Time       `json:"deadline,omitempty"`
	OrderType         string           `json:"order_type,omitempty"`
}

// AllocationResponse reports the assignments created for the job.
// Remaining is what is still open on the job after this allocation.
type AllocationResponse struct {
	JobID         string       `json:"job_id"`
	Assignments   []Assignment `json:"assignments"`
	TotalAssigned uint         `json:"total_assigned"`
	Remaining     uint         `json:"remaining"`
}

// ManualAssignmentRequest is a manufacturer accepting part of an open request.
type ManualAssignmentRequest struct {
	ManufacturerID    string    `json:"manufacturer_id"`
	AssignedQuantity  uint      `json:"assigned_quantity"`
	EstimatedDelivery time.Time `json:"estimated_delivery_date"`
	PayAmountCents    int64     `json:"pay_amount_cents"`
}

// ScheduleRequest is the body of POST /schedule-tasks.
type ScheduleRequest struct {
	ManufacturerID                 string   `json:"manufacturer_id"`
	Tasks                          []Task   `json:"tasks"`
	Devices                        []Device `json:"devices"`
	HorizonStart                   Date     `json:"horizon_start"`
	HorizonEnd                     Date     `json:"horizon_end"`
	DailyManufacturerCapacityHours float64  `json:"daily_manufacturer_capacity_hours"`
}

// ScheduleResponse is a persisted schedule.
type ScheduleResponse struct {
	ScheduleID     string `json:"schedule_id"`
	ManufacturerID string `json:"manufacturer_id"`
	Schedule
}

// ScheduleRecord is a schedule as stored.
type ScheduleRecord struct {
	ID             string    `json:"id"`
	ManufacturerID string    `json:"manufacturer_id"`
	HorizonStart   time.Time `json:"horizon_start"`
	HorizonEnd     time.Time `json:"horizon_end"`
	Schedule       Schedule  `json:"schedule"`
	CreatedAt      time.Time `json:"created_at"`
}
