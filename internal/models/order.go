package models

import "time"

// Order types. Only open requests may be split across manufacturers.
const (
	OrderTypeOpenRequest = "open-request"
	OrderTypeDirect      = "direct"
)

// Assignment statuses set by this service. Later production states are owned elsewhere.
const (
	AssignmentProposed = "proposed"
	AssignmentAccepted = "accepted"
)

// Job is a manufacturing order. AssignedQuantity never exceeds Quantity.
type Job struct {
	ID               string    `json:"id"`
	Quantity         uint      `json:"quantity"`
	Deadline         time.Time `json:"deadline"`
	OrderType        string    `json:"order_type"`
	AssignedQuantity uint      `json:"assigned_quantity"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Open returns the number of units not yet assigned to any manufacturer.
func (j Job) Open() uint {
	if j.AssignedQuantity >= j.Quantity {
		return 0
	}
	return j.Quantity - j.AssignedQuantity
}

// CandidateScore is the ranking output for one manufacturer. All scores are in [0,1].
type CandidateScore struct {
	ManufacturerID string  `json:"manufacturer_id"`
	RankScore      float64 `json:"rank_score"`
	CapacityScore  float64 `json:"capacity_score"`
	QualityScore   float64 `json:"quality_score"`
}

// Combined is rank × capacity × quality.
func (c CandidateScore) Combined() float64 {
	return c.RankScore * c.CapacityScore * c.QualityScore
}

// Assignment is a share of a job given to one manufacturer.
type Assignment struct {
	ID                string    `json:"id,omitempty"`
	JobID             string    `json:"job_id"`
	ManufacturerID    string    `json:"manufacturer_id"`
	AssignedQuantity  uint      `json:"assigned_quantity"`
	PayAmountCents    int64     `json:"pay_amount_cents"`
	EstimatedDelivery time.Time `json:"estimated_delivery_date"`
	Status            string    `json:"status"`
	CombinedScore     float64   `json:"combined_score"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
}
