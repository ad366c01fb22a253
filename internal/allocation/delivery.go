package allocation

import (
	"math"
	"time"

	"production-planner/internal/models"
)

// DeliveryPolicy decides when a manufacturer is expected to deliver its share.
type DeliveryPolicy interface {
	EstimateDelivery(c models.CandidateScore, units uint) time.Time
}

// DeadlineLead delivers LeadDays before the job deadline, whoever the manufacturer is.
type DeadlineLead struct {
	Deadline time.Time
	LeadDays int
}

// EstimateDelivery implements DeliveryPolicy.
func (d DeadlineLead) EstimateDelivery(models.CandidateScore, uint) time.Time {
	if d.Deadline.IsZero() {
		return time.Time{}
	}
	return d.Deadline.AddDate(0, 0, -d.LeadDays)
}

// CompletionEstimate derives delivery from the expected production time of the
// share, adjusted for the manufacturer's capacity and quality profile.
type CompletionEstimate struct {
	Start        time.Time
	HoursPerUnit float64
	Complexity   float64
}

// EstimateDelivery implements DeliveryPolicy.
func (c CompletionEstimate) EstimateDelivery(cand models.CandidateScore, units uint) time.Time {
	est := EstimateCompletion(CompletionInput{
		CapacityScore:  cand.CapacityScore,
		QualityScore:   cand.QualityScore,
		EstimatedHours: c.HoursPerUnit * float64(units),
		Complexity:     c.Complexity,
	})
	return c.Start.AddDate(0, 0, est.Days)
}

// CompletionInput feeds EstimateCompletion.
type CompletionInput struct {
	CapacityScore  float64
	QualityScore   float64
	EstimatedHours float64
	Complexity     float64
}

// CompletionBreakdown explains an estimate, rounded to a tenth of a day.
type CompletionBreakdown struct {
	BaseDays             float64 `json:"base_days"`
	CapacityAdjustment   float64 `json:"capacity_adjustment"`
	QualityAdjustment    float64 `json:"quality_adjustment"`
	ComplexityAdjustment float64 `json:"complexity_adjustment"`
}

// CompletionEstimateResult is the number of calendar days a share takes.
type CompletionEstimateResult struct {
	Days       int                 `json:"estimated_completion_days"`
	Confidence float64             `json:"confidence"`
	Breakdown  CompletionBreakdown `json:"breakdown"`
}

const (
	workdayHours        = 8.0
	completionBuffer    = 1.25
	maxCompletionDays   = 60
	heuristicConfidence = 0.75
)

// EstimateCompletion turns production hours into calendar days: 8h workdays
// with a 25% buffer, then capacity, quality and complexity adjustments.
// Results are clamped to [1, 60] days.
func EstimateCompletion(in CompletionInput) CompletionEstimateResult {
	base := math.Max(1, math.Ceil(in.EstimatedHours/workdayHours*completionBuffer))

	capacityFactor := 0.9
	switch {
	case in.CapacityScore > 0.8:
		capacityFactor = 1.15
	case in.CapacityScore > 0.5:
		capacityFactor = 1.0
	}
	qualityFactor := 1.0
	switch {
	case in.QualityScore > 0.85:
		qualityFactor = 1.12
	case in.QualityScore > 0.7:
		qualityFactor = 1.05
	}
	complexityFactor := 1.0
	switch {
	case in.Complexity > 0.7:
		complexityFactor = 1.3
	case in.Complexity > 0.4:
		complexityFactor = 1.15
	}

	capAdj := base * (capacityFactor - 1)
	qualAdj := base * (qualityFactor - 1)
	cxAdj := base * (complexityFactor - 1)
	days := int(math.Ceil(base + capAdj + qualAdj + cxAdj))
	if days < 1 {
		days = 1
	}
	if days > maxCompletionDays {
		days = maxCompletionDays
	}
	return CompletionEstimateResult{
		Days:       days,
		Confidence: heuristicConfidence,
		Breakdown: CompletionBreakdown{
			BaseDays:             tenth(base),
			CapacityAdjustment:   tenth(capAdj),
			QualityAdjustment:    tenth(qualAdj),
			ComplexityAdjustment: tenth(cxAdj),
		},
	}
}

func tenth(v float64) float64 {
	return math.Round(v*10) / 10
}
