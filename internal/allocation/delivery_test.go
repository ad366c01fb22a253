package allocation

import (
	"testing"
	"time"

	"production-planner/internal/models"
)

func TestEstimateCompletion(t *testing.T) {
	cases := []struct {
		name string
		in   CompletionInput
		want int
	}{
		{"minimum one day", CompletionInput{CapacityScore: 0.3, QualityScore: 0.5}, 1},
		{"adjusted week", CompletionInput{CapacityScore: 0.9, QualityScore: 0.9, EstimatedHours: 40, Complexity: 0.5}, 10},
		{"plain", CompletionInput{CapacityScore: 0.6, QualityScore: 0.6, EstimatedHours: 16}, 3},
		{"clamped", CompletionInput{CapacityScore: 0.9, QualityScore: 0.9, EstimatedHours: 10000, Complexity: 0.9}, 60},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EstimateCompletion(tc.in)
			if got.Days != tc.want {
				t.Fatalf("expected %d days got %d (%+v)", tc.want, got.Days, got.Breakdown)
			}
			if got.Confidence <= 0 || got.Confidence > 1 {
				t.Fatalf("confidence out of range: %v", got.Confidence)
			}
		})
	}
}

func TestDeliveryPolicies(t *testing.T) {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	cand := models.CandidateScore{ManufacturerID: "m", RankScore: 1, CapacityScore: 0.6, QualityScore: 0.6}

	est := CompletionEstimate{Start: start, HoursPerUnit: 0.5}
	if got, want := est.EstimateDelivery(cand, 32), start.AddDate(0, 0, 3); !got.Equal(want) {
		t.Fatalf("completion estimate: expected %s got %s", want, got)
	}

	if got := (DeadlineLead{}).EstimateDelivery(cand, 10); !got.IsZero() {
		t.Fatalf("expected zero delivery without a deadline, got %s", got)
	}
	lead := DeadlineLead{Deadline: start.AddDate(0, 0, 10), LeadDays: 2}
	if got, want := lead.EstimateDelivery(cand, 10), start.AddDate(0, 0, 8); !got.Equal(want) {
		t.Fatalf("deadline lead: expected %s got %s", want, got)
	}
}
