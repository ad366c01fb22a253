package scheduling

import (
	"testing"
	"time"

	"production-planner/internal/models"
)

func TestDerivePriorityBuckets(t *testing.T) {
	p := DefaultPolicy()
	ref := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		days float64
		want int
	}{
		{-1, 10},
		{1, 10},
		{2.9, 10},
		{3, 8},
		{6.5, 8},
		{7, 6},
		{13, 6},
		{14, 4},
		{60, 4},
	}
	for _, tc := range cases {
		deadline := ref.Add(time.Duration(tc.days * 24 * float64(time.Hour)))
		if got := p.DerivePriority(deadline, ref); got != tc.want {
			t.Fatalf("%v days: expected priority %d got %d", tc.days, tc.want, got)
		}
	}
}

func TestDerivePriorityIsMonotonic(t *testing.T) {
	p := DefaultPolicy()
	ref := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	prev := p.DerivePriority(ref, ref)
	for h := 1; h < 24*30; h++ {
		got := p.DerivePriority(ref.Add(time.Duration(h)*time.Hour), ref)
		if got > prev {
			t.Fatalf("later deadline at +%dh got higher priority %d > %d", h, got, prev)
		}
		prev = got
	}
}

func TestPolicyBucketsAreSorted(t *testing.T) {
	s := NewScheduler(Policy{UrgencyBuckets: []UrgencyBucket{{WithinDays: 10, Priority: 5}, {WithinDays: 2, Priority: 9}}})
	ref := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	if got := s.Policy().DerivePriority(ref.AddDate(0, 0, 1), ref); got != 9 {
		t.Fatalf("expected the tighter bucket to win, got %d", got)
	}
}

func TestPrioritizeOrder(t *testing.T) {
	ref := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	far := ref.AddDate(0, 0, 30)
	tasks := []models.Task{
		{JobID: "d", Deadline: far, Priority: 5, PayAmount: 10},
		{JobID: "c", Deadline: far.Add(-time.Hour), Priority: 5, PayAmount: 10},
		{JobID: "b", Deadline: far, Priority: 5, PayAmount: 10},
		{JobID: "rich", Deadline: far, Priority: 5, PayAmount: 99},
		{JobID: "urgent", Deadline: ref.AddDate(0, 0, 1), PayAmount: 1},
	}
	got := DefaultPolicy().Prioritize(tasks, ref)
	want := []string{"urgent", "rich", "c", "b", "d"}
	for i, id := range want {
		if got[i].JobID != id {
			t.Fatalf("position %d: expected %s got %s", i, id, got[i].JobID)
		}
	}
	if got[0].Priority != 10 {
		t.Fatalf("expected derived priority 10, got %d", got[0].Priority)
	}
	if tasks[4].Priority != 0 {
		t.Fatalf("input was mutated")
	}
}
