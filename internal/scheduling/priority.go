package scheduling

import (
	"sort"
	"time"

	"production-planner/internal/models"
)

// DerivePriority buckets the days left until deadline, measured from ref.
// The mapping is a step function, so an earlier deadline never gets a lower
// priority than a later one.
func (p Policy) DerivePriority(deadline, ref time.Time) int {
	days := deadline.Sub(ref).Hours() / 24
	for _, b := range p.UrgencyBuckets {
		if days < b.WithinDays {
			return b.Priority
		}
	}
	return p.DefaultPriority
}

// Prioritize returns a copy of tasks with missing priorities derived and
// sorted in placement order: priority desc, pay desc, deadline asc, job id asc.
func (p Policy) Prioritize(tasks []models.Task, ref time.Time) []models.Task {
	out := make([]models.Task, len(tasks))
	copy(out, tasks)
	for i := range out {
		if out[i].Priority == 0 {
			out[i].Priority = p.DerivePriority(out[i].Deadline, ref)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.PayAmount != b.PayAmount {
			return a.PayAmount > b.PayAmount
		}
		if !a.Deadline.Equal(b.Deadline) {
			return a.Deadline.Before(b.Deadline)
		}
		return a.JobID < b.JobID
	})
	return out
}
