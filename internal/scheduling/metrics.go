package scheduling

import "math"

// utilization is the share of the device's nominal horizon hours used by
// this run, as a percentage rounded to two decimals and capped at 100.
func utilization(cal *deviceCalendar) float64 {
	capacity := cal.nominalHours()
	if capacity <= 0 {
		return 0
	}
	pct := cal.committed.Hours() / capacity * 100
	if pct > 100 {
		pct = 100
	}
	return math.Round(pct*100) / 100
}

// efficiency is the fraction of tasks that were placed; 1 when there were none.
func efficiency(scheduled, unscheduled int) float64 {
	total := scheduled + unscheduled
	if total == 0 {
		return 1
	}
	return float64(scheduled) / float64(total)
}
