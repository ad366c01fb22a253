package scheduling

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"production-planner/internal/models"
)

// horizon is the planning window split into calendar days.
type horizon struct {
	start time.Time
	end   time.Time
	days  []time.Time // midnight of each touched day
}

func newHorizon(start, end time.Time) horizon {
	h := horizon{start: start, end: end}
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	for day.Before(end) {
		h.days = append(h.days, day)
		day = day.AddDate(0, 0, 1)
	}
	return h
}

// deviceDay is one day of one device: its nominal hours and the time still free.
type deviceDay struct {
	nominal time.Duration
	free    []models.Window
}

// placement is a block of device time committed during the current run.
type placement struct {
	jobID  string
	window models.Window
}

// chunk is a planned, not yet committed, block of device time.
type chunk struct {
	day    int
	window models.Window
}

type deviceCalendar struct {
	device     models.Device
	index      int
	efficiency float64
	initial    []deviceDay
	days       []deviceDay
	committed  time.Duration
	placed     []placement
}

func buildCalendar(d models.Device, index int, h horizon, p Policy) (*deviceCalendar, error) {
	blocked, err := blockedWindows(d, h)
	if err != nil {
		return nil, err
	}
	eff := d.EfficiencyFactor
	if eff == 0 {
		eff = 1
	}
	cal := &deviceCalendar{device: d, index: index, efficiency: eff}
	cal.initial = make([]deviceDay, len(h.days))
	cal.days = make([]deviceDay, len(h.days))
	for i, day := range h.days {
		hours := p.DefaultDeviceHoursPerDay
		if v, ok := d.AvailableHoursPerDay[day.Format(models.DateLayout)]; ok {
			hours = v
		}
		nominal := wholeMinutes(hours, math.Floor)
		opens := day.Add(time.Duration(p.WorkdayStartHour) * time.Hour)
		closes := opens.Add(nominal)
		if next := day.AddDate(0, 0, 1); closes.After(next) {
			closes = next
		}
		if opens.Before(h.start) {
			opens = h.start
		}
		if closes.After(h.end) {
			closes = h.end
		}
		var free []models.Window
		if closes.After(opens) {
			free = []models.Window{{Start: opens, End: closes}}
			for _, b := range blocked {
				free = subtract(free, b)
			}
		}
		cal.initial[i] = deviceDay{nominal: nominal, free: free}
		cal.days[i] = deviceDay{nominal: nominal, free: append([]models.Window(nil), free...)}
	}
	return cal, nil
}

// blockedWindows collects maintenance, recurring maintenance and bookings
// that intersect the horizon.
func blockedWindows(d models.Device, h horizon) ([]models.Window, error) {
	var out []models.Window
	span := models.Window{Start: h.start, End: h.end}
	for _, w := range d.Maintenance {
		if w.Overlaps(span) {
			out = append(out, w)
		}
	}
	for _, b := range d.Bookings {
		if w := b.Window(); w.Overlaps(span) {
			out = append(out, w)
		}
	}
	if d.MaintenanceCron != "" {
		rec, err := recurringMaintenance(d.MaintenanceCron, time.Duration(d.MaintenanceMinutes)*time.Minute, h)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.DeviceID, err)
		}
		out = append(out, rec...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// bookedPerDay sums the booked time of every device on each horizon day,
// clipped to the horizon and rounded up to whole minutes. Overlapping bookings
// on one device count once.
func bookedPerDay(devices []models.Device, h horizon) []time.Duration {
	out := make([]time.Duration, len(h.days))
	span := models.Window{Start: h.start, End: h.end}
	for _, d := range devices {
		for _, w := range union(d.Bookings) {
			w, ok := intersect(w, span)
			if !ok {
				continue
			}
			for i, day := range h.days {
				if part, ok := intersect(w, models.Window{Start: day, End: day.AddDate(0, 0, 1)}); ok {
					out[i] += part.Duration()
				}
			}
		}
	}
	for i, v := range out {
		if rem := v % time.Minute; rem != 0 {
			out[i] = v - rem + time.Minute
		}
	}
	return out
}

// union merges booking windows into sorted, disjoint windows.
func union(bs []models.Booking) []models.Window {
	ws := make([]models.Window, len(bs))
	for i, b := range bs {
		ws[i] = b.Window()
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].Start.Before(ws[j].Start) })
	var out []models.Window
	for _, w := range ws {
		if n := len(out); n > 0 && !w.Start.After(out[n-1].End) {
			if w.End.After(out[n-1].End) {
				out[n-1].End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

func intersect(a, b models.Window) (models.Window, bool) {
	w := a
	if b.Start.After(w.Start) {
		w.Start = b.Start
	}
	if b.End.Before(w.End) {
		w.End = b.End
	}
	return w, w.End.After(w.Start)
}

// recurringMaintenance expands a standard five-field cron expression into
// windows of length dur. Overlapping occurrences are merged.
func recurringMaintenance(expr string, dur time.Duration, h horizon) ([]models.Window, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, invalid("maintenance_cron", "%v", err)
	}
	if dur <= 0 {
		return nil, invalid("maintenance_duration_minutes", "must be positive when maintenance_cron is set")
	}
	var out []models.Window
	// start one duration early so a window already running at horizon start is kept
	for t := sched.Next(h.start.Add(-dur - time.Second)); !t.IsZero() && t.Before(h.end); t = sched.Next(t) {
		w := models.Window{Start: t, End: t.Add(dur)}
		if !w.End.After(h.start) {
			continue
		}
		if n := len(out); n > 0 && !w.Start.After(out[n-1].End) {
			if w.End.After(out[n-1].End) {
				out[n-1].End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// subtract removes b from a sorted list of disjoint windows.
func subtract(free []models.Window, b models.Window) []models.Window {
	out := make([]models.Window, 0, len(free)+1)
	for _, f := range free {
		if !f.Overlaps(b) {
			out = append(out, f)
			continue
		}
		if f.Start.Before(b.Start) {
			out = append(out, models.Window{Start: f.Start, End: b.Start})
		}
		if b.End.Before(f.End) {
			out = append(out, models.Window{Start: b.End, End: f.End})
		}
	}
	return out
}

// plan packs need into the earliest free time of days, chunk by chunk, never
// past limit and never beyond what the manufacturer has left on a day.
// It reports false when need does not fit entirely.
func plan(days []deviceDay, need time.Duration, limit time.Time, used []time.Duration, dailyCap time.Duration) ([]chunk, bool) {
	var out []chunk
	for i, day := range days {
		if need <= 0 {
			break
		}
		room := dailyCap - used[i]
		for _, f := range day.free {
			if need <= 0 || room <= 0 {
				break
			}
			end := f.End
			if end.After(limit) {
				end = limit
			}
			if !end.After(f.Start) {
				break
			}
			take := minDuration(end.Sub(f.Start), need, room)
			out = append(out, chunk{day: i, window: models.Window{Start: f.Start, End: f.Start.Add(take)}})
			need -= take
			room -= take
		}
	}
	return out, need <= 0
}

func (c *deviceCalendar) commit(jobID string, chunks []chunk, used []time.Duration) {
	for _, ch := range chunks {
		c.days[ch.day].free = subtract(c.days[ch.day].free, ch.window)
		used[ch.day] += ch.window.Duration()
		c.committed += ch.window.Duration()
		c.placed = append(c.placed, placement{jobID: jobID, window: ch.window})
	}
}

// required converts task hours into device minutes, rounded up.
func (c *deviceCalendar) required(hours float64) time.Duration {
	return wholeMinutes(hours/c.efficiency, math.Ceil)
}

func (c *deviceCalendar) nominalHours() float64 {
	var total time.Duration
	for _, d := range c.initial {
		total += d.nominal
	}
	return total.Hours()
}

func wholeMinutes(hours float64, round func(float64) float64) time.Duration {
	// round to 1e-9 first so 7.9999999 hours of float noise does not lose a minute
	m := math.Round(hours*60*1e9) / 1e9
	return time.Duration(round(m)) * time.Minute
}

func minDuration(vs ...time.Duration) time.Duration {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
