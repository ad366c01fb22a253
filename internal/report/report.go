// Package report renders saved schedules as a JSON document and a Gantt
// chart and stores both on local disk or in S3.
package report

import (
	"sort"
	"time"

	"production-planner/internal/models"
)

// Report is the JSON document exported for a saved schedule.
type Report struct {
	ScheduleID     string                   `json:"schedule_id"`
	ManufacturerID string                   `json:"manufacturer_id"`
	HorizonStart   time.Time                `json:"horizon_start"`
	HorizonEnd     time.Time                `json:"horizon_end"`
	GeneratedAt    time.Time                `json:"generated_at"`
	ModelVersion   string                   `json:"model_version"`
	Devices        []DeviceSummary          `json:"devices"`
	Unscheduled    []models.UnscheduledTask `json:"unscheduled"`
	Conflicts      []string                 `json:"conflicts"`
	TotalProfit    float64                  `json:"total_profit"`
	Efficiency     float64                  `json:"schedule_efficiency"`
}

// DeviceSummary lists what one device works on over the horizon.
type DeviceSummary struct {
	DeviceID       string                 `json:"device_id"`
	Utilization    float64                `json:"utilization"`
	CommittedHours float64                `json:"committed_hours"`
	Segments       []models.ScheduledTask `json:"segments"`
}

// Build summarises rec per device.
func Build(rec models.ScheduleRecord, now time.Time) Report {
	byDevice := make(map[string]*DeviceSummary)
	for _, id := range deviceIDs(rec.Schedule) {
		byDevice[id] = &DeviceSummary{
			DeviceID:    id,
			Utilization: rec.Schedule.DeviceUtilization[id],
			Segments:    []models.ScheduledTask{},
		}
	}
	for _, seg := range rec.Schedule.ScheduledTasks {
		d := byDevice[seg.DeviceID]
		d.Segments = append(d.Segments, seg)
		d.CommittedHours += seg.Hours()
	}

	out := Report{
		ScheduleID:     rec.ID,
		ManufacturerID: rec.ManufacturerID,
		HorizonStart:   rec.HorizonStart,
		HorizonEnd:     rec.HorizonEnd,
		GeneratedAt:    now.UTC(),
		ModelVersion:   rec.Schedule.ModelVersion,
		Devices:        make([]DeviceSummary, 0, len(byDevice)),
		Unscheduled:    append([]models.UnscheduledTask{}, rec.Schedule.UnscheduledDetails...),
		Conflicts:      append([]string{}, rec.Schedule.Conflicts...),
		TotalProfit:    rec.Schedule.TotalProfit,
		Efficiency:     rec.Schedule.ScheduleEfficiency,
	}
	for _, id := range deviceIDs(rec.Schedule) {
		out.Devices = append(out.Devices, *byDevice[id])
	}
	return out
}

// deviceIDs returns every device that appears in the schedule, sorted.
func deviceIDs(s models.Schedule) []string {
	seen := make(map[string]bool)
	for id := range s.DeviceUtilization {
		seen[id] = true
	}
	for _, seg := range s.ScheduledTasks {
		seen[seg.DeviceID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
