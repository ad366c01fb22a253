package scheduling

import "sort"

// ModelVersion is reported on every schedule.
const ModelVersion = "v1.0"

// UrgencyBucket maps "deadline within N days" to a priority.
type UrgencyBucket struct {
	WithinDays float64 `yaml:"within_days"`
	Priority   int     `yaml:"priority"`
}

// Policy holds the tunable constants of the scheduler.
type Policy struct {
	UrgencyBuckets                   []UrgencyBucket `yaml:"urgency_buckets"`
	DefaultPriority                  int             `yaml:"default_priority"`
	WorkdayStartHour                 int             `yaml:"workday_start_hour"`
	DefaultDeviceHoursPerDay         float64         `yaml:"default_device_hours_per_day"`
	DefaultManufacturerCapacityHours float64         `yaml:"default_manufacturer_capacity_hours"`
	MaxHorizonDays                   int             `yaml:"max_horizon_days"`
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		UrgencyBuckets: []UrgencyBucket{
			{WithinDays: 3, Priority: 10},
			{WithinDays: 7, Priority: 8},
			{WithinDays: 14, Priority: 6},
		},
		DefaultPriority:                  4,
		WorkdayStartHour:                 8,
		DefaultDeviceHoursPerDay:         8,
		DefaultManufacturerCapacityHours: 16,
		MaxHorizonDays:                   92,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if len(p.UrgencyBuckets) == 0 {
		p.UrgencyBuckets = def.UrgencyBuckets
	}
	buckets := append([]UrgencyBucket(nil), p.UrgencyBuckets...)
	sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].WithinDays < buckets[j].WithinDays })
	p.UrgencyBuckets = buckets
	if p.DefaultPriority < 1 || p.DefaultPriority > 10 {
		p.DefaultPriority = def.DefaultPriority
	}
	if p.WorkdayStartHour < 0 || p.WorkdayStartHour > 23 {
		p.WorkdayStartHour = def.WorkdayStartHour
	}
	if p.DefaultDeviceHoursPerDay <= 0 {
		p.DefaultDeviceHoursPerDay = def.DefaultDeviceHoursPerDay
	}
	if p.DefaultManufacturerCapacityHours <= 0 {
		p.DefaultManufacturerCapacityHours = def.DefaultManufacturerCapacityHours
	}
	if p.MaxHorizonDays <= 0 {
		p.MaxHorizonDays = def.MaxHorizonDays
	}
	return p
}
