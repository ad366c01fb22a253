package allocation

import "math"

// Policy holds the tunable constants of the allocator.
type Policy struct {
	// CapacityUnitsPerScore converts a capacity score into a unit ceiling.
	CapacityUnitsPerScore float64 `yaml:"capacity_units_per_score"`
	// MinUnitsFloor is the fairness floor per candidate before it is capped by
	// remaining/len(candidates).
	MinUnitsFloor uint `yaml:"min_units_floor"`
	// SweepStep is how many leftover units a candidate may absorb per sweep.
	SweepStep uint `yaml:"sweep_step"`
	// DeliveryLeadDays is how many days before the deadline delivery is due.
	DeliveryLeadDays int `yaml:"delivery_lead_days"`
	// DefaultPerUnitPrice is used when a request carries no price.
	DefaultPerUnitPrice float64 `yaml:"default_per_unit_price"`
}

// DefaultPolicy mirrors the values the marketplace has been running with.
func DefaultPolicy() Policy {
	return Policy{
		CapacityUnitsPerScore: 500,
		MinUnitsFloor:         10,
		SweepStep:             10,
		DeliveryLeadDays:      1,
		DefaultPerUnitPrice:   50,
	}
}

// MaxUnitsFunc returns the unit ceiling for a manufacturer with the given capacity score.
type MaxUnitsFunc func(capacityScore float64) uint

// CapacityCeiling returns floor(capacityScore × unitsPerScore).
func CapacityCeiling(unitsPerScore float64) MaxUnitsFunc {
	return func(capacityScore float64) uint {
		v := math.Floor(capacityScore * unitsPerScore)
		if v <= 0 || math.IsNaN(v) {
			return 0
		}
		return uint(v)
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.CapacityUnitsPerScore <= 0 {
		p.CapacityUnitsPerScore = def.CapacityUnitsPerScore
	}
	if p.SweepStep == 0 {
		p.SweepStep = def.SweepStep
	}
	if p.DefaultPerUnitPrice <= 0 {
		p.DefaultPerUnitPrice = def.DefaultPerUnitPrice
	}
	if p.DeliveryLeadDays < 0 {
		p.DeliveryLeadDays = 0
	}
	return p
}
