// Package allocation splits an open manufacturing order across ranked
// manufacturers. Allocation is a pure function of its input: the same request
// always yields the same assignments in the same order.
package allocation

import (
	"fmt"
	"math"
	"sort"

	"production-planner/internal/models"
)

// Allocate distributes remaining units over candidates proportionally to their
// combined score, clamped by maxUnits, with a fairness floor of
// min(minUnitsFloor, remaining/len(candidates)). Units lost to flooring and
// clamping are swept back in steps of DefaultPolicy().SweepStep. Either every
// unit is assigned or an error is returned and nothing is.
func Allocate(remaining uint, candidates []models.CandidateScore, perUnitPrice float64, maxUnits MaxUnitsFunc, minUnitsFloor uint) ([]models.Assignment, error) {
	return allocate(remaining, candidates, perUnitPrice, maxUnits, minUnitsFloor, DefaultPolicy().SweepStep)
}

// Allocator applies a Policy and a delivery-date policy on top of Allocate.
type Allocator struct {
	policy Policy
}

// NewAllocator builds an allocator. Zero policy fields fall back to defaults.
func NewAllocator(p Policy) *Allocator {
	return &Allocator{policy: p.withDefaults()}
}

// Policy returns the effective policy.
func (a *Allocator) Policy() Policy {
	return a.policy
}

// Request is one allocation run for a job.
type Request struct {
	JobID      string
	Remaining  uint
	Candidates []models.CandidateScore
	// PerUnitPrice in currency units; zero selects the policy default.
	PerUnitPrice float64
	// Delivery estimates delivery dates; nil leaves them unset.
	Delivery DeliveryPolicy
}

// Allocate runs the allocator and stamps job id, status and delivery dates.
func (a *Allocator) Allocate(req Request) ([]models.Assignment, error) {
	price := req.PerUnitPrice
	if price == 0 {
		price = a.policy.DefaultPerUnitPrice
	}
	maxUnits := CapacityCeiling(a.policy.CapacityUnitsPerScore)
	out, err := allocate(req.Remaining, req.Candidates, price, maxUnits, a.policy.MinUnitsFloor, a.policy.SweepStep)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.CandidateScore, len(req.Candidates))
	for _, c := range req.Candidates {
		byID[c.ManufacturerID] = c
	}
	for i := range out {
		out[i].JobID = req.JobID
		out[i].Status = models.AssignmentProposed
		if req.Delivery != nil {
			out[i].EstimatedDelivery = req.Delivery.EstimateDelivery(byID[out[i].ManufacturerID], out[i].AssignedQuantity)
		}
	}
	return out, nil
}

type share struct {
	candidate models.CandidateScore
	combined  float64
	ceiling   uint
	units     uint
}

func (s *share) headroom() uint {
	if s.units >= s.ceiling {
		return 0
	}
	return s.ceiling - s.units
}

func allocate(remaining uint, candidates []models.CandidateScore, perUnitPrice float64, maxUnits MaxUnitsFunc, minUnitsFloor, step uint) ([]models.Assignment, error) {
	if err := validate(remaining, candidates, perUnitPrice, maxUnits); err != nil {
		return nil, err
	}
	if step == 0 {
		step = DefaultPolicy().SweepStep
	}

	shares := make([]*share, len(candidates))
	var total float64
	for i, c := range candidates {
		combined := c.Combined()
		shares[i] = &share{candidate: c, combined: combined, ceiling: maxUnits(c.CapacityScore)}
		total += combined
	}
	if total <= 0 {
		return nil, ErrDegenerateScores
	}

	floor := minUnitsFloor
	if even := remaining / uint(len(candidates)); even < floor {
		floor = even
	}

	left := remaining
	for _, s := range shares {
		if left == 0 {
			break
		}
		proposed := uint(math.Floor(float64(remaining) * s.combined / total))
		if proposed < floor {
			proposed = floor
		}
		units := minUint(proposed, s.ceiling, left)
		if units == 0 {
			continue
		}
		s.units = units
		left -= units
	}

	if left > 0 {
		var err error
		if left, err = sweep(shares, left, step); err != nil {
			if r, ok := err.(*UnallocatableRemainderError); ok {
				r.Requested = remaining
			}
			return nil, err
		}
	}

	out := make([]models.Assignment, 0, len(shares))
	placed := make([]*share, 0, len(shares))
	for _, s := range shares {
		if s.units > 0 {
			placed = append(placed, s)
		}
	}
	sort.SliceStable(placed, func(i, j int) bool { return placed[i].combined > placed[j].combined })

	var sum uint
	for _, s := range placed {
		if s.units > s.ceiling {
			return nil, fmt.Errorf("%w: %s assigned %d over ceiling %d", ErrInvariantViolation, s.candidate.ManufacturerID, s.units, s.ceiling)
		}
		sum += s.units
		out = append(out, models.Assignment{
			ManufacturerID:   s.candidate.ManufacturerID,
			AssignedQuantity: s.units,
			PayAmountCents:   payCents(s.units, perUnitPrice),
			CombinedScore:    s.combined,
		})
	}
	if sum != remaining {
		return nil, fmt.Errorf("%w: assigned %d of %d units", ErrInvariantViolation, sum, remaining)
	}
	return out, nil
}

// sweep hands leftover units to candidates in descending combined score.
// Candidates that already hold units are swept first; candidates with a
// positive score that got nothing in the proportional pass are only used once
// the first group is saturated. Every round must place at least one unit.
func sweep(shares []*share, left, step uint) (uint, error) {
	var holders, others []*share
	for _, s := range shares {
		switch {
		case s.units > 0:
			holders = append(holders, s)
		case s.combined > 0:
			others = append(others, s)
		}
	}
	byScore := func(xs []*share) {
		sort.SliceStable(xs, func(i, j int) bool { return xs[i].combined > xs[j].combined })
	}
	byScore(holders)
	byScore(others)

	order := holders
	extended := false
	for left > 0 {
		progressed := false
		for _, s := range order {
			if left == 0 {
				break
			}
			add := minUint(step, s.headroom(), left)
			if add == 0 {
				continue
			}
			s.units += add
			left -= add
			progressed = true
		}
		if progressed {
			continue
		}
		if extended || len(others) == 0 {
			return left, &UnallocatableRemainderError{Leftover: left}
		}
		order = append(append([]*share{}, holders...), others...)
		extended = true
	}
	return 0, nil
}

func validate(remaining uint, candidates []models.CandidateScore, perUnitPrice float64, maxUnits MaxUnitsFunc) error {
	if remaining == 0 {
		return ErrInvalidQuantity
	}
	if len(candidates) == 0 {
		return ErrNoCandidates
	}
	if maxUnits == nil {
		return &ValidationError{Field: "max_units", Reason: "capacity ceiling function is required"}
	}
	if perUnitPrice < 0 || math.IsNaN(perUnitPrice) || math.IsInf(perUnitPrice, 0) {
		return &ValidationError{Field: "per_unit_price", Reason: "must be a finite non-negative number"}
	}
	seen := make(map[string]bool, len(candidates))
	for i, c := range candidates {
		if c.ManufacturerID == "" {
			return &ValidationError{Field: fmt.Sprintf("candidates[%d].manufacturer_id", i), Reason: "is required"}
		}
		if seen[c.ManufacturerID] {
			return &ValidationError{Field: fmt.Sprintf("candidates[%d].manufacturer_id", i), Reason: "duplicate " + c.ManufacturerID}
		}
		seen[c.ManufacturerID] = true
		scores := [...]struct {
			name string
			v    float64
		}{{"rank_score", c.RankScore}, {"capacity_score", c.CapacityScore}, {"quality_score", c.QualityScore}}
		for _, s := range scores {
			if math.IsNaN(s.v) || s.v < 0 || s.v > 1 {
				return &ValidationError{Field: fmt.Sprintf("candidates[%d].%s", i, s.name), Reason: "must be within [0,1]"}
			}
		}
	}
	return nil
}

func payCents(units uint, perUnitPrice float64) int64 {
	return int64(math.Round(float64(units) * perUnitPrice * 100))
}

func minUint(vs ...uint) uint {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
