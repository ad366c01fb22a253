package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"production-planner/internal/allocation"
	"production-planner/internal/scheduling"
)

// Policy groups the tunable constants of both planning algorithms.
type Policy struct {
	Allocation allocation.Policy `yaml:"allocation"`
	Scheduling scheduling.Policy `yaml:"scheduling"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Allocation: allocation.DefaultPolicy(),
		Scheduling: scheduling.DefaultPolicy(),
	}
}

// LoadPolicy reads a YAML policy file over the defaults. An empty path
// returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	for _, b := range p.Scheduling.UrgencyBuckets {
		if b.Priority < 1 || b.Priority > 10 {
			return Policy{}, fmt.Errorf("policy file %s: urgency bucket priority %d outside 1..10", path, b.Priority)
		}
	}
	return p, nil
}
