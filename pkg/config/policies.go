package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VenuePolicy is a per-exchange rate-limit entry in YAML.
type VenuePolicy struct {
	Name         string  `yaml:"name"`
	MaxTokens    float64 `yaml:"max_tokens"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

// JobPolicy overrides retry and priority defaults for one job type.
type JobPolicy struct {
	Type       string        `yaml:"type"`
	MaxRetries *int          `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Priority   *int          `yaml:"priority"`
}

// Policies is the top-level policies.yaml structure.
type Policies struct {
	Venues   []VenuePolicy `yaml:"venues"`
	JobTypes []JobPolicy   `yaml:"job_types"`
}

// LoadPolicies reads venue and job-type policies from a YAML file.
// A missing file is not an error; defaults then apply everywhere.
func LoadPolicies(path string) (*Policies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Policies{}, nil
		}
		return nil, err
	}

	var p Policies
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policies %s: %w", path, err)
	}
	return &p, nil
}

// Venue returns the policy for a venue name, if present.
func (p *Policies) Venue(name string) (VenuePolicy, bool) {
	for _, v := range p.Venues {
		if v.Name == name {
			return v, true
		}
	}
	return VenuePolicy{}, false
}

// JobType returns the policy for a job type, if present.
func (p *Policies) JobType(typ string) (JobPolicy, bool) {
	for _, j := range p.JobTypes {
		if j.Type == typ {
			return j, true
		}
	}
	return JobPolicy{}, false
}
