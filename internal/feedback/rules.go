package feedback

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Thresholds tunes how one signal bucket turns into a feedback object.
type Thresholds struct {
	// CriticalCount is the bucket size at which severity becomes critical.
	CriticalCount int `yaml:"critical_count"`
	// CompPctTarget is the comp percentage ceiling verification checks
	// against for spike buckets.
	CompPctTarget float64 `yaml:"comp_pct_target"`
	// LaborPctTarget is the labor cost percentage ceiling.
	LaborPctTarget float64 `yaml:"labor_pct_target"`
	// SPLHTarget is the sales-per-labor-hour floor.
	SPLHTarget float64 `yaml:"splh_target"`
	// CPLHTarget is the cost-per-labor-hour ceiling.
	CPLHTarget float64 `yaml:"cplh_target"`
	// ShrinkCostTarget is the tolerable shrink cost per window.
	ShrinkCostTarget float64 `yaml:"shrink_cost_target"`
	// WindowDays is the post-resolution observation window length.
	WindowDays int `yaml:"window_days"`
	// DueHours is how long the owner gets before the object is overdue.
	DueHours int `yaml:"due_hours"`
}

// Rules holds bucket thresholds: built-in defaults, optionally
// overridden per bucket from a YAML file.
type Rules struct {
	Defaults Thresholds            `yaml:"defaults"`
	Buckets  map[string]Thresholds `yaml:"buckets"`
}

// DefaultRules returns the built-in thresholds.
func DefaultRules() *Rules {
	return &Rules{
		Defaults: Thresholds{
			CriticalCount:    3,
			CompPctTarget:    3.0,
			LaborPctTarget:   30.0,
			SPLHTarget:       55.0,
			CPLHTarget:       20.0,
			ShrinkCostTarget: 100.0,
			WindowDays:       7,
			DueHours:         24,
		},
		Buckets: map[string]Thresholds{},
	}
}

// LoadRules reads threshold overrides from a YAML file and merges them
// over the defaults. Bucket entries only override the fields they set.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "feedback: read rules %s", path)
	}

	var wrapper struct {
		Rules Rules `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "feedback: parse rules")
	}

	merged := DefaultRules()
	merged.Defaults = overlay(merged.Defaults, wrapper.Rules.Defaults)
	for bucket, th := range wrapper.Rules.Buckets {
		merged.Buckets[bucket] = th
	}
	return merged, nil
}

// ForBucket resolves thresholds for one bucket, falling back to
// defaults for unset fields.
func (r *Rules) ForBucket(signalType string) Thresholds {
	override, ok := r.Buckets[signalType]
	if !ok {
		return r.Defaults
	}
	return overlay(r.Defaults, override)
}

// overlay applies the set (non-zero) fields of override on top of base.
func overlay(base, override Thresholds) Thresholds {
	if override.CriticalCount > 0 {
		base.CriticalCount = override.CriticalCount
	}
	if override.CompPctTarget > 0 {
		base.CompPctTarget = override.CompPctTarget
	}
	if override.LaborPctTarget > 0 {
		base.LaborPctTarget = override.LaborPctTarget
	}
	if override.SPLHTarget > 0 {
		base.SPLHTarget = override.SPLHTarget
	}
	if override.CPLHTarget > 0 {
		base.CPLHTarget = override.CPLHTarget
	}
	if override.ShrinkCostTarget > 0 {
		base.ShrinkCostTarget = override.ShrinkCostTarget
	}
	if override.WindowDays > 0 {
		base.WindowDays = override.WindowDays
	}
	if override.DueHours > 0 {
		base.DueHours = override.DueHours
	}
	return base
}
