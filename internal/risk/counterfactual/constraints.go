package counterfactual

import (
	"fmt"
	"math"
	"sort"

	"github.com/yungbote/neurobridge-risk/internal/risk/features"
)

// Bound limits how far an actionable feature may move, as multiples of the
// learner's current raw value. Ceiling, when positive, is an absolute upper
// limit (100 for a percentage score).
type Bound struct {
	MinMultiplier float64 `json:"min_multiplier" yaml:"min_multiplier"`
	MaxMultiplier float64 `json:"max_multiplier" yaml:"max_multiplier"`
	Ceiling       float64 `json:"ceiling,omitempty" yaml:"ceiling,omitempty"`
}

// Interval returns the admissible raw range around current. The current value
// always lies inside it. Multipliers have no scale at zero, so a learner at
// zero may rise as far as reference, the cohort mean, when the bound allows
// any increase at all.
func (b Bound) Interval(current, reference float64) (float64, float64) {
	lo, hi := b.MinMultiplier*current, b.MaxMultiplier*current
	if current == 0 && b.MaxMultiplier > 1 && reference > 0 {
		hi = reference
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	if b.Ceiling > 0 {
		hi = math.Min(hi, math.Max(b.Ceiling, current))
	}
	return lo, hi
}

// Constraints maps raw actionable feature names to bounds. Features without an
// entry are held fixed.
type Constraints map[string]Bound

func (c Constraints) Validate(schema features.Schema) error {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := c[name]
		idx := schema.Index(name)
		if idx < 0 {
			return fmt.Errorf("feasibility constraint for unknown feature %q", name)
		}
		if schema.Features[idx].Kind != features.Actionable {
			return fmt.Errorf("feasibility constraint on immutable feature %q", name)
		}
		if b.MinMultiplier < 0 || b.MinMultiplier > 1 || b.MaxMultiplier < 1 {
			return fmt.Errorf("feasibility constraint %q must satisfy 0 <= min <= 1 <= max (got %v, %v)", name, b.MinMultiplier, b.MaxMultiplier)
		}
	}
	return nil
}

// DefaultConstraints lets engagement grow substantially and scores modestly.
// Decreases are not proposed.
func DefaultConstraints() Constraints {
	return Constraints{
		"avg_score":        {MinMultiplier: 1.0, MaxMultiplier: 1.5, Ceiling: 100},
		"vle_clicks":       {MinMultiplier: 1.0, MaxMultiplier: 3.0},
		"days_active":      {MinMultiplier: 1.0, MaxMultiplier: 2.0},
		"unique_resources": {MinMultiplier: 1.0, MaxMultiplier: 2.5},
		"submission_rate":  {MinMultiplier: 1.0, MaxMultiplier: 1.5, Ceiling: 1},
	}
}
