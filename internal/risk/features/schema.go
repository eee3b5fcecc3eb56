package features

import (
	"fmt"
	"strings"
)

type Kind string

const (
	// Actionable attributes can be changed by the learner (engagement, scores).
	Actionable Kind = "actionable"
	// Immutable attributes are demographic or historical and never perturbed.
	Immutable Kind = "immutable"
)

type ValueType string

const (
	Numeric     ValueType = "numeric"
	Categorical ValueType = "categorical"
)

type Spec struct {
	Name       string    `json:"name" yaml:"name"`
	Kind       Kind      `json:"kind" yaml:"kind"`
	Type       ValueType `json:"type" yaml:"type"`
	Categories []string  `json:"categories,omitempty" yaml:"categories,omitempty"`
	// Unit is used only for human-readable descriptions ("clicks", "%").
	Unit string `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// ModelName is the column name the classifier sees for this feature.
func (s Spec) ModelName() string {
	if s.Type == Categorical {
		return s.Name + "_code"
	}
	return s.Name + "_z"
}

// Code maps a category to [0,1] by its position in the vocabulary.
// Unknown categories sit at the midpoint.
func (s Spec) Code(category string) float64 {
	n := len(s.Categories)
	if n == 0 {
		return 0.5
	}
	for i, c := range s.Categories {
		if strings.EqualFold(c, strings.TrimSpace(category)) {
			if n == 1 {
				return 0
			}
			return float64(i) / float64(n-1)
		}
	}
	return 0.5
}

type Schema struct {
	Features []Spec `json:"features" yaml:"features"`
}

func (s Schema) Validate() error {
	if len(s.Features) == 0 {
		return fmt.Errorf("feature schema is empty")
	}
	seen := map[string]bool{}
	actionable := 0
	for _, f := range s.Features {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("feature schema: empty name")
		}
		if seen[f.Name] {
			return fmt.Errorf("feature schema: duplicate feature %q", f.Name)
		}
		seen[f.Name] = true
		switch f.Kind {
		case Actionable:
			actionable++
			if f.Type != Numeric {
				return fmt.Errorf("feature schema: actionable feature %q must be numeric", f.Name)
			}
		case Immutable:
		default:
			return fmt.Errorf("feature schema: feature %q has invalid kind %q", f.Name, f.Kind)
		}
		switch f.Type {
		case Numeric:
		case Categorical:
			if len(f.Categories) == 0 {
				return fmt.Errorf("feature schema: categorical feature %q has no categories", f.Name)
			}
		default:
			return fmt.Errorf("feature schema: feature %q has invalid type %q", f.Name, f.Type)
		}
	}
	if actionable == 0 {
		return fmt.Errorf("feature schema: at least one actionable feature is required")
	}
	return nil
}

func (s Schema) ModelNames() []string {
	out := make([]string, len(s.Features))
	for i, f := range s.Features {
		out[i] = f.ModelName()
	}
	return out
}

func (s Schema) Index(name string) int {
	for i, f := range s.Features {
		if f.Name == name || f.ModelName() == name {
			return i
		}
	}
	return -1
}

func (s Schema) ActionableIndices() []int {
	var out []int
	for i, f := range s.Features {
		if f.Kind == Actionable {
			out = append(out, i)
		}
	}
	return out
}

func (s Schema) ImmutableIndices() []int {
	var out []int
	for i, f := range s.Features {
		if f.Kind == Immutable {
			out = append(out, i)
		}
	}
	return out
}

// Standardized reports whether the feature is z-scored against cohort statistics.
func (s Spec) Standardized() bool { return s.Type == Numeric }

// DefaultSchema mirrors the Open University learning analytics layout: five
// engagement and performance measures plus the registration demographics.
func DefaultSchema() Schema {
	return Schema{Features: []Spec{
		{Name: "avg_score", Kind: Actionable, Type: Numeric, Unit: "%"},
		{Name: "vle_clicks", Kind: Actionable, Type: Numeric, Unit: "clicks"},
		{Name: "days_active", Kind: Actionable, Type: Numeric, Unit: "days"},
		{Name: "unique_resources", Kind: Actionable, Type: Numeric, Unit: "resources"},
		{Name: "submission_rate", Kind: Actionable, Type: Numeric},
		{Name: "gender", Kind: Immutable, Type: Categorical, Categories: []string{"F", "M"}},
		{Name: "region", Kind: Immutable, Type: Categorical, Categories: []string{
			"East Anglian Region", "East Midlands Region", "Ireland", "London Region",
			"North Region", "North Western Region", "Scotland", "South East Region",
			"South Region", "South West Region", "Wales", "West Midlands Region", "Yorkshire Region",
		}},
		{Name: "highest_education", Kind: Immutable, Type: Categorical, Categories: []string{
			"No Formal quals", "Lower Than A Level", "A Level or Equivalent",
			"HE Qualification", "Post Graduate Qualification",
		}},
		{Name: "imd_band", Kind: Immutable, Type: Categorical, Categories: []string{
			"0-10%", "10-20%", "20-30%", "30-40%", "40-50%", "50-60%", "60-70%", "70-80%", "80-90%", "90-100%",
		}},
		{Name: "age_band", Kind: Immutable, Type: Categorical, Categories: []string{"0-35", "35-55", "55<="}},
		{Name: "disability", Kind: Immutable, Type: Categorical, Categories: []string{"N", "Y"}},
		{Name: "num_prev_attempts", Kind: Immutable, Type: Numeric},
		{Name: "studied_credits", Kind: Immutable, Type: Numeric, Unit: "credits"},
	}}
}
