package features

import (
	"math"
	"sort"
)

// GlobalCohort keys the whole-population statistics used as a fallback.
const GlobalCohort = "*"

type Stat struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Count int     `json:"count"`
}

// Z standardizes raw. A zero or undefined spread maps everything to 0.
func (s Stat) Z(raw float64) float64 {
	if s.Std <= 0 || math.IsNaN(s.Std) {
		return 0
	}
	return (raw - s.Mean) / s.Std
}

func (s Stat) Inverse(z float64) float64 {
	return z*s.Std + s.Mean
}

// CohortTable holds per-cohort feature statistics for one training cycle.
// It is never mutated after construction; a new cycle produces a new table.
type CohortTable struct {
	Version string                     `json:"version"`
	Cohorts map[string]map[string]Stat `json:"cohorts"`
}

func (t *CohortTable) Lookup(cohortKey string) (map[string]Stat, bool) {
	if t == nil || t.Cohorts == nil {
		return nil, false
	}
	stats, ok := t.Cohorts[cohortKey]
	return stats, ok
}

func (t *CohortTable) Keys() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.Cohorts))
	for k := range t.Cohorts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Observation is one historical learner used for computing statistics.
type Observation struct {
	CohortKey string
	Raw       RawVector
}

type accumulator struct {
	n    int
	mean float64
	m2   float64
}

func (a *accumulator) add(x float64) {
	a.n++
	d := x - a.mean
	a.mean += d / float64(a.n)
	a.m2 += d * (x - a.mean)
}

func (a accumulator) stat() Stat {
	s := Stat{Mean: a.mean, Count: a.n}
	if a.n > 1 {
		s.Std = math.Sqrt(a.m2 / float64(a.n-1))
	}
	return s
}

// ComputeCohortTable derives mean and sample standard deviation for every
// numeric feature, per cohort and for GlobalCohort.
func ComputeCohortTable(schema Schema, obs []Observation, version string) *CohortTable {
	acc := map[string]map[string]*accumulator{}
	get := func(cohort, feature string) *accumulator {
		byFeature, ok := acc[cohort]
		if !ok {
			byFeature = map[string]*accumulator{}
			acc[cohort] = byFeature
		}
		a, ok := byFeature[feature]
		if !ok {
			a = &accumulator{}
			byFeature[feature] = a
		}
		return a
	}
	for _, o := range obs {
		for _, f := range schema.Features {
			if !f.Standardized() {
				continue
			}
			x, ok := o.Raw.Numeric[f.Name]
			if !ok {
				continue
			}
			get(GlobalCohort, f.Name).add(x)
			if o.CohortKey != "" && o.CohortKey != GlobalCohort {
				get(o.CohortKey, f.Name).add(x)
			}
		}
	}
	table := &CohortTable{Version: version, Cohorts: map[string]map[string]Stat{}}
	for cohort, byFeature := range acc {
		stats := make(map[string]Stat, len(byFeature))
		for name, a := range byFeature {
			stats[name] = a.stat()
		}
		table.Cohorts[cohort] = stats
	}
	return table
}
