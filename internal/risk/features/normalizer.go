package features

// Normalizer standardizes raw vectors against one cohort table.
type Normalizer struct {
	schema Schema
	table  *CohortTable
}

func NewNormalizer(schema Schema, table *CohortTable) *Normalizer {
	return &Normalizer{schema: schema, table: table}
}

func (n *Normalizer) Schema() Schema { return n.schema }

// Normalize re-expresses raw relative to cohortKey. Every standardized feature
// must have statistics in the cohort, observed or not; otherwise it fails with
// *MissingCohortStatsError and produces nothing.
//
// Unobserved numeric features are imputed at the cohort mean (z = 0) and marked
// not present; unobserved categoricals take the unknown code.
func (n *Normalizer) Normalize(raw RawVector, cohortKey string) (NormalizedVector, error) {
	stats, ok := n.table.Lookup(cohortKey)
	if !ok {
		return NormalizedVector{}, &MissingCohortStatsError{CohortKey: cohortKey}
	}
	size := len(n.schema.Features)
	out := NormalizedVector{
		CohortKey:  cohortKey,
		Names:      make([]string, size),
		Values:     make([]float64, size),
		Raw:        make([]float64, size),
		Categories: make([]string, size),
		Present:    make([]bool, size),
		Stats:      make([]Stat, size),
	}
	for i, f := range n.schema.Features {
		out.Names[i] = f.ModelName()
		switch f.Type {
		case Numeric:
			st, ok := stats[f.Name]
			if !ok {
				return NormalizedVector{}, &MissingCohortStatsError{CohortKey: cohortKey, Feature: f.Name}
			}
			out.Stats[i] = st
			x, observed := raw.Numeric[f.Name]
			if !observed {
				out.Raw[i] = st.Mean
				out.Values[i] = 0
				continue
			}
			out.Raw[i] = x
			out.Values[i] = st.Z(x)
			out.Present[i] = true
		case Categorical:
			c, observed := raw.Categorical[f.Name]
			out.Categories[i] = c
			out.Values[i] = f.Code(c)
			out.Present[i] = observed
		}
	}
	return out, nil
}
