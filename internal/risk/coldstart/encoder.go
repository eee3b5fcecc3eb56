package coldstart

import (
	"strings"

	"github.com/yungbote/neurobridge-risk/internal/risk/features"
)

// Encoder maps immutable attributes into a fixed-dimension space: one-hot per
// categorical feature (plus an unknown slot) and population z-scores for
// numeric ones.
type Encoder struct {
	specs  []features.Spec
	stats  map[string]features.Stat
	offset []int
	dim    int
}

func NewEncoder(schema features.Schema, global map[string]features.Stat) *Encoder {
	e := &Encoder{stats: global}
	for _, i := range schema.ImmutableIndices() {
		f := schema.Features[i]
		e.specs = append(e.specs, f)
		e.offset = append(e.offset, e.dim)
		if f.Type == features.Categorical {
			e.dim += len(f.Categories) + 1
		} else {
			e.dim++
		}
	}
	return e
}

func (e *Encoder) Dim() int { return e.dim }

func (e *Encoder) Encode(raw features.RawVector) []float64 {
	out := make([]float64, e.dim)
	for k, f := range e.specs {
		base := e.offset[k]
		switch f.Type {
		case features.Categorical:
			slot := len(f.Categories)
			if c, ok := raw.Categorical[f.Name]; ok {
				for j, cat := range f.Categories {
					if strings.EqualFold(cat, c) {
						slot = j
						break
					}
				}
			}
			out[base+slot] = 1
		default:
			if x, ok := raw.Numeric[f.Name]; ok {
				out[base] = e.stats[f.Name].Z(x)
			}
		}
	}
	return out
}

// ImmutableOnly drops every attribute the schema does not mark immutable.
func ImmutableOnly(schema features.Schema, raw features.RawVector) features.RawVector {
	out := features.RawVector{Numeric: map[string]float64{}, Categorical: map[string]string{}}
	for _, i := range schema.ImmutableIndices() {
		f := schema.Features[i]
		if v, ok := raw.Numeric[f.Name]; ok {
			out.Numeric[f.Name] = v
		}
		if v, ok := raw.Categorical[f.Name]; ok {
			out.Categorical[f.Name] = v
		}
	}
	return out
}
