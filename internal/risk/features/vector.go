package features

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// RawVector is a learner's feature values as observed, before normalization.
// Absent keys mean the value was not observed.
type RawVector struct {
	Numeric     map[string]float64 `json:"numeric,omitempty"`
	Categorical map[string]string  `json:"categorical,omitempty"`
}

// ParseRaw interprets a loosely typed payload (decoded JSON) against the schema.
// Unknown keys are ignored; type mismatches are malformed input.
func ParseRaw(schema Schema, in map[string]any) (RawVector, error) {
	out := RawVector{Numeric: map[string]float64{}, Categorical: map[string]string{}}
	for _, f := range schema.Features {
		v, ok := in[f.Name]
		if !ok || v == nil {
			continue
		}
		switch f.Type {
		case Numeric:
			num, err := toFloat(v)
			if err != nil {
				return RawVector{}, fmt.Errorf("%w: feature %q: %v", ErrMalformedVector, f.Name, err)
			}
			out.Numeric[f.Name] = num
		case Categorical:
			s, ok := v.(string)
			if !ok {
				return RawVector{}, fmt.Errorf("%w: feature %q must be a string", ErrMalformedVector, f.Name)
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out.Categorical[f.Name] = strings.TrimSpace(s)
		}
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", t)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value")
	}
	return f, nil
}

// HasBehavior reports whether any actionable feature was observed.
func (r RawVector) HasBehavior(schema Schema) bool {
	for _, i := range schema.ActionableIndices() {
		if _, ok := r.Numeric[schema.Features[i].Name]; ok {
			return true
		}
	}
	return false
}

// NormalizedVector is a RawVector re-expressed relative to a cohort. It keeps the
// raw values and the statistics used so any entry can be inverted.
type NormalizedVector struct {
	CohortKey  string    `json:"cohort_key"`
	Names      []string  `json:"names"`
	Values     []float64 `json:"values"`
	Raw        []float64 `json:"raw"`
	Categories []string  `json:"categories"`
	Present    []bool    `json:"present"`
	Stats      []Stat    `json:"stats"`
}

func (v NormalizedVector) Clone() NormalizedVector {
	out := v
	out.Names = append([]string(nil), v.Names...)
	out.Values = append([]float64(nil), v.Values...)
	out.Raw = append([]float64(nil), v.Raw...)
	out.Categories = append([]string(nil), v.Categories...)
	out.Present = append([]bool(nil), v.Present...)
	out.Stats = append([]Stat(nil), v.Stats...)
	return out
}

// WithRaw returns a copy with feature i set to raw and re-standardized.
func (v NormalizedVector) WithRaw(i int, raw float64) NormalizedVector {
	out := v.Clone()
	out.Raw[i] = raw
	out.Values[i] = v.Stats[i].Z(raw)
	out.Present[i] = true
	return out
}

// Denormalize maps a z-value of feature i back to the raw scale.
func (v NormalizedVector) Denormalize(i int, z float64) float64 {
	return v.Stats[i].Inverse(z)
}

// Missing lists features of the given indices that were not observed.
func (v NormalizedVector) Missing(indices []int) []string {
	var out []string
	for _, i := range indices {
		if i < len(v.Present) && !v.Present[i] {
			out = append(out, v.Names[i])
		}
	}
	return out
}

// Fingerprint is a stable digest of the model-facing values.
func (v NormalizedVector) Fingerprint() string {
	h := sha256.New()
	var buf [8]byte
	for i, x := range v.Values {
		_, _ = h.Write([]byte(v.Names[i]))
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
		_, _ = h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// AsMap exposes model-facing values by name, sorted keys when marshalled.
func (v NormalizedVector) AsMap() map[string]float64 {
	out := make(map[string]float64, len(v.Names))
	for i, n := range v.Names {
		out[n] = v.Values[i]
	}
	return out
}

// SortedNames is a convenience for deterministic iteration over AsMap.
func SortedNames(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
