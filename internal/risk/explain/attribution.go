package explain

import (
	"math"
	"math/rand"
	"sort"

	"github.com/yungbote/neurobridge-risk/internal/risk/model"
)

// AdditivityTolerance bounds |baseline + sum(contributions) - output|
// relative to max(1, |output|).
const AdditivityTolerance = 1e-9

const (
	MethodExactAdditive  = "exact_additive"
	MethodSampledShapley = "sampled_shapley"
)

type Contribution struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// Attribution splits a margin into a reference baseline plus one signed
// contribution per feature.
type Attribution struct {
	Method        string         `json:"method"`
	Baseline      float64        `json:"baseline"`
	Output        float64        `json:"output"`
	Contributions []Contribution `json:"contributions"`
}

func (a Attribution) Residual() float64 {
	r := a.Output - a.Baseline
	for _, c := range a.Contributions {
		r -= c.Contribution
	}
	return r
}

// Additive reports whether the decomposition reproduces the output within tolerance.
func (a Attribution) Additive() bool {
	return math.Abs(a.Residual()) <= AdditivityTolerance*math.Max(1, math.Abs(a.Output))
}

// Ranked orders contributions by magnitude, ties broken by feature name.
func (a Attribution) Ranked() []Contribution {
	out := append([]Contribution(nil), a.Contributions...)
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].Contribution), math.Abs(out[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}

// Reference is the background sample attributions are measured against.
type Reference struct {
	Rows   [][]float64
	Labels []int
	Mean   []float64
}

func NewReference(rows [][]float64, labels []int) *Reference {
	r := &Reference{Rows: rows, Labels: labels}
	if len(rows) == 0 {
		return r
	}
	r.Mean = make([]float64, len(rows[0]))
	for _, row := range rows {
		for j, v := range row {
			r.Mean[j] += v
		}
	}
	for j := range r.Mean {
		r.Mean[j] /= float64(len(rows))
	}
	return r
}

// Attributor computes per-learner attributions for one scorer. Additive
// scorers are decomposed exactly against the mean reference term; anything
// else falls back to permutation-sampled Shapley values with the mean
// reference row as the absent-feature value.
type Attributor struct {
	names     []string
	scorer    model.Scorer
	additive  model.Additive
	meanTerms []float64
	baseline  float64
	ref       *Reference
	samples   int
	seed      int64
}

func NewAttributor(names []string, scorer model.Scorer, ref *Reference, samples int, seed int64) *Attributor {
	if samples <= 0 {
		samples = 64
	}
	a := &Attributor{names: names, scorer: scorer, ref: ref, samples: samples, seed: seed}
	if add, ok := scorer.(model.Additive); ok {
		a.additive = add
		a.meanTerms = make([]float64, len(names))
		a.baseline = add.Intercept()
		if ref != nil && len(ref.Rows) > 0 {
			for _, row := range ref.Rows {
				for j, t := range add.Terms(row) {
					a.meanTerms[j] += t
				}
			}
			for j := range a.meanTerms {
				a.meanTerms[j] /= float64(len(ref.Rows))
			}
		}
		for _, t := range a.meanTerms {
			a.baseline += t
		}
		return a
	}
	if ref != nil && ref.Mean != nil {
		a.baseline = scorer.Margin(ref.Mean)
	} else {
		a.baseline = scorer.Margin(make([]float64, len(names)))
	}
	return a
}

func (a *Attributor) Baseline() float64 { return a.baseline }

func (a *Attributor) Attribute(x []float64) Attribution {
	if a.additive != nil {
		return a.exact(x)
	}
	return a.sampled(x)
}

func (a *Attributor) exact(x []float64) Attribution {
	terms := a.additive.Terms(x)
	out := Attribution{
		Method:        MethodExactAdditive,
		Baseline:      a.baseline,
		Output:        a.additive.Margin(x),
		Contributions: make([]Contribution, len(a.names)),
	}
	for j, name := range a.names {
		out.Contributions[j] = Contribution{Feature: name, Value: x[j], Contribution: terms[j] - a.meanTerms[j]}
	}
	return out
}

// sampled walks random feature orderings from the background row to x. Each
// walk telescopes to f(x) - f(background), so efficiency holds for the
// average as well.
func (a *Attributor) sampled(x []float64) Attribution {
	d := len(a.names)
	bg := make([]float64, d)
	if a.ref != nil && a.ref.Mean != nil {
		copy(bg, a.ref.Mean)
	}
	phi := make([]float64, d)
	rng := rand.New(rand.NewSource(a.seed))
	cur := make([]float64, d)
	for s := 0; s < a.samples; s++ {
		perm := rng.Perm(d)
		copy(cur, bg)
		prev := a.scorer.Margin(cur)
		for _, j := range perm {
			cur[j] = x[j]
			next := a.scorer.Margin(cur)
			phi[j] += next - prev
			prev = next
		}
	}
	out := Attribution{
		Method:        MethodSampledShapley,
		Baseline:      a.scorer.Margin(bg),
		Output:        a.scorer.Margin(x),
		Contributions: make([]Contribution, d),
	}
	for j, name := range a.names {
		out.Contributions[j] = Contribution{Feature: name, Value: x[j], Contribution: phi[j] / float64(a.samples)}
	}
	return out
}

type Importance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// GlobalRanking is the mean absolute contribution of each feature over the
// reference sample, largest first.
func (a *Attributor) GlobalRanking(limit int) []Importance {
	if a.ref == nil || len(a.ref.Rows) == 0 {
		return nil
	}
	rows := a.ref.Rows
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	sums := make([]float64, len(a.names))
	for _, row := range rows {
		for j, c := range a.Attribute(row).Contributions {
			sums[j] += math.Abs(c.Contribution)
		}
	}
	out := make([]Importance, len(a.names))
	for j, name := range a.names {
		out[j] = Importance{Feature: name, Importance: sums[j] / float64(len(rows))}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}
