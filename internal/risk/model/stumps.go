package model

import (
	"math"
	"sort"
)

// Stump is a depth-one tree on a single feature.
type Stump struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      float64 `json:"left"`
	Right     float64 `json:"right"`
}

func (s Stump) value(x []float64) float64 {
	if x[s.Feature] <= s.Threshold {
		return s.Left
	}
	return s.Right
}

// Stumps is a boosted ensemble of decision stumps. Each stump touches one
// feature, so the margin splits exactly into per-feature terms.
type Stumps struct {
	Features int     `json:"features"`
	Bias     float64 `json:"bias"`
	Stumps   []Stump `json:"stumps"`
}

func (e *Stumps) Margin(x []float64) float64 {
	z := e.Bias
	for _, s := range e.Stumps {
		z += s.value(x)
	}
	return z
}

func (e *Stumps) Intercept() float64 { return e.Bias }

func (e *Stumps) Terms(x []float64) []float64 {
	out := make([]float64, e.Features)
	for _, s := range e.Stumps {
		out[s.Feature] += s.value(x)
	}
	return out
}

type StumpOptions struct {
	Rounds       int
	LearningRate float64
	Bins         int
	Lambda       float64
}

func (o StumpOptions) withDefaults() StumpOptions {
	if o.Rounds <= 0 {
		o.Rounds = 60
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.3
	}
	if o.Bins <= 1 {
		o.Bins = 16
	}
	if o.Lambda <= 0 {
		o.Lambda = 1
	}
	return o
}

// FitStumps trains the ensemble with Newton-step gradient boosting on the
// weighted log loss. Split candidates are per-feature quantiles.
func FitStumps(X [][]float64, y []int, w []float64, opts StumpOptions) *Stumps {
	opts = opts.withDefaults()
	d := 0
	if len(X) > 0 {
		d = len(X[0])
	}
	ens := &Stumps{Features: d}
	if len(X) == 0 {
		return ens
	}
	var wPos, wAll float64
	for i := range y {
		wAll += w[i]
		if y[i] == LabelAtRisk {
			wPos += w[i]
		}
	}
	if wAll > 0 {
		ens.Bias = Logit(wPos / wAll)
	}
	thresholds := make([][]float64, d)
	for j := 0; j < d; j++ {
		thresholds[j] = quantileCuts(X, j, opts.Bins)
	}
	margin := make([]float64, len(X))
	for i := range margin {
		margin[i] = ens.Bias
	}
	g := make([]float64, len(X))
	h := make([]float64, len(X))
	for round := 0; round < opts.Rounds; round++ {
		for i := range X {
			p := Sigmoid(margin[i])
			g[i] = w[i] * (float64(y[i]) - p)
			h[i] = w[i] * math.Max(p*(1-p), 1e-6)
		}
		best, ok := bestStump(X, g, h, thresholds, opts.Lambda)
		if !ok {
			break
		}
		best.Left *= opts.LearningRate
		best.Right *= opts.LearningRate
		ens.Stumps = append(ens.Stumps, best)
		for i, row := range X {
			margin[i] += best.value(row)
		}
	}
	return ens
}

func bestStump(X [][]float64, g, h []float64, thresholds [][]float64, lambda float64) (Stump, bool) {
	var (
		best     Stump
		bestGain = 1e-12
		found    bool
	)
	var gAll, hAll float64
	for i := range g {
		gAll += g[i]
		hAll += h[i]
	}
	base := gAll * gAll / (hAll + lambda)
	for j, cuts := range thresholds {
		for _, t := range cuts {
			var gl, hl float64
			for i, row := range X {
				if row[j] <= t {
					gl += g[i]
					hl += h[i]
				}
			}
			gr, hr := gAll-gl, hAll-hl
			gain := gl*gl/(hl+lambda) + gr*gr/(hr+lambda) - base
			if gain > bestGain {
				bestGain = gain
				best = Stump{Feature: j, Threshold: t, Left: gl / (hl + lambda), Right: gr / (hr + lambda)}
				found = true
			}
		}
	}
	return best, found
}

func quantileCuts(X [][]float64, j, bins int) []float64 {
	vals := make([]float64, len(X))
	for i, row := range X {
		vals[i] = row[j]
	}
	sort.Float64s(vals)
	var out []float64
	for b := 1; b < bins; b++ {
		v := vals[(b*len(vals))/bins]
		if len(out) == 0 || v > out[len(out)-1] {
			if v < vals[len(vals)-1] {
				out = append(out, v)
			}
		}
	}
	return out
}
