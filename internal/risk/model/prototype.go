package model

import "math"

// Prototype scores by squared distance to the per-class centroids, scaled per
// feature by the pooled within-class variance. Closer to the at-risk centroid
// means a larger margin.
type Prototype struct {
	Safe     []float64 `json:"safe"`
	AtRisk   []float64 `json:"at_risk"`
	Variance []float64 `json:"variance"`
	Bias     float64   `json:"bias"`
}

func (p *Prototype) Margin(x []float64) float64 {
	z := p.Bias
	for _, t := range p.Terms(x) {
		z += t
	}
	return z
}

func (p *Prototype) Intercept() float64 { return p.Bias }

func (p *Prototype) Terms(x []float64) []float64 {
	out := make([]float64, len(p.Safe))
	for i := range p.Safe {
		d0 := x[i] - p.Safe[i]
		d1 := x[i] - p.AtRisk[i]
		out[i] = (d0*d0 - d1*d1) / (2 * p.Variance[i])
	}
	return out
}

// FitPrototype computes weighted class centroids and pooled variance.
func FitPrototype(X [][]float64, y []int, w []float64) *Prototype {
	d := 0
	if len(X) > 0 {
		d = len(X[0])
	}
	p := &Prototype{Safe: make([]float64, d), AtRisk: make([]float64, d), Variance: make([]float64, d)}
	var w0, w1 float64
	for i, row := range X {
		c := p.Safe
		if y[i] == LabelAtRisk {
			c = p.AtRisk
			w1 += w[i]
		} else {
			w0 += w[i]
		}
		for j, v := range row {
			c[j] += w[i] * v
		}
	}
	for j := 0; j < d; j++ {
		if w0 > 0 {
			p.Safe[j] /= w0
		}
		if w1 > 0 {
			p.AtRisk[j] /= w1
		}
	}
	for i, row := range X {
		c := p.Safe
		if y[i] == LabelAtRisk {
			c = p.AtRisk
		}
		for j, v := range row {
			diff := v - c[j]
			p.Variance[j] += w[i] * diff * diff
		}
	}
	for j := range p.Variance {
		if w0+w1 > 0 {
			p.Variance[j] /= w0 + w1
		}
		p.Variance[j] = math.Max(p.Variance[j], 1e-3)
	}
	if w0 > 0 && w1 > 0 {
		p.Bias = math.Log(w1 / w0)
	}
	return p
}
