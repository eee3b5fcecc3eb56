package model

import "math"

type Logistic struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

func (l *Logistic) Margin(x []float64) float64 {
	z := l.Bias
	for i, w := range l.Weights {
		z += w * x[i]
	}
	return z
}

func (l *Logistic) Intercept() float64 { return l.Bias }

func (l *Logistic) Terms(x []float64) []float64 {
	out := make([]float64, len(l.Weights))
	for i, w := range l.Weights {
		out[i] = w * x[i]
	}
	return out
}

type LogisticOptions struct {
	L2           float64
	LearningRate float64
	Epochs       int
}

func (o LogisticOptions) withDefaults() LogisticOptions {
	if o.LearningRate <= 0 {
		o.LearningRate = 0.5
	}
	if o.Epochs <= 0 {
		o.Epochs = 400
	}
	if o.L2 < 0 {
		o.L2 = 0
	}
	return o
}

// FitLogistic runs weighted full-batch gradient descent on the L2-penalized
// log loss. Deterministic for fixed inputs.
func FitLogistic(X [][]float64, y []int, w []float64, opts LogisticOptions) *Logistic {
	opts = opts.withDefaults()
	d := 0
	if len(X) > 0 {
		d = len(X[0])
	}
	m := &Logistic{Weights: make([]float64, d)}
	totalW := 0.0
	for _, wi := range w {
		totalW += wi
	}
	if totalW == 0 {
		return m
	}
	grad := make([]float64, d)
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		for j := range grad {
			grad[j] = 0
		}
		gradB := 0.0
		for i, row := range X {
			r := w[i] * (Sigmoid(m.Margin(row)) - float64(y[i]))
			for j, v := range row {
				grad[j] += r * v
			}
			gradB += r
		}
		maxStep := 0.0
		for j := range m.Weights {
			step := opts.LearningRate * (grad[j]/totalW + opts.L2*m.Weights[j])
			m.Weights[j] -= step
			maxStep = math.Max(maxStep, math.Abs(step))
		}
		stepB := opts.LearningRate * gradB / totalW
		m.Bias -= stepB
		if math.Max(maxStep, math.Abs(stepB)) < 1e-9 {
			break
		}
	}
	return m
}
