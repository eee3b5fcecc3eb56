package coldstart

import (
	"math"
	"sort"

	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
)

const (
	DefaultK = 10
	// MaxConfidence keeps cold-start estimates visibly weaker than the full model.
	MaxConfidence = 0.95
	distanceEps   = 1e-6
)

// Example is one historical learner: immutable attributes and observed outcome.
type Example struct {
	Raw    features.RawVector `json:"raw"`
	AtRisk bool               `json:"at_risk"`
}

// Estimator scores learners with no behavioral history from their k nearest
// historical neighbors in immutable-attribute space.
type Estimator struct {
	enc      *Encoder
	points   [][]float64
	outcomes []float64
	k        int
	prior    float64
}

func NewEstimator(schema features.Schema, global map[string]features.Stat, history []Example, k int) *Estimator {
	if k <= 0 {
		k = DefaultK
	}
	e := &Estimator{enc: NewEncoder(schema, global), k: k, prior: 0.5}
	sum := 0.0
	for _, ex := range history {
		e.points = append(e.points, e.enc.Encode(ex.Raw))
		y := 0.0
		if ex.AtRisk {
			y = 1
		}
		e.outcomes = append(e.outcomes, y)
		sum += y
	}
	if len(history) > 0 {
		e.prior = sum / float64(len(history))
	}
	return e
}

func (e *Estimator) K() int { return e.k }

func (e *Estimator) Size() int { return len(e.points) }

type neighbor struct {
	dist float64
	idx  int
}

// Estimate returns an inverse-distance-weighted neighbor vote. With fewer than
// k historical learners it returns the population rate with zero confidence.
func (e *Estimator) Estimate(raw features.RawVector) model.Assessment {
	if len(e.points) < e.k {
		return e.assessment(e.prior, 0)
	}
	q := e.enc.Encode(raw)
	ns := make([]neighbor, len(e.points))
	for i, p := range e.points {
		ns[i] = neighbor{dist: euclidean(q, p), idx: i}
	}
	sort.Slice(ns, func(a, b int) bool {
		if ns[a].dist != ns[b].dist {
			return ns[a].dist < ns[b].dist
		}
		return ns[a].idx < ns[b].idx
	})
	var wSum, ySum, dSum float64
	for _, n := range ns[:e.k] {
		w := 1 / (n.dist + distanceEps)
		wSum += w
		ySum += w * e.outcomes[n.idx]
		dSum += n.dist
	}
	prob := ySum / wSum
	conf := 1 / (1 + dSum/float64(e.k))
	return e.assessment(prob, math.Min(conf, MaxConfidence))
}

func (e *Estimator) assessment(p, conf float64) model.Assessment {
	label := model.LabelSafe
	if p >= 0.5 {
		label = model.LabelAtRisk
	}
	return model.Assessment{
		Probability: p,
		Label:       label,
		Confidence:  conf,
		Source:      model.SourceColdStart,
	}
}

func euclidean(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}
