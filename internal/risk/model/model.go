package model

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/yungbote/neurobridge-risk/internal/risk/features"
)

type Kind string

const (
	KindLogistic  Kind = "logistic"
	KindStumps    Kind = "stumps"
	KindPrototype Kind = "prototype"
)

const (
	LabelSafe   = 0
	LabelAtRisk = 1
)

type Source string

const (
	SourceFullModel Source = "full_model"
	SourceColdStart Source = "cold_start"
)

// Scorer maps a normalized vector to a margin in log-odds space.
type Scorer interface {
	Margin(x []float64) float64
}

// Additive scorers decompose their margin exactly:
// Intercept() + sum(Terms(x)) == Margin(x).
type Additive interface {
	Scorer
	Intercept() float64
	Terms(x []float64) []float64
}

type Assessment struct {
	Probability float64 `json:"probability"`
	Label       int     `json:"label"`
	Confidence  float64 `json:"confidence"`
	Source      Source  `json:"source"`
}

func (a Assessment) AtRisk() bool { return a.Label == LabelAtRisk }

// IncompleteFeatureVectorError lists required features that were not observed.
type IncompleteFeatureVectorError struct {
	Missing []string
}

func (e *IncompleteFeatureVectorError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("incomplete feature vector: missing %s", strings.Join(e.Missing, ", "))
}

func IsIncomplete(err error) bool {
	var target *IncompleteFeatureVectorError
	return errors.As(err, &target)
}

// Model is the single serving-time classifier. Whatever family won selection
// at training time sits behind scorer; serving never branches on it.
type Model struct {
	kind      Kind
	version   string
	names     []string
	required  []int
	threshold float64
	scorer    Scorer
}

func (m *Model) Kind() Kind             { return m.kind }
func (m *Model) Version() string        { return m.version }
func (m *Model) FeatureNames() []string { return append([]string(nil), m.names...) }
func (m *Model) Threshold() float64     { return m.threshold }
func (m *Model) Scorer() Scorer         { return m.scorer }

func (m *Model) Margin(x []float64) float64 { return m.scorer.Margin(x) }

func (m *Model) Probability(x []float64) float64 { return Sigmoid(m.scorer.Margin(x)) }

func (m *Model) Label(p float64) int {
	if p >= m.threshold {
		return LabelAtRisk
	}
	return LabelSafe
}

// Classify scores a normalized vector. Every required (actionable) feature must
// have been observed.
func (m *Model) Classify(v features.NormalizedVector) (Assessment, error) {
	if len(v.Values) != len(m.names) {
		return Assessment{}, fmt.Errorf("feature vector has %d values, model expects %d", len(v.Values), len(m.names))
	}
	if missing := v.Missing(m.required); len(missing) > 0 {
		return Assessment{}, &IncompleteFeatureVectorError{Missing: missing}
	}
	p := m.Probability(v.Values)
	return Assessment{
		Probability: p,
		Label:       m.Label(p),
		Confidence:  1.0,
		Source:      SourceFullModel,
	}, nil
}

// Sigmoid is the logistic function, stable for large |z|.
func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func Logit(p float64) float64 {
	const eps = 1e-12
	p = math.Min(math.Max(p, eps), 1-eps)
	return math.Log(p / (1 - p))
}
