package explain

import (
	"context"
	"fmt"

	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
)

// Explanation is what the model relied on for one learner.
type Explanation struct {
	ModelVersion string         `json:"model_version"`
	Method       string         `json:"method"`
	Baseline     float64        `json:"baseline"`
	Output       float64        `json:"output"`
	Local        []Contribution `json:"local"`
	Global       []Importance   `json:"global"`
	Rules        []Rule         `json:"rules"`
}

// TopFactor is the largest-magnitude local contribution.
func (e *Explanation) TopFactor() (Contribution, bool) {
	if e == nil || len(e.Local) == 0 {
		return Contribution{}, false
	}
	return e.Local[0], true
}

// Cache stores explanations keyed by learner, model version and vector fingerprint.
type Cache interface {
	Get(ctx context.Context, key string) (*Explanation, bool, error)
	Set(ctx context.Context, key string, exp *Explanation) error
}

func CacheKey(learnerID, modelVersion string, v features.NormalizedVector) string {
	return fmt.Sprintf("%s|%s|%s", learnerID, modelVersion, v.Fingerprint())
}

type Options struct {
	ShapleySamples int
	Seed           int64
	GlobalLimit    int
	Rules          RuleConfig
}

// Generator bundles attribution and rule extraction for one model snapshot.
// The global ranking is computed once at construction.
type Generator struct {
	log        *logger.Logger
	model      *model.Model
	attributor *Attributor
	rules      *RuleExtractor
	global     []Importance
	cache      Cache
}

func NewGenerator(log *logger.Logger, m *model.Model, ref *Reference, cache Cache, opts Options) *Generator {
	names := m.FeatureNames()
	attributor := NewAttributor(names, m.Scorer(), ref, opts.ShapleySamples, opts.Seed)
	var rows [][]float64
	var predicted []int
	if ref != nil {
		rows = ref.Rows
		predicted = make([]int, len(rows))
		for i, row := range rows {
			predicted[i] = m.Label(m.Probability(row))
		}
	}
	return &Generator{
		log:        log.With("service", "ExplanationGenerator"),
		model:      m,
		attributor: attributor,
		rules:      NewRuleExtractor(names, rows, predicted, opts.Rules),
		global:     attributor.GlobalRanking(opts.GlobalLimit),
		cache:      cache,
	}
}

func (g *Generator) Global() []Importance { return append([]Importance(nil), g.global...) }

// Explain returns the explanation for a fully observed vector, consulting the
// cache first. Cache failures are logged and otherwise ignored.
func (g *Generator) Explain(ctx context.Context, learnerID string, v features.NormalizedVector) (*Explanation, bool) {
	key := CacheKey(learnerID, g.model.Version(), v)
	if g.cache != nil {
		exp, ok, err := g.cache.Get(ctx, key)
		if err != nil {
			g.log.Warn("explanation cache read failed", "error", err)
		} else if ok {
			return exp, true
		}
	}
	attr := g.attributor.Attribute(v.Values)
	if !attr.Additive() {
		g.log.Warn("attribution additivity drift", "residual", attr.Residual(), "model_version", g.model.Version())
	}
	label := g.model.Label(model.Sigmoid(attr.Output))
	exp := &Explanation{
		ModelVersion: g.model.Version(),
		Method:       attr.Method,
		Baseline:     attr.Baseline,
		Output:       attr.Output,
		Local:        attr.Ranked(),
		Global:       g.Global(),
		Rules:        g.rules.Extract(v.Values, label),
	}
	if g.cache != nil {
		if err := g.cache.Set(ctx, key, exp); err != nil {
			g.log.Warn("explanation cache write failed", "error", err)
		}
	}
	return exp, false
}
