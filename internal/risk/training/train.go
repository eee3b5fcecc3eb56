package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/coldstart"
	"github.com/yungbote/neurobridge-risk/internal/risk/counterfactual"
	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
)

// ErrNotEnoughData means there are too few complete labeled learners to
// cross-validate.
var ErrNotEnoughData = errors.New("not enough labeled learners to train")

type Config struct {
	Schema        features.Schema
	Version       string
	Folds         int
	Seed          int64
	ReferenceSize int
	HistorySize   int
	Logistic      model.LogisticOptions
	Stumps        model.StumpOptions
	Constraints   counterfactual.Constraints
	// Candidates overrides the model families considered.
	Candidates []Candidate
	Now        func() time.Time
}

func (c Config) withDefaults() Config {
	if len(c.Schema.Features) == 0 {
		c.Schema = features.DefaultSchema()
	}
	if c.Folds < 2 {
		c.Folds = 5
	}
	if c.ReferenceSize <= 0 {
		c.ReferenceSize = 500
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 2000
	}
	if c.Logistic.L2 == 0 {
		c.Logistic.L2 = 0.01
	}
	if len(c.Constraints) == 0 {
		c.Constraints = counterfactual.DefaultConstraints()
	}
	if len(c.Candidates) == 0 {
		c.Candidates = DefaultCandidates(c.Logistic, c.Stumps)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Trainer runs one offline training cycle.
type Trainer struct {
	log *logger.Logger
	cfg Config
}

func New(log *logger.Logger, cfg Config) *Trainer {
	return &Trainer{log: log.With("service", "RiskTrainer"), cfg: cfg.withDefaults()}
}

type dataset struct {
	X       [][]float64
	y       []int
	history []coldstart.Example
	skipped int
}

// Train builds a validated bundle from labeled records. Unlabeled records are
// ignored; labeled records without behavioral data only feed the cold-start
// history.
func (t *Trainer) Train(ctx context.Context, recs []Record) (*snapshot.Bundle, error) {
	cfg := t.cfg
	if err := cfg.Schema.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Constraints.Validate(cfg.Schema); err != nil {
		return nil, err
	}
	now := cfg.Now().UTC()
	version := cfg.Version
	if version == "" {
		version = snapshot.NewVersion(now)
	}

	obs := make([]features.Observation, 0, len(recs))
	raws := make([]features.RawVector, len(recs))
	for i, r := range recs {
		if !r.Labeled() {
			continue
		}
		raw, err := features.ParseRaw(cfg.Schema, r.Features)
		if err != nil {
			t.log.Warn("skipping malformed training record", "learner_id", r.LearnerID, "cohort_key", r.CohortKey, "error", err)
			continue
		}
		raws[i] = raw
		obs = append(obs, features.Observation{CohortKey: r.CohortKey, Raw: raw})
	}
	table := features.ComputeCohortTable(cfg.Schema, obs, version)

	ds := t.assemble(recs, raws, table)
	pos := 0
	for _, v := range ds.y {
		pos += v
	}
	if len(ds.X) < 2*cfg.Folds || pos < cfg.Folds || len(ds.y)-pos < cfg.Folds {
		return nil, fmt.Errorf("%w: %d complete learners, %d at risk, need at least %d per class", ErrNotEnoughData, len(ds.X), pos, cfg.Folds)
	}
	t.log.Info("training data assembled",
		"records", len(recs),
		"complete", len(ds.X),
		"at_risk", pos,
		"history", len(ds.history),
		"skipped", ds.skipped,
		"cohorts", len(table.Cohorts),
	)

	folds := stratifiedFolds(ds.y, cfg.Folds, cfg.Seed)
	metrics, err := crossValidate(ctx, ds.X, ds.y, folds, cfg.Candidates)
	if err != nil {
		return nil, err
	}
	best := selectBest(metrics)
	for _, m := range metrics {
		t.log.Info("candidate evaluated", "kind", m.Kind, "mean_f1", m.MeanF1, "std_f1", m.StdF1, "precision", m.Precision, "recall", m.Recall)
	}

	// The first fold is held out of the final fit and supplies the reference
	// sample that rules and attributions are measured on.
	holdout := folds[0]
	fitX, fitY := withoutRows(ds.X, ds.y, holdout)
	scorer := cfg.Candidates[best].Fit(fitX, fitY, classWeights(fitY))
	art, err := model.NewArtifact(version, cfg.Schema.ModelNames(), cfg.Schema.ActionableIndices(), scorer)
	if err != nil {
		return nil, err
	}
	m, err := art.Build()
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed + 1))
	ref := snapshot.Reference{}
	for _, j := range sample(rng, len(holdout), cfg.ReferenceSize) {
		i := holdout[j]
		ref.Rows = append(ref.Rows, ds.X[i])
		ref.Labels = append(ref.Labels, m.Label(m.Probability(ds.X[i])))
	}
	history := ds.history
	if len(history) > cfg.HistorySize {
		picked := make([]coldstart.Example, 0, cfg.HistorySize)
		for _, i := range sample(rng, len(history), cfg.HistorySize) {
			picked = append(picked, history[i])
		}
		history = picked
	}

	global := map[string]features.Stat{}
	if stats, ok := table.Lookup(features.GlobalCohort); ok {
		for _, i := range cfg.Schema.ImmutableIndices() {
			f := cfg.Schema.Features[i]
			if st, ok := stats[f.Name]; ok {
				global[f.Name] = st
			}
		}
	}

	b := &snapshot.Bundle{
		Version:     version,
		CreatedAt:   now,
		Schema:      cfg.Schema,
		Cohorts:     table,
		Model:       art,
		Reference:   ref,
		ColdStart:   snapshot.ColdStart{Global: global, History: history},
		Constraints: cfg.Constraints,
		Metrics: snapshot.Metrics{
			Selected:      art.Kind,
			Folds:         cfg.Folds,
			Candidates:    metrics,
			TrainSize:     len(ds.X),
			FitSize:       len(fitX),
			ReferenceSize: len(ref.Rows),
			HistorySize:   len(history),
			PositiveRate:  float64(pos) / float64(len(ds.y)),
		},
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("trained bundle invalid: %w", err)
	}
	t.log.Info("risk snapshot trained", "version", version, "model_kind", art.Kind, "mean_f1", metrics[best].MeanF1)
	return b, nil
}

func (t *Trainer) assemble(recs []Record, raws []features.RawVector, table *features.CohortTable) dataset {
	norm := features.NewNormalizer(t.cfg.Schema, table)
	actionable := t.cfg.Schema.ActionableIndices()
	var ds dataset
	for i, r := range recs {
		if !r.Labeled() || raws[i].Numeric == nil {
			continue
		}
		raw := raws[i]
		ds.history = append(ds.history, coldstart.Example{
			Raw:    coldstart.ImmutableOnly(t.cfg.Schema, raw),
			AtRisk: r.AtRisk(),
		})
		v, err := norm.Normalize(raw, r.CohortKey)
		if err != nil {
			ds.skipped++
			continue
		}
		if len(v.Missing(actionable)) > 0 {
			continue
		}
		label := model.LabelSafe
		if r.AtRisk() {
			label = model.LabelAtRisk
		}
		ds.X = append(ds.X, v.Values)
		ds.y = append(ds.y, label)
	}
	return ds
}

// withoutRows copies X and y minus the given row indices.
func withoutRows(X [][]float64, y []int, drop []int) ([][]float64, []int) {
	skip := make(map[int]bool, len(drop))
	for _, i := range drop {
		skip[i] = true
	}
	outX := make([][]float64, 0, len(X)-len(skip))
	outY := make([]int, 0, len(X)-len(skip))
	for i := range X {
		if !skip[i] {
			outX = append(outX, X[i])
			outY = append(outY, y[i])
		}
	}
	return outX, outY
}

// sample returns min(n, size) distinct indices in [0, n).
func sample(rng *rand.Rand, n, size int) []int {
	perm := rng.Perm(n)
	if size < n {
		perm = perm[:size]
	}
	return perm
}
