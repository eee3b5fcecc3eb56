// Package snapshottest builds a small, fully deterministic risk snapshot for
// tests of the serving path.
package snapshottest

import (
	"math/rand"
	"testing"
	"time"

	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/coldstart"
	"github.com/yungbote/neurobridge-risk/internal/risk/counterfactual"
	"github.com/yungbote/neurobridge-risk/internal/risk/explain"
	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
)

const (
	Version = "fixture-v1"
	Cohort  = "AAA-2014J"
)

// Weights follow the default schema order. Engagement lowers risk; prior
// attempts and heavy credit loads raise it.
var Weights = []float64{-1.0, -1.2, -0.6, -0.3, -0.8, 0, 0, -0.3, -0.2, 0, 0.3, 0.4, 0.2}

const Bias = -0.4

func cohortStats() map[string]features.Stat {
	return map[string]features.Stat{
		"avg_score":         {Mean: 70, Std: 15, Count: 400},
		"vle_clicks":        {Mean: 900, Std: 250, Count: 400},
		"days_active":       {Mean: 60, Std: 20, Count: 400},
		"unique_resources":  {Mean: 40, Std: 12, Count: 400},
		"submission_rate":   {Mean: 0.85, Std: 0.15, Count: 400},
		"num_prev_attempts": {Mean: 0.2, Std: 0.5, Count: 400},
		"studied_credits":   {Mean: 75, Std: 35, Count: 400},
	}
}

// Bundle returns a fresh bundle on every call.
func Bundle(tb testing.TB) *snapshot.Bundle {
	tb.Helper()
	schema := features.DefaultSchema()
	names := schema.ModelNames()
	art, err := model.NewArtifact(Version, names, schema.ActionableIndices(), &model.Logistic{
		Weights: append([]float64(nil), Weights...),
		Bias:    Bias,
	})
	if err != nil {
		tb.Fatalf("fixture artifact: %v", err)
	}
	m, err := art.Build()
	if err != nil {
		tb.Fatalf("fixture model: %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	rows := make([][]float64, 0, 300)
	labels := make([]int, 0, 300)
	for i := 0; i < 300; i++ {
		row := make([]float64, len(names))
		for j, f := range schema.Features {
			if f.Type == features.Categorical {
				row[j] = f.Code(f.Categories[rng.Intn(len(f.Categories))])
				continue
			}
			row[j] = rng.NormFloat64()
		}
		rows = append(rows, row)
		labels = append(labels, m.Label(m.Probability(row)))
	}

	global := cohortStats()
	hrng := rand.New(rand.NewSource(11))
	history := make([]coldstart.Example, 0, 80)
	for i := 0; i < 80; i++ {
		raw := features.RawVector{Numeric: map[string]float64{}, Categorical: map[string]string{}}
		eduIdx := 0
		for _, idx := range schema.ImmutableIndices() {
			f := schema.Features[idx]
			if f.Type == features.Categorical {
				k := hrng.Intn(len(f.Categories))
				if f.Name == "highest_education" {
					eduIdx = k
				}
				raw.Categorical[f.Name] = f.Categories[k]
				continue
			}
			switch f.Name {
			case "num_prev_attempts":
				raw.Numeric[f.Name] = float64(hrng.Intn(3))
			default:
				raw.Numeric[f.Name] = float64(30 + 15*hrng.Intn(8))
			}
		}
		history = append(history, coldstart.Example{
			Raw:    raw,
			AtRisk: eduIdx <= 1 || raw.Numeric["num_prev_attempts"] >= 1,
		})
	}

	return &snapshot.Bundle{
		Version:   Version,
		CreatedAt: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
		Schema:    schema,
		Cohorts: &features.CohortTable{
			Version: Version,
			Cohorts: map[string]map[string]features.Stat{
				Cohort:                cohortStats(),
				features.GlobalCohort: cohortStats(),
			},
		},
		Model:       art,
		Reference:   snapshot.Reference{Rows: rows, Labels: labels},
		ColdStart:   snapshot.ColdStart{Global: map[string]features.Stat{"num_prev_attempts": global["num_prev_attempts"], "studied_credits": global["studied_credits"]}, History: history},
		Constraints: counterfactual.DefaultConstraints(),
		Metrics: snapshot.Metrics{
			Selected:      model.KindLogistic,
			Folds:         5,
			Candidates:    []snapshot.CandidateMetrics{{Kind: model.KindLogistic, MeanF1: 0.81, FoldF1: []float64{0.8, 0.82, 0.81, 0.8, 0.82}}},
			TrainSize:     400,
			FitSize:       320,
			ReferenceSize: len(rows),
			HistorySize:   len(history),
			PositiveRate:  0.3,
		},
	}
}

// Snapshot builds the serving snapshot for Bundle with a small Shapley budget.
func Snapshot(tb testing.TB) *snapshot.Snapshot {
	tb.Helper()
	s, err := snapshot.Build(logger.Nop(), Bundle(tb), snapshot.Options{
		Explain:    explain.Options{ShapleySamples: 64, Seed: 1},
		ColdStartK: coldstart.DefaultK,
		Cache:      explain.NewMemoryCache(64),
	})
	if err != nil {
		tb.Fatalf("fixture snapshot: %v", err)
	}
	return s
}

// AtRiskLearner is well below the cohort on every engagement measure.
func AtRiskLearner() map[string]any {
	return map[string]any{
		"avg_score":         55.0,
		"vle_clicks":        400.0,
		"days_active":       40.0,
		"unique_resources":  28.0,
		"submission_rate":   0.7,
		"gender":            "F",
		"region":            "London Region",
		"highest_education": "Lower Than A Level",
		"imd_band":          "20-30%",
		"age_band":          "0-35",
		"disability":        "N",
		"num_prev_attempts": 0.0,
		"studied_credits":   60.0,
	}
}

// ThrivingLearner is well above the cohort on every engagement measure.
func ThrivingLearner() map[string]any {
	return map[string]any{
		"avg_score":         85.0,
		"vle_clicks":        1400.0,
		"days_active":       80.0,
		"unique_resources":  52.0,
		"submission_rate":   1.0,
		"gender":            "M",
		"region":            "Scotland",
		"highest_education": "HE Qualification",
		"imd_band":          "70-80%",
		"age_band":          "35-55",
		"disability":        "N",
		"num_prev_attempts": 0.0,
		"studied_credits":   60.0,
	}
}

// NewLearner has registration data only.
func NewLearner() map[string]any {
	return map[string]any{
		"gender":            "M",
		"region":            "Wales",
		"highest_education": "No Formal quals",
		"imd_band":          "0-10%",
		"age_band":          "0-35",
		"disability":        "N",
		"num_prev_attempts": 1.0,
		"studied_credits":   120.0,
	}
}
