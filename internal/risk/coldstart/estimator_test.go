package coldstart

import (
	"testing"

	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
)

var global = map[string]features.Stat{
	"num_prev_attempts": {Mean: 0.2, Std: 0.5},
	"studied_credits":   {Mean: 75, Std: 30},
}

func learner(gender, edu string, credits float64, atRisk bool) Example {
	return Example{
		Raw: features.RawVector{
			Numeric:     map[string]float64{"studied_credits": credits},
			Categorical: map[string]string{"gender": gender, "highest_education": edu},
		},
		AtRisk: atRisk,
	}
}

func history() []Example {
	var out []Example
	for i := 0; i < 12; i++ {
		out = append(out, learner("F", "HE Qualification", 60+float64(i), false))
		out = append(out, learner("M", "No Formal quals", 120+float64(i), true))
	}
	return out
}

func TestEstimateFollowsNeighbors(t *testing.T) {
	e := NewEstimator(features.DefaultSchema(), global, history(), DefaultK)
	risky := e.Estimate(learner("M", "No Formal quals", 125, false).Raw)
	if risky.Probability < 0.9 || risky.Label != model.LabelAtRisk {
		t.Fatalf("risky neighborhood: got=%+v", risky)
	}
	safe := e.Estimate(learner("F", "HE Qualification", 65, false).Raw)
	if safe.Probability > 0.1 || safe.Label != model.LabelSafe {
		t.Fatalf("safe neighborhood: got=%+v", safe)
	}
	if risky.Source != model.SourceColdStart {
		t.Fatalf("source: want=%s got=%s", model.SourceColdStart, risky.Source)
	}
	for _, a := range []model.Assessment{risky, safe} {
		if a.Confidence <= 0 || a.Confidence >= 1 {
			t.Fatalf("confidence: want in (0,1) got=%v", a.Confidence)
		}
	}
}

func TestEstimateSparseHistoryFallsBackToPopulation(t *testing.T) {
	hist := []Example{learner("F", "HE Qualification", 60, true), learner("M", "HE Qualification", 60, false), learner("M", "HE Qualification", 90, false), learner("F", "HE Qualification", 90, false)}
	e := NewEstimator(features.DefaultSchema(), global, hist, DefaultK)
	got := e.Estimate(learner("F", "HE Qualification", 60, false).Raw)
	if got.Probability != 0.25 {
		t.Fatalf("population rate: want=0.25 got=%v", got.Probability)
	}
	if got.Confidence != 0 {
		t.Fatalf("confidence: want=0 got=%v", got.Confidence)
	}
}

func TestEstimateEmptyHistory(t *testing.T) {
	e := NewEstimator(features.DefaultSchema(), global, nil, DefaultK)
	got := e.Estimate(features.RawVector{})
	if got.Probability != 0.5 || got.Confidence != 0 {
		t.Fatalf("empty history: got=%+v", got)
	}
}

func TestConfidenceMonotoneInCloserNeighbors(t *testing.T) {
	schema := features.DefaultSchema()
	query := learner("F", "A Level or Equivalent", 90, false).Raw
	hist := []Example{}
	for i := 0; i < 10; i++ {
		hist = append(hist, learner("M", "No Formal quals", 30+float64(i)*10, i%2 == 0))
	}
	prev := NewEstimator(schema, global, hist, DefaultK).Estimate(query).Confidence
	for i := 0; i < 10; i++ {
		hist = append(hist, learner("F", "A Level or Equivalent", 90+float64(i), false))
		conf := NewEstimator(schema, global, hist, DefaultK).Estimate(query).Confidence
		if conf < prev {
			t.Fatalf("step %d confidence decreased: prev=%v got=%v", i, prev, conf)
		}
		prev = conf
	}
}

func TestImmutableOnlyDropsBehavior(t *testing.T) {
	raw := features.RawVector{
		Numeric:     map[string]float64{"avg_score": 40, "studied_credits": 60},
		Categorical: map[string]string{"gender": "F"},
	}
	got := ImmutableOnly(features.DefaultSchema(), raw)
	if _, ok := got.Numeric["avg_score"]; ok {
		t.Fatalf("avg_score should be dropped")
	}
	if got.Numeric["studied_credits"] != 60 || got.Categorical["gender"] != "F" {
		t.Fatalf("immutables lost: %+v", got)
	}
}
