package advice

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yungbote/neurobridge-risk/internal/inference/engine"
	"github.com/yungbote/neurobridge-risk/internal/inference/engine/mock"
	"github.com/yungbote/neurobridge-risk/internal/platform/httpx"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/counterfactual"
	"github.com/yungbote/neurobridge-risk/internal/risk/escalation"
	"github.com/yungbote/neurobridge-risk/internal/risk/explain"
	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/knowledge"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
)

type fakeEngine struct {
	calls atomic.Int32
	gen   func(ctx context.Context) (string, error)
}

func (f *fakeEngine) Embed(context.Context, string, []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

func (f *fakeEngine) GenerateText(ctx context.Context, _ string, _ []engine.Message, _ engine.GenerateOptions) (string, error) {
	f.calls.Add(1)
	return f.gen(ctx)
}

type statusErr int

func (e statusErr) Error() string       { return "upstream status" }
func (e statusErr) HTTPStatusCode() int { return int(e) }

func atRiskInput(t *testing.T) Input {
	t.Helper()
	schema := features.DefaultSchema()
	table := &features.CohortTable{Cohorts: map[string]map[string]features.Stat{
		"AAA-2014J": {
			"avg_score":         {Mean: 65, Std: 12.5},
			"vle_clicks":        {Mean: 900, Std: 250},
			"days_active":       {Mean: 40, Std: 10},
			"unique_resources":  {Mean: 30, Std: 8},
			"submission_rate":   {Mean: 0.8, Std: 0.2},
			"num_prev_attempts": {Mean: 0.2, Std: 0.5},
			"studied_credits":   {Mean: 75, Std: 30},
		},
	}}
	v, err := features.NewNormalizer(schema, table).Normalize(features.RawVector{
		Numeric: map[string]float64{"avg_score": 55, "vle_clicks": 400, "days_active": 30, "unique_resources": 20, "submission_rate": 0.6},
	}, "AAA-2014J")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	policy, _ := escalation.NewPolicy(escalation.DefaultThresholds())
	return Input{
		LearnerID:  "learner-1",
		CohortKey:  "AAA-2014J",
		Schema:     schema,
		Vector:     v,
		Assessment: model.Assessment{Probability: 0.78, Label: model.LabelAtRisk, Confidence: 1, Source: model.SourceFullModel},
		Explanation: &explain.Explanation{Local: []explain.Contribution{
			{Feature: "vle_clicks_z", Value: -2, Contribution: 1.1},
			{Feature: "avg_score_z", Value: -0.8, Contribution: 0.6},
			{Feature: "gender_code", Value: 1, Contribution: -0.2},
		}},
		Plan: &counterfactual.Plan{
			Feasible:    true,
			Probability: 0.42,
			Changes:     []counterfactual.Change{{Feature: "vle_clicks", From: 400, To: 950, Delta: 550}},
		},
		Decision: policy.Decide(0.78),
		Knowledge: knowledge.Result{Hits: []knowledge.Hit{
			{Entry: knowledge.Entry{ID: "vle-daily", Text: "Check the VLE daily for announcements, materials, and assignments."}, Score: 0.6},
			{Entry: knowledge.Entry{ID: "peer-learning", Text: "Connect with classmates."}, Score: 0.2},
		}},
	}
}

func TestTemplateCitesFactorChangeAndEntry(t *testing.T) {
	adv := Template(atRiskInput(t))
	if adv.Source != SourceTemplate {
		t.Fatalf("source: want=%s got=%s", SourceTemplate, adv.Source)
	}
	for _, want := range []string{
		"vle clicks: 400 clicks (well below cohort average)",
		"Raise your vle clicks from 400 clicks to 950 clicks.",
		"Check the VLE daily for announcements, materials, and assignments.",
		"high",
	} {
		if !strings.Contains(adv.Narrative, want) {
			t.Fatalf("narrative missing %q:\n%s", want, adv.Narrative)
		}
	}
	if len(adv.Citations) != 2 || adv.Citations[0] != "vle-daily" {
		t.Fatalf("citations: got=%v", adv.Citations)
	}
}

func TestTemplateListsEveryPlanChange(t *testing.T) {
	in := atRiskInput(t)
	in.Plan.Probability = 0.35
	in.Plan.Changes = []counterfactual.Change{
		{Feature: "vle_clicks", From: 400, To: 1200, Delta: 800},
		{Feature: "avg_score", From: 55, To: 82, Delta: 27},
	}
	adv := Template(in)
	if strings.Contains(adv.Narrative, "This change alone") {
		t.Fatalf("multi-change plan attributed to one change:\n%s", adv.Narrative)
	}
	for _, want := range []string{
		"Raise your vle clicks from 400 clicks to 1200 clicks.",
		"Raise your avg score",
		"Together with the next change, this is estimated to bring your risk to about 35%.",
	} {
		if !strings.Contains(adv.Narrative, want) {
			t.Fatalf("narrative missing %q:\n%s", want, adv.Narrative)
		}
	}
	if adv.Recommendations[0].Priority != "high" || adv.Recommendations[1].Priority != "high" {
		t.Fatalf("feasible plan priority: got=%s/%s", adv.Recommendations[0].Priority, adv.Recommendations[1].Priority)
	}
}

func TestTemplateMarksInfeasiblePlanAdvisory(t *testing.T) {
	in := atRiskInput(t)
	in.Plan = &counterfactual.Plan{
		Feasible:    false,
		Probability: 0.66,
		Changes: []counterfactual.Change{
			{Feature: "vle_clicks", From: 400, To: 1200, Delta: 800},
			{Feature: "avg_score", From: 55, To: 82, Delta: 27},
		},
	}
	adv := Template(in)
	if !strings.Contains(adv.Narrative, advisoryNote) {
		t.Fatalf("infeasible plan missing advisory note:\n%s", adv.Narrative)
	}
	for i := 0; i < 2; i++ {
		if got := adv.Recommendations[i].Priority; got == "high" {
			t.Fatalf("infeasible change %d priority: want lower than high got=%s", i, got)
		}
	}

	in.Plan.Changes = in.Plan.Changes[:1]
	adv = Template(in)
	if !strings.Contains(adv.Narrative, advisoryNote) {
		t.Fatalf("single infeasible change missing advisory note:\n%s", adv.Narrative)
	}
}

func TestTemplateNonEmptyWithoutSignals(t *testing.T) {
	adv := Template(Input{Assessment: model.Assessment{Probability: 0.5, Source: model.SourceColdStart}})
	if strings.TrimSpace(adv.Narrative) == "" {
		t.Fatalf("template narrative empty")
	}
	if !strings.Contains(adv.Narrative, "not enough activity data") {
		t.Fatalf("cold-start template: got=%q", adv.Narrative)
	}
}

func TestSynthesizeGenerated(t *testing.T) {
	s := New(logger.Nop(), mock.New(), Config{Model: "m", Timeout: time.Second})
	adv, err := s.Synthesize(context.Background(), atRiskInput(t))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if adv.Source != SourceGenerated || !strings.Contains(adv.Narrative, "mock: summary") {
		t.Fatalf("generated advice: got=%+v", adv)
	}
}

func TestSynthesizeOutageFallsBackAfterRetries(t *testing.T) {
	eng := &fakeEngine{gen: func(context.Context) (string, error) { return "", statusErr(503) }}
	s := New(logger.Nop(), eng, Config{Timeout: time.Second, Retries: 2, Backoff: httpx.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond}})
	in := atRiskInput(t)
	adv, err := s.Synthesize(context.Background(), in)
	var genErr *GenerationServiceError
	if !errors.As(err, &genErr) {
		t.Fatalf("want GenerationServiceError got=%v", err)
	}
	if genErr.Attempts != 3 || eng.calls.Load() != 3 {
		t.Fatalf("attempts: want=3 got=%d calls=%d", genErr.Attempts, eng.calls.Load())
	}
	if adv.Narrative != Template(in).Narrative {
		t.Fatalf("fallback must equal the deterministic template")
	}
}

func TestSynthesizeTimeoutPerAttempt(t *testing.T) {
	eng := &fakeEngine{gen: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	s := New(logger.Nop(), eng, Config{Timeout: 10 * time.Millisecond, Retries: 1, Backoff: httpx.Backoff{Initial: time.Millisecond}})
	adv, err := s.Synthesize(context.Background(), atRiskInput(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline error got=%v", err)
	}
	if eng.calls.Load() != 2 {
		t.Fatalf("calls: want=2 got=%d", eng.calls.Load())
	}
	if adv.Source != SourceTemplate || adv.Narrative == "" {
		t.Fatalf("timeout fallback: got=%+v", adv)
	}
}

func TestSynthesizeNonRetryableStopsEarly(t *testing.T) {
	eng := &fakeEngine{gen: func(context.Context) (string, error) { return "", statusErr(400) }}
	s := New(logger.Nop(), eng, Config{Timeout: time.Second, Retries: 2})
	if _, err := s.Synthesize(context.Background(), atRiskInput(t)); err == nil {
		t.Fatalf("want error")
	}
	if eng.calls.Load() != 1 {
		t.Fatalf("calls: want=1 got=%d", eng.calls.Load())
	}
}

func TestSynthesizeAcceptsProse(t *testing.T) {
	eng := &fakeEngine{gen: func(context.Context) (string, error) {
		return "<p>Try logging in every day this week.</p>", nil
	}}
	s := New(logger.Nop(), eng, Config{Timeout: time.Second})
	adv, err := s.Synthesize(context.Background(), atRiskInput(t))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if adv.Narrative != "Try logging in every day this week." {
		t.Fatalf("prose narrative: got=%q", adv.Narrative)
	}
}

func TestNilEngineUsesTemplate(t *testing.T) {
	s := New(logger.Nop(), nil, Config{})
	adv, err := s.Synthesize(context.Background(), atRiskInput(t))
	if err == nil || adv.Source != SourceTemplate {
		t.Fatalf("nil engine: want template with error got source=%s err=%v", adv.Source, err)
	}
}

func TestPromptIncludesSignals(t *testing.T) {
	in := atRiskInput(t)
	in.QueryText = "How can I catch up?"
	_, user := Prompt(in)
	for _, want := range []string{"Risk tier: high", "78%", "[vle-daily]", "Raise your vle clicks", "How can I catch up?"} {
		if !strings.Contains(user, want) {
			t.Fatalf("prompt missing %q:\n%s", want, user)
		}
	}
}
