package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/neurobridge-risk/internal/data/repos/learning"
	"github.com/yungbote/neurobridge-risk/internal/data/repos/testutil"
	types "github.com/yungbote/neurobridge-risk/internal/domain"
	"github.com/yungbote/neurobridge-risk/internal/inference/engine/mock"
	"github.com/yungbote/neurobridge-risk/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/advice"
	"github.com/yungbote/neurobridge-risk/internal/risk/escalation"
	"github.com/yungbote/neurobridge-risk/internal/risk/explain"
	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/knowledge"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot/snapshottest"
	"github.com/yungbote/neurobridge-risk/internal/risk/training"
)

type recordingDelivery struct {
	mu  sync.Mutex
	got []*Intervention
	err error
}

func (d *recordingDelivery) Deliver(_ context.Context, iv *Intervention) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, iv)
	return d.err
}

func (d *recordingDelivery) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.got)
}

type fakeRecords struct {
	rows map[string]map[string]any
	err  error
}

func (f fakeRecords) Lookup(_ context.Context, learnerID, cohortKey string) (map[string]any, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	row, ok := f.rows[learnerID+"|"+cohortKey]
	return row, ok, nil
}

type fixture struct {
	pipe     *Pipeline
	engine   *mock.Engine
	delivery *recordingDelivery
}

func newFixture(t *testing.T, cfg Config, mutate func(*Deps)) fixture {
	t.Helper()
	ctx := context.Background()
	corpus := knowledge.DefaultCorpus()
	ret := knowledge.NewRetriever(logger.Nop(), 3)
	if err := ret.Rebuild(ctx, corpus, knowledge.FitTFIDF(knowledge.Documents(corpus), 0), knowledge.NewMemoryIndex()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	policy, err := escalation.NewPolicy(escalation.DefaultThresholds())
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	eng := mock.New()
	del := &recordingDelivery{}
	deps := Deps{
		Snapshots: snapshot.NewHolder(snapshottest.Snapshot(t)),
		Retriever: ret,
		Advisor:   advice.New(logger.Nop(), eng, advice.Config{Timeout: time.Second, Retries: 1}),
		Policy:    policy,
		Delivery:  del,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return fixture{pipe: New(logger.Nop(), deps, cfg), engine: eng, delivery: del}
}

func request(learnerID string, fv map[string]any) Request {
	return Request{LearnerID: learnerID, CohortKey: snapshottest.Cohort, FeatureVector: fv}
}

// Low scores and low activity against a cohort the model was trained on.
func TestAssessLowScoreLowActivityOnTrainedModel(t *testing.T) {
	const cohort = "AAA-2014J"
	recs := training.Synthetic(training.SyntheticConfig{Learners: 2000, Seed: 1})
	b, err := training.New(logger.Nop(), training.Config{Folds: 3, Seed: 1, Version: "trained-v1"}).Train(context.Background(), recs)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	snap, err := snapshot.Build(logger.Nop(), b, snapshot.Options{Explain: explain.Options{ShapleySamples: 32, Seed: 1}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	stats, ok := b.Cohorts.Lookup(cohort)
	if !ok {
		t.Fatalf("cohort %s missing from trained table", cohort)
	}
	fv := map[string]any{
		"gender":            "F",
		"region":            "Scotland",
		"highest_education": "Lower Than A Level",
		"imd_band":          "40-50%",
		"age_band":          "0-35",
		"disability":        "N",
	}
	for _, f := range snap.Schema.Features {
		if f.Type == features.Numeric {
			fv[f.Name] = stats[f.Name].Mean
		}
	}
	fv["avg_score"] = stats["avg_score"].Mean - 0.8*stats["avg_score"].Std
	fv["vle_clicks"] = stats["vle_clicks"].Mean - 1.2*stats["vle_clicks"].Std

	f := newFixture(t, Config{}, func(d *Deps) { d.Snapshots = snapshot.NewHolder(snap) })
	iv, err := f.pipe.Assess(context.Background(), Request{LearnerID: "l-low", CohortKey: cohort, FeatureVector: fv})
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if p := iv.RiskAssessment.Probability; p <= 0.7 {
		t.Fatalf("probability: want>0.7 got=%.3f (model=%s)", p, b.Model.Kind)
	}
	if iv.Tier != escalation.TierHigh && iv.Tier != escalation.TierCritical {
		t.Fatalf("tier: want high or critical got=%s", iv.Tier)
	}
	if iv.Explanation == nil || len(iv.Explanation.Local) == 0 {
		t.Fatalf("explanation missing")
	}
	if top := iv.Explanation.Local[0].Feature; top != "avg_score_z" && top != "vle_clicks_z" {
		t.Fatalf("top feature: want avg_score_z or vle_clicks_z got=%s", top)
	}
	if iv.CounterfactualPlan == nil {
		t.Fatalf("counterfactual plan missing")
	}
	raised := false
	for _, c := range iv.CounterfactualPlan.Changes {
		if (c.Feature == "avg_score" || c.Feature == "vle_clicks") && c.Delta > 0 {
			raised = true
		}
	}
	if !raised {
		t.Fatalf("plan should raise avg_score or vle_clicks: got=%+v", iv.CounterfactualPlan.Changes)
	}
}

func TestAssessAtRiskLearner(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	iv, err := f.pipe.Assess(context.Background(), request("l-risk", snapshottest.AtRiskLearner()))
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if iv.RiskAssessment.Source != model.SourceFullModel || iv.RiskAssessment.Confidence != 1.0 {
		t.Fatalf("assessment: want full_model confidence 1 got=%+v", iv.RiskAssessment)
	}
	if !iv.RiskAssessment.AtRisk() {
		t.Fatalf("label: want at risk got=%+v", iv.RiskAssessment)
	}
	if iv.Tier != escalation.TierCritical {
		t.Fatalf("tier: want=%s got=%s", escalation.TierCritical, iv.Tier)
	}
	if !iv.Escalation.NotifyAdvisor {
		t.Fatalf("critical tier must notify an advisor")
	}
	if iv.Explanation == nil || len(iv.Explanation.Local) == 0 {
		t.Fatalf("explanation missing")
	}
	if iv.CounterfactualPlan == nil {
		t.Fatalf("counterfactual plan missing")
	}
	if iv.ModelVersion != snapshottest.Version {
		t.Fatalf("model version: want=%s got=%s", snapshottest.Version, iv.ModelVersion)
	}
	if iv.NarrativeSource != advice.SourceGenerated || iv.NarrativeText == "" {
		t.Fatalf("narrative: want generated got source=%q text=%q", iv.NarrativeSource, iv.NarrativeText)
	}
	if len(iv.CitedKnowledgeEntries) == 0 {
		t.Fatalf("expected cited knowledge entries")
	}
	if iv.Partial {
		t.Fatalf("unexpected partial result")
	}
	if iv.ID == "" {
		t.Fatalf("intervention id missing")
	}
	if f.delivery.count() != 1 {
		t.Fatalf("deliveries: want=1 got=%d", f.delivery.count())
	}
}

func TestAssessThrivingLearnerHasNoPlan(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	iv, err := f.pipe.Assess(context.Background(), request("l-ok", snapshottest.ThrivingLearner()))
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if iv.RiskAssessment.AtRisk() {
		t.Fatalf("label: want safe got=%+v", iv.RiskAssessment)
	}
	if iv.Tier != escalation.TierLow {
		t.Fatalf("tier: want=%s got=%s", escalation.TierLow, iv.Tier)
	}
	if iv.CounterfactualPlan != nil {
		t.Fatalf("safe learner must not get a counterfactual plan")
	}
	if iv.Explanation == nil {
		t.Fatalf("explanation missing")
	}
}

func TestAssessColdStart(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	iv, err := f.pipe.Assess(context.Background(), request("l-new", snapshottest.NewLearner()))
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if iv.RiskAssessment.Source != model.SourceColdStart {
		t.Fatalf("source: want=%s got=%s", model.SourceColdStart, iv.RiskAssessment.Source)
	}
	if iv.Explanation != nil || iv.CounterfactualPlan != nil {
		t.Fatalf("cold start must not explain or plan")
	}
	if iv.RiskAssessment.Confidence >= 1.0 {
		t.Fatalf("confidence: want <1 got=%v", iv.RiskAssessment.Confidence)
	}
	if slices.Contains(iv.Degraded, DegradedColdStart) {
		t.Fatalf("registration-only learner is not a degraded reroute: %v", iv.Degraded)
	}
	if iv.NarrativeText == "" {
		t.Fatalf("narrative missing")
	}
}

func TestAssessPartialVectorReroutesToColdStart(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	fv := snapshottest.AtRiskLearner()
	delete(fv, "vle_clicks")
	iv, err := f.pipe.Assess(context.Background(), request("l-partial", fv))
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if iv.RiskAssessment.Source != model.SourceColdStart {
		t.Fatalf("source: want=%s got=%s", model.SourceColdStart, iv.RiskAssessment.Source)
	}
	if !slices.Contains(iv.Degraded, DegradedColdStart) {
		t.Fatalf("degraded: want %s in %v", DegradedColdStart, iv.Degraded)
	}
}

func TestAssessMissingCohort(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := request("l1", snapshottest.AtRiskLearner())
	req.CohortKey = "ZZZ-2099B"
	_, err := f.pipe.Assess(context.Background(), req)
	if !features.IsMissingCohortStats(err) {
		t.Fatalf("want missing cohort stats error got=%v", err)
	}
	if code := ErrorCode(err); code != "missing_cohort_stats" {
		t.Fatalf("code: want=missing_cohort_stats got=%s", code)
	}
	if f.delivery.count() != 0 {
		t.Fatalf("failed assessment must not be delivered")
	}

	f = newFixture(t, Config{AllowGlobalCohortFallback: true}, nil)
	iv, err := f.pipe.Assess(context.Background(), req)
	if err != nil {
		t.Fatalf("Assess with fallback: %v", err)
	}
	if !slices.Contains(iv.Degraded, DegradedGlobalCohort) {
		t.Fatalf("degraded: want %s in %v", DegradedGlobalCohort, iv.Degraded)
	}
	if iv.CohortKey != "ZZZ-2099B" {
		t.Fatalf("cohort key: want request key got=%s", iv.CohortKey)
	}
}

func TestAssessMalformed(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	cases := map[string]Request{
		"no learner":   {CohortKey: snapshottest.Cohort, FeatureVector: snapshottest.AtRiskLearner()},
		"no cohort":    {LearnerID: "l1", FeatureVector: snapshottest.AtRiskLearner()},
		"empty vector": {LearnerID: "l1", CohortKey: snapshottest.Cohort},
		"bad number":   request("l1", map[string]any{"avg_score": "high"}),
		"bad category": request("l1", map[string]any{"gender": 3.0}),
	}
	for name, req := range cases {
		_, err := f.pipe.Assess(context.Background(), req)
		if !errors.Is(err, ErrMalformedRequest) {
			t.Fatalf("%s: want ErrMalformedRequest got=%v", name, err)
		}
		if code := ErrorCode(err); code != "malformed_request" {
			t.Fatalf("%s: code want=malformed_request got=%s", name, code)
		}
	}
}

func TestAssessSnapshotUnavailable(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) { d.Snapshots = snapshot.NewHolder(nil) })
	_, err := f.pipe.Assess(context.Background(), request("l1", snapshottest.AtRiskLearner()))
	if !errors.Is(err, ErrSnapshotUnavailable) {
		t.Fatalf("want ErrSnapshotUnavailable got=%v", err)
	}
	if code := ErrorCode(err); code != "snapshot_unavailable" {
		t.Fatalf("code: want=snapshot_unavailable got=%s", code)
	}
}

func TestAssessExpiredDeadlineIsPartial(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	iv, err := f.pipe.Assess(ctx, request("l-late", snapshottest.AtRiskLearner()))
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if !iv.Partial {
		t.Fatalf("want partial result")
	}
	if iv.RiskAssessment.Source != model.SourceFullModel {
		t.Fatalf("risk assessment must still be computed: %+v", iv.RiskAssessment)
	}
	if iv.NarrativeSource != advice.SourceTemplate {
		t.Fatalf("narrative source: want=%s got=%s", advice.SourceTemplate, iv.NarrativeSource)
	}
	if f.engine.Calls() != 0 {
		t.Fatalf("generation must be skipped after the deadline, calls=%d", f.engine.Calls())
	}
	if f.delivery.count() != 1 {
		t.Fatalf("partial result must still be delivered")
	}
}

func TestAssessGenerationOutageUsesTemplate(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.engine.Err = errors.New("generation service down")
	iv, err := f.pipe.Assess(context.Background(), request("l-risk", snapshottest.AtRiskLearner()))
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if iv.NarrativeSource != advice.SourceTemplate || iv.NarrativeText == "" {
		t.Fatalf("narrative: want template got source=%q text=%q", iv.NarrativeSource, iv.NarrativeText)
	}
	if !slices.Contains(iv.Degraded, DegradedGeneration) {
		t.Fatalf("degraded: want %s in %v", DegradedGeneration, iv.Degraded)
	}
	if iv.Partial {
		t.Fatalf("generation fallback is not a partial result")
	}
}

func TestAssessRetrievalUnavailable(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) { d.Retriever = knowledge.NewRetriever(logger.Nop(), 3) })
	iv, err := f.pipe.Assess(context.Background(), request("l-risk", snapshottest.AtRiskLearner()))
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if !slices.Contains(iv.Degraded, DegradedRetrieval) {
		t.Fatalf("degraded: want %s in %v", DegradedRetrieval, iv.Degraded)
	}
	if iv.CitedKnowledgeEntries == nil || len(iv.CitedKnowledgeEntries) != 0 {
		t.Fatalf("cited entries: want empty slice got=%v", iv.CitedKnowledgeEntries)
	}
}

func TestAssessTagFilter(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := request("l-risk", snapshottest.AtRiskLearner())
	req.Tags = []string{"wellbeing"}
	iv, err := f.pipe.Assess(context.Background(), req)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if len(iv.CitedKnowledgeEntries) == 0 {
		t.Fatalf("expected wellbeing entries")
	}
	for _, c := range iv.CitedKnowledgeEntries {
		if !slices.Contains(c.Tags, "wellbeing") {
			t.Fatalf("entry %s lacks filter tag: %v", c.ID, c.Tags)
		}
	}
}

func TestAssessFillsFromLearnerRecords(t *testing.T) {
	stored := snapshottest.AtRiskLearner()
	f := newFixture(t, Config{}, func(d *Deps) {
		d.Records = fakeRecords{rows: map[string]map[string]any{"l-rec|" + snapshottest.Cohort: stored}}
	})
	iv, err := f.pipe.Assess(context.Background(), request("l-rec", map[string]any{"avg_score": 90.0}))
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if iv.RiskAssessment.Source != model.SourceFullModel {
		t.Fatalf("stored behavior should allow the full model, got=%s", iv.RiskAssessment.Source)
	}
	var got float64
	for _, c := range iv.Explanation.Local {
		if c.Feature == "avg_score_z" {
			got = c.Value
		}
	}
	if want := (90.0 - 70.0) / 15.0; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("request value must win over stored: want z=%v got=%v", want, got)
	}

	f = newFixture(t, Config{}, func(d *Deps) { d.Records = fakeRecords{err: errors.New("db down")} })
	iv, err = f.pipe.Assess(context.Background(), request("l-rec", snapshottest.NewLearner()))
	if err != nil {
		t.Fatalf("Assess with failing records: %v", err)
	}
	if !slices.Contains(iv.Degraded, DegradedRecordsUnavailable) {
		t.Fatalf("degraded: want %s in %v", DegradedRecordsUnavailable, iv.Degraded)
	}
}

func TestRepoRecordsLookup(t *testing.T) {
	db := testutil.DB(t)
	repo := learning.NewLearnerRecordRepo(db, testutil.Logger(t))
	fv, _ := json.Marshal(map[string]any{"vle_clicks": 400, "gender": "F"})
	if err := repo.Upsert(dbctx.Context{Ctx: context.Background()}, []*types.LearnerRecord{
		{LearnerID: "l1", CodeModule: "AAA", CodePresentation: "2014J", Features: datatypes.JSON(fv)},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	store := &RepoRecords{Repo: repo}

	got, ok, err := store.Lookup(context.Background(), "l1", "AAA-2014J")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if got["vle_clicks"] != 400.0 || got["gender"] != "F" {
		t.Fatalf("features: got=%v", got)
	}
	if _, ok, err := store.Lookup(context.Background(), "l1", "BBB-2014J"); ok || err != nil {
		t.Fatalf("other cohort: want miss got ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.Lookup(context.Background(), "l1", "nodash"); ok || err != nil {
		t.Fatalf("bad cohort key: want miss got ok=%v err=%v", ok, err)
	}
}

func TestMergePrefersRequest(t *testing.T) {
	got := merge(map[string]any{"a": 1.0, "b": nil}, map[string]any{"a": 2.0, "b": 3.0, "c": 4.0})
	if got["a"] != 1.0 || got["b"] != 3.0 || got["c"] != 4.0 {
		t.Fatalf("merge: got=%v", got)
	}
}

func TestDeliveryFailureDoesNotFailAssessment(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.delivery.err = errors.New("broker down")
	if _, err := f.pipe.Assess(context.Background(), request("l-ok", snapshottest.ThrivingLearner())); err != nil {
		t.Fatalf("Assess: %v", err)
	}
}

func TestAssessBatch(t *testing.T) {
	f := newFixture(t, Config{BatchConcurrency: 2}, nil)
	reqs := []Request{
		request("l-risk", snapshottest.AtRiskLearner()),
		request("l-bad", map[string]any{"avg_score": "?"}),
		request("l-new", snapshottest.NewLearner()),
	}
	items, err := f.pipe.AssessBatch(context.Background(), reqs)
	if err != nil {
		t.Fatalf("AssessBatch: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items: want=3 got=%d", len(items))
	}
	for i, it := range items {
		if it.Index != i || it.LearnerID != reqs[i].LearnerID {
			t.Fatalf("item %d out of order: %+v", i, it)
		}
	}
	if items[0].Intervention == nil || items[2].Intervention == nil {
		t.Fatalf("valid items must succeed")
	}
	if items[1].Error == nil || items[1].Error.Code != "malformed_request" {
		t.Fatalf("item 1: want malformed_request got=%+v", items[1].Error)
	}
	if items[2].Intervention.RiskAssessment.Source != model.SourceColdStart {
		t.Fatalf("item 2: want cold start got=%s", items[2].Intervention.RiskAssessment.Source)
	}
}

func TestAssessBatchLimits(t *testing.T) {
	f := newFixture(t, Config{BatchMaxItems: 2}, nil)
	reqs := []Request{request("a", snapshottest.NewLearner()), request("b", snapshottest.NewLearner()), request("c", snapshottest.NewLearner())}
	if _, err := f.pipe.AssessBatch(context.Background(), reqs); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("oversized batch: want ErrMalformedRequest got=%v", err)
	}
	if _, err := f.pipe.AssessBatch(context.Background(), nil); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("empty batch: want ErrMalformedRequest got=%v", err)
	}
}
