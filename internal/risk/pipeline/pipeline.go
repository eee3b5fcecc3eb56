package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/neurobridge-risk/internal/observability"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/advice"
	"github.com/yungbote/neurobridge-risk/internal/risk/coldstart"
	"github.com/yungbote/neurobridge-risk/internal/risk/counterfactual"
	"github.com/yungbote/neurobridge-risk/internal/risk/escalation"
	"github.com/yungbote/neurobridge-risk/internal/risk/explain"
	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/knowledge"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
)

type Request struct {
	LearnerID     string         `json:"learner_id"`
	CohortKey     string         `json:"cohort_key"`
	FeatureVector map[string]any `json:"feature_vector"`
	QueryText     string         `json:"query_text,omitempty"`
	// Tags restrict knowledge retrieval to entries carrying any of them.
	Tags []string `json:"tags,omitempty"`
}

type CitedEntry struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Text  string   `json:"text"`
	Tags  []string `json:"tags"`
	Score float64  `json:"score"`
}

// Intervention is the outcome of one assessment. Explanation and
// CounterfactualPlan are nil on the cold-start path and may be nil when
// Partial is set.
type Intervention struct {
	ID                         string                  `json:"intervention_id"`
	LearnerID                  string                  `json:"learner_id"`
	CohortKey                  string                  `json:"cohort_key"`
	ModelVersion               string                  `json:"model_version"`
	RiskAssessment             model.Assessment        `json:"risk_assessment"`
	Explanation                *explain.Explanation    `json:"explanation"`
	CounterfactualPlan         *counterfactual.Plan    `json:"counterfactual_plan"`
	CounterfactualAlternatives []counterfactual.Plan   `json:"counterfactual_alternatives,omitempty"`
	Tier                       escalation.Tier         `json:"tier"`
	Escalation                 escalation.Decision     `json:"escalation"`
	NarrativeText              string                  `json:"narrative_text"`
	NarrativeSource            string                  `json:"narrative_source"`
	Recommendations            []advice.Recommendation `json:"recommendations"`
	CitedKnowledgeEntries      []CitedEntry            `json:"cited_knowledge_entries"`
	Partial                    bool                    `json:"partial"`
	Degraded                   []string                `json:"degraded,omitempty"`
	CreatedAt                  time.Time               `json:"created_at"`
}

type Config struct {
	AllowGlobalCohortFallback bool
	Counterfactual            counterfactual.Config
	BatchConcurrency          int
	BatchMaxItems             int
	DeliveryTimeout           time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 8
	}
	if c.BatchMaxItems <= 0 {
		c.BatchMaxItems = 100
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 2 * time.Second
	}
	return c
}

// Deps are the collaborators of the pipeline. Records, Delivery and Metrics
// are optional.
type Deps struct {
	Snapshots *snapshot.Holder
	Retriever *knowledge.Retriever
	Advisor   *advice.Synthesizer
	Policy    *escalation.Policy
	Records   RecordStore
	Delivery  Delivery
	Metrics   *observability.Metrics
}

// Pipeline runs one learner through scoring, explanation, counterfactual
// search, escalation, retrieval and advice. It holds no per-learner state.
type Pipeline struct {
	log    *logger.Logger
	deps   Deps
	cfg    Config
	tracer trace.Tracer
}

func New(log *logger.Logger, deps Deps, cfg Config) *Pipeline {
	return &Pipeline{
		log:    log.With("service", "RiskPipeline"),
		deps:   deps,
		cfg:    cfg.withDefaults(),
		tracer: observability.Tracer(),
	}
}

func (p *Pipeline) MaxBatch() int { return p.cfg.BatchMaxItems }

func (p *Pipeline) validate(req *Request) error {
	req.LearnerID = strings.TrimSpace(req.LearnerID)
	req.CohortKey = strings.TrimSpace(req.CohortKey)
	if req.LearnerID == "" {
		return fmt.Errorf("%w: learner_id is required", ErrMalformedRequest)
	}
	if req.CohortKey == "" {
		return fmt.Errorf("%w: cohort_key is required", ErrMalformedRequest)
	}
	return nil
}

type run struct {
	iv       *Intervention
	snap     *snapshot.Snapshot
	raw      features.RawVector
	vector   features.NormalizedVector
	degraded []string
}

func (r *run) degrade(marker string) { r.degraded = append(r.degraded, marker) }

// Assess runs the pipeline for one learner. The only errors returned are
// malformed input, missing cohort statistics and an unloaded snapshot; every
// other failure degrades the response. If ctx expires before the advice step
// the result carries what was computed so far, a template narrative and
// Partial set.
func (p *Pipeline) Assess(ctx context.Context, req Request) (*Intervention, error) {
	ctx, span := p.tracer.Start(ctx, "risk.assess")
	defer span.End()

	iv, err := p.assess(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("risk.model_version", iv.ModelVersion),
		attribute.String("risk.source", string(iv.RiskAssessment.Source)),
		attribute.String("risk.tier", string(iv.Tier)),
		attribute.Bool("risk.partial", iv.Partial),
	)
	p.deps.Metrics.IncAssessment(string(iv.RiskAssessment.Source), string(iv.Tier), iv.Partial)
	p.deliver(ctx, iv)
	return iv, nil
}

func (p *Pipeline) assess(ctx context.Context, req Request) (*Intervention, error) {
	if err := p.validate(&req); err != nil {
		return nil, err
	}
	snap := p.deps.Snapshots.Load()
	if snap == nil {
		return nil, ErrSnapshotUnavailable
	}
	r := &run{
		snap: snap,
		iv: &Intervention{
			ID:           uuid.NewString(),
			LearnerID:    req.LearnerID,
			CohortKey:    req.CohortKey,
			ModelVersion: snap.Version(),
			CreatedAt:    time.Now().UTC(),
		},
	}

	if err := p.normalize(ctx, r, req); err != nil {
		return nil, err
	}

	p.score(ctx, r)

	decision := p.deps.Policy.Decide(r.iv.RiskAssessment.Probability)
	r.iv.Tier = decision.Tier
	r.iv.Escalation = decision

	in := advice.Input{
		LearnerID:   req.LearnerID,
		CohortKey:   req.CohortKey,
		QueryText:   strings.TrimSpace(req.QueryText),
		Schema:      snap.Schema,
		Vector:      r.vector,
		Assessment:  r.iv.RiskAssessment,
		Explanation: r.iv.Explanation,
		Plan:        r.iv.CounterfactualPlan,
		Decision:    decision,
	}

	var adv advice.Advice
	if ctx.Err() != nil {
		r.iv.Partial = true
		adv = advice.Template(in)
		p.deps.Metrics.IncAdvice(adv.Source)
	} else {
		in.Knowledge = p.retrieve(ctx, r, req)
		r.iv.CitedKnowledgeEntries = cite(in.Knowledge)
		adv = p.advise(ctx, r, in)
	}
	r.iv.NarrativeText = adv.Narrative
	r.iv.NarrativeSource = adv.Source
	r.iv.Recommendations = adv.Recommendations
	r.iv.Degraded = r.degraded
	if r.iv.CitedKnowledgeEntries == nil {
		r.iv.CitedKnowledgeEntries = []CitedEntry{}
	}
	return r.iv, nil
}

func (p *Pipeline) stage(ctx context.Context, name string) (context.Context, func(status string)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "risk."+name)
	return ctx, func(status string) {
		if status == "" {
			status = "ok"
		}
		span.SetAttributes(attribute.String("risk.stage_status", status))
		span.End()
		p.deps.Metrics.ObserveStage(name, status, time.Since(start))
	}
}

func (p *Pipeline) normalize(ctx context.Context, r *run, req Request) error {
	_, done := p.stage(ctx, "normalize")
	status := "ok"
	defer func() { done(status) }()

	input := req.FeatureVector
	if p.deps.Records != nil {
		stored, ok, err := p.deps.Records.Lookup(ctx, req.LearnerID, req.CohortKey)
		switch {
		case err != nil:
			p.log.Warn("learner record lookup failed", "learner_id", req.LearnerID, "error", err)
			r.degrade(DegradedRecordsUnavailable)
		case ok:
			input = merge(input, stored)
		}
	}
	if len(input) == 0 {
		status = "malformed"
		return fmt.Errorf("%w: feature_vector is empty", ErrMalformedRequest)
	}

	raw, err := features.ParseRaw(r.snap.Schema, input)
	if err != nil {
		status = "malformed"
		return fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	r.raw = raw

	v, err := r.snap.Normalizer.Normalize(raw, req.CohortKey)
	if err != nil && features.IsMissingCohortStats(err) && p.cfg.AllowGlobalCohortFallback && req.CohortKey != features.GlobalCohort {
		p.log.Warn("cohort statistics missing, using global cohort", "cohort_key", req.CohortKey, "error", err)
		r.degrade(DegradedGlobalCohort)
		v, err = r.snap.Normalizer.Normalize(raw, features.GlobalCohort)
	}
	if err != nil {
		status = "missing_cohort"
		return err
	}
	r.vector = v
	return nil
}

// score classifies with the full model, rerouting to the cold-start estimator
// when behavioral features are missing, then explains and searches for a
// counterfactual while the deadline allows.
func (p *Pipeline) score(ctx context.Context, r *run) {
	_, done := p.stage(ctx, "classify")
	assessment, err := r.snap.Model.Classify(r.vector)
	if err != nil {
		if !model.IsIncomplete(err) {
			p.log.Warn("classification failed, rerouting to cold start", "learner_id", r.iv.LearnerID, "error", err)
		}
		if r.raw.HasBehavior(r.snap.Schema) {
			r.degrade(DegradedColdStart)
		}
		assessment = r.snap.ColdStart.Estimate(coldstart.ImmutableOnly(r.snap.Schema, r.raw))
		done("cold_start")
		r.iv.RiskAssessment = assessment
		return
	}
	done("ok")
	r.iv.RiskAssessment = assessment

	if ctx.Err() != nil {
		r.iv.Partial = true
		return
	}
	ectx, done := p.stage(ctx, "explain")
	exp, hit := r.snap.Explainer.Explain(ectx, r.iv.LearnerID, r.vector)
	p.deps.Metrics.IncExplanationCache(hit)
	done("ok")
	r.iv.Explanation = exp

	if !assessment.AtRisk() {
		return
	}
	if ctx.Err() != nil {
		r.iv.Partial = true
		return
	}
	cctx, done := p.stage(ctx, "counterfactual")
	res, err := counterfactual.Search(cctx, r.snap.Model, r.snap.Schema, r.vector, r.snap.Constraints, model.LabelSafe, p.cfg.Counterfactual)
	if ctx.Err() != nil {
		done("deadline")
		r.iv.Partial = true
		if err != nil {
			return
		}
	} else if errors.Is(err, counterfactual.ErrInfeasible) {
		done("infeasible")
		r.degrade(DegradedInfeasible)
	} else {
		done("ok")
	}
	p.deps.Metrics.ObserveCounterfactual(res.Iterations, err == nil)
	if best := res.Best(); best != nil {
		r.iv.CounterfactualPlan = best
		if len(res.Plans) > 1 {
			r.iv.CounterfactualAlternatives = res.Plans[1:]
		}
	}
}

func (p *Pipeline) retrieve(ctx context.Context, r *run, req Request) knowledge.Result {
	rctx, done := p.stage(ctx, "retrieve")
	q := knowledge.Query{
		Text:   strings.TrimSpace(req.QueryText),
		Filter: req.Tags,
		Boost:  boostTags(r),
	}
	if q.Text == "" {
		q.Text = defaultQuery(r)
	}
	if p.deps.Retriever == nil {
		done("unavailable")
		r.degrade(DegradedRetrieval)
		return knowledge.Result{Hits: []knowledge.Hit{}, Degraded: true}
	}
	res := p.deps.Retriever.Retrieve(rctx, q)
	p.deps.Metrics.IncRetrieval(res.Backend, res.Degraded)
	if res.Degraded {
		done("unavailable")
		r.degrade(DegradedRetrieval)
	} else {
		done("ok")
	}
	return res
}

func (p *Pipeline) advise(ctx context.Context, r *run, in advice.Input) advice.Advice {
	actx, done := p.stage(ctx, "advice")
	var adv advice.Advice
	if p.deps.Advisor == nil {
		adv = advice.Template(in)
		r.degrade(DegradedGeneration)
		done("fallback")
	} else {
		var err error
		adv, err = p.deps.Advisor.Synthesize(actx, in)
		if err != nil {
			r.degrade(DegradedGeneration)
			done("fallback")
		} else {
			done("ok")
		}
	}
	p.deps.Metrics.IncAdvice(adv.Source)
	return adv
}

func (p *Pipeline) deliver(ctx context.Context, iv *Intervention) {
	if p.deps.Delivery == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DeliveryTimeout)
	defer cancel()
	if err := p.deps.Delivery.Deliver(dctx, iv); err != nil {
		p.deps.Metrics.IncDelivery("error")
		p.log.Warn("intervention delivery failed", "learner_id", iv.LearnerID, "intervention_id", iv.ID, "error", err)
		return
	}
	p.deps.Metrics.IncDelivery("ok")
}

// boostTags favors guidance matching the tier, the features driving the risk
// and the learner's module.
func boostTags(r *run) []string {
	tags := []string{string(r.iv.Tier)}
	if r.iv.RiskAssessment.AtRisk() {
		tags = append(tags, "at_risk")
	}
	tags = append(tags, topRiskFeatures(r, 2)...)
	if m := knowledge.ModuleTag(r.iv.CohortKey); m != "" {
		tags = append(tags, m)
	}
	return tags
}

// topRiskFeatures returns raw names of the strongest contributions toward risk.
func topRiskFeatures(r *run, n int) []string {
	if r.iv.Explanation == nil {
		return nil
	}
	var out []string
	for _, c := range r.iv.Explanation.Local {
		if c.Contribution <= 0 {
			continue
		}
		idx := r.snap.Schema.Index(c.Feature)
		if idx < 0 {
			continue
		}
		out = append(out, r.snap.Schema.Features[idx].Name)
		if len(out) == n {
			break
		}
	}
	return out
}

func defaultQuery(r *run) string {
	parts := []string{}
	for _, name := range topRiskFeatures(r, 2) {
		parts = append(parts, features.HumanName(name))
	}
	if r.iv.RiskAssessment.Source == model.SourceColdStart {
		parts = append(parts, "getting started", "study routine")
	}
	if r.iv.RiskAssessment.AtRisk() {
		parts = append(parts, "support for struggling students")
	} else {
		parts = append(parts, "keep up good study habits")
	}
	return strings.Join(parts, " ")
}

func cite(res knowledge.Result) []CitedEntry {
	out := make([]CitedEntry, 0, len(res.Hits))
	for _, h := range res.Hits {
		out = append(out, CitedEntry{ID: h.ID, Title: h.Title, Text: h.Text, Tags: h.Tags, Score: h.Score})
	}
	return out
}
