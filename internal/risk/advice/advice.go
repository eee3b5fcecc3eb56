// Package advice turns the risk signals for one learner into a short
// intervention narrative, through a text-generation engine when it answers in
// time and a deterministic template otherwise.
package advice

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/yungbote/neurobridge-risk/internal/inference/engine"
	"github.com/yungbote/neurobridge-risk/internal/platform/httpx"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/counterfactual"
	"github.com/yungbote/neurobridge-risk/internal/risk/escalation"
	"github.com/yungbote/neurobridge-risk/internal/risk/explain"
	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/knowledge"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
)

const (
	SourceGenerated = "generated"
	SourceTemplate  = "template"
)

// Input is everything the synthesizer may cite. Explanation and Plan are nil
// on the cold-start path.
type Input struct {
	LearnerID   string
	CohortKey   string
	QueryText   string
	Schema      features.Schema
	Vector      features.NormalizedVector
	Assessment  model.Assessment
	Explanation *explain.Explanation
	Plan        *counterfactual.Plan
	Decision    escalation.Decision
	Knowledge   knowledge.Result
}

type Recommendation struct {
	Action   string `json:"action"`
	Reason   string `json:"reason,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type Advice struct {
	Narrative       string           `json:"narrative"`
	Summary         string           `json:"summary"`
	RiskFactors     []string         `json:"risk_factors"`
	Recommendations []Recommendation `json:"recommendations"`
	Encouragement   string           `json:"encouragement"`
	Source          string           `json:"source"`
	Citations       []string         `json:"citations"`
}

type Config struct {
	Model       string
	Temperature float64
	// Timeout bounds each attempt. Retries is the number of extra attempts.
	Timeout time.Duration
	Retries int
	Backoff httpx.Backoff
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 8 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = 500 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 4 * time.Second
	}
	return c
}

// GenerationServiceError reports that the engine could not produce advice
// and the template was used instead.
type GenerationServiceError struct {
	Attempts int
	Err      error
}

func (e *GenerationServiceError) Error() string {
	if e == nil {
		return "generation service error"
	}
	return fmt.Sprintf("generation service failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GenerationServiceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type Synthesizer struct {
	log *logger.Logger
	eng engine.Engine
	cfg Config
}

// New builds a synthesizer. A nil engine always produces the template.
func New(log *logger.Logger, eng engine.Engine, cfg Config) *Synthesizer {
	return &Synthesizer{log: log.With("service", "AdviceSynthesizer"), eng: eng, cfg: cfg.withDefaults()}
}

// Synthesize never returns empty advice. A non-nil error is always a
// *GenerationServiceError and the returned advice is the template.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (Advice, error) {
	if s.eng == nil {
		return Template(in), &GenerationServiceError{Err: fmt.Errorf("no generation engine configured")}
	}
	system, user := Prompt(in)
	msgs := []engine.Message{{Role: "system", Content: system}, {Role: "user", Content: user}}
	opts := engine.GenerateOptions{
		Temperature: s.cfg.Temperature,
		JSONSchema:  &engine.JSONSchema{Name: "learner_advice", Schema: responseSchema, Strict: false},
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := httpx.Sleep(ctx, s.cfg.Backoff.Delay(attempt)); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		text, err := s.generate(ctx, msgs, opts)
		if err == nil {
			if adv, ok := parseResponse(text, in); ok {
				adv.Source = SourceGenerated
				adv.Citations = citations(in.Knowledge)
				return adv, nil
			}
			err = fmt.Errorf("empty completion")
		}
		lastErr = err
		if ctx.Err() != nil || !httpx.IsRetryableError(err) {
			break
		}
		s.log.Warn("advice generation attempt failed", "attempt", attempts, "error", err)
	}
	if ctx.Err() != nil && lastErr == nil {
		lastErr = ctx.Err()
	}
	s.log.Warn("advice generation unavailable, using template", "learner_id", in.LearnerID, "attempts", attempts, "error", lastErr)
	return Template(in), &GenerationServiceError{Attempts: attempts, Err: lastErr}
}

func (s *Synthesizer) generate(ctx context.Context, msgs []engine.Message, opts engine.GenerateOptions) (string, error) {
	actx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.eng.GenerateText(actx, s.cfg.Model, msgs, opts)
}

// Template is the deterministic fallback: the top risk factor, the
// counterfactual plan's changes and the most relevant knowledge entry verbatim.
func Template(in Input) Advice {
	adv := Advice{
		Source:        SourceTemplate,
		Summary:       fmt.Sprintf("Your current risk level is %s (%.0f%% estimated risk of not completing).", in.Decision.Tier, 100*in.Assessment.Probability),
		Encouragement: "Small consistent changes can make a big difference in your success!",
		Citations:     citations(in.Knowledge),
	}
	if in.Decision.Tier == "" {
		adv.Summary = fmt.Sprintf("Your estimated risk of not completing is %.0f%%.", 100*in.Assessment.Probability)
	}

	if f, ok := topRiskFactor(in.Explanation); ok {
		adv.RiskFactors = []string{describeFactor(in, f)}
	} else if in.Assessment.Source == model.SourceColdStart {
		adv.RiskFactors = []string{"There is not enough activity data yet to pinpoint specific factors."}
	}

	adv.Recommendations = append(adv.Recommendations, planRecommendations(in)...)
	if h, ok := in.Knowledge.Top(); ok {
		adv.Recommendations = append(adv.Recommendations, Recommendation{
			Action:   h.Text,
			Priority: "medium",
		})
	}
	if len(adv.Recommendations) == 0 {
		adv.Recommendations = []Recommendation{{
			Action:   "Keep a regular weekly study routine and check the course page for upcoming deadlines.",
			Priority: "medium",
		}}
	}
	adv.Narrative = render(adv)
	return adv
}

// planRecommendations lists every change of the plan. The achieved
// probability is attributed to the plan as a whole, and a plan that misses
// the desired outcome is marked advisory.
func planRecommendations(in Input) []Recommendation {
	if in.Plan == nil || len(in.Plan.Changes) == 0 {
		return nil
	}
	priority := "high"
	if !in.Plan.Feasible {
		priority = "medium"
	}
	changes := in.Plan.Changes
	out := make([]Recommendation, 0, len(changes))
	for i, c := range changes {
		out = append(out, Recommendation{Action: describeChange(in.Schema, c), Priority: priority})
		if i > 0 {
			continue
		}
		switch {
		case len(changes) == 1:
			out[0].Reason = fmt.Sprintf("This change alone is estimated to bring your risk to about %.0f%%.", 100*in.Plan.Probability)
		case len(changes) == 2:
			out[0].Reason = fmt.Sprintf("Together with the next change, this is estimated to bring your risk to about %.0f%%.", 100*in.Plan.Probability)
		default:
			out[0].Reason = fmt.Sprintf("Together with the next %d changes, this is estimated to bring your risk to about %.0f%%.", len(changes)-1, 100*in.Plan.Probability)
		}
	}
	if !in.Plan.Feasible {
		last := &out[len(out)-1]
		last.Reason = strings.TrimSpace(last.Reason + " " + advisoryNote)
	}
	return out
}

const advisoryNote = "These changes alone may not be enough to lower your risk level; please talk to an advisor about a plan."

func render(a Advice) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(a.Summary))
	for _, f := range a.RiskFactors {
		if f = strings.TrimSpace(f); f != "" {
			b.WriteString(" ")
			b.WriteString(f)
		}
	}
	for _, r := range a.Recommendations {
		action := strings.TrimSpace(r.Action)
		if action == "" {
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(action)
		if reason := strings.TrimSpace(r.Reason); reason != "" {
			b.WriteString(" ")
			b.WriteString(reason)
		}
	}
	if e := strings.TrimSpace(a.Encouragement); e != "" {
		b.WriteString("\n")
		b.WriteString(e)
	}
	return strings.TrimSpace(b.String())
}

// topRiskFactor prefers the largest contribution toward risk and falls back
// to the largest in magnitude.
func topRiskFactor(exp *explain.Explanation) (explain.Contribution, bool) {
	if exp == nil || len(exp.Local) == 0 {
		return explain.Contribution{}, false
	}
	risk := riskFactors(exp, 1)
	if len(risk) > 0 {
		return risk[0], true
	}
	return exp.Local[0], true
}

func riskFactors(exp *explain.Explanation, n int) []explain.Contribution {
	if exp == nil {
		return nil
	}
	var out []explain.Contribution
	for _, c := range exp.Local {
		if c.Contribution > 0 {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Contribution > out[j].Contribution })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func describeFactor(in Input, c explain.Contribution) string {
	i := indexOf(in.Vector.Names, c.Feature)
	si := in.Schema.Index(c.Feature)
	if i < 0 || si < 0 {
		return fmt.Sprintf("The strongest factor is %s.", features.HumanName(c.Feature))
	}
	spec := in.Schema.Features[si]
	if spec.Type == features.Categorical {
		return fmt.Sprintf("The strongest factor is %s (%s).", features.HumanName(spec.Name), in.Vector.Categories[i])
	}
	return fmt.Sprintf("The strongest factor is your %s: %s.", features.HumanName(spec.Name), features.Describe(spec, in.Vector.Raw[i], in.Vector.Values[i]))
}

func describeChange(schema features.Schema, c counterfactual.Change) string {
	verb := "Raise"
	if c.Delta < 0 {
		verb = "Lower"
	}
	si := schema.Index(c.Feature)
	if si < 0 {
		return fmt.Sprintf("%s your %s from %.2f to %.2f.", verb, features.HumanName(c.Feature), c.From, c.To)
	}
	spec := schema.Features[si]
	return fmt.Sprintf("%s your %s from %s to %s.", verb, features.HumanName(spec.Name), features.FormatRaw(spec, c.From), features.FormatRaw(spec, c.To))
}

func citations(r knowledge.Result) []string {
	out := make([]string, 0, len(r.Hits))
	for _, h := range r.Hits {
		out = append(out, h.ID)
	}
	return out
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

func pct(p float64) string {
	if math.IsNaN(p) {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%%", 100*p)
}
