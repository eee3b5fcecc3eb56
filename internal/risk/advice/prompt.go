package advice

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
)

const systemPrompt = `You are a friendly and supportive academic advisor helping students at risk of not completing their course.
Based on predictive analytics and counterfactual analysis, give clear, actionable and encouraging advice.
The advice must be supportive, not judgmental; specific and actionable; prioritized by impact; realistic; and explain why each change helps.
Reference the provided guidance when it is relevant. Never mention models, probabilities of other students or internal scores.`

var responseSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary":      map[string]any{"type": "string"},
		"risk_factors": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"recommendations": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":   map[string]any{"type": "string"},
					"reason":   map[string]any{"type": "string"},
					"priority": map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
				},
				"required": []string{"action"},
			},
		},
		"encouragement": map[string]any{"type": "string"},
	},
	"required": []string{"summary", "recommendations", "encouragement"},
}

// Prompt renders the system and user messages for one learner.
func Prompt(in Input) (system, user string) {
	var b strings.Builder

	b.WriteString("## Student situation\n")
	fmt.Fprintf(&b, "- Cohort: %s\n", orDash(in.CohortKey))
	fmt.Fprintf(&b, "- Risk tier: %s (%s)\n", in.Decision.Tier, in.Decision.Tier.Describe())
	fmt.Fprintf(&b, "- Estimated risk of not completing: %s\n", pct(in.Assessment.Probability))
	if in.Assessment.Source == model.SourceColdStart {
		b.WriteString("- Little activity data is available yet; the estimate is based on similar past students.\n")
	}
	for i, spec := range in.Schema.Features {
		if spec.Kind != features.Actionable || i >= len(in.Vector.Raw) || !in.Vector.Present[i] {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", features.HumanName(spec.Name), features.Describe(spec, in.Vector.Raw[i], in.Vector.Values[i]))
	}

	if factors := riskFactors(in.Explanation, 3); len(factors) > 0 {
		b.WriteString("\n## Main risk factors\n")
		for _, f := range factors {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSuffix(strings.TrimPrefix(describeFactor(in, f), "The strongest factor is "), "."))
		}
	}
	if in.Explanation != nil && len(in.Explanation.Rules) > 0 {
		b.WriteString("\n## Pattern observed\n")
		fmt.Fprintf(&b, "- %s\n", in.Explanation.Rules[0].String())
	}

	if in.Plan != nil && len(in.Plan.Changes) > 0 {
		b.WriteString("\n## Recommended changes to improve success\n")
		for _, c := range in.Plan.Changes {
			fmt.Fprintf(&b, "- %s\n", describeChange(in.Schema, c))
		}
		if !in.Plan.Feasible {
			fmt.Fprintf(&b, "- Advisory only: %s\n", advisoryNote)
		}
	}

	if len(in.Knowledge.Hits) > 0 {
		b.WriteString("\n## Guidance from the knowledge base\n")
		for _, h := range in.Knowledge.Hits {
			fmt.Fprintf(&b, "[%s] %s\n", h.ID, h.Text)
		}
	}

	if q := strings.TrimSpace(in.QueryText); q != "" {
		b.WriteString("\n## Student question\n")
		b.WriteString(q)
		b.WriteString("\n")
	}

	b.WriteString("\nRespond in JSON with summary, risk_factors, recommendations (action, reason, priority) and encouragement. Keep it concise.")
	return systemPrompt, b.String()
}

type response struct {
	Summary         string            `json:"summary"`
	RiskFactors     []string          `json:"risk_factors"`
	Recommendations []json.RawMessage `json:"recommendations"`
	Encouragement   string            `json:"encouragement"`
}

var (
	fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	tagPattern   = regexp.MustCompile(`<[^>]+>`)
)

// parseResponse accepts the requested JSON, fenced JSON, or plain prose. Plain
// prose becomes the narrative as-is.
func parseResponse(text string, in Input) (Advice, bool) {
	text = strings.TrimSpace(tagPattern.ReplaceAllString(text, ""))
	if text == "" {
		return Advice{}, false
	}
	body := text
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		body = strings.TrimSpace(m[1])
	}
	var r response
	if err := json.Unmarshal([]byte(body), &r); err != nil || strings.TrimSpace(r.Summary) == "" {
		return Advice{Narrative: text, Summary: firstLine(text)}, true
	}
	adv := Advice{
		Summary:       strings.TrimSpace(r.Summary),
		RiskFactors:   r.RiskFactors,
		Encouragement: strings.TrimSpace(r.Encouragement),
	}
	for _, raw := range r.Recommendations {
		var rec Recommendation
		if err := json.Unmarshal(raw, &rec); err != nil {
			var s string
			if json.Unmarshal(raw, &s) != nil {
				continue
			}
			rec = Recommendation{Action: s}
		}
		if strings.TrimSpace(rec.Action) != "" {
			adv.Recommendations = append(adv.Recommendations, rec)
		}
	}
	adv.Narrative = render(adv)
	return adv, adv.Narrative != ""
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	if len(line) > 200 {
		line = line[:200] + "..."
	}
	return line
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
