package explain

import (
	"fmt"
	"sort"
	"strings"
)

const DefaultPrecisionThreshold = 0.90

type Condition struct {
	Feature   string  `json:"feature"`
	Index     int     `json:"-"`
	Op        string  `json:"op"`
	Threshold float64 `json:"threshold"`
}

func (c Condition) holds(x []float64) bool {
	if c.Op == "<=" {
		return x[c.Index] <= c.Threshold
	}
	return x[c.Index] > c.Threshold
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %.3f", c.Feature, c.Op, c.Threshold)
}

// Rule is a conjunction of thresholds under which the model predicts Label
// with the measured Precision on the reference sample.
type Rule struct {
	Conditions     []Condition `json:"conditions"`
	Label          int         `json:"label"`
	Precision      float64     `json:"precision"`
	Coverage       float64     `json:"coverage"`
	Support        int         `json:"support"`
	BelowThreshold bool        `json:"below_threshold,omitempty"`
}

func (r Rule) String() string {
	parts := make([]string, len(r.Conditions))
	for i, c := range r.Conditions {
		parts[i] = c.String()
	}
	return strings.Join(parts, " AND ")
}

func (r Rule) key() string {
	parts := make([]string, len(r.Conditions))
	for i, c := range r.Conditions {
		parts[i] = fmt.Sprintf("%d%s%g", c.Index, c.Op, c.Threshold)
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

type RuleConfig struct {
	PrecisionThreshold float64
	MaxConditions      int
	BeamWidth          int
	Bins               int
	MinSupport         int
	MaxEvaluations     int
	MaxRules           int
}

func (c RuleConfig) withDefaults() RuleConfig {
	if c.PrecisionThreshold <= 0 || c.PrecisionThreshold > 1 {
		c.PrecisionThreshold = DefaultPrecisionThreshold
	}
	if c.MaxConditions <= 0 {
		c.MaxConditions = 4
	}
	if c.BeamWidth <= 0 {
		c.BeamWidth = 4
	}
	if c.Bins <= 1 {
		c.Bins = 5
	}
	if c.MinSupport <= 0 {
		c.MinSupport = 5
	}
	if c.MaxEvaluations <= 0 {
		c.MaxEvaluations = 4000
	}
	if c.MaxRules <= 0 {
		c.MaxRules = 3
	}
	return c
}

// RuleExtractor searches for short anchoring rules around one instance. The
// reference rows are labeled with the model's own predictions so precision
// measures agreement with the model, not with ground truth.
type RuleExtractor struct {
	cfg       RuleConfig
	names     []string
	rows      [][]float64
	predicted []int
	cuts      [][]float64
}

func NewRuleExtractor(names []string, rows [][]float64, predicted []int, cfg RuleConfig) *RuleExtractor {
	cfg = cfg.withDefaults()
	e := &RuleExtractor{cfg: cfg, names: names, rows: rows, predicted: predicted, cuts: make([][]float64, len(names))}
	if len(rows) == 0 {
		return e
	}
	for j := range names {
		vals := make([]float64, len(rows))
		for i, r := range rows {
			vals[i] = r[j]
		}
		sort.Float64s(vals)
		for b := 1; b < cfg.Bins; b++ {
			v := vals[(b*len(vals))/cfg.Bins]
			if n := len(e.cuts[j]); n == 0 || v > e.cuts[j][n-1] {
				e.cuts[j] = append(e.cuts[j], v)
			}
		}
	}
	return e
}

// Extract returns rules predicting label for x, best first. When no rule
// reaches the precision threshold within the search budget, the single most
// precise rule found is returned flagged BelowThreshold.
func (e *RuleExtractor) Extract(x []float64, label int) []Rule {
	if len(e.rows) == 0 {
		return nil
	}
	candidates := e.candidates(x)
	if len(candidates) == 0 {
		return nil
	}
	evals := 0
	var bestSoFar *Rule
	beam := []Rule{{Label: label}}
	seen := map[string]bool{}
	for depth := 1; depth <= e.cfg.MaxConditions; depth++ {
		var level []Rule
		for _, parent := range beam {
			used := map[int]bool{}
			for _, c := range parent.Conditions {
				used[c.Index] = true
			}
			for _, c := range candidates {
				if used[c.Index] {
					continue
				}
				if evals >= e.cfg.MaxEvaluations {
					break
				}
				r := Rule{Label: label, Conditions: append(append([]Condition(nil), parent.Conditions...), c)}
				k := r.key()
				if seen[k] {
					continue
				}
				seen[k] = true
				evals++
				e.measure(&r)
				if r.Support < e.cfg.MinSupport {
					continue
				}
				level = append(level, r)
				if bestSoFar == nil || better(r, *bestSoFar) {
					rc := r
					bestSoFar = &rc
				}
			}
		}
		var passing []Rule
		for _, r := range level {
			if r.Precision >= e.cfg.PrecisionThreshold {
				passing = append(passing, r)
			}
		}
		if len(passing) > 0 {
			sort.SliceStable(passing, func(i, j int) bool { return better(passing[i], passing[j]) })
			if len(passing) > e.cfg.MaxRules {
				passing = passing[:e.cfg.MaxRules]
			}
			return passing
		}
		if len(level) == 0 || evals >= e.cfg.MaxEvaluations {
			break
		}
		sort.SliceStable(level, func(i, j int) bool { return better(level[i], level[j]) })
		if len(level) > e.cfg.BeamWidth {
			level = level[:e.cfg.BeamWidth]
		}
		beam = level
	}
	if bestSoFar == nil {
		return nil
	}
	r := *bestSoFar
	r.BelowThreshold = true
	return []Rule{r}
}

// better prefers higher precision, then fewer conditions, then coverage.
func better(a, b Rule) bool {
	if a.Precision != b.Precision {
		return a.Precision > b.Precision
	}
	if len(a.Conditions) != len(b.Conditions) {
		return len(a.Conditions) < len(b.Conditions)
	}
	if a.Coverage != b.Coverage {
		return a.Coverage > b.Coverage
	}
	return a.key() < b.key()
}

func (e *RuleExtractor) candidates(x []float64) []Condition {
	var out []Condition
	for j, cuts := range e.cuts {
		for _, t := range cuts {
			op := ">"
			if x[j] <= t {
				op = "<="
			}
			out = append(out, Condition{Feature: e.names[j], Index: j, Op: op, Threshold: t})
		}
	}
	return out
}

func (e *RuleExtractor) measure(r *Rule) {
	match, agree := 0, 0
	for i, row := range e.rows {
		ok := true
		for _, c := range r.Conditions {
			if !c.holds(row) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		match++
		if e.predicted[i] == r.Label {
			agree++
		}
	}
	r.Support = match
	r.Coverage = float64(match) / float64(len(e.rows))
	if match > 0 {
		r.Precision = float64(agree) / float64(match)
	}
}
