package counterfactual

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"

	"github.com/yungbote/neurobridge-risk/internal/risk/features"
)

// ErrInfeasible is returned alongside a best-effort plan when no candidate
// within the constraints reaches the desired label.
var ErrInfeasible = errors.New("no feasible counterfactual within constraints")

// Classifier is the part of the serving model the search needs.
type Classifier interface {
	Probability(x []float64) float64
	Label(p float64) int
}

type Config struct {
	Plans          int
	MaxIterations  int
	SparsityWeight float64
	// MinDiversity is the minimum z-space L1 distance between two plans that
	// change the same set of features.
	MinDiversity float64
	GuidedStep   float64
	Seed         int64
}

func (c Config) withDefaults() Config {
	if c.Plans <= 0 {
		c.Plans = 3
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 1500
	}
	if c.SparsityWeight < 0 {
		c.SparsityWeight = 0
	} else if c.SparsityWeight == 0 {
		c.SparsityWeight = 0.25
	}
	if c.MinDiversity <= 0 {
		c.MinDiversity = 0.25
	}
	if c.GuidedStep <= 0 || c.GuidedStep > 1 {
		c.GuidedStep = 0.3
	}
	return c
}

type Change struct {
	Feature string  `json:"feature"`
	From    float64 `json:"from"`
	To      float64 `json:"to"`
	Delta   float64 `json:"delta"`
	FromZ   float64 `json:"from_z"`
	ToZ     float64 `json:"to_z"`
}

type Plan struct {
	Target        map[string]float64 `json:"target"`
	Changes       []Change           `json:"changes"`
	Probability   float64            `json:"achieved_probability"`
	DiversityRank int                `json:"diversity_rank"`
	Feasible      bool               `json:"feasible"`
	Cost          float64            `json:"cost"`
}

type Result struct {
	Plans      []Plan `json:"plans"`
	Iterations int    `json:"iterations"`
}

// Best is the lowest-cost plan, or nil.
func (r Result) Best() *Plan {
	if len(r.Plans) == 0 {
		return nil
	}
	return &r.Plans[0]
}

type searcher struct {
	cfg        Config
	clf        Classifier
	v          features.NormalizedVector
	desired    int
	actionable []int
	active     []int
	lo, hi     []float64
	rng        *rand.Rand
	values     []float64
	accepted   []candidate
}

type candidate struct {
	raw  []float64
	prob float64
	cost float64
}

// Search looks for up to cfg.Plans diverse, sparse changes to the actionable
// features of v that move the classifier to the desired label. Only features
// with a constraint entry move, and only inside their bounds. Search is bounded
// by cfg.MaxIterations and by ctx; on exhaustion without success it returns the
// closest candidate flagged infeasible together with ErrInfeasible.
func Search(ctx context.Context, clf Classifier, schema features.Schema, v features.NormalizedVector, constraints Constraints, desired int, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	s := &searcher{cfg: cfg, clf: clf, v: v, desired: desired, actionable: schema.ActionableIndices(), rng: rand.New(rand.NewSource(cfg.Seed))}
	s.lo = make([]float64, len(v.Raw))
	s.hi = make([]float64, len(v.Raw))
	for _, i := range s.actionable {
		b, ok := constraints[schema.Features[i].Name]
		if !ok || !v.Present[i] {
			continue
		}
		lo, hi := b.Interval(v.Raw[i], v.Stats[i].Mean)
		if hi-lo <= 0 {
			continue
		}
		s.active = append(s.active, i)
		s.lo[i], s.hi[i] = lo, hi
	}
	s.values = make([]float64, len(v.Values))

	origin := append([]float64(nil), v.Raw...)
	if s.reached(s.prob(origin)) {
		return Result{}, nil
	}
	if len(s.active) == 0 {
		return Result{Plans: []Plan{s.plan(candidate{raw: origin, prob: s.prob(origin)}, false)}}, ErrInfeasible
	}

	closest := candidate{raw: origin, prob: s.prob(origin)}
	walker := append([]float64(nil), origin...)
	iter := 0
	for ; iter < cfg.MaxIterations && len(s.accepted) < cfg.Plans; iter++ {
		if iter%16 == 0 && ctx.Err() != nil {
			break
		}
		var cand []float64
		if iter%2 == 0 {
			cand = s.randomCandidate(origin)
		} else {
			next, moved := s.guidedStep(walker)
			if !moved {
				walker = s.randomCandidate(origin)
				continue
			}
			walker = next
			cand = append([]float64(nil), walker...)
		}
		p := s.prob(cand)
		if s.objective(p) < s.objective(closest.prob) {
			closest = candidate{raw: cand, prob: p}
		}
		if !s.reached(p) {
			continue
		}
		c := s.minimize(origin, cand)
		if s.diverse(origin, c) {
			s.accepted = append(s.accepted, c)
		}
		walker = append([]float64(nil), origin...)
	}

	if len(s.accepted) == 0 {
		return Result{Plans: []Plan{s.plan(closest, false)}, Iterations: iter}, ErrInfeasible
	}
	sort.SliceStable(s.accepted, func(i, j int) bool { return s.accepted[i].cost < s.accepted[j].cost })
	out := Result{Iterations: iter}
	for rank, c := range s.accepted {
		p := s.plan(c, true)
		p.DiversityRank = rank + 1
		out.Plans = append(out.Plans, p)
	}
	return out, nil
}

func (s *searcher) prob(raw []float64) float64 {
	copy(s.values, s.v.Values)
	for _, i := range s.active {
		s.values[i] = s.v.Stats[i].Z(raw[i])
	}
	return s.clf.Probability(s.values)
}

func (s *searcher) reached(p float64) bool { return s.clf.Label(p) == s.desired }

// objective is smaller the closer p is to the desired side.
func (s *searcher) objective(p float64) float64 {
	if s.desired == 0 {
		return p
	}
	return 1 - p
}

func (s *searcher) randomCandidate(origin []float64) []float64 {
	cand := append([]float64(nil), origin...)
	n := 1 + s.rng.Intn(len(s.active))
	for _, k := range s.rng.Perm(len(s.active))[:n] {
		i := s.active[k]
		cand[i] = s.lo[i] + s.rng.Float64()*(s.hi[i]-s.lo[i])
	}
	return cand
}

// guidedStep moves one feature a fraction of the way toward whichever bound
// most improves the objective.
func (s *searcher) guidedStep(cur []float64) ([]float64, bool) {
	base := s.objective(s.prob(cur))
	best := base
	var bestRaw []float64
	for _, i := range s.active {
		for _, bound := range []float64{s.lo[i], s.hi[i]} {
			next := cur[i] + s.cfg.GuidedStep*(bound-cur[i])
			if next == cur[i] {
				continue
			}
			trial := append([]float64(nil), cur...)
			trial[i] = next
			if o := s.objective(s.prob(trial)); o < best {
				best = o
				bestRaw = trial
			}
		}
	}
	return bestRaw, bestRaw != nil
}

// minimize drops unnecessary changes, then pulls each remaining change back
// toward the origin as far as the label allows.
func (s *searcher) minimize(origin, cand []float64) candidate {
	cur := append([]float64(nil), cand...)
	order := append([]int(nil), s.active...)
	sort.SliceStable(order, func(a, b int) bool {
		return s.zDelta(origin, cur, order[a]) < s.zDelta(origin, cur, order[b])
	})
	for _, i := range order {
		if cur[i] == origin[i] {
			continue
		}
		saved := cur[i]
		cur[i] = origin[i]
		if s.reached(s.prob(cur)) {
			continue
		}
		cur[i] = saved
	}
	for _, i := range order {
		if cur[i] == origin[i] {
			continue
		}
		lo, hi := 0.0, 1.0
		far := cur[i]
		best := far
		for step := 0; step < 20; step++ {
			mid := (lo + hi) / 2
			cur[i] = origin[i] + mid*(far-origin[i])
			if s.reached(s.prob(cur)) {
				hi = mid
				best = cur[i]
			} else {
				lo = mid
			}
		}
		cur[i] = best
	}
	p := s.prob(cur)
	return candidate{raw: cur, prob: p, cost: s.cost(origin, cur)}
}

func (s *searcher) zDelta(origin, cur []float64, i int) float64 {
	std := s.v.Stats[i].Std
	if std <= 0 {
		std = 1
	}
	return math.Abs(cur[i]-origin[i]) / std
}

func (s *searcher) cost(origin, cur []float64) float64 {
	total := 0.0
	for _, i := range s.active {
		if cur[i] == origin[i] {
			continue
		}
		total += s.zDelta(origin, cur, i) + s.cfg.SparsityWeight
	}
	return total
}

func (s *searcher) diverse(origin []float64, c candidate) bool {
	for _, prev := range s.accepted {
		if changedSet(origin, prev.raw, s.active) != changedSet(origin, c.raw, s.active) {
			continue
		}
		dist := 0.0
		for _, i := range s.active {
			std := s.v.Stats[i].Std
			if std <= 0 {
				std = 1
			}
			dist += math.Abs(prev.raw[i]-c.raw[i]) / std
		}
		if dist < s.cfg.MinDiversity {
			return false
		}
	}
	return true
}

func changedSet(origin, raw []float64, active []int) uint64 {
	var mask uint64
	for k, i := range active {
		if raw[i] != origin[i] {
			mask |= 1 << uint(k%64)
		}
	}
	return mask
}

func (s *searcher) plan(c candidate, feasible bool) Plan {
	p := Plan{
		Target:      map[string]float64{},
		Probability: c.prob,
		Feasible:    feasible,
		Cost:        c.cost,
	}
	for _, i := range s.actionable {
		p.Target[rawName(s.v.Names[i])] = c.raw[i]
	}
	for _, i := range s.active {
		name := rawName(s.v.Names[i])
		if c.raw[i] == s.v.Raw[i] {
			continue
		}
		p.Changes = append(p.Changes, Change{
			Feature: name,
			From:    s.v.Raw[i],
			To:      c.raw[i],
			Delta:   c.raw[i] - s.v.Raw[i],
			FromZ:   s.v.Values[i],
			ToZ:     s.v.Stats[i].Z(c.raw[i]),
		})
	}
	sort.SliceStable(p.Changes, func(a, b int) bool {
		return math.Abs(p.Changes[a].ToZ-p.Changes[a].FromZ) > math.Abs(p.Changes[b].ToZ-p.Changes[b].FromZ)
	})
	return p
}

func rawName(modelName string) string {
	if n := len(modelName); n > 2 && modelName[n-2:] == "_z" {
		return modelName[:n-2]
	}
	return modelName
}
