package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/neurobridge-risk/internal/risk/model"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
)

// Candidate is one model family considered during selection.
type Candidate struct {
	Kind model.Kind
	Fit  func(X [][]float64, y []int, w []float64) model.Scorer
}

// DefaultCandidates returns the three families in tie-break order.
func DefaultCandidates(lo model.LogisticOptions, so model.StumpOptions) []Candidate {
	return []Candidate{
		{Kind: model.KindLogistic, Fit: func(X [][]float64, y []int, w []float64) model.Scorer { return model.FitLogistic(X, y, w, lo) }},
		{Kind: model.KindStumps, Fit: func(X [][]float64, y []int, w []float64) model.Scorer { return model.FitStumps(X, y, w, so) }},
		{Kind: model.KindPrototype, Fit: func(X [][]float64, y []int, w []float64) model.Scorer { return model.FitPrototype(X, y, w) }},
	}
}

type confusion struct{ tp, fp, fn, tn int }

func (c *confusion) add(pred, actual int) {
	switch {
	case pred == model.LabelAtRisk && actual == model.LabelAtRisk:
		c.tp++
	case pred == model.LabelAtRisk:
		c.fp++
	case actual == model.LabelAtRisk:
		c.fn++
	default:
		c.tn++
	}
}

func (c confusion) precision() float64 { return ratio(c.tp, c.tp+c.fp) }
func (c confusion) recall() float64    { return ratio(c.tp, c.tp+c.fn) }
func (c confusion) accuracy() float64  { return ratio(c.tp+c.tn, c.tp+c.tn+c.fp+c.fn) }

func (c confusion) f1() float64 {
	p, r := c.precision(), c.recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// stratifiedFolds assigns every row to one of k test folds so each fold keeps
// the class balance of y.
func stratifiedFolds(y []int, k int, seed int64) [][]int {
	rng := rand.New(rand.NewSource(seed))
	byClass := map[int][]int{}
	for i, label := range y {
		byClass[label] = append(byClass[label], i)
	}
	folds := make([][]int, k)
	for _, label := range []int{model.LabelSafe, model.LabelAtRisk} {
		idx := byClass[label]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for i, row := range idx {
			folds[i%k] = append(folds[i%k], row)
		}
	}
	return folds
}

// classWeights balances the classes so each contributes half the total weight.
func classWeights(y []int) []float64 {
	var pos int
	for _, v := range y {
		if v == model.LabelAtRisk {
			pos++
		}
	}
	n := len(y)
	neg := n - pos
	w := make([]float64, n)
	for i, v := range y {
		switch {
		case v == model.LabelAtRisk && pos > 0:
			w[i] = float64(n) / (2 * float64(pos))
		case v != model.LabelAtRisk && neg > 0:
			w[i] = float64(n) / (2 * float64(neg))
		}
	}
	return w
}

func predict(s model.Scorer, x []float64) int {
	if model.Sigmoid(s.Margin(x)) >= 0.5 {
		return model.LabelAtRisk
	}
	return model.LabelSafe
}

// crossValidate scores every candidate on every fold concurrently.
func crossValidate(ctx context.Context, X [][]float64, y []int, folds [][]int, cands []Candidate) ([]snapshot.CandidateMetrics, error) {
	k := len(folds)
	results := make([][]confusion, len(cands))
	for c := range results {
		results[c] = make([]confusion, k)
	}
	inTest := make([][]bool, k)
	for f, idx := range folds {
		inTest[f] = make([]bool, len(X))
		for _, i := range idx {
			inTest[f][i] = true
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for c := range cands {
		for f := 0; f < k; f++ {
			c, f := c, f
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				var trX [][]float64
				var trY []int
				for i := range X {
					if !inTest[f][i] {
						trX = append(trX, X[i])
						trY = append(trY, y[i])
					}
				}
				scorer := cands[c].Fit(trX, trY, classWeights(trY))
				var cm confusion
				for _, i := range folds[f] {
					cm.add(predict(scorer, X[i]), y[i])
				}
				results[c][f] = cm
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("cross-validation: %w", err)
	}

	out := make([]snapshot.CandidateMetrics, len(cands))
	for c, cand := range cands {
		var total confusion
		m := snapshot.CandidateMetrics{Kind: cand.Kind, FoldF1: make([]float64, k)}
		for f, cm := range results[c] {
			m.FoldF1[f] = cm.f1()
			m.MeanF1 += cm.f1() / float64(k)
			total.tp += cm.tp
			total.fp += cm.fp
			total.fn += cm.fn
			total.tn += cm.tn
		}
		for _, v := range m.FoldF1 {
			m.StdF1 += (v - m.MeanF1) * (v - m.MeanF1)
		}
		if k > 1 {
			m.StdF1 = math.Sqrt(m.StdF1 / float64(k-1))
		}
		m.Precision = total.precision()
		m.Recall = total.recall()
		m.Accuracy = total.accuracy()
		out[c] = m
	}
	return out, nil
}

// selectBest picks the highest mean F1; earlier candidates win ties.
func selectBest(ms []snapshot.CandidateMetrics) int {
	best := 0
	for i := 1; i < len(ms); i++ {
		if ms[i].MeanF1 > ms[best].MeanF1+1e-12 {
			best = i
		}
	}
	return best
}
