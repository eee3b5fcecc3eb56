package training

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/neurobridge-risk/internal/data/repos/learning"
	"github.com/yungbote/neurobridge-risk/internal/data/repos/testutil"
	types "github.com/yungbote/neurobridge-risk/internal/domain"
	"github.com/yungbote/neurobridge-risk/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/explain"
	"github.com/yungbote/neurobridge-risk/internal/risk/features"
	"github.com/yungbote/neurobridge-risk/internal/risk/model"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot/snapshottest"
	"gorm.io/datatypes"
)

var fixedNow = func() time.Time { return time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC) }

func trainSynthetic(t *testing.T, cfg Config) *snapshot.Bundle {
	t.Helper()
	recs := Synthetic(SyntheticConfig{Learners: 800, Seed: 3, RegistrationOnly: 0.1})
	if cfg.Folds == 0 {
		cfg.Folds = 3
	}
	cfg.Seed = 5
	cfg.Now = fixedNow
	b, err := New(logger.Nop(), cfg).Train(context.Background(), recs)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	return b
}

func TestTrainSyntheticBundle(t *testing.T) {
	b := trainSynthetic(t, Config{Version: "test-v1", ReferenceSize: 200, HistorySize: 300})

	if b.Version != "test-v1" || b.Model.Version != "test-v1" {
		t.Fatalf("version: want=test-v1 got bundle=%s model=%s", b.Version, b.Model.Version)
	}
	if len(b.Metrics.Candidates) != 3 {
		t.Fatalf("candidates: want=3 got=%d", len(b.Metrics.Candidates))
	}
	best := b.Metrics.Candidates[0]
	for _, c := range b.Metrics.Candidates {
		if len(c.FoldF1) != 3 {
			t.Fatalf("%s fold scores: want=3 got=%d", c.Kind, len(c.FoldF1))
		}
		if c.MeanF1 > best.MeanF1 {
			best = c
		}
	}
	if b.Metrics.Selected != best.Kind || b.Model.Kind != best.Kind {
		t.Fatalf("selected: want=%s got metrics=%s model=%s", best.Kind, b.Metrics.Selected, b.Model.Kind)
	}
	if best.MeanF1 < 0.4 {
		t.Fatalf("mean F1 too low: %v", best.MeanF1)
	}
	if len(b.Reference.Rows) != 200 {
		t.Fatalf("reference rows: want=200 got=%d", len(b.Reference.Rows))
	}
	if len(b.ColdStart.History) != 300 {
		t.Fatalf("history: want=300 got=%d", len(b.ColdStart.History))
	}
	for _, name := range []string{"num_prev_attempts", "studied_credits"} {
		if _, ok := b.ColdStart.Global[name]; !ok {
			t.Fatalf("cold start global stats missing %s", name)
		}
	}
	if _, ok := b.ColdStart.Global["avg_score"]; ok {
		t.Fatalf("cold start global stats must be immutable features only")
	}
	keys := b.Cohorts.Keys()
	if len(keys) != 6 || keys[0] != features.GlobalCohort {
		t.Fatalf("cohorts: want global plus 5 got=%v", keys)
	}
	if b.Metrics.PositiveRate <= 0 || b.Metrics.PositiveRate >= 1 {
		t.Fatalf("positive rate: got=%v", b.Metrics.PositiveRate)
	}
}

func TestTrainedSnapshotServes(t *testing.T) {
	b := trainSynthetic(t, Config{Version: "test-v2", ReferenceSize: 150})
	s, err := snapshot.Build(logger.Nop(), b, snapshot.Options{Explain: explain.Options{ShapleySamples: 32, Seed: 1}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	assess := func(fv map[string]any) model.Assessment {
		raw, err := features.ParseRaw(s.Schema, fv)
		if err != nil {
			t.Fatalf("ParseRaw: %v", err)
		}
		v, err := s.Normalizer.Normalize(raw, "AAA-2014J")
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		a, err := s.Model.Classify(v)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		return a
	}
	if a := assess(snapshottest.AtRiskLearner()); !a.AtRisk() {
		t.Fatalf("at-risk learner: got=%+v", a)
	}
	if a := assess(snapshottest.ThrivingLearner()); a.AtRisk() {
		t.Fatalf("thriving learner: got=%+v", a)
	}
}

func TestReferenceRowsHeldOutOfFinalFit(t *testing.T) {
	var mu sync.Mutex
	var lastFit [][]float64
	lo := model.LogisticOptions{L2: 0.01}
	cands := []Candidate{{Kind: model.KindLogistic, Fit: func(X [][]float64, y []int, w []float64) model.Scorer {
		mu.Lock()
		lastFit = X
		mu.Unlock()
		return model.FitLogistic(X, y, w, lo)
	}}}
	b := trainSynthetic(t, Config{Version: "holdout", Candidates: cands, ReferenceSize: 100})

	if b.Metrics.FitSize != len(lastFit) {
		t.Fatalf("fit size: want=%d got=%d", len(lastFit), b.Metrics.FitSize)
	}
	held := b.Metrics.TrainSize - b.Metrics.FitSize
	if held <= 0 || len(b.Reference.Rows) > held {
		t.Fatalf("held-out rows: train=%d fit=%d reference=%d", b.Metrics.TrainSize, b.Metrics.FitSize, len(b.Reference.Rows))
	}
	fit := make(map[string]bool, len(lastFit))
	for _, row := range lastFit {
		fit[fmt.Sprint(row)] = true
	}
	for i, row := range b.Reference.Rows {
		if fit[fmt.Sprint(row)] {
			t.Fatalf("reference row %d was used to fit the model", i)
		}
	}
}

func TestWithoutRows(t *testing.T) {
	X := [][]float64{{0}, {1}, {2}, {3}}
	y := []int{0, 1, 0, 1}
	gx, gy := withoutRows(X, y, []int{1, 3})
	if len(gx) != 2 || gx[0][0] != 0 || gx[1][0] != 2 || gy[0] != 0 || gy[1] != 0 {
		t.Fatalf("withoutRows: got X=%v y=%v", gx, gy)
	}
}

func TestTrainDeterministic(t *testing.T) {
	a := trainSynthetic(t, Config{Version: "same"})
	b := trainSynthetic(t, Config{Version: "same"})
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if !bytes.Equal(ja, jb) {
		t.Fatalf("training with a fixed seed must be reproducible")
	}
}

func TestTrainNotEnoughData(t *testing.T) {
	recs := Synthetic(SyntheticConfig{Learners: 6, Seed: 1})
	_, err := New(logger.Nop(), Config{}).Train(context.Background(), recs)
	if !errors.Is(err, ErrNotEnoughData) {
		t.Fatalf("want ErrNotEnoughData got=%v", err)
	}
}

func TestTrainSkipsMalformedAndUnlabeled(t *testing.T) {
	recs := Synthetic(SyntheticConfig{Learners: 400, Seed: 9})
	recs = append(recs,
		Record{LearnerID: "bad", CohortKey: "AAA-2014J", FinalResult: types.ResultFail, Features: map[string]any{"avg_score": "n/a"}},
		Record{LearnerID: "open", CohortKey: "AAA-2014J", Features: snapshottest.AtRiskLearner()},
	)
	b, err := New(logger.Nop(), Config{Folds: 3, Version: "v"}).Train(context.Background(), recs)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if b.Metrics.TrainSize != 400 {
		t.Fatalf("train size: want=400 got=%d", b.Metrics.TrainSize)
	}
}

func TestStratifiedFolds(t *testing.T) {
	y := make([]int, 103)
	for i := range y {
		if i%4 == 0 {
			y[i] = model.LabelAtRisk
		}
	}
	folds := stratifiedFolds(y, 5, 1)
	seen := make([]int, len(y))
	minPos, maxPos := len(y), 0
	for _, f := range folds {
		pos := 0
		for _, i := range f {
			seen[i]++
			pos += y[i]
		}
		minPos = min(minPos, pos)
		maxPos = max(maxPos, pos)
	}
	for i, n := range seen {
		if n != 1 {
			t.Fatalf("row %d in %d folds", i, n)
		}
	}
	if maxPos-minPos > 1 {
		t.Fatalf("positives per fold differ by %d", maxPos-minPos)
	}
}

func TestClassWeightsBalance(t *testing.T) {
	y := []int{1, 0, 0, 0, 0, 0, 0, 1}
	w := classWeights(y)
	var pos, neg float64
	for i, v := range y {
		if v == 1 {
			pos += w[i]
		} else {
			neg += w[i]
		}
	}
	if math.Abs(pos-4) > 1e-9 || math.Abs(neg-4) > 1e-9 {
		t.Fatalf("class weight totals: want=4/4 got=%v/%v", pos, neg)
	}
}

func TestConfusionScores(t *testing.T) {
	var c confusion
	for _, p := range [][2]int{{1, 1}, {1, 1}, {1, 0}, {0, 1}, {0, 0}} {
		c.add(p[0], p[1])
	}
	if c.precision() != 2.0/3 || c.recall() != 2.0/3 || c.accuracy() != 3.0/5 {
		t.Fatalf("scores: precision=%v recall=%v accuracy=%v", c.precision(), c.recall(), c.accuracy())
	}
	if got := c.f1(); got < 0.6666 || got > 0.6667 {
		t.Fatalf("f1: got=%v", got)
	}
	if (confusion{}).f1() != 0 {
		t.Fatalf("empty confusion must score 0")
	}
}

func TestCSVRoundTrip(t *testing.T) {
	recs := Synthetic(SyntheticConfig{Learners: 25, Seed: 2, RegistrationOnly: 0.2})
	var buf bytes.Buffer
	if err := WriteCSV(&buf, features.DefaultSchema(), recs); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	got, err := LoadCSV(&buf)
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("records: want=%d got=%d", len(recs), len(got))
	}
	schema := features.DefaultSchema()
	for i := range recs {
		if got[i].LearnerID != recs[i].LearnerID || got[i].CohortKey != recs[i].CohortKey || got[i].FinalResult != recs[i].FinalResult {
			t.Fatalf("record %d identity: want=%+v got=%+v", i, recs[i], got[i])
		}
		want, _ := features.ParseRaw(schema, recs[i].Features)
		have, err := features.ParseRaw(schema, got[i].Features)
		if err != nil {
			t.Fatalf("record %d ParseRaw: %v", i, err)
		}
		if len(want.Numeric) != len(have.Numeric) || len(want.Categorical) != len(have.Categorical) {
			t.Fatalf("record %d feature count: want=%v got=%v", i, want, have)
		}
		for k, v := range want.Numeric {
			if have.Numeric[k] != v {
				t.Fatalf("record %d %s: want=%v got=%v", i, k, v, have.Numeric[k])
			}
		}
	}
}

func TestLoadCSVErrors(t *testing.T) {
	if _, err := LoadCSV(strings.NewReader("learner_id,code_module\nl1,AAA\n")); err == nil {
		t.Fatalf("missing columns must fail")
	}
	if _, err := LoadCSV(strings.NewReader("learner_id,code_module,code_presentation,final_result\n,AAA,2014J,Pass\n")); err == nil {
		t.Fatalf("empty learner id must fail")
	}
	got, err := LoadCSV(strings.NewReader("id_student,code_module,code_presentation,final_result,avg_score\n7,AAA,2014J,Withdrawn,\n"))
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if got[0].LearnerID != "7" || !got[0].AtRisk() || len(got[0].Features) != 0 {
		t.Fatalf("record: got=%+v", got[0])
	}
}

func TestLoadRepo(t *testing.T) {
	db := testutil.DB(t)
	repo := learning.NewLearnerRecordRepo(db, testutil.Logger(t))
	rows := []*types.LearnerRecord{
		{LearnerID: "a", CodeModule: "AAA", CodePresentation: "2014J", FinalResult: types.ResultPass, Features: datatypes.JSON(`{"avg_score":80}`)},
		{LearnerID: "b", CodeModule: "AAA", CodePresentation: "2014J", FinalResult: types.ResultWithdrawn, Features: datatypes.JSON(`{"avg_score":30}`)},
		{LearnerID: "c", CodeModule: "BBB", CodePresentation: "2014B", Features: datatypes.JSON(`{}`)},
	}
	if err := repo.Upsert(dbctx.Context{Ctx: context.Background()}, rows); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := LoadRepo(context.Background(), repo, 0)
	if err != nil {
		t.Fatalf("LoadRepo: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("labeled records: want=2 got=%d", len(got))
	}
	if got[1].LearnerID != "b" || !got[1].AtRisk() || got[1].CohortKey != "AAA-2014J" || got[1].Features["avg_score"] != 30.0 {
		t.Fatalf("record: got=%+v", got[1])
	}
}
