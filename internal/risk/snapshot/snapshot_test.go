package snapshot_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/neurobridge-risk/internal/data/repos/learning"
	"github.com/yungbote/neurobridge-risk/internal/data/repos/testutil"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/explain"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot/snapshottest"
)

func build(b *snapshot.Bundle) (*snapshot.Snapshot, error) {
	return snapshot.Build(logger.Nop(), b, snapshot.Options{Explain: explain.Options{ShapleySamples: 16}})
}

func TestBundleEncodeDecode(t *testing.T) {
	b := snapshottest.Bundle(t)
	data, err := b.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := snapshot.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	s, err := build(got)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Version() != snapshottest.Version {
		t.Fatalf("Version: want=%s got=%s", snapshottest.Version, s.Version())
	}
	row := got.Reference.Rows[3]
	want := b.Reference.Rows[3]
	for i := range row {
		if row[i] != want[i] {
			t.Fatalf("reference row drift at %d: want=%v got=%v", i, want[i], row[i])
		}
	}
}

func TestBundleValidateRejectsSchemaMismatch(t *testing.T) {
	b := snapshottest.Bundle(t)
	b.Model.FeatureNames[0] = "other_z"
	if _, err := build(b); err == nil {
		t.Fatalf("expected feature name mismatch error")
	}
	b = snapshottest.Bundle(t)
	b.Cohorts.Cohorts = nil
	if err := b.Validate(); err == nil {
		t.Fatalf("expected empty cohort table error")
	}
}

func TestSummary(t *testing.T) {
	s := snapshottest.Snapshot(t)
	sum := s.Summary()
	if sum.ModelKind != "logistic" {
		t.Fatalf("ModelKind: want=logistic got=%s", sum.ModelKind)
	}
	if len(sum.Cohorts) != 2 || sum.Cohorts[0] != "*" {
		t.Fatalf("Cohorts: got=%v", sum.Cohorts)
	}
	if len(sum.GlobalRanking) == 0 {
		t.Fatalf("GlobalRanking: empty")
	}
	if sum.ColdStartSize != 80 {
		t.Fatalf("ColdStartSize: want=80 got=%d", sum.ColdStartSize)
	}
}

func TestFileSourceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapshot.json")
	b := snapshottest.Bundle(t)
	if err := snapshot.SaveFile(context.Background(), b, path, nil); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	src := &snapshot.FileSource{Path: path}
	got, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version != b.Version {
		t.Fatalf("Version: want=%s got=%s", b.Version, got.Version)
	}

	missing := &snapshot.FileSource{Path: filepath.Join(t.TempDir(), "none.json")}
	if _, err := missing.Load(context.Background()); !errors.Is(err, snapshot.ErrNoSnapshot) {
		t.Fatalf("missing file: want ErrNoSnapshot got=%v", err)
	}
}

type memObjects struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memObjects) Read(_ context.Context, uri string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[uri]
	if !ok {
		return nil, os.ErrNotExist
	}
	return d, nil
}

func (m *memObjects) Write(_ context.Context, uri, _ string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[uri] = append([]byte(nil), data...)
	return nil
}

func TestFileSourceObjectStorage(t *testing.T) {
	objects := &memObjects{data: map[string][]byte{}}
	uri := "gs://risk-models/snapshots/latest.json"
	if err := snapshot.SaveFile(context.Background(), snapshottest.Bundle(t), uri, objects); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	got, err := (&snapshot.FileSource{Path: uri, Objects: objects}).Load(context.Background())
	if err != nil || got.Version != snapshottest.Version {
		t.Fatalf("Load: got=%v err=%v", got, err)
	}
	if _, err := (&snapshot.FileSource{Path: uri}).Load(context.Background()); err == nil {
		t.Fatalf("expected error without object storage")
	}
}

func TestDBSourceServesActiveVersion(t *testing.T) {
	db := testutil.DB(t)
	repo := learning.NewModelSnapshotRepo(db, testutil.Logger(t))
	ctx := context.Background()

	src := &snapshot.DBSource{Repo: repo, Key: "learner_risk"}
	if _, err := src.Load(ctx); !errors.Is(err, snapshot.ErrNoSnapshot) {
		t.Fatalf("empty table: want ErrNoSnapshot got=%v", err)
	}

	first, err := snapshot.SaveDB(ctx, repo, "learner_risk", snapshottest.Bundle(t), true)
	if err != nil {
		t.Fatalf("SaveDB first: %v", err)
	}
	if _, err := snapshot.SaveDB(ctx, repo, "learner_risk", snapshottest.Bundle(t), false); err != nil {
		t.Fatalf("SaveDB second: %v", err)
	}

	got, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version != "learner_risk-v1" || got.Version != first.Label {
		t.Fatalf("active version: want=learner_risk-v1 got=%s", got.Version)
	}
	if got.Model.Version != got.Version {
		t.Fatalf("model version: want=%s got=%s", got.Version, got.Model.Version)
	}
}

type countingSource struct {
	mu      sync.Mutex
	bundles []*snapshot.Bundle
	err     error
	calls   int
}

func (c *countingSource) Name() string { return "test" }

func (c *countingSource) Load(context.Context) (*snapshot.Bundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	b := c.bundles[0]
	if len(c.bundles) > 1 {
		c.bundles = c.bundles[1:]
	}
	return b, nil
}

func TestRefresherSwapsAndKeepsOldOnError(t *testing.T) {
	b1 := snapshottest.Bundle(t)
	b2 := snapshottest.Bundle(t)
	b2.Version = "fixture-v2"
	b2.Model.Version = "fixture-v2"

	src := &countingSource{bundles: []*snapshot.Bundle{b1, b1, b2}}
	holder := snapshot.NewHolder(nil)
	r := snapshot.NewRefresher(logger.Nop(), src, holder, build, 0)
	swaps := 0
	r.OnSwap(func(old, cur *snapshot.Snapshot) { swaps++ })

	ctx := context.Background()
	if ok, err := r.Refresh(ctx); err != nil || !ok {
		t.Fatalf("first Refresh: ok=%v err=%v", ok, err)
	}
	if ok, err := r.Refresh(ctx); err != nil || ok {
		t.Fatalf("same version Refresh: want=false got=%v err=%v", ok, err)
	}
	if ok, err := r.Refresh(ctx); err != nil || !ok {
		t.Fatalf("new version Refresh: ok=%v err=%v", ok, err)
	}
	if got := holder.Load().Version(); got != "fixture-v2" {
		t.Fatalf("holder version: want=fixture-v2 got=%s", got)
	}

	src.err = errors.New("storage down")
	if _, err := r.Refresh(ctx); err == nil {
		t.Fatalf("expected refresh error")
	}
	if got := holder.Load().Version(); got != "fixture-v2" {
		t.Fatalf("holder after failure: want=fixture-v2 got=%s", got)
	}

	bad := snapshottest.Bundle(t)
	bad.Version = "fixture-v3"
	bad.Reference.Labels = bad.Reference.Labels[:1]
	src.err = nil
	src.bundles = []*snapshot.Bundle{bad}
	if _, err := r.Refresh(ctx); err == nil {
		t.Fatalf("expected build error for invalid bundle")
	}
	if got := holder.Load().Version(); got != "fixture-v2" {
		t.Fatalf("holder after bad bundle: want=fixture-v2 got=%s", got)
	}
	if swaps != 2 {
		t.Fatalf("swaps: want=2 got=%d", swaps)
	}
}

func TestRefresherRunOnTrigger(t *testing.T) {
	b2 := snapshottest.Bundle(t)
	b2.Version = "fixture-v2"
	src := &countingSource{bundles: []*snapshot.Bundle{b2}}
	holder := snapshot.NewHolder(snapshottest.Snapshot(t))
	r := snapshot.NewRefresher(logger.Nop(), src, holder, build, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	r.Trigger()

	deadline := time.Now().Add(5 * time.Second)
	for holder.Load().Version() != "fixture-v2" {
		if time.Now().After(deadline) {
			t.Fatalf("trigger did not refresh the snapshot")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
