package app

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-risk/internal/config"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot/snapshottest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Snapshot.Path = filepath.Join(t.TempDir(), "snapshot.json")
	cfg.Snapshot.RefreshInterval = config.Duration{}
	cfg.Generation.Engine = config.EngineConfig{Type: "mock"}
	cfg.Risk.ShapleySamples = 32
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), logger.Nop(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, path, nil))
	return rec
}

func TestAppServesFileSnapshot(t *testing.T) {
	cfg := testConfig(t)
	if err := snapshot.SaveFile(context.Background(), snapshottest.Bundle(t), cfg.Snapshot.Path, nil); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	a := newTestApp(t, cfg)
	if a.Services.Snapshots.Load() == nil {
		t.Fatalf("snapshot not loaded at startup")
	}
	if !a.Services.Retriever.Ready() {
		t.Fatalf("retriever not built")
	}
	if rec := get(a.Router, "/readyz"); rec.Code != nethttp.StatusOK {
		t.Fatalf("readyz: want=200 got=%d", rec.Code)
	}

	body, _ := json.Marshal(map[string]any{
		"learner_id":     "l-risk",
		"cohort_key":     snapshottest.Cohort,
		"feature_vector": snapshottest.AtRiskLearner(),
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(nethttp.MethodPost, "/api/assessments", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	a.Router.ServeHTTP(rec, req)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("assess: want=200 got=%d body=%s", rec.Code, rec.Body.String())
	}
	var got struct {
		ModelVersion    string `json:"model_version"`
		Tier            string `json:"tier"`
		NarrativeSource string `json:"narrative_source"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ModelVersion != snapshottest.Version || got.Tier != "critical" {
		t.Fatalf("intervention: got=%+v", got)
	}
	if got.NarrativeSource != "generated" {
		t.Fatalf("narrative source: want=generated got=%s", got.NarrativeSource)
	}
}

func TestAppStartsWithoutSnapshot(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)
	if rec := get(a.Router, "/readyz"); rec.Code != nethttp.StatusServiceUnavailable {
		t.Fatalf("readyz: want=503 got=%d", rec.Code)
	}
	if rec := get(a.Router, "/healthcheck"); rec.Code != nethttp.StatusOK {
		t.Fatalf("healthcheck: want=200 got=%d", rec.Code)
	}

	if err := snapshot.SaveFile(context.Background(), snapshottest.Bundle(t), cfg.Snapshot.Path, nil); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	swapped, err := a.Services.Refresher.Refresh(context.Background())
	if err != nil || !swapped {
		t.Fatalf("Refresh: swapped=%v err=%v", swapped, err)
	}
	if rec := get(a.Router, "/readyz"); rec.Code != nethttp.StatusOK {
		t.Fatalf("readyz after refresh: want=200 got=%d", rec.Code)
	}
}

func TestAppDBSnapshotSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "risk.db"), AutoMigrate: true}
	cfg.Snapshot.Source = "db"

	a := newTestApp(t, cfg)
	if a.Repos == nil {
		t.Fatalf("repos not wired")
	}
	if a.Services.Snapshots.Load() != nil {
		t.Fatalf("empty database must not produce a snapshot")
	}
	if _, err := snapshot.SaveDB(context.Background(), a.Repos.ModelSnapshot, cfg.Snapshot.ModelKey, snapshottest.Bundle(t), true); err != nil {
		t.Fatalf("SaveDB: %v", err)
	}
	if _, err := a.Services.Refresher.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	cur := a.Services.Snapshots.Load()
	if cur == nil || cur.Version() != cfg.Snapshot.ModelKey+"-v1" {
		t.Fatalf("version: want=%s-v1 got=%v", cfg.Snapshot.ModelKey, cur)
	}
}

func TestNewRejectsBadWiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.Snapshot.Source = "db"
	if _, err := New(context.Background(), logger.Nop(), cfg); err == nil {
		t.Fatalf("db source without database: want error")
	}

	cfg = testConfig(t)
	cfg.Generation.Engine.Type = "carrier-pigeon"
	if _, err := New(context.Background(), logger.Nop(), cfg); err == nil {
		t.Fatalf("unknown engine: want error")
	}
}

func TestConstraintsFromConfig(t *testing.T) {
	if Constraints(nil) != nil {
		t.Fatalf("empty feasibility must keep bundle constraints")
	}
	got := Constraints(map[string]config.BoundConfig{"avg_score": {MinMultiplier: 1, MaxMultiplier: 1.2, Ceiling: 100}})
	if b := got["avg_score"]; b.MaxMultiplier != 1.2 || b.Ceiling != 100 {
		t.Fatalf("avg_score bound: got=%+v", b)
	}
}
