package http

import (
	"bytes"
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	httpH "github.com/yungbote/neurobridge-risk/internal/http/handlers"
	"github.com/yungbote/neurobridge-risk/internal/http/response"
	"github.com/yungbote/neurobridge-risk/internal/inference/engine/mock"
	"github.com/yungbote/neurobridge-risk/internal/observability"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/risk/advice"
	"github.com/yungbote/neurobridge-risk/internal/risk/escalation"
	"github.com/yungbote/neurobridge-risk/internal/risk/knowledge"
	"github.com/yungbote/neurobridge-risk/internal/risk/pipeline"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot/snapshottest"
)

func newTestRouter(t *testing.T, holder *snapshot.Holder) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	corpus := knowledge.DefaultCorpus()
	ret := knowledge.NewRetriever(logger.Nop(), 3)
	if err := ret.Rebuild(context.Background(), corpus, knowledge.FitTFIDF(knowledge.Documents(corpus), 0), knowledge.NewMemoryIndex()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	policy, err := escalation.NewPolicy(escalation.DefaultThresholds())
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	metrics := observability.New()
	pipe := pipeline.New(logger.Nop(), pipeline.Deps{
		Snapshots: holder,
		Retriever: ret,
		Advisor:   advice.New(logger.Nop(), mock.New(), advice.Config{Timeout: time.Second}),
		Policy:    policy,
		Metrics:   metrics,
	}, pipeline.Config{BatchMaxItems: 3})
	return NewRouter(RouterConfig{
		Log:               logger.Nop(),
		Metrics:           metrics,
		RequestTimeout:    10 * time.Second,
		MaxRequestBytes:   1 << 20,
		HealthHandler:     httpH.NewHealthHandler(holder),
		AssessmentHandler: httpH.NewAssessmentHandler(pipe),
		ModelHandler:      httpH.NewModelHandler(holder),
	})
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) response.APIError {
	t.Helper()
	var env response.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v body=%s", err, rec.Body.String())
	}
	return env.Error
}

func assessBody(learner string, fv map[string]any) map[string]any {
	return map[string]any{"learner_id": learner, "cohort_key": snapshottest.Cohort, "feature_vector": fv}
}

func TestHealthAndReady(t *testing.T) {
	r := newTestRouter(t, snapshot.NewHolder(snapshottest.Snapshot(t)))
	if rec := do(r, nethttp.MethodGet, "/healthcheck", nil); rec.Code != nethttp.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthcheck: code=%d body=%q", rec.Code, rec.Body.String())
	}
	if rec := do(r, nethttp.MethodGet, "/readyz", nil); rec.Code != nethttp.StatusOK {
		t.Fatalf("readyz: want=200 got=%d", rec.Code)
	}
	r = newTestRouter(t, snapshot.NewHolder(nil))
	if rec := do(r, nethttp.MethodGet, "/readyz", nil); rec.Code != nethttp.StatusServiceUnavailable {
		t.Fatalf("readyz without snapshot: want=503 got=%d", rec.Code)
	}
}

func TestAssessEndpoint(t *testing.T) {
	r := newTestRouter(t, snapshot.NewHolder(snapshottest.Snapshot(t)))
	rec := do(r, nethttp.MethodPost, "/api/assessments", assessBody("l-risk", snapshottest.AtRiskLearner()))
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status: want=200 got=%d body=%s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"risk_assessment", "explanation", "counterfactual_plan", "tier", "narrative_text", "cited_knowledge_entries", "partial"} {
		if _, ok := got[key]; !ok {
			t.Fatalf("response missing %q: %s", key, rec.Body.String())
		}
	}
	if got["tier"] != "critical" || got["partial"] != false {
		t.Fatalf("tier/partial: got tier=%v partial=%v", got["tier"], got["partial"])
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing X-Request-Id header")
	}
}

func TestAssessEndpointColdStartHasNullExplanation(t *testing.T) {
	r := newTestRouter(t, snapshot.NewHolder(snapshottest.Snapshot(t)))
	rec := do(r, nethttp.MethodPost, "/api/assessments", assessBody("l-new", snapshottest.NewLearner()))
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status: want=200 got=%d body=%s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got["explanation"] != nil || got["counterfactual_plan"] != nil {
		t.Fatalf("cold start: want null explanation and plan got=%v / %v", got["explanation"], got["counterfactual_plan"])
	}
	ra, _ := got["risk_assessment"].(map[string]any)
	if ra["source"] != "cold_start" {
		t.Fatalf("source: want=cold_start got=%v", ra["source"])
	}
}

func TestAssessEndpointErrors(t *testing.T) {
	r := newTestRouter(t, snapshot.NewHolder(snapshottest.Snapshot(t)))
	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"bad json", `{"learner_id":`, nethttp.StatusBadRequest, "malformed_request"},
		{"missing learner", map[string]any{"cohort_key": snapshottest.Cohort, "feature_vector": snapshottest.AtRiskLearner()}, nethttp.StatusBadRequest, "malformed_request"},
		{"bad feature", assessBody("l1", map[string]any{"avg_score": "lots"}), nethttp.StatusBadRequest, "malformed_request"},
		{"unknown cohort", map[string]any{"learner_id": "l1", "cohort_key": "ZZZ-1999A", "feature_vector": snapshottest.AtRiskLearner()}, nethttp.StatusUnprocessableEntity, "missing_cohort_stats"},
	}
	for _, tc := range cases {
		rec := do(r, nethttp.MethodPost, "/api/assessments", tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: status want=%d got=%d body=%s", tc.name, tc.status, rec.Code, rec.Body.String())
		}
		if tc.code != "" {
			if e := decodeError(t, rec); e.Code != tc.code || e.Message == "" {
				t.Fatalf("%s: error want code=%s got=%+v", tc.name, tc.code, e)
			}
		}
	}
}

func TestSnapshotUnavailable(t *testing.T) {
	r := newTestRouter(t, snapshot.NewHolder(nil))
	rec := do(r, nethttp.MethodPost, "/api/assessments", assessBody("l1", snapshottest.AtRiskLearner()))
	if rec.Code != nethttp.StatusServiceUnavailable {
		t.Fatalf("status: want=503 got=%d", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "snapshot_unavailable" {
		t.Fatalf("code: want=snapshot_unavailable got=%s", e.Code)
	}
	if rec := do(r, nethttp.MethodGet, "/api/model", nil); rec.Code != nethttp.StatusServiceUnavailable {
		t.Fatalf("model: want=503 got=%d", rec.Code)
	}
}

func TestChatRequiresQueryText(t *testing.T) {
	r := newTestRouter(t, snapshot.NewHolder(snapshottest.Snapshot(t)))
	rec := do(r, nethttp.MethodPost, "/api/chat", assessBody("l1", snapshottest.AtRiskLearner()))
	if rec.Code != nethttp.StatusBadRequest {
		t.Fatalf("status: want=400 got=%d", rec.Code)
	}
	body := assessBody("l1", snapshottest.AtRiskLearner())
	body["query_text"] = "how do I catch up on missed assignments?"
	rec = do(r, nethttp.MethodPost, "/api/chat", body)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status: want=200 got=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestBatchEndpoint(t *testing.T) {
	r := newTestRouter(t, snapshot.NewHolder(snapshottest.Snapshot(t)))
	rec := do(r, nethttp.MethodPost, "/api/assessments/batch", map[string]any{"requests": []any{
		assessBody("a", snapshottest.ThrivingLearner()),
		assessBody("b", map[string]any{"avg_score": "?"}),
	}})
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status: want=200 got=%d body=%s", rec.Code, rec.Body.String())
	}
	var got struct {
		Results []pipeline.BatchItem `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Results) != 2 || got.Results[0].Intervention == nil || got.Results[1].Error == nil {
		t.Fatalf("results: got=%+v", got.Results)
	}

	four := []any{}
	for i := 0; i < 4; i++ {
		four = append(four, assessBody("x", snapshottest.NewLearner()))
	}
	rec = do(r, nethttp.MethodPost, "/api/assessments/batch", map[string]any{"requests": four})
	if rec.Code != nethttp.StatusBadRequest {
		t.Fatalf("oversized batch: want=400 got=%d", rec.Code)
	}
}

func TestModelAndMetricsEndpoints(t *testing.T) {
	r := newTestRouter(t, snapshot.NewHolder(snapshottest.Snapshot(t)))
	rec := do(r, nethttp.MethodGet, "/api/model", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("model: want=200 got=%d", rec.Code)
	}
	var sum snapshot.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Version != snapshottest.Version {
		t.Fatalf("version: want=%s got=%s", snapshottest.Version, sum.Version)
	}

	_ = do(r, nethttp.MethodPost, "/api/assessments", assessBody("l-ok", snapshottest.ThrivingLearner()))
	rec = do(r, nethttp.MethodGet, "/metrics", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("metrics: want=200 got=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "risk_assessments_total") {
		t.Fatalf("metrics missing assessment series:\n%s", rec.Body.String())
	}
}
