package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/provenance/internal/analyzer"
	"github.com/opensource-finance/provenance/internal/bus"
	"github.com/opensource-finance/provenance/internal/cache"
	"github.com/opensource-finance/provenance/internal/decision"
	"github.com/opensource-finance/provenance/internal/domain"
	"github.com/opensource-finance/provenance/internal/ledger"
	"github.com/opensource-finance/provenance/internal/repository"
	"github.com/opensource-finance/provenance/internal/rules"
	"github.com/opensource-finance/provenance/internal/worker"
)

var testServerConfig = domain.ServerConfig{
	Host:         "localhost",
	Port:         5000,
	ReadTimeout:  30,
	WriteTimeout: 30,
}

func newAnalyzer(t *testing.T, opts ...analyzer.Option) *analyzer.Analyzer {
	t.Helper()
	engine, err := rules.NewEngine(rules.Options{})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return analyzer.New(engine, decision.NewProcessor(), ledger.New(), opts...)
}

// createTestServer creates a server with no audit store.
func createTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(testServerConfig, newAnalyzer(t), nil, nil, "test-v1")
}

// createStoredServer creates a server backed by a temp sqlite file and an
// in-memory cache.
func createStoredServer(t *testing.T) (*Server, *repository.SQLRepository, *cache.LRUCache) {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c := cache.NewLRUCache(100)
	a := newAnalyzer(t, analyzer.WithRepository(repo), analyzer.WithCache(c))
	return NewServer(testServerConfig, a, repo, c, "test-v1"), repo, c
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func analyze(t *testing.T, s *Server, productID string, history []domain.Event) domain.RiskResult {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"productId": productID, "productHistory": history})
	rr := do(t, s, http.MethodPost, "/api/analyze-risk", string(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var result domain.RiskResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return result
}

func badHistory() []domain.Event {
	return []domain.Event{
		{Stage: 0, Timestamp: 100, Location: "Atlantis", Actor: "0xbad"},
		{Stage: 0, Timestamp: 100, Location: "Atlantis", Actor: "0xbad"},
		{Stage: 1, Timestamp: 200, Location: "", Actor: "0xbad"},
	}
}

func TestAnalyzeRiskEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("FastTransition", func(t *testing.T) {
		body := `{"productId":"P1","productHistory":[
			{"stage":0,"timestamp":0,"location":"Mumbai","actor":"A"},
			{"stage":1,"timestamp":1800,"location":"Mumbai","actor":"A"}]}`
		rr := do(t, server, http.MethodPost, "/api/analyze-risk", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var result domain.RiskResult
		if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if result.ProductID != "P1" {
			t.Errorf("expected productId P1, got %s", result.ProductID)
		}
		if result.RiskScore != 25 || result.IsFlagged {
			t.Errorf("expected score 25 unflagged, got %d flagged %v", result.RiskScore, result.IsFlagged)
		}
		if len(result.Anomalies) != 1 || result.Anomalies[0].Type != domain.AnomalyTimeGap {
			t.Errorf("expected one TIME_GAP anomaly, got %v", result.AnomalyTypes())
		}
		if result.Recommendation != decision.RecommendLow {
			t.Errorf("unexpected recommendation %q", result.Recommendation)
		}
		if result.EvaluationID == "" {
			t.Error("expected evaluationId")
		}
		if result.Metadata.TraceID != rr.Header().Get(TraceIDHeader) {
			t.Errorf("expected trace id %q in metadata, got %q", rr.Header().Get(TraceIDHeader), result.Metadata.TraceID)
		}
	})

	t.Run("EmptyHistoryIsValid", func(t *testing.T) {
		result := analyze(t, server, "P-empty", []domain.Event{})
		if result.RiskScore != 0 || len(result.Anomalies) != 0 {
			t.Errorf("expected clean result, got %d", result.RiskScore)
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		bodies := map[string]string{
			"NoProductID":   `{"productHistory":[]}`,
			"EmptyID":       `{"productId":"","productHistory":[]}`,
			"NoHistory":     `{"productId":"P2"}`,
			"NullHistory":   `{"productId":"P2","productHistory":null}`,
			"InvalidJSON":   `not-json`,
			"HistoryNotArr": `{"productId":"P2","productHistory":"x"}`,
		}
		for name, body := range bodies {
			t.Run(name, func(t *testing.T) {
				rr := do(t, server, http.MethodPost, "/api/analyze-risk", body)
				if rr.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d", rr.Code)
				}
			})
		}

		rr := do(t, server, http.MethodGet, "/api/flagged-products", "")
		if strings.Contains(rr.Body.String(), "P2") {
			t.Error("rejected request must not reach the registry")
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/api/analyze-risk", `{"productId":"P3","productHistory":[]}`)

		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestFlaggedAndAnalyticsEndpoints(t *testing.T) {
	server := createTestServer(t)

	flagged := analyze(t, server, "P-bad", badHistory())
	if !flagged.IsFlagged || flagged.RiskScore != 100 {
		t.Fatalf("expected flagged score 100, got %d", flagged.RiskScore)
	}
	if flagged.Recommendation != decision.RecommendImmediate {
		t.Errorf("unexpected recommendation %q", flagged.Recommendation)
	}

	t.Run("FlaggedProducts", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/api/flagged-products", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			FlaggedProducts []domain.RiskResult `json:"flaggedProducts"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if len(resp.FlaggedProducts) != 1 || resp.FlaggedProducts[0].ProductID != "P-bad" {
			t.Errorf("expected P-bad flagged, got %+v", resp.FlaggedProducts)
		}
	})

	t.Run("SupplierAnalytics", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/api/supplier-analytics/0xbad", "")
		var got domain.SupplierAnalytics
		if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if got.TotalProducts != 3 || got.FlaggedProducts != 3 {
			t.Errorf("expected 3/3, got %d/%d", got.TotalProducts, got.FlaggedProducts)
		}
		if len(got.Stages) != 2 {
			t.Errorf("expected 2 stages, got %v", got.Stages)
		}
	})

	t.Run("UnknownSupplier", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/api/supplier-analytics/0xnobody", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var got map[string]any
		json.Unmarshal(rr.Body.Bytes(), &got)
		if got["address"] != "0xnobody" || got["totalProducts"] != float64(0) {
			t.Errorf("expected zero record, got %v", got)
		}
		if stages, ok := got["stages"].([]any); !ok || len(stages) != 0 {
			t.Errorf("expected empty stages array, got %v", got["stages"])
		}
	})

	t.Run("ClearCache", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/api/clear-cache", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodGet, "/api/flagged-products", "")
		var resp struct {
			FlaggedProducts []domain.RiskResult `json:"flaggedProducts"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.FlaggedProducts == nil || len(resp.FlaggedProducts) != 0 {
			t.Errorf("expected empty list after reset, got %s", rr.Body.String())
		}

		rr = do(t, server, http.MethodGet, "/api/supplier-analytics/0xbad", "")
		var got domain.SupplierAnalytics
		json.Unmarshal(rr.Body.Bytes(), &got)
		if got.TotalProducts != 0 {
			t.Errorf("expected analytics cleared, got %d", got.TotalProducts)
		}
	})
}

func TestEvaluationEndpoints(t *testing.T) {
	server, _, c := createStoredServer(t)

	first := analyze(t, server, "P-audit", badHistory())
	second := analyze(t, server, "P-audit", []domain.Event{})

	t.Run("GetFromCache", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/api/evaluations/"+first.EvaluationID, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var got domain.RiskResult
		json.Unmarshal(rr.Body.Bytes(), &got)
		if got.RiskScore != 100 || got.ProductID != "P-audit" {
			t.Errorf("unexpected evaluation %+v", got)
		}
	})

	t.Run("GetFromRepository", func(t *testing.T) {
		c.Close()

		rr := do(t, server, http.MethodGet, "/api/evaluations/"+second.EvaluationID, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if cached, _ := c.GetEvaluation(t.Context(), second.EvaluationID); cached == nil {
			t.Error("expected repository read to repopulate the cache")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/api/evaluations/does-not-exist", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListByProduct", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/api/products/P-audit/evaluations", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Count       int                 `json:"count"`
			Evaluations []domain.RiskResult `json:"evaluations"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 2 || len(resp.Evaluations) != 2 {
			t.Errorf("expected 2 evaluations, got %d", resp.Count)
		}

		rr = do(t, server, http.MethodGet, "/api/products/P-audit/evaluations?limit=1", "")
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected limit to apply, got %d", resp.Count)
		}
	})

	t.Run("InvalidLimit", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/api/products/P-audit/evaluations?limit=zero", "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NoRepository", func(t *testing.T) {
		plain := createTestServer(t)
		rr := do(t, plain, http.MethodGet, "/api/evaluations/anything", "")
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server, _, _ := createStoredServer(t)

	rule := `{"id":"many-actors","name":"Many Actors","expression":"actor_count > 3","weight":40,"enabled":true}`

	t.Run("CreateAndReload", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/api/rules", rule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = do(t, server, http.MethodGet, "/api/rules", "")
		var list struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &list)
		if list.Count != 0 {
			t.Errorf("expected rule inactive before reload, got %d", list.Count)
		}

		rr = do(t, server, http.MethodPost, "/api/rules/reload", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = do(t, server, http.MethodGet, "/api/rules/many-actors", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected loaded rule, got %d", rr.Code)
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/api/rules",
			`{"id":"bad","name":"Bad","expression":"actor_count >","weight":10,"enabled":true}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/api/rules", `{"id":"x"}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("WeightOutOfRange", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/api/rules",
			`{"id":"heavy","name":"Heavy","expression":"event_count > 0","weight":101,"enabled":true}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownRule", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/api/rules/nope", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("LoadsDirectlyWithoutRepository", func(t *testing.T) {
		plain := createTestServer(t)
		rr := do(t, plain, http.MethodPost, "/api/rules", rule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rr.Code)
		}
		if rr := do(t, plain, http.MethodGet, "/api/rules/many-actors", ""); rr.Code != http.StatusOK {
			t.Errorf("expected rule loaded, got %d", rr.Code)
		}
		if rr := do(t, plain, http.MethodPost, "/api/rules/reload", ""); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503 for reload, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["service"] != "anomaly-detection" {
			t.Errorf("expected service 'anomaly-detection', got '%s'", resp["service"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/ready", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if _, ok := resp["worker"]; ok {
			t.Error("expected no worker stats without an async worker")
		}
	})

	t.Run("ReadyReportsWorker", func(t *testing.T) {
		b := bus.NewChannelBus(16)
		defer b.Close()

		srv := createTestServer(t)
		w := worker.NewWorker(b, newAnalyzer(t))
		if err := w.Start(); err != nil {
			t.Fatalf("failed to start worker: %v", err)
		}
		defer w.Stop()
		srv.SetWorker(w)

		rr := do(t, srv, http.MethodGet, "/ready", "")

		var resp struct {
			Worker worker.Stats `json:"worker"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode ready response: %v", err)
		}
		if resp.Worker.SubscriptionCount != 1 || len(resp.Worker.Topics) != 1 || resp.Worker.Topics[0] != domain.TopicHistorySubmitted {
			t.Errorf("unexpected worker stats %+v", resp.Worker)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		do(t, server, http.MethodGet, "/health", "")
		rr := do(t, server, http.MethodGet, "/metrics", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "provenance_http_requests_total") {
			t.Error("expected http request counter in metrics output")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsIDs", func(t *testing.T) {
		var requestID, traceID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID = GetRequestID(r.Context())
			traceID = domain.TraceIDFrom(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if requestID != "req-123" {
			t.Errorf("expected request id req-123, got %q", requestID)
		}
		if traceID == "" {
			t.Error("expected trace id in context")
		}
		if rr.Header().Get(RequestIDHeader) != "req-123" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight must not reach the handler")
		}))

		req := httptest.NewRequest(http.MethodOptions, "/api/analyze-risk", nil)
		req.Header.Set("Origin", "http://dashboard.local")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "http://dashboard.local" {
			t.Errorf("unexpected allow origin %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
