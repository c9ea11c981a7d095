package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/provenance/internal/analyzer"
	"github.com/opensource-finance/provenance/internal/decision"
	"github.com/opensource-finance/provenance/internal/domain"
	"github.com/opensource-finance/provenance/internal/repository"
	"github.com/opensource-finance/provenance/internal/worker"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "anomaly-detection"

// Handler holds dependencies for API handlers.
type Handler struct {
	analyzer *analyzer.Analyzer
	repo     domain.Repository
	cache    domain.Cache
	version  string

	// Optional async worker reported by /ready.
	worker *worker.Worker
}

// NewHandler creates a new API handler.
func NewHandler(a *analyzer.Analyzer, repo domain.Repository, cache domain.Cache, version string) *Handler {
	return &Handler{
		analyzer: a,
		repo:     repo,
		cache:    cache,
		version:  version,
	}
}

// AnalyzeRequest is the request body for POST /api/analyze-risk.
type AnalyzeRequest struct {
	ProductID      string         `json:"productId"`
	ProductHistory []domain.Event `json:"productHistory"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// AnalyzeRisk handles POST /api/analyze-risk.
func (h *Handler) AnalyzeRisk(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	// An empty array is a valid history; absent or null is not.
	if req.ProductID == "" || req.ProductHistory == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "Missing required fields: productId, productHistory",
		})
		return
	}

	result, err := h.analyzer.Evaluate(r.Context(), req.ProductID, req.ProductHistory)
	if err != nil {
		slog.Error("risk analysis failed", "item_id", req.ProductID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "Internal server error",
			Message: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// FlaggedProducts handles GET /api/flagged-products.
func (h *Handler) FlaggedProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"flaggedProducts": h.analyzer.ListFlagged(),
	})
}

// SupplierAnalytics handles GET /api/supplier-analytics/{address}.
func (h *Handler) SupplierAnalytics(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	writeJSON(w, http.StatusOK, h.analyzer.GetAnalytics(address))
}

// ClearCache handles POST /api/clear-cache. It resets the in-memory ledger
// and flagged registry; the audit store is untouched.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.analyzer.Reset()
	writeJSON(w, http.StatusOK, messageResponse{Message: "Cache cleared successfully"})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"service": ServiceName,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ready":     true,
		"detectors": h.analyzer.Engine().DetectorCount(),
		"threshold": h.analyzer.Threshold(),
	}
	if h.worker != nil {
		resp["worker"] = h.worker.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetEvaluation retrieves an evaluation by ID, reading through the cache.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	evalID := chi.URLParam(r, "id")

	if h.cache != nil {
		cached, err := h.cache.GetEvaluation(ctx, evalID)
		if err != nil {
			slog.Warn("cache read failed", "evaluation_id", evalID, "error", err)
		}
		if cached != nil {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "repository not available"})
		return
	}

	eval, err := h.repo.GetEvaluation(ctx, evalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "evaluation not found"})
			return
		}
		slog.Error("failed to get evaluation", "evaluation_id", evalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}

	if h.cache != nil {
		if err := h.cache.SetEvaluation(ctx, eval, analyzer.EvaluationCacheTTL); err != nil {
			slog.Warn("failed to cache evaluation", "evaluation_id", evalID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, eval)
}

// ListProductEvaluations returns the stored evaluations of one item,
// newest first. The optional limit query parameter caps the result.
func (h *Handler) ListProductEvaluations(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "repository not available"})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	evals, err := h.repo.ListEvaluationsByProduct(r.Context(), productID, limit)
	if err != nil {
		slog.Error("failed to list evaluations", "item_id", productID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"productId":   productID,
		"evaluations": evals,
		"count":       len(evals),
	})
}

// ListRules returns the expression rules loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.analyzer.Engine().GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.analyzer.Engine().GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, errorResponse{Error: "rule not found"})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Expression  string          `json:"expression"`
	Weight      int             `json:"weight"`
	Severity    domain.Severity `json:"severity,omitempty"`
	Enabled     bool            `json:"enabled"`
}

// CreateRule validates a rule and saves it to the repository. Without a
// repository the rule is loaded straight into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id, name, and expression are required"})
		return
	}
	if req.Weight < 0 || req.Weight > decision.MaxScore {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "weight must be between 0 and 100"})
		return
	}
	if req.Severity == "" {
		req.Severity = domain.SeverityMedium
	}

	rule := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Weight:      req.Weight,
		Severity:    req.Severity,
		Enabled:     req.Enabled,
	}

	engine := h.analyzer.Engine()
	if err := engine.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid CEL expression", Message: err.Error()})
		return
	}

	if h.repo == nil {
		if rule.Enabled {
			if err := engine.LoadRule(rule); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid CEL expression", Message: err.Error()})
				return
			}
		}
		slog.Info("rule loaded", "rule_id", rule.ID, "name", rule.Name)
		writeJSON(w, http.StatusCreated, map[string]any{
			"rule":    rule,
			"message": "Rule loaded into the engine.",
		})
		return
	}

	if err := h.repo.SaveRuleConfig(r.Context(), rule); err != nil {
		slog.Error("failed to save rule config", "rule_id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to save rule"})
		return
	}

	slog.Info("rule created", "rule_id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /api/rules/reload to apply changes.",
	})
}

// ReloadRules replaces the engine's expression rules with the enabled
// rules in the repository.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "repository not available"})
		return
	}

	stored, err := h.repo.ListRuleConfigs(r.Context())
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load rules from database"})
		return
	}

	if err := h.analyzer.Engine().ReloadRules(stored); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to reload rules", Message: err.Error()})
		return
	}

	slog.Info("rules reloaded from database", "count", len(stored))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(stored),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
