// Package analyzer is the entry point for scoring item histories. It runs
// the detector set, aggregates a decision, and applies the result to the
// shared ledger.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/provenance/internal/decision"
	"github.com/opensource-finance/provenance/internal/domain"
	"github.com/opensource-finance/provenance/internal/ledger"
	"github.com/opensource-finance/provenance/internal/metrics"
	"github.com/opensource-finance/provenance/internal/rules"
)

// EvaluationCacheTTL is how long evaluation results stay in the cache.
const EvaluationCacheTTL = 5 * time.Minute

var (
	// ErrMissingItemID is returned when an evaluation has no item id.
	ErrMissingItemID = errors.New("item id is required")

	// ErrEvaluationFailed wraps an unexpected failure inside the detectors.
	ErrEvaluationFailed = errors.New("evaluation failed")
)

// Analyzer owns the scoring pipeline. It is safe for concurrent use.
type Analyzer struct {
	engine    *rules.Engine
	processor *decision.Processor
	ledger    *ledger.Ledger

	// Optional audit store and cache; nil disables them.
	repo  domain.Repository
	cache domain.Cache
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRepository records every evaluation in repo.
func WithRepository(repo domain.Repository) Option {
	return func(a *Analyzer) { a.repo = repo }
}

// WithCache writes every evaluation through to cache.
func WithCache(cache domain.Cache) Option {
	return func(a *Analyzer) { a.cache = cache }
}

// New creates an analyzer over the given engine, processor and ledger.
func New(engine *rules.Engine, processor *decision.Processor, l *ledger.Ledger, opts ...Option) *Analyzer {
	a := &Analyzer{
		engine:    engine,
		processor: processor,
		ledger:    l,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Evaluate scores a history and applies the result to the ledger.
// Calling it twice with the same history counts the history twice.
func (a *Analyzer) Evaluate(ctx context.Context, itemID string, history []domain.Event) (*domain.RiskResult, error) {
	result, err := a.Assess(ctx, itemID, history)
	if err != nil {
		return nil, err
	}

	a.ledger.Record(history, result)
	metrics.SetLedgerSize(a.ledger.Stats())

	a.persist(ctx, result)

	slog.Debug("history evaluated",
		"item_id", itemID,
		"risk_score", result.RiskScore,
		"is_flagged", result.IsFlagged,
		"anomalies", len(result.Anomalies),
		"duration_ms", result.Metadata.TotalMs,
	)
	if result.IsFlagged {
		slog.Info("item flagged",
			"item_id", itemID,
			"risk_score", result.RiskScore,
			"anomaly_types", result.AnomalyTypes(),
			"reasons", decision.GetReasons(result),
		)
	}

	return result, nil
}

// Assess scores a history without touching the ledger.
func (a *Analyzer) Assess(ctx context.Context, itemID string, history []domain.Event) (result *domain.RiskResult, err error) {
	// The HTTP handler and the worker reject a missing id before calling
	// in; this guards direct library callers.
	if itemID == "" {
		return nil, ErrMissingItemID
	}

	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("detector panic recovered", "item_id", itemID, "error", r)
			result = nil
			err = fmt.Errorf("%w: %v", ErrEvaluationFailed, r)
		}
	}()

	results := a.engine.EvaluateAll(history)
	detectMs := time.Since(start).Milliseconds()

	result = a.processor.Process(&decision.DecisionInput{
		ProductID:  itemID,
		TraceID:    traceID(ctx),
		Results:    results,
		EventCount: len(history),
		DetectMs:   detectMs,
		StartTime:  start,
	})

	metrics.ObserveEvaluation(result, time.Since(start))
	return result, nil
}

// ListFlagged returns a snapshot of flagged items in first-flagged order.
func (a *Analyzer) ListFlagged() []*domain.RiskResult {
	return a.ledger.Flagged()
}

// GetAnalytics returns the participant's record, or a zero record.
func (a *Analyzer) GetAnalytics(address string) domain.SupplierAnalytics {
	return a.ledger.Analytics(address)
}

// Reset clears the ledger and the flagged registry.
func (a *Analyzer) Reset() {
	a.ledger.Reset()
	metrics.LedgerResetsTotal.Inc()
	metrics.SetLedgerSize(0, 0)
	slog.Info("ledger reset")
}

// Engine exposes the rule engine for custom rule management.
func (a *Analyzer) Engine() *rules.Engine {
	return a.engine
}

// Threshold returns the configured flag threshold.
func (a *Analyzer) Threshold() int {
	return a.processor.RiskThreshold
}

// persist writes the result to the audit store and cache. Failures are
// logged and never fail the evaluation.
func (a *Analyzer) persist(ctx context.Context, result *domain.RiskResult) {
	if a.repo != nil {
		if err := a.repo.SaveEvaluation(ctx, result); err != nil {
			slog.Error("failed to save evaluation", "evaluation_id", result.EvaluationID, "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.SetEvaluation(ctx, result, EvaluationCacheTTL); err != nil {
			slog.Warn("failed to cache evaluation", "evaluation_id", result.EvaluationID, "error", err)
		}
	}
}

// traceID prefers the id set by the caller, then the active span's.
func traceID(ctx context.Context) string {
	if id := domain.TraceIDFrom(ctx); id != "" {
		return id
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.TraceID().IsValid() {
		return sc.TraceID().String()
	}
	return ""
}
