// Package decision turns detector results into a scored, flagged and
// recommended risk result.
package decision

import (
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/provenance/internal/domain"
)

// EngineVersion is stamped on every evaluation.
const EngineVersion = "provenance-1.0"

// MaxScore bounds the aggregate risk score.
const MaxScore = 100

// Recommendation texts by score band.
const (
	RecommendImmediate = "IMMEDIATE ACTION REQUIRED: Product should be recalled and investigated"
	RecommendHigh      = "HIGH RISK: Flag product and investigate before allowing sale"
	RecommendMedium    = "MEDIUM RISK: Monitor closely and verify with participants"
	RecommendLow       = "LOW RISK: Product appears authentic"
)

// Processor aggregates detector results and produces a final decision.
type Processor struct {
	// RiskThreshold is the score at or above which an item is flagged.
	RiskThreshold int
}

// NewProcessor creates a processor with the default threshold.
func NewProcessor() *Processor {
	return &Processor{
		RiskThreshold: domain.DefaultRiskThreshold,
	}
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	ProductID  string
	TraceID    string
	Results    []domain.DetectionResult
	EventCount int
	DetectMs   int64
	StartTime  time.Time
}

// Process scores the triggered detectors and builds the risk result.
// Only triggered detectors appear in the result's anomalies.
func (p *Processor) Process(input *DecisionInput) *domain.RiskResult {
	anomalies := make([]domain.DetectionResult, 0, len(input.Results))
	for _, r := range input.Results {
		if r.AnomalyDetected {
			anomalies = append(anomalies, r)
		}
	}

	score := Score(anomalies)

	result := &domain.RiskResult{
		EvaluationID:   uuid.New().String(),
		ProductID:      input.ProductID,
		RiskScore:      score,
		IsFlagged:      p.ShouldFlag(score),
		Anomalies:      anomalies,
		Recommendation: Recommendation(score),
		Timestamp:      time.Now().UTC(),
	}

	var totalMs int64
	if !input.StartTime.IsZero() {
		totalMs = time.Since(input.StartTime).Milliseconds()
	}

	result.Metadata = domain.EvaluationMetadata{
		TraceID:            input.TraceID,
		EventsEvaluated:    input.EventCount,
		DetectorsEvaluated: len(input.Results),
		DetectMs:           input.DetectMs,
		TotalMs:            totalMs,
		EngineVersion:      EngineVersion,
	}

	return result
}

// ShouldFlag reports whether score crosses the flag threshold.
func (p *Processor) ShouldFlag(score int) bool {
	return score >= p.RiskThreshold
}

// Score sums the weights of triggered detectors, clamped to [0, MaxScore].
func Score(results []domain.DetectionResult) int {
	total := 0
	for _, r := range results {
		if r.AnomalyDetected && r.Weight > 0 {
			total += r.Weight
		}
	}
	if total > MaxScore {
		return MaxScore
	}
	return total
}

// Recommendation maps a score to its action band.
func Recommendation(score int) string {
	switch {
	case score >= 80:
		return RecommendImmediate
	case score >= 70:
		return RecommendHigh
	case score >= 40:
		return RecommendMedium
	default:
		return RecommendLow
	}
}

// GetReasons extracts human-readable reasons from a result.
func GetReasons(result *domain.RiskResult) []string {
	var reasons []string
	for _, a := range result.Anomalies {
		if a.Description != "" {
			reasons = append(reasons, a.Description)
		}
	}
	return reasons
}
