package domain

import (
	"time"
)

// RiskResult is the complete output of one evaluation of an item history.
type RiskResult struct {
	EvaluationID   string            `json:"evaluationId"`
	ProductID      string            `json:"productId"`
	RiskScore      int               `json:"riskScore"`
	IsFlagged      bool              `json:"isFlagged"`
	Anomalies      []DetectionResult `json:"anomalies"`
	Recommendation string            `json:"recommendation"`
	Timestamp      time.Time         `json:"timestamp"`

	// Processing metadata
	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID            string `json:"traceId,omitempty"`
	EventsEvaluated    int    `json:"eventsEvaluated"`
	DetectorsEvaluated int    `json:"detectorsEvaluated"`
	DetectMs           int64  `json:"detectMs"`
	TotalMs            int64  `json:"totalMs"`
	EngineVersion      string `json:"engineVersion"`
}

// Clone returns a deep copy of r.
func (r *RiskResult) Clone() *RiskResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Anomalies = make([]DetectionResult, len(r.Anomalies))
	for i, a := range r.Anomalies {
		c.Anomalies[i] = a.Clone()
	}
	return &c
}

// AnomalyTypes lists the type tags of the triggered detectors.
func (r *RiskResult) AnomalyTypes() []AnomalyType {
	types := make([]AnomalyType, 0, len(r.Anomalies))
	for _, a := range r.Anomalies {
		types = append(types, a.Type)
	}
	return types
}
