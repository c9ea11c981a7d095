package domain

// Severity is the tier of a detected anomaly.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// AnomalyType tags the detector that produced a result.
type AnomalyType string

const (
	AnomalyTimeGap      AnomalyType = "TIME_GAP_ANOMALY"
	AnomalyLocation     AnomalyType = "LOCATION_ANOMALY"
	AnomalyCompleteness AnomalyType = "DATA_COMPLETENESS_ANOMALY"
	AnomalyDuplicate    AnomalyType = "DUPLICATE_ANOMALY"
	AnomalyActor        AnomalyType = "ACTOR_BEHAVIOR_ANOMALY"
	AnomalyCustomRule   AnomalyType = "CUSTOM_RULE"
)

// AnomalyDetail is one piece of evidence recorded by a detector.
// Each detector fills the fields relevant to it.
type AnomalyDetail struct {
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Duration  string   `json:"duration,omitempty"`
	Location  string   `json:"location,omitempty"`
	Stage     string   `json:"stage,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Actor     string   `json:"actor,omitempty"`
	Stages    []string `json:"stages,omitempty"`
	Rule      string   `json:"rule,omitempty"`
	Issue     string   `json:"issue"`
}

// DetectionResult is the output of a single detector.
type DetectionResult struct {
	AnomalyDetected bool            `json:"anomalyDetected"`
	Type            AnomalyType     `json:"type"`
	Severity        Severity        `json:"severity"`
	Details         []AnomalyDetail `json:"details"`
	Description     string          `json:"description"`

	// Weight is the score contribution when the anomaly is detected.
	Weight int `json:"weight"`
}

// Clone returns a copy that shares no slices with r.
func (r DetectionResult) Clone() DetectionResult {
	c := r
	if r.Details != nil {
		c.Details = make([]AnomalyDetail, len(r.Details))
		for i, d := range r.Details {
			if d.Stages != nil {
				d.Stages = append([]string(nil), d.Stages...)
			}
			c.Details[i] = d
		}
	}
	return c
}
