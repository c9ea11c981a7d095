package domain

// RuleConfig defines an operator-supplied expression detector.
// The expression is CEL and must evaluate to a bool over the history
// summary variables exposed by the rule engine.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression"`

	// Score contribution when the expression is true
	Weight int `json:"weight"`

	Severity Severity `json:"severity"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}
