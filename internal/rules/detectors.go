package rules

import (
	"fmt"
	"time"

	"github.com/opensource-finance/provenance/internal/domain"
)

// MinTransitionSeconds is the shortest plausible gap between two stages.
const MinTransitionSeconds = 3600

// maxStepsPerActor is the most events one actor may account for in a
// single item's history before being reported.
const maxStepsPerActor = 2

// LocationValidator decides whether a location label is recognised.
type LocationValidator interface {
	Valid(location string) bool
}

// LocationFunc adapts a function to LocationValidator.
type LocationFunc func(location string) bool

// Valid implements LocationValidator.
func (f LocationFunc) Valid(location string) bool { return f(location) }

// AllowList is a static set of recognised location names mapped to their
// region. It stands in for a geocoding service.
type AllowList map[string]string

// Valid implements LocationValidator.
func (a AllowList) Valid(location string) bool {
	_, ok := a[location]
	return ok
}

// DefaultLocations returns the built-in allow-list.
func DefaultLocations() AllowList {
	return AllowList{
		"Mumbai":    "West India",
		"Delhi":     "North India",
		"Bangalore": "South India",
		"Chennai":   "South India",
		"Kolkata":   "East India",
		"Hyderabad": "South India",
		"Pune":      "West India",
		"System":    "System",
	}
}

// DetectTimeGaps reports consecutive events that are implausibly close
// together or further apart than warnSeconds.
func DetectTimeGaps(history []domain.Event, warnSeconds int64) domain.DetectionResult {
	result := domain.DetectionResult{
		Type:        domain.AnomalyTimeGap,
		Severity:    domain.SeverityMedium,
		Description: "Suspicious time gaps detected between stages",
	}
	if len(history) < 2 {
		return result
	}

	var gaps []domain.AnomalyDetail
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		// Gaps against a missing timestamp are not measurable.
		if !prev.HasTimestamp() || !cur.HasTimestamp() {
			continue
		}
		delta := cur.Timestamp - prev.Timestamp

		if delta < MinTransitionSeconds {
			gaps = append(gaps, domain.AnomalyDetail{
				From:     prev.Stage.String(),
				To:       cur.Stage.String(),
				Duration: fmt.Sprintf("%d minutes", floorDiv(delta, 60)),
				Issue:    "Impossibly fast transition",
			})
		}
		if delta > warnSeconds {
			gaps = append(gaps, domain.AnomalyDetail{
				From:     prev.Stage.String(),
				To:       cur.Stage.String(),
				Duration: fmt.Sprintf("%d days", floorDiv(delta, 86400)),
				Issue:    "Unusually long delay",
			})
		}
	}

	result.AnomalyDetected = len(gaps) > 0
	result.Details = gaps
	if len(gaps) > 2 {
		result.Severity = domain.SeverityHigh
	}
	return result
}

// DetectInvalidLocations reports every event whose location the validator
// does not recognise.
func DetectInvalidLocations(history []domain.Event, validator LocationValidator) domain.DetectionResult {
	var invalid []domain.AnomalyDetail
	for _, ev := range history {
		if !validator.Valid(ev.Location) {
			invalid = append(invalid, domain.AnomalyDetail{
				Location: ev.Location,
				Stage:    ev.Stage.String(),
				Issue:    "Unknown or unverified location",
			})
		}
	}

	return domain.DetectionResult{
		AnomalyDetected: len(invalid) > 0,
		Type:            domain.AnomalyLocation,
		Severity:        domain.SeverityMedium,
		Details:         invalid,
		Description:     "Invalid or unverified locations detected",
	}
}

// DetectIncompleteEvents reports events missing a timestamp, a location
// or a stage.
func DetectIncompleteEvents(history []domain.Event) domain.DetectionResult {
	var missing []domain.AnomalyDetail
	for _, ev := range history {
		if !ev.HasTimestamp() || ev.Location == "" || !ev.Stage.Defined() {
			missing = append(missing, domain.AnomalyDetail{
				Stage: ev.Stage.String(),
				Issue: "Missing required data fields",
			})
		}
	}

	return domain.DetectionResult{
		AnomalyDetected: len(missing) > 0,
		Type:            domain.AnomalyCompleteness,
		Severity:        domain.SeverityLow,
		Details:         missing,
		Description:     "Incomplete data detected in product history",
	}
}

type eventKey struct {
	stage     domain.Stage
	timestamp int64
	actor     string
}

// DetectDuplicates reports repeated (stage, timestamp, actor) events.
// The first occurrence of a key is never reported.
func DetectDuplicates(history []domain.Event) domain.DetectionResult {
	seen := make(map[eventKey]struct{}, len(history))
	var duplicates []domain.AnomalyDetail

	for _, ev := range history {
		key := eventKey{stage: ev.Stage, timestamp: ev.Timestamp, actor: ev.Actor}
		if _, ok := seen[key]; ok {
			duplicates = append(duplicates, domain.AnomalyDetail{
				Stage:     ev.Stage.String(),
				Timestamp: formatTimestamp(ev),
				Issue:     "Duplicate event detected",
			})
		}
		seen[key] = struct{}{}
	}

	return domain.DetectionResult{
		AnomalyDetected: len(duplicates) > 0,
		Type:            domain.AnomalyDuplicate,
		Severity:        domain.SeverityHigh,
		Details:         duplicates,
		Description:     "Duplicate product events detected - possible counterfeit",
	}
}

// DetectSuspiciousActors reports actors responsible for more than two
// events in the history. Actors are reported in order of first appearance.
func DetectSuspiciousActors(history []domain.Event) domain.DetectionResult {
	var order []string
	byActor := make(map[string][]string)
	for _, ev := range history {
		if _, ok := byActor[ev.Actor]; !ok {
			order = append(order, ev.Actor)
		}
		byActor[ev.Actor] = append(byActor[ev.Actor], ev.Stage.String())
	}

	var suspicious []domain.AnomalyDetail
	for _, actor := range order {
		stages := byActor[actor]
		if len(stages) > maxStepsPerActor {
			suspicious = append(suspicious, domain.AnomalyDetail{
				Actor:  actor,
				Stages: stages,
				Issue:  "Same actor in multiple stages (possible fraud)",
			})
		}
	}

	return domain.DetectionResult{
		AnomalyDetected: len(suspicious) > 0,
		Type:            domain.AnomalyActor,
		Severity:        domain.SeverityMedium,
		Details:         suspicious,
		Description:     "Suspicious actor behavior patterns detected",
	}
}

func formatTimestamp(ev domain.Event) string {
	if !ev.HasTimestamp() {
		return ""
	}
	return time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02T15:04:05.000Z")
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
