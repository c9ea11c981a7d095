package rules

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/provenance/internal/domain"
)

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

func newExpressionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("event_count", cel.IntType),
		cel.Variable("actor_count", cel.IntType),
		cel.Variable("location_count", cel.IntType),
		cel.Variable("span_seconds", cel.IntType),
		cel.Variable("stages", cel.ListType(cel.IntType)),
		cel.Variable("actors", cel.ListType(cel.StringType)),
		cel.Variable("locations", cel.ListType(cel.StringType)),
	)
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

// detector wraps the rule as a Detector.
func (r *CompiledRule) detector() Detector {
	return Detector{
		Name:   r.Config.ID,
		Weight: r.Config.Weight,
		Detect: r.evaluate,
	}
}

func (r *CompiledRule) evaluate(history []domain.Event) domain.DetectionResult {
	severity := r.Config.Severity
	if severity == "" {
		severity = domain.SeverityMedium
	}

	result := domain.DetectionResult{
		Type:        domain.AnomalyCustomRule,
		Severity:    severity,
		Description: r.Config.Description,
	}
	if result.Description == "" {
		result.Description = r.Config.Name
	}

	out, _, err := r.Program.Eval(summarize(history))
	if err != nil {
		slog.Warn("expression rule evaluation failed", "rule_id", r.Config.ID, "error", err)
		return result
	}

	if matched, ok := out.(types.Bool); ok && bool(matched) {
		result.AnomalyDetected = true
		result.Details = []domain.AnomalyDetail{{
			Rule:  r.Config.ID,
			Issue: r.Config.Name,
		}}
	}
	return result
}

// summarize builds the CEL activation for a history.
func summarize(history []domain.Event) map[string]any {
	stages := make([]int64, 0, len(history))
	actors := make([]string, 0, len(history))
	locations := make([]string, 0, len(history))
	distinctActors := make(map[string]struct{})
	distinctLocations := make(map[string]struct{})

	var first, last int64
	timed := 0
	for _, ev := range history {
		stages = append(stages, int64(ev.Stage))
		actors = append(actors, ev.Actor)
		locations = append(locations, ev.Location)
		distinctActors[ev.Actor] = struct{}{}
		distinctLocations[ev.Location] = struct{}{}

		if ev.HasTimestamp() {
			if timed == 0 {
				first = ev.Timestamp
			}
			last = ev.Timestamp
			timed++
		}
	}

	var span int64
	if timed > 1 {
		span = last - first
	}

	return map[string]any{
		"event_count":    int64(len(history)),
		"actor_count":    int64(len(distinctActors)),
		"location_count": int64(len(distinctLocations)),
		"span_seconds":   span,
		"stages":         stages,
		"actors":         actors,
		"locations":      locations,
	}
}
