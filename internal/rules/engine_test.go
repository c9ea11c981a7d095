package rules

import (
	"fmt"
	"strings"
	"testing"

	"github.com/opensource-finance/provenance/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(Options{})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
	if engine.DetectorCount() != 5 {
		t.Errorf("expected 5 detectors, got %d", engine.DetectorCount())
	}
}

func TestBuiltinWeights(t *testing.T) {
	total := 0
	for _, d := range BuiltinDetectors(86400, DefaultLocations()) {
		total += d.Weight
	}
	if total != 100 {
		t.Errorf("expected builtin weights to sum to 100, got %d", total)
	}
}

func TestEvaluateAllOrder(t *testing.T) {
	engine, _ := NewEngine(Options{})
	defer engine.Close()

	results := engine.EvaluateAll(nil)
	want := []domain.AnomalyType{
		domain.AnomalyTimeGap,
		domain.AnomalyLocation,
		domain.AnomalyCompleteness,
		domain.AnomalyDuplicate,
		domain.AnomalyActor,
	}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(results))
	}
	for i, typ := range want {
		if results[i].Type != typ {
			t.Errorf("result %d: expected %s, got %s", i, typ, results[i].Type)
		}
		if results[i].AnomalyDetected {
			t.Errorf("result %d: expected no anomaly on empty history", i)
		}
	}
	if results[3].Weight != WeightDuplicate {
		t.Errorf("expected duplicate weight %d, got %d", WeightDuplicate, results[3].Weight)
	}
}

func TestEvaluateAllRunsEveryDetector(t *testing.T) {
	engine, _ := NewEngine(Options{})
	defer engine.Close()

	// Every detector fires on this history.
	h := []domain.Event{
		ev(0, 100, "Atlantis", "A"),
		ev(0, 100, "Atlantis", "A"),
		ev(1, 200, "", "A"),
	}

	fired := 0
	for _, r := range engine.EvaluateAll(h) {
		if r.AnomalyDetected {
			fired++
		}
	}
	if fired != 5 {
		t.Errorf("expected all 5 detectors to fire, got %d", fired)
	}
}

func TestEvaluateAllRaisesDetectorPanic(t *testing.T) {
	engine, _ := NewEngine(Options{
		Locations: LocationFunc(func(string) bool { panic("boom") }),
	})
	defer engine.Close()

	// A panic left inside a detector goroutine would crash the test binary,
	// so recovering here shows it reached the caller.
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected EvaluateAll to panic")
		}
		msg := fmt.Sprint(r)
		if !strings.Contains(msg, "detector location") || !strings.Contains(msg, "boom") {
			t.Errorf("expected detector name and cause in panic, got %q", msg)
		}
	}()

	engine.EvaluateAll([]domain.Event{ev(0, 100, "Mumbai", "A")})
}

func TestEngineTimeGapOption(t *testing.T) {
	engine, _ := NewEngine(Options{TimeGapWarning: 7200})
	defer engine.Close()

	h := []domain.Event{ev(0, 0, "Mumbai", "A"), ev(1, 10000, "Mumbai", "B")}
	if !engine.EvaluateAll(h)[0].AnomalyDetected {
		t.Error("expected configured warning threshold to apply")
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(Options{})
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "long-chain",
		Name:       "Long chain",
		Expression: "event_count > 6",
		Weight:     5,
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
	if engine.DetectorCount() != 6 {
		t.Errorf("expected 6 detectors, got %d", engine.DetectorCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(Options{})
	defer engine.Close()

	tests := []struct {
		name string
		expr string
	}{
		{"Syntax", "this is not valid CEL !!!"},
		{"UnknownVariable", "amount > 10.0"},
		{"NonBool", "event_count + 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &domain.RuleConfig{ID: "bad", Expression: tt.expr, Enabled: true}
			if err := engine.LoadRule(rule); err == nil {
				t.Error("expected error for invalid expression")
			}
			if err := engine.ValidateRule(rule); err == nil {
				t.Error("expected ValidateRule to reject expression")
			}
		})
	}

	if engine.RulesCount() != 0 {
		t.Errorf("expected no rules loaded, got %d", engine.RulesCount())
	}
}

func TestExpressionRuleEvaluation(t *testing.T) {
	engine, _ := NewEngine(Options{})
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{
		ID:          "single-actor",
		Name:        "Single actor chain",
		Description: "Whole chain recorded by one participant",
		Expression:  "event_count > 1 && actor_count == 1",
		Weight:      12,
		Severity:    domain.SeverityHigh,
		Enabled:     true,
	})

	t.Run("Matches", func(t *testing.T) {
		h := []domain.Event{ev(0, 0, "Mumbai", "A"), ev(1, 7200, "Mumbai", "A")}
		results := engine.EvaluateAll(h)
		custom := results[len(results)-1]

		if !custom.AnomalyDetected {
			t.Fatal("expected custom rule to fire")
		}
		if custom.Type != domain.AnomalyCustomRule {
			t.Errorf("expected CUSTOM_RULE, got %s", custom.Type)
		}
		if custom.Weight != 12 || custom.Severity != domain.SeverityHigh {
			t.Errorf("unexpected weight/severity %d/%s", custom.Weight, custom.Severity)
		}
		if custom.Details[0].Rule != "single-actor" {
			t.Errorf("expected rule id in detail, got %q", custom.Details[0].Rule)
		}
	})

	t.Run("NoMatch", func(t *testing.T) {
		h := []domain.Event{ev(0, 0, "Mumbai", "A"), ev(1, 7200, "Mumbai", "B")}
		results := engine.EvaluateAll(h)
		if results[len(results)-1].AnomalyDetected {
			t.Error("expected custom rule not to fire")
		}
	})
}

func TestExpressionListVariables(t *testing.T) {
	engine, _ := NewEngine(Options{})
	defer engine.Close()

	exprs := map[string]string{
		"stages":    "stages.exists(s, s == 5) && !stages.exists(s, s == 4)",
		"locations": "locations.exists(l, l == 'Pune')",
		"span":      "span_seconds > 86400",
		"actors":    "actors[0] == actors[size(actors) - 1]",
		"locCount":  "location_count == 2",
	}
	for id, expr := range exprs {
		if err := engine.LoadRule(&domain.RuleConfig{ID: id, Name: id, Expression: expr, Weight: 1, Enabled: true}); err != nil {
			t.Fatalf("failed to load %s: %v", id, err)
		}
	}

	// Sold without Retail, ending at the starting actor.
	h := []domain.Event{
		ev(0, 0, "Mumbai", "A"),
		ev(3, 50000, "Pune", "B"),
		ev(5, 100000, "Pune", "A"),
	}

	for i, r := range engine.EvaluateAll(h)[5:] {
		if !r.AnomalyDetected {
			t.Errorf("expected expression rule %d to fire", i)
		}
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine(Options{})
	defer engine.Close()

	for i := 0; i < 3; i++ {
		engine.LoadRule(&domain.RuleConfig{
			ID:         fmt.Sprintf("rule-%d", i),
			Expression: "event_count > 0",
			Enabled:    true,
		})
	}

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "kept", Expression: "event_count > 0", Enabled: true},
		{ID: "disabled", Expression: "event_count > 0", Enabled: false},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	loaded := engine.GetLoadedRules()
	if len(loaded) != 1 || loaded[0].ID != "kept" {
		t.Errorf("expected only 'kept' after reload, got %d rules", len(loaded))
	}

	// A bad rule leaves the previous set in place.
	if err := engine.ReloadRules([]*domain.RuleConfig{{ID: "bad", Expression: "nope(", Enabled: true}}); err == nil {
		t.Error("expected reload with invalid rule to fail")
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule after failed reload, got %d", engine.RulesCount())
	}
}

func TestParallelExecution(t *testing.T) {
	engine, _ := NewEngine(Options{MaxWorkers: 2})
	defer engine.Close()

	for i := 0; i < 10; i++ {
		engine.LoadRule(&domain.RuleConfig{
			ID:         fmt.Sprintf("rule-%02d", i),
			Name:       fmt.Sprintf("Rule %d", i),
			Expression: "event_count > 0",
			Weight:     1,
			Enabled:    true,
		})
	}

	results := engine.EvaluateAll([]domain.Event{ev(0, 0, "Mumbai", "A")})
	if len(results) != 15 {
		t.Fatalf("expected 15 results, got %d", len(results))
	}

	for i, r := range results[5:] {
		want := fmt.Sprintf("rule-%02d", i)
		if !r.AnomalyDetected || r.Details[0].Rule != want {
			t.Errorf("result %d: expected %s to fire in order", i, want)
		}
	}
}
