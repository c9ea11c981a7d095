// Package rules provides the anomaly detectors and the engine that runs them.
package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/provenance/internal/domain"
)

// Detector is one weighted anomaly check over an item history.
type Detector struct {
	Name   string
	Weight int
	Detect func(history []domain.Event) domain.DetectionResult
}

// Detector weights. They sum to 100.
const (
	WeightTimeGap      = 25
	WeightLocation     = 20
	WeightCompleteness = 15
	WeightDuplicate    = 30
	WeightActor        = 10
)

// BuiltinDetectors returns the five standard detectors in evaluation order.
func BuiltinDetectors(timeGapWarning int64, locations LocationValidator) []Detector {
	return []Detector{
		{
			Name:   "time-gap",
			Weight: WeightTimeGap,
			Detect: func(h []domain.Event) domain.DetectionResult { return DetectTimeGaps(h, timeGapWarning) },
		},
		{
			Name:   "location",
			Weight: WeightLocation,
			Detect: func(h []domain.Event) domain.DetectionResult { return DetectInvalidLocations(h, locations) },
		},
		{Name: "completeness", Weight: WeightCompleteness, Detect: DetectIncompleteEvents},
		{Name: "duplicate", Weight: WeightDuplicate, Detect: DetectDuplicates},
		{Name: "actor-behavior", Weight: WeightActor, Detect: DetectSuspiciousActors},
	}
}

// Options configures a new Engine.
type Options struct {
	// TimeGapWarning is the long-delay threshold in seconds.
	TimeGapWarning int64

	// Locations validates event locations. Defaults to DefaultLocations.
	Locations LocationValidator

	// MaxWorkers bounds concurrent detector evaluation.
	MaxWorkers int
}

// Engine runs the builtin detectors plus any loaded expression rules.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	detectors     []Detector
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// NewEngine creates a new detector engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.TimeGapWarning <= 0 {
		opts.TimeGapWarning = domain.DefaultTimeGapWarning
	}
	if opts.Locations == nil {
		opts.Locations = DefaultLocations()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 8
	}

	env, err := newExpressionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		detectors:     BuiltinDetectors(opts.TimeGapWarning, opts.Locations),
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    opts.MaxWorkers,
	}, nil
}

// EvaluateAll runs every detector over history and returns one result per
// detector, with Weight populated. Builtin detectors come first in fixed
// order, followed by expression rules ordered by ID. No detector is
// skipped, whatever earlier detectors found.
func (e *Engine) EvaluateAll(history []domain.Event) []domain.DetectionResult {
	detectors := e.snapshot()

	results := make([]domain.DetectionResult, len(detectors))
	var wg sync.WaitGroup
	var panicOnce sync.Once
	var panicked any

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, d := range detectors {
		wg.Add(1)
		go func(idx int, d Detector) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() { panicked = fmt.Sprintf("detector %s: %v", d.Name, r) })
				}
			}()

			result := d.Detect(history)
			result.Weight = d.Weight
			results[idx] = result
		}(i, d)
	}

	wg.Wait()

	// Re-raised on the caller's goroutine so it can be recovered there.
	if panicked != nil {
		panic(panicked)
	}

	return results
}

// snapshot returns the current detector list, builtin first.
func (e *Engine) snapshot() []Detector {
	e.mu.RLock()
	defer e.mu.RUnlock()

	detectors := make([]Detector, 0, len(e.detectors)+len(e.compiledRules))
	detectors = append(detectors, e.detectors...)

	ids := make([]string, 0, len(e.compiledRules))
	for id := range e.compiledRules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		detectors = append(detectors, e.compiledRules[id].detector())
	}
	return detectors
}

// DetectorCount returns the number of detectors EvaluateAll will run.
func (e *Engine) DetectorCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.detectors) + len(e.compiledRules)
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// RulesCount returns the number of loaded expression rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing expression rules and loads new ones.
// Builtin detectors are unaffected.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations, by ID.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close drops all expression rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}
