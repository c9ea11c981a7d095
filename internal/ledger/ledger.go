// Package ledger holds the process-wide supplier analytics and the
// registry of flagged items.
package ledger

import (
	"sync"

	"github.com/opensource-finance/provenance/internal/domain"
)

// Ledger is safe for concurrent use. All state lives in memory and is
// lost on restart.
type Ledger struct {
	mu        sync.RWMutex
	suppliers map[string]*domain.SupplierAnalytics
	flagged   map[string]*domain.RiskResult
	order     []string // product ids in first-flagged order
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		suppliers: make(map[string]*domain.SupplierAnalytics),
		flagged:   make(map[string]*domain.RiskResult),
	}
}

// Record applies one evaluation: every event's actor gets its row counted,
// and the result is stored if flagged. The whole batch is applied under
// one lock, so concurrent evaluations never interleave partial updates.
func (l *Ledger) Record(history []domain.Event, result *domain.RiskResult) {
	var stored *domain.RiskResult
	if result.IsFlagged {
		stored = result.Clone()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range history {
		rec, ok := l.suppliers[ev.Actor]
		if !ok {
			rec = &domain.SupplierAnalytics{Address: ev.Actor, Stages: []domain.Stage{}}
			l.suppliers[ev.Actor] = rec
		}

		rec.TotalProducts++
		if result.IsFlagged {
			rec.FlaggedProducts++
		}
		if ev.Stage.Defined() && !hasStage(rec.Stages, ev.Stage) {
			rec.Stages = append(rec.Stages, ev.Stage)
		}
	}

	if stored != nil {
		if _, ok := l.flagged[stored.ProductID]; !ok {
			l.order = append(l.order, stored.ProductID)
		}
		l.flagged[stored.ProductID] = stored
	}
}

// Flagged returns copies of every flagged item's latest result, in the
// order items were first flagged.
func (l *Ledger) Flagged() []*domain.RiskResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]*domain.RiskResult, 0, len(l.order))
	for _, id := range l.order {
		results = append(results, l.flagged[id].Clone())
	}
	return results
}

// Analytics returns a copy of the participant's record, or a zero record
// if the participant has never been seen.
func (l *Ledger) Analytics(address string) domain.SupplierAnalytics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if rec, ok := l.suppliers[address]; ok {
		return rec.Clone()
	}
	return domain.SupplierAnalytics{Address: address, Stages: []domain.Stage{}}
}

// Reset clears both the analytics and the flagged registry.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.suppliers = make(map[string]*domain.SupplierAnalytics)
	l.flagged = make(map[string]*domain.RiskResult)
	l.order = nil
}

// Stats returns the number of tracked suppliers and flagged items.
func (l *Ledger) Stats() (suppliers int, flagged int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.suppliers), len(l.flagged)
}

func hasStage(stages []domain.Stage, s domain.Stage) bool {
	for _, existing := range stages {
		if existing == s {
			return true
		}
	}
	return false
}
