package store

import (
	"sync"

	"github.com/quantrail/controlplane/internal/domain"
)

// ReconLog is an append-only, bounded log of reconciliation results.
// Results are never mutated after creation; when the bound is exceeded the
// oldest run is dropped.
type ReconLog struct {
	mu      sync.RWMutex
	results []*domain.ReconciliationResult
	maxRuns int
}

// NewReconLog creates a log retaining at most maxRuns results.
func NewReconLog(maxRuns int) *ReconLog {
	if maxRuns < 1 {
		maxRuns = 100
	}
	return &ReconLog{maxRuns: maxRuns}
}

// Append records a completed run.
func (l *ReconLog) Append(r *domain.ReconciliationResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.results = append(l.results, r)
	if len(l.results) > l.maxRuns {
		l.results = l.results[len(l.results)-l.maxRuns:]
	}
}

// Latest returns the most recent result, or nil when no run has happened.
func (l *ReconLog) Latest() *domain.ReconciliationResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.results) == 0 {
		return nil
	}
	return l.results[len(l.results)-1]
}

// List returns all retained results, oldest first.
func (l *ReconLog) List() []*domain.ReconciliationResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*domain.ReconciliationResult, len(l.results))
	copy(out, l.results)
	return out
}
