package dispatcher

import (
	"context"
	"sync"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// Summary tallies batch outcomes. It is an audit.ResultSink.
type Summary struct {
	mu        sync.Mutex
	succeeded int
	cached    int
	failed    map[string]int
}

// NewSummary returns an empty tally.
func NewSummary() *Summary {
	return &Summary{failed: make(map[string]int)}
}

// Record implements audit.ResultSink.
func (s *Summary) Record(_ context.Context, outcome audit.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if outcome.Succeeded() {
		s.succeeded++
		if outcome.Result.Provenance == audit.ProvenanceCache {
			s.cached++
		}
		return nil
	}
	s.failed[audit.FailureKind(outcome.Err)]++
	return nil
}

// Totals is a copy of the tally.
type Totals struct {
	Succeeded int            `json:"succeeded"`
	FromCache int            `json:"from_cache"`
	Failed    int            `json:"failed"`
	ByKind    map[string]int `json:"failed_by_kind,omitempty"`
}

// Totals returns the current counts.
func (s *Summary) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Totals{
		Succeeded: s.succeeded,
		FromCache: s.cached,
		ByKind:    make(map[string]int, len(s.failed)),
	}
	for k, v := range s.failed {
		t.Failed += v
		t.ByKind[k] = v
	}
	return t
}
