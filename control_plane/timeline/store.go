// Package timeline keeps a bounded in-memory history of rule runs for the
// history endpoint and the dashboard.
package timeline

import (
	"sync"
	"time"
)

// Run stages.
const (
	StageStarted  = "STARTED"
	StageFinished = "FINISHED"
	StageFailed   = "FAILED"
	StageSkipped  = "SKIPPED"
)

// Rule kinds.
const (
	KindAdSetRule     = "ad_set_rule"
	KindAutomatedRule = "automated_rule"
)

type RunEvent struct {
	RunID     string            `json:"run_id"`
	RuleID    string            `json:"rule_id"`
	Kind      string            `json:"kind"`
	Trigger   string            `json:"trigger"` // manual, scheduled
	Stage     string            `json:"stage"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

const defaultPerRule = 100

// Store keeps the most recent events of every rule.
type Store struct {
	events  map[string][]RunEvent
	perRule int
	mu      sync.RWMutex
}

// NewStore keeps at most perRule events per rule (100 if perRule <= 0).
func NewStore(perRule int) *Store {
	if perRule <= 0 {
		perRule = defaultPerRule
	}
	return &Store{
		events:  make(map[string][]RunEvent),
		perRule: perRule,
	}
}

func (s *Store) Record(e RunEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	evs := append(s.events[e.RuleID], e)
	if len(evs) > s.perRule {
		evs = append([]RunEvent(nil), evs[len(evs)-s.perRule:]...)
	}
	s.events[e.RuleID] = evs
}

// GetEvents returns a rule's events, newest first, at most limit (all if
// limit <= 0).
func (s *Store) GetEvents(ruleID string, limit int) []RunEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[ruleID]
	if limit <= 0 || limit > len(evs) {
		limit = len(evs)
	}
	out := make([]RunEvent, 0, limit)
	for i := len(evs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, evs[i])
	}
	return out
}

// GetRun returns the events of one run in order.
func (s *Store) GetRun(ruleID, runID string) []RunEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []RunEvent
	for _, e := range s.events[ruleID] {
		if e.RunID == runID {
			results = append(results, e)
		}
	}
	return results
}

// Forget drops a deleted rule's history.
func (s *Store) Forget(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, ruleID)
}
