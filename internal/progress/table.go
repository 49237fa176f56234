// Package progress holds the per-symbol state machine the UI polls. Each
// symbol's state is written only by that symbol's own worker; readers always
// get deep copies so polling never races with writes.
package progress

import (
	"sort"
	"sync"
	"time"
)

// SymbolState tracks one symbol's job through the pipeline.
type SymbolState struct {
	Symbol       string            `json:"symbol"`
	Status       Status            `json:"status"`
	Stages       map[string]Status `json:"stages"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

func (s *SymbolState) clone() SymbolState {
	out := *s
	out.Stages = make(map[string]Status, len(s.Stages))
	for k, v := range s.Stages {
		out.Stages[k] = v
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Table maps symbols to their state. Structural changes and reads take the
// table lock; per-field mutation is still funneled through the lock because
// the UI poller reads concurrently with worker writes.
type Table struct {
	mu     sync.RWMutex
	states map[string]*SymbolState
	stages []string
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{states: make(map[string]*SymbolState)}
}

// InitRun resets the table and populates a fresh Pending entry for every
// symbol, so UI pagination and progress are available before any worker
// starts. stages is the canonical stage order for the run.
func (t *Table) InitRun(symbols, stages []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[string]*SymbolState, len(symbols))
	t.stages = append([]string(nil), stages...)
	for _, sym := range symbols {
		st := &SymbolState{
			Symbol: sym,
			Status: StatusPending,
			Stages: make(map[string]Status, len(stages)),
		}
		for _, stage := range stages {
			st.Stages[stage] = StatusPending
		}
		t.states[sym] = st
	}
}

// Reset drops all symbol state.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[string]*SymbolState)
	t.stages = nil
}

// Stages returns the canonical stage order of the current run.
func (t *Table) Stages() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.stages...)
}

// MarkInProgress transitions a symbol to InProgress and stamps its start time.
func (t *Table) MarkInProgress(symbol string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[symbol]; ok {
		st.Status = StatusInProgress
		st.StartedAt = &now
	}
}

// MarkCompleted transitions a symbol to Completed. A stopped run lands here
// too: stopping is a deliberate outcome, not a failure, so in-flight symbols
// complete with whatever stages finished.
func (t *Table) MarkCompleted(symbol string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[symbol]; ok {
		st.Status = StatusCompleted
		st.CompletedAt = &now
	}
}

// MarkError records a worker failure for one symbol. The message is never
// empty so the error invariant holds for the UI badge.
func (t *Table) MarkError(symbol, message string) {
	if message == "" {
		message = "analysis failed"
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[symbol]; ok {
		st.Status = StatusError
		st.ErrorMessage = message
		st.CompletedAt = &now
	}
}

// SetStageStatus updates one stage of one symbol.
func (t *Table) SetStageStatus(symbol, stage string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[symbol]; ok {
		if _, known := st.Stages[stage]; known {
			st.Stages[stage] = status
		}
	}
}

// Get returns a deep copy of one symbol's state.
func (t *Table) Get(symbol string) (SymbolState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[symbol]
	if !ok {
		return SymbolState{}, false
	}
	return st.clone(), true
}

// Snapshot returns deep copies of all symbol states, sorted by symbol.
func (t *Table) Snapshot() []SymbolState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SymbolState, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// CountByStatus returns how many symbols are currently in the given status.
func (t *Table) CountByStatus(status Status) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, st := range t.states {
		if st.Status == status {
			n++
		}
	}
	return n
}
