// Package escalation manages human-review cases. A case walks a small state
// machine (pending -> in_review -> terminal) and every transition is
// published on the event bus.
package escalation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"fixwarden/internal/types"
)

var (
	// ErrUnknownCase is returned for a case id the store has never seen.
	ErrUnknownCase = errors.New("unknown escalation case")

	// ErrTerminalCase is returned when a transition targets a closed case.
	ErrTerminalCase = errors.New("escalation case is terminal")

	// ErrBadTransition is returned for transitions the state machine forbids.
	ErrBadTransition = errors.New("invalid escalation transition")
)

// CaseStore persists escalation cases. The manager owns all state-machine
// checks; stores only load and save.
type CaseStore interface {
	Put(ctx context.Context, c types.EscalationCase) error
	Get(ctx context.Context, caseID string) (types.EscalationCase, error)
	// List returns cases ordered by opened time, oldest first. An empty
	// state filter returns everything.
	List(ctx context.Context, state types.EscalationState) ([]types.EscalationCase, error)
}

// MemoryStore is an in-process CaseStore for tests and dev mode.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]types.EscalationCase
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]types.EscalationCase)}
}

func (s *MemoryStore) Put(_ context.Context, c types.EscalationCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[c.CaseID] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, caseID string) (types.EscalationCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseID]
	if !ok {
		return types.EscalationCase{}, ErrUnknownCase
	}
	return c, nil
}

func (s *MemoryStore) List(_ context.Context, state types.EscalationState) ([]types.EscalationCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.EscalationCase
	for _, c := range s.cases {
		if state == "" || c.State == state {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].CaseID < out[j].CaseID
	})
	return out, nil
}
