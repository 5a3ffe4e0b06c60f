package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fixwarden/internal/bus"
	"fixwarden/internal/logging"
	"fixwarden/internal/types"
)

// Manager owns the escalation state machine. Transitions:
//
//	pending   -> in_review | cancelled
//	in_review -> resolved | cannot_fix | wont_fix | cancelled
//
// Terminal states are absorbing; any transition out of one fails with
// ErrTerminalCase.
type Manager struct {
	store CaseStore
	bus   bus.Publisher
	now   func() time.Time
}

// Stats counts cases per state.
type Stats struct {
	Pending  int `json:"pending"`
	InReview int `json:"in_review"`
	Closed   int `json:"closed"`
}

// NewManager creates a manager over the given store and event bus.
func NewManager(store CaseStore, publisher bus.Publisher) *Manager {
	return &Manager{store: store, bus: publisher, now: time.Now}
}

// Open creates a pending case for a batch and publishes qa.escalation.opened.
// CorrelationID threads the owning task through the emitted event.
func (m *Manager) Open(ctx context.Context, batchRef, workerID, correlationID string, reason types.ReasonCode) (types.EscalationCase, error) {
	c := types.EscalationCase{
		CaseID:   "esc-" + uuid.NewString(),
		BatchRef: batchRef,
		WorkerID: workerID,
		Reason:   reason,
		State:    types.CasePending,
		OpenedAt: m.now(),
	}
	if err := m.store.Put(ctx, c); err != nil {
		return types.EscalationCase{}, fmt.Errorf("open case: %w", err)
	}
	logging.Escalation("opened %s for batch %s (%s)", c.CaseID, batchRef, reason)
	m.publish(bus.TopicEscOpened, correlationID, map[string]any{
		"case_id": c.CaseID, "batch_ref": batchRef, "reason": string(reason),
		"prev_state": "", "new_state": string(types.CasePending),
	})
	return c, nil
}

// Assign moves a pending case to in_review with a reviewer.
func (m *Manager) Assign(ctx context.Context, caseID, reviewer string) (types.EscalationCase, error) {
	c, from, err := m.transition(ctx, caseID, types.CaseInReview, func(c *types.EscalationCase) {
		c.AssignedReviewer = reviewer
	})
	if err != nil {
		return types.EscalationCase{}, err
	}
	m.publish(bus.TopicEscAssigned, c.BatchRef, map[string]any{
		"case_id": c.CaseID, "reviewer": reviewer,
		"prev_state": string(from), "new_state": string(c.State),
	})
	return c, nil
}

// Close moves a case to the given terminal state with a resolution note.
func (m *Manager) Close(ctx context.Context, caseID string, state types.EscalationState, note string) (types.EscalationCase, error) {
	if !state.Terminal() {
		return types.EscalationCase{}, fmt.Errorf("%w: close target %s is not terminal", ErrBadTransition, state)
	}
	c, from, err := m.transition(ctx, caseID, state, func(c *types.EscalationCase) {
		t := m.now()
		c.ResolvedAt = &t
		c.ResolutionNote = note
	})
	if err != nil {
		return types.EscalationCase{}, err
	}
	m.publish(bus.TopicEscResolved, c.BatchRef, map[string]any{
		"case_id": c.CaseID, "note": note,
		"prev_state": string(from), "new_state": string(state),
	})
	return c, nil
}

// Get returns a single case.
func (m *Manager) Get(ctx context.Context, caseID string) (types.EscalationCase, error) {
	return m.store.Get(ctx, caseID)
}

// List returns cases filtered by state, oldest first.
func (m *Manager) List(ctx context.Context, state types.EscalationState) ([]types.EscalationCase, error) {
	return m.store.List(ctx, state)
}

// Snapshot counts cases per lifecycle phase.
func (m *Manager) Snapshot(ctx context.Context) (Stats, error) {
	all, err := m.store.List(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, c := range all {
		switch {
		case c.State == types.CasePending:
			s.Pending++
		case c.State == types.CaseInReview:
			s.InReview++
		default:
			s.Closed++
		}
	}
	return s, nil
}

// transition applies the state-machine rules, mutates, and persists. Returns
// the updated case and the state it left.
func (m *Manager) transition(ctx context.Context, caseID string, to types.EscalationState, mutate func(*types.EscalationCase)) (types.EscalationCase, types.EscalationState, error) {
	c, err := m.store.Get(ctx, caseID)
	if err != nil {
		return types.EscalationCase{}, "", err
	}
	if c.State.Terminal() {
		return types.EscalationCase{}, "", fmt.Errorf("%w: %s is %s", ErrTerminalCase, caseID, c.State)
	}
	if !validTransition(c.State, to) {
		return types.EscalationCase{}, "", fmt.Errorf("%w: %s -> %s", ErrBadTransition, c.State, to)
	}

	from := c.State
	c.State = to
	mutate(&c)
	if err := m.store.Put(ctx, c); err != nil {
		return types.EscalationCase{}, "", fmt.Errorf("persist case %s: %w", caseID, err)
	}
	logging.Escalation("case %s %s -> %s", caseID, from, to)
	return c, from, nil
}

func validTransition(from, to types.EscalationState) bool {
	switch from {
	case types.CasePending:
		return to == types.CaseInReview || to == types.CaseCancelled
	case types.CaseInReview:
		return to.Terminal()
	}
	return false
}

func (m *Manager) publish(topic, correlationID string, body map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(bus.New(topic, correlationID, body)); err != nil {
		logging.Escalation("event publish failed for %s: %v", topic, err)
	}
}
