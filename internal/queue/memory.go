package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"fixwarden/internal/types"
)

// record is the in-memory queue's per-task bookkeeping.
type record struct {
	task    types.Task
	status  string
	lease   time.Time
	outcome types.TaskOutcome
	reason  string
}

// Memory is an in-memory TaskQueue for tests and dev mode. Claim order is
// enqueue time, ties broken by task id, so runs are reproducible.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*record
	now   func() time.Time
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*record), now: time.Now}
}

func (m *Memory) Enqueue(_ context.Context, task types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = m.now()
	}
	m.tasks[task.ID] = &record{task: task, status: statusPending}
	return nil
}

func (m *Memory) ClaimNext(ctx context.Context, maxN int, lease time.Duration) ([]types.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var runnable []*record
	for _, r := range m.tasks {
		if r.status == statusPending || (r.status == statusClaimed && r.lease.Before(now)) {
			runnable = append(runnable, r)
		}
	}
	sort.Slice(runnable, func(i, j int) bool {
		a, b := runnable[i].task, runnable[j].task
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})

	var out []types.Task
	for _, r := range runnable {
		if len(out) >= maxN {
			break
		}
		r.status = statusClaimed
		r.lease = now.Add(lease)
		t := r.task
		t.LeaseExpiresAt = r.lease
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) ExtendLease(_ context.Context, taskID string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if r.status != statusClaimed {
		return ErrNotClaimed
	}
	r.lease = m.now().Add(lease)
	return nil
}

func (m *Memory) MarkDone(_ context.Context, taskID string, outcome types.TaskOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if r.status == statusDone {
		return nil
	}
	r.status = statusDone
	r.outcome = outcome
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, taskID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if r.status == statusDone {
		return nil
	}
	r.status = statusFailed
	r.reason = reason
	return nil
}

func (m *Memory) Release(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if r.status != statusClaimed {
		return ErrNotClaimed
	}
	r.status = statusPending
	r.lease = time.Time{}
	return nil
}

func (m *Memory) Requeue(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if r.status != statusClaimed {
		return ErrNotClaimed
	}
	if r.task.Attempt+1 >= r.task.MaxAttempts {
		return ErrExhausted
	}
	r.task.Attempt++
	r.status = statusPending
	r.lease = time.Time{}
	return nil
}

// Status reports a task's current state, for tests and the dev dashboard.
func (m *Memory) Status(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[taskID]
	if !ok {
		return "", false
	}
	return r.status, true
}
