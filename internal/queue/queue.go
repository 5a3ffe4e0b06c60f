// Package queue defines the orchestrator's view of the shared task queue and
// provides two adapters: a sqlite-backed one over the shared task DB and an
// in-memory one for tests and dev mode. The queue offers at-least-once
// delivery with leases; the orchestrator tolerates redelivery because
// MarkDone is idempotent (done is absorbing).
package queue

import (
	"context"
	"errors"
	"time"

	"fixwarden/internal/types"
)

var (
	// ErrNotClaimed is returned when a lease operation references a task the
	// caller does not currently hold.
	ErrNotClaimed = errors.New("task is not claimed")

	// ErrUnknownTask is returned for operations on a task id the queue has
	// never seen.
	ErrUnknownTask = errors.New("unknown task")

	// ErrExhausted is returned by Requeue when the task has no attempts left.
	ErrExhausted = errors.New("task attempts exhausted")
)

// TaskQueue is the narrow contract the daemon consumes. Claim operations are
// atomic (claim-with-lease); an expired lease makes a task claimable again.
type TaskQueue interface {
	// ClaimNext atomically claims up to maxN runnable tasks with the given
	// lease duration. Returns fewer (possibly zero) tasks without error.
	ClaimNext(ctx context.Context, maxN int, lease time.Duration) ([]types.Task, error)

	// ExtendLease pushes out the lease of a claimed task.
	ExtendLease(ctx context.Context, taskID string, lease time.Duration) error

	// MarkDone finishes a task. Idempotent: marking a done task again is a
	// no-op, so redelivered completions are harmless.
	MarkDone(ctx context.Context, taskID string, outcome types.TaskOutcome) error

	// MarkFailed terminally fails a task.
	MarkFailed(ctx context.Context, taskID string, reason string) error

	// Release returns a claimed task to the queue untouched (same attempt).
	Release(ctx context.Context, taskID string) error

	// Requeue returns a claimed task with an incremented attempt counter.
	// Returns ErrExhausted once the attempt budget is spent.
	Requeue(ctx context.Context, taskID string) error

	// Enqueue adds a new task. Used by producers and dev-mode seeding.
	Enqueue(ctx context.Context, task types.Task) error
}

// Task status values shared by the adapters.
const (
	statusPending = "pending"
	statusClaimed = "claimed"
	statusDone    = "done"
	statusFailed  = "failed"
)
