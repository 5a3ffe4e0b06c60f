package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fixwarden/internal/types"
)

// FastFixer applies a batch of low-complexity fixes in-process. It must honor
// ctx cancellation between violations.
type FastFixer interface {
	Fix(ctx context.Context, batch types.Batch, retrieval types.RetrievalContext) error
}

// FixerFunc adapts a function to FastFixer.
type FixerFunc func(ctx context.Context, batch types.Batch, retrieval types.RetrievalContext) error

func (f FixerFunc) Fix(ctx context.Context, batch types.Batch, retrieval types.RetrievalContext) error {
	return f(ctx, batch, retrieval)
}

// FatalError marks a fix failure that retrying cannot help.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable.
func Fatal(err error) error { return &FatalError{Err: err} }

// RuleFunc repairs a single violation.
type RuleFunc func(ctx context.Context, v types.Violation) error

// RuleBasedFixer dispatches each violation to the rule registered for its
// kind. A violation with no rule fails the batch as retryable so a heavier
// channel can pick it up on redelivery.
type RuleBasedFixer struct {
	rules map[types.ViolationKind]RuleFunc
}

// NewRuleBasedFixer creates an empty fixer; register rules before use.
func NewRuleBasedFixer() *RuleBasedFixer {
	return &RuleBasedFixer{rules: make(map[types.ViolationKind]RuleFunc)}
}

// Register installs the rule for a kind, replacing any previous one.
func (f *RuleBasedFixer) Register(kind types.ViolationKind, rule RuleFunc) {
	f.rules[kind] = rule
}

func (f *RuleBasedFixer) Fix(ctx context.Context, batch types.Batch, _ types.RetrievalContext) error {
	for _, v := range batch.Violations {
		if err := ctx.Err(); err != nil {
			return err
		}
		rule, ok := f.rules[v.Kind]
		if !ok {
			return fmt.Errorf("no rule for kind %s (violation %s)", v.Kind, v.ID)
		}
		if err := rule(ctx, v); err != nil {
			return fmt.Errorf("rule %s on %s: %w", v.Kind, v.ID, err)
		}
	}
	return nil
}

// runFast executes a FAST batch in-process. The deadline is not enforced
// here; the health sweep cancels the context once the deadline has passed
// and the handle's heartbeat is stale.
func (s *Supervisor) runFast(ctx context.Context, h *Handle, d types.RoutingDecision) WorkerEvent {
	h.setState(types.StateRunning)

	err := s.fixer.Fix(ctx, d.Batch, d.Retrieval)
	ev := WorkerEvent{
		WorkerID: h.WorkerID, Kind: h.Kind, BatchID: h.BatchID,
		TaskID: h.TaskID, CorrelationID: h.CorrelationID,
		Duration: time.Since(h.StartedAt),
	}

	switch cause := context.Cause(ctx); {
	case err == nil:
		ev.State = types.StateCompleted
	case cause == causeTimeout:
		ev.State = types.StateTimedOut
		ev.Failure = types.FailureRetryable
		ev.Err = cause.Error()
	case cause == causeCancel, cause == causeShutdown:
		ev.State = types.StateCancelled
		ev.Err = cause.Error()
	default:
		ev.State = types.StateFailed
		ev.Err = err.Error()
		ev.Failure = types.FailureRetryable
		var fatal *FatalError
		if errors.As(err, &fatal) {
			ev.Failure = types.FailureFatal
		}
	}
	return ev
}
