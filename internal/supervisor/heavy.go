package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"fixwarden/internal/logging"
	"fixwarden/internal/types"
)

// Environment handed to spawned heavy workers. This is the worker contract;
// the startup script reads these and nothing else.
const (
	envWorkerID      = "QA_WORKER_ID"
	envMode          = "QA_MODE"
	envTaskJSON      = "QA_TASK_JSON"
	envRAGJSON       = "QA_RAG_JSON"
	envCorrelationID = "QA_CORRELATION_ID"
	envHeartbeatPath = "QA_HEARTBEAT_PATH"
	envDeadlineEpoch = "QA_DEADLINE_EPOCH_S"
)

// Heavy worker exit codes.
const (
	exitCompleted = 0
	exitRetryable = 1
	exitFatal     = 2
)

// runHeavy spawns the startup script for a HEAVY batch and maps its exit to
// a worker event. Cancellation sends SIGTERM and escalates to SIGKILL after
// the soft-stop grace.
func (s *Supervisor) runHeavy(ctx context.Context, h *Handle, d types.RoutingDecision) WorkerEvent {
	ev := WorkerEvent{
		WorkerID: h.WorkerID, Kind: h.Kind, BatchID: h.BatchID,
		TaskID: h.TaskID, CorrelationID: h.CorrelationID,
	}
	fail := func(state types.WorkerState, class types.FailureClass, msg string) WorkerEvent {
		ev.State = state
		ev.Failure = class
		ev.Err = msg
		ev.Duration = time.Since(h.StartedAt)
		return ev
	}

	if s.opts.StartupScript == "" {
		return fail(types.StateFailed, types.FailureFatal, "no heavy worker startup script configured")
	}

	taskJSON, err := json.Marshal(d.Batch)
	if err != nil {
		return fail(types.StateFailed, types.FailureFatal, fmt.Sprintf("encode batch: %v", err))
	}
	ragJSON, err := json.Marshal(d.Retrieval)
	if err != nil {
		return fail(types.StateFailed, types.FailureFatal, fmt.Sprintf("encode retrieval: %v", err))
	}

	heartbeat := filepath.Join(s.opts.HeartbeatDir, h.WorkerID+".beat")
	if s.opts.HeartbeatDir != "" {
		if err := os.MkdirAll(s.opts.HeartbeatDir, 0o755); err != nil {
			return fail(types.StateFailed, types.FailureRetryable, fmt.Sprintf("heartbeat dir: %v", err))
		}
	}
	h.mu.Lock()
	h.heartbeatPath = heartbeat
	h.mu.Unlock()

	mode := d.Mode
	if mode == "" {
		mode = types.ModeHeadless
	}

	// The deadline is enforced by the health sweep, not a context deadline:
	// the worker times out only once it is both past its deadline and has a
	// stale heartbeat.
	cmd := exec.CommandContext(ctx, s.opts.StartupScript)
	cmd.Env = append(os.Environ(),
		envWorkerID+"="+h.WorkerID,
		envMode+"="+string(mode),
		envTaskJSON+"="+string(taskJSON),
		envRAGJSON+"="+string(ragJSON),
		envCorrelationID+"="+h.CorrelationID,
		envHeartbeatPath+"="+heartbeat,
		fmt.Sprintf("%s=%d", envDeadlineEpoch, h.Deadline.Unix()),
	)
	// Soft stop first; the context kill escalates after WaitDelay.
	cmd.Cancel = func() error {
		logging.Workers("soft-stopping %s (SIGTERM)", h.WorkerID)
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.opts.SoftStopGrace

	if err := cmd.Start(); err != nil {
		return fail(types.StateFailed, types.FailureRetryable, fmt.Sprintf("spawn: %v", err))
	}
	h.setState(types.StateRunning)
	logging.Workers("spawned %s pid %d for batch %s", h.WorkerID, cmd.Process.Pid, h.BatchID)

	waitErr := cmd.Wait()
	defer os.Remove(heartbeat)
	ev.Duration = time.Since(h.StartedAt)

	// Cancellation takes precedence over the raw exit status: a signaled
	// process reports exit code -1 either way.
	switch cause := context.Cause(ctx); {
	case cause == causeTimeout:
		ev.State = types.StateTimedOut
		ev.Failure = types.FailureRetryable
		ev.Err = cause.Error()
		return ev
	case cause == causeCancel, cause == causeShutdown:
		ev.State = types.StateCancelled
		ev.Err = cause.Error()
		return ev
	}

	if waitErr == nil {
		ev.State = types.StateCompleted
		return ev
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		switch exitErr.ExitCode() {
		case exitRetryable:
			return fail(types.StateFailed, types.FailureRetryable, "worker exited 1 (retryable)")
		case exitFatal:
			return fail(types.StateFailed, types.FailureFatal, "worker exited 2 (fatal)")
		default:
			// Killed by an external signal or an unknown code.
			return fail(types.StateFailed, types.FailureRetryable,
				fmt.Sprintf("worker exited abnormally: %v", exitErr))
		}
	}
	return fail(types.StateFailed, types.FailureRetryable, fmt.Sprintf("wait: %v", waitErr))
}
