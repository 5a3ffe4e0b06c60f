package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"fixwarden/internal/bus"
	"fixwarden/internal/registry"
	"fixwarden/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testBatch(id string) types.Batch {
	return types.Batch{
		ID:     id,
		TaskID: "t1",
		Violations: []types.Violation{
			{ID: "v1", Kind: types.KindLineLength, FilePath: "a.py", Line: 3},
		},
		Strategy: types.StrategyByType,
	}
}

func decision(ch types.Channel, batchID string) types.RoutingDecision {
	return types.RoutingDecision{
		Channel: ch,
		Reason:  types.ReasonAutoFixable,
		Batch:   testBatch(batchID),
		Mode:    types.ModeHeadless,
	}
}

func newSupervisor(t *testing.T, opts Options, fixer FastFixer) (*Supervisor, *bus.MemoryBus) {
	t.Helper()
	mb := bus.NewMemory()
	s := New(opts, fixer, registry.NewMemory(), mb)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})
	return s, mb
}

func waitEvent(t *testing.T, s *Supervisor) WorkerEvent {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for worker event")
		return WorkerEvent{}
	}
}

// script writes an executable worker stub and returns its path.
func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestFastWorkerCompletes(t *testing.T) {
	fixed := make(chan types.Batch, 1)
	s, mb := newSupervisor(t, Options{}, FixerFunc(func(_ context.Context, b types.Batch, _ types.RetrievalContext) error {
		fixed <- b
		return nil
	}))

	id, err := s.Dispatch(context.Background(), "t1", "corr-1", decision(types.ChannelFast, "b1"))
	require.NoError(t, err)

	ev := waitEvent(t, s)
	assert.Equal(t, id, ev.WorkerID)
	assert.Equal(t, types.StateCompleted, ev.State)
	assert.Equal(t, types.WorkerFast, ev.Kind)
	assert.Equal(t, "b1", (<-fixed).ID)

	assert.Len(t, mb.ByTopic(bus.TopicWorkerStarted), 1)
	assert.Len(t, mb.ByTopic(bus.TopicWorkerExited), 1)
}

func TestFastWorkerFailureClasses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want types.FailureClass
	}{
		{"retryable", errors.New("lint backend unavailable"), types.FailureRetryable},
		{"fatal", Fatal(errors.New("file deleted upstream")), types.FailureFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newSupervisor(t, Options{}, FixerFunc(func(context.Context, types.Batch, types.RetrievalContext) error {
				return tc.err
			}))
			_, err := s.Dispatch(context.Background(), "t1", "c", decision(types.ChannelFast, "b1"))
			require.NoError(t, err)

			ev := waitEvent(t, s)
			assert.Equal(t, types.StateFailed, ev.State)
			assert.Equal(t, tc.want, ev.Failure)
		})
	}
}

func TestFastWorkerTimesOut(t *testing.T) {
	timeout := 50 * time.Millisecond
	s, _ := newSupervisor(t, Options{
		FastTimeout:    timeout,
		HeartbeatStale: 20 * time.Millisecond,
		SweepInterval:  20 * time.Millisecond,
	}, FixerFunc(func(ctx context.Context, _ types.Batch, _ types.RetrievalContext) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	s.StartHealthSweep()

	_, err := s.Dispatch(context.Background(), "t1", "c", decision(types.ChannelFast, "b1"))
	require.NoError(t, err)

	ev := waitEvent(t, s)
	assert.Equal(t, types.StateTimedOut, ev.State)
	assert.Equal(t, types.FailureRetryable, ev.Failure)
	// The sweep never reaps before the deadline.
	assert.GreaterOrEqual(t, ev.Duration, timeout)
}

func TestFastPoolBlocksAtCapacity(t *testing.T) {
	release := make(chan struct{})
	s, _ := newSupervisor(t, Options{FastPoolSize: 1},
		FixerFunc(func(ctx context.Context, _ types.Batch, _ types.RetrievalContext) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))

	_, err := s.Dispatch(context.Background(), "t1", "c", decision(types.ChannelFast, "b1"))
	require.NoError(t, err)

	// Second dispatch must block on admission until the first slot frees.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Dispatch(ctx, "t1", "c", decision(types.ChannelFast, "b2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	waitEvent(t, s)

	_, err = s.Dispatch(context.Background(), "t1", "c", decision(types.ChannelFast, "b3"))
	require.NoError(t, err)
	waitEvent(t, s)
}

func TestHumanChannelNotDispatchable(t *testing.T) {
	s, _ := newSupervisor(t, Options{}, FixerFunc(func(context.Context, types.Batch, types.RetrievalContext) error {
		return nil
	}))
	_, err := s.Dispatch(context.Background(), "t1", "c", decision(types.ChannelHuman, "b1"))
	assert.Error(t, err)
}

func TestHeavyWorkerExitCodes(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		wantState types.WorkerState
		wantClass types.FailureClass
	}{
		{"completed", "exit 0", types.StateCompleted, types.FailureNone},
		{"retryable", "exit 1", types.StateFailed, types.FailureRetryable},
		{"fatal", "exit 2", types.StateFailed, types.FailureFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newSupervisor(t, Options{
				StartupScript: script(t, tc.body),
				HeartbeatDir:  t.TempDir(),
			}, nil)
			_, err := s.Dispatch(context.Background(), "t1", "c", decision(types.ChannelHeavy, "b1"))
			require.NoError(t, err)

			ev := waitEvent(t, s)
			assert.Equal(t, tc.wantState, ev.State)
			assert.Equal(t, tc.wantClass, ev.Failure)
			assert.Equal(t, types.WorkerHeavy, ev.Kind)
		})
	}
}

func TestHeavyWorkerEnvironment(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "env.txt")
	body := `printf '%s\n%s\n%s\n%s\n' "$QA_WORKER_ID" "$QA_MODE" "$QA_CORRELATION_ID" "$QA_DEADLINE_EPOCH_S" > ` + out + `
printf '%s' "$QA_TASK_JSON" >> ` + out

	s, _ := newSupervisor(t, Options{
		StartupScript: script(t, body),
		HeartbeatDir:  t.TempDir(),
	}, nil)
	id, err := s.Dispatch(context.Background(), "t1", "corr-42", decision(types.ChannelHeavy, "b1"))
	require.NoError(t, err)
	ev := waitEvent(t, s)
	require.Equal(t, types.StateCompleted, ev.State)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, id)
	assert.Contains(t, content, string(types.ModeHeadless))
	assert.Contains(t, content, "corr-42")
	assert.Contains(t, content, `"id":"b1"`)
}

func TestHeavyWorkerTimesOut(t *testing.T) {
	timeout := 100 * time.Millisecond
	s, _ := newSupervisor(t, Options{
		StartupScript:  script(t, "sleep 30"),
		HeartbeatDir:   t.TempDir(),
		HeavyTimeout:   timeout,
		HeartbeatStale: 50 * time.Millisecond,
		SweepInterval:  25 * time.Millisecond,
		SoftStopGrace:  100 * time.Millisecond,
	}, nil)
	s.StartHealthSweep()

	_, err := s.Dispatch(context.Background(), "t1", "c", decision(types.ChannelHeavy, "b1"))
	require.NoError(t, err)

	ev := waitEvent(t, s)
	assert.Equal(t, types.StateTimedOut, ev.State)
	assert.Equal(t, types.FailureRetryable, ev.Failure)
	assert.GreaterOrEqual(t, ev.Duration, timeout)
}

func TestCancelHeavyWorker(t *testing.T) {
	s, _ := newSupervisor(t, Options{
		StartupScript: script(t, "sleep 30"),
		HeartbeatDir:  t.TempDir(),
		SoftStopGrace: 100 * time.Millisecond,
	}, nil)
	id, err := s.Dispatch(context.Background(), "t1", "c", decision(types.ChannelHeavy, "b1"))
	require.NoError(t, err)

	// Give the process a moment to start before cancelling.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Cancel(id))

	ev := waitEvent(t, s)
	assert.Equal(t, types.StateCancelled, ev.State)
}

func TestHeavyWithoutScriptFailsFatal(t *testing.T) {
	s, _ := newSupervisor(t, Options{}, nil)
	_, err := s.Dispatch(context.Background(), "t1", "c", decision(types.ChannelHeavy, "b1"))
	require.NoError(t, err)

	ev := waitEvent(t, s)
	assert.Equal(t, types.StateFailed, ev.State)
	assert.Equal(t, types.FailureFatal, ev.Failure)
}

func TestActiveCounts(t *testing.T) {
	release := make(chan struct{})
	s, _ := newSupervisor(t, Options{FastPoolSize: 2},
		FixerFunc(func(ctx context.Context, _ types.Batch, _ types.RetrievalContext) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	_, err := s.Dispatch(context.Background(), "t1", "c", decision(types.ChannelFast, "b1"))
	require.NoError(t, err)

	fast, heavy := s.Active()
	assert.Equal(t, 1, fast)
	assert.Equal(t, 0, heavy)

	close(release)
	waitEvent(t, s)
}

func TestSnapshotCarriesStartAndElapsed(t *testing.T) {
	release := make(chan struct{})
	s, _ := newSupervisor(t, Options{},
		FixerFunc(func(ctx context.Context, _ types.Batch, _ types.RetrievalContext) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	id, err := s.Dispatch(context.Background(), "t1", "c", decision(types.ChannelFast, "b1"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, id, snap[0].WorkerID)
	assert.False(t, snap[0].State.Terminal())
	assert.False(t, snap[0].StartedAt.IsZero())
	assert.Greater(t, snap[0].Elapsed, time.Duration(0))

	close(release)
	waitEvent(t, s)
}

func TestRuleBasedFixer(t *testing.T) {
	f := NewRuleBasedFixer()
	var fixedIDs []string
	f.Register(types.KindLineLength, func(_ context.Context, v types.Violation) error {
		fixedIDs = append(fixedIDs, v.ID)
		return nil
	})

	b := types.Batch{ID: "b1", Violations: []types.Violation{
		{ID: "v1", Kind: types.KindLineLength},
		{ID: "v2", Kind: types.KindLineLength},
	}}
	require.NoError(t, f.Fix(context.Background(), b, types.RetrievalContext{}))
	assert.Equal(t, []string{"v1", "v2"}, fixedIDs)

	b.Violations = append(b.Violations, types.Violation{ID: "v3", Kind: types.KindSecurityTaint})
	err := f.Fix(context.Background(), b, types.RetrievalContext{})
	assert.ErrorContains(t, err, "no rule for kind")
}
