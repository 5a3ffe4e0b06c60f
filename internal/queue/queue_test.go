package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixwarden/internal/types"
)

func task(id string, enqueued time.Time) types.Task {
	return types.Task{
		ID:          id,
		Violations:  []types.Violation{{ID: id + "-v1", Kind: types.KindLineLength, FilePath: "a.py", Line: 3}},
		MaxAttempts: 3,
		EnqueuedAt:  enqueued,
	}
}

// openAdapters returns both adapters behind the shared contract so the
// lifecycle tests run against each.
func openAdapters(t *testing.T) map[string]TaskQueue {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return map[string]TaskQueue{"memory": NewMemory(), "sqlite": s}
}

func TestClaimOrderAndLease(t *testing.T) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for name, q := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Enqueue(ctx, task("t2", base.Add(2*time.Second))))
			require.NoError(t, q.Enqueue(ctx, task("t1", base.Add(time.Second))))
			require.NoError(t, q.Enqueue(ctx, task("t3", base.Add(3*time.Second))))

			got, err := q.ClaimNext(ctx, 2, time.Minute)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "t1", got[0].ID)
			assert.Equal(t, "t2", got[1].ID)
			assert.Len(t, got[0].Violations, 1)

			// Claimed tasks are invisible while their lease holds.
			rest, err := q.ClaimNext(ctx, 5, time.Minute)
			require.NoError(t, err)
			require.Len(t, rest, 1)
			assert.Equal(t, "t3", rest[0].ID)

			none, err := q.ClaimNext(ctx, 5, time.Minute)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	for name, q := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Enqueue(ctx, task("t1", time.Now())))

			got, err := q.ClaimNext(ctx, 1, -time.Second)
			require.NoError(t, err)
			require.Len(t, got, 1)

			again, err := q.ClaimNext(ctx, 1, time.Minute)
			require.NoError(t, err)
			require.Len(t, again, 1, "expired lease must make the task claimable")
			assert.Equal(t, "t1", again[0].ID)
		})
	}
}

func TestMarkDoneIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, q := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Enqueue(ctx, task("t1", time.Now())))
			_, err := q.ClaimNext(ctx, 1, time.Minute)
			require.NoError(t, err)

			out := types.TaskOutcome{Success: true, Completed: 2}
			require.NoError(t, q.MarkDone(ctx, "t1", out))
			require.NoError(t, q.MarkDone(ctx, "t1", out), "second MarkDone must no-op")

			// Done tasks never come back.
			got, err := q.ClaimNext(ctx, 5, time.Minute)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestReleaseKeepsAttempt(t *testing.T) {
	ctx := context.Background()
	for name, q := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Enqueue(ctx, task("t1", time.Now())))
			_, err := q.ClaimNext(ctx, 1, time.Minute)
			require.NoError(t, err)

			require.NoError(t, q.Release(ctx, "t1"))
			got, err := q.ClaimNext(ctx, 1, time.Minute)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 0, got[0].Attempt)
		})
	}
}

func TestRequeueIncrementsAndExhausts(t *testing.T) {
	ctx := context.Background()
	for name, q := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			tk := task("t1", time.Now())
			tk.MaxAttempts = 2
			require.NoError(t, q.Enqueue(ctx, tk))

			_, err := q.ClaimNext(ctx, 1, time.Minute)
			require.NoError(t, err)
			require.NoError(t, q.Requeue(ctx, "t1"))

			got, err := q.ClaimNext(ctx, 1, time.Minute)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 1, got[0].Attempt)

			assert.ErrorIs(t, q.Requeue(ctx, "t1"), ErrExhausted)
		})
	}
}

func TestSentinelErrors(t *testing.T) {
	ctx := context.Background()
	for name, q := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, q.ExtendLease(ctx, "nope", time.Minute), ErrUnknownTask)
			assert.ErrorIs(t, q.Release(ctx, "nope"), ErrUnknownTask)

			require.NoError(t, q.Enqueue(ctx, task("t1", time.Now())))
			assert.ErrorIs(t, q.Release(ctx, "t1"), ErrNotClaimed)
			assert.ErrorIs(t, q.ExtendLease(ctx, "t1", time.Minute), ErrNotClaimed)
		})
	}
}

func TestExtendLeaseHoldsClaim(t *testing.T) {
	ctx := context.Background()
	for name, q := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Enqueue(ctx, task("t1", time.Now())))
			_, err := q.ClaimNext(ctx, 1, time.Millisecond)
			require.NoError(t, err)
			require.NoError(t, q.ExtendLease(ctx, "t1", time.Hour))

			time.Sleep(5 * time.Millisecond)
			got, err := q.ClaimNext(ctx, 1, time.Minute)
			require.NoError(t, err)
			assert.Empty(t, got, "extended lease must keep the task claimed")
		})
	}
}
