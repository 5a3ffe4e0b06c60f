// Package supervisor owns worker lifecycle: admission into the bounded fast
// and heavy pools, execution, deadlines, cancellation and health sweeps.
// Terminal transitions surface on the Events channel; the daemon folds them
// into queue completions.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"fixwarden/internal/bus"
	"fixwarden/internal/logging"
	"fixwarden/internal/registry"
	"fixwarden/internal/types"
)

// Options configures the supervisor. Zero durations fall back to safe
// defaults in New.
type Options struct {
	FastPoolSize   int
	HeavyPoolSize  int
	FastTimeout    time.Duration
	HeavyTimeout   time.Duration
	SoftStopGrace  time.Duration
	HeartbeatStale time.Duration
	SweepInterval  time.Duration
	StartupScript  string
	HeartbeatDir   string
}

// WorkerEvent is one terminal worker transition.
type WorkerEvent struct {
	WorkerID      string
	Kind          types.WorkerKind
	BatchID       string
	TaskID        string
	CorrelationID string
	State         types.WorkerState
	Failure       types.FailureClass
	Err           string
	Duration      time.Duration
}

// Handle is the supervisor's view of one live or finished worker.
type Handle struct {
	WorkerID      string
	Kind          types.WorkerKind
	BatchID       string
	TaskID        string
	CorrelationID string
	StartedAt     time.Time
	Deadline      time.Time

	mu            sync.Mutex
	state         types.WorkerState
	cancel        context.CancelCauseFunc
	heartbeatPath string
	lastBeat      time.Time
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() types.WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s types.WorkerState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Cancellation causes, read back after the worker exits to classify it.
// causeTimeout is set only by the health sweep, which owns the timed-out
// transition: a worker is reaped when its deadline has passed and its
// heartbeat has gone stale, never for either condition alone.
var (
	causeTimeout  = fmt.Errorf("worker deadline exceeded with stale heartbeat")
	causeCancel   = fmt.Errorf("worker cancelled")
	causeShutdown = fmt.Errorf("supervisor shutting down")
)

// Supervisor runs fast workers in-process and heavy workers as subprocesses,
// bounded by two admission semaphores.
type Supervisor struct {
	opts  Options
	fixer FastFixer
	reg   registry.Registry
	bus   bus.Publisher

	fastSem  *semaphore.Weighted
	heavySem *semaphore.Weighted

	mu      sync.RWMutex
	handles map[string]*Handle

	events    chan WorkerEvent
	closeOnce sync.Once
	wg        sync.WaitGroup

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates a supervisor. The fixer handles FAST batches in-process.
func New(opts Options, fixer FastFixer, reg registry.Registry, publisher bus.Publisher) *Supervisor {
	if opts.FastPoolSize <= 0 {
		opts.FastPoolSize = 3
	}
	if opts.HeavyPoolSize <= 0 {
		opts.HeavyPoolSize = 2
	}
	if opts.FastTimeout <= 0 {
		opts.FastTimeout = 60 * time.Second
	}
	if opts.HeavyTimeout <= 0 {
		opts.HeavyTimeout = 300 * time.Second
	}
	if opts.SoftStopGrace <= 0 {
		opts.SoftStopGrace = 10 * time.Second
	}
	if opts.HeartbeatStale <= 0 {
		opts.HeartbeatStale = 60 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if reg == nil {
		reg = registry.Noop{}
	}
	return &Supervisor{
		opts:     opts,
		fixer:    fixer,
		reg:      reg,
		bus:      publisher,
		fastSem:  semaphore.NewWeighted(int64(opts.FastPoolSize)),
		heavySem: semaphore.NewWeighted(int64(opts.HeavyPoolSize)),
		handles:  make(map[string]*Handle),
		events:   make(chan WorkerEvent, opts.FastPoolSize+opts.HeavyPoolSize+16),
	}
}

// Events is the terminal-transition stream. Buffered; the daemon drains it
// every tick.
func (s *Supervisor) Events() <-chan WorkerEvent { return s.events }

// Dispatch admits a FAST or HEAVY decision into its pool, blocking while the
// pool is full, and starts the worker. Returns the worker id.
func (s *Supervisor) Dispatch(ctx context.Context, taskID, correlationID string, d types.RoutingDecision) (string, error) {
	var sem *semaphore.Weighted
	var kind types.WorkerKind
	var timeout time.Duration

	switch d.Channel {
	case types.ChannelFast:
		sem, kind, timeout = s.fastSem, types.WorkerFast, s.opts.FastTimeout
	case types.ChannelHeavy:
		sem, kind, timeout = s.heavySem, types.WorkerHeavy, s.opts.HeavyTimeout
	default:
		return "", fmt.Errorf("channel %s is not dispatchable", d.Channel)
	}

	// Pool admission. Blocks until a slot frees or the context dies; never
	// spins, never drops.
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire %s slot: %w", kind, err)
	}

	workerID := fmt.Sprintf("w-%s", uuid.NewString()[:8])
	now := time.Now()
	h := &Handle{
		WorkerID:      workerID,
		Kind:          kind,
		BatchID:       d.Batch.ID,
		TaskID:        taskID,
		CorrelationID: correlationID,
		StartedAt:     now,
		Deadline:      now.Add(timeout),
		state:         types.StateStarting,
	}

	wctx, cancel := context.WithCancelCause(context.Background())
	h.cancel = cancel

	s.mu.Lock()
	s.handles[workerID] = h
	s.mu.Unlock()

	s.reg.Register(registry.Entry{
		WorkerID: workerID, Kind: kind, BatchID: d.Batch.ID, TaskID: taskID, RegisteredAt: now,
	})
	s.publish(bus.TopicWorkerStarted, correlationID, map[string]any{
		"worker_id": workerID, "kind": string(kind), "batch_id": d.Batch.ID,
	})
	logging.Workers("dispatch %s %s for batch %s (deadline %s)", kind, workerID, d.Batch.ID, timeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sem.Release(1)
		defer cancel(nil)

		var ev WorkerEvent
		if kind == types.WorkerFast {
			ev = s.runFast(wctx, h, d)
		} else {
			ev = s.runHeavy(wctx, h, d)
		}
		s.finish(h, ev)
	}()
	return workerID, nil
}

// finish records the terminal state and emits the event.
func (s *Supervisor) finish(h *Handle, ev WorkerEvent) {
	h.setState(ev.State)
	s.reg.Unregister(h.WorkerID)
	s.publish(bus.TopicWorkerExited, h.CorrelationID, map[string]any{
		"worker_id": h.WorkerID, "state": string(ev.State),
		"failure": string(ev.Failure), "duration_ms": ev.Duration.Milliseconds(),
	})
	logging.Workers("%s exited %s (failure=%s, %s)", h.WorkerID, ev.State, ev.Failure, ev.Duration)
	s.events <- ev
}

// Cancel requests cooperative cancellation of a running worker. Heavy
// workers get SIGTERM, then SIGKILL after the soft-stop grace.
func (s *Supervisor) Cancel(workerID string) error {
	s.mu.RLock()
	h, ok := s.handles[workerID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown worker %s", workerID)
	}
	if h.State().Terminal() {
		return nil
	}
	h.cancel(causeCancel)
	return nil
}

// Active counts non-terminal handles per kind.
func (s *Supervisor) Active() (fast, heavy int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.handles {
		if h.State().Terminal() {
			continue
		}
		if h.Kind == types.WorkerFast {
			fast++
		} else {
			heavy++
		}
	}
	return fast, heavy
}

// HandleSnapshot is a point-in-time summary of one handle for the status
// surface.
type HandleSnapshot struct {
	WorkerID  string            `json:"worker_id"`
	Kind      types.WorkerKind  `json:"kind"`
	BatchID   string            `json:"batch_id"`
	TaskID    string            `json:"task_id"`
	State     types.WorkerState `json:"state"`
	StartedAt time.Time         `json:"started_at"`
	Elapsed   time.Duration     `json:"elapsed"`
}

// Snapshot returns a copy of every known handle's summary.
func (s *Supervisor) Snapshot() []HandleSnapshot {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HandleSnapshot, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, HandleSnapshot{
			WorkerID: h.WorkerID, Kind: h.Kind, BatchID: h.BatchID,
			TaskID: h.TaskID, State: h.State(),
			StartedAt: h.StartedAt, Elapsed: now.Sub(h.StartedAt),
		})
	}
	return out
}

// forget drops terminal handles older than the retention window. Called by
// the sweep so the handle map does not grow without bound.
func (s *Supervisor) forget(olderThan time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.handles {
		if h.State().Terminal() && h.StartedAt.Before(olderThan) {
			delete(s.handles, id)
		}
	}
}

// Shutdown cancels every running worker and waits for them to exit, up to
// the context deadline.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.StopHealthSweep()

	s.mu.RLock()
	for _, h := range s.handles {
		if !h.State().Terminal() {
			h.cancel(causeShutdown)
		}
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.closeOnce.Do(func() { close(s.events) })
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}

func (s *Supervisor) publish(topic, correlationID string, body map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(bus.New(topic, correlationID, body)); err != nil {
		logging.WorkersWarn("event publish failed for %s: %v", topic, err)
	}
}
