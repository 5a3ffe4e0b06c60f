// Package daemon runs the orchestrator loop: claim tasks from the queue,
// partition them into batches, score, enrich, route, dispatch, and fold
// worker exits back into queue completions. One task failing never stops the
// loop; per-task errors release the task and move on.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fixwarden/internal/batching"
	"fixwarden/internal/bus"
	"fixwarden/internal/config"
	"fixwarden/internal/escalation"
	"fixwarden/internal/index"
	"fixwarden/internal/logging"
	"fixwarden/internal/queue"
	"fixwarden/internal/routing"
	"fixwarden/internal/scoring"
	"fixwarden/internal/supervisor"
	"fixwarden/internal/types"
)

// Deps are the daemon's collaborators, injected so tests can swap adapters.
type Deps struct {
	Queue      queue.TaskQueue
	Bus        bus.Publisher
	Supervisor *supervisor.Supervisor
	Escalation *escalation.Manager
	Index      index.Searcher
}

// Counters are the daemon's monotonic run statistics.
type Counters struct {
	TasksClaimed    int `json:"tasks_claimed"`
	TasksDone       int `json:"tasks_done"`
	TasksFailed     int `json:"tasks_failed"`
	TasksRequeued   int `json:"tasks_requeued"`
	BatchesRouted   int `json:"batches_routed"`
	FastDispatched  int `json:"fast_dispatched"`
	HeavyDispatched int `json:"heavy_dispatched"`
	HumanEscalated  int `json:"human_escalated"`
}

// Snapshot is a point-in-time view for the status surface.
type Snapshot struct {
	Counters    Counters                    `json:"counters"`
	InFlight    int                         `json:"in_flight_tasks"`
	Workers     []supervisor.HandleSnapshot `json:"workers"`
	Escalations escalation.Stats            `json:"escalations"`
}

// taskProgress tracks one claimed task through its batches.
type taskProgress struct {
	task      types.Task
	total     int
	completed int
	escalated int
	fatal     int
	retryable int
	timedOut  int
	cancelled int
}

func (p *taskProgress) settled() bool {
	return p.completed+p.escalated+p.fatal+p.retryable+p.timedOut+p.cancelled >= p.total
}

// Daemon is the orchestrator.
type Daemon struct {
	cfg       *config.Config
	deps      Deps
	optimizer *batching.Optimizer
	scorer    *scoring.Scorer
	engine    *routing.Engine

	mu       sync.Mutex
	inflight map[string]*taskProgress
	counters Counters
}

// New assembles a daemon from configuration and collaborators.
func New(cfg *config.Config, deps Deps) *Daemon {
	d := &Daemon{
		cfg:       cfg,
		deps:      deps,
		optimizer: batching.New(cfg.Batching.MaxViolations, cfg.Batching.MaxFiles),
		engine: routing.New(routing.Thresholds{
			HighComplexity:   cfg.Routing.HighComplexityThreshold,
			SecurityKind:     cfg.Routing.SecurityKindThreshold,
			LowConfidence:    cfg.Routing.LowConfidenceThreshold,
			MediumComplexity: cfg.Routing.MediumComplexityThreshold,
		}),
		inflight: make(map[string]*taskProgress),
	}
	// A component producing an out-of-range score is a bug, not an
	// operational error: coerce, alert out of band, keep running.
	d.scorer = scoring.New(nil).WithInvariantHook(func(component string, value float64) {
		logging.Scoring("invariant violation: %s = %v", component, value)
		d.publish(bus.TopicInvariant, "", map[string]any{
			"component": component, "value": value,
		})
	})
	return d
}

// Run polls until ctx is cancelled, then drains workers and releases what is
// still in flight.
func (d *Daemon) Run(ctx context.Context) error {
	logging.Daemon("starting: poll=%s claim=%d fast_pool=%d heavy_pool=%d",
		d.cfg.PollInterval(), d.cfg.Daemon.ClaimBatchSize,
		d.cfg.Pools.FastPoolSize, d.cfg.Pools.HeavyPoolSize)

	d.deps.Supervisor.StartHealthSweep()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.tickLoop(gctx) })
	g.Go(func() error { return d.drainEvents(gctx) })
	err := g.Wait()

	d.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Tick runs one claim-and-dispatch pass. Exposed for tests and the dev
// command's single-shot mode.
func (d *Daemon) Tick(ctx context.Context) error {
	d.extendLeases(ctx)

	// Admission budget. With both pools full the daemon accepts nothing
	// from the queue; this is the only back-pressure mechanism.
	fastActive, heavyActive := d.deps.Supervisor.Active()
	budget := (d.cfg.Pools.FastPoolSize - fastActive) + (d.cfg.Pools.HeavyPoolSize - heavyActive)
	if budget <= 0 {
		logging.DaemonDebug("pools saturated, skipping tick")
		return nil
	}
	claim := d.cfg.Daemon.ClaimBatchSize
	if budget < claim {
		claim = budget
	}

	cctx, cancel := context.WithTimeout(ctx, d.cfg.QueuePollTimeout())
	tasks, err := d.deps.Queue.ClaimNext(cctx, claim, d.cfg.LeaseDuration())
	cancel()
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	for _, t := range tasks {
		if err := d.startTask(ctx, t); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Per-task isolation: put it back and keep going.
			logging.DaemonDebug("task %s failed to start, releasing: %v", t.ID, err)
			if relErr := d.deps.Queue.Release(ctx, t.ID); relErr != nil {
				logging.QueueWarn("release %s: %v", t.ID, relErr)
			}
			d.mu.Lock()
			delete(d.inflight, t.ID)
			d.mu.Unlock()
		}
	}
	return nil
}

func (d *Daemon) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()

	for {
		if err := d.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.DaemonDebug("tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// startTask partitions, scores, routes and dispatches one claimed task.
func (d *Daemon) startTask(ctx context.Context, t types.Task) error {
	d.publish(bus.TopicTaskClaimed, t.ID, map[string]any{
		"task_id": t.ID, "violations": len(t.Violations), "attempt": t.Attempt,
	})
	d.mu.Lock()
	d.counters.TasksClaimed++
	d.mu.Unlock()

	batches := d.optimizer.Partition(t.ID, t.Violations, "")
	if len(batches) == 0 {
		// Empty task; close it out immediately.
		if err := d.deps.Queue.MarkDone(ctx, t.ID, types.TaskOutcome{Success: true}); err != nil {
			return fmt.Errorf("mark empty task done: %w", err)
		}
		d.publish(bus.TopicTaskDone, t.ID, map[string]any{"task_id": t.ID, "batches": 0})
		return nil
	}

	ids := make([]string, len(batches))
	for i, b := range batches {
		ids[i] = b.ID
	}
	d.publish(bus.TopicTaskBatched, t.ID, map[string]any{
		"task_id": t.ID, "batch_ids": ids, "strategy": string(batches[0].Strategy),
	})

	d.mu.Lock()
	d.inflight[t.ID] = &taskProgress{task: t, total: len(batches)}
	d.mu.Unlock()

	for _, b := range batches {
		score := d.scorer.Score(b)
		retrieval := d.deps.Index.Query(index.QueryText(b), d.cfg.Index.TopK)
		decision := d.engine.Decide(b, score, retrieval)

		d.publish(bus.TopicTaskRouted, t.ID, map[string]any{
			"task_id": t.ID, "batch_id": b.ID,
			"channel": string(decision.Channel), "reason": string(decision.Reason),
			"score": score.Total, "confidence": retrieval.Confidence,
		})
		d.mu.Lock()
		d.counters.BatchesRouted++
		d.mu.Unlock()

		switch decision.Channel {
		case types.ChannelHuman:
			if _, err := d.deps.Escalation.Open(ctx, b.ID, "", t.ID, decision.Reason); err != nil {
				return fmt.Errorf("open escalation for %s: %w", b.ID, err)
			}
			d.mu.Lock()
			d.counters.HumanEscalated++
			d.inflight[t.ID].escalated++
			d.mu.Unlock()
		default:
			if _, err := d.deps.Supervisor.Dispatch(ctx, t.ID, t.ID, decision); err != nil {
				return fmt.Errorf("dispatch %s: %w", b.ID, err)
			}
			d.mu.Lock()
			if decision.Channel == types.ChannelFast {
				d.counters.FastDispatched++
			} else {
				d.counters.HeavyDispatched++
			}
			d.mu.Unlock()
		}
	}
	return d.maybeFinish(ctx, t.ID)
}

// drainEvents folds worker exits into task progress.
func (d *Daemon) drainEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-d.deps.Supervisor.Events():
			if !ok {
				return nil
			}
			d.onWorkerEvent(ctx, ev)
		}
	}
}

func (d *Daemon) onWorkerEvent(ctx context.Context, ev supervisor.WorkerEvent) {
	d.mu.Lock()
	p, ok := d.inflight[ev.TaskID]
	if !ok {
		d.mu.Unlock()
		logging.DaemonDebug("worker event for unknown task %s (batch %s)", ev.TaskID, ev.BatchID)
		return
	}
	switch ev.State {
	case types.StateCompleted:
		p.completed++
	case types.StateFailed:
		if ev.Failure == types.FailureFatal {
			p.fatal++
		} else {
			p.retryable++
		}
	case types.StateTimedOut:
		p.timedOut++
	case types.StateCancelled:
		p.cancelled++
	}
	d.mu.Unlock()

	// Fatal exits, timeouts and cancellations all leave a batch no worker
	// retry will fix; a human case is opened for each.
	var reason types.ReasonCode
	switch {
	case ev.State == types.StateFailed && ev.Failure == types.FailureFatal:
		reason = types.ReasonWorkerFatal
	case ev.State == types.StateTimedOut:
		reason = types.ReasonTimeout
	case ev.State == types.StateCancelled:
		reason = types.ReasonCancelled
	}
	if reason != "" {
		if _, err := d.deps.Escalation.Open(ctx, ev.BatchID, ev.WorkerID, ev.TaskID, reason); err != nil {
			logging.Escalation("open %s case for %s: %v", reason, ev.BatchID, err)
		}
	}
	if err := d.maybeFinish(ctx, ev.TaskID); err != nil {
		logging.QueueWarn("finish %s: %v", ev.TaskID, err)
	}
}

// maybeFinish closes a task out once every batch reached a terminal fate.
// Retryable failures requeue the whole task; exhausted retries escalate and
// fail it; timeouts and cancellations fail it outright (their batches already
// escalated); anything else completes it.
func (d *Daemon) maybeFinish(ctx context.Context, taskID string) error {
	d.mu.Lock()
	p, ok := d.inflight[taskID]
	if !ok || !p.settled() {
		d.mu.Unlock()
		return nil
	}
	delete(d.inflight, taskID)
	d.mu.Unlock()

	switch {
	case p.retryable > 0:
		err := d.deps.Queue.Requeue(ctx, taskID)
		if errors.Is(err, queue.ErrExhausted) {
			if _, escErr := d.deps.Escalation.Open(ctx, taskID, "", taskID, types.ReasonExhaustedRetries); escErr != nil {
				logging.Escalation("open exhausted-retries case for %s: %v", taskID, escErr)
			}
			if mfErr := d.deps.Queue.MarkFailed(ctx, taskID, "retry attempts exhausted"); mfErr != nil {
				return fmt.Errorf("mark failed %s: %w", taskID, mfErr)
			}
			d.publish(bus.TopicTaskFailed, taskID, map[string]any{
				"task_id": taskID, "reason": "retry attempts exhausted",
			})
			d.bumpCounter(func(c *Counters) { c.TasksFailed++ })
			return nil
		}
		if err != nil {
			return fmt.Errorf("requeue %s: %w", taskID, err)
		}
		d.publish(bus.TopicTaskRequeued, taskID, map[string]any{
			"task_id": taskID, "attempt": p.task.Attempt + 1,
		})
		d.bumpCounter(func(c *Counters) { c.TasksRequeued++ })
		return nil

	case p.timedOut+p.cancelled > 0:
		reason := "worker timed out"
		if p.timedOut == 0 {
			reason = "worker cancelled"
		}
		if err := d.deps.Queue.MarkFailed(ctx, taskID, reason); err != nil {
			return fmt.Errorf("mark failed %s: %w", taskID, err)
		}
		d.publish(bus.TopicTaskFailed, taskID, map[string]any{
			"task_id": taskID, "reason": reason,
			"timed_out": p.timedOut, "cancelled": p.cancelled,
		})
		d.bumpCounter(func(c *Counters) { c.TasksFailed++ })
		return nil

	default:
		outcome := types.TaskOutcome{
			Success:   p.fatal == 0,
			Completed: p.completed,
			Escalated: p.escalated + p.fatal,
		}
		if p.fatal > 0 {
			outcome.Detail = fmt.Sprintf("%d batch(es) failed fatally and were escalated", p.fatal)
		}
		if err := d.deps.Queue.MarkDone(ctx, taskID, outcome); err != nil {
			return fmt.Errorf("mark done %s: %w", taskID, err)
		}
		d.publish(bus.TopicTaskDone, taskID, map[string]any{
			"task_id": taskID, "completed": outcome.Completed, "escalated": outcome.Escalated,
		})
		d.bumpCounter(func(c *Counters) { c.TasksDone++ })
		logging.Daemon("task %s done: %d completed, %d escalated", taskID, outcome.Completed, outcome.Escalated)
		return nil
	}
}

// extendLeases keeps claimed tasks leased while their batches run.
func (d *Daemon) extendLeases(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.inflight))
	for id := range d.inflight {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		if err := d.deps.Queue.ExtendLease(ctx, id, d.cfg.LeaseDuration()); err != nil {
			logging.QueueWarn("extend lease %s: %v", id, err)
		}
	}
}

// shutdown stops workers and releases in-flight tasks so another orchestrator
// can pick them up.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace())
	defer cancel()

	if err := d.deps.Supervisor.Shutdown(ctx); err != nil {
		logging.Daemon("supervisor shutdown: %v", err)
	}

	d.mu.Lock()
	ids := make([]string, 0, len(d.inflight))
	for id := range d.inflight {
		ids = append(ids, id)
	}
	d.inflight = make(map[string]*taskProgress)
	d.mu.Unlock()

	for _, id := range ids {
		if err := d.deps.Queue.Release(ctx, id); err != nil {
			logging.QueueWarn("release %s on shutdown: %v", id, err)
		}
	}
	logging.Daemon("stopped (%d task(s) released)", len(ids))
}

// StateSnapshot returns the current status view.
func (d *Daemon) StateSnapshot(ctx context.Context) (Snapshot, error) {
	d.mu.Lock()
	snap := Snapshot{Counters: d.counters, InFlight: len(d.inflight)}
	d.mu.Unlock()

	snap.Workers = d.deps.Supervisor.Snapshot()
	stats, err := d.deps.Escalation.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("escalation stats: %w", err)
	}
	snap.Escalations = stats
	return snap, nil
}

func (d *Daemon) bumpCounter(f func(*Counters)) {
	d.mu.Lock()
	f(&d.counters)
	d.mu.Unlock()
}

func (d *Daemon) publish(topic, correlationID string, body map[string]any) {
	if d.deps.Bus == nil {
		return
	}
	if err := d.deps.Bus.Publish(bus.New(topic, correlationID, body)); err != nil {
		logging.Events("publish %s failed: %v", topic, err)
	}
}
