package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"fixwarden/internal/bus"
	"fixwarden/internal/logging"
	"fixwarden/internal/types"
)

// handleRetention is how long terminal handles stay queryable before the
// sweep forgets them.
const handleRetention = 10 * time.Minute

// StartHealthSweep launches the monitor loop: an fsnotify watch on the
// heartbeat directory for prompt liveness updates, plus a periodic sweep
// that catches stalled workers by heartbeat-file mtime when events are
// missed. Stop with StopHealthSweep or Shutdown.
func (s *Supervisor) StartHealthSweep() {
	if s.sweepDone != nil {
		return
	}
	done := make(chan struct{})
	stop := make(chan struct{})
	s.sweepDone = done
	s.sweepCancel = func() { close(stop) }

	var watcher *fsnotify.Watcher
	if s.opts.HeartbeatDir != "" {
		if err := os.MkdirAll(s.opts.HeartbeatDir, 0o755); err == nil {
			if w, err := fsnotify.NewWatcher(); err == nil {
				if err := w.Add(s.opts.HeartbeatDir); err == nil {
					watcher = w
				} else {
					w.Close()
					logging.WorkersWarn("heartbeat watch failed, falling back to mtime polls: %v", err)
				}
			}
		}
	}

	go func() {
		defer close(done)
		if watcher != nil {
			defer watcher.Close()
		}
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()

		for {
			var fsEvents <-chan fsnotify.Event
			var fsErrors <-chan error
			if watcher != nil {
				fsEvents = watcher.Events
				fsErrors = watcher.Errors
			}
			select {
			case <-stop:
				return
			case ev := <-fsEvents:
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					s.noteBeat(ev.Name, time.Now())
				}
			case err := <-fsErrors:
				logging.WorkersWarn("heartbeat watcher error: %v", err)
			case <-ticker.C:
				s.sweep(time.Now())
			}
		}
	}()
}

// StopHealthSweep stops the monitor loop and waits for it to exit.
func (s *Supervisor) StopHealthSweep() {
	if s.sweepDone == nil {
		return
	}
	s.sweepCancel()
	<-s.sweepDone
	s.sweepDone = nil
	s.sweepCancel = nil
}

// noteBeat records a heartbeat observed for the worker owning path.
func (s *Supervisor) noteBeat(path string, at time.Time) {
	workerID := strings.TrimSuffix(filepath.Base(path), ".beat")
	s.mu.RLock()
	h, ok := s.handles[workerID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	h.mu.Lock()
	if at.After(h.lastBeat) {
		h.lastBeat = at
	}
	h.mu.Unlock()
	s.reg.Heartbeat(workerID, at)
}

// sweep owns the timed-out transition: a running worker is reaped only once
// its deadline has passed and its heartbeat is older than the stale
// threshold. A worker still heartbeating past its deadline is left to
// finish. The sweep also prunes old terminal handles.
func (s *Supervisor) sweep(now time.Time) {
	s.mu.RLock()
	var expired []*Handle
	for _, h := range s.handles {
		if h.State() != types.StateRunning {
			continue
		}
		// In-process workers tick the registry from here; their liveness
		// signal against the stale threshold is their start time.
		if h.Kind == types.WorkerFast {
			s.reg.Heartbeat(h.WorkerID, now)
		}
		if now.Before(h.Deadline) {
			continue
		}
		if s.lastSeen(h).Add(s.opts.HeartbeatStale).Before(now) {
			expired = append(expired, h)
		}
	}
	s.mu.RUnlock()

	for _, h := range expired {
		logging.WorkersWarn("worker %s past deadline with stale heartbeat, cancelling", h.WorkerID)
		s.publish(bus.TopicWorkerStalled, h.CorrelationID, map[string]any{
			"worker_id": h.WorkerID, "batch_id": h.BatchID,
		})
		h.cancel(causeTimeout)
	}

	s.forget(now.Add(-handleRetention))
}

// lastSeen is the freshest liveness signal for a handle: the watched beat if
// any, else the heartbeat file's mtime, else the start time.
func (s *Supervisor) lastSeen(h *Handle) time.Time {
	h.mu.Lock()
	beat, path := h.lastBeat, h.heartbeatPath
	h.mu.Unlock()

	if path != "" {
		if fi, err := os.Stat(path); err == nil && fi.ModTime().After(beat) {
			beat = fi.ModTime()
		}
	}
	if beat.IsZero() {
		return h.StartedAt
	}
	return beat
}
