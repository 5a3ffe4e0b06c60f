// Package registry tracks live workers for external observability. The
// daemon registers a worker when it starts, heartbeats it while it runs and
// unregisters it on exit.
package registry

import (
	"sort"
	"sync"
	"time"

	"fixwarden/internal/types"
)

// Entry is one registered worker.
type Entry struct {
	WorkerID     string           `json:"worker_id"`
	Kind         types.WorkerKind `json:"kind"`
	BatchID      string           `json:"batch_id"`
	TaskID       string           `json:"task_id"`
	RegisteredAt time.Time        `json:"registered_at"`
	LastBeat     time.Time        `json:"last_beat"`
}

// Registry is the worker-presence contract.
type Registry interface {
	Register(e Entry)
	Heartbeat(workerID string, at time.Time)
	Unregister(workerID string)
	// Snapshot lists registered workers ordered by worker id.
	Snapshot() []Entry
}

// Memory is the in-process registry used by the daemon.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Register(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now()
	}
	if e.LastBeat.IsZero() {
		e.LastBeat = e.RegisteredAt
	}
	m.entries[e.WorkerID] = e
}

func (m *Memory) Heartbeat(workerID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[workerID]
	if !ok {
		return
	}
	if at.After(e.LastBeat) {
		e.LastBeat = at
		m.entries[workerID] = e
	}
}

func (m *Memory) Unregister(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, workerID)
}

func (m *Memory) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Noop discards everything. Used when presence tracking is disabled.
type Noop struct{}

func (Noop) Register(Entry)              {}
func (Noop) Heartbeat(string, time.Time) {}
func (Noop) Unregister(string)           {}
func (Noop) Snapshot() []Entry           { return nil }
