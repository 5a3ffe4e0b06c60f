package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"fixwarden/internal/logging"
)

// FileBus appends events as NDJSON to a single file. One file per daemon run;
// consumers tail it.
type FileBus struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenFile creates (or appends to) the event log at path.
func OpenFile(path string) (*FileBus, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &FileBus{f: f, path: path}, nil
}

func (b *FileBus) Publish(event Event) error {
	line, err := event.Encode()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.Topic, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.f.Write(line); err != nil {
		logging.Events("write failed for %s: %v", event.Topic, err)
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Close flushes and closes the event log.
func (b *FileBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Close()
}
