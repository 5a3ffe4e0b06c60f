// Package logging provides categorized file-based logging for the fixwarden
// daemon. Logs are written under <workspace>/.fixwarden/logs with one file
// per category per day. When debug mode is off the whole package is a silent
// no-op; the zap console logger in cmd/fixwarden is unaffected.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // startup and wiring
	CategoryDaemon     Category = "daemon"     // poll loop ticks
	CategoryQueue      Category = "queue"      // claim/lease/done/failed
	CategoryBatching   Category = "batching"   // partition decisions
	CategoryScoring    Category = "scoring"    // complexity scores
	CategoryRouting    Category = "routing"    // channel decisions
	CategoryWorkers    Category = "workers"    // pool dispatch and lifecycle
	CategoryEscalation Category = "escalation" // case transitions
	CategoryIndex      Category = "index"      // corpus load and queries
	CategoryEvents     Category = "events"     // bus publishes
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options controls the package at Initialize time.
type Options struct {
	DebugMode  bool
	Level      string          // debug, info, warn, error
	Categories map[string]bool // nil = all enabled
}

// Logger wraps a standard logger bound to one category's file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggersMu sync.RWMutex
	loggers   = make(map[Category]*Logger)

	optsMu   sync.RWMutex
	opts     Options
	logsDir  string
	logLevel int
)

// Initialize sets up the logging directory. Call once at startup with the
// workspace path. A no-op unless debug mode is on.
func Initialize(workspace string, o Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	optsMu.Lock()
	opts = o
	logLevel = parseLevel(o.Level)
	logsDir = filepath.Join(workspace, ".fixwarden", "logs")
	dir := logsDir
	debug := o.DebugMode
	optsMu.Unlock()

	if !debug {
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== fixwarden logging initialized ===")
	boot.Info("logs directory: %s", dir)
	boot.Info("level: %s", o.Level)
	return nil
}

func parseLevel(s string) int {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// enabled reports whether a category should produce output.
func enabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode || logsDir == "" {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	on, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return on
}

// Get returns (or creates) the logger for a category. Returns a no-op logger
// when the category is disabled.
func Get(category Category) *Logger {
	if !enabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", path, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error. Always written when the logger exists.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})   { Get(CategoryBoot).Info(format, args...) }
func Daemon(format string, args ...interface{}) { Get(CategoryDaemon).Info(format, args...) }
func DaemonDebug(format string, args ...interface{}) {
	Get(CategoryDaemon).Debug(format, args...)
}
func Queue(format string, args ...interface{}) { Get(CategoryQueue).Info(format, args...) }
func QueueWarn(format string, args ...interface{}) {
	Get(CategoryQueue).Warn(format, args...)
}
func Batching(format string, args ...interface{}) { Get(CategoryBatching).Info(format, args...) }
func Scoring(format string, args ...interface{})  { Get(CategoryScoring).Debug(format, args...) }
func Routing(format string, args ...interface{})  { Get(CategoryRouting).Info(format, args...) }
func Workers(format string, args ...interface{})  { Get(CategoryWorkers).Info(format, args...) }
func WorkersDebug(format string, args ...interface{}) {
	Get(CategoryWorkers).Debug(format, args...)
}
func WorkersWarn(format string, args ...interface{}) {
	Get(CategoryWorkers).Warn(format, args...)
}
func Escalation(format string, args ...interface{}) {
	Get(CategoryEscalation).Info(format, args...)
}
func Index(format string, args ...interface{})  { Get(CategoryIndex).Info(format, args...) }
func Events(format string, args ...interface{}) { Get(CategoryEvents).Debug(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures an operation's duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
