// Package logging provides real-time console output for the swarm.
// One line per entry: LEVEL TIMESTAMP [component] message key=value ...
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string into a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if l == "WARNING" {
		l = LevelWarn
	}
	if _, ok := levelPriority[l]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// sink is shared by a logger and every logger derived from it, so
// component loggers writing to one output never interleave lines.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes structured lines to an output.
type Logger struct {
	sink      *sink
	component string
}

// New creates a Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stdout, minLevel: LevelInfo}}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

// OrDefault returns l, or a new stdout logger when l is nil.
func OrDefault(l *Logger) *Logger {
	if l == nil {
		return New()
	}
	return l
}

// WithComponent returns a logger tagging each line with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}
	l.sink.output.Write([]byte(line))
}

// --- Swarm event helpers ---

// WorkerRegistered logs a worker joining the registry.
func (l *Logger) WorkerRegistered(id, name string, specializations []string) {
	l.Info("worker_registered", map[string]interface{}{
		"worker_id":       id,
		"name":            name,
		"specializations": strings.Join(specializations, ","),
	})
}

// WorkerRemoved logs a worker leaving the registry.
func (l *Logger) WorkerRemoved(id, reason string) {
	l.Info("worker_removed", map[string]interface{}{
		"worker_id": id,
		"reason":    reason,
	})
}

// AuctionOpened logs the broadcast of a task.
func (l *Logger) AuctionOpened(taskID, taskType string, eligible int) {
	l.Info("auction_opened", map[string]interface{}{
		"task_id":   taskID,
		"task_type": taskType,
		"eligible":  eligible,
	})
}

// BidDropped logs a bid or result that was ignored. Late traffic for an
// already resolved task is expected and logged at debug.
func (l *Logger) BidDropped(kind, taskID, workerID string, err error, late bool) {
	fields := map[string]interface{}{
		"kind":      kind,
		"task_id":   taskID,
		"worker_id": workerID,
	}
	if err != nil {
		fields["reason"] = err.Error()
	}
	if late {
		l.Debug("dropped", fields)
		return
	}
	l.Warn("dropped", fields)
}

// AuctionResolved logs the terminal state of an auction.
func (l *Logger) AuctionResolved(taskID, state, workerID string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"task_id":  taskID,
		"state":    state,
		"duration": duration.String(),
	}
	if workerID != "" {
		fields["worker_id"] = workerID
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("auction_resolved", fields)
		return
	}
	l.Info("auction_resolved", fields)
}

// AlertReceived logs an out-of-band alert from a worker.
func (l *Logger) AlertReceived(workerID, severity, category, description string) {
	fields := map[string]interface{}{
		"worker_id":   workerID,
		"severity":    severity,
		"category":    category,
		"description": description,
	}
	if severity == "High" || severity == "Critical" {
		l.Warn("alert", fields)
		return
	}
	l.Info("alert", fields)
}
