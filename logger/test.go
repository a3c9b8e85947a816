package logger

import (
	"fmt"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity string
	Message  string
}

type testRecorder struct {
	mu      sync.Mutex
	entries []TestLogEntry
}

func (r *testRecorder) append(severity string, msg string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, TestLogEntry{severity, fmt.Sprintf(msg, args...)})
}

func (r *testRecorder) snapshot() []TestLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TestLogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// TestLogger captures log entries in memory so tests can assert on them.
// It is safe for concurrent use since caches log from background goroutines;
// loggers derived via With share the same recorder.
type TestLogger struct {
	metadata map[string]interface{}
	rec      *testRecorder
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{})
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	return &TestLogger{metadata: kv, rec: c.rec}
}

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return true
}

// Entries returns a snapshot of everything logged so far.
func (c *TestLogger) Entries() []TestLogEntry {
	return c.rec.snapshot()
}

// Contains reports whether any captured entry has the given severity and
// contains substr in its message.
func (c *TestLogger) Contains(severity string, substr string) bool {
	for _, e := range c.Entries() {
		if e.Severity == severity && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func (c *TestLogger) Trace(msg string, args ...interface{}) {
	c.rec.append("TRACE", msg, args...)
}

func (c *TestLogger) Debug(msg string, args ...interface{}) {
	c.rec.append("DEBUG", msg, args...)
}

func (c *TestLogger) Info(msg string, args ...interface{}) {
	c.rec.append("INFO", msg, args...)
}

func (c *TestLogger) Warn(msg string, args ...interface{}) {
	c.rec.append("WARNING", msg, args...)
}

func (c *TestLogger) Error(msg string, args ...interface{}) {
	c.rec.append("ERROR", msg, args...)
}

func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.rec.append("FATAL", msg, args...)
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{rec: &testRecorder{entries: make([]TestLogEntry, 0)}}
}
