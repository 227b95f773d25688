package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger wraps Logger with test observation capabilities.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger for testing with full observation.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(zapcore.DebugLevel)
	return &TestLogger{
		Logger: &Logger{
			zap:    zap.New(core),
			config: NewDefaultConfig(),
		},
		observed: observed,
	}
}

// All returns all logged entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// Messages returns all logged messages in order.
func (t *TestLogger) Messages() []string {
	entries := t.observed.All()
	msgs := make([]string, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return msgs
}

// HasMessage reports whether any entry carries the exact message.
func (t *TestLogger) HasMessage(msg string) bool {
	return len(t.observed.FilterMessage(msg).All()) > 0
}

// CountAtLevel returns the number of entries at the given level.
func (t *TestLogger) CountAtLevel(level zapcore.Level) int {
	count := 0
	for _, e := range t.observed.All() {
		if e.Level == level {
			count++
		}
	}
	return count
}
