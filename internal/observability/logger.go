// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F constructs a logging field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the client.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts the standard library logger to the Logger interface.
type StdLogger struct {
	inner *log.Logger
	debug bool
}

// NewStdLogger wraps a *log.Logger; debug controls whether Debug lines are emitted.
func NewStdLogger(inner *log.Logger, debug bool) *StdLogger {
	if inner == nil {
		inner = log.Default()
	}
	return &StdLogger{inner: inner, debug: debug}
}

// Debug logs at debug level when enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.emit("DEBUG", msg, fields)
}

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.emit("INFO", msg, fields)
}

// Warn logs at warn level.
func (l *StdLogger) Warn(msg string, fields ...Field) {
	l.emit("WARN", msg, fields)
}

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.emit("ERROR", msg, fields)
}

func (l *StdLogger) emit(level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.inner.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	l.inner.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}
