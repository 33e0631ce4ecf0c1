// Package model holds the logger interface shared across every internal
// package of the tunnel core, together with its no-op, recording and
// apex/log-backed implementations.
package model

import "fmt"

// Logger is the logging interface threaded through every package, so that
// tests can swap in a recording logger and the host application can plug in
// whatever structured logger it already uses.
type Logger interface {
	Debug(msg string)
	Debugf(format string, v ...any)
	Info(msg string)
	Infof(format string, v ...any)
	Warn(msg string)
	Warnf(format string, v ...any)
	Error(msg string)
	Errorf(format string, v ...any)
}

// NopLogger discards everything. It is the default when no logger is configured.
type NopLogger struct{}

var _ Logger = NopLogger{}

func (NopLogger) Debug(string)          {}
func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Info(string)           {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warn(string)           {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Error(string)          {}
func (NopLogger) Errorf(string, ...any) {}

// TestLogger records every line it receives so tests can assert on it.
type TestLogger struct {
	Lines []string
}

// NewTestLogger returns a ready to use [TestLogger].
func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

var _ Logger = &TestLogger{}

func (l *TestLogger) record(level, msg string) {
	l.Lines = append(l.Lines, level+": "+msg)
}

func (l *TestLogger) Debug(msg string)                  { l.record("debug", msg) }
func (l *TestLogger) Debugf(format string, v ...any)    { l.record("debug", fmt.Sprintf(format, v...)) }
func (l *TestLogger) Info(msg string)                   { l.record("info", msg) }
func (l *TestLogger) Infof(format string, v ...any)     { l.record("info", fmt.Sprintf(format, v...)) }
func (l *TestLogger) Warn(msg string)                   { l.record("warn", msg) }
func (l *TestLogger) Warnf(format string, v ...any)     { l.record("warn", fmt.Sprintf(format, v...)) }
func (l *TestLogger) Error(msg string)                  { l.record("error", msg) }
func (l *TestLogger) Errorf(format string, v ...any)    { l.record("error", fmt.Sprintf(format, v...)) }
