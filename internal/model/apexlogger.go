package model

import apexlog "github.com/apex/log"

// ApexLogger adapts an [*apexlog.Logger] (or [*apexlog.Entry]) to [Logger].
type ApexLogger struct {
	entry *apexlog.Entry
}

// NewApexLogger wraps the given apex/log logger with the given static fields.
func NewApexLogger(l *apexlog.Logger, fields apexlog.Fields) *ApexLogger {
	return &ApexLogger{entry: l.WithFields(fields)}
}

var _ Logger = &ApexLogger{}

func (a *ApexLogger) Debug(msg string)               { a.entry.Debug(msg) }
func (a *ApexLogger) Debugf(format string, v ...any)  { a.entry.Debugf(format, v...) }
func (a *ApexLogger) Info(msg string)                 { a.entry.Info(msg) }
func (a *ApexLogger) Infof(format string, v ...any)   { a.entry.Infof(format, v...) }
func (a *ApexLogger) Warn(msg string)                 { a.entry.Warn(msg) }
func (a *ApexLogger) Warnf(format string, v ...any)   { a.entry.Warnf(format, v...) }
func (a *ApexLogger) Error(msg string)                { a.entry.Error(msg) }
func (a *ApexLogger) Errorf(format string, v ...any)  { a.entry.Errorf(format, v...) }
