// Package pklog is a thin structured-logging wrapper around logrus, so
// engine and collaborator code never imports logrus directly (mirroring
// the ancestor's DebugWriter indirection, which let platform code redirect
// debug output without core packages depending on a concrete sink).
package pklog

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface used throughout this module.
type Logger struct {
	entry *logrus.Entry
}

// New creates a Logger backed by a fresh logrus logger (stderr, full
// timestamps), separate from logrus's standard logger.
func New() *Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{entry: logrus.NewEntry(l)}
}

// NewSilent creates a Logger that discards all output, for tests and for
// engines constructed without an explicit logger.
func NewSilent() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(l)}
}

// With returns a derived Logger carrying the given structured fields on
// every subsequent call.
func (l *Logger) With(fields map[string]any) *Logger {
	if l == nil {
		return NewSilent().With(fields)
	}
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *Logger) Debugf(format string, args ...any) { l.safe().Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.safe().Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.safe().Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.safe().Errorf(format, args...) }

func (l *Logger) safe() *logrus.Entry {
	if l == nil || l.entry == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return l.entry
}
