package utils

import (
	"io"

	"github.com/sirupsen/logrus"
)

// ExtendedLogger is the logging interface used across the kernel. It matches
// the subset of logrus the components need, plus structured-field helpers so
// call sites can attach step/tool/task identity without building format
// strings.
type ExtendedLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})

	WithField(key string, value interface{}) *logrus.Entry
	WithFields(fields logrus.Fields) *logrus.Entry
	WithError(err error) *logrus.Entry
}

// logrusAdapter wraps a raw *logrus.Logger as an ExtendedLogger.
type logrusAdapter struct {
	*logrus.Logger
}

// AdaptLogger wraps an existing logrus logger so callers holding one can pass
// it anywhere an ExtendedLogger is expected.
func AdaptLogger(l *logrus.Logger) ExtendedLogger {
	return logrusAdapter{l}
}

// NewSilentLogger returns a logger that discards everything. Used as the
// default when a component is constructed without one, and in tests that do
// not assert on log output.
func NewSilentLogger() ExtendedLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrusAdapter{l}
}

// OrSilent returns the given logger, or a silent one when nil. Constructors
// call this so nil loggers never reach call sites.
func OrSilent(l ExtendedLogger) ExtendedLogger {
	if l == nil {
		return NewSilentLogger()
	}
	return l
}
