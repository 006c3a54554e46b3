// Package logger builds logrus-backed loggers satisfying utils.ExtendedLogger.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus instance plus the file it writes to, so callers
// can flush and close the file on shutdown.
type Logger struct {
	logger *logrus.Logger
	file   *os.File
}

func shortCaller(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

// CreateLogger builds a logger writing to logFile (or a dated file under
// logs/ when empty) with the given level and format ("text" or "json").
// When enableStdout is set the same lines are mirrored to stdout.
func CreateLogger(logFile string, level string, format string, enableStdout bool) (Logger, error) {
	logrusLogger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	logrusLogger.SetLevel(logLevel)

	switch strings.ToLower(format) {
	case "json":
		logrusLogger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: shortCaller,
		})
	case "text":
		logrusLogger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: shortCaller,
		})
	default:
		return Logger{}, fmt.Errorf("unsupported log format: %s", format)
	}
	logrusLogger.SetReportCaller(true)

	if logFile == "" {
		logFile = fmt.Sprintf("logs/agent-kernel-%s.log", time.Now().Format("2006-01-02"))
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return Logger{}, fmt.Errorf("failed to create log directory: %w", err)
	}
	//nolint:gosec // G304: logFile comes from configuration, not request input
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return Logger{}, fmt.Errorf("failed to open log file: %w", err)
	}

	if enableStdout {
		logrusLogger.SetOutput(io.MultiWriter(file, os.Stdout))
	} else {
		logrusLogger.SetOutput(file)
	}

	return Logger{
		logger: logrusLogger,
		file:   file,
	}, nil
}

// CreateTestLogger returns a debug-level logger that discards its output.
func CreateTestLogger() Logger {
	logrusLogger := logrus.New()
	logrusLogger.SetLevel(logrus.DebugLevel)
	logrusLogger.SetOutput(io.Discard)
	return Logger{logger: logrusLogger}
}

func (l Logger) Infof(format string, v ...any) {
	l.logger.Infof(format, v...)
}

func (l Logger) Errorf(format string, v ...any) {
	l.logger.Errorf(format, v...)
}

func (l Logger) Info(args ...interface{}) {
	l.logger.Info(args...)
}

func (l Logger) Error(args ...interface{}) {
	l.logger.Error(args...)
}

func (l Logger) Debug(args ...interface{}) {
	l.logger.Debug(args...)
}

func (l Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l Logger) Warn(args ...interface{}) {
	l.logger.Warn(args...)
}

func (l Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l Logger) Fatal(args ...interface{}) {
	l.logger.Fatal(args...)
}

func (l Logger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf(format, args...)
}

func (l Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.logger.WithField(key, value)
}

func (l Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.logger.WithFields(fields)
}

func (l Logger) WithError(err error) *logrus.Entry {
	return l.logger.WithError(err)
}

// Close closes the log file if one is open.
func (l Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// IsInitialized reports whether the logger is usable.
func (l Logger) IsInitialized() bool {
	return l.logger != nil
}
