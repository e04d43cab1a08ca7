package lottery

import (
	"io"

	"github.com/google/logger"
)

// DefaultLogger implements Logger on top of google/logger
type DefaultLogger struct {
	l     *logger.Logger
	debug bool
}

// NewDefaultLogger creates a logger named name. Debug lines are only written when debug is set.
func NewDefaultLogger(name string, debug bool) *DefaultLogger {
	return &DefaultLogger{
		l:     logger.Init(name, true, false, io.Discard),
		debug: debug,
	}
}

// Info logs an info message
func (l *DefaultLogger) Info(msg string, args ...any) {
	if l.l == nil {
		logger.Infof(msg, args...)
		return
	}
	l.l.Infof(msg, args...)
}

// Error logs an error message
func (l *DefaultLogger) Error(msg string, args ...any) {
	if l.l == nil {
		logger.Errorf(msg, args...)
		return
	}
	l.l.Errorf(msg, args...)
}

// Debug logs a debug message
func (l *DefaultLogger) Debug(msg string, args ...any) {
	if !l.debug {
		return
	}
	if l.l == nil {
		logger.Infof("[DEBUG] "+msg, args...)
		return
	}
	l.l.Infof("[DEBUG] "+msg, args...)
}

// SilentLogger implements Logger interface but does not output any logs
// This is useful for testing environments where log output is not desired
type SilentLogger struct{}

// NewSilentLogger creates a new silent logger instance
func NewSilentLogger() *SilentLogger {
	return &SilentLogger{}
}

// Info does nothing (silent)
func (l *SilentLogger) Info(msg string, args ...any) {}

// Error does nothing (silent)
func (l *SilentLogger) Error(msg string, args ...any) {}

// Debug does nothing (silent)
func (l *SilentLogger) Debug(msg string, args ...any) {}
