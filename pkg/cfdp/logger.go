package cfdp

import (
	"avaneesh/cfdp-go/pkg/internal/logger"
)

// Logger is the logging interface used throughout the engine
type Logger = logger.Logger

// LogLevel represents logging level
type LogLevel = logger.Level

const (
	// LevelDebug shows all log messages (most verbose)
	LevelDebug = logger.LevelDebug
	// LevelInfo shows info, warn, and error messages (default)
	LevelInfo = logger.LevelInfo
	// LevelWarn shows warn and error messages
	LevelWarn = logger.LevelWarn
	// LevelError shows only error messages
	LevelError = logger.LevelError
)

// NewLogger returns a logrus-backed logger at level
func NewLogger(level LogLevel) Logger {
	return logger.NewDefaultLogger(level)
}

// ParseLogLevel converts "debug", "info", "warn" or "error" to a LogLevel
func ParseLogLevel(s string) (LogLevel, error) {
	return logger.ParseLevel(s)
}
