package logger

import (
	"encoding/hex"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Level represents logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns string representation of Level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string ("debug", "info", ...) to a Level
func ParseLevel(s string) (Level, error) {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return LevelInfo, err
	}
	return fromLogrus(lvl), nil
}

func (l Level) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func fromLogrus(l logrus.Level) Level {
	switch {
	case l >= logrus.DebugLevel:
		return LevelDebug
	case l == logrus.WarnLevel:
		return LevelWarn
	case l <= logrus.ErrorLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the interface for logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	SetLevel(level Level)
}

// DefaultLogger writes through a logrus logger, tagging every line with a component
type DefaultLogger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// NewDefaultLogger creates a new default logger
func NewDefaultLogger(level Level) *DefaultLogger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(level.logrus())

	return &DefaultLogger{
		base:  base,
		entry: logrus.NewEntry(base),
	}
}

// WithComponent returns a logger sharing the same output and level, tagged with name
func (l *DefaultLogger) WithComponent(name string) *DefaultLogger {
	return &DefaultLogger{
		base:  l.base,
		entry: l.entry.WithField("component", name),
	}
}

// Debug logs debug message
func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Info logs info message
func (l *DefaultLogger) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// Warn logs warning message
func (l *DefaultLogger) Warn(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Error logs error message
func (l *DefaultLogger) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// SetLevel sets the logging level
func (l *DefaultLogger) SetLevel(level Level) {
	l.base.SetLevel(level.logrus())
}

// NoOpLogger is a logger that doesn't log anything
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that doesn't log
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug does nothing
func (l *NoOpLogger) Debug(format string, args ...interface{}) {}

// Info does nothing
func (l *NoOpLogger) Info(format string, args ...interface{}) {}

// Warn does nothing
func (l *NoOpLogger) Warn(format string, args ...interface{}) {}

// Error does nothing
func (l *NoOpLogger) Error(format string, args ...interface{}) {}

// SetLevel does nothing
func (l *NoOpLogger) SetLevel(level Level) {}

// Component derives a component-tagged logger when the backend supports it
func Component(log Logger, name string) Logger {
	if dl, ok := log.(*DefaultLogger); ok {
		return dl.WithComponent(name)
	}
	if log == nil {
		return NewNoOpLogger()
	}
	return log
}

var frameDebug atomic.Bool

// SetFrameDebug enables hex dumps of every PDU passing through DumpPDU
func SetFrameDebug(enable bool) {
	frameDebug.Store(enable)
}

// FrameDebug reports whether PDU hex dumps are enabled
func FrameDebug() bool {
	return frameDebug.Load()
}

// DumpPDU logs a hex dump of raw PDU octets at debug level when frame debug is on
func DumpPDU(log Logger, direction string, data []byte) {
	if !frameDebug.Load() || log == nil {
		return
	}
	log.Debug("%s %d octets\n%s", direction, len(data), hex.Dump(data))
}
