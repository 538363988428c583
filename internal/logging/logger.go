// Package logging provides the levelled logger used by tlvdb.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Example: 2026/10/18 18:45:13 INFO [vacuum] partition 0: compacted 5 items
//
// Component prefixes:
//   - [db]        general engine operations
//   - [index]     position index load and flush
//   - [vacuum]    compaction
//   - [txn]       write-buffering transactions
//   - [attrindex] secondary attribute indexes
//
// Criticalf never exits the process. It logs unconditionally; loggers wrapped
// by WithCriticalHandler also invoke their CriticalHandler.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
)

// CriticalHandler is called when Criticalf is invoked. It must be safe for
// concurrent use and must not call Criticalf.
type CriticalHandler func(msg string)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger is the logging interface. Implementations must be safe for
// concurrent use.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)

	// Criticalf reports a condition where in-memory state had to be discarded
	// to stay consistent with disk.
	Criticalf(format string, args ...any)
}

// DefaultLogger writes to a log.Logger. Level is fixed at construction.
type DefaultLogger struct {
	logger *log.Logger
	level  Level
}

// NewDefaultLogger creates a logger writing to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a logger with the specified output and level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

// Errorf logs a formatted error message.
func (l *DefaultLogger) Errorf(format string, args ...any) {
	if l.level >= LevelError {
		_ = l.logger.Output(2, "ERROR "+fmt.Sprintf(format, args...))
	}
}

// Warnf logs a formatted warning message.
func (l *DefaultLogger) Warnf(format string, args ...any) {
	if l.level >= LevelWarn {
		_ = l.logger.Output(2, "WARN "+fmt.Sprintf(format, args...))
	}
}

// Infof logs a formatted informational message.
func (l *DefaultLogger) Infof(format string, args ...any) {
	if l.level >= LevelInfo {
		_ = l.logger.Output(2, "INFO "+fmt.Sprintf(format, args...))
	}
}

// Debugf logs a formatted debug message.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	if l.level >= LevelDebug {
		_ = l.logger.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
	}
}

// Criticalf logs regardless of level.
func (l *DefaultLogger) Criticalf(format string, args ...any) {
	_ = l.logger.Output(2, "CRITICAL "+fmt.Sprintf(format, args...))
}

// WithCriticalHandler returns a logger that forwards to l and calls h after
// every Criticalf.
func WithCriticalHandler(l Logger, h CriticalHandler) Logger {
	if h == nil {
		return l
	}
	return &criticalLogger{Logger: l, handler: h}
}

type criticalLogger struct {
	Logger
	handler CriticalHandler
}

func (l *criticalLogger) Criticalf(format string, args ...any) {
	l.Logger.Criticalf(format, args...)
	l.handler(fmt.Sprintf(format, args...))
}

// Component prefixes.
const (
	NSDB        = "[db] "
	NSIndex     = "[index] "
	NSVacuum    = "[vacuum] "
	NSTxn       = "[txn] "
	NSAttrIndex = "[attrindex] "
)

// IsNil returns true if the logger is nil or a typed-nil pointer.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l when usable, otherwise a WARN-level stderr logger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
