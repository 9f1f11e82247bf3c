// Package gclog provides the leveled logger used by the collection engine.
// The engine only talks to the Logger interface so embedders can route GC
// logging into whatever sink their runtime already has.
package gclog

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Level controls how verbose a Logger is. Higher levels include all lower
// ones.
type Level int32

const (
	LevelOff Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel converts a config string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return LevelOff, nil
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return LevelOff, fmt.Errorf("gclog: unknown level %q", s)
}

// Logger is the logging interface consumed by the engine.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	SetLevel(level Level)
}

// New returns a Logger that writes one line per message to w.
// It is safe for use from multiple goroutines.
func New(w io.Writer, level Level) Logger {
	l := &writerLogger{w: w}
	l.level.Store(int32(level))
	return l
}

type writerLogger struct {
	mu    sync.Mutex
	w     io.Writer
	level atomic.Int32
}

func (l *writerLogger) logf(level Level, format string, args ...interface{}) {
	if Level(l.level.Load()) < level {
		return
	}
	l.mu.Lock()
	fmt.Fprintf(l.w, "gc: %s: %s\n", level, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *writerLogger) Debugf(format string, args ...interface{}) {
	l.logf(LevelDebug, format, args...)
}

func (l *writerLogger) Infof(format string, args ...interface{}) {
	l.logf(LevelInfo, format, args...)
}

func (l *writerLogger) Warnf(format string, args ...interface{}) {
	l.logf(LevelWarn, format, args...)
}

func (l *writerLogger) Errorf(format string, args ...interface{}) {
	l.logf(LevelError, format, args...)
}

func (l *writerLogger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// Discard drops all messages. Useful default for library embedders and tests.
var Discard Logger = discardLogger{}

type discardLogger struct{}

func (discardLogger) Debugf(string, ...interface{}) {}
func (discardLogger) Infof(string, ...interface{})  {}
func (discardLogger) Warnf(string, ...interface{})  {}
func (discardLogger) Errorf(string, ...interface{}) {}
func (discardLogger) SetLevel(Level)                {}
