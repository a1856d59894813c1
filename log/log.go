// Package log provides the leveled, rank-aware logger used across the
// training stack. Only the coordinating worker (rank 0) emits by default so
// that N workers do not print N copies of every line.
package log

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"sync/atomic"
)

// Level orders log severities.
type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARNING"
	case ErrorLevel:
		return "ERROR"
	default:
		return fmt.Sprintf("Level(%d)", int32(l))
	}
}

// Logger writes leveled lines tagged with the logger's name.
type Logger struct {
	out      *stdlog.Logger
	name     string
	rank     int
	allRanks bool
	level    atomic.Int32
}

// Option configures a Logger.
type Option func(*Logger)

// WithOutput redirects output, e.g. to a buffer in tests.
func WithOutput(w io.Writer) Option {
	return func(l *Logger) {
		l.out = stdlog.New(w, "", stdlog.LstdFlags)
	}
}

// WithRank binds the logger to a worker rank.
func WithRank(rank int) Option {
	return func(l *Logger) { l.rank = rank }
}

// AllRanks makes every worker emit, not only rank 0.
func AllRanks() Option {
	return func(l *Logger) { l.allRanks = true }
}

// WithLevel sets the minimum emitted level.
func WithLevel(level Level) Option {
	return func(l *Logger) { l.level.Store(int32(level)) }
}

// New creates a logger writing to stderr at InfoLevel.
func New(name string, opts ...Option) *Logger {
	l := &Logger{
		out:  stdlog.New(os.Stderr, "", stdlog.LstdFlags),
		name: name,
	}
	l.level.Store(int32(InfoLevel))
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New("", WithOutput(io.Discard), WithLevel(ErrorLevel+1))
}

// Named returns a copy of l with a different name. A nil logger stays nil.
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return nil
	}
	c := &Logger{out: l.out, name: name, rank: l.rank, allRanks: l.allRanks}
	c.level.Store(l.level.Load())
	return c
}

// SetLevel changes the minimum emitted level.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// Enabled reports whether a line at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	if !l.allRanks && l.rank != 0 {
		return false
	}
	return int32(level) >= l.level.Load()
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.allRanks {
		l.out.Printf("[rank %d] - %s - %s - %s", l.rank, l.name, level, msg)
		return
	}
	l.out.Printf("- %s - %s - %s", l.name, level, msg)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(DebugLevel, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(InfoLevel, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(WarnLevel, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(ErrorLevel, format, args...) }
