// Package log provides the leveled logger shared by journal, index, store and registry.
package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Fields are key/value pairs printed with every entry of a logger
type Fields map[string]interface{}

// Logger is the logging surface every package takes. Messages are
// fmt-style templates.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	// Fatal logs and then calls os.Exit(1)
	Fatal(msg string, args ...interface{})
	WithFields(fields map[string]interface{}) Logger
	WithField(key string, value interface{}) Logger
	GetLevel() Level
	SetLevel(level Level)
}

// sink is shared by a logger and every child derived from it
type sink struct {
	mu    sync.Mutex
	level Level
	out   io.Writer
}

// StandardLogger writes one line per entry:
//
//	[2006-01-02 15:04:05.000] [INFO] component=journal store=users message
type StandardLogger struct {
	sink   *sink
	prefix string // rendered fields, sorted by key
	fields Fields
}

// LoggerOption configures a StandardLogger
type LoggerOption func(*StandardLogger)

func WithLevel(level Level) LoggerOption {
	return func(l *StandardLogger) { l.sink.level = level }
}

func WithOutput(out io.Writer) LoggerOption {
	return func(l *StandardLogger) { l.sink.out = out }
}

func WithInitialFields(fields map[string]interface{}) LoggerOption {
	return func(l *StandardLogger) {
		for k, v := range fields {
			l.fields[k] = v
		}
	}
}

// NewStandardLogger logs at LevelInfo to stdout unless options say otherwise
func NewStandardLogger(options ...LoggerOption) *StandardLogger {
	l := &StandardLogger{
		sink:   &sink{level: LevelInfo, out: os.Stdout},
		fields: make(Fields),
	}
	for _, option := range options {
		option(l)
	}
	l.prefix = renderFields(l.fields)
	return l
}

// NewNop returns a logger that discards everything
func NewNop() *StandardLogger {
	return NewStandardLogger(WithOutput(io.Discard), WithLevel(LevelOff))
}

// ForComponent tags l with the component and the store it serves
func ForComponent(l Logger, component, store string) Logger {
	return OrDefault(l).WithFields(Fields{
		"component": component,
		"store":     store,
	})
}

func renderFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *StandardLogger) log(level Level, msg string, args ...interface{}) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.level == LevelOff || level < s.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	fmt.Fprintf(s.out, "[%s] [%s]%s %s\n", time.Now().Format(timestampFormat), level, l.prefix, msg)

	if level == LevelFatal {
		os.Exit(1)
	}
}

func (l *StandardLogger) Debug(msg string, args ...interface{}) { l.log(LevelDebug, msg, args...) }
func (l *StandardLogger) Info(msg string, args ...interface{})  { l.log(LevelInfo, msg, args...) }
func (l *StandardLogger) Warn(msg string, args ...interface{})  { l.log(LevelWarn, msg, args...) }
func (l *StandardLogger) Error(msg string, args ...interface{}) { l.log(LevelError, msg, args...) }
func (l *StandardLogger) Fatal(msg string, args ...interface{}) { l.log(LevelFatal, msg, args...) }

// WithFields returns a child logger. Children share the parent's level and
// output, so SetLevel on any of them applies to the whole family.
func (l *StandardLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StandardLogger{sink: l.sink, fields: merged, prefix: renderFields(merged)}
}

func (l *StandardLogger) WithField(key string, value interface{}) Logger {
	return l.WithFields(Fields{key: value})
}

func (l *StandardLogger) GetLevel() Level {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

func (l *StandardLogger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

var defaultLogger = NewStandardLogger()

// GetDefaultLogger returns the process-wide logger
func GetDefaultLogger() *StandardLogger {
	return defaultLogger
}

// OrDefault returns l, or the default logger when l is nil
func OrDefault(l Logger) Logger {
	if l == nil {
		return defaultLogger
	}
	return l
}

// WithFields derives from the default logger
func WithFields(fields map[string]interface{}) Logger {
	return defaultLogger.WithFields(fields)
}
