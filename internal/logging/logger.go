package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/austindbirch/harbor_notify/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	zl      zerolog.Logger
}

// New creates a new structured logger for the given service writing JSON lines to stdout
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

// NewWithWriter creates a logger that writes to w
func NewWithWriter(service string, w io.Writer) *Logger {
	zl := zerolog.New(w).With().Timestamp().Str("service", service).Logger()
	return &Logger{service: service, zl: zl}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// SetLevel adjusts the minimum level. Unknown values fall back to info.
func (l *Logger) SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	l.zl = l.zl.Level(lvl)
}

// Service returns the service name attached to every entry
func (l *Logger) Service() string {
	return l.service
}

// LogEntry is a single log line under construction
type LogEntry struct {
	logger      *Logger
	traceID     string
	jobID       string
	recipientID string
	fields      map[string]any
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.traceID = traceID
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	if l == nil {
		return Nop().Plain()
	}
	return &LogEntry{logger: l}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.traceID = traceID
	return e
}

// WithJob sets the job ID for the log entry
func (e *LogEntry) WithJob(jobID string) *LogEntry {
	e.jobID = jobID
	return e
}

// WithRecipient sets the recipient ID for the log entry
func (e *LogEntry) WithRecipient(recipientID string) *LogEntry {
	e.recipientID = recipientID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.fields == nil {
		e.fields = make(map[string]any)
	}
	e.fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) { e.output(zerolog.DebugLevel, message) }

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.output(zerolog.DebugLevel, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) { e.output(zerolog.InfoLevel, message) }

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.output(zerolog.InfoLevel, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) { e.output(zerolog.WarnLevel, message) }

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.output(zerolog.WarnLevel, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) { e.output(zerolog.ErrorLevel, message) }

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.output(zerolog.ErrorLevel, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.output(zerolog.FatalLevel, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

func (e *LogEntry) output(level zerolog.Level, message string) {
	// WithLevel does not exit or panic for fatal; Fatal handles the exit itself.
	ev := e.logger.zl.WithLevel(level)
	if ev == nil {
		return
	}
	if e.traceID != "" {
		ev = ev.Str("trace_id", e.traceID)
	}
	if e.jobID != "" {
		ev = ev.Str("job_id", e.jobID)
	}
	if e.recipientID != "" {
		ev = ev.Str("recipient_id", e.recipientID)
	}
	if len(e.fields) > 0 {
		ev = ev.Fields(e.fields)
	}
	ev.Msg(message)
}
