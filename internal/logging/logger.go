// Package logging provides structured JSON logging with trace IDs and
// per-component child loggers.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Logger is the logging interface used across the core.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	WithComponent(component string) Logger
	WithTraceID(traceID string) Logger
}

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

type jsonLogger struct {
	level     Level
	traceID   string
	component string
	text      bool
}

// New creates a logger. Format "text" produces human-readable lines; anything
// else produces JSON.
func New(level Level, format string) Logger {
	return &jsonLogger{level: level, text: format == "text"}
}

func (l *jsonLogger) WithComponent(component string) Logger {
	cp := *l
	cp.component = component
	return &cp
}

func (l *jsonLogger) WithTraceID(traceID string) Logger {
	cp := *l
	cp.traceID = traceID
	return &cp
}

func (l *jsonLogger) Debug(msg string, fields ...interface{}) { l.log(LevelDebug, "DEBUG", msg, fields) }
func (l *jsonLogger) Info(msg string, fields ...interface{})  { l.log(LevelInfo, "INFO", msg, fields) }
func (l *jsonLogger) Warn(msg string, fields ...interface{})  { l.log(LevelWarn, "WARN", msg, fields) }
func (l *jsonLogger) Error(msg string, fields ...interface{}) { l.log(LevelError, "ERROR", msg, fields) }

func (l *jsonLogger) log(lv Level, name, msg string, fields []interface{}) {
	if lv < l.level {
		return
	}

	fieldMap := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		fieldMap[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     name,
		Message:   msg,
		TraceID:   l.traceID,
		Component: l.component,
		Fields:    fieldMap,
	}

	if l.text {
		parts := []string{e.Timestamp, "[" + e.Level + "]"}
		if e.Component != "" {
			parts = append(parts, "component:"+e.Component)
		}
		parts = append(parts, e.Message)
		for k, v := range fieldMap {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
		fmt.Fprintln(os.Stderr, strings.Join(parts, " "))
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
		return
	}
	fmt.Fprintln(os.Stderr, string(data))
}

// NewNop returns a logger that discards everything; tests use it.
func NewNop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

func (n nopLogger) WithComponent(string) Logger { return n }
func (n nopLogger) WithTraceID(string) Logger   { return n }

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// NewTraceID generates a fresh trace ID.
func NewTraceID() string { return uuid.New().String() }

// WithTrace attaches a trace ID to the context, generating one when empty.
func WithTrace(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewTraceID()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from a context, if any.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}
