// Package logging provides the structured logging abstraction used
// throughout the runtime: orchestrators, the bus, and transports each hold a
// Logger on a struct field rather than calling a package-level function.
// Orchestrator loggers and the Redis Streams / NATS transports' default
// loggers carry a "component" field; the bus and memory transport log
// through the logger they were given as-is.
package logging

import (
	"context"
	"fmt"
	"log"
	"time"
)

type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger is the sink every component logs through.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// WithFields returns a new Logger carrying fields in addition to any it
	// already holds.
	WithFields(fields ...Field) Logger

	// WithField is sugar for WithFields with a single pair.
	WithField(key string, value any) Logger
}

// Field is one structured key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field      { return Field{Key: key, Value: value} }
func Int(key string, value int) Field     { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field       { return Field{Key: key, Value: value} }
func Any(key string, value any) Field         { return Field{Key: key, Value: value} }
func Error(err error) Field                   { return Field{Key: "error", Value: err} }
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// StdLogger is the default Logger, built on the standard library's log
// package with a log4j-ish field layout: "prefix [component] event=... msg key=value".
type StdLogger struct {
	prefix string
	fields []Field
}

func NewStdLogger(prefix string) *StdLogger {
	return &StdLogger{
		prefix: prefix,
		fields: make([]Field, 0),
	}
}

func (l *StdLogger) format(msg string, fields ...Field) string {
	allFields := append(append([]Field{}, l.fields...), fields...)

	var component, event string
	otherFields := make([]Field, 0, len(allFields))

	for _, f := range allFields {
		switch f.Key {
		case "component":
			component = formatValue(f.Value)
		case "event":
			event = formatValue(f.Value)
		default:
			otherFields = append(otherFields, f)
		}
	}

	result := ""

	if l.prefix != "" {
		result += l.prefix
	}

	if component != "" {
		if result != "" {
			result += " "
		}
		result += "[" + component + "]"
	}
	if event != "" {
		if result != "" {
			result += " "
		}
		result += "event=" + event
	}

	if msg != "" {
		if result != "" {
			result += " "
		}
		result += msg
	}

	for _, f := range otherFields {
		result += " " + f.Key + "=" + formatValue(f.Value)
	}

	return result
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprint(val)
	}
}

func (l *StdLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	log.Println("[DEBUG]", l.format(msg, fields...))
}

func (l *StdLogger) Info(ctx context.Context, msg string, fields ...Field) {
	log.Println("[INFO]", l.format(msg, fields...))
}

func (l *StdLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	log.Println("[WARN]", l.format(msg, fields...))
}

func (l *StdLogger) Error(ctx context.Context, msg string, fields ...Field) {
	log.Println("[ERROR]", l.format(msg, fields...))
}

func (l *StdLogger) WithFields(fields ...Field) Logger {
	newFields := make([]Field, len(l.fields)+len(fields))
	copy(newFields, l.fields)
	copy(newFields[len(l.fields):], fields)
	return &StdLogger{
		prefix: l.prefix,
		fields: newFields,
	}
}

func (l *StdLogger) WithField(key string, value any) Logger {
	return l.WithFields(Field{Key: key, Value: value})
}

// NoopLogger discards everything; used as the bus default when no logger is
// configured, and throughout tests.
type NoopLogger struct{}

func NewNoopLogger() *NoopLogger { return &NoopLogger{} }

func (l *NoopLogger) Debug(ctx context.Context, msg string, fields ...Field) {}
func (l *NoopLogger) Info(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoopLogger) Warn(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoopLogger) Error(ctx context.Context, msg string, fields ...Field) {}
func (l *NoopLogger) WithFields(fields ...Field) Logger                     { return l }
func (l *NoopLogger) WithField(key string, value any) Logger                { return l }

var globalLogger Logger = NewStdLogger("")

func SetLogger(logger Logger) { globalLogger = logger }

func GetLogger() Logger { return globalLogger }

// ComponentLogger builds a component-tagged Logger off the global logger.
//
// Reserved for composition roots and constructors; runtime code should log
// through a Logger held on a struct field, not by calling this repeatedly.
func ComponentLogger(component string) Logger {
	return GetLogger().WithField("component", component)
}
