// Package obslog adapts the teacher codebase's hand-rolled component
// logger onto a real structured backend. The call surface — Debug/Info/
// Warn/Error/Fatal, With(component), key/value Fields — is unchanged from
// kernel/utils/logger.go; what changed is that formatting, levels, and
// output routing are now zap's, not a hand-rolled ANSI builder.
package obslog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a lightweight key/value pair, mirroring the teacher's own
// Field type so call sites read the same regardless of backend.
type Field struct {
	Key   string
	Value any
}

// F constructs a Field. Short name because call sites pass several.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

func toZap(fields []Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

// Logger wraps a zap.Logger with a fixed component tag, the same
// responsibility the teacher's hand-rolled Logger carried.
type Logger struct {
	z         *zap.Logger
	component string
}

// New builds a Logger for the named component at or above level.
func New(component string, level zapcore.Level) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{z: z.With(zap.String("component", component)), component: component}
}

// Nop returns a logger that discards everything, used as a safe default
// when callers do not supply one (e.g. in tests and library defaults).
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// With returns a logger scoped to a sub-component, e.g. "mdl.arena".
func (l *Logger) With(component string) *Logger {
	return &Logger{z: l.z.With(zap.String("sub", component)), component: component}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZap(fields)...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.z.Info(msg, toZap(fields)...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, toZap(fields)...) }
func (l *Logger) Error(msg string, fields ...Field) { l.z.Error(msg, toZap(fields)...) }
func (l *Logger) Fatal(msg string, fields ...Field) { l.z.Fatal(msg, toZap(fields)...) }

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error { return l.z.Sync() }
