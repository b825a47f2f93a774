// Package log provides a structured logging facade for orchq services.
package log

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func fromZap(l zapcore.Level) Level {
	switch {
	case l <= zapcore.DebugLevel:
		return DebugLevel
	case l == zapcore.InfoLevel:
		return InfoLevel
	case l == zapcore.WarnLevel:
		return WarnLevel
	case l == zapcore.ErrorLevel:
		return ErrorLevel
	default:
		return FatalLevel
	}
}

// Fields is a map of field names to values.
type Fields map[string]interface{}

// Context keys for propagating logging context
const (
	RequestIDKey = "request_id"
	TraceIDKey   = "trace_id"
	ComponentKey = "component"
	OperationKey = "operation"
)

// Logger defines the core logging interface for orchq components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// Printf-style variants.
	Debugf(msg string, args ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})
	Fatalf(msg string, args ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	// With adds multiple fields to the logger.
	With(fields ...Field) Logger

	// WithContext adds request context values (request id, operation) to the Logger.
	WithContext(ctx context.Context) Logger

	// WithComponent tags logs with a component name
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Format selects the encoder used by NewLogger.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// LoggerOption configures NewLogger.
type LoggerOption func(*options)

type options struct {
	level  Level
	format Format
	out    io.Writer
	core   zapcore.Core
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(o *options) { o.level = level }
}

// WithFormat selects text (console) or JSON output.
func WithFormat(f Format) LoggerOption {
	return func(o *options) { o.format = f }
}

// WithOutput sets the writer logs are written to. Defaults to stderr.
func WithOutput(w io.Writer) LoggerOption {
	return func(o *options) { o.out = w }
}

// WithCore replaces the encoder/output pipeline with an existing zap core.
// Tests use it with zaptest/observer.
func WithCore(core zapcore.Core) LoggerOption {
	return func(o *options) { o.core = core }
}

// zapLogger implements Logger on top of a zap.Logger sharing one AtomicLevel.
type zapLogger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

// NewLogger creates a new logger with the given options.
func NewLogger(opts ...LoggerOption) Logger {
	o := &options{level: InfoLevel, format: FormatJSON, out: os.Stderr}
	for _, opt := range opts {
		opt(o)
	}
	lvl := zap.NewAtomicLevelAt(o.level.zap())
	core := o.core
	if core == nil {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		var enc zapcore.Encoder
		if o.format == FormatText {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
			enc = zapcore.NewConsoleEncoder(encCfg)
		} else {
			enc = zapcore.NewJSONEncoder(encCfg)
		}
		core = zapcore.NewCore(enc, zapcore.AddSync(o.out), lvl)
	} else {
		core = &levelGate{Core: core, level: lvl}
	}
	return &zapLogger{z: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)), level: lvl}
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) Logger {
	lvl := zap.NewAtomicLevelAt(z.Level())
	return &zapLogger{z: z.WithOptions(zap.AddCallerSkip(1)), level: lvl}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return &zapLogger{z: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

// Zap exposes the underlying zap logger for libraries that want one.
func Zap(l Logger) *zap.Logger {
	if zl, ok := l.(*zapLogger); ok {
		return zl.z
	}
	return zap.NewNop()
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZap(fields)...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, toZap(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, toZap(fields)...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, toZap(fields)...) }
func (l *zapLogger) Fatal(msg string, fields ...Field) { l.z.Fatal(msg, toZap(fields)...) }

func (l *zapLogger) Debugf(msg string, args ...interface{}) { l.z.Debug(fmt.Sprintf(msg, args...)) }
func (l *zapLogger) Infof(msg string, args ...interface{})  { l.z.Info(fmt.Sprintf(msg, args...)) }
func (l *zapLogger) Warnf(msg string, args ...interface{})  { l.z.Warn(fmt.Sprintf(msg, args...)) }
func (l *zapLogger) Errorf(msg string, args ...interface{}) { l.z.Error(fmt.Sprintf(msg, args...)) }
func (l *zapLogger) Fatalf(msg string, args ...interface{}) { l.z.Fatal(fmt.Sprintf(msg, args...)) }

func (l *zapLogger) WithField(key string, value interface{}) Logger {
	return l.With(F(key, value))
}

func (l *zapLogger) WithFields(fields Fields) Logger {
	fs := make([]Field, 0, len(fields))
	for k, v := range fields {
		fs = append(fs, F(k, v))
	}
	return l.With(fs...)
}

func (l *zapLogger) WithError(err error) Logger { return l.With(Err(err)) }

func (l *zapLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &zapLogger{z: l.z.With(toZap(fields)...), level: l.level}
}

func (l *zapLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	var fs []Field
	for _, k := range []string{RequestIDKey, TraceIDKey, OperationKey} {
		if v := ctx.Value(ctxKey(k)); v != nil {
			fs = append(fs, F(k, v))
		}
	}
	return l.With(fs...)
}

func (l *zapLogger) WithComponent(component string) Logger {
	return l.With(Component(component))
}

func (l *zapLogger) SetLevel(level Level) { l.level.SetLevel(level.zap()) }
func (l *zapLogger) GetLevel() Level      { return fromZap(l.level.Level()) }

type ctxKey string

// ContextWith returns a child context carrying a logging value under key
// (RequestIDKey, TraceIDKey or OperationKey).
func ContextWith(ctx context.Context, key string, value interface{}) context.Context {
	return context.WithValue(ctx, ctxKey(key), value)
}

// levelGate applies the logger's AtomicLevel on top of an injected core.
type levelGate struct {
	zapcore.Core
	level zap.AtomicLevel
}

func (g *levelGate) Enabled(l zapcore.Level) bool {
	return g.level.Enabled(l) && g.Core.Enabled(l)
}

func (g *levelGate) With(fields []zapcore.Field) zapcore.Core {
	return &levelGate{Core: g.Core.With(fields), level: g.level}
}

func (g *levelGate) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !g.level.Enabled(e.Level) {
		return ce
	}
	return g.Core.Check(e, ce)
}
