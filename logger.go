package gqlink

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Logger is the structured logging surface used by the client. Key/value
// pairs follow the message, zap "sugared" style.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// DebugConfig selects which optional debug records are emitted. Lifecycle
// events (engine start, stream disconnects, observer completions) are
// always logged; these flags gate the chattier per-request records.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogRetries   bool
	LogBatches   bool
	LogStream    bool
	LogDedup     bool
	RequestIDGen func() string
}

// DefaultDebugConfig returns a disabled config with every category selected,
// so WithDebug alone turns everything on.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRequests:  true,
		LogRetries:   true,
		LogBatches:   true,
		LogStream:    true,
		LogDedup:     true,
		RequestIDGen: uuid.NewString,
	}
}

// ZapLogger adapts a *zap.Logger to Logger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps l. A nil logger yields a no-op logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{sugar: l.Sugar()}
}

func (z *ZapLogger) Debug(msg string, keysAndValues ...interface{}) {
	z.sugar.Debugw(msg, keysAndValues...)
}

func (z *ZapLogger) Info(msg string, keysAndValues ...interface{}) {
	z.sugar.Infow(msg, keysAndValues...)
}

func (z *ZapLogger) Warn(msg string, keysAndValues ...interface{}) {
	z.sugar.Warnw(msg, keysAndValues...)
}

func (z *ZapLogger) Error(msg string, keysAndValues ...interface{}) {
	z.sugar.Errorw(msg, keysAndValues...)
}

// Sync flushes buffered log entries.
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}

// NewSimpleLogger returns a human readable console logger at debug level.
func NewSimpleLogger() Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return NopLogger()
	}
	return NewZapLogger(l)
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return NewZapLogger(zap.NewNop())
}
