/*
Package dynorm – logging interface.

Logger is the structured shim used by the compiler and the repository.
The default implementation is backed by zap and discards everything
until a real *zap.Logger is supplied.
*/
package dynorm

import (
	"go.uber.org/zap"
)

// Logger is the interface callers may supply to a Repository.
// Each method receives a structured context map (may be nil).
type Logger interface {
	Trace(message string, ctx map[string]any)
	Info(message string, ctx map[string]any)
	Error(message string, ctx map[string]any)
	Data(message string, ctx map[string]any)
}

// ZapLogger adapts a *zap.Logger. Trace and Data map to zap's debug level.
type ZapLogger struct {
	l *zap.Logger
}

// NewZapLogger wraps l; a nil l yields a no-op logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{l: l}
}

func (z *ZapLogger) Trace(msg string, ctx map[string]any) {
	z.l.Debug(msg, fields(ctx)...)
}

func (z *ZapLogger) Data(msg string, ctx map[string]any) {
	z.l.Debug(msg, append(fields(ctx), zap.Bool("data", true))...)
}

func (z *ZapLogger) Info(msg string, ctx map[string]any) {
	z.l.Info(msg, fields(ctx)...)
}

func (z *ZapLogger) Error(msg string, ctx map[string]any) {
	z.l.Error(msg, fields(ctx)...)
}

// Zap returns the underlying zap logger.
func (z *ZapLogger) Zap() *zap.Logger { return z.l }

func fields(ctx map[string]any) []zap.Field {
	if len(ctx) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(ctx))
	for k, v := range ctx {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

// FuncLogger wraps a plain function: func(level, message string, ctx map[string]any).
type FuncLogger struct {
	Fn func(level, message string, ctx map[string]any)
}

func (f FuncLogger) Trace(msg string, ctx map[string]any) { f.Fn("trace", msg, ctx) }
func (f FuncLogger) Data(msg string, ctx map[string]any)  { f.Fn("data", msg, ctx) }
func (f FuncLogger) Info(msg string, ctx map[string]any)  { f.Fn("info", msg, ctx) }
func (f FuncLogger) Error(msg string, ctx map[string]any) { f.Fn("error", msg, ctx) }

var nopLogger Logger = NewZapLogger(nil)
