// Package logger provides the logging interface shared by all embedpipe components.
package logger

import (
	"log/slog"

	"go.uber.org/zap"
)

// Logger defines the logging interface used throughout embedpipe.
// Implementations must be safe for concurrent use and should handle log levels internally.
// *slog.Logger satisfies it directly.
type Logger interface {
	// Error logs unexpected failures that an operator should look at.
	Error(msg string, args ...any)

	// Warn logs degraded behavior the system recovered from, e.g. a fail-open cache read.
	Warn(msg string, args ...any)

	// Info logs lifecycle events such as scaling decisions and breaker transitions.
	Info(msg string, args ...any)

	// Debug logs detailed diagnostic information about cache, lock and queue handling.
	// Debug messages should not include sensitive information and may be omitted in production.
	Debug(msg string, args ...any)
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// NewZap adapts a zap logger to Logger. Key/value args are passed through as
// loosely typed zap fields.
func NewZap(z *zap.Logger) Logger {
	return &zapLogger{s: z.Sugar()}
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (z *zapLogger) Error(msg string, args ...any) { z.s.Errorw(msg, args...) }
func (z *zapLogger) Warn(msg string, args ...any)  { z.s.Warnw(msg, args...) }
func (z *zapLogger) Info(msg string, args ...any)  { z.s.Infow(msg, args...) }
func (z *zapLogger) Debug(msg string, args ...any) { z.s.Debugw(msg, args...) }
