package logger

import (
	"context"
	"log/slog"
	"os"

	"github.com/phsym/console-slog"
)

// slogLogger adapts log/slog to the Logger interface. All children created
// by With share one LevelVar, so SetLevel on the root applies everywhere.
type slogLogger struct {
	base  *slog.Logger
	level *slog.LevelVar
}

// NewSlog builds a slog-backed Logger writing to stdout at the given level.
//
// Records are JSON by default. Setting the SECUREBUS_CONSOLE_LOG environment
// variable switches to the human-readable console handler for development.
func NewSlog(level Level) Logger {
	lv := &slog.LevelVar{}
	lv.Set(level.toSlog())

	var handler slog.Handler
	if os.Getenv("SECUREBUS_CONSOLE_LOG") != "" {
		handler = console.NewHandler(os.Stdout, &console.HandlerOptions{Level: lv})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv})
	}

	return &slogLogger{base: slog.New(handler), level: lv}
}

func (l Level) toSlog() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *slogLogger) Debug(msg string, kv ...any) { l.emit(slog.LevelDebug, msg, kv) }
func (l *slogLogger) Info(msg string, kv ...any)  { l.emit(slog.LevelInfo, msg, kv) }
func (l *slogLogger) Warn(msg string, kv ...any)  { l.emit(slog.LevelWarn, msg, kv) }
func (l *slogLogger) Error(msg string, kv ...any) { l.emit(slog.LevelError, msg, kv) }

func (l *slogLogger) emit(level slog.Level, msg string, kv []any) {
	l.base.Log(context.Background(), level, msg, kv...)
}

func (l *slogLogger) With(kv ...any) Logger {
	return &slogLogger{base: l.base.With(kv...), level: l.level}
}

// SetLevel adjusts the minimum level of this logger and of every child that
// shares its handler.
func (l *slogLogger) SetLevel(level Level) {
	l.level.Set(level.toSlog())
}
