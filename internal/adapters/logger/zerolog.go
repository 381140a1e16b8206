package logger

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// ZerologLogger implements the ports.Logger interface with structured JSON
// output, for deployments whose log pipeline wants one JSON object per line.
type ZerologLogger struct {
	zl zerolog.Logger
}

// NewZerologLogger creates a JSON logger writing to os.Stderr.
func NewZerologLogger(level LogLevel) *ZerologLogger {
	return NewZerologLoggerTo(os.Stderr, level)
}

// NewZerologLoggerTo creates a JSON logger writing to an arbitrary sink.
func NewZerologLoggerTo(w io.Writer, level LogLevel) *ZerologLogger {
	zl := zerolog.New(w).Level(toZerologLevel(level)).With().Timestamp().Logger()
	return &ZerologLogger{zl: zl}
}

func toZerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func withFields(ev *zerolog.Event, fields []map[string]interface{}) *zerolog.Event {
	if len(fields) > 0 && fields[0] != nil {
		ev = ev.Fields(fields[0])
	}
	return ev
}

// Debug logs a message at Debug level.
func (l *ZerologLogger) Debug(_ context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.zl.Debug(), fields).Msg(msg)
}

// Info logs a message at Info level.
func (l *ZerologLogger) Info(_ context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.zl.Info(), fields).Msg(msg)
}

// Warn logs a message at Warning level.
func (l *ZerologLogger) Warn(_ context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.zl.Warn(), fields).Msg(msg)
}

// Error logs an error message at Error level.
func (l *ZerologLogger) Error(_ context.Context, err error, msg string, fields ...map[string]interface{}) {
	withFields(l.zl.Error().Err(err), fields).Msg(msg)
}
