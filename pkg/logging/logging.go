// Package logging wraps zerolog with the key/value field convention used
// throughout the campaign control plane.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level names a logging verbosity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the wire shape of emitted log lines.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config controls how a Logger is built.
type Config struct {
	Level  Level
	Format Format
	Output io.Writer
}

// Logger is a thin wrapper around zerolog.Logger offering variadic
// key/value fields instead of the builder-style zerolog API.
type Logger struct {
	z zerolog.Logger
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var out io.Writer = cfg.Output
	if cfg.Format == FormatConsole {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}

	z := zerolog.New(out).With().Timestamp().Logger()
	z = z.Level(levelOf(cfg.Level))

	return &Logger{z: z}
}

func levelOf(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.emit(l.z.Debug(), msg, fields...) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.emit(l.z.Info(), msg, fields...) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.emit(l.z.Warn(), msg, fields...) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.emit(l.z.Error(), msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...interface{}) { l.emit(l.z.Fatal(), msg, fields...) }

func (l *Logger) emit(event *zerolog.Event, msg string, fields ...interface{}) {
	if len(fields)%2 != 0 {
		event.Str("logging_error", "odd number of field arguments")
		event.Msg(msg)
		return
	}
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("field%d", i)
		}
		event.Interface(key, fields[i+1])
	}
	event.Msg(msg)
}

// With returns a child Logger carrying an additional field on every entry.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{z: l.z.With().Interface(key, value).Logger()}
}

// Zerolog exposes the underlying logger for packages that want the native
// zerolog builder API (e.g. to attach a sub-process stderr stream).
func (l *Logger) Zerolog() zerolog.Logger { return l.z }
