// Package logging configures structured JSON logging for the service.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options select the level and an optional rotated log file. When File is
// set, lines go to both stdout and the file.
type Options struct {
	Level      slog.Level
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup configures the default slog logger to emit JSON with the service and
// environment attached to every line, bridges the standard library logger onto
// the same handler, and returns the logger together with a closer for the log
// file (a no-op when no file is configured).
func Setup(service, env string, opts Options) (*slog.Logger, io.Closer) {
	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if file := strings.TrimSpace(opts.File); file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	logger := New(out, service, env, opts.Level)
	slog.SetDefault(logger)

	bridge := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return logger, closer
}

// New builds the JSON logger without touching process-wide defaults.
func New(w io.Writer, service, env string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return attr
			}
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []any{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	return slog.New(handler).With(attrs...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
