package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root zerolog logger plus the file it writes to, if any.
// Engine packages take the plain zerolog.Logger from Zerolog.
type Logger struct {
	zlog zerolog.Logger
	out  io.Closer
}

// NewLogger builds the root logger. A file Output is opened for append and
// closed by Close.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}

	l := &Logger{}
	var w io.Writer
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w, l.out = f, f
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: l.out != nil}
	}

	zctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	l.zlog = zctx.Logger()
	return l, nil
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return l.zlog
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.Zerolog().With().Str("component", name).Logger()
}

// WithTask returns a child logger tagged with a task link and kind.
func (l *Logger) WithTask(link, kind string) zerolog.Logger {
	return l.Zerolog().With().Str("task", link).Str("kind", kind).Logger()
}

// WithContext attaches the root logger to ctx so zerolog.Ctx finds it.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	zl := l.Zerolog()
	return zl.WithContext(ctx)
}

// Close closes the log file when the logger writes to one.
func (l *Logger) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.Close()
}
