package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// Options selects the handler built by New.
type Options struct {
	Level   string // debug, info, warn, error
	Format  string // text or json
	Output  io.Writer
	NoColor bool
}

// New builds a structured logger. Text output is colorized with tint.
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02 15:04:05.000",
			NoColor:    opts.NoColor,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Value.Kind() == slog.KindAny {
					if _, ok := a.Value.Any().(error); ok {
						return tint.Attr(9, a)
					}
				}
				return a
			},
		})
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("logger: unknown format %q", opts.Format)
	}
	return slog.New(handler), nil
}

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logger: unknown level %q", s)
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDefault returns l, or slog.Default when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeySessionID contextKey = "session_id"
	ContextKeyTurn      contextKey = "turn"
	ContextKeyServer    contextKey = "server"
)

// WithSession stores the session id on ctx.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, id)
}

// WithTurn stores the turn number on ctx.
func WithTurn(ctx context.Context, turn int) context.Context {
	return context.WithValue(ctx, ContextKeyTurn, turn)
}

// WithServer stores the MCP server name on ctx.
func WithServer(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ContextKeyServer, name)
}

// FromContext returns base enriched with the fields stored on ctx.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	l := OrDefault(base)
	if ctx == nil {
		return l
	}
	if v := ctx.Value(ContextKeySessionID); v != nil {
		l = l.With("session_id", v)
	}
	if v := ctx.Value(ContextKeyTurn); v != nil {
		l = l.With("turn", v)
	}
	if v := ctx.Value(ContextKeyServer); v != nil {
		l = l.With("server", v)
	}
	return l
}

// LineWriter returns an io.WriteCloser that logs every complete line written
// to it. Used to forward child process stderr.
func LineWriter(l *slog.Logger, level slog.Level, msg string, attrs ...any) io.WriteCloser {
	pr, pw := io.Pipe()
	l = OrDefault(l).With(attrs...)
	go func() {
		defer pr.Close()
		scanLines(pr, func(line string) {
			l.Log(context.Background(), level, msg, "line", line)
		})
	}()
	return pw
}
