package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger is the structured logger passed explicitly or carried on a context.
// Error enriches the record with the error's type, chain and origin.
type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

// Options configures New. App, Version, Commit and BuildID are attached to
// every record of the gateway process.
type Options struct {
	App     string
	Version string
	Commit  string
	BuildID string

	Level slog.Level
	// StacktraceLevel is the lowest level that carries a "stack" attribute.
	StacktraceLevel slog.Level
	JsonFormat      bool
	// IncludeErrorLinks adds error_links, capped at MaxErrorLinks entries.
	IncludeErrorLinks bool
	MaxErrorLinks     int
	// Writer defaults to stdout.
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel accepts debug|info|warn|error in any case, as given to -log-level
// and -stacktrace-level.
func ParseLevel(s string) (slog.Level, error) {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid levels are debug|info|warn|error)", s)
}
