package log

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const defaultMaxErrorLinks = 8

type slogLogger struct {
	h slog.Handler
	// maxLinks bounds error_links, 0 when links are disabled
	maxLinks int
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}

	var h slog.Handler
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}

	stackLevel := opts.StacktraceLevel
	if stackLevel == 0 {
		stackLevel = slog.LevelError
	}
	h = enrichHandler{next: h, stackLevel: stackLevel}

	// empty build fields are left out rather than logged as ""
	build := []slog.Attr{slog.String("app", opts.App)}
	for _, kv := range [][2]string{{"version", opts.Version}, {"commit", opts.Commit}, {"build_id", opts.BuildID}} {
		if kv[1] != "" {
			build = append(build, slog.String(kv[0], kv[1]))
		}
	}

	l := &slogLogger{h: h.WithAttrs(build)}
	if opts.IncludeErrorLinks {
		l.maxLinks = opts.MaxErrorLinks
		if l.maxLinks <= 0 {
			l.maxLinks = defaultMaxErrorLinks
		}
	}
	return l, nil
}

func (s *slogLogger) With(kv ...any) Logger {
	var r slog.Record
	addKV(&r, kv)
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return &slogLogger{h: s.h.WithAttrs(attrs), maxLinks: s.maxLinks}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, errorAttrs(err, s.maxLinks)...)
	}
	s.log(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) log(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// source is the caller of Info/Warn/...: skip Callers, log and the level method
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	addKV(&r, kv)
	_ = s.h.Handle(ctx, r)
}

// addKV drops pairs whose key is not a string and a trailing key without value.
func addKV(r *slog.Record, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			r.AddAttrs(slog.Any(k, kv[i+1]))
		}
	}
}

// enrichHandler adds trace_id and span_id when the context carries a span, and
// a stack at or above stackLevel. The stack comes from the first error in the
// logged chain that captured one, otherwise from the logging call site.
type enrichHandler struct {
	next       slog.Handler
	stackLevel slog.Level
}

func (h enrichHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h enrichHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if r.Level >= h.stackLevel {
		r.AddAttrs(slog.String("stack", recordStack(r)))
	}
	return h.next.Handle(ctx, r)
}

func (h enrichHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return enrichHandler{next: h.next.WithAttrs(attrs), stackLevel: h.stackLevel}
}

func (h enrichHandler) WithGroup(name string) slog.Handler {
	return enrichHandler{next: h.next.WithGroup(name), stackLevel: h.stackLevel}
}

func recordStack(r slog.Record) string {
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		var hs hasStack
		if err, ok := a.Value.Any().(error); ok && errors.As(err, &hs) {
			pcs = hs.StackPCs()
		}
		return false
	})
	if len(pcs) == 0 {
		pcs = make([]uintptr, 64)
		// skip Callers, recordStack, Handle and log
		pcs = pcs[:runtime.Callers(4, pcs)]
	}
	return renderPCs(pcs)
}
