package log

import "context"

type loggerKey struct{}

// WithContext attaches l to ctx. httpmw.WithLogger stores a request scoped
// logger here so the limiter and proxy log with request_id and client.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext never returns nil; code reached outside a request logs to Nop.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}
