package httpmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// DefaultRequestIDHeader is used when RequestID is given no header name.
const DefaultRequestIDHeader = "X-Request-Id"

// maxRequestIDLen bounds client supplied ids before they reach logs and the upstream.
const maxRequestIDLen = 128

type requestIDKey struct{}

// WithRequestID attaches a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext gets the request ID from context, or "" if none.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}

// RequestID keeps a well formed incoming id or replaces it with a new one.
// The id ends up in the context, on the response, and on the request headers
// so the upstream sees the same value.
func RequestID(headerName string) func(http.Handler) http.Handler {
	if headerName == "" {
		headerName = DefaultRequestIDHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerName)
			if !validRequestID(id) {
				id = newRequestID()
				r.Header.Set(headerName, id)
			}

			w.Header().Set(headerName, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	return strings.IndexFunc(id, func(c rune) bool {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return false
		case c == '-', c == '_', c == '.', c == ':', c == '/', c == '=', c == '+':
			return false
		}
		return true
	}) < 0
}

// newRequestID is a random uuid without dashes, 32 hex chars.
func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
