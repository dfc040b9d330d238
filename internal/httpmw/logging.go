package httpmw

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/genxfx/genx-gateway/internal/log"
)

// statusRecorder captures what the handler chain wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
	start  time.Time
	// ttfb is zero until the first WriteHeader or Write
	ttfb     time.Duration
	writeErr error
}

func (rw *statusRecorder) firstByte() {
	if rw.ttfb == 0 {
		rw.ttfb = time.Since(rw.start)
	}
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.firstByte()
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.firstByte()
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	if err != nil && rw.writeErr == nil {
		rw.writeErr = err
	}
	return n, err
}

func (rw *statusRecorder) Flush() {
	rw.firstByte()
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach Hijack for proxied upgrades.
func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *statusRecorder) code() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

// WithLogger stores a request scoped logger in the context. Only values the
// gateway derived itself are attached: no query string, host, user agent or
// cookies, those are client controlled.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)

			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			// resolved by ClientIPWithOptions when it runs first
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = peer
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// quietPaths are polled by load balancers and monitors.
var quietPaths = map[string]struct{}{
	"/-/ready":   {},
	"/-/healthy": {},
	"/health":    {},
}

// AccessLog emits one "http request" line per request after the handler
// returns. 5xx are logged at warn. Rate limit headers set by the limiter are
// copied into the line so rejections and near-exhausted clients are visible
// without metrics.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusRecorder{ResponseWriter: w, start: time.Now()}
			next.ServeHTTP(rw, r)

			ctx := r.Context()
			status := rw.code()
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.Float64("http.server.ttfb_seconds", rw.ttfb.Seconds()),
					attribute.Int64("http.response.body.size", rw.bytes),
				)
				if rw.writeErr != nil {
					span.RecordError(rw.writeErr)
					span.SetStatus(codes.Error, "response write failed")
				}
			}

			if _, quiet := quietPaths[r.URL.Path]; quiet {
				return
			}

			route := ""
			if rc := chi.RouteContext(ctx); rc != nil {
				route = rc.RoutePattern()
			}
			if route == "" {
				// unmatched routes go to the upstream, the path is all we have
				route = r.URL.Path
			}

			var reqBody int64
			if r.ContentLength > 0 {
				reqBody = r.ContentLength
			}
			fields := []any{
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(rw.start).Seconds(),
				"http.response.body.size", rw.bytes,
				"http.request.body.size", reqBody,
				"http.route", route,
			}
			fields = appendRateLimitFields(fields, rw.Header())

			L := log.FromContext(ctx)
			if status >= http.StatusInternalServerError {
				L.Warn(ctx, "http request", fields...)
				return
			}
			L.Info(ctx, "http request", fields...)
		})
	}
}

// rateLimitFields maps limiter response headers to log keys.
var rateLimitFields = []struct{ header, key string }{
	{"Retry-After", "ratelimit.retry_after"},
	{"X-RateLimit-Remaining-Minute", "ratelimit.remaining_minute"},
	{"X-RateLimit-Remaining-Hour", "ratelimit.remaining_hour"},
}

func appendRateLimitFields(fields []any, h http.Header) []any {
	for _, f := range rateLimitFields {
		if n, err := strconv.Atoi(h.Get(f.header)); err == nil {
			fields = append(fields, f.key, n)
		}
	}
	return fields
}

var validSchemes = map[string]struct{}{"http": {}, "https": {}}

// schemeFromRequest only ever returns "http" or "https". X-Forwarded-Proto wins
// when it holds a valid scheme, then the URL, then the TLS state.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); s != "" {
			if _, ok := validSchemes[s]; ok {
				return s
			}
		}
	}
	if r.URL != nil {
		if s := strings.ToLower(r.URL.Scheme); s != "" {
			if _, ok := validSchemes[s]; ok {
				return s
			}
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
