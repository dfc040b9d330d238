package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// HeaderTraceResponse carries the W3C trace context of the server span back to
// the caller, in traceparent format.
const HeaderTraceResponse = "Traceresponse"

// TraceResponseHeaders exposes the trace and span ids of the request span so a
// client reporting a 429 or 502 can hand operators something to search for.
func TraceResponseHeaders(traceHeader, spanHeader string) func(http.Handler) http.Handler {
	if traceHeader == "" {
		traceHeader = "X-Trace-Id"
	}
	if spanHeader == "" {
		spanHeader = "X-Span-Id"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				h := w.Header()
				h.Set(traceHeader, sc.TraceID().String())
				h.Set(spanHeader, sc.SpanID().String())
				h.Set(HeaderTraceResponse, "00-"+sc.TraceID().String()+"-"+sc.SpanID().String()+"-"+sc.TraceFlags().String())
			}
			next.ServeHTTP(w, r)
		})
	}
}
