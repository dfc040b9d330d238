package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute keeps span names bounded for paths no route claimed,
// the same label the metrics middleware uses.
const unmatchedRoute = "unmatched"

// AnnotateHTTPRoute renames the server span after the chi route pattern once
// the router has run, and records the resolved client address.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		if !span.IsRecording() {
			return
		}

		route := unmatchedRoute
		if rc := chi.RouteContext(ctx); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}

		attrs := []attribute.KeyValue{attribute.String("http.route", route)}
		if ip := ClientIPFromContext(ctx); ip != "" {
			attrs = append(attrs, attribute.String("client.address", ip))
		}
		span.SetAttributes(attrs...)
		span.SetName(r.Method + " " + route)
	})
}
