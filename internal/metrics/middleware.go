package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels proxied and 404 traffic, raw paths are unbounded.
const unmatchedRoute = "unmatched"

// Middleware records inflight, count, latency and size per method and chi
// route pattern. It must sit outside the rate limiter so 429s are counted.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// the pattern is only readable afterwards if a route context exists
		// before chi's router runs
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.traffic.inflight.Inc()
		defer m.traffic.inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := routeLabel(r)

		m.traffic.requests.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		if code >= 500 {
			m.traffic.errors.WithLabelValues(r.Method, route).Inc()
		}
		observe(m.traffic.duration.WithLabelValues(r.Method, route), time.Since(start).Seconds(), traceExemplar(r.Context()))
		m.traffic.size.WithLabelValues(r.Method, route).Observe(float64(ww.BytesWritten()))
	})
}

func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

func observe(o prometheus.Observer, v float64, ex prometheus.Labels) {
	if eo, ok := o.(prometheus.ExemplarObserver); ok && ex != nil {
		eo.ObserveWithExemplar(v, ex)
		return
	}
	o.Observe(v)
}

// traceExemplar links a latency sample to its trace when the trace is sampled.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
