// Package metrics owns the gateway's Prometheus registry. Labels are kept to
// bounded sets (method, route pattern, status, window name); client keys never
// become labels.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/genxfx/genx-gateway/internal/version"
)

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets    = prometheus.ExponentialBuckets(256, 4, 9) // 256B .. 16MiB
	sweepBuckets   = []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

type httpMetrics struct {
	inflight prometheus.Gauge
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	size     *prometheus.HistogramVec
	panics   prometheus.Counter
	upstream *prometheus.CounterVec
}

type limiterMetrics struct {
	decisions *prometheus.CounterVec
	tracked   prometheus.Gauge
	capacity  prometheus.Counter
	sweepDur  prometheus.Histogram
	swept     prometheus.Counter
	fallback  *prometheus.CounterVec
	breaker   prometheus.Gauge
}

// ServerMetrics is shared by the gateway and ops listeners.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	traffic httpMetrics
	limiter limiterMetrics

	buildInfo *prometheus.GaugeVec
	profiling prometheus.Gauge
}

func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &ServerMetrics{reg: reg}
	m.traffic = httpMetrics{
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Requests currently being served",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Requests by method, route and status, including 429 rejections",
		}, []string{"method", "route", "status"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "5xx responses by method and route",
		}, []string{"method", "route"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: latencyBuckets,
		}, []string{"method", "route"}),
		size: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response body size by method and route",
			Buckets: sizeBuckets,
		}, []string{"method", "route"}),
		panics: f.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Handler panics recovered by either listener",
		}),
		upstream: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Proxied requests that failed to reach the upstream API by error kind",
		}, []string{"kind"}),
	}
	m.limiter = limiterMetrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_requests_total",
			Help: "Rate limiter decisions; window names the exceeded window, none when allowed",
		}, []string{"decision", "window"}),
		tracked: f.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_tracked_clients",
			Help: "Client keys holding rate limit state after the last sweep",
		}),
		capacity: f.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_capacity_rejections_total",
			Help: "New clients turned away because the tracked client cap was reached",
		}),
		sweepDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimit_sweep_duration_seconds",
			Help:    "Time spent sweeping idle clients",
			Buckets: sweepBuckets,
		}),
		swept: f.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_sweep_removed_total",
			Help: "Idle clients removed by sweeps",
		}),
		fallback: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_store_fallback_total",
			Help: "Store operations answered by the in-memory fallback",
		}, []string{"op"}),
		breaker: f.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_breaker_state",
			Help: "Primary store circuit breaker (0 closed, 1 half-open, 2 open)",
		}),
	}
	m.buildInfo = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata, value is always 1",
	}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"})
	m.profiling = f.NewGauge(prometheus.GaugeOpts{
		Name: "profiling_active",
		Help: "1 when continuous profiling is running",
	})

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

// Handler serves the registry in Prometheus or OpenMetrics format.
func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) IncPanic() { m.traffic.panics.Inc() }

func (m *ServerMetrics) IncUpstreamError(kind string) {
	m.traffic.upstream.WithLabelValues(kind).Inc()
}

// SetBuildInfoFromVersion is called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.WithLabelValues(app, component, vi.Version, vi.Commit, vi.CommitDate,
		vi.BuildId, vi.BuildDate, dirty, vi.GoVersion).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profiling.Set(boolFloat(active))
}

func (m *ServerMetrics) IncRateLimitAllowed() {
	m.limiter.decisions.WithLabelValues("allowed", "none").Inc()
}

// IncRateLimitDenied counts a rejection against the window that was exceeded,
// or "capacity" when the client could not be tracked at all.
func (m *ServerMetrics) IncRateLimitDenied(window string) {
	m.limiter.decisions.WithLabelValues("denied", window).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() { m.limiter.capacity.Inc() }

func (m *ServerMetrics) ObserveRateLimitSweep(removed, remaining int, took time.Duration) {
	m.limiter.sweepDur.Observe(took.Seconds())
	m.limiter.swept.Add(float64(removed))
	m.limiter.tracked.Set(float64(remaining))
}

func (m *ServerMetrics) IncRateLimitFallback(op string) {
	m.limiter.fallback.WithLabelValues(op).Inc()
}

func (m *ServerMetrics) SetRateLimitBreakerState(state int) {
	m.limiter.breaker.Set(float64(state))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
