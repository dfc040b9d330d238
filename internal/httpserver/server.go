package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/genxfx/genx-gateway/internal/health"
	"github.com/genxfx/genx-gateway/internal/httpmw"
	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/xerrors"
)

const (
	HealthyPath = "/-/healthy"
	ReadyPath   = "/-/ready"
)

// ProbePaths are served on the public listener for load balancers; callers add
// them to the limiter bypass list.
var ProbePaths = []string{HealthyPath, ReadyPath}

// DefaultMaxBodyBytes fits any order or quote payload the platform accepts.
const DefaultMaxBodyBytes = 1 << 20

// untraced paths are polled constantly and would drown real traffic in spans.
var untraced = map[string]bool{
	HealthyPath:    true,
	ReadyPath:      true,
	"/health":      true,
	"/favicon.ico": true,
	"/robots.txt":  true,
}

// NewHandler builds the public gateway handler. Outermost first:
// response time, security headers, request id, client ip, tracing, trace
// headers, metrics, request logger, recover, then the chi router with route
// annotation, access log, body cap, rate limiting and compression.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxBody))
	if opts.RateLimitMW != nil {
		r.Use(opts.RateLimitMW)
	}
	r.Use(middleware.Compress(5, "application/json", "application/problem+json", "text/plain"))

	r.Get(HealthyPath, health.HealthzHandler(opts.Health))
	r.Get(ReadyPath, health.ReadyzHandler(opts.Readiness))

	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}
	if opts.Fallback != nil {
		r.NotFound(opts.Fallback.ServeHTTP)
		r.MethodNotAllowed(opts.Fallback.ServeHTTP)
	}

	var recoverMW httpmw.Middleware
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}

	return httpmw.Chain(r,
		httpmw.ResponseTime,
		httpmw.SecurityHeaders,
		httpmw.RequestID(httpmw.DefaultRequestIDHeader),
		opts.ClientIPMW,
		tracing,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger),
		recoverMW,
	)
}

func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return !untraced[r.URL.Path] }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// renamed to the route pattern by AnnotateHTTPRoute
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

// Gateway listener limits. WriteTimeout covers the whole proxied round trip
// and can be raised through Options.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20

	shutdownGrace = 10 * time.Second
)

// NewServer returns the gateway http.Server for handler. A zero writeTimeout
// uses DefaultWriteTimeout.
func NewServer(addr string, handler http.Handler, writeTimeout time.Duration) *http.Server {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start binds the gateway port and serves in the background. The returned
// stop drains in-flight requests for up to shutdownGrace and is safe to call
// more than once.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Port == 0 {
		opts.Port = 8080
	}
	srv := NewServer(fmt.Sprintf(":%d", opts.Port), NewHandler(opts), opts.WriteTimeout)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", srv.Addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", srv.Addr)
	}
	opts.Logger.Info(ctx, "gateway listening", "addr", ln.Addr().String(), "write_timeout", srv.WriteTimeout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "gateway serve failed")
		}
	}()

	var (
		once    sync.Once
		stopErr error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			opts.Logger.Info(sctx, "gateway draining")
			c, cancel := context.WithTimeout(sctx, shutdownGrace)
			defer cancel()
			stopErr = srv.Shutdown(c)
			<-done
		})
		return stopErr
	}, nil
}
