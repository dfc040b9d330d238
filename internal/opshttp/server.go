package opshttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/genxfx/genx-gateway/internal/health"
	"github.com/genxfx/genx-gateway/internal/httpmw"
	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/xerrors"
)

// DefaultPort of the admin listener.
const DefaultPort = 9000

// NewHandler builds the admin router. Peers outside loopback, private and
// link local ranges get 403 on every route.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	r := chi.NewRouter()
	r.Use(nonPublicOnly(L))
	if opts.UseRecoverMW {
		r.Use(httpmw.Recover(L, opts.OnPanic))
	}

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		// /debug/pprof/* and /debug/vars
		r.Mount("/debug", middleware.Profiler())
	}
	if opts.RateLimit != nil {
		r.Route("/ratelimit", func(r chi.Router) { rateLimitRoutes(r, L, opts.RateLimit) })
	}
	return r
}

// nonPublicOnly checks the TCP peer only. Forwarding headers are ignored, the
// ops port is never meant to sit behind the public load balancer.
func nonPublicOnly(L log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !nonPublicPeer(r.RemoteAddr) {
				L.Warn(r.Context(), "ops request from public network refused",
					"network.peer.address", r.RemoteAddr,
					"url.path", r.URL.Path,
				)
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func nonPublicPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast())
}

// Start listens on opts.Port and returns an idempotent stop.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := ":" + strconv.Itoa(port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on ops addr %s", addr)
	}

	srv := &http.Server{
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// cpu profiles and traces stream for 30s unless ?seconds= says otherwise
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 64 << 10,
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var (
		once    sync.Once
		stopErr error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
