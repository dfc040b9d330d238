package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/genxfx/genx-gateway/internal/health"
	"github.com/genxfx/genx-gateway/internal/httpmw"
	"github.com/genxfx/genx-gateway/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	UseRecoverMW bool
	OnPanic      func()

	// ClientIPMW resolves the peer behind trusted proxies. Leave nil when the
	// limiter keys on forwarding headers, the middleware strips them.
	ClientIPMW  httpmw.Middleware
	MetricsMW   httpmw.Middleware
	RateLimitMW httpmw.Middleware

	// MaxBodyBytes caps request bodies, 0 uses DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// WriteTimeout overrides DefaultWriteTimeout, proxied calls may need longer.
	WriteTimeout time.Duration

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes registers gateway owned routes on the router.
	APIRoutes func(chi.Router)

	// Fallback serves every request no route matched, normally the upstream proxy.
	Fallback http.Handler
}
