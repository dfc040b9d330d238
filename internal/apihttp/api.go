// Package apihttp serves the few endpoints the gateway answers itself.
package apihttp

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/genxfx/genx-gateway/internal/health"
	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/ratelimit"
	"github.com/genxfx/genx-gateway/internal/version"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

type Options struct {
	Limits  ratelimit.Limits
	Version version.Info

	// Checks are reported by name under "services" in GET /health. Any failing
	// check makes the overall status degraded; the endpoint still answers 200.
	Checks map[string]health.Probe

	// Now defaults to time.Now.
	Now func() time.Time
}

type API struct {
	limits  ratelimit.Limits
	version version.Info
	checks  map[string]health.Probe
	now     func() time.Time
	started time.Time
}

func New(opts Options) *API {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &API{
		limits:  opts.Limits,
		version: opts.Version,
		checks:  opts.Checks,
		now:     opts.Now,
		started: opts.Now(),
	}
}

// RegisterRoutes attaches GET /health, /openapi.json and /api/.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/health", a.health)
	r.Get("/openapi.json", a.openAPI)
	r.Get("/api/", a.banner)
}

type healthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Services      map[string]string `json:"services"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	now := a.now()
	resp := healthResponse{
		Status:        statusHealthy,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       a.version.Version,
		Services:      map[string]string{"api": statusHealthy},
		UptimeSeconds: int64(now.Sub(a.started).Seconds()),
	}

	names := make([]string, 0, len(a.checks))
	for name := range a.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := a.checks[name].Check(r.Context()); err != nil {
			log.FromContext(r.Context()).Warn(r.Context(), "health check failed", "service", name, "err", err.Error())
			resp.Services[name] = statusUnhealthy
			resp.Status = statusDegraded
			continue
		}
		resp.Services[name] = statusHealthy
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) banner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "GenX FX Trading Platform API",
		"gateway": version.AppName,
		"version": a.version.String(),
		"status":  "running",
		"rate_limits": map[string]int{
			"requests_per_minute": a.limits.PerMinute,
			"requests_per_hour":   a.limits.PerHour,
			"burst_limit":         a.limits.Burst,
		},
		"documentation": map[string]string{
			"openapi": "/openapi.json",
			"health":  "/health",
		},
	})
}

// NotFound is the JSON 404 used when no upstream is configured.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error":   "Not found",
		"message": "No route for " + r.Method + " " + r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
