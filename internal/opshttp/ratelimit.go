package opshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/ratelimit"
)

// RateLimitAdmin is the part of *ratelimit.Limiter the admin API needs.
type RateLimitAdmin interface {
	Limits() ratelimit.Limits
	Clients(ctx context.Context) ([]string, error)
	Usage(ctx context.Context, key string) (ratelimit.Usage, bool, error)
	Reset(ctx context.Context, key string) error
}

// DefaultClientsPageSize caps GET /ratelimit/clients unless ?limit= is given.
const DefaultClientsPageSize = 500

// LimitsResponse is the body of GET /ratelimit/limits.
type LimitsResponse struct {
	PerMinute       int    `json:"requests_per_minute" yaml:"requests_per_minute"`
	PerHour         int    `json:"requests_per_hour" yaml:"requests_per_hour"`
	Burst           int    `json:"burst_limit" yaml:"burst_limit"`
	CleanupInterval string `json:"cleanup_interval" yaml:"cleanup_interval"`
	MaxClients      int    `json:"max_clients" yaml:"max_clients"`
}

// ClientsResponse is the body of GET /ratelimit/clients. Total counts every
// tracked key, Clients holds at most the requested page of them sorted by key.
type ClientsResponse struct {
	Total     int               `json:"total" yaml:"total"`
	Truncated bool              `json:"truncated" yaml:"truncated"`
	Clients   []ratelimit.Usage `json:"clients" yaml:"clients"`
}

// ErrorResponse is returned with every non 2xx admin answer.
type ErrorResponse struct {
	Error string `json:"error" yaml:"error"`
}

func rateLimitRoutes(r chi.Router, L log.Logger, rl RateLimitAdmin) {
	r.Get("/limits", func(w http.ResponseWriter, r *http.Request) {
		l := rl.Limits()
		writeJSON(w, http.StatusOK, LimitsResponse{
			PerMinute:       l.PerMinute,
			PerHour:         l.PerHour,
			Burst:           l.Burst,
			CleanupInterval: l.CleanupInterval.String(),
			MaxClients:      l.MaxClients,
		})
	})

	r.Get("/clients", func(w http.ResponseWriter, r *http.Request) {
		limit := DefaultClientsPageSize
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
				return
			}
			limit = n
		}

		keys, err := rl.Clients(r.Context())
		if err != nil {
			adminError(L, w, r, err, "list rate limit clients")
			return
		}
		sort.Strings(keys)

		resp := ClientsResponse{Total: len(keys), Clients: make([]ratelimit.Usage, 0, min(limit, len(keys)))}
		for _, k := range keys {
			if len(resp.Clients) == limit {
				resp.Truncated = true
				break
			}
			u, ok, err := rl.Usage(r.Context(), k)
			if err != nil {
				adminError(L, w, r, err, "read rate limit usage")
				return
			}
			// swept between listing and reading
			if !ok {
				continue
			}
			resp.Clients = append(resp.Clients, u)
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/clients/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		u, ok, err := rl.Usage(r.Context(), key)
		if err != nil {
			adminError(L, w, r, err, "read rate limit usage")
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "client " + strconv.Quote(key) + " is not tracked"})
			return
		}
		writeJSON(w, http.StatusOK, u)
	})

	r.Delete("/clients/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if err := rl.Reset(r.Context(), key); err != nil {
			adminError(L, w, r, err, "reset rate limit client")
			return
		}
		L.Info(r.Context(), "rate limit client reset", "client", key)
		w.WriteHeader(http.StatusNoContent)
	})
}

// clientKey is the decoded {key} segment. chi matches on RawPath when the
// request has one, and only then is the parameter still escaped.
func clientKey(r *http.Request) string {
	k := chi.URLParam(r, "key")
	if r.URL.RawPath == "" {
		return k
	}
	if u, err := url.PathUnescape(k); err == nil {
		return u
	}
	return k
}

func adminError(L log.Logger, w http.ResponseWriter, r *http.Request, err error, msg string) {
	L.Error(r.Context(), err, msg)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msg + ": " + err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
