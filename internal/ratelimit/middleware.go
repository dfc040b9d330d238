package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/genxfx/genx-gateway/internal/log"
)

// Span attributes set on the request span by Middleware.
const (
	AttrClient   = attribute.Key("ratelimit.client")
	AttrDecision = attribute.Key("ratelimit.decision")
	AttrWindow   = attribute.Key("ratelimit.window")
)

// Response headers set by Middleware.
const (
	HeaderRetryAfter      = "Retry-After"
	HeaderLimitMinute     = "X-RateLimit-Limit-Minute"
	HeaderLimitHour       = "X-RateLimit-Limit-Hour"
	HeaderBurst           = "X-RateLimit-Burst"
	HeaderRemainingMinute = "X-RateLimit-Remaining-Minute"
	HeaderRemainingHour   = "X-RateLimit-Remaining-Hour"
)

type rejection struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// Middleware enforces the limits on every request whose path is not bypassed.
// Bypassed requests are forwarded untouched and leave no state behind.
// Store errors fail open: the request is forwarded without rate limit headers.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Bypassed(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		now := l.now()

		if _, err := l.Cleanup(ctx, now); err != nil {
			log.FromContext(ctx).Error(ctx, err, "rate limit cleanup failed")
		}

		key := l.Identify(r)
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(AttrClient.String(key))

		d, err := l.Allow(ctx, key, now)
		if err != nil {
			span.SetAttributes(AttrDecision.String("error"))
			if l.errLog.Allow() {
				log.FromContext(ctx).Error(ctx, err, "rate limiter unavailable, admitting request", "client", key)
			}
			next.ServeHTTP(w, r)
			return
		}

		if d.Limited {
			win := d.Window.String()
			if d.Capacity {
				win = "capacity"
			}
			span.SetAttributes(AttrDecision.String("denied"), AttrWindow.String(win))
			l.reject(w, d)
			return
		}
		span.SetAttributes(AttrDecision.String("allowed"))

		h := w.Header()
		h.Set(HeaderLimitMinute, strconv.Itoa(l.limits.PerMinute))
		h.Set(HeaderLimitHour, strconv.Itoa(l.limits.PerHour))
		h.Set(HeaderRemainingMinute, strconv.Itoa(d.Remaining(l.limits, Minute)))
		h.Set(HeaderRemainingHour, strconv.Itoa(d.Remaining(l.limits, Hour)))
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) reject(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set(HeaderRetryAfter, strconv.Itoa(d.RetryAfter))
	h.Set(HeaderLimitMinute, strconv.Itoa(l.limits.PerMinute))
	h.Set(HeaderLimitHour, strconv.Itoa(l.limits.PerHour))
	h.Set(HeaderBurst, strconv.Itoa(l.limits.Burst))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rejection{
		Error:      "Rate limit exceeded",
		Message:    d.Reason(),
		RetryAfter: d.RetryAfter,
	})
}
