package opshttp

import (
	"net/http"

	"github.com/genxfx/genx-gateway/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// RateLimit enables the /ratelimit admin API when set.
	RateLimit RateLimitAdmin

	UseRecoverMW bool
	OnPanic      func()
}
