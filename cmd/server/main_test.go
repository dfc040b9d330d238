package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/genxfx/genx-gateway/internal/cfg"
	"github.com/genxfx/genx-gateway/internal/health"
	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/metrics"
	"github.com/genxfx/genx-gateway/internal/ratelimit"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv(cfg.EnvPrefix+"RATE_LIMIT_BURST", "12")
	t.Setenv("RATE_LIMIT_REQUESTS", "90")

	tests := []struct {
		name        string
		args        []string
		wantVersion bool
		wantErr     string
		check       func(*testing.T, cfg.App)
	}{
		{
			name: "layers",
			args: []string{"-http-port=8181"},
			check: func(t *testing.T, c cfg.App) {
				if c.HTTPPort != 8181 || c.RateLimitBurst != 12 || c.RateLimitPerMinute != 90 {
					t.Fatalf("port %d burst %d minute %d", c.HTTPPort, c.RateLimitBurst, c.RateLimitPerMinute)
				}
			},
		},
		{name: "version", args: []string{"-V"}, wantVersion: true},
		{name: "invalid", args: []string{"-rate-limit-store=etcd"}, wantErr: "invalid RATE_LIMIT_STORE"},
		{name: "unknown flag", args: []string{"-no-such-flag"}, wantErr: "no-such-flag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
			fs.SetOutput(&strings.Builder{})
			c, showVersion, err := loadConfig(context.Background(), fs, tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}
			if showVersion != tt.wantVersion {
				t.Fatalf("showVersion = %v", showVersion)
			}
			if tt.check != nil {
				tt.check(t, c)
			}
		})
	}
}

func TestLimiterOptions(t *testing.T) {
	m := metrics.New()
	for _, src := range []string{cfg.KeySourceHeaders, cfg.KeySourceClientIP} {
		conf := cfg.App{RateLimitKeySource: src, RateLimitBypass: "/health", TrustedHops: 1}
		opts, mw := limiterOptions(conf, m, ratelimit.NewMemoryStore(), log.Nop())
		if (mw != nil) != (src == cfg.KeySourceClientIP) {
			t.Fatalf("%s: client ip middleware = %v", src, mw != nil)
		}

		l, err := ratelimit.New(ratelimit.Limits{PerMinute: 1, PerHour: 10, Burst: 1, CleanupInterval: time.Minute}, opts...)
		if err != nil {
			t.Fatalf("%s: ratelimit.New: %v", src, err)
		}
		h := l.Middleware(http.NotFoundHandler())
		if mw != nil {
			h = mw(h)
		}
		codes := make([]int, 0, 3)
		for _, p := range []string{"/api/v1/quotes", "/api/v1/quotes", "/-/ready"} {
			req := httptest.NewRequest(http.MethodGet, p, nil)
			req.RemoteAddr = "198.51.100.4:4000"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes = append(codes, rec.Code)
		}
		_ = l.Close()
		if codes[0] != http.StatusNotFound || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusNotFound {
			t.Fatalf("%s: codes = %v, want 404 429 404 (probe paths bypass)", src, codes)
		}
	}
}

func TestUpstreamHandler(t *testing.T) {
	m := metrics.New()

	checks := map[string]health.Probe{}
	h, err := upstreamHandler(cfg.App{}, m, checks)
	if err != nil {
		t.Fatalf("no upstream: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "No route for GET /api/v1/orders") {
		t.Fatalf("fallback = %d %q", rec.Code, rec.Body.String())
	}
	if len(checks) != 0 {
		t.Fatalf("checks = %v", checks)
	}

	if _, err := upstreamHandler(cfg.App{UpstreamURL: "http://api.internal:8000", UpstreamTimeout: time.Second}, m, checks); err != nil {
		t.Fatalf("with upstream: %v", err)
	}
	if checks["upstream"] == nil {
		t.Fatal("upstream check not registered")
	}
}

func TestNotifySystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	if err := notifySystemd(); err == nil {
		t.Fatal("notified without a socket")
	}

	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram unavailable: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd: %v", err)
	}
	buf := make([]byte, 32)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil || string(buf[:n]) != "READY=1" {
		t.Fatalf("read %q, %v", buf[:n], err)
	}
}
