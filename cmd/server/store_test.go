package main

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/genxfx/genx-gateway/internal/cfg"
	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/metrics"
	"github.com/genxfx/genx-gateway/internal/ratelimit"
)

// deadRedisAddr is a loopback address nothing listens on.
func deadRedisAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func storeConfig(store, addr string) cfg.App {
	return cfg.App{
		RateLimitStore:     store,
		RedisAddr:          addr,
		RedisPrefix:        ratelimit.DefaultRedisPrefix,
		BreakerFailures:    1,
		BreakerOpenTimeout: time.Minute,
	}
}

func scrape(t *testing.T, m *metrics.ServerMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestNewRateLimitStore_Memory(t *testing.T) {
	rls, err := newRateLimitStore(context.Background(), log.Nop(), storeConfig(cfg.StoreMemory, ""), metrics.New())
	if err != nil {
		t.Fatalf("newRateLimitStore: %v", err)
	}
	if _, ok := rls.store.(*ratelimit.MemoryStore); !ok {
		t.Fatalf("store = %T", rls.store)
	}
	if err := rls.probe.Check(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if rls.ready != nil {
		t.Fatal("memory store should not gate readiness")
	}
}

func TestNewRateLimitStore_RedisDown(t *testing.T) {
	rls, err := newRateLimitStore(context.Background(), log.Nop(), storeConfig(cfg.StoreRedis, deadRedisAddr(t)), metrics.New())
	if err != nil {
		t.Fatalf("newRateLimitStore: %v", err)
	}
	defer rls.store.Close()

	if _, ok := rls.store.(*ratelimit.RedisStore); !ok {
		t.Fatalf("store = %T", rls.store)
	}
	if rls.ready == nil {
		t.Fatal("redis store must gate readiness")
	}
	if err := rls.ready.Check(context.Background()); err == nil {
		t.Fatal("readiness should fail without redis")
	}
}

func TestNewRateLimitStore_FailoverServesFromMemory(t *testing.T) {
	m := metrics.New()
	rls, err := newRateLimitStore(context.Background(), log.Nop(), storeConfig(cfg.StoreFailover, deadRedisAddr(t)), m)
	if err != nil {
		t.Fatalf("newRateLimitStore: %v", err)
	}
	defer rls.store.Close()

	if rls.ready != nil {
		t.Fatal("failover store should not gate readiness")
	}
	if err := rls.probe.Check(context.Background()); err == nil {
		t.Fatal("health probe should report redis down")
	}

	l := ratelimit.Limits{PerMinute: 5, PerHour: 10, Burst: 2, CleanupInterval: time.Minute}
	d, err := rls.store.Take(context.Background(), "198.51.100.4", time.Now(), l, true)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if d.Limited || d.Counts[ratelimit.Burst] != 1 {
		t.Fatalf("decision = %+v", d)
	}

	body := scrape(t, m)
	if !strings.Contains(body, `ratelimit_store_fallback_total{op="take"} 1`) {
		t.Errorf("fallback not counted:\n%s", body)
	}
	if !strings.Contains(body, "ratelimit_breaker_state 2") {
		t.Errorf("breaker state not exported as open:\n%s", body)
	}
}

func TestNewRateLimitStore_Unknown(t *testing.T) {
	if _, err := newRateLimitStore(context.Background(), log.Nop(), storeConfig("etcd", ""), metrics.New()); err == nil {
		t.Fatal("want error for unknown store")
	}
}
