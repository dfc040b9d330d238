package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/genxfx/genx-gateway/internal/cfg"
	"github.com/genxfx/genx-gateway/internal/health"
	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/metrics"
	"github.com/genxfx/genx-gateway/internal/ratelimit"
	"github.com/genxfx/genx-gateway/internal/xerrors"
)

// storePingTimeout bounds the redis ping behind /health and readiness.
const storePingTimeout = 500 * time.Millisecond

// rateLimitStore is the configured store plus the probe reported as
// "ratelimit_store" in GET /health.
type rateLimitStore struct {
	store ratelimit.Store
	probe health.Probe
	// ready gates readiness, only set when losing redis means losing the limiter
	ready health.Probe
}

func newRedisClient(conf cfg.App) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     conf.RedisAddr,
		Password: conf.RedisPassword,
		DB:       conf.RedisDB,
	})
}

func redisProbe(rdb redis.UniversalClient) health.Probe {
	return health.Timeout(health.CheckFunc(func(ctx context.Context) error {
		return xerrors.Wrap(rdb.Ping(ctx).Err(), "redis ping")
	}), storePingTimeout)
}

func newRateLimitStore(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) (rateLimitStore, error) {
	switch conf.RateLimitStore {
	case cfg.StoreMemory:
		return rateLimitStore{store: ratelimit.NewMemoryStore(), probe: health.Fixed(true, "")}, nil

	case cfg.StoreRedis:
		rdb := newRedisClient(conf)
		p := redisProbe(rdb)
		return rateLimitStore{store: ratelimit.NewRedisStore(rdb, conf.RedisPrefix), probe: p, ready: p}, nil

	case cfg.StoreFailover:
		rdb := newRedisClient(conf)
		fs := ratelimit.NewFailoverStore(
			ratelimit.NewRedisStore(rdb, conf.RedisPrefix),
			ratelimit.NewMemoryStore(),
			ratelimit.FailoverOptions{
				ConsecutiveFailures: uint32(conf.BreakerFailures),
				OpenTimeout:         conf.BreakerOpenTimeout,
				OnStateChange: func(from, to gobreaker.State) {
					m.SetRateLimitBreakerState(int(to))
					L.Warn(ctx, "rate limit store breaker changed state",
						"from", from.String(),
						"to", to.String(),
					)
				},
				OnFallback: func(op string, err error) {
					m.IncRateLimitFallback(op)
				},
			},
		)
		// the fallback keeps serving, a dead redis only degrades /health
		return rateLimitStore{store: fs, probe: redisProbe(rdb)}, nil

	default:
		return rateLimitStore{}, xerrors.Newf("unknown rate limit store %q", conf.RateLimitStore)
	}
}
