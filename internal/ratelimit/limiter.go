package ratelimit

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/xerrors"
)

// Limiter applies Limits to client keys using a Store.
type Limiter struct {
	limits  Limits
	store   Store
	now     func() time.Time
	keyFunc KeyFunc
	bypass  map[string]struct{}
	logger  log.Logger

	onAllowed  func(key string, d Decision)
	onDenied   func(key string, d Decision)
	onCapacity func(key string)
	onSweep    func(stats SweepStats, took time.Duration)

	// lastCleanup is unix nanos of the last sweep, starting at construction
	lastCleanup atomic.Int64

	// denyLog and errLog throttle warnings emitted on the request path
	denyLog     *rate.Limiter
	capacityLog rate.Sometimes
	errLog      *rate.Limiter
}

type Option func(*Limiter)

// WithStore replaces the default MemoryStore.
func WithStore(s Store) Option {
	return func(l *Limiter) { l.store = s }
}

// WithClock sets the time source, tests use it to step time by hand.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithBypassPaths replaces DefaultBypassPaths. Paths are matched exactly.
func WithBypassPaths(paths ...string) Option {
	return func(l *Limiter) {
		l.bypass = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			l.bypass[p] = struct{}{}
		}
	}
}

// WithKeyFunc replaces ClientKey.
func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) { l.keyFunc = fn }
}

func WithLogger(logger log.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithOnAllowed is called after every admitted request, used for metrics.
func WithOnAllowed(fn func(key string, d Decision)) Option {
	return func(l *Limiter) { l.onAllowed = fn }
}

// WithOnDenied is called on every rejected request, capacity rejections included.
func WithOnDenied(fn func(key string, d Decision)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnCapacity is called when a new client is refused because MaxClients keys are tracked.
func WithOnCapacity(fn func(key string)) Option {
	return func(l *Limiter) { l.onCapacity = fn }
}

// WithOnSweep is called after every cleanup pass.
func WithOnSweep(fn func(stats SweepStats, took time.Duration)) Option {
	return func(l *Limiter) { l.onSweep = fn }
}

// New validates limits and builds a Limiter. The cleanup clock starts now, so
// the first sweep happens one CleanupInterval after construction.
func New(limits Limits, opts ...Option) (*Limiter, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		limits:      limits,
		now:         time.Now,
		keyFunc:     ClientKey,
		logger:      log.Nop(),
		denyLog:     rate.NewLimiter(rate.Every(time.Second), 10),
		errLog:      rate.NewLimiter(rate.Every(10*time.Second), 1),
		capacityLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	WithBypassPaths(DefaultBypassPaths...)(l)
	for _, o := range opts {
		o(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	l.lastCleanup.Store(l.now().UnixNano())
	return l, nil
}

func (l *Limiter) Limits() Limits { return l.limits }

// Bypassed reports whether path skips rate limiting entirely.
func (l *Limiter) Bypassed(path string) bool {
	_, ok := l.bypass[path]
	return ok
}

// Identify returns the client key for r.
func (l *Limiter) Identify(r *http.Request) string {
	return l.keyFunc(r)
}

// IsLimited checks key against every window at now without recording anything.
func (l *Limiter) IsLimited(ctx context.Context, key string, now time.Time) (Decision, error) {
	d, err := l.store.Take(ctx, key, now, l.limits, false)
	if err != nil {
		return Decision{}, xerrors.Wrap(err, "check rate limit")
	}
	return d, nil
}

// Record appends an accepted request at now to every window of key.
func (l *Limiter) Record(ctx context.Context, key string, now time.Time) error {
	return xerrors.Wrap(l.store.Record(ctx, key, now), "record request")
}

// Allow is the atomic check and record used for live traffic. Rejected
// requests are not recorded. A new key refused for capacity comes back as a
// limited decision with Capacity set.
func (l *Limiter) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	d, err := l.store.Take(ctx, key, now, l.limits, true)
	switch {
	case errors.Is(err, ErrCapacity):
		d = l.capacityDecision()
		l.capacityLog.Do(func() {
			l.logger.Warn(ctx, "rate limiter client capacity reached, refusing new clients",
				"max_clients", l.limits.MaxClients,
				"client", key,
			)
		})
		if l.onCapacity != nil {
			l.onCapacity(key)
		}
	case err != nil:
		return Decision{}, xerrors.Wrap(err, "allow request")
	}

	if !d.Limited {
		if l.onAllowed != nil {
			l.onAllowed(key, d)
		}
		return d, nil
	}

	if l.denyLog.Allow() {
		l.logger.Warn(ctx, "rate limit exceeded",
			"client", key,
			"window", d.Window.String(),
			"reason", d.Reason(),
			"retry_after", d.RetryAfter,
		)
	}
	if l.onDenied != nil {
		l.onDenied(key, d)
	}
	return d, nil
}

func (l *Limiter) capacityDecision() Decision {
	return Decision{
		Limited:    true,
		Capacity:   true,
		RetryAfter: int(math.Max(1, math.Ceil(l.limits.CleanupInterval.Seconds()))),
	}
}

// Cleanup sweeps idle clients if at least CleanupInterval has passed since the
// last sweep. Concurrent callers race on the timestamp and only one sweeps.
// It reports whether a sweep ran.
func (l *Limiter) Cleanup(ctx context.Context, now time.Time) (bool, error) {
	last := l.lastCleanup.Load()
	if now.UnixNano()-last < int64(l.limits.CleanupInterval) {
		return false, nil
	}
	if !l.lastCleanup.CompareAndSwap(last, now.UnixNano()) {
		return false, nil
	}

	start := time.Now()
	stats, err := l.store.Sweep(ctx, now)
	if err != nil {
		return true, xerrors.Wrap(err, "sweep rate limit state")
	}
	took := time.Since(start)

	l.logger.Debug(ctx, "rate limit cleanup",
		"removed", stats.Removed,
		"remaining", stats.Remaining,
		"took", took.String(),
	)
	if l.onSweep != nil {
		l.onSweep(stats, took)
	}
	return true, nil
}

// Run sweeps on a ticker until ctx is done so idle state is released even
// when no requests arrive to trigger Cleanup.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.limits.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Cleanup(ctx, l.now()); err != nil {
				l.logger.Error(ctx, err, "rate limit cleanup failed")
			}
		}
	}
}

// Usage reports the current window lengths of key.
func (l *Limiter) Usage(ctx context.Context, key string) (Usage, bool, error) {
	u, ok, err := l.store.Usage(ctx, key, l.now())
	if err != nil {
		return Usage{}, false, xerrors.Wrapf(err, "usage for %q", key)
	}
	return u, ok, nil
}

// Reset forgets all history of key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return xerrors.Wrapf(l.store.Reset(ctx, key), "reset %q", key)
}

// Clients lists every tracked client key.
func (l *Limiter) Clients(ctx context.Context) ([]string, error) {
	keys, err := l.store.Clients(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "list clients")
	}
	return keys, nil
}

func (l *Limiter) Close() error { return l.store.Close() }
