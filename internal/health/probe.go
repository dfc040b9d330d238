package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/genxfx/genx-gateway/internal/xerrors"
)

// Probe reports nil when healthy, otherwise the reason it is not.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := xerrors.New(reason)
	return func(context.Context) error { return err }
}

// All fails with the first failing probe, in order. Nil probes are skipped so
// optional dependencies (no redis, no upstream) can be passed through as nil.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Timeout fails p when it does not answer within d.
func Timeout(p Probe, d time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := p.Check(ctx); err != nil {
			return xerrors.Wrapf(err, "probe failed within %s", d)
		}
		return nil
	}
}

// ShutdownGate fails readiness once Set, so the load balancer stops routing
// to the gateway while in-flight requests drain. The zero value is open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
