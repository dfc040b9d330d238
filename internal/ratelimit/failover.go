package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// FailoverOptions tunes the circuit breaker in front of the primary store.
type FailoverOptions struct {
	Name string

	// ConsecutiveFailures trips the breaker, default 5.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing, default 30s.
	OpenTimeout time.Duration

	// HalfOpenRequests is the number of probes allowed while half open, default 1.
	HalfOpenRequests uint32

	// OnStateChange is called on every breaker transition.
	OnStateChange func(from, to gobreaker.State)

	// OnFallback is called each time an operation is served by the fallback store.
	OnFallback func(op string, err error)
}

// FailoverStore serves from primary while it is healthy and from fallback
// when primary errors or its breaker is open. Quotas are not migrated between
// the two, so a client may briefly get a fresh allowance after a switch.
type FailoverStore struct {
	primary    Store
	fallback   Store
	cb         *gobreaker.CircuitBreaker
	onFallback func(op string, err error)
}

func NewFailoverStore(primary, fallback Store, opts FailoverOptions) *FailoverStore {
	if opts.Name == "" {
		opts.Name = "ratelimit-store"
	}
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.HalfOpenRequests == 0 {
		opts.HalfOpenRequests = 1
	}

	st := gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: opts.HalfOpenRequests,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
		// a caller giving up or a full store is not a store failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCapacity)
		},
	}
	if opts.OnStateChange != nil {
		st.OnStateChange = func(_ string, from, to gobreaker.State) {
			opts.OnStateChange(from, to)
		}
	}

	return &FailoverStore{
		primary:    primary,
		fallback:   fallback,
		cb:         gobreaker.NewCircuitBreaker(st),
		onFallback: opts.OnFallback,
	}
}

// State reports the breaker state of the primary store.
func (s *FailoverStore) State() gobreaker.State { return s.cb.State() }

func (s *FailoverStore) fellBack(op string, err error) {
	if s.onFallback != nil {
		s.onFallback(op, err)
	}
}

func (s *FailoverStore) Take(ctx context.Context, key string, now time.Time, l Limits, record bool) (Decision, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.primary.Take(ctx, key, now, l, record)
	})
	if err == nil {
		return v.(Decision), nil
	}
	if errors.Is(err, ErrCapacity) {
		return Decision{}, err
	}
	if ctx.Err() != nil {
		return Decision{}, ctx.Err()
	}
	s.fellBack("take", err)
	return s.fallback.Take(ctx, key, now, l, record)
}

func (s *FailoverStore) Record(ctx context.Context, key string, now time.Time) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.primary.Record(ctx, key, now)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.fellBack("record", err)
	return s.fallback.Record(ctx, key, now)
}

// Sweep always sweeps the fallback since it only fills up while primary is down.
func (s *FailoverStore) Sweep(ctx context.Context, now time.Time) (SweepStats, error) {
	fb, err := s.fallback.Sweep(ctx, now)
	if err != nil {
		return fb, err
	}
	if s.cb.State() != gobreaker.StateClosed {
		return fb, nil
	}
	p, err := s.primary.Sweep(ctx, now)
	if err != nil {
		return fb, err
	}
	return SweepStats{Removed: p.Removed + fb.Removed, Remaining: p.Remaining + fb.Remaining}, nil
}

func (s *FailoverStore) Usage(ctx context.Context, key string, now time.Time) (Usage, bool, error) {
	if s.cb.State() == gobreaker.StateClosed {
		u, ok, err := s.primary.Usage(ctx, key, now)
		if err == nil && ok {
			return u, true, nil
		}
	}
	return s.fallback.Usage(ctx, key, now)
}

// Reset clears key from both stores.
func (s *FailoverStore) Reset(ctx context.Context, key string) error {
	return errors.Join(s.primary.Reset(ctx, key), s.fallback.Reset(ctx, key))
}

// Clients is the union of both stores' keys. Primary errors are ignored so the
// admin view keeps working during an outage.
func (s *FailoverStore) Clients(ctx context.Context) ([]string, error) {
	fb, err := s.fallback.Clients(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.primary.Clients(ctx)
	if err != nil {
		return fb, nil
	}
	seen := make(map[string]struct{}, len(p)+len(fb))
	out := make([]string, 0, len(p)+len(fb))
	for _, k := range append(p, fb...) {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out, nil
}

func (s *FailoverStore) Close() error {
	return errors.Join(s.primary.Close(), s.fallback.Close())
}
