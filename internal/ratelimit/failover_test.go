package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

// flakyStore fails Take and Record while down is set.
type flakyStore struct {
	*MemoryStore
	down  atomic.Bool
	takes atomic.Int32
}

func (f *flakyStore) Take(ctx context.Context, key string, now time.Time, l Limits, record bool) (Decision, error) {
	f.takes.Add(1)
	if f.down.Load() {
		return Decision{}, errors.New("primary down")
	}
	return f.MemoryStore.Take(ctx, key, now, l, record)
}

func (f *flakyStore) Record(ctx context.Context, key string, now time.Time) error {
	if f.down.Load() {
		return errors.New("primary down")
	}
	return f.MemoryStore.Record(ctx, key, now)
}

func TestFailoverStore_FallsBackAndOpens(t *testing.T) {
	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	fallback := NewMemoryStore()
	var fallbacks atomic.Int32
	var transitions []gobreaker.State

	s := NewFailoverStore(primary, fallback, FailoverOptions{
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Hour,
		OnFallback:          func(string, error) { fallbacks.Add(1) },
		OnStateChange:       func(_, to gobreaker.State) { transitions = append(transitions, to) },
	})
	ctx := context.Background()
	l := testLimits(100, 100, 100)

	if d, err := s.Take(ctx, "a", t0, l, true); err != nil || d.Limited {
		t.Fatalf("healthy take: %+v %v", d, err)
	}
	if primary.Len() != 1 || fallback.Len() != 0 {
		t.Fatalf("healthy take landed in primary=%d fallback=%d", primary.Len(), fallback.Len())
	}

	primary.down.Store(true)
	for i := 0; i < 5; i++ {
		d, err := s.Take(ctx, "a", t0, l, true)
		if err != nil || d.Limited {
			t.Fatalf("take %d during outage: %+v %v", i, d, err)
		}
	}

	if s.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", s.State())
	}
	// two failures tripped the breaker, the rest never reached primary
	if got := primary.takes.Load(); got != 3 {
		t.Fatalf("primary takes = %d, want 3", got)
	}
	if fallbacks.Load() != 5 {
		t.Fatalf("fallbacks = %d, want 5", fallbacks.Load())
	}
	u, ok, _ := fallback.Usage(ctx, "a", t0)
	if !ok || u.Burst != 5 {
		t.Fatalf("fallback usage = %+v", u)
	}
	if len(transitions) != 1 || transitions[0] != gobreaker.StateOpen {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestFailoverStore_LimitsEnforcedOnFallback(t *testing.T) {
	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	primary.down.Store(true)
	s := NewFailoverStore(primary, NewMemoryStore(), FailoverOptions{})
	ctx := context.Background()
	l := testLimits(2, 100, 100)

	_, _ = s.Take(ctx, "a", t0, l, true)
	_, _ = s.Take(ctx, "a", t0, l, true)
	d, err := s.Take(ctx, "a", t0, l, true)
	if err != nil || !d.Limited {
		t.Fatalf("d=%+v err=%v", d, err)
	}
}

func TestFailoverStore_CapacityIsNotAFailure(t *testing.T) {
	primary := NewMemoryStore()
	s := NewFailoverStore(primary, NewMemoryStore(), FailoverOptions{ConsecutiveFailures: 1})
	ctx := context.Background()
	l := testLimits(5, 5, 5)
	l.MaxClients = 1

	_, _ = s.Take(ctx, "a", t0, l, true)
	for i := 0; i < 3; i++ {
		if _, err := s.Take(ctx, "b", t0, l, true); !errors.Is(err, ErrCapacity) {
			t.Fatalf("err = %v, want ErrCapacity", err)
		}
	}
	if s.State() != gobreaker.StateClosed {
		t.Fatalf("state = %v, capacity must not trip the breaker", s.State())
	}
}

func TestFailoverStore_ClientsUnionAndReset(t *testing.T) {
	primary := NewMemoryStore()
	fallback := NewMemoryStore()
	s := NewFailoverStore(primary, fallback, FailoverOptions{})
	ctx := context.Background()

	_ = primary.Record(ctx, "a", t0)
	_ = primary.Record(ctx, "b", t0)
	_ = fallback.Record(ctx, "b", t0)
	_ = fallback.Record(ctx, "c", t0)

	keys, err := s.Clients(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("keys = %v, want a, b, c", keys)
	}

	if err := s.Reset(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := primary.Usage(ctx, "b", t0); ok {
		t.Fatal("b still in primary")
	}
	if _, ok, _ := fallback.Usage(ctx, "b", t0); ok {
		t.Fatal("b still in fallback")
	}

	stats, err := s.Sweep(ctx, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Removed != 2 || stats.Remaining != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}
