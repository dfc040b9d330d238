package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLimits(burst, perMinute, perHour int) Limits {
	return Limits{Burst: burst, PerMinute: perMinute, PerHour: perHour, CleanupInterval: time.Minute}
}

func TestMemoryStore_TakeChecksWindowsInOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l := testLimits(2, 3, 100)

	// t=0, 0.1 admitted; t=0.2 hits burst
	for i, off := range []time.Duration{0, 100 * time.Millisecond} {
		d, err := s.Take(ctx, "a", t0.Add(off), l, true)
		if err != nil || d.Limited {
			t.Fatalf("request %d: d=%+v err=%v", i+1, d, err)
		}
	}
	d, _ := s.Take(ctx, "a", t0.Add(200*time.Millisecond), l, true)
	if !d.Limited || d.Window != Burst {
		t.Fatalf("want burst limited, got %+v", d)
	}

	// burst window empties, third request fills the minute window
	d, _ = s.Take(ctx, "a", t0.Add(1500*time.Millisecond), l, true)
	if d.Limited {
		t.Fatalf("want admitted after burst window, got %+v", d)
	}
	if d.Counts != [numWindows]int{1, 3, 3} {
		t.Fatalf("counts = %v", d.Counts)
	}

	d, _ = s.Take(ctx, "a", t0.Add(3*time.Second), l, true)
	if !d.Limited || d.Window != Minute {
		t.Fatalf("want minute limited, got %+v", d)
	}
	if d.RetryAfter != 58 {
		t.Fatalf("retry after = %d, want 58", d.RetryAfter)
	}
}

func TestMemoryStore_CheckOnlyCreatesNothing(t *testing.T) {
	s := NewMemoryStore()
	d, err := s.Take(context.Background(), "a", t0, testLimits(1, 1, 1), false)
	if err != nil || d.Limited {
		t.Fatalf("d=%+v err=%v", d, err)
	}
	if s.Len() != 0 {
		t.Fatalf("tracked %d clients after a check", s.Len())
	}
}

func TestMemoryStore_ConcurrentSameKeyAdmitsExactlyBurst(t *testing.T) {
	s := NewMemoryStore()
	l := testLimits(10, 1000, 1000)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.Take(context.Background(), "hot", t0, l, true)
			if err != nil {
				t.Error(err)
				return
			}
			if !d.Limited {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 10 {
		t.Fatalf("admitted %d, want exactly 10", got)
	}
	u, ok, _ := s.Usage(context.Background(), "hot", t0)
	if !ok || u.Burst != 10 || u.Minute != 10 || u.Hour != 10 {
		t.Fatalf("usage = %+v, ok=%v", u, ok)
	}
}

func TestMemoryStore_SweepRemovesIdleClients(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l := testLimits(5, 5, 5)

	if _, err := s.Take(ctx, "old", t0, l, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Take(ctx, "new", t0.Add(30*time.Minute), l, true); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Sweep(ctx, t0.Add(time.Hour+time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Removed != 1 || stats.Remaining != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, ok, _ := s.Usage(ctx, "old", t0.Add(time.Hour+time.Second)); ok {
		t.Fatal("old client still tracked")
	}
	u, ok, _ := s.Usage(ctx, "new", t0.Add(time.Hour+time.Second))
	if !ok || u.Burst != 0 || u.Minute != 0 || u.Hour != 1 {
		t.Fatalf("new usage = %+v ok=%v", u, ok)
	}
}

func TestMemoryStore_SweepRacingTakeKeepsRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l := testLimits(1000000, 1000000, 1000000)
	later := t0.Add(2 * time.Hour)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("c%d", i)
		if _, err := s.Take(ctx, key, t0, l, true); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, _ = s.Sweep(ctx, later)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = s.Take(ctx, fmt.Sprintf("c%d", i), later, l, true)
		}
	}()
	wg.Wait()

	// every client took a request at "later", none may have been swept with it
	for i := 0; i < 50; i++ {
		u, ok, _ := s.Usage(ctx, fmt.Sprintf("c%d", i), later)
		if !ok || u.Hour != 1 {
			t.Fatalf("c%d usage = %+v ok=%v, record lost to sweep", i, u, ok)
		}
	}
}

func TestMemoryStore_Capacity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l := testLimits(5, 5, 5)
	l.MaxClients = 2

	for _, k := range []string{"a", "b"} {
		if _, err := s.Take(ctx, k, t0, l, true); err != nil {
			t.Fatalf("%s: %v", k, err)
		}
	}
	if _, err := s.Take(ctx, "c", t0, l, true); !errors.Is(err, ErrCapacity) {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
	// existing clients are unaffected
	if d, err := s.Take(ctx, "a", t0, l, true); err != nil || d.Limited {
		t.Fatalf("existing client: d=%+v err=%v", d, err)
	}

	if _, err := s.Sweep(ctx, t0.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Take(ctx, "c", t0.Add(2*time.Hour), l, true); err != nil {
		t.Fatalf("after sweep: %v", err)
	}
}

func TestMemoryStore_ResetAndClients(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l := testLimits(1, 5, 5)

	_, _ = s.Take(ctx, "a", t0, l, true)
	_, _ = s.Take(ctx, "b", t0, l, true)
	if d, _ := s.Take(ctx, "a", t0, l, true); !d.Limited {
		t.Fatal("a should be burst limited")
	}

	if err := s.Reset(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if d, _ := s.Take(ctx, "a", t0, l, true); d.Limited {
		t.Fatal("a should be admitted after reset")
	}
	if err := s.Reset(ctx, "missing"); err != nil {
		t.Fatalf("reset of unknown key: %v", err)
	}

	keys, _ := s.Clients(ctx)
	if len(keys) != 2 {
		t.Fatalf("clients = %v", keys)
	}
}

func TestMemoryStore_RecordIsUnconditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Record(ctx, "a", t0); err != nil {
			t.Fatal(err)
		}
	}
	u, _, _ := s.Usage(ctx, "a", t0)
	if u.Burst != 5 {
		t.Fatalf("burst = %d, want 5", u.Burst)
	}
}
