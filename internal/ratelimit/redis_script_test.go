package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newScriptRedisStore runs the store against an in-process redis so the take
// script itself executes.
func newScriptRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_ScriptBurstScenario(t *testing.T) {
	s, _ := newScriptRedisStore(t)
	ctx := context.Background()
	l := testLimits(2, 60, 1000)

	steps := []struct {
		at      time.Duration
		limited bool
		retry   int
	}{
		{0, false, 0},
		{100 * time.Millisecond, false, 0},
		{200 * time.Millisecond, true, 1},
		{1001 * time.Millisecond, false, 0},
	}
	for _, st := range steps {
		d, err := s.Take(ctx, "1.1.1.1", t0.Add(st.at), l, true)
		if err != nil {
			t.Fatalf("t+%v: %v", st.at, err)
		}
		if d.Limited != st.limited {
			t.Fatalf("t+%v: decision = %+v", st.at, d)
		}
		if st.limited && (d.Window != Burst || d.RetryAfter != st.retry) {
			t.Fatalf("t+%v: window %s retry %d, want burst %d", st.at, d.Window, d.RetryAfter, st.retry)
		}
	}

	// t0 left the burst window, the rejected request was never stored
	u, ok, err := s.Usage(ctx, "1.1.1.1", t0.Add(1001*time.Millisecond))
	if err != nil || !ok {
		t.Fatalf("usage: %v %v", ok, err)
	}
	if u.Burst != 2 || u.Minute != 3 || u.Hour != 3 {
		t.Fatalf("usage = %+v, want burst 2 minute 3 hour 3", u)
	}
}

func TestRedisStore_ScriptRejectedNotRecorded(t *testing.T) {
	s, mr := newScriptRedisStore(t)
	ctx := context.Background()
	l := testLimits(1, 60, 1000)

	if d, err := s.Take(ctx, "k", t0, l, true); err != nil || d.Limited {
		t.Fatalf("first take: %+v %v", d, err)
	}
	for i := 1; i <= 5; i++ {
		if d, err := s.Take(ctx, "k", t0.Add(time.Duration(i)*100*time.Millisecond), l, true); err != nil || !d.Limited {
			t.Fatalf("take %d: %+v %v", i, d, err)
		}
	}
	for _, w := range Windows {
		members, err := mr.ZMembers(s.windowKey("k", w))
		if err != nil || len(members) != 1 {
			t.Fatalf("%s members = %v, %v", w, members, err)
		}
	}

	// a check without record leaves no state behind
	if d, err := s.Take(ctx, "other", t0, l, false); err != nil || d.Limited {
		t.Fatalf("check: %+v %v", d, err)
	}
	if mr.Exists(s.windowKey("other", Hour)) {
		t.Fatal("check-only take created a key")
	}
}

func TestRedisStore_ScriptKeepsEntryAtWindowEdge(t *testing.T) {
	s, _ := newScriptRedisStore(t)
	ctx := context.Background()
	l := testLimits(2, 60, 1000)

	for _, at := range []time.Duration{0, 100 * time.Millisecond} {
		if _, err := s.Take(ctx, "k", t0.Add(at), l, true); err != nil {
			t.Fatal(err)
		}
	}
	// exactly one second old is still inside the window
	d, err := s.Take(ctx, "k", t0.Add(time.Second), l, true)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Limited || d.Window != Burst || d.RetryAfter != 1 {
		t.Fatalf("at the edge: %+v", d)
	}
	if d, _ := s.Take(ctx, "k", t0.Add(time.Second+time.Microsecond), l, true); d.Limited {
		t.Fatalf("past the edge: %+v", d)
	}
}

func TestRedisStore_ScriptRetryAfterHonoured(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
		hits   []time.Duration
		at     time.Duration
		window Window
		retry  int
	}{
		{"burst", testLimits(1, 60, 1000), []time.Duration{0}, 500 * time.Millisecond, Burst, 1},
		{"minute", testLimits(10, 2, 1000), []time.Duration{0, 10 * time.Second}, 20 * time.Second, Minute, 41},
		{"hour", testLimits(10, 10, 2), []time.Duration{0, 5 * time.Minute}, 10 * time.Minute, Hour, 3001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newScriptRedisStore(t)
			ctx := context.Background()
			for _, h := range tt.hits {
				if d, err := s.Take(ctx, "k", t0.Add(h), tt.limits, true); err != nil || d.Limited {
					t.Fatalf("hit at +%v: %+v %v", h, d, err)
				}
			}

			now := t0.Add(tt.at)
			d, err := s.Take(ctx, "k", now, tt.limits, true)
			if err != nil {
				t.Fatal(err)
			}
			if !d.Limited || d.Window != tt.window || d.RetryAfter != tt.retry {
				t.Fatalf("decision = %+v, want %s retry %d", d, tt.window, tt.retry)
			}

			d, err = s.Take(ctx, "k", now.Add(time.Duration(d.RetryAfter)*time.Second), tt.limits, true)
			if err != nil || d.Limited {
				t.Fatalf("after waiting retry_after: %+v %v", d, err)
			}
		})
	}
}
