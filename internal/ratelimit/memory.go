package ratelimit

import (
	"context"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// clientWindows is the state of one client key. dead is set, under mu, at the
// moment the entry is unlinked from the map so holders of a stale pointer retry.
type clientWindows struct {
	mu      sync.Mutex
	windows [numWindows]timeline
	dead    bool
}

func (c *clientWindows) trim(now time.Time) {
	for _, w := range Windows {
		c.windows[w].trim(now.Add(-w.Length()))
	}
}

func (c *clientWindows) empty() bool {
	for _, w := range Windows {
		if c.windows[w].len() > 0 {
			return false
		}
	}
	return true
}

// MemoryStore is an in-process Store. The key space is sharded so unrelated
// clients never contend, and each client has its own mutex for the
// trim/check/append critical section.
type MemoryStore struct {
	clients cmap.ConcurrentMap[string, *clientWindows]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clients: cmap.New[*clientWindows]()}
}

// lock returns the live entry for key with its mutex held, or nil when key is
// untracked and create is false. maxClients > 0 refuses to create past the cap;
// the count is read without a global lock so the cap can be overshot by the
// number of concurrent first requests.
func (s *MemoryStore) lock(key string, create bool, maxClients int) (*clientWindows, error) {
	for {
		var c *clientWindows
		if create {
			if maxClients > 0 && !s.clients.Has(key) && s.clients.Count() >= maxClients {
				return nil, ErrCapacity
			}
			c = s.clients.Upsert(key, nil, func(exist bool, cur, _ *clientWindows) *clientWindows {
				if exist {
					return cur
				}
				return &clientWindows{}
			})
		} else {
			var ok bool
			if c, ok = s.clients.Get(key); !ok {
				return nil, nil
			}
		}
		c.mu.Lock()
		if !c.dead {
			return c, nil
		}
		c.mu.Unlock()
	}
}

// unlink removes c from the map if it is still the entry for key. Caller holds c.mu.
func (s *MemoryStore) unlink(key string, c *clientWindows) bool {
	return s.clients.RemoveCb(key, func(_ string, v *clientWindows, exists bool) bool {
		if !exists || v != c {
			return false
		}
		c.dead = true
		return true
	})
}

func (s *MemoryStore) Take(_ context.Context, key string, now time.Time, l Limits, record bool) (Decision, error) {
	c, err := s.lock(key, record, l.MaxClients)
	if err != nil || c == nil {
		return Decision{}, err
	}
	defer c.mu.Unlock()

	var d Decision
	for _, w := range Windows {
		tl := &c.windows[w]
		tl.trim(now.Add(-w.Length()))
		d.Counts[w] = tl.len()
		if tl.len() >= l.Limit(w) {
			d.Limited = true
			d.Window = w
			d.RetryAfter = retryAfter(tl.front(), w.Length(), now)
			return d, nil
		}
	}

	if record {
		for _, w := range Windows {
			c.windows[w].push(now)
			d.Counts[w]++
		}
	}
	return d, nil
}

func (s *MemoryStore) Record(_ context.Context, key string, now time.Time) error {
	c, err := s.lock(key, true, 0)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	for _, w := range Windows {
		c.windows[w].push(now)
	}
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (SweepStats, error) {
	var stats SweepStats
	for item := range s.clients.IterBuffered() {
		c := item.Val
		c.mu.Lock()
		if !c.dead {
			c.trim(now)
			if c.empty() && s.unlink(item.Key, c) {
				stats.Removed++
			}
		}
		c.mu.Unlock()
	}
	stats.Remaining = s.clients.Count()
	return stats, nil
}

func (s *MemoryStore) Usage(_ context.Context, key string, now time.Time) (Usage, bool, error) {
	c, _ := s.lock(key, false, 0)
	if c == nil {
		return Usage{}, false, nil
	}
	defer c.mu.Unlock()
	c.trim(now)
	return Usage{
		Key:    key,
		Burst:  c.windows[Burst].len(),
		Minute: c.windows[Minute].len(),
		Hour:   c.windows[Hour].len(),
	}, true, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	c, _ := s.lock(key, false, 0)
	if c == nil {
		return nil
	}
	s.unlink(key, c)
	c.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clients(context.Context) ([]string, error) {
	return s.clients.Keys(), nil
}

// Len is the number of tracked client keys.
func (s *MemoryStore) Len() int { return s.clients.Count() }

func (s *MemoryStore) Close() error { return nil }
