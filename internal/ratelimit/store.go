package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrCapacity is returned by a Store when tracking a new client would exceed Limits.MaxClients.
var ErrCapacity = errors.New("ratelimit: tracked client capacity reached")

// Decision is the outcome of checking a client against its windows.
type Decision struct {
	Limited bool
	// Window is the first window found full, only meaningful when Limited.
	Window Window
	// Capacity is set when the client was rejected because no new keys can be tracked.
	Capacity bool
	// RetryAfter is in whole seconds and always >= 1 when Limited.
	RetryAfter int
	// Counts holds each window's length after the operation.
	// When Limited, windows after the exceeded one were not inspected and read 0.
	Counts [numWindows]int
}

// Reason is the message returned to rejected clients.
func (d Decision) Reason() string {
	if !d.Limited {
		return ""
	}
	if d.Capacity {
		return "Too many tracked clients"
	}
	return d.Window.Reason()
}

// Remaining is max(0, limit - count) for window w.
func (d Decision) Remaining(l Limits, w Window) int {
	r := l.Limit(w) - d.Counts[w]
	if r < 0 {
		return 0
	}
	return r
}

// Usage is a point in time view of a single client's windows.
type Usage struct {
	Key    string `json:"key" yaml:"key"`
	Burst  int    `json:"burst" yaml:"burst"`
	Minute int    `json:"minute" yaml:"minute"`
	Hour   int    `json:"hour" yaml:"hour"`
}

// SweepStats reports what a Sweep did.
type SweepStats struct {
	Removed   int
	Remaining int
}

// Store holds per-client window state. Implementations must make Take
// atomic per key: trim, check and the optional append happen as one step.
type Store interface {
	// Take trims the client's windows at now and checks them in order against l.
	// When no window is full and record is true, now is appended to every window.
	Take(ctx context.Context, key string, now time.Time, l Limits, record bool) (Decision, error)

	// Record appends now to every window of key without checking limits.
	Record(ctx context.Context, key string, now time.Time) error

	// Sweep trims every tracked client and forgets those with all windows empty.
	Sweep(ctx context.Context, now time.Time) (SweepStats, error)

	// Usage returns the trimmed window lengths for key; false when key is not tracked.
	Usage(ctx context.Context, key string, now time.Time) (Usage, bool, error)

	// Reset forgets key entirely.
	Reset(ctx context.Context, key string) error

	// Clients lists tracked client keys in no particular order.
	Clients(ctx context.Context) ([]string, error)

	Close() error
}
