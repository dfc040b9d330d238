package ratelimit

import (
	"math"
	"time"
)

// Window identifies one of the sliding windows tracked per client.
// Windows are checked in declaration order, tightest first.
type Window int

const (
	Burst Window = iota
	Minute
	Hour
	numWindows
)

// Windows lists every window in check order.
var Windows = [numWindows]Window{Burst, Minute, Hour}

func (w Window) String() string {
	switch w {
	case Burst:
		return "burst"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	default:
		return "unknown"
	}
}

// Length is the span of time the window covers.
func (w Window) Length() time.Duration {
	switch w {
	case Burst:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	default:
		return 0
	}
}

// Reason is the human readable rejection message for the window.
func (w Window) Reason() string {
	switch w {
	case Burst:
		return "Too many requests in burst window"
	case Minute:
		return "Rate limit exceeded (per minute)"
	case Hour:
		return "Rate limit exceeded (per hour)"
	default:
		return "Rate limit exceeded"
	}
}

// retryAfter returns whole seconds until oldest leaves a window of length l.
// floor()+1 is strictly greater than the exact delay, so a retry after
// exactly that many seconds always finds the slot free.
func retryAfter(oldest time.Time, l time.Duration, now time.Time) int {
	secs := oldest.Add(l).Sub(now).Seconds()
	if secs < 0 {
		secs = 0
	}
	return int(math.Floor(secs)) + 1
}

// timeline is a FIFO of acceptance times, oldest at the front.
// It is a ring buffer so trimming from the front never copies.
type timeline struct {
	buf  []time.Time
	head int
	n    int
}

func (t *timeline) len() int { return t.n }

func (t *timeline) front() time.Time {
	return t.buf[t.head]
}

func (t *timeline) push(ts time.Time) {
	if t.n == len(t.buf) {
		t.grow()
	}
	t.buf[(t.head+t.n)%len(t.buf)] = ts
	t.n++
}

func (t *timeline) grow() {
	size := len(t.buf) * 2
	if size == 0 {
		size = 4
	}
	next := make([]time.Time, size)
	for i := 0; i < t.n; i++ {
		next[i] = t.buf[(t.head+i)%len(t.buf)]
	}
	t.buf = next
	t.head = 0
}

// trim drops every entry strictly older than cutoff.
func (t *timeline) trim(cutoff time.Time) {
	for t.n > 0 && t.buf[t.head].Before(cutoff) {
		t.buf[t.head] = time.Time{}
		t.head = (t.head + 1) % len(t.buf)
		t.n--
	}
	if t.n == 0 {
		t.head = 0
		// release large buffers left behind by a past spike
		if len(t.buf) > 64 {
			t.buf = nil
		}
	}
}
