package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by New and Limits.Validate for unusable settings.
var ErrInvalidConfig = errors.New("ratelimit: invalid config")

// Defaults applied by DefaultLimits.
const (
	DefaultPerMinute       = 60
	DefaultPerHour         = 1000
	DefaultBurst           = 10
	DefaultCleanupInterval = 5 * time.Minute
)

// DefaultBypassPaths are never rate limited or tracked.
var DefaultBypassPaths = []string{"/health", "/docs", "/redoc", "/openapi.json"}

// Limits is the immutable per-client quota.
type Limits struct {
	PerMinute int
	PerHour   int
	Burst     int

	// CleanupInterval is the minimum time between two sweeps of idle clients.
	CleanupInterval time.Duration

	// MaxClients caps the number of distinct tracked client keys, 0 means no cap.
	MaxClients int
}

// DefaultLimits returns 60/min, 1000/hour, 10/sec, 5 minute cleanup and no client cap.
func DefaultLimits() Limits {
	return Limits{
		PerMinute:       DefaultPerMinute,
		PerHour:         DefaultPerHour,
		Burst:           DefaultBurst,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// Limit returns the configured limit for w.
func (l Limits) Limit(w Window) int {
	switch w {
	case Burst:
		return l.Burst
	case Minute:
		return l.PerMinute
	case Hour:
		return l.PerHour
	default:
		return 0
	}
}

func (l Limits) Validate() error {
	var errs []error
	for _, w := range Windows {
		if l.Limit(w) < 1 {
			errs = append(errs, fmt.Errorf("%w: %s limit must be >= 1 (got %d)", ErrInvalidConfig, w, l.Limit(w)))
		}
	}
	if l.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: cleanup interval must be positive (got %s)", ErrInvalidConfig, l.CleanupInterval))
	}
	if l.MaxClients < 0 {
		errs = append(errs, fmt.Errorf("%w: max clients must be >= 0 (got %d)", ErrInvalidConfig, l.MaxClients))
	}
	return errors.Join(errs...)
}
