// Package backoff provides the exponential delay schedule shared by the
// operation queue and the real-time connection manager.
package backoff

import (
	"math/rand"
	"time"
)

// Delay returns min(base * 2^attempt, max). Attempts below zero are treated
// as zero. The result is non-decreasing in attempt and never exceeds max.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}
	if attempt < 0 {
		attempt = 0
	}
	// 2^attempt overflows int64 well before attempt reaches 63; beyond 32
	// doublings the cap has long been hit for any sane base.
	if attempt > 32 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Jitter adds uniform random jitter in [0, fraction*d) to d. A fraction
// outside (0, 1] leaves d unchanged.
func Jitter(d time.Duration, fraction float64) time.Duration {
	if d <= 0 || fraction <= 0 || fraction > 1 {
		return d
	}
	span := int64(float64(d) * fraction)
	if span <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(span))
}
