package servicenode

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds per-chunk retries during fanout. The backoff for retry
// n is Base * 2^n plus up to Jitter of random smear, so a burst of failing
// chunks does not reconverge on the same instant.
type RetryPolicy struct {
	MaxRetries    int           // retries per chunk after the first attempt
	DegradedExtra int           // additional retries while the view is degraded
	Base          time.Duration // first backoff step
	MaxBackoff    time.Duration
	Jitter        time.Duration
}

// DefaultRetryPolicy returns the fanout retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		DegradedExtra: 2,
		Base:          100 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
		Jitter:        100 * time.Millisecond,
	}
}

// Budget returns the retry count for the current cluster condition. A
// degraded cluster widens the budget: transient misses are more likely
// while capacity is below target.
func (p RetryPolicy) Budget(degraded bool) int {
	if degraded {
		return p.MaxRetries + p.DegradedExtra
	}
	return p.MaxRetries
}

// Backoff returns the sleep before retry attempt n (zero-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.Base << uint(n)
	if d > p.MaxBackoff || d <= 0 {
		d = p.MaxBackoff
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}
