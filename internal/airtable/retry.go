package airtable

import (
	"math/rand"
	"time"
)

// retryPolicy controls exponential backoff for one error class
type retryPolicy struct {
	attempts int
	base     time.Duration
	factor   float64
}

// delay returns the backoff before the given retry attempt (0-based)
// with ±20% jitter so concurrent callers don't synchronize.
func (p retryPolicy) delay(attempt int) time.Duration {
	d := float64(p.base)
	for i := 0; i < attempt; i++ {
		d *= p.factor
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(d * jitter)
}

// transientPolicy is the default for 5xx and network failures
func transientPolicy(attempts int, base time.Duration) retryPolicy {
	if attempts <= 0 {
		attempts = 3
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return retryPolicy{attempts: attempts, base: base, factor: 2}
}

// rateLimitPolicy uses a longer base and higher attempt count for 429s
func rateLimitPolicy(attempts int) retryPolicy {
	if attempts <= 0 {
		attempts = 5
	}
	return retryPolicy{attempts: attempts, base: 2 * time.Second, factor: 2}
}
