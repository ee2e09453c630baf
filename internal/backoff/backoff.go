// Package backoff computes capped exponential delays with jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Jitter returns a delay in [wait/2, wait) where wait = base*2^(attempt-1) capped at max.
func Jitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
