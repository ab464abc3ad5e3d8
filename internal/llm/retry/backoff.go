package retry

import (
	"math/rand/v2"
	"time"
)

// jitterFraction bounds the random jitter added to a backoff.
const jitterFraction = 0.1

// Backoff returns base * 2^(attempt-1), capped at maxDelay when maxDelay is
// positive. Attempts are 1-based; non-positive attempts yield zero.
func Backoff(base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
		// Overflow guard for absurd attempt counts.
		if delay <= 0 {
			if maxDelay > 0 {
				return maxDelay
			}
			return time.Duration(1<<63 - 1)
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// AddJitter adds up to 10% of d at random.
func AddJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	span := int64(float64(d) * jitterFraction)
	if span <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(span+1)) // #nosec G404 -- non-cryptographic jitter is appropriate here
}
