package worker

import (
	"math/rand"
	"time"
)

// nextDelay computes the retry delay after the given attempt count:
// base doubling per attempt, capped at max. attempt is 1-based.
func nextDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// jitter spreads a delay by up to ±25% so retries from many branches
// do not synchronize against the authority.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 4
	return d + time.Duration(rand.Int63n(2*spread+1)-spread)
}
