package sink

import "time"

// backoffDelay computes the reconnect delay for a 1-based attempt:
// initial * 2^(attempt-1) capped at max, spread by ±20% jitter.
// jitter must return a value in [0, 1).
func backoffDelay(attempt int, initial, max time.Duration, jitter func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := initial
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	spread := 0.8 + 0.4*jitter()
	return time.Duration(float64(delay) * spread)
}
