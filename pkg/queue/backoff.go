package queue

import "time"

// maxExponentialBackoff caps exponential reschedule delays.
const maxExponentialBackoff = 60 * time.Second

// backoffDelay computes the reschedule delay after a failed attempt:
// min(60s, base * 2^(attempt-1)) for exponential jobs, a constant interval
// for fixed ones. attempt is 1-based and names the attempt that just failed.
func backoffDelay(kind string, base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoff
	}
	if kind == BackoffFixed {
		return base
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxExponentialBackoff {
			return maxExponentialBackoff
		}
	}
	if d > maxExponentialBackoff {
		d = maxExponentialBackoff
	}
	return d
}
