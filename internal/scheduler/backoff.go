package scheduler

import "time"

// NextInterval returns the delay before the next poll. Up to after
// consecutive failures keep the base interval; each further failure doubles
// it, capped at maxInterval.
func NextInterval(base, maxInterval time.Duration, failures, after int) time.Duration {
	if failures <= after {
		return base
	}

	next := base
	for i := 0; i < failures-after; i++ {
		next *= 2
		if next >= maxInterval {
			return maxInterval
		}
	}

	return next
}
