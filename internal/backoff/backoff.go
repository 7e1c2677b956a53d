// Package backoff computes retry delays. Policies are pure: the same
// retry count always yields the same delay, so retry schedules are
// reproducible in tests.
package backoff

import "time"

// Policy maps the number of failures so far to the delay before the
// next attempt.
type Policy func(retryCount int) time.Duration

// Exponential returns min(base * 2^retryCount, cap). A zero cap means
// uncapped. Negative retry counts are treated as zero.
func Exponential(base, cap time.Duration) Policy {
	return func(retryCount int) time.Duration {
		if retryCount < 0 {
			retryCount = 0
		}
		d := base
		for i := 0; i < retryCount; i++ {
			d *= 2
			if cap > 0 && d >= cap {
				return cap
			}
		}
		if cap > 0 && d > cap {
			return cap
		}
		return d
	}
}
