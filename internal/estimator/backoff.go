package estimator

import (
	"math"
	"time"
)

// BackoffForRetry is the supplemented progressive-retry backoff from
// original_source's TimeoutRecoveryManager: base_timeout * 1.5**(attempt-1).
// It is a standalone helper: no hook or estimator path in execd calls it,
// and the hook config has no way to mark a command retryable. It never
// substitutes for the p90 algorithm in Estimate; it only scales a base
// timeout by the attempt number.
func BackoffForRetry(baseTimeout time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	scale := math.Pow(1.5, float64(attempt-1))
	return time.Duration(float64(baseTimeout) * scale)
}
