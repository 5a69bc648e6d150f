package driver

import (
	"math/rand"
	"time"
)

const maxBackoff = 10 * time.Second

// nextBackoff computes the reconnect delay for the given 1-based
// attempt number: base * 2^(attempt-1), capped at 10s, with up to
// ±10% jitter. Grounded on internal/core/resilience/retry.go's
// calculateNextDelay, generalized from a bounded retry count to an
// unbounded reconnect loop (attempt never resets except via onConnect).
func nextBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}

	jitter := (rand.Float64()*2 - 1) * 0.1 * float64(delay)
	delay += time.Duration(jitter)
	if delay < 0 {
		delay = 0
	}
	return delay
}
