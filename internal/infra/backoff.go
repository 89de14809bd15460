package infra

import (
	"math"
	"math/rand"
	"time"
)

// CalculateBackoff returns an exponential backoff delay with jitter for the
// given attempt number (starting at 0).
func CalculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	// up to 25% jitter so reconnecting workers do not stampede
	jitter := backoff * 0.25 * rand.Float64()
	return time.Duration(backoff + jitter)
}
