package infra_test

import (
	"testing"
	"time"

	"polymaker/internal/infra"
)

func TestCalculateBackoff(t *testing.T) {
	base, max := time.Second, time.Minute

	for attempt := 0; attempt < 12; attempt++ {
		d := infra.CalculateBackoff(attempt, base, max)
		if d < base/2 {
			t.Errorf("attempt %d: backoff %v below base", attempt, d)
		}
		// Cap plus the 25% jitter headroom.
		if d > max+max/4 {
			t.Errorf("attempt %d: backoff %v beyond cap", attempt, d)
		}
	}

	// Negative attempts clamp to the first step.
	if d := infra.CalculateBackoff(-3, base, max); d < base || d > base+base/4 {
		t.Errorf("negative attempt backoff = %v", d)
	}
}
