package retry

import (
	"math/rand"
	"time"
)

const (
	// baseDelay is the delay before the first retry.
	baseDelay = 1000 * time.Millisecond
	// maxDelay caps the exponential growth.
	maxDelay = 30 * time.Second
	// jitterFraction spreads delays ±10% so concurrent retries decorrelate.
	jitterFraction = 0.1
)

// Delay returns the backoff delay for a zero-based attempt number:
// min(maxDelay, baseDelay * 2^attempt) with ±10% jitter, rounded to whole
// milliseconds. Monotonically non-decreasing in expectation.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	ms := baseDelay.Milliseconds()
	for i := 0; i < attempt; i++ {
		ms *= 2
		if ms >= maxDelay.Milliseconds() {
			ms = maxDelay.Milliseconds()
			break
		}
	}

	jitterSpan := float64(ms) * jitterFraction
	jitter := (rand.Float64()*2 - 1) * jitterSpan
	ms += int64(jitter)
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
