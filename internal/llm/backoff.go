package llm

import (
	"math/rand"
	"time"
)

// backoffCap bounds a single retry delay.
const backoffCap = 90 * time.Second

// Backoff returns randomized exponential backoff for the given attempt.
// The base delay doubles each attempt, capped, with jitter of up to ±25%.
func Backoff(baseDelay time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	backoff := baseDelay * time.Duration(1<<uint(attempt))
	if backoff > backoffCap || backoff <= 0 {
		backoff = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/2)) - backoff/4
	return backoff + jitter
}
