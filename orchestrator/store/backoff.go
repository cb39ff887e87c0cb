package store

import (
	"math/rand"
	"time"
)

// BackoffDelay computes the retry delay after the nth failed attempt:
// min(base * 2^(n-1), cap) with +-20% jitter. attempt is 1-based.
func BackoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	// Jitter in [-20%, +20%] to spread retry storms.
	jitter := 1.0 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}

func (p Params) retryDelay(attempt int) time.Duration {
	return BackoffDelay(attempt, p.BackoffBase, p.BackoffCap)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
