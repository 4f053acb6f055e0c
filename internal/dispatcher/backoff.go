package dispatcher

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// spawnBackoff returns the wait before the given respawn attempt (1-based): exponential growth
// from initial, capped at max, with the upper half jittered.
func spawnBackoff(attempt int, initial, maxDelay time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	delay := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
