package cloud

import (
	"math/rand"
	"time"
)

const (
	backoffBase        = time.Second
	backoffCap         = time.Minute
	backoffMaxExponent = 10
)

// baseDelay is the deterministic part of the reconnect delay:
// min(base * 2^attempt, cap), with the exponent capped so delay growth
// stays bounded no matter how long the hub is unreachable.
func baseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > backoffMaxExponent {
		attempt = backoffMaxExponent
	}
	d := backoffBase << uint(attempt)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// reconnectDelay adds up to one second of jitter so a fleet of devices
// does not reconnect in lockstep after a hub outage.
func reconnectDelay(attempt int) time.Duration {
	return baseDelay(attempt) + time.Duration(rand.Int63n(int64(time.Second)))
}
