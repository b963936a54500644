package relay

import "time"

const (
	backoffCap    = 60 * time.Second
	backoffMaxExp = 6
)

// backoffDelay returns min(2^min(attempt, 6), 60s). The attempt counter is
// 1-based; out-of-range input clamps rather than panics.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > backoffMaxExp {
		attempt = backoffMaxExp
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
