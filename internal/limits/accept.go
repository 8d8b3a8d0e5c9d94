// Package limits guards the upgrade path against connection storms.
package limits

import "golang.org/x/time/rate"

// AcceptLimiter is a token-bucket limiter over new connection attempts.
// A reconnect storm (network blip, load balancer failover) otherwise lands
// thousands of TLS+upgrade handshakes in the same second.
type AcceptLimiter struct {
	limiter *rate.Limiter
}

// NewAcceptLimiter allows perSec accepts per second with the given burst.
// perSec <= 0 disables limiting.
func NewAcceptLimiter(perSec float64, burst int) *AcceptLimiter {
	if perSec <= 0 {
		return &AcceptLimiter{}
	}
	return &AcceptLimiter{limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Allow reports whether one more connection may be accepted now.
func (l *AcceptLimiter) Allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}
