package upstream

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy decides how long the stream supervisor waits before redialing.
// MaxAttempts of zero means retry forever.
type RetryPolicy struct {
	BackOff     backoff.BackOff
	MaxAttempts int

	attempts int
}

// FixedDelay retries forever with a constant delay.
func FixedDelay(d time.Duration) *RetryPolicy {
	return &RetryPolicy{BackOff: backoff.NewConstantBackOff(d)}
}

// Exponential retries with an exponential delay capped at max.
func Exponential(initial, max time.Duration, maxAttempts int) *RetryPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	return &RetryPolicy{BackOff: b, MaxAttempts: maxAttempts}
}

// Next returns the delay before the next attempt, or false when the policy
// gives up.
func (p *RetryPolicy) Next() (time.Duration, bool) {
	if p.MaxAttempts > 0 && p.attempts >= p.MaxAttempts {
		return 0, false
	}
	d := p.BackOff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	p.attempts++
	return d, true
}

// Reset is called after a connection succeeds.
func (p *RetryPolicy) Reset() {
	p.attempts = 0
	p.BackOff.Reset()
}
