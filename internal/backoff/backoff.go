// Package backoff holds the shared reconnect policy used by every
// platform connector.
package backoff

import (
	"context"
	"time"
)

// Policy computes exponential reconnect delays. The zero value is not
// usable; use Default or fill every field.
type Policy struct {
	Base        time.Duration // first retry delay
	Cap         time.Duration // delay ceiling
	MaxAttempts int           // attempts before giving up
}

// Default matches the connectors' shared policy: 1s doubling to a 30s
// ceiling, ten attempts before a terminal failure is surfaced.
var Default = Policy{
	Base:        time.Second,
	Cap:         30 * time.Second,
	MaxAttempts: 10,
}

// Delay returns the wait before attempt n (1-based):
// min(Base * 2^(n-1), Cap). Attempts below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether attempt exceeds the policy's attempt budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
// It returns ctx.Err() on cancellation so callers can stop their retry
// loop without leaking the timer.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
