package dispatch

import (
	"math/rand"
	"time"
)

// Policy computes retry delays: capped exponential growth with symmetric
// jitter so simultaneous failures do not retry in lockstep.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// randFloat returns a value in [0, 1). Fixed in tests for determinism;
	// nil means the package-level source.
	randFloat func() float64
}

// DefaultPolicy provides the production retry profile.
var DefaultPolicy = Policy{
	Base:   1 * time.Second,
	Max:    10 * time.Second,
	Jitter: 0.10,
}

// Delay returns the backoff before re-enqueueing an item that has already
// run attempt+1 times: min(Max, Base*2^attempt), then drawn uniformly from
// [1-Jitter, 1+Jitter] around that value.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}

	rnd := p.randFloat
	if rnd == nil {
		rnd = rand.Float64
	}
	factor := 1 + p.Jitter*(2*rnd()-1)

	return time.Duration(float64(d) * factor)
}

// DelayFor returns the wait before retrying a classified failure. A
// server-directed Retry-After always wins over the computed backoff.
func (p Policy) DelayFor(ce *Error, attempt int) time.Duration {
	if ce != nil && ce.RetryAfter > 0 {
		return ce.RetryAfter
	}
	return p.Delay(attempt)
}
