package dispatch

import (
	"testing"
	"time"
)

func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

func TestPolicy_DelayGrowth(t *testing.T) {
	// Midpoint of the jitter range reproduces the raw exponential curve.
	p := Policy{Base: 1 * time.Second, Max: 10 * time.Second, Jitter: 0.10, randFloat: fixedRand(0.5)}

	tests := []struct {
		attempt int
		expect  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // capped
		{10, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.expect {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expect)
		}
	}
}

func TestPolicy_JitterBounds(t *testing.T) {
	randoms := []float64{0, 0.25, 0.5, 0.75, 0.999}

	for _, r := range randoms {
		p := Policy{Base: 1 * time.Second, Max: 10 * time.Second, Jitter: 0.10, randFloat: fixedRand(r)}

		for attempt := range 6 {
			base := min(10*time.Second, 1*time.Second<<attempt)
			lo := time.Duration(0.9 * float64(base))
			hi := time.Duration(1.1 * float64(base))

			got := p.Delay(attempt)
			if got < lo || got > hi {
				t.Errorf("Delay(%d) with rand=%v = %v, want within [%v, %v]", attempt, r, got, lo, hi)
			}
		}
	}
}

func TestPolicy_DelayForServerDirective(t *testing.T) {
	p := Policy{Base: 1 * time.Second, Max: 10 * time.Second, Jitter: 0.10, randFloat: fixedRand(0.5)}

	// A server-provided Retry-After wins over the computed backoff.
	ce := &Error{Kind: KindRateLimit, RetryAfter: 30 * time.Second}
	if got := p.DelayFor(ce, 0); got != 30*time.Second {
		t.Errorf("DelayFor with directive = %v, want 30s", got)
	}

	// Without one, fall back to the computed delay.
	ce = &Error{Kind: KindRateLimit}
	if got := p.DelayFor(ce, 1); got != 2*time.Second {
		t.Errorf("DelayFor without directive = %v, want 2s", got)
	}

	if got := p.DelayFor(nil, 0); got != 1*time.Second {
		t.Errorf("DelayFor(nil, 0) = %v, want 1s", got)
	}
}
