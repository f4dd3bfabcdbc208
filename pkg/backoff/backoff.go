// Package backoff computes retry delays for webhook delivery.
package backoff

import (
	"math/rand"
	"time"
)

// Policy is an exponential retry schedule. The zero value doubles from
// 100ms up to a 5s ceiling with no jitter.
type Policy struct {
	Base   time.Duration // first delay (default: 100ms)
	Max    time.Duration // delay ceiling (default: 5s)
	Jitter float64       // fraction of each delay randomized away, 0..1
}

// Delay returns the wait before retry number attempt (1-based). Attempts
// below 1 get the base delay.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}

	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}

	// Jitter shortens, never lengthens, so the ceiling stays a hard bound
	// and callers retrying in lockstep spread out.
	if p.Jitter > 0 {
		d -= time.Duration(p.Jitter * rand.Float64() * float64(d))
	}
	return d
}
