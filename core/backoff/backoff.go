package backoff

import (
	"math/rand"
	"time"
)

// Policy computes reconnect delays: exponential growth from Initial up to
// Max, with up to +10% jitter so retries do not synchronize across peers.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	// Rand returns a value in [0, 1). Defaults to math/rand; tests pin it.
	Rand func() float64
}

// Default matches the product constants: 1s initial wait, 60s cap.
var Default = Policy{Initial: time.Second, Max: 60 * time.Second}

// Delay returns the wait before the given attempt. Attempt 0 connects
// immediately; attempt n waits min(Initial*2^(n-1), Max) scaled by a jitter
// factor drawn uniformly from [1.0, 1.1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	initial := p.Initial
	if initial <= 0 {
		initial = Default.Initial
	}
	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = Default.Max
	}
	d := initial
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return d + time.Duration(float64(d)*0.1*r())
}
