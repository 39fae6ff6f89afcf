package jobqueue

import (
	"math/rand"
	"time"
)

// backoffDelay computes the wait before the given retry (first retry is 1):
// exponential growth from RetryBase, capped at RetryMaxDelay, with
// [1-j, 1+j] jitter so synchronized failures do not retry in lockstep.
func backoffDelay(cfg Config, retry int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if j := cfg.RetryJitter; j > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
