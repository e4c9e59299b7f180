package engine

import "time"

// minQueryDelay keeps a misconfigured interval from spinning the loop.
const minQueryDelay = time.Millisecond

// nextQueryDelay draws base + uniform[-jitter, +jitter].
func (e *Engine) nextQueryDelay() time.Duration {
	return queryDelay(e.queryBase, e.queryJitter, e.rng.Int64N)
}

func queryDelay(base, jitter time.Duration, draw func(n int64) int64) time.Duration {
	d := base
	if jitter > 0 {
		d += time.Duration(draw(int64(2*jitter)+1)) - jitter
	}
	return max(d, minQueryDelay)
}
