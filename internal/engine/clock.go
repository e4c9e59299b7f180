package engine

import "sync/atomic"

// LocalClock hands out the per-site sequence numbers stamped on local
// operations. The first operation gets 0 and numbers never repeat.
//
// Only the engine loop advances the clock; the atomic lets Clock() be read
// from any goroutine.
type LocalClock struct {
	next atomic.Int64
}

// NewLocalClock creates a clock whose first stamp is 0.
func NewLocalClock() *LocalClock {
	return &LocalClock{}
}

// Peek returns the stamp the next local operation will carry.
func (c *LocalClock) Peek() int {
	return int(c.next.Load())
}

// Advance consumes the current stamp and returns it.
func (c *LocalClock) Advance() int {
	return int(c.next.Add(1) - 1)
}

// RaiseTo moves the clock forward so the next stamp is at least n.
// It never moves the clock backwards.
func (c *LocalClock) RaiseTo(n int) {
	for {
		cur := c.next.Load()
		if int64(n) <= cur {
			return
		}
		if c.next.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}
