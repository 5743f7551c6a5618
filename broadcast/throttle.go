package broadcast

import "sync/atomic"

// Throttle admits one of every divisor ticks.
type Throttle struct {
	divisor uint64
	count   atomic.Uint64
}

// NewThrottle returns a throttle; a divisor below 1 admits every tick.
func NewThrottle(divisor int) *Throttle {
	if divisor < 1 {
		divisor = 1
	}
	return &Throttle{divisor: uint64(divisor)}
}

// Tick advances the counter and reports whether this tick should broadcast.
// The counter wraps to zero when it reaches the divisor.
func (t *Throttle) Tick() bool {
	for {
		cur := t.count.Load()
		next := cur + 1
		fire := next >= t.divisor
		if fire {
			next = 0
		}
		if t.count.CompareAndSwap(cur, next) {
			return fire
		}
	}
}
