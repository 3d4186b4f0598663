package clock

import "sync/atomic"

// AtomicClock hands out monotonically increasing sequence numbers.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

// Set raises the clock to t if t is ahead. Used when recovery observes
// sequence numbers in the WAL or table metadata.
func (ac *AtomicClock) Set(t uint64) {
	for {
		cur := ac.Load()
		if t <= cur {
			return
		}
		if ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
