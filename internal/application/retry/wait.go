package retry

import (
	"sync"
	"time"
)

// WaitStrategy decides how long a polling loop sleeps between cycles.
type WaitStrategy interface {
	// NextDelay is called after a cycle that found no work.
	NextDelay() time.Duration
	// Reset is called after a cycle that processed at least one entity.
	Reset()
	// Delay returns the current sleep without advancing it.
	Delay() time.Duration
}

// ExponentialWait doubles the idle sleep per consecutive empty cycle, up to Max.
type ExponentialWait struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func NewExponentialWait(base, max time.Duration) *ExponentialWait {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &ExponentialWait{base: base, max: max, current: base}
}

func (w *ExponentialWait) NextDelay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.current
	w.current *= 2
	if w.current > w.max {
		w.current = w.max
	}
	return d
}

func (w *ExponentialWait) Reset() {
	w.mu.Lock()
	w.current = w.base
	w.mu.Unlock()
}

func (w *ExponentialWait) Delay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// FixedWait always sleeps the same duration.
type FixedWait time.Duration

func (f FixedWait) NextDelay() time.Duration { return time.Duration(f) }
func (f FixedWait) Reset()                   {}
func (f FixedWait) Delay() time.Duration     { return time.Duration(f) }
