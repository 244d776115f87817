package chain

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Stepper is a clock that can be moved forward by hand.
type Stepper interface {
	Step(d time.Duration)
}

// OffsetClock is a real clock shifted by an adjustable offset. The dev
// time-travel endpoint steps it; it never goes backwards.
type OffsetClock struct {
	base clock.PassiveClock

	mu     sync.RWMutex
	offset time.Duration
}

func NewOffsetClock(base clock.PassiveClock) *OffsetClock {
	if base == nil {
		base = clock.RealClock{}
	}
	return &OffsetClock{base: base}
}

func (c *OffsetClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base.Now().Add(c.offset)
}

func (c *OffsetClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *OffsetClock) Step(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

func (c *OffsetClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
