package interpolation

import (
	"math"
	"sync/atomic"
	"time"
)

// Clock supplies the local time in milliseconds. Values only need to be
// monotonic and consistent within one process.
type Clock interface {
	NowMillis() float64
}

type systemClock struct {
	start time.Time
}

// NewSystemClock returns a monotonic clock counting from its creation.
func NewSystemClock() Clock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) NowMillis() float64 {
	return float64(time.Since(c.start)) / float64(time.Millisecond)
}

// ManualClock is advanced by hand. Safe for concurrent use.
type ManualClock struct {
	bits atomic.Uint64
}

func NewManualClock(startMs float64) *ManualClock {
	c := &ManualClock{}
	c.Set(startMs)
	return c
}

func (c *ManualClock) NowMillis() float64 {
	return math.Float64frombits(c.bits.Load())
}

func (c *ManualClock) Set(ms float64) {
	c.bits.Store(math.Float64bits(ms))
}

func (c *ManualClock) Advance(ms float64) {
	for {
		old := c.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + ms)
		if c.bits.CompareAndSwap(old, next) {
			return
		}
	}
}
