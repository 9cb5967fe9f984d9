package clock

import (
	"sync/atomic"
	"time"
)

// --------------------------------------------------------------------------
// Clock Interface
// --------------------------------------------------------------------------

// IClock supplies the two raw time readings. Monotonic is used for
// timeouts, round trips and everything that must never jump; Realtime is
// the machine's wall clock and may step arbitrarily (NTP, operator).
type IClock interface {
	// Monotonic returns nanoseconds on a clock that never jumps backwards.
	// The zero point is arbitrary but fixed for the process lifetime.
	Monotonic() int64
	// Realtime returns wall clock nanoseconds since the Unix epoch.
	Realtime() int64
}

// --------------------------------------------------------------------------
// System Clock
// --------------------------------------------------------------------------

// systemClock reads the operating system clocks. Monotonic is derived from
// time.Since over a fixed start instant, which Go backs with the monotonic
// reading.
type systemClock struct {
	start time.Time
}

// NewSystemClock creates a clock backed by the operating system.
func NewSystemClock() IClock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) Monotonic() int64 {
	return int64(time.Since(c.start))
}

func (c *systemClock) Realtime() int64 {
	return time.Now().UnixNano()
}

// --------------------------------------------------------------------------
// Manual Clock
// --------------------------------------------------------------------------

// ManualClock is a hand driven clock for tests and simulation. Advance
// moves both readings forward; Step moves only the wall clock, modelling
// an NTP jump or a badly set host clock.
//
// Thread-safe: readings and mutations may come from different goroutines.
type ManualClock struct {
	mono atomic.Int64
	real atomic.Int64
}

// NewManualClock creates a manual clock with both readings at baseRealtime
// and monotonic at zero.
func NewManualClock(baseRealtime int64) *ManualClock {
	c := &ManualClock{}
	c.real.Store(baseRealtime)
	return c
}

func (c *ManualClock) Monotonic() int64 { return c.mono.Load() }
func (c *ManualClock) Realtime() int64  { return c.real.Load() }

// Advance moves both clocks forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mono.Add(int64(d))
	c.real.Add(int64(d))
}

// Step moves only the wall clock by d, which may be negative.
func (c *ManualClock) Step(d time.Duration) {
	c.real.Add(int64(d))
}
