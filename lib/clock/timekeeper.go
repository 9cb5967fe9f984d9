package clock

import (
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Timekeeper
// --------------------------------------------------------------------------

const (
	// Tolerance is how far a source's wall clock may drift from the truth
	// without invalidating its samples.
	Tolerance = 500 * time.Millisecond
	// WindowMin is how long samples are collected before an agreement is
	// attempted.
	WindowMin = 3 * time.Second
	// WindowMax is how long a window may grow without reaching agreement
	// before it is discarded and sampling starts over.
	WindowMax = 10 * time.Second
	// EpochMax is how long an agreement stays valid. Past this age the
	// synchronized clock refuses to answer until a new agreement forms.
	EpochMax = 30 * time.Second
)

// sample is the best measurement of one source within the current window.
type sample struct {
	offset int64 // estimated remote_realtime - local_monotonic
	rtt    int64
}

// epoch is one established agreement.
type epoch struct {
	interval Interval // agreed offset bounds
	mono     int64    // monotonic reading at establishment
	sources  int
}

// Timekeeper turns peer round trip samples into a synchronized wall clock.
//
// Every Ping/Pong exchange yields a tuple bounding the offset between the
// local monotonic clock and the peer's wall clock. The timekeeper keeps the
// tightest (lowest round trip) sample per peer inside a window, and
// periodically runs Marzullo's algorithm over the window plus its own wall
// clock. If a quorum of sources overlap, their intersection becomes the
// current epoch and the synchronized clock reads monotonic + agreed offset:
// smooth, strictly increasing, and immune to local wall clock steps.
//
// Not safe for concurrent use; owned by the replica core.
type Timekeeper struct {
	self        uint64
	quorum      int
	clk         IClock
	window      map[uint64]sample
	windowStart int64
	epoch       *epoch
}

// NewTimekeeper creates a timekeeper for a replica. quorum is the number of
// sources (including the replica itself) that must agree.
func NewTimekeeper(self uint64, quorum int, clk IClock) *Timekeeper {
	return &Timekeeper{
		self:        self,
		quorum:      quorum,
		clk:         clk,
		window:      make(map[uint64]sample),
		windowStart: clk.Monotonic(),
	}
}

// LearnSample folds one Ping/Pong exchange with a peer into the window:
// m0 is the local monotonic reading when the ping left, t1 the peer's wall
// clock reading, and m2 the local monotonic reading when the pong arrived.
// Only the lowest round trip sample per peer is kept; low round trips give
// the tightest offset bounds.
func (t *Timekeeper) LearnSample(source uint64, m0, t1, m2 int64) error {
	if source == t.self {
		return fmt.Errorf("own clock is not a remote source")
	}
	if m2 < m0 {
		return fmt.Errorf("sample from %d is not monotonic (m0=%d m2=%d)", source, m0, m2)
	}
	rtt := m2 - m0
	s := sample{offset: t1 + rtt/2 - m2, rtt: rtt}
	if old, ok := t.window[source]; ok && old.rtt <= rtt {
		return nil
	}
	t.window[source] = s
	return nil
}

// Synchronize attempts to form a new epoch from the current window. Called
// periodically; it is cheap when the window is still filling. Returns true
// if a new epoch was established.
func (t *Timekeeper) Synchronize() bool {
	now := t.clk.Monotonic()
	age := now - t.windowStart

	if age < int64(WindowMin) {
		return false
	}

	tuples := t.tuples(now)
	interval, count := SmallestInterval(tuples)

	if count < t.quorum {
		if age > int64(WindowMax) {
			t.resetWindow(now)
		}
		return false
	}

	t.epoch = &epoch{interval: interval, mono: now, sources: count}
	t.resetWindow(now)
	return true
}

// tuples builds the Marzullo input: one tuple per sampled peer, bounded by
// half the round trip plus the tolerance, and one tuple for the local wall
// clock, bounded by the tolerance alone.
func (t *Timekeeper) tuples(now int64) []Tuple {
	tuples := make([]Tuple, 0, len(t.window)+1)

	selfOffset := t.clk.Realtime() - now
	tuples = append(tuples, Tuple{
		Source: t.self,
		Min:    selfOffset - int64(Tolerance),
		Max:    selfOffset + int64(Tolerance),
	})

	for source, s := range t.window {
		bound := s.rtt/2 + int64(Tolerance)
		tuples = append(tuples, Tuple{
			Source: source,
			Min:    s.offset - bound,
			Max:    s.offset + bound,
		})
	}
	return tuples
}

func (t *Timekeeper) resetWindow(now int64) {
	t.window = make(map[uint64]sample)
	t.windowStart = now
}

// Synchronized reports whether a current agreement exists.
func (t *Timekeeper) Synchronized() bool {
	return t.epoch != nil && t.clk.Monotonic()-t.epoch.mono <= int64(EpochMax)
}

// Realtime returns the synchronized wall clock reading. When no current
// agreement exists it falls back to the raw wall clock and reports false.
func (t *Timekeeper) Realtime() (int64, bool) {
	if !t.Synchronized() {
		return t.clk.Realtime(), false
	}
	return t.clk.Monotonic() + t.epoch.interval.Midpoint(), true
}

// EstimatedError returns how far the local wall clock deviates from the
// agreed time. Reports false when no current agreement exists.
func (t *Timekeeper) EstimatedError() (time.Duration, bool) {
	if !t.Synchronized() {
		return 0, false
	}
	local := t.clk.Realtime() - t.clk.Monotonic()
	return time.Duration(local - t.epoch.interval.Midpoint()), true
}

// Sources returns how many sources backed the current epoch, or zero.
func (t *Timekeeper) Sources() int {
	if !t.Synchronized() {
		return 0
	}
	return t.epoch.sources
}
