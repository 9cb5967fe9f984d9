// Package clock provides the two time sources the replica works with: a
// monotonic clock for timeouts and latency measurements, and a wall clock
// that is only trusted after it has been cross checked against a quorum of
// peers.
//
// The IClock interface abstracts the raw readings so tests can drive time
// by hand. The Timekeeper implements the cross check: it collects round
// trip samples from peers, runs Marzullo's agreement algorithm over the
// resulting offset intervals, and exposes a synchronized wall clock that
// refuses to answer when agreement is stale.
package clock
