package vsr

import (
	"fmt"
	"math/rand"
	"time"
)

// --------------------------------------------------------------------------
// Repair Budget
// --------------------------------------------------------------------------

const (
	// MaxInflightPerReplica caps the repair requests outstanding to one
	// peer. The cap keeps a repairing replica from turning into a request
	// storm against a single healthy peer.
	MaxInflightPerReplica = 2

	// ewmaAlpha is the smoothing factor for per peer latency estimates.
	ewmaAlpha = 0.2
	// initialLatency seeds the estimate of a peer that was never asked.
	initialLatency = float64(time.Millisecond)
	// maxLatency bounds the estimate so a few timeouts cannot push a peer
	// out of consideration forever.
	maxLatency = float64(10 * time.Second)
	// explorationChance is how often a random eligible peer is picked
	// instead of the fastest one, so estimates of slow peers stay fresh.
	explorationChance = 0.1
)

// RepairRange is a half open op number range [Start, End) that needs to be
// fetched from a peer.
type RepairRange struct {
	Start OpNumber
	End   OpNumber
}

func (r RepairRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// repairProbe is one outstanding repair request.
type repairProbe struct {
	peer   ReplicaID
	rng    RepairRange
	sentAt int64 // monotonic nanoseconds
}

// RepairBudget schedules repair traffic across the peers. It enforces the
// per peer in flight cap, tracks a latency estimate per peer, and prefers
// the fastest peer while occasionally probing the others.
//
// Peer selection uses the injected random source, so a seeded source makes
// the whole schedule reproducible.
//
// Not safe for concurrent use; owned by the replica core.
type RepairBudget struct {
	peers    []ReplicaID
	inflight map[ReplicaID]int
	probes   []repairProbe
	ewma     map[ReplicaID]float64
	timeout  time.Duration
	rng      *rand.Rand
}

// NewRepairBudget creates a budget over the given peers. Requests older
// than timeout are written off by ExpireStale.
func NewRepairBudget(peers []ReplicaID, timeout time.Duration, rng *rand.Rand) *RepairBudget {
	b := &RepairBudget{
		peers:    append([]ReplicaID(nil), peers...),
		inflight: make(map[ReplicaID]int, len(peers)),
		ewma:     make(map[ReplicaID]float64, len(peers)),
		timeout:  timeout,
		rng:      rng,
	}
	for _, p := range peers {
		b.ewma[p] = initialLatency
	}
	return b
}

// Slots returns the total request capacity across all peers.
func (b *RepairBudget) Slots() int {
	return len(b.peers) * MaxInflightPerReplica
}

// FreeSlots returns how many more requests may be outstanding right now.
func (b *RepairBudget) FreeSlots() int {
	return b.Slots() - len(b.probes)
}

// Outstanding returns the number of requests in flight.
func (b *RepairBudget) Outstanding() int {
	return len(b.probes)
}

// Estimate returns the current latency estimate for a peer.
func (b *RepairBudget) Estimate(peer ReplicaID) time.Duration {
	if e, ok := b.ewma[peer]; ok {
		return time.Duration(e)
	}
	return time.Duration(initialLatency)
}

// SelectPeer picks the peer for the next repair request: usually the one
// with the lowest latency estimate, sometimes (explorationChance) a random
// eligible one. Peers at their in flight cap are skipped. Returns false if
// every peer is saturated.
func (b *RepairBudget) SelectPeer() (ReplicaID, bool) {
	return b.SelectPeerExcept(nil)
}

// SelectPeerExcept picks like SelectPeer but steers away from peers for
// which skip returns true, falling back to them only when nobody else has
// a free slot. Callers use it to rotate through fresh peers after a nack.
func (b *RepairBudget) SelectPeerExcept(skip func(ReplicaID) bool) (ReplicaID, bool) {
	eligible := make([]ReplicaID, 0, len(b.peers))
	preferred := make([]ReplicaID, 0, len(b.peers))
	for _, p := range b.peers {
		if b.inflight[p] >= MaxInflightPerReplica {
			continue
		}
		eligible = append(eligible, p)
		if skip == nil || !skip(p) {
			preferred = append(preferred, p)
		}
	}
	if len(eligible) == 0 {
		return 0, false
	}
	pool := preferred
	if len(pool) == 0 {
		pool = eligible
	}

	if b.rng.Float64() < explorationChance {
		return pool[b.rng.Intn(len(pool))], true
	}

	best := pool[0]
	for _, p := range pool[1:] {
		if b.ewma[p] < b.ewma[best] {
			best = p
		}
	}
	return best, true
}

// RecordSent charges one slot of peer for the given range. The caller must
// have obtained the peer from SelectPeer; exceeding the cap means the
// replica's own scheduling is broken and panics.
func (b *RepairBudget) RecordSent(peer ReplicaID, rng RepairRange, now int64) {
	if b.inflight[peer] >= MaxInflightPerReplica {
		panic(fmt.Sprintf("repair budget overcommitted: %s already has %d requests in flight",
			peer, b.inflight[peer]))
	}
	b.inflight[peer]++
	b.probes = append(b.probes, repairProbe{peer: peer, rng: rng, sentAt: now})
}

// RecordCompleted settles the outstanding request for a range answered by
// peer (with entries or a nack), frees its slot and folds the observed
// latency into the peer's estimate. Unknown ranges (already expired, or
// never asked) report false and change nothing.
func (b *RepairBudget) RecordCompleted(peer ReplicaID, rng RepairRange, now int64) bool {
	for i, p := range b.probes {
		if p.peer != peer || p.rng != rng {
			continue
		}
		b.probes = append(b.probes[:i], b.probes[i+1:]...)
		b.inflight[peer]--
		b.updateEstimate(peer, float64(now-p.sentAt))
		return true
	}
	return false
}

// ExpireStale writes off every request older than the timeout, frees the
// slots and doubles the latency estimate of the unresponsive peers. The
// expired ranges are returned so the caller can reschedule them.
func (b *RepairBudget) ExpireStale(now int64) []RepairRange {
	var expired []RepairRange
	kept := b.probes[:0]
	for _, p := range b.probes {
		if now-p.sentAt < int64(b.timeout) {
			kept = append(kept, p)
			continue
		}
		b.inflight[p.peer]--
		if e := b.ewma[p.peer] * 2; e > maxLatency {
			b.ewma[p.peer] = maxLatency
		} else {
			b.ewma[p.peer] = e
		}
		expired = append(expired, p.rng)
	}
	b.probes = kept
	return expired
}

// updateEstimate folds a latency sample into the peer's estimate and keeps
// the result in (0, maxLatency].
func (b *RepairBudget) updateEstimate(peer ReplicaID, sample float64) {
	e := ewmaAlpha*sample + (1-ewmaAlpha)*b.ewma[peer]
	if e <= 0 {
		e = 1
	}
	if e > maxLatency {
		e = maxLatency
	}
	b.ewma[peer] = e
}
