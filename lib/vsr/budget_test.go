package vsr

import (
	"math/rand"
	"testing"
	"time"
)

func newTestBudget(peers ...ReplicaID) *RepairBudget {
	return NewRepairBudget(peers, 500*time.Millisecond, rand.New(rand.NewSource(1)))
}

func TestBudgetSlots(t *testing.T) {
	b := newTestBudget(1, 2)

	if b.Slots() != 4 {
		t.Fatalf("Slots() = %d for 2 peers, want 4", b.Slots())
	}
	if b.FreeSlots() != 4 {
		t.Fatalf("FreeSlots() = %d, want 4", b.FreeSlots())
	}

	// Saturate both peers.
	for i := 0; i < 4; i++ {
		peer, ok := b.SelectPeer()
		if !ok {
			t.Fatalf("SelectPeer() exhausted after %d sends", i)
		}
		b.RecordSent(peer, RepairRange{OpNumber(i*10 + 1), OpNumber(i*10 + 5)}, 0)
	}

	if b.FreeSlots() != 0 {
		t.Fatalf("FreeSlots() = %d after saturation, want 0", b.FreeSlots())
	}
	if _, ok := b.SelectPeer(); ok {
		t.Error("SelectPeer() must fail with every peer at its cap")
	}
}

func TestBudgetPerPeerCap(t *testing.T) {
	b := newTestBudget(1, 2)

	// Two requests to peer 1 are fine, the third must panic: the caller
	// bypassed SelectPeer.
	b.RecordSent(1, RepairRange{1, 2}, 0)
	b.RecordSent(1, RepairRange{2, 3}, 0)

	defer func() {
		if recover() == nil {
			t.Error("RecordSent beyond the per peer cap must panic")
		}
	}()
	b.RecordSent(1, RepairRange{3, 4}, 0)
}

func TestBudgetPrefersFastPeer(t *testing.T) {
	b := newTestBudget(1, 2)

	// Teach the budget that peer 2 answers 100x faster.
	r1 := RepairRange{1, 2}
	b.RecordSent(1, r1, 0)
	b.RecordCompleted(1, r1, int64(100*time.Millisecond))
	r2 := RepairRange{2, 3}
	b.RecordSent(2, r2, 0)
	b.RecordCompleted(2, r2, int64(time.Millisecond))

	if b.Estimate(2) >= b.Estimate(1) {
		t.Fatalf("estimates not ordered: peer2=%v peer1=%v", b.Estimate(2), b.Estimate(1))
	}

	// With exploration at 10%, the fast peer must dominate selection.
	picks := map[ReplicaID]int{}
	for i := 0; i < 1000; i++ {
		peer, ok := b.SelectPeer()
		if !ok {
			t.Fatal("SelectPeer() failed with free slots")
		}
		picks[peer]++
	}
	if picks[2] < 800 {
		t.Errorf("fast peer picked %d/1000 times, want >= 800", picks[2])
	}
	if picks[1] == 0 {
		t.Error("slow peer never explored")
	}
}

func TestBudgetExpiry(t *testing.T) {
	b := newTestBudget(1, 2)

	r := RepairRange{5, 9}
	b.RecordSent(1, r, 0)
	before := b.Estimate(1)

	// Nothing expires before the timeout.
	if got := b.ExpireStale(int64(100 * time.Millisecond)); got != nil {
		t.Fatalf("ExpireStale before timeout returned %v", got)
	}

	expired := b.ExpireStale(int64(time.Second))
	if len(expired) != 1 || expired[0] != r {
		t.Fatalf("ExpireStale returned %v, want [%v]", expired, r)
	}
	if b.FreeSlots() != b.Slots() {
		t.Error("expired request did not free its slot")
	}
	if b.Estimate(1) <= before {
		t.Errorf("expiry must penalize the peer estimate (%v -> %v)", before, b.Estimate(1))
	}

	// A late response for the written off range is ignored.
	if b.RecordCompleted(1, r, int64(2*time.Second)) {
		t.Error("RecordCompleted accepted a range that already expired")
	}
}

func TestBudgetEstimateConverges(t *testing.T) {
	b := newTestBudget(1)

	// Feed a steady 50ms peer; the estimate must move from the 1ms seed
	// towards the observed latency.
	var now int64
	for i := 0; i < 50; i++ {
		r := RepairRange{OpNumber(i + 1), OpNumber(i + 2)}
		b.RecordSent(1, r, now)
		now += int64(50 * time.Millisecond)
		b.RecordCompleted(1, r, now)
	}

	got := b.Estimate(1)
	if got < 40*time.Millisecond || got > 60*time.Millisecond {
		t.Errorf("Estimate(1) = %v after steady 50ms samples, want ~50ms", got)
	}
}

func TestBudgetEstimateBounded(t *testing.T) {
	b := newTestBudget(1)

	// Unanswered requests double the estimate, but never past the bound.
	for i := 0; i < 64; i++ {
		b.RecordSent(1, RepairRange{OpNumber(i + 1), OpNumber(i + 2)}, 0)
		b.ExpireStale(int64(time.Hour))
	}

	if got := b.Estimate(1); got > 10*time.Second {
		t.Errorf("Estimate(1) = %v, want <= 10s", got)
	}
}
