package vsr

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/dLog/lib/clock"
)

// --------------------------------------------------------------------------
// In-Memory Cluster Harness
// --------------------------------------------------------------------------

// recordingSM records every applied command and returns a deterministic
// result for it.
type recordingSM struct {
	applied []string
}

func (s *recordingSM) Apply(op OpNumber, command []byte) []byte {
	s.applied = append(s.applied, string(command))
	return []byte("ok:" + string(command))
}

// testCluster wires several replica cores together through an in-memory
// message queue. Timers never fire on their own; tests fire them. The
// shared manual clock makes every run reproducible.
type testCluster struct {
	t        *testing.T
	cfg      *ClusterConfig
	clk      *clock.ManualClock
	replicas map[ReplicaID]*ReplicaState
	sms      map[ReplicaID]*recordingSM
	queue    []Message
	replies  map[ReplicaID][]ClientReply
	drop     func(Message) bool
	down     map[ReplicaID]bool
}

func newTestCluster(t *testing.T, ids ...ReplicaID) *testCluster {
	t.Helper()
	cfg, err := NewClusterConfig(ids)
	if err != nil {
		t.Fatalf("cluster config: %v", err)
	}

	c := &testCluster{
		t:        t,
		cfg:      cfg,
		clk:      clock.NewManualClock(1_700_000_000_000_000_000),
		replicas: make(map[ReplicaID]*ReplicaState),
		sms:      make(map[ReplicaID]*recordingSM),
		replies:  make(map[ReplicaID][]ClientReply),
		down:     make(map[ReplicaID]bool),
	}
	// Clear the zero instant so "never happened" timestamps stay distinct
	// from "happened at boot".
	c.clk.Advance(time.Second)
	for _, id := range ids {
		sm := &recordingSM{}
		r, err := NewReplicaState(id, cfg, sm, c.clk, uint64(id)+1)
		if err != nil {
			t.Fatalf("replica %s: %v", id, err)
		}
		// Boot the way NewNode boots a replica with a fresh journal:
		// restoring zero metadata enters Normal at view 0.
		r.Restore(Metadata{}, nil)
		c.replicas[id] = r
		c.sms[id] = sm
	}
	return c
}

func (c *testCluster) process(id ReplicaID, ev Event) {
	out := c.replicas[id].Process(ev)
	c.queue = append(c.queue, out.Messages...)
	c.replies[id] = append(c.replies[id], out.Replies...)
}

// deliver routes queued messages until the network is silent. Messages to
// a down replica vanish; the drop filter models lossy links.
func (c *testCluster) deliver() {
	c.t.Helper()
	for steps := 0; len(c.queue) > 0; steps++ {
		if steps > 100_000 {
			c.t.Fatalf("message storm: %d messages delivered without quiescing", steps)
		}
		m := c.queue[0]
		c.queue = c.queue[1:]
		if c.down[m.To] || (c.drop != nil && c.drop(m)) {
			continue
		}
		c.process(m.To, &MessageEvent{Msg: m})
	}
}

func (c *testCluster) tick(kind TimeoutKind, ids ...ReplicaID) {
	for _, id := range ids {
		if !c.down[id] {
			c.process(id, &TimeoutEvent{Kind: kind})
		}
	}
}

func (c *testCluster) submit(id ReplicaID, client ClientID, req RequestNumber, cmd string) {
	c.process(id, &ClientRequestEvent{Client: client, Request: req, Command: []byte(cmd)})
}

func (c *testCluster) lastReply(id ReplicaID) ClientReply {
	c.t.Helper()
	rs := c.replies[id]
	if len(rs) == 0 {
		c.t.Fatalf("replica %s produced no replies", id)
	}
	return rs[len(rs)-1]
}

// commitQuietly runs a full commit round: submit to the leader, let the
// acks flow, then a heartbeat so the backups commit too.
func (c *testCluster) commitQuietly(leader ReplicaID, client ClientID, req RequestNumber, cmd string) {
	c.t.Helper()
	c.submit(leader, client, req, cmd)
	c.deliver()
	c.tick(TimeoutHeartbeat, leader)
	c.deliver()
}

func (c *testCluster) requireCommitted(id ReplicaID, want CommitNumber) {
	c.t.Helper()
	if got := c.replicas[id].CommitNumber(); got != want {
		c.t.Fatalf("replica %s commit = %s, want %s", id, got, want)
	}
}

// --------------------------------------------------------------------------
// Normal Operation
// --------------------------------------------------------------------------

func TestSingleNodeCommitsImmediately(t *testing.T) {
	c := newTestCluster(t, 1)
	r := c.replicas[1]

	if r.Status() != StatusNormal {
		t.Fatalf("single node boots %s, want %s", r.Status(), StatusNormal)
	}

	c.submit(1, 7, 1, "set a=1")
	rep := c.lastReply(1)
	if rep.Err != nil {
		t.Fatalf("reply error: %v", rep.Err)
	}
	if string(rep.Result) != "ok:set a=1" {
		t.Errorf("result = %q", rep.Result)
	}
	c.requireCommitted(1, 1)
	if got := c.sms[1].applied; len(got) != 1 || got[0] != "set a=1" {
		t.Errorf("applied = %v", got)
	}
}

func TestThreeNodeCommitFlow(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	c.submit(1, 7, 1, "set a=1")
	if len(c.replies[1]) != 0 {
		t.Fatalf("leader replied before a quorum acked")
	}
	c.deliver()

	rep := c.lastReply(1)
	if rep.Err != nil {
		t.Fatalf("reply error: %v", rep.Err)
	}
	if rep.Client != 7 || rep.Request != 1 || rep.Leader != 1 {
		t.Errorf("reply routing = %+v", rep)
	}
	c.requireCommitted(1, 1)

	// Backups hold the entry but commit only on the next heartbeat.
	for _, id := range []ReplicaID{2, 3} {
		if got := c.replicas[id].OpNumber(); got != 1 {
			t.Errorf("replica %d op = %s, want op-1", id, got)
		}
	}
	c.tick(TimeoutHeartbeat, 1)
	c.deliver()
	c.requireCommitted(2, 1)
	c.requireCommitted(3, 1)

	for _, id := range []ReplicaID{1, 2, 3} {
		if got := c.sms[id].applied; len(got) != 1 || got[0] != "set a=1" {
			t.Errorf("replica %d applied %v", id, got)
		}
	}
}

func TestNotLeaderRedirects(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	c.submit(2, 7, 1, "set a=1")
	rep := c.lastReply(2)
	if rep.Err == nil || rep.Err.Code != RetCNotLeader {
		t.Fatalf("reply = %+v, want %s", rep, RetCNotLeader)
	}
	if rep.Leader != 1 {
		t.Errorf("leader hint = %s, want replica-1", rep.Leader)
	}
	if got := c.replicas[2].OpNumber(); got != 0 {
		t.Errorf("backup appended %s entries for a redirected request", got)
	}
}

// A lost PrepareOk from one backup must not stall commits: the other
// backup still completes the quorum, and the slow backup converges on the
// same log.
func TestDroppedPrepareOkStillCommits(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	c.drop = func(m Message) bool {
		_, isOk := m.Payload.(*PrepareOk)
		return isOk && m.From == 2
	}

	for i := 1; i <= 5; i++ {
		c.submit(1, 7, RequestNumber(i), fmt.Sprintf("op-%d", i))
		c.deliver()
	}

	if got := len(c.replies[1]); got != 5 {
		t.Fatalf("leader sent %d replies, want 5", got)
	}
	c.requireCommitted(1, 5)

	c.drop = nil
	c.tick(TimeoutHeartbeat, 1)
	c.deliver()

	lead, _ := c.replicas[1].Entry(5)
	for _, id := range []ReplicaID{1, 2, 3} {
		c.requireCommitted(id, 5)
		e, ok := c.replicas[id].Entry(5)
		if !ok || e.ChainHash != lead.ChainHash {
			t.Errorf("replica %d log diverged at the tip", id)
		}
		if applied := c.sms[id].applied; len(applied) != 5 || applied[4] != "op-5" {
			t.Errorf("replica %d applied %v", id, applied)
		}
	}
}

// --------------------------------------------------------------------------
// Client Sessions
// --------------------------------------------------------------------------

func TestClientSessionDeduplication(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	c.submit(1, 7, 1, "first")
	c.deliver()
	first := c.lastReply(1)
	if first.Err != nil {
		t.Fatalf("first commit failed: %v", first.Err)
	}

	t.Run("committed duplicate replays the cached result", func(t *testing.T) {
		c.submit(1, 7, 1, "first")
		rep := c.lastReply(1)
		if rep.Err != nil || !bytes.Equal(rep.Result, first.Result) {
			t.Errorf("duplicate reply = %+v, want cached %q", rep, first.Result)
		}
		if got := c.replicas[1].OpNumber(); got != 1 {
			t.Errorf("duplicate request appended an entry, op = %s", got)
		}
	})

	t.Run("in flight duplicate appends nothing and stays silent", func(t *testing.T) {
		c.drop = func(m Message) bool {
			_, isOk := m.Payload.(*PrepareOk)
			return isOk
		}
		c.submit(1, 7, 2, "second")
		c.deliver()
		before := len(c.replies[1])

		c.submit(1, 7, 2, "second")
		if got := len(c.replies[1]); got != before {
			t.Fatalf("in flight duplicate produced a reply")
		}
		if got := c.replicas[1].OpNumber(); got != 2 {
			t.Fatalf("in flight duplicate appended, op = %s", got)
		}

		// The retry of the stalled Prepare completes the original; one
		// reply answers both submissions.
		c.drop = nil
		c.clk.Advance(300 * time.Millisecond)
		c.tick(TimeoutPrepare, 1)
		c.deliver()
		if got := len(c.replies[1]); got != before+1 {
			t.Fatalf("got %d replies after retry, want %d", got, before+1)
		}
		rep := c.lastReply(1)
		if rep.Request != 2 || rep.Err != nil {
			t.Errorf("retry reply = %+v", rep)
		}
	})

	t.Run("stale request number is rejected", func(t *testing.T) {
		c.submit(1, 7, 1, "first")
		rep := c.lastReply(1)
		// Request 1 is behind the session's request 2 by now.
		if rep.Err == nil || rep.Err.Code != RetCSessionRejected {
			t.Errorf("stale reply = %+v, want %s", rep, RetCSessionRejected)
		}
	})
}

// --------------------------------------------------------------------------
// View Changes
// --------------------------------------------------------------------------

func TestLeaderFailureElectsNextView(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	c.commitQuietly(1, 7, 1, "op-1")
	c.commitQuietly(1, 7, 2, "op-2")

	// The leader goes dark; the backups notice and move to view 1.
	c.down[1] = true
	c.clk.Advance(600 * time.Millisecond)
	c.tick(TimeoutLeaderCheck, 2, 3)
	c.deliver()

	for _, id := range []ReplicaID{2, 3} {
		r := c.replicas[id]
		if r.Status() != StatusNormal || r.View() != 1 {
			t.Fatalf("replica %d: %s in %s, want %s in view-1", id, r.Status(), r.View(), StatusNormal)
		}
		if r.Leader() != 2 {
			t.Fatalf("replica %d thinks %s leads view-1, want replica-2", id, r.Leader())
		}
		c.requireCommitted(id, 2)
	}

	// The new leader serves requests with the surviving quorum.
	c.submit(2, 7, 3, "op-3")
	c.deliver()
	rep := c.lastReply(2)
	if rep.Err != nil {
		t.Fatalf("commit in view-1 failed: %v", rep.Err)
	}
	c.requireCommitted(2, 3)

	// The old leader comes back, keeps seeing view-1 heartbeats, joins the
	// view, and repairs the op it slept through.
	c.down[1] = false
	c.tick(TimeoutHeartbeat, 2)
	c.deliver()
	c.clk.Advance(600 * time.Millisecond)
	c.tick(TimeoutHeartbeat, 2)
	c.deliver()
	c.tick(TimeoutHeartbeat, 2)
	c.deliver()

	r1 := c.replicas[1]
	if r1.Status() != StatusNormal || r1.View() != 1 {
		t.Fatalf("old leader: %s in %s, want %s in view-1", r1.Status(), r1.View(), StatusNormal)
	}
	c.requireCommitted(1, 3)
	if applied := c.sms[1].applied; len(applied) != 3 || applied[2] != "op-3" {
		t.Errorf("old leader applied %v", applied)
	}
}

// An op that was prepared but not yet committed when the leader died must
// survive into the next view and commit there.
func TestViewChangeCarriesUncommittedOps(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	c.drop = func(m Message) bool {
		_, isOk := m.Payload.(*PrepareOk)
		return isOk
	}

	c.submit(1, 9, 1, "survivor")
	c.deliver()
	c.requireCommitted(1, 0)

	c.drop = nil
	c.down[1] = true
	c.clk.Advance(600 * time.Millisecond)
	c.tick(TimeoutLeaderCheck, 2, 3)
	c.deliver()

	r2 := c.replicas[2]
	if r2.Status() != StatusNormal || r2.View() != 1 {
		t.Fatalf("new leader: %s in %s", r2.Status(), r2.View())
	}
	c.requireCommitted(2, 1)
	if applied := c.sms[2].applied; len(applied) != 1 || applied[0] != "survivor" {
		t.Fatalf("new leader applied %v", applied)
	}

	// The new leader answers for the op even though the request was
	// originally submitted to the old one.
	rep := c.lastReply(2)
	if rep.Client != 9 || rep.Request != 1 || rep.Err != nil {
		t.Errorf("reply from new leader = %+v", rep)
	}

	c.tick(TimeoutHeartbeat, 2)
	c.deliver()
	c.requireCommitted(3, 1)
}

func TestViewChangeTimeoutEscalates(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	// Replica 3 alone cannot form a view change quorum for view 1.
	c.down[1] = true
	c.down[2] = true
	c.clk.Advance(600 * time.Millisecond)
	c.tick(TimeoutLeaderCheck, 3)
	c.deliver()

	r3 := c.replicas[3]
	if r3.Status() != StatusViewChange || r3.View() != 1 {
		t.Fatalf("replica 3: %s in %s, want %s in view-1", r3.Status(), r3.View(), StatusViewChange)
	}

	c.tick(TimeoutViewChange, 3)
	c.deliver()
	if r3.View() != 2 {
		t.Fatalf("stalled view change did not escalate, view = %s", r3.View())
	}

	// Replica 2 returns. View 3 is led by the still dead replica 1, so
	// that round stalls too; view 4 is led by replica 2 and forms.
	c.down[2] = false
	c.tick(TimeoutViewChange, 3)
	c.deliver()
	if r3.Status() != StatusViewChange || r3.View() != 3 {
		t.Fatalf("replica 3: %s in %s, want %s in view-3", r3.Status(), r3.View(), StatusViewChange)
	}

	c.tick(TimeoutViewChange, 3)
	c.deliver()
	if r3.Status() != StatusNormal || r3.View() != 4 {
		t.Fatalf("replica 3: %s in %s after quorum returned", r3.Status(), r3.View())
	}
	if r3.Leader() != 2 {
		t.Fatalf("view-4 leader = %s, want replica-2", r3.Leader())
	}
	if r2 := c.replicas[2]; r2.Status() != StatusNormal || r2.View() != 4 {
		t.Fatalf("replica 2: %s in %s", r2.Status(), r2.View())
	}
}

// --------------------------------------------------------------------------
// Gap Handling and Repair
// --------------------------------------------------------------------------

func TestBackupRepairsDroppedPrepare(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	c.commitQuietly(1, 7, 1, "op-1")

	// Op 2 never reaches replica 3; op 3 arrives and waits in the reorder
	// buffer.
	c.drop = func(m Message) bool {
		p, isPrepare := m.Payload.(*Prepare)
		return isPrepare && m.To == 3 && p.Entry.OpNumber == 2
	}
	c.submit(1, 7, 2, "op-2")
	c.deliver()
	c.submit(1, 7, 3, "op-3")
	c.deliver()
	c.drop = nil

	r3 := c.replicas[3]
	if got := r3.OpNumber(); got != 1 {
		t.Fatalf("replica 3 op = %s before repair, want op-1", got)
	}
	if len(r3.reorder) != 1 {
		t.Fatalf("replica 3 buffered %d entries, want 1", len(r3.reorder))
	}

	// The gap outlives its deadline and goes through repair.
	c.clk.Advance(150 * time.Millisecond)
	c.tick(TimeoutReorderGap, 3)
	c.deliver()

	if got := r3.OpNumber(); got != 3 {
		t.Fatalf("replica 3 op = %s after repair, want op-3", got)
	}
	if len(r3.reorder) != 0 {
		t.Errorf("reorder buffer not drained: %d entries", len(r3.reorder))
	}

	c.tick(TimeoutHeartbeat, 1)
	c.deliver()
	for _, id := range []ReplicaID{1, 2, 3} {
		c.requireCommitted(id, 3)
	}
}

// Ops that never reached any surviving replica cannot be repaired; after
// enough peers deny having seen them, the requester stops waiting.
func TestRepairAbandonsNeverReplicatedRange(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3, 4, 5)

	c.commitQuietly(1, 7, 1, "op-1")

	// The leader's broadcasts for ops 2-4 are lost entirely; op 5 reaches
	// only replica 5. Then the leader dies with the only full copy.
	c.drop = func(m Message) bool {
		if _, isOk := m.Payload.(*PrepareOk); isOk {
			return true
		}
		if p, isPrepare := m.Payload.(*Prepare); isPrepare {
			op := p.Entry.OpNumber
			return (op >= 2 && op <= 4) || (op == 5 && m.To != 5)
		}
		return false
	}
	for i := 2; i <= 5; i++ {
		c.submit(1, 7, RequestNumber(i), fmt.Sprintf("op-%d", i))
	}
	c.deliver()
	c.drop = nil
	c.down[1] = true

	r5 := c.replicas[5]
	if len(r5.reorder) != 1 {
		t.Fatalf("replica 5 buffered %d entries, want 1", len(r5.reorder))
	}

	c.clk.Advance(150 * time.Millisecond)
	c.tick(TimeoutReorderGap, 5)
	c.deliver()

	abandoned := func() bool {
		return len(r5.reorder) == 0 && len(r5.needed) == 0 &&
			len(r5.repairQueue) == 0 && len(r5.repairDeferred) == 0
	}
	for i := 0; i < 12 && !abandoned(); i++ {
		c.clk.Advance(600 * time.Millisecond)
		c.tick(TimeoutRepair, 5)
		c.deliver()
	}

	if !abandoned() {
		t.Fatalf("range [2, 6) still pending: reorder=%d needed=%d queue=%d deferred=%d",
			len(r5.reorder), len(r5.needed), len(r5.repairQueue), len(r5.repairDeferred))
	}
	if got := r5.OpNumber(); got != 1 {
		t.Errorf("replica 5 op = %s, want op-1 after abandoning the range", got)
	}
	c.requireCommitted(5, 1)
}

// --------------------------------------------------------------------------
// Scrubbing
// --------------------------------------------------------------------------

func TestScrubFindsAndRepairsBitRot(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	for i := 1; i <= 3; i++ {
		c.commitQuietly(1, 7, RequestNumber(i), fmt.Sprintf("op-%d", i))
	}

	// A byte in replica 2's copy of op 2 rots on disk.
	r2 := c.replicas[2]
	r2.log.entries[1].Command[0] ^= 0xFF
	if r2.log.VerifyRange(1, 4) == nil {
		t.Fatalf("corruption not visible to verification")
	}

	c.tick(TimeoutScrub, 2)
	c.deliver()

	if corr := r2.log.VerifyRange(1, 4); corr != nil {
		t.Fatalf("log still corrupt after scrub and repair: %v", corr)
	}
	want, _ := c.replicas[1].Entry(2)
	got, _ := r2.Entry(2)
	if got.Checksum != want.Checksum {
		t.Errorf("repaired entry differs from the leader's copy")
	}
}

// --------------------------------------------------------------------------
// Recovery and Restart
// --------------------------------------------------------------------------

func TestRecoveringReplicaRejoins(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	for i := 1; i <= 3; i++ {
		c.commitQuietly(1, 7, RequestNumber(i), fmt.Sprintf("op-%d", i))
	}

	// Replica 3 loses everything and comes back empty.
	sm := &recordingSM{}
	fresh, err := NewReplicaState(3, c.cfg, sm, c.clk, 99)
	if err != nil {
		t.Fatalf("fresh replica: %v", err)
	}
	c.replicas[3] = fresh
	c.sms[3] = sm

	if fresh.Status() != StatusRecovering {
		t.Fatalf("fresh replica boots %s, want %s", fresh.Status(), StatusRecovering)
	}

	c.tick(TimeoutRecovery, 3)
	c.deliver()

	if fresh.Status() != StatusNormal {
		t.Fatalf("replica 3 is %s after recovery, want %s", fresh.Status(), StatusNormal)
	}
	c.requireCommitted(3, 3)
	if got, want := sm.applied, c.sms[1].applied; len(got) != len(want) {
		t.Fatalf("recovered state machine applied %v, leader applied %v", got, want)
	}

	// The rebuilt session table still deduplicates.
	if verdict, cached := fresh.Sessions().CheckRequest(7, 3); verdict != VerdictDuplicateCommitted ||
		!bytes.Equal(cached, []byte("ok:op-3")) {
		t.Errorf("session replay: verdict=%v cached=%q", verdict, cached)
	}

	// And the replica participates in new commits right away.
	c.commitQuietly(1, 7, 4, "op-4")
	c.requireCommitted(3, 4)
}

func TestRestoreFromJournalState(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	for i := 1; i <= 3; i++ {
		c.commitQuietly(1, 7, RequestNumber(i), fmt.Sprintf("op-%d", i))
	}
	r2 := c.replicas[2]
	meta := r2.Metadata()
	entries, ok := r2.log.EntriesInRange(1, r2.OpNumber()+1)
	if !ok || len(entries) != 3 {
		t.Fatalf("snapshot: ok=%v entries=%d", ok, len(entries))
	}

	t.Run("clean journal restores normal state", func(t *testing.T) {
		sm := &recordingSM{}
		fresh, _ := NewReplicaState(2, c.cfg, sm, c.clk, 42)
		fresh.Restore(meta, entries)

		if fresh.Status() != StatusNormal {
			t.Fatalf("restored status = %s, want %s", fresh.Status(), StatusNormal)
		}
		if fresh.CommitNumber() != meta.Commit || fresh.View() != meta.View {
			t.Fatalf("restored position = %s %s, want %s %s",
				fresh.View(), fresh.CommitNumber(), meta.View, meta.Commit)
		}
		if len(sm.applied) != 3 || sm.applied[2] != "op-3" {
			t.Errorf("replayed %v", sm.applied)
		}
		if verdict, _ := fresh.Sessions().CheckRequest(7, 3); verdict != VerdictDuplicateCommitted {
			t.Errorf("session table not rebuilt, verdict = %v", verdict)
		}
	})

	t.Run("torn journal falls back to recovery", func(t *testing.T) {
		torn := make([]LogEntry, len(entries))
		copy(torn, entries)
		torn[1].Command = append([]byte(nil), torn[1].Command...)
		torn[1].Command[0] ^= 0xFF

		sm := &recordingSM{}
		fresh, _ := NewReplicaState(2, c.cfg, sm, c.clk, 42)
		fresh.Restore(meta, torn)

		if fresh.Status() != StatusRecovering {
			t.Fatalf("restored status = %s, want %s", fresh.Status(), StatusRecovering)
		}
		if got := fresh.OpNumber(); got != 1 {
			t.Errorf("log cut at %s, want op-1", got)
		}
		if len(sm.applied) != 1 {
			t.Errorf("replayed %v past the cut", sm.applied)
		}
	})
}

// --------------------------------------------------------------------------
// Clock Synchronization
// --------------------------------------------------------------------------

func TestClusterClockSynchronizes(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	for round := 0; round < 4; round++ {
		c.tick(TimeoutPing, 1, 2, 3)
		c.deliver()
		c.clk.Advance(1200 * time.Millisecond)
	}

	for _, id := range []ReplicaID{1, 2, 3} {
		tk := c.replicas[id].Timekeeper()
		if !tk.Synchronized() {
			t.Fatalf("replica %d not synchronized after four rounds", id)
		}
		if off, ok := tk.EstimatedError(); !ok || off > 10*time.Millisecond || off < -10*time.Millisecond {
			t.Errorf("replica %d offset = %v (%v)", id, off, ok)
		}
	}
}

// A leader that cannot form a synchronized clock epoch for a whole epoch
// length steps down instead of stamping commits with time nobody vouches
// for.
func TestLeaderStepsDownWithoutClockAgreement(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)

	// Heartbeats flow but nobody ever exchanges clock samples.
	c.tick(TimeoutHeartbeat, 1)
	c.deliver()
	c.clk.Advance(clock.EpochMax + time.Second)
	c.tick(TimeoutHeartbeat, 1)
	c.deliver()

	r1 := c.replicas[1]
	if r1.View() == 0 {
		t.Fatalf("leader kept view-0 despite a desynchronized clock")
	}
	for _, id := range []ReplicaID{1, 2, 3} {
		r := c.replicas[id]
		if r.Status() != StatusNormal || r.View() != 1 {
			t.Fatalf("replica %d: %s in %s, want %s in view-1", id, r.Status(), r.View(), StatusNormal)
		}
	}
	if c.replicas[2].Leader() != 2 {
		t.Errorf("view-1 leader = %s, want replica-2", c.replicas[2].Leader())
	}
}
