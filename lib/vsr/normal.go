package vsr

import (
	"encoding/binary"

	"github.com/ValentinKolb/dLog/lib/clock"
)

// --------------------------------------------------------------------------
// Command Envelope
// --------------------------------------------------------------------------

// Log entries wrap the client command with its session coordinates, so
// every replica updates the session table identically at commit time:
//
//	[ client (8B) | request (8B) | payload ... ]

const commandHeaderSize = 16

func encodeCommand(client ClientID, request RequestNumber, payload []byte) []byte {
	buf := make([]byte, commandHeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(client))
	binary.BigEndian.PutUint64(buf[8:16], uint64(request))
	copy(buf[commandHeaderSize:], payload)
	return buf
}

func decodeCommand(b []byte) (ClientID, RequestNumber, []byte, *Error) {
	if len(b) < commandHeaderSize {
		return 0, 0, nil, NewErrorf(RetCInternalError, "command too short (%d bytes)", len(b))
	}
	client := ClientID(binary.BigEndian.Uint64(b[0:8]))
	request := RequestNumber(binary.BigEndian.Uint64(b[8:16]))
	return client, request, b[commandHeaderSize:], nil
}

// --------------------------------------------------------------------------
// Client Requests
// --------------------------------------------------------------------------

func (r *ReplicaState) onClientRequest(e *ClientRequestEvent) {
	if r.status == StatusViewChange {
		// Park the request; the queue drains when the view change ends.
		if len(r.pendingRequests) >= maxPendingRequests {
			r.reply(ClientReply{
				Client: e.Client, Request: e.Request, Leader: r.Leader(),
				Err: NewError(RetCInvalidOperation, "view change in progress, queue full"),
			})
			return
		}
		r.pendingRequests = append(r.pendingRequests, *e)
		return
	}
	if !r.status.CanProcessRequests() {
		r.reply(ClientReply{
			Client: e.Client, Request: e.Request, Leader: r.Leader(),
			Err: NewErrorf(RetCInvalidOperation, "replica is %s", r.status),
		})
		return
	}
	if !r.isLeader() {
		r.reply(ClientReply{
			Client: e.Client, Request: e.Request, Leader: r.Leader(),
			Err: NewError(RetCNotLeader, "not the leader"),
		})
		return
	}

	verdict, cached := r.sessions.CheckRequest(e.Client, e.Request)
	switch verdict {
	case VerdictDuplicateCommitted:
		r.reply(ClientReply{Client: e.Client, Request: e.Request, Result: cached, Leader: r.id})
	case VerdictDuplicateInflight:
		// The first copy is still working its way to commit; its reply
		// answers this retry too.
	case VerdictStale:
		r.reply(ClientReply{
			Client: e.Client, Request: e.Request, Leader: r.id,
			Err: NewError(RetCSessionRejected, "request number is stale"),
		})
	case VerdictNew:
		r.metrics.IncOperation()
		entry := r.appendOwn(encodeCommand(e.Client, e.Request, e.Command))
		r.sessions.AcceptUncommitted(e.Client, e.Request)
		r.ackSet(entry.OpNumber)
		r.opStarted[entry.OpNumber] = r.now()
		r.lastProgress = r.now()
		r.broadcastPeers(&Prepare{Entry: entry, Commit: r.commit})
		r.advanceLeaderCommit()
	}
}

// --------------------------------------------------------------------------
// Prepare / PrepareOk / Commit
// --------------------------------------------------------------------------

func (r *ReplicaState) onPrepare(from ReplicaID, p *Prepare) {
	if from != r.Leader() {
		log.Warningf("%s: prepare from %s who does not lead %s", r.id, from, r.view)
		r.metrics.IncProtocolViolation()
		return
	}
	r.lastLeaderContact = r.now()
	if uint64(p.Commit) > uint64(r.commitTarget) {
		r.commitTarget = p.Commit
	}

	op, tip := p.Entry.OpNumber, r.log.LastOp()
	switch {
	case uint64(op) <= uint64(tip):
		r.onDuplicatePrepare(p)
	case op == tip.Next():
		if err := r.appendReceived(p.Entry); err != nil {
			r.handleTailBreak(p.Entry)
			return
		}
		r.drainReorder()
		r.sendPrepareOkTip()
		r.backupAdvanceCommit(r.commitTarget)
	default:
		r.bufferOutOfOrder(p.Entry)
	}
}

// onDuplicatePrepare handles a re-broadcast of an entry already in the
// log. Usually the answer is a fresh ack; if the local copy rotted in the
// meantime, the leader's copy repairs it on the spot.
func (r *ReplicaState) onDuplicatePrepare(p *Prepare) {
	op := p.Entry.OpNumber

	if r.log.VerifyRange(op, op+1) != nil {
		log.Warningf("%s: local copy of %s is corrupt, taking the leader's", r.id, op)
		r.metrics.IncChecksumFailure()
		if err := r.log.ReplaceEntry(p.Entry); err == nil {
			r.journal(JournalOp{Kind: JournalReplace, Entry: p.Entry})
			r.metrics.IncRepair()
		}
	} else if local, _ := r.log.Get(op); local.Checksum != p.Entry.Checksum {
		// Two intact entries with the same op and view but different
		// content: the leader broke its own history.
		log.Warningf("%s: leader re-sent %s with different content", r.id, op)
		r.metrics.IncProtocolViolation()
		return
	}
	r.sendPrepareOkTip()
	r.backupAdvanceCommit(r.commitTarget)
}

// handleTailBreak runs when the next entry from the leader does not chain
// onto the local log: some stored entry below the tip rotted. The damaged
// suffix is cut off and fetched back through repair; the new entry waits in
// the reorder buffer.
func (r *ReplicaState) handleTailBreak(e LogEntry) {
	c := r.log.VerifyRange(OpNumber(r.commit)+1, r.log.LastOp()+1)
	if c == nil {
		// The local tail verifies clean and still disagrees with the
		// leader within one view. One of the two logs is not the one it
		// claims to be; nothing safe can be done with this message.
		log.Warningf("%s: entry %s does not chain onto a clean log", r.id, e.OpNumber)
		r.metrics.IncProtocolViolation()
		return
	}

	log.Warningf("%s: %v, truncating and repairing", r.id, c)
	r.metrics.IncChecksumFailure()
	r.truncateLog(c.Op - 1)
	r.bufferOutOfOrder(e)
	r.needRepair(RepairRange{Start: c.Op, End: e.OpNumber})
}

func (r *ReplicaState) onPrepareOk(from ReplicaID, p *PrepareOk) {
	if !r.isLeader() {
		log.Warningf("%s: prepare_ok from %s but %s leads %s", r.id, from, r.Leader(), r.view)
		r.metrics.IncProtocolViolation()
		return
	}
	tip := r.log.LastOp()
	for op := OpNumber(r.commit) + 1; op <= tip; op++ {
		if op <= p.OpNumber {
			r.ackSet(op)[from] = true
		}
	}
	r.advanceLeaderCommit()
}

func (r *ReplicaState) onCommit(from ReplicaID, p *Commit) {
	if from != r.Leader() {
		log.Warningf("%s: commit heartbeat from %s who does not lead %s", r.id, from, r.view)
		r.metrics.IncProtocolViolation()
		return
	}
	r.lastLeaderContact = r.now()
	if uint64(p.Commit) > uint64(r.commitTarget) {
		r.commitTarget = p.Commit
	}
	r.backupAdvanceCommit(r.commitTarget)

	// Committed ops past the local tip mean lost Prepares: fetch them.
	tip := r.log.LastOp()
	if uint64(r.commitTarget) > uint64(tip) && len(r.reorder) == 0 && !r.repairPendingFor(tip.Next()) {
		r.needRepair(RepairRange{Start: tip.Next(), End: OpNumber(r.commitTarget) + 1})
	}
}

// --------------------------------------------------------------------------
// Reorder Buffer
// --------------------------------------------------------------------------

// bufferOutOfOrder parks an entry that arrived ahead of its predecessors.
func (r *ReplicaState) bufferOutOfOrder(e LogEntry) {
	if len(r.reorder) >= maxReorderBuffer {
		log.Infof("%s: reorder buffer full at %s, falling back to state transfer", r.id, e.OpNumber)
		r.startStateTransfer()
		return
	}
	if _, ok := r.reorder[e.OpNumber]; !ok {
		r.reorder[e.OpNumber] = e
		if r.reorderSince == 0 {
			r.reorderSince = r.now()
		}
	}
}

// drainReorder appends every buffered entry that now fits onto the tip.
func (r *ReplicaState) drainReorder() {
	for {
		e, ok := r.reorder[r.log.LastOp().Next()]
		if !ok {
			break
		}
		delete(r.reorder, e.OpNumber)
		if err := r.appendReceived(e); err != nil {
			log.Warningf("%s: dropping buffered %s: %v", r.id, e.OpNumber, err)
		}
	}
	if len(r.reorder) == 0 {
		r.reorderSince = 0
	}
}

// reorderSweep escalates a gap that outlived the reorder deadline to the
// repair protocol.
func (r *ReplicaState) reorderSweep() {
	if len(r.reorder) == 0 || r.reorderSince == 0 {
		return
	}
	if r.now()-r.reorderSince < int64(r.cfg.Timeouts.ReorderGapTimeout) {
		return
	}

	lowest := OpNumber(0)
	for op := range r.reorder {
		if lowest == 0 || op < lowest {
			lowest = op
		}
	}
	gap := RepairRange{Start: r.log.LastOp().Next(), End: lowest}
	if gap.Start < gap.End {
		log.Infof("%s: ops %v lost in transit, repairing", r.id, gap)
		r.needRepair(gap)
	}
	r.reorderSince = r.now()
}

// --------------------------------------------------------------------------
// Commit Advancement
// --------------------------------------------------------------------------

// ackSet returns the ack bookkeeping for an op, seeded with the leader's
// own implicit ack.
func (r *ReplicaState) ackSet(op OpNumber) map[ReplicaID]bool {
	s, ok := r.acks[op]
	if !ok {
		s = map[ReplicaID]bool{r.id: true}
		r.acks[op] = s
	}
	return s
}

// advanceLeaderCommit commits every op from the commit number upwards that
// a quorum has acknowledged, stopping at the first one without.
func (r *ReplicaState) advanceLeaderCommit() {
	q := r.cfg.QuorumSize()
	progressed := false
	for {
		next := OpNumber(r.commit) + 1
		if uint64(next) > uint64(r.log.LastOp()) {
			break
		}
		if len(r.ackSet(next)) < q {
			break
		}
		r.commitOne(next)
		progressed = true
	}
	if progressed {
		r.lastProgress = r.now()
		r.journalMeta()
	}
}

// backupAdvanceCommit applies every op the leader reports committed, as
// far as the local log reaches.
func (r *ReplicaState) backupAdvanceCommit(target CommitNumber) {
	progressed := false
	for uint64(r.commit) < uint64(target) {
		next := OpNumber(r.commit) + 1
		if uint64(next) > uint64(r.log.LastOp()) {
			break
		}
		r.commitOne(next)
		progressed = true
	}
	if progressed {
		r.journalMeta()
	}
}

// commitOne applies the op and moves the commit number over it. On the
// leader the decoded client gets its reply.
func (r *ReplicaState) commitOne(op OpNumber) {
	e, ok := r.log.Get(op)
	if !ok {
		log.Panicf("%s: committing %s which is not in the log", r.id, op)
	}

	rep := r.applyEntry(e)
	r.commit = CommitNumber(op)
	r.metrics.IncCommit()

	if started, ok := r.opStarted[op]; ok {
		r.metrics.ObserveCommitLatency(r.now() - started)
		delete(r.opStarted, op)
	}
	delete(r.acks, op)

	if r.isLeader() && r.status == StatusNormal {
		r.reply(rep)
	}
}

// applyEntry feeds one committed entry to the state machine and the
// session table. Entries are built by encodeCommand on some leader; one
// that does not decode means the log itself is wrong, and no safe step
// remains.
func (r *ReplicaState) applyEntry(e LogEntry) ClientReply {
	client, request, payload, err := decodeCommand(e.Command)
	if err != nil {
		log.Panicf("%s: committed entry %s does not decode: %v", r.id, e.OpNumber, err)
	}
	result := r.sm.Apply(e.OpNumber, payload)
	r.sessions.CommitRequest(client, request, result, e.OpNumber)
	return ClientReply{Client: client, Request: request, Result: result, Leader: r.id}
}

// sendPrepareOkTip acknowledges everything up to the tip to the leader.
func (r *ReplicaState) sendPrepareOkTip() {
	if tip := r.log.LastOp(); tip > 0 && !r.isLeader() {
		r.send(r.Leader(), &PrepareOk{OpNumber: tip})
	}
}

// --------------------------------------------------------------------------
// Timers
// --------------------------------------------------------------------------

// leaderHeartbeat keeps the backups fed with the commit number. It also
// watches the synchronized clock: a leader that cannot agree on time with
// a quorum for longer than an epoch hands leadership on rather than stamp
// commits with a clock nobody vouches for.
func (r *ReplicaState) leaderHeartbeat() {
	if r.status != StatusNormal || !r.isLeader() {
		return
	}
	if r.cfg.Size() > 1 {
		if r.tk.Synchronized() {
			r.clockDegradedSince = 0
		} else if r.clockDegradedSince == 0 {
			r.clockDegradedSince = r.now()
		} else if r.now()-r.clockDegradedSince > int64(clock.EpochMax) {
			log.Warningf("%s: no clock agreement for over %v while leading, stepping down",
				r.id, clock.EpochMax)
			r.clockDegradedSince = 0
			r.startViewChange(r.view.Next())
			return
		}
	}
	r.broadcastPeers(&Commit{Commit: r.commit})
}

// backupLeaderCheck starts a view change when the leader went quiet.
func (r *ReplicaState) backupLeaderCheck() {
	if r.status != StatusNormal || r.isLeader() || r.cfg.Size() == 1 {
		return
	}
	if r.lastLeaderContact == 0 {
		r.lastLeaderContact = r.now()
		return
	}
	if r.now()-r.lastLeaderContact > int64(r.cfg.Timeouts.LeaderCheckInterval) {
		log.Infof("%s: nothing from leader %s, proposing %s", r.id, r.Leader(), r.view.Next())
		r.startViewChange(r.view.Next())
	}
}

// leaderPrepareResend re-broadcasts the oldest uncommitted op to the peers
// that never acknowledged it.
func (r *ReplicaState) leaderPrepareResend() {
	if r.status != StatusNormal || !r.isLeader() {
		return
	}
	next := OpNumber(r.commit) + 1
	if uint64(next) > uint64(r.log.LastOp()) {
		return
	}
	if r.now()-r.lastProgress < int64(r.cfg.Timeouts.PrepareTimeout) {
		return
	}

	e, _ := r.log.Get(next)
	acked := r.ackSet(next)
	for _, peer := range r.cfg.Peers(r.id) {
		if !acked[peer] {
			r.send(peer, &Prepare{Entry: e, Commit: r.commit})
		}
	}
	r.lastProgress = r.now()
}

// --------------------------------------------------------------------------
// Clock Sampling
// --------------------------------------------------------------------------

// pingPeers probes every peer for a clock sample and gives the timekeeper
// a chance to form a new agreement.
func (r *ReplicaState) pingPeers() {
	if r.cfg.Size() > 1 {
		r.broadcastPeers(&Ping{Monotonic: r.clk.Monotonic()})
	}
	r.tk.Synchronize()
	r.metrics.SetClockOffset(r.tk)
}

func (r *ReplicaState) onPong(from ReplicaID, p *Pong) {
	if err := r.tk.LearnSample(uint64(from), p.Origin, p.Realtime, r.clk.Monotonic()); err != nil {
		log.Debugf("%s: discarding clock sample from %s: %v", r.id, from, err)
		return
	}
	r.tk.Synchronize()
}
