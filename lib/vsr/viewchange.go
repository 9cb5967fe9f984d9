package vsr

// --------------------------------------------------------------------------
// View Change
// --------------------------------------------------------------------------

// startViewChange moves the replica into the given view and asks the other
// replicas to follow. Calling it for the current or an older view is a
// no-op.
func (r *ReplicaState) startViewChange(newView ViewNumber) {
	if uint64(newView) <= uint64(r.view) && r.status == StatusViewChange {
		return
	}
	if uint64(newView) <= uint64(r.view) && r.status != StatusViewChange {
		newView = r.view.Next()
	}

	log.Infof("%s: starting view change %s -> %s", r.id, r.view, newView)
	r.metrics.IncViewChange()
	if r.status != StatusViewChange {
		r.vcStartedAt = r.now()
	}

	r.view = newView
	r.status = StatusViewChange
	r.sessions.ClearUncommitted()
	r.reorder = make(map[OpNumber]LogEntry)
	r.reorderSince = 0
	r.acks = make(map[OpNumber]map[ReplicaID]bool)
	r.opStarted = make(map[OpNumber]int64)
	r.dvcs = make(map[ReplicaID]*DoViewChange)
	r.pendingStartView = false

	// Ballots for older views are dead weight now.
	for v := range r.svcVotes {
		if uint64(v) <= uint64(r.view) && v != r.view {
			delete(r.svcVotes, v)
		}
	}
	r.recordSVCVote(r.id, r.view)
	r.journalMeta()
	r.broadcastPeers(&StartViewChange{})
	r.checkSVCQuorum()
}

func (r *ReplicaState) recordSVCVote(from ReplicaID, view ViewNumber) {
	votes, ok := r.svcVotes[view]
	if !ok {
		votes = make(map[ReplicaID]bool)
		r.svcVotes[view] = votes
	}
	votes[from] = true
}

// checkSVCQuorum sends this replica's DoViewChange to the new leader once
// a quorum wants the view this replica is changing to.
func (r *ReplicaState) checkSVCQuorum() {
	if r.status != StatusViewChange {
		return
	}
	if len(r.svcVotes[r.view]) < r.cfg.QuorumSize() {
		return
	}
	if r.dvcSentFor == r.view {
		return
	}
	r.dvcSentFor = r.view

	tip := r.log.LastOp()
	start := OpNumber(r.commit)
	if uint64(tip) > uint64(start)+MaxLogTailEntries {
		start = tip - MaxLogTailEntries
	}
	tail, _ := r.log.EntriesInRange(start+1, tip+1)
	dvc := &DoViewChange{
		LastNormalView: r.lastNormalView,
		OpNumber:       tip,
		Commit:         r.commit,
		Log:            tail,
	}

	leader := r.Leader()
	if leader == r.id {
		r.dvcs[r.id] = dvc
		r.checkDVCQuorum()
		return
	}
	r.send(leader, dvc)
}

func (r *ReplicaState) onDoViewChange(from ReplicaID, view ViewNumber, p *DoViewChange) {
	if r.status == StatusNormal && view == r.view && r.isLeader() {
		// Straggler that missed the StartView broadcast.
		r.sendStartView(from)
		return
	}
	if r.status != StatusViewChange || view != r.view || !r.isLeader() {
		return
	}
	r.dvcs[from] = p
	r.checkDVCQuorum()
}

// tailChecksum is the tiebreaker between two logs of equal length: the
// checksum of the last carried entry, zero for an empty tail.
func tailChecksum(p *DoViewChange) uint32 {
	if len(p.Log) == 0 {
		return 0
	}
	return p.Log[len(p.Log)-1].Checksum
}

// betterDVC reports whether candidate a beats candidate b as the source of
// truth for the new view. Higher last normal view wins, then the longer
// log, then the higher tail checksum, then the lower replica id.
func betterDVC(aID ReplicaID, a *DoViewChange, bID ReplicaID, b *DoViewChange) bool {
	if a.LastNormalView != b.LastNormalView {
		return uint64(a.LastNormalView) > uint64(b.LastNormalView)
	}
	if a.OpNumber != b.OpNumber {
		return uint64(a.OpNumber) > uint64(b.OpNumber)
	}
	if ca, cb := tailChecksum(a), tailChecksum(b); ca != cb {
		return ca > cb
	}
	return aID < bID
}

// checkDVCQuorum installs the winning log and completes the view change
// once a quorum of DoViewChange messages arrived at the new leader.
func (r *ReplicaState) checkDVCQuorum() {
	if r.status != StatusViewChange || !r.isLeader() {
		return
	}
	if len(r.dvcs) < r.cfg.QuorumSize() {
		return
	}

	var winnerID ReplicaID
	var winner *DoViewChange
	for _, id := range r.cfg.Members {
		dvc, ok := r.dvcs[id]
		if !ok {
			continue
		}
		if winner == nil || betterDVC(id, dvc, winnerID, winner) {
			winnerID, winner = id, dvc
		}
	}

	newCommit := r.commit
	for _, dvc := range r.dvcs {
		if uint64(dvc.Commit) > uint64(newCommit) {
			newCommit = dvc.Commit
		}
	}
	if uint64(newCommit) > uint64(winner.OpNumber) {
		// Bounded by validation on every individual message; the winner
		// has the longest log of the quorum, so this cannot happen.
		log.Panicf("%s: view change commit %s above winning op %s", r.id, newCommit, winner.OpNumber)
	}

	log.Infof("%s: %s wins %s with op %s (last normal %s)",
		r.id, winnerID, r.view, winner.OpNumber, winner.LastNormalView)

	if winnerID != r.id {
		r.mergeTail(winner.Commit, winner.Log)
	}
	if r.log.LastOp() != winner.OpNumber {
		// Part of the winning log is older than any tail a message can
		// carry; fetch the rest through repair before taking over.
		r.pendingStartView = true
		r.startViewTarget = winner.OpNumber
		r.vcCommitTarget = newCommit
		r.needRepair(RepairRange{Start: r.log.LastOp().Next(), End: winner.OpNumber.Next()})
		return
	}
	r.finishViewChange(newCommit)
}

// mergeTail reconciles the local log with an authoritative tail. Committed
// entries must match; uncommitted local entries that differ lose to the
// tail. Entries above the local tip go in directly or, if the tail starts
// past the tip, through the reorder buffer and repair.
func (r *ReplicaState) mergeTail(tailCommit CommitNumber, entries []LogEntry) {
	for _, e := range entries {
		tip := r.log.LastOp()
		switch {
		case uint64(e.OpNumber) <= uint64(r.commit):
			local, ok := r.log.Get(e.OpNumber)
			if ok && local.Checksum == e.Checksum {
				continue
			}
			if ok && r.log.VerifyRange(e.OpNumber, e.OpNumber+1) != nil {
				// Bit rot under the commit number; the authoritative
				// copy restores it.
				r.metrics.IncChecksumFailure()
				if err := r.log.ReplaceEntry(e); err == nil {
					r.journal(JournalOp{Kind: JournalReplace, Entry: e})
					r.metrics.IncRepair()
					continue
				}
			}
			// A committed entry that cleanly differs from the agreed
			// history means this replica executed ops no quorum chose.
			log.Panicf("%s: committed %s diverges from the winning log", r.id, e.OpNumber)

		case uint64(e.OpNumber) <= uint64(tip):
			local, _ := r.log.Get(e.OpNumber)
			if local.Checksum == e.Checksum {
				continue
			}
			// Uncommitted speculation from a dead view; drop it and
			// everything above it.
			log.Infof("%s: discarding uncommitted %s..%s for the winning log",
				r.id, e.OpNumber, tip)
			r.truncateLog(e.OpNumber - 1)
			if err := r.appendReceived(e); err != nil {
				log.Warningf("%s: winning entry %s does not chain: %v", r.id, e.OpNumber, err)
				r.bufferOutOfOrder(e)
			}

		case e.OpNumber == tip.Next():
			if err := r.appendReceived(e); err != nil {
				// The local tail below the tip is damaged. Keep the
				// committed prefix, refetch the rest.
				log.Warningf("%s: tail does not accept %s: %v", r.id, e.OpNumber, err)
				r.metrics.IncChecksumFailure()
				r.truncateLog(OpNumber(r.commit))
				r.bufferOutOfOrder(e)
				r.needRepair(RepairRange{Start: OpNumber(r.commit) + 1, End: e.OpNumber})
			}

		default:
			r.bufferOutOfOrder(e)
		}
	}

	r.drainReorder()
	if len(r.reorder) > 0 {
		lowest := OpNumber(0)
		for op := range r.reorder {
			if lowest == 0 || op < lowest {
				lowest = op
			}
		}
		if gap := (RepairRange{Start: r.log.LastOp().Next(), End: lowest}); gap.Start < gap.End {
			r.needRepair(gap)
		}
	}

	if uint64(tailCommit) > uint64(r.commitTarget) {
		r.commitTarget = tailCommit
	}
}

// finishViewChange completes the transition into the current view with the
// log already in its final shape.
func (r *ReplicaState) finishViewChange(newCommit CommitNumber) {
	r.status = StatusNormal
	r.lastNormalView = r.view
	r.lastLeaderContact = r.now()
	r.pendingStartView = false
	if r.vcStartedAt != 0 {
		r.metrics.ObserveViewChangeLatency(r.now() - r.vcStartedAt)
		r.vcStartedAt = 0
	}

	if uint64(newCommit) > uint64(r.commitTarget) {
		r.commitTarget = newCommit
	}
	r.backupAdvanceCommit(r.commitTarget)
	r.journalMeta()

	if r.isLeader() {
		log.Infof("%s: leading %s at op %s, commit %s", r.id, r.view, r.log.LastOp(), r.commit)
		tip := r.log.LastOp()
		for op := OpNumber(r.commit) + 1; op <= tip; op++ {
			r.ackSet(op)
		}
		r.broadcastStartView()
		queued := r.pendingRequests
		r.pendingRequests = nil
		for i := range queued {
			r.onClientRequest(&queued[i])
		}
		return
	}

	log.Infof("%s: following %s in %s", r.id, r.Leader(), r.view)
	r.sendPrepareOkTip()
	for _, e := range r.pendingRequests {
		r.reply(ClientReply{
			Client: e.Client, Request: e.Request, Leader: r.Leader(),
			Err: NewError(RetCNotLeader, "leadership moved during view change"),
		})
	}
	r.pendingRequests = nil
}

func (r *ReplicaState) startViewPayload() *StartView {
	tip := r.log.LastOp()
	start := OpNumber(r.commit)
	if uint64(tip) > uint64(start)+MaxLogTailEntries {
		start = tip - MaxLogTailEntries
	}
	tail, _ := r.log.EntriesInRange(start+1, tip+1)
	return &StartView{
		OpNumber: tip,
		Commit:   r.commit,
		Log:      tail,
	}
}

func (r *ReplicaState) broadcastStartView() {
	r.broadcastPeers(r.startViewPayload())
}

func (r *ReplicaState) sendStartView(to ReplicaID) {
	r.send(to, r.startViewPayload())
}

func (r *ReplicaState) onStartView(from ReplicaID, view ViewNumber, p *StartView) {
	if from != r.cfg.LeaderForView(view) {
		log.Warningf("%s: start_view for %s from %s who does not lead it", r.id, view, from)
		r.metrics.IncProtocolViolation()
		return
	}
	if view == r.view && r.status == StatusNormal {
		// Duplicate broadcast; only the commit number can be news.
		if uint64(p.Commit) > uint64(r.commitTarget) {
			r.commitTarget = p.Commit
		}
		r.backupAdvanceCommit(r.commitTarget)
		return
	}

	log.Infof("%s: adopting %s from %s at op %s", r.id, view, from, p.OpNumber)
	r.view = view
	r.status = StatusNormal
	r.lastNormalView = view
	r.lastLeaderContact = r.now()
	if r.vcStartedAt != 0 {
		r.metrics.ObserveViewChangeLatency(r.now() - r.vcStartedAt)
		r.vcStartedAt = 0
	}
	r.sessions.ClearUncommitted()
	r.reorder = make(map[OpNumber]LogEntry)
	r.reorderSince = 0
	r.acks = make(map[OpNumber]map[ReplicaID]bool)
	r.opStarted = make(map[OpNumber]int64)
	r.pendingStartView = false

	r.mergeTail(p.Commit, p.Log)
	r.backupAdvanceCommit(r.commitTarget)
	r.journalMeta()
	r.sendPrepareOkTip()

	for _, e := range r.pendingRequests {
		r.reply(ClientReply{
			Client: e.Client, Request: e.Request, Leader: r.Leader(),
			Err: NewError(RetCNotLeader, "leadership moved during view change"),
		})
	}
	r.pendingRequests = nil
}

// viewChangeEscalate fires when a view change stalls; the replica gives up
// on the current candidate view and proposes the next one.
func (r *ReplicaState) viewChangeEscalate() {
	if r.status != StatusViewChange {
		return
	}
	log.Infof("%s: view change for %s stalled, escalating", r.id, r.view)
	r.startViewChange(r.view.Next())
}
