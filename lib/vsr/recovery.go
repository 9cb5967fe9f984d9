package vsr

// --------------------------------------------------------------------------
// Recovery and State Transfer
// --------------------------------------------------------------------------

// Both recovery (a replica with no trusted state) and state transfer (a
// replica whose log fell too far behind) run the same rounds: broadcast
// GetState, collect responses until enough of the cluster corroborates one
// view, then adopt the log of that view's leader chunk by chunk.

// recoveryRetry opens a fresh round. It fires on a timer, so a round that
// lost messages is abandoned rather than nursed along.
func (r *ReplicaState) recoveryRetry() {
	if r.status != StatusRecovering && r.status != StatusStateTransfer {
		return
	}
	if r.cfg.Size() == 1 {
		return
	}
	r.beginStateRound()
}

func (r *ReplicaState) beginStateRound() {
	r.recoveryNonce = r.rng.Uint64()
	r.recoveryResponses = make(map[ReplicaID]recoveryReply)
	r.broadcastPeers(&GetState{
		Nonce:    r.recoveryNonce,
		OpNumber: r.log.LastOp(),
		Commit:   r.commit,
	})
}

// startStateTransfer gives up on catching up through the normal protocol.
// The replica stops voting and acking until its log has caught up again.
func (r *ReplicaState) startStateTransfer() {
	if r.status == StatusStateTransfer || r.status == StatusRecovering {
		return
	}
	log.Infof("%s: fell behind at op %s, starting state transfer", r.id, r.log.LastOp())
	r.metrics.IncStateTransfer()

	r.status = StatusStateTransfer
	r.reorder = make(map[OpNumber]LogEntry)
	r.reorderSince = 0
	r.journalMeta()
	r.beginStateRound()
}

// onGetState serves the requester the entries past its tip, clipped to
// MaxLogTailEntries. A clipped response claims the last served op as its
// tip; the requester comes back for the rest.
func (r *ReplicaState) onGetState(from ReplicaID, g *GetState) {
	if r.status != StatusNormal {
		return
	}
	resp := &GetStateResponse{
		Nonce:    g.Nonce,
		OpNumber: r.log.LastOp(),
		Commit:   r.commit,
	}
	if entries := r.log.TailAfter(g.OpNumber, MaxLogTailEntries); len(entries) > 0 {
		resp.Entries = entries
		resp.OpNumber = entries[len(entries)-1].OpNumber
		if uint64(resp.Commit) > uint64(resp.OpNumber) {
			resp.Commit = CommitNumber(resp.OpNumber)
		}
	}
	r.send(from, resp)
}

func (r *ReplicaState) onGetStateResponse(from ReplicaID, view ViewNumber, g *GetStateResponse) {
	if r.status != StatusRecovering && r.status != StatusStateTransfer {
		return
	}
	if g.Nonce != r.recoveryNonce {
		log.Debugf("%s: response from %s for an abandoned round", r.id, from)
		return
	}
	r.recoveryResponses[from] = recoveryReply{view: view, resp: *g}
	r.tryFinishRecovery()
}

// tryFinishRecovery adopts the cluster's state once enough responses agree.
// It takes f+1 responses so at least one comes from a replica with the
// durable state of the latest view, and it insists on hearing from the
// leader of the highest view seen, since only the leader's log is
// guaranteed complete.
func (r *ReplicaState) tryFinishRecovery() {
	if len(r.recoveryResponses) < r.cfg.MaxFailures()+1 {
		return
	}

	maxView := ViewNumber(0)
	for _, rr := range r.recoveryResponses {
		if uint64(rr.view) > uint64(maxView) {
			maxView = rr.view
		}
	}
	leader := r.cfg.LeaderForView(maxView)
	if leader == r.id {
		// The cluster thinks this replica leads; it cannot corroborate
		// itself. Peers will time out on the silent leader and move to a
		// view someone else leads.
		return
	}
	lr, ok := r.recoveryResponses[leader]
	if !ok || lr.view != maxView {
		return
	}

	if uint64(maxView) > uint64(r.view) {
		r.view = maxView
	}
	r.mergeTail(lr.resp.Commit, lr.resp.Entries)

	if len(lr.resp.Entries) == MaxLogTailEntries || r.log.LastOp() != lr.resp.OpNumber {
		// The leader clipped its response or the merge left holes; pull
		// the next chunk before rejoining.
		r.beginStateRound()
		return
	}

	r.status = StatusNormal
	r.lastNormalView = r.view
	r.lastLeaderContact = r.now()
	r.recoveryNonce = 0
	r.recoveryResponses = nil
	r.backupAdvanceCommit(r.commitTarget)
	r.journalMeta()

	log.Infof("%s: caught up with %s at op %s, commit %s", r.id, r.view, r.log.LastOp(), r.commit)
	r.sendPrepareOkTip()
}
