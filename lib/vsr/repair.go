package vsr

// --------------------------------------------------------------------------
// Log Repair
// --------------------------------------------------------------------------

// Repair fetches individual op ranges from peers: entries lost in transit,
// entries cut away after corruption, and the remainder of a winning log
// during a view change. Requests flow through the RepairBudget, which caps
// the traffic per peer and steers towards the fastest one.

// repairPendingFor reports whether op is covered by a queued or in flight
// repair.
func (r *ReplicaState) repairPendingFor(op OpNumber) bool {
	for rng := range r.needed {
		if rng.Start <= op && op < rng.End {
			return true
		}
	}
	for _, rng := range r.repairQueue {
		if rng.Start <= op && op < rng.End {
			return true
		}
	}
	for _, rng := range r.repairDeferred {
		if rng.Start <= op && op < rng.End {
			return true
		}
	}
	return false
}

// needRepair queues a range for repair and pumps the queue. Ranges already
// queued or in flight are not queued twice.
func (r *ReplicaState) needRepair(rng RepairRange) {
	if rng.Start == 0 || rng.Start >= rng.End {
		return
	}
	if r.needed[rng] {
		return
	}
	for _, q := range r.repairQueue {
		if q == rng {
			return
		}
	}
	for _, q := range r.repairDeferred {
		if q == rng {
			return
		}
	}
	r.repairQueue = append(r.repairQueue, rng)
	r.pumpRepairs()
}

// pumpRepairs turns queued ranges into requests until the queue or the
// budget runs dry. Large ranges go out in maxRepairBatch sized pieces. A
// range that was nacked before is steered towards peers that have not
// answered for it yet.
func (r *ReplicaState) pumpRepairs() {
	for len(r.repairQueue) > 0 {
		rng := r.repairQueue[0]
		ask := rng
		if uint64(ask.End)-uint64(ask.Start) > maxRepairBatch {
			ask.End = ask.Start + maxRepairBatch
		}

		var skip func(ReplicaID) bool
		if t := r.nacks[ask]; t != nil {
			skip = func(p ReplicaID) bool { return t.notSeen[p] || t.seenCorrupt[p] }
		}
		peer, ok := r.budget.SelectPeerExcept(skip)
		if !ok {
			return
		}

		if ask.End < rng.End {
			r.repairQueue[0] = RepairRange{Start: ask.End, End: rng.End}
		} else {
			r.repairQueue = r.repairQueue[1:]
		}

		r.needed[ask] = true
		r.budget.RecordSent(peer, ask, r.now())
		r.send(peer, &RepairRequest{Start: ask.Start, End: ask.End})
	}
}

// repairSweep expires requests that outlived the repair timeout, requeues
// their ranges, and retries ranges deferred after a nack.
func (r *ReplicaState) repairSweep() {
	for _, rng := range r.budget.ExpireStale(r.now()) {
		log.Infof("%s: repair of %v timed out, rescheduling", r.id, rng)
		delete(r.needed, rng)
		r.repairQueue = append([]RepairRange{rng}, r.repairQueue...)
	}
	if len(r.repairDeferred) > 0 {
		r.repairQueue = append(r.repairQueue, r.repairDeferred...)
		r.repairDeferred = nil
	}
	r.pumpRepairs()
}

// --------------------------------------------------------------------------
// Serving Side
// --------------------------------------------------------------------------

func (r *ReplicaState) onRepairRequest(from ReplicaID, rq *RepairRequest) {
	if r.status == StatusRecovering || r.status == StatusStateTransfer {
		r.send(from, &RepairNack{Start: rq.Start, End: rq.End, Reason: NackRecovering})
		return
	}
	tip := r.log.LastOp()
	if uint64(rq.Start) > uint64(tip) {
		r.send(from, &RepairNack{Start: rq.Start, End: rq.End, Reason: NackNotSeen})
		return
	}

	end := rq.End
	if uint64(end) > uint64(tip)+1 {
		end = tip.Next()
	}
	if c := r.log.VerifyRange(rq.Start, end); c != nil {
		// The local copy is damaged too. Decline, and get in line for
		// the same repair.
		log.Warningf("%s: cannot serve [%d, %d): %v", r.id, rq.Start, rq.End, c)
		r.metrics.IncChecksumFailure()
		r.send(from, &RepairNack{Start: rq.Start, End: rq.End, Reason: NackSeenButCorrupt})
		r.needRepair(RepairRange{Start: c.Op, End: c.Op + 1})
		return
	}

	entries, _ := r.log.EntriesInRange(rq.Start, end)
	r.send(from, &RepairResponse{
		Start:   rq.Start,
		End:     rq.End,
		Entries: entries,
	})
}

// --------------------------------------------------------------------------
// Receiving Side
// --------------------------------------------------------------------------

func (r *ReplicaState) onRepairResponse(from ReplicaID, resp *RepairResponse) {
	rng := RepairRange{Start: resp.Start, End: resp.End}
	if !r.budget.RecordCompleted(from, rng, r.now()) {
		log.Debugf("%s: late repair response for %v from %s", r.id, rng, from)
	}
	delete(r.needed, rng)
	delete(r.nacks, rng)

	for _, e := range resp.Entries {
		r.applyRepairEntry(e)
	}
	r.drainReorder()

	// A peer whose log ended inside the range serves a prefix; the rest
	// still needs fetching.
	if last := resp.Entries[len(resp.Entries)-1].OpNumber; uint64(last.Next()) < uint64(resp.End) {
		r.needRepair(RepairRange{Start: last.Next(), End: resp.End})
	}

	r.checkPendingStartView()
	if r.status == StatusNormal {
		r.sendPrepareOkTip()
		r.backupAdvanceCommit(r.commitTarget)
	}
	r.pumpRepairs()
}

// applyRepairEntry folds one fetched entry into the log. Repair never
// overrides an intact uncommitted entry: deciding between two intact
// histories is the view change's job.
func (r *ReplicaState) applyRepairEntry(e LogEntry) {
	tip := r.log.LastOp()
	switch {
	case uint64(e.OpNumber) <= uint64(tip):
		if r.log.VerifyRange(e.OpNumber, e.OpNumber+1) == nil {
			local, _ := r.log.Get(e.OpNumber)
			if local.Checksum != e.Checksum {
				log.Debugf("%s: keeping intact local %s over repair copy", r.id, e.OpNumber)
			}
			return
		}
		if err := r.log.ReplaceEntry(e); err != nil {
			log.Warningf("%s: repair copy of %s does not fit: %v", r.id, e.OpNumber, err)
			return
		}
		r.journal(JournalOp{Kind: JournalReplace, Entry: e})
		r.metrics.IncRepair()

	case e.OpNumber == tip.Next():
		if err := r.appendReceived(e); err != nil {
			// The entry is intact and consecutive, so the local tail
			// below it must be damaged.
			r.handleTailBreak(e)
			return
		}
		r.metrics.IncRepair()

	default:
		r.bufferOutOfOrder(e)
	}
}

func (r *ReplicaState) onRepairNack(from ReplicaID, nack *RepairNack) {
	rng := RepairRange{Start: nack.Start, End: nack.End}
	if !r.budget.RecordCompleted(from, rng, r.now()) {
		log.Debugf("%s: late repair nack for %v from %s", r.id, rng, from)
		return
	}
	log.Debugf("%s: %s cannot serve %v: %s", r.id, from, rng, nack.Reason)

	t := r.nacks[rng]
	if t == nil {
		t = &nackTally{
			notSeen:     make(map[ReplicaID]bool),
			seenCorrupt: make(map[ReplicaID]bool),
		}
		r.nacks[rng] = t
	}
	switch nack.Reason {
	case NackNotSeen:
		t.notSeen[from] = true
	case NackSeenButCorrupt:
		t.seenCorrupt[from] = true
	case NackRecovering:
		// Transient; counts for nobody.
	}

	// A fully uncommitted range that f+1 replicas never saw cannot have
	// reached any quorum: the ops never existed as far as the cluster is
	// concerned, and waiting for them would wait forever. A single
	// corrupt copy out there keeps hope alive, so it blocks this.
	if uint64(rng.Start) > uint64(r.commit) &&
		len(t.seenCorrupt) == 0 &&
		len(t.notSeen) >= r.cfg.MaxFailures()+1 {
		log.Warningf("%s: %v was never replicated, abandoning it", r.id, rng)
		delete(r.needed, rng)
		delete(r.nacks, rng)
		for op := range r.reorder {
			if uint64(op) >= uint64(rng.Start) {
				delete(r.reorder, op)
			}
		}
		if len(r.reorder) == 0 {
			r.reorderSince = 0
		}
		r.pumpRepairs()
		return
	}

	// Try again on the next sweep; the tally carries over.
	delete(r.needed, rng)
	r.repairDeferred = append(r.repairDeferred, rng)
	r.pumpRepairs()
}

// checkPendingStartView completes a view change that was waiting on repair
// to finish assembling the winning log.
func (r *ReplicaState) checkPendingStartView() {
	if !r.pendingStartView || r.status != StatusViewChange {
		return
	}
	if r.log.LastOp() != r.startViewTarget {
		return
	}
	log.Infof("%s: winning log assembled at %s, announcing %s", r.id, r.startViewTarget, r.view)
	r.finishViewChange(r.vcCommitTarget)
}

// --------------------------------------------------------------------------
// Scrubbing
// --------------------------------------------------------------------------

// scrubTick verifies the next slice of the log in the background and sends
// anything rotten through repair.
func (r *ReplicaState) scrubTick() {
	if r.status == StatusRecovering || r.status == StatusStateTransfer {
		return
	}
	report := r.scrubber.Tick(r.log)
	r.metrics.AddScrubbed(report.Checked)
	for _, c := range report.Corruptions {
		log.Errorf("%s: scrub found %v", r.id, c)
		r.metrics.IncScrubCorruption()
		r.needRepair(RepairRange{Start: c.Op, End: c.Op + 1})
	}
	if report.TourComplete {
		log.Debugf("%s: scrub tour %d complete", r.id, r.scrubber.Tours())
	}
}
