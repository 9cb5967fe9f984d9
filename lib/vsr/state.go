package vsr

import (
	"math/rand"

	"github.com/ValentinKolb/dLog/lib/clock"
	"github.com/ValentinKolb/dLog/lib/logger"
)

var log = logger.GetLogger("vsr")

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// Event is one unit of input for the replica core. Events come from the
// node's mailbox in a single stream: peer messages, client requests and
// timer expirations. Processing one event at a time over a fixed event
// order makes the core deterministic and replayable.
type Event interface {
	isEvent()
}

// MessageEvent delivers one peer message.
type MessageEvent struct {
	Msg Message
}

// ClientRequestEvent delivers one client request. Command is the opaque
// state machine command; the client and request number drive the session
// table.
type ClientRequestEvent struct {
	Client  ClientID
	Request RequestNumber
	Command []byte
}

// TimeoutEvent delivers a timer expiration. Timers are armed by the node
// layer; the core only sees the expirations.
type TimeoutEvent struct {
	Kind TimeoutKind
}

func (*MessageEvent) isEvent()       {}
func (*ClientRequestEvent) isEvent() {}
func (*TimeoutEvent) isEvent()       {}

// TimeoutKind names the recurring timers that drive the protocol.
type TimeoutKind uint8

const (
	// TimeoutHeartbeat: the leader broadcasts its commit number.
	TimeoutHeartbeat TimeoutKind = iota
	// TimeoutLeaderCheck: a backup checks whether the leader went quiet.
	TimeoutLeaderCheck
	// TimeoutPrepare: the leader re-broadcasts a stalled Prepare.
	TimeoutPrepare
	// TimeoutViewChange: a stuck view change escalates to the next view.
	TimeoutViewChange
	// TimeoutRecovery: a recovering replica re-broadcasts its state
	// request.
	TimeoutRecovery
	// TimeoutRepair: outstanding repair requests are checked for expiry.
	TimeoutRepair
	// TimeoutReorderGap: buffered out-of-order entries waited long enough
	// for their predecessors; the gap goes to the repair protocol.
	TimeoutReorderGap
	// TimeoutScrub: the background scrubber verifies the next batch.
	TimeoutScrub
	// TimeoutPing: peers are probed for clock samples.
	TimeoutPing
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutHeartbeat:
		return "heartbeat"
	case TimeoutLeaderCheck:
		return "leader-check"
	case TimeoutPrepare:
		return "prepare"
	case TimeoutViewChange:
		return "view-change"
	case TimeoutRecovery:
		return "recovery"
	case TimeoutRepair:
		return "repair"
	case TimeoutReorderGap:
		return "reorder-gap"
	case TimeoutScrub:
		return "scrub"
	case TimeoutPing:
		return "ping"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Outputs
// --------------------------------------------------------------------------

// Metadata is the protocol state persisted alongside the log. It is small
// and rewritten whenever view, commit number or status change, so a
// restarting replica knows where it stood.
type Metadata struct {
	View           ViewNumber
	LastNormalView ViewNumber
	Commit         CommitNumber
	Status         ReplicaStatus
}

// JournalOpKind tags one durability action.
type JournalOpKind uint8

const (
	// JournalAppend: persist a new log entry.
	JournalAppend JournalOpKind = iota
	// JournalReplace: rewrite an existing entry with a repaired copy.
	JournalReplace
	// JournalTruncate: discard every entry past TruncateAfter.
	JournalTruncate
	// JournalMeta: persist the metadata record.
	JournalMeta
)

// JournalOp is one durability action the core asks the node to perform.
// Ops must be applied in order; the node syncs the journal before sending
// the messages of the same Output, so nothing is acknowledged that could
// be forgotten in a crash.
type JournalOp struct {
	Kind          JournalOpKind
	Entry         LogEntry
	TruncateAfter OpNumber
	Meta          Metadata
}

// ClientReply is the outcome of one client request. On success Result
// holds the state machine output; on failure Err says why and Leader hints
// where to retry.
type ClientReply struct {
	Client  ClientID
	Request RequestNumber
	Result  []byte
	Leader  ReplicaID
	Err     *Error
}

// Output is everything one event produced: messages to put on the wire,
// replies to route to clients, and durability actions for the journal.
// The node must apply the journal ops before sending the messages.
type Output struct {
	Messages []Message
	Replies  []ClientReply
	Journal  []JournalOp
}

// --------------------------------------------------------------------------
// State Machine Callback
// --------------------------------------------------------------------------

// IStateMachine executes committed commands. Apply is called exactly once
// per op, in op order, with the same sequence on every replica; it must be
// deterministic and must not fail (a command that cannot apply returns its
// error encoded in the result).
type IStateMachine interface {
	Apply(op OpNumber, command []byte) []byte
}

// --------------------------------------------------------------------------
// Replica State
// --------------------------------------------------------------------------

const (
	// maxPendingRequests bounds the client requests queued while a view
	// change runs.
	maxPendingRequests = 1024
	// maxReorderBuffer bounds the out-of-order entries a backup holds
	// while waiting for their predecessors. Overflow means the replica is
	// too far behind for buffering and switches to state transfer.
	maxReorderBuffer = 256
	// maxRepairBatch bounds the entries asked for in one repair request.
	maxRepairBatch = 64
)

// recoveryReply is one peer's answer during recovery or state transfer.
type recoveryReply struct {
	view ViewNumber
	resp GetStateResponse
}

// nackTally collects the repair nacks for one range, the evidence for
// deciding whether the range ever reached a quorum.
type nackTally struct {
	notSeen     map[ReplicaID]bool
	seenCorrupt map[ReplicaID]bool
}

// ReplicaState is the replication core of one replica: a deterministic
// state machine over Events. It owns the log, the session table, the
// repair schedule and the timekeeper; it performs no I/O and reads no wall
// clock besides the injected IClock. Everything it wants done in the world
// comes back as an Output.
//
// Not safe for concurrent use: exactly one goroutine (the node's event
// loop) calls Process.
type ReplicaState struct {
	id      ReplicaID
	cfg     *ClusterConfig
	clk     clock.IClock
	sm      IStateMachine
	metrics *Instrumentation

	status         ReplicaStatus
	view           ViewNumber
	lastNormalView ViewNumber
	commit         CommitNumber
	log            *Log
	sessions       *SessionTable
	tk             *clock.Timekeeper
	scrubber       *Scrubber
	budget         *RepairBudget
	rng            *rand.Rand

	// leader bookkeeping
	acks               map[OpNumber]map[ReplicaID]bool
	opStarted          map[OpNumber]int64
	pendingRequests    []ClientRequestEvent
	lastProgress       int64
	clockDegradedSince int64

	// backup bookkeeping
	lastLeaderContact int64
	commitTarget      CommitNumber
	reorder           map[OpNumber]LogEntry
	reorderSince      int64

	// view change
	svcVotes         map[ViewNumber]map[ReplicaID]bool
	dvcs             map[ReplicaID]*DoViewChange
	dvcSentFor       ViewNumber
	pendingStartView bool
	startViewTarget  OpNumber
	vcCommitTarget   CommitNumber
	vcStartedAt      int64
	higherSeen       ViewNumber
	higherSince      int64

	// recovery and state transfer
	recoveryNonce     uint64
	recoveryResponses map[ReplicaID]recoveryReply

	// repair
	repairQueue    []RepairRange
	repairDeferred []RepairRange
	needed         map[RepairRange]bool
	nacks          map[RepairRange]*nackTally

	out *Output
}

// NewReplicaState creates the core for one replica. A fresh replica boots
// Recovering and rebuilds its state from its peers; a cluster of one has
// no peers to ask and boots straight into Normal. seed drives all random
// decisions (repair peer selection, nonces), so a fixed seed makes the
// replica fully deterministic.
func NewReplicaState(id ReplicaID, cfg *ClusterConfig, sm IStateMachine, clk clock.IClock, seed uint64) (*ReplicaState, error) {
	if !cfg.IsMember(id) {
		return nil, NewErrorf(RetCInvalidOperation, "%s is not a cluster member", id)
	}

	rng := rand.New(rand.NewSource(int64(seed)))
	r := &ReplicaState{
		id:                id,
		cfg:               cfg,
		clk:               clk,
		sm:                sm,
		status:            StatusRecovering,
		log:               NewLog(),
		sessions:          NewSessionTable(cfg.MaxSessions),
		tk:                clock.NewTimekeeper(uint64(id), cfg.QuorumSize(), clk),
		scrubber:          NewScrubber(id),
		budget:            NewRepairBudget(cfg.Peers(id), cfg.Timeouts.RepairTimeout, rng),
		rng:               rng,
		acks:              make(map[OpNumber]map[ReplicaID]bool),
		opStarted:         make(map[OpNumber]int64),
		reorder:           make(map[OpNumber]LogEntry),
		svcVotes:          make(map[ViewNumber]map[ReplicaID]bool),
		dvcs:              make(map[ReplicaID]*DoViewChange),
		recoveryResponses: make(map[ReplicaID]recoveryReply),
		needed:            make(map[RepairRange]bool),
		nacks:             make(map[RepairRange]*nackTally),
	}
	if cfg.Size() == 1 {
		r.status = StatusNormal
	}
	return r, nil
}

// Restore loads the persisted state from the journal before the first
// event is processed. Entries are verified while loading; a corrupt suffix
// is cut off and fetched back from the peers later. Committed entries are
// re-applied to rebuild the state machine and the session table.
func (r *ReplicaState) Restore(meta Metadata, entries []LogEntry) {
	for _, e := range entries {
		if err := r.log.AppendEntry(e); err != nil {
			log.Warningf("%s: journal entry %s unusable, cutting log here: %v", r.id, e.OpNumber, err)
			break
		}
	}

	r.view = meta.View
	r.lastNormalView = meta.LastNormalView

	replayTo := meta.Commit
	if tip := r.log.LastOp(); uint64(replayTo) > uint64(tip) {
		log.Warningf("%s: journal lost committed entries past %s, recovering them from peers", r.id, tip)
		replayTo = CommitNumber(tip)
	}
	for op := OpNumber(1); CommitNumber(op) <= replayTo; op++ {
		entry, _ := r.log.Get(op)
		r.applyEntry(entry)
		r.commit = CommitNumber(op)
	}
	r.commitTarget = meta.Commit

	// A replica that went down in Normal status rejoins directly and
	// catches up through the regular protocol. Everything else re-runs
	// recovery.
	if meta.Status == StatusNormal && uint64(r.commit) >= uint64(meta.Commit) {
		r.status = StatusNormal
		r.lastLeaderContact = r.now()
	} else if r.cfg.Size() > 1 {
		r.status = StatusRecovering
	}
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (r *ReplicaState) ID() ReplicaID { return r.id }

func (r *ReplicaState) View() ViewNumber { return r.view }

func (r *ReplicaState) Status() ReplicaStatus { return r.status }

func (r *ReplicaState) CommitNumber() CommitNumber { return r.commit }

func (r *ReplicaState) OpNumber() OpNumber { return r.log.LastOp() }

func (r *ReplicaState) Leader() ReplicaID { return r.cfg.LeaderForView(r.view) }

func (r *ReplicaState) Timekeeper() *clock.Timekeeper { return r.tk }

func (r *ReplicaState) Sessions() *SessionTable { return r.sessions }

func (r *ReplicaState) RepairBudget() *RepairBudget { return r.budget }

func (r *ReplicaState) Scrubber() *Scrubber { return r.scrubber }

// Entry exposes one log entry for reads and status endpoints.
func (r *ReplicaState) Entry(op OpNumber) (LogEntry, bool) { return r.log.Get(op) }

// LogStats returns entry count and accounted bytes of the log.
func (r *ReplicaState) LogStats() (int, int64) { return r.log.Len(), r.log.SizeBytes() }

// Metadata snapshots the state that must survive a restart.
func (r *ReplicaState) Metadata() Metadata {
	return Metadata{
		View:           r.view,
		LastNormalView: r.lastNormalView,
		Commit:         r.commit,
		Status:         r.status,
	}
}

// SetInstrumentation attaches metrics. A nil instrumentation (the default)
// disables all recording.
func (r *ReplicaState) SetInstrumentation(m *Instrumentation) {
	r.metrics = m
}

func (r *ReplicaState) isLeader() bool {
	return r.Leader() == r.id
}

func (r *ReplicaState) now() int64 {
	return r.clk.Monotonic()
}

// --------------------------------------------------------------------------
// Event Processing
// --------------------------------------------------------------------------

// Process runs one event through the core and returns everything it
// produced. The caller must apply the Output's journal ops before sending
// its messages.
func (r *ReplicaState) Process(ev Event) Output {
	r.out = &Output{}

	switch e := ev.(type) {
	case *ClientRequestEvent:
		r.onClientRequest(e)
	case *MessageEvent:
		r.onMessage(&e.Msg)
	case *TimeoutEvent:
		r.onTimeout(e.Kind)
	default:
		log.Panicf("%s: unknown event type %T", r.id, ev)
	}

	out := *r.out
	r.out = nil
	return out
}

func (r *ReplicaState) onTimeout(kind TimeoutKind) {
	switch kind {
	case TimeoutHeartbeat:
		r.leaderHeartbeat()
	case TimeoutLeaderCheck:
		r.backupLeaderCheck()
	case TimeoutPrepare:
		r.leaderPrepareResend()
	case TimeoutViewChange:
		r.viewChangeEscalate()
	case TimeoutRecovery:
		r.recoveryRetry()
	case TimeoutRepair:
		r.repairSweep()
	case TimeoutReorderGap:
		r.reorderSweep()
	case TimeoutScrub:
		r.scrubTick()
	case TimeoutPing:
		r.pingPeers()
	default:
		log.Panicf("%s: unknown timeout kind %d", r.id, kind)
	}
}

// onMessage screens a peer message by integrity, view and status, then
// hands it to its handler. Malformed messages are peer errors: logged,
// counted, dropped.
func (r *ReplicaState) onMessage(msg *Message) {
	r.metrics.IncMessageReceived()
	if err := msg.Validate(r.cfg); err != nil {
		log.Warningf("%s: dropping message from %s: %v", r.id, msg.From, err)
		r.metrics.IncProtocolViolation()
		return
	}

	// Repair, recovery and clock traffic is view agnostic: it carries op
	// ranges or nonces that protect it from staleness on their own.
	switch p := msg.Payload.(type) {
	case *GetState:
		r.onGetState(msg.From, p)
		return
	case *GetStateResponse:
		r.onGetStateResponse(msg.From, msg.View, p)
		return
	case *RepairRequest:
		r.onRepairRequest(msg.From, p)
		return
	case *RepairResponse:
		r.onRepairResponse(msg.From, p)
		return
	case *RepairNack:
		r.onRepairNack(msg.From, p)
		return
	case *Ping:
		r.send(msg.From, &Pong{Origin: p.Monotonic, Realtime: r.clk.Realtime()})
		return
	case *Pong:
		r.onPong(msg.From, p)
		return
	}

	switch {
	case msg.View < r.view:
		log.Debugf("%s: ignoring stale %s from %s", r.id, msg.Payload.Kind(), msg.From)
	case msg.View > r.view:
		r.onHigherView(msg)
	default:
		r.onCurrentView(msg)
	}
}

// onHigherView handles evidence that the cluster moved past this replica's
// view.
func (r *ReplicaState) onHigherView(msg *Message) {
	if !r.status.CanParticipate() {
		log.Debugf("%s: %s ignoring %s for %s", r.id, r.status, msg.Payload.Kind(), msg.View)
		return
	}

	switch p := msg.Payload.(type) {
	case *StartViewChange:
		r.startViewChange(msg.View)
		r.recordSVCVote(msg.From, msg.View)
		r.checkSVCQuorum()
	case *DoViewChange:
		if r.cfg.LeaderForView(msg.View) != r.id {
			log.Warningf("%s: do_view_change for %s addressed to a non-leader", r.id, msg.View)
			r.metrics.IncProtocolViolation()
			return
		}
		r.startViewChange(msg.View)
		r.onDoViewChange(msg.From, msg.View, p)
	case *StartView:
		r.onStartView(msg.From, msg.View, p)
	default:
		// Normal operation traffic from a view this replica never saw.
		// A small gap usually means the StartView is still in flight; a
		// large one means the replica slept through several views and
		// needs the state wholesale. Evidence that outlives the leader
		// check deadline stops being "in flight": join the view change
		// instead of waiting forever.
		if uint64(msg.View)-uint64(r.view) > ViewGapStateTransfer {
			log.Infof("%s: %s is %d views ahead, starting state transfer",
				r.id, msg.From, uint64(msg.View)-uint64(r.view))
			r.startStateTransfer()
			return
		}
		if msg.View != r.higherSeen {
			r.higherSeen = msg.View
			r.higherSince = r.now()
		} else if r.now()-r.higherSince > int64(r.cfg.Timeouts.LeaderCheckInterval) {
			log.Infof("%s: still seeing traffic for %s, joining it", r.id, msg.View)
			r.higherSeen = 0
			r.startViewChange(msg.View)
			return
		}
		log.Debugf("%s: %s from future %s, waiting for the view change",
			r.id, msg.Payload.Kind(), msg.View)
	}
}

// onCurrentView dispatches a message carrying exactly this replica's view.
func (r *ReplicaState) onCurrentView(msg *Message) {
	switch p := msg.Payload.(type) {
	case *Prepare:
		if r.status == StatusNormal {
			r.onPrepare(msg.From, p)
		}
	case *PrepareOk:
		if r.status == StatusNormal {
			r.onPrepareOk(msg.From, p)
		}
	case *Commit:
		switch r.status {
		case StatusNormal:
			r.onCommit(msg.From, p)
		case StatusStateTransfer:
			// Keep the catch-up target fresh while pulling state.
			if uint64(p.Commit) > uint64(r.commitTarget) {
				r.commitTarget = p.Commit
			}
		}
	case *StartViewChange:
		switch r.status {
		case StatusViewChange:
			r.recordSVCVote(msg.From, msg.View)
			r.checkSVCQuorum()
		case StatusNormal:
			// The sender missed this view's StartView announcement.
			if r.isLeader() {
				r.sendStartView(msg.From)
			}
		}
	case *DoViewChange:
		r.onDoViewChange(msg.From, msg.View, p)
	case *StartView:
		r.onStartView(msg.From, msg.View, p)
	default:
		log.Debugf("%s: no handler for %s in %s", r.id, msg.Payload.Kind(), r.status)
	}
}

// --------------------------------------------------------------------------
// Output Helpers
// --------------------------------------------------------------------------

func (r *ReplicaState) send(to ReplicaID, p Payload) {
	r.metrics.IncMessageSent(p.Kind())
	r.out.Messages = append(r.out.Messages, Message{
		From:    r.id,
		To:      to,
		View:    r.view,
		Payload: p,
	})
}

func (r *ReplicaState) broadcastPeers(p Payload) {
	for _, peer := range r.cfg.Peers(r.id) {
		r.send(peer, p)
	}
}

func (r *ReplicaState) reply(rep ClientReply) {
	if rep.Err != nil {
		r.metrics.IncOperationFailed()
	}
	r.out.Replies = append(r.out.Replies, rep)
}

func (r *ReplicaState) journal(op JournalOp) {
	if op.Kind == JournalAppend || op.Kind == JournalReplace {
		r.metrics.AddBytesWritten(int(op.Entry.SizeBytes()))
	}
	r.out.Journal = append(r.out.Journal, op)
}

func (r *ReplicaState) journalMeta() {
	r.journal(JournalOp{Kind: JournalMeta, Meta: r.Metadata()})
}

// appendOwn appends a leader-built entry and records its durability op.
func (r *ReplicaState) appendOwn(command []byte) LogEntry {
	e := r.log.Append(r.view, command)
	r.journal(JournalOp{Kind: JournalAppend, Entry: e})
	return e
}

// appendReceived appends a finished entry (from Prepare, repair or a view
// change tail) and records its durability op.
func (r *ReplicaState) appendReceived(e LogEntry) *Error {
	if err := r.log.AppendEntry(e); err != nil {
		return err
	}
	r.journal(JournalOp{Kind: JournalAppend, Entry: e})
	return nil
}

// truncateLog cuts the log after op, in memory and in the journal.
func (r *ReplicaState) truncateLog(op OpNumber) {
	r.log.TruncateAfter(op)
	r.journal(JournalOp{Kind: JournalTruncate, TruncateAfter: op})
}
