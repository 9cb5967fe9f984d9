package vsr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLog/lib/clock"
	"github.com/ValentinKolb/dLog/lib/util"
)

// --------------------------------------------------------------------------
// Node Interfaces
// --------------------------------------------------------------------------

// IJournal is the durable store behind a replica. The node applies the
// journal ops of every processed event in order and syncs before any
// message of the same event leaves the machine, so nothing acknowledged to
// a peer can be lost in a crash.
type IJournal interface {
	// Append persists a new log entry at the tail.
	Append(e LogEntry) error
	// Replace rewrites an existing entry with a repaired copy.
	Replace(e LogEntry) error
	// Truncate discards every entry with an op number above after.
	Truncate(after OpNumber) error
	// WriteMeta persists the replica metadata record.
	WriteMeta(m Metadata) error
	// Sync flushes everything written so far to stable storage.
	Sync() error
	// Load reads the journal back. It returns the last metadata record
	// and the longest intact log prefix.
	Load() (Metadata, []LogEntry, error)
	// Close releases the journal.
	Close() error
}

// ISender puts protocol messages on the wire. Implementations must not
// block: the replica loop calls Send inline.
type ISender interface {
	Send(m Message)
}

// SenderFunc adapts a plain function to ISender.
type SenderFunc func(m Message)

func (f SenderFunc) Send(m Message) { f(m) }

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// pendingWaiterTimeout bounds how long a submitted request may wait for a
// commit before its waiter is answered with an error. Requests handed to a
// leader that lost its view before committing are re-decided by the new
// leader, whose replies route to that leader's clients; the local waiter
// would otherwise hang forever.
const pendingWaiterTimeout = 30 * time.Second

type nodeEvent struct {
	ev       Event
	reply    chan ClientReply
	enqueued int64
}

type pendingKey struct {
	client  ClientID
	request RequestNumber
}

type pendingWaiter struct {
	ch       chan ClientReply
	enqueued int64
}

// NodeOptions carries the optional knobs of a node. The zero value works:
// system clock, random seed, no instrumentation.
type NodeOptions struct {
	Clock   clock.IClock
	Seed    uint64
	Metrics *Instrumentation
}

// Node hosts one replica core: it owns the mailbox every input goes
// through, the timers, the journal, and the routing of client replies.
// The core itself runs strictly single threaded inside the node's loop;
// everything concurrent stops at the mailbox.
type Node struct {
	replica *ReplicaState
	cfg     *ClusterConfig
	journal IJournal
	sender  ISender
	clk     clock.IClock
	metrics *Instrumentation

	mailbox *util.LockFreeMPSC[nodeEvent]
	pending map[pendingKey][]pendingWaiter

	snapshot atomic.Pointer[NodeSnapshot]
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewNode builds a node around a fresh replica core and restores it from
// the journal. The node is inert until Start.
func NewNode(id ReplicaID, cfg *ClusterConfig, sm IStateMachine, journal IJournal, sender ISender, opts NodeOptions) (*Node, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = util.GenerateSeed()
	}

	replica, err := NewReplicaState(id, cfg, sm, clk, seed)
	if err != nil {
		return nil, err
	}
	if opts.Metrics != nil {
		replica.SetInstrumentation(opts.Metrics)
	}

	// A fresh journal loads as zero metadata: Normal, view 0, nothing
	// committed. That is exactly where a new cluster member starts, so
	// the restore is unconditional; Recovering is entered only when the
	// journal holds less than its own metadata admits to.
	meta, entries, err := journal.Load()
	if err != nil {
		return nil, NewErrorf(RetCStorageError, "loading journal: %v", err)
	}
	replica.Restore(meta, entries)

	n := &Node{
		replica: replica,
		cfg:     cfg,
		journal: journal,
		sender:  sender,
		clk:     clk,
		metrics: opts.Metrics,
		mailbox: util.NewLockFreeMPSC[nodeEvent](),
		pending: make(map[pendingKey][]pendingWaiter),
		done:    make(chan struct{}),
	}
	n.publishSnapshot()
	return n, nil
}

// Start launches the replica loop and the protocol timers.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.run()

	t := n.cfg.Timeouts
	for kind, every := range map[TimeoutKind]time.Duration{
		TimeoutHeartbeat:   t.HeartbeatInterval,
		TimeoutLeaderCheck: t.LeaderCheckInterval,
		TimeoutPrepare:     t.PrepareTimeout,
		TimeoutViewChange:  t.ViewChangeTimeout,
		TimeoutRecovery:    t.RecoveryTimeout,
		TimeoutRepair:      t.RepairTimeout,
		TimeoutReorderGap:  t.ReorderGapTimeout,
		TimeoutScrub:       t.ScrubInterval,
		TimeoutPing:        t.ClockSyncInterval,
	} {
		n.wg.Add(1)
		go n.runTicker(kind, every)
	}

	log.Infof("%s: node started (%d members, quorum %d)",
		n.replica.ID(), n.cfg.Size(), n.cfg.QuorumSize())
}

// Stop drains the node: timers first, then the mailbox, then a final sync.
// Safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
		n.mailbox.Close()
		n.wg.Wait()

		if err := n.journal.Sync(); err != nil {
			log.Errorf("%s: final journal sync: %v", n.replica.ID(), err)
		}
		if err := n.journal.Close(); err != nil {
			log.Errorf("%s: closing journal: %v", n.replica.ID(), err)
		}
		log.Infof("%s: node stopped", n.replica.ID())
	})
}

// Deliver feeds one peer message into the mailbox. Called by transport
// readers; safe for concurrent use.
func (n *Node) Deliver(m Message) {
	n.mailbox.Push(&nodeEvent{ev: &MessageEvent{Msg: m}})
}

// Submit runs one client request through the replica and waits for its
// reply or the context. Request numbers must increase per client; retries
// reuse the number of the original attempt.
func (n *Node) Submit(ctx context.Context, client ClientID, request RequestNumber, command []byte) (ClientReply, error) {
	ch := make(chan ClientReply, 1)
	ok := n.mailbox.Push(&nodeEvent{
		ev:       &ClientRequestEvent{Client: client, Request: request, Command: command},
		reply:    ch,
		enqueued: n.clk.Monotonic(),
	})
	if !ok {
		return ClientReply{}, NewError(RetCInvalidOperation, "node is stopped")
	}

	select {
	case rep := <-ch:
		return rep, nil
	case <-ctx.Done():
		return ClientReply{}, ctx.Err()
	}
}

// Snapshot returns the latest published view of the replica's position.
func (n *Node) Snapshot() NodeSnapshot {
	return *n.snapshot.Load()
}

// --------------------------------------------------------------------------
// Replica Loop
// --------------------------------------------------------------------------

func (n *Node) run() {
	defer n.wg.Done()
	for ne := range n.mailbox.Recv() {
		n.step(ne)
	}
}

func (n *Node) runTicker(kind TimeoutKind, every time.Duration) {
	defer n.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.mailbox.Push(&nodeEvent{ev: &TimeoutEvent{Kind: kind}})
		}
	}
}

func (n *Node) step(ne *nodeEvent) {
	if cre, ok := ne.ev.(*ClientRequestEvent); ok && ne.reply != nil {
		k := pendingKey{client: cre.Client, request: cre.Request}
		n.pending[k] = append(n.pending[k], pendingWaiter{ch: ne.reply, enqueued: ne.enqueued})
	}

	start := n.clk.Monotonic()
	out := n.replica.Process(ne.ev)

	appended, ok := n.persist(out.Journal)
	if ok {
		if appended {
			n.metrics.ObservePrepareLatency(n.clk.Monotonic() - start)
		}
		for _, m := range out.Messages {
			n.sender.Send(m)
		}
	} else if len(out.Messages) > 0 {
		// Nothing may be acknowledged that is not durable. Dropped
		// messages look like losses to the peers, and the protocol
		// retransmits.
		log.Errorf("%s: journal degraded, dropping %d outbound messages",
			n.replica.ID(), len(out.Messages))
	}

	// Publish before routing: a caller woken by its reply must already
	// see the step's state when it reads the snapshot.
	n.metrics.Sync(n.replica)
	n.publishSnapshot()

	for _, rep := range out.Replies {
		n.routeReply(rep)
	}
	if _, isTimer := ne.ev.(*TimeoutEvent); isTimer {
		n.pruneWaiters()
	}
}

// persist applies one event's journal ops in order. It reports whether any
// entry was appended and whether the whole batch reached stable storage.
func (n *Node) persist(ops []JournalOp) (appended, ok bool) {
	if len(ops) == 0 {
		return false, true
	}
	for _, op := range ops {
		var err error
		switch op.Kind {
		case JournalAppend:
			err = n.journal.Append(op.Entry)
			appended = true
		case JournalReplace:
			err = n.journal.Replace(op.Entry)
		case JournalTruncate:
			err = n.journal.Truncate(op.TruncateAfter)
		case JournalMeta:
			err = n.journal.WriteMeta(op.Meta)
		}
		if err != nil {
			log.Errorf("%s: journal write failed: %v", n.replica.ID(), err)
			return appended, false
		}
	}
	if err := n.journal.Sync(); err != nil {
		log.Errorf("%s: journal sync failed: %v", n.replica.ID(), err)
		return appended, false
	}
	return appended, true
}

func (n *Node) routeReply(rep ClientReply) {
	k := pendingKey{client: rep.Client, request: rep.Request}
	waiters := n.pending[k]
	if len(waiters) == 0 {
		// Replies for ops this replica adopted from an old leader have
		// no local waiter; the client retries against the hinted leader.
		log.Debugf("%s: no waiter for reply to client %d request %d",
			n.replica.ID(), rep.Client, rep.Request)
		return
	}
	delete(n.pending, k)
	now := n.clk.Monotonic()
	for _, w := range waiters {
		w.ch <- rep
		n.metrics.ObserveClientRequestLatency(now - w.enqueued)
	}
}

func (n *Node) pruneWaiters() {
	if len(n.pending) == 0 {
		return
	}
	now := n.clk.Monotonic()
	for k, waiters := range n.pending {
		kept := waiters[:0]
		for _, w := range waiters {
			if now-w.enqueued > int64(pendingWaiterTimeout) {
				w.ch <- ClientReply{
					Client: k.client, Request: k.request, Leader: n.replica.Leader(),
					Err: NewError(RetCInternalError, "no commit decision before the deadline"),
				}
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(n.pending, k)
		} else {
			n.pending[k] = kept
		}
	}
}

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

// NodeSnapshot is a consistent, loop-published view of the replica for
// status endpoints and tooling. Reading it never touches the core.
type NodeSnapshot struct {
	Replica      ReplicaID     `json:"replica"`
	View         ViewNumber    `json:"view"`
	Status       ReplicaStatus `json:"status"`
	Leader       ReplicaID     `json:"leader"`
	OpNumber     OpNumber      `json:"op_number"`
	Commit       CommitNumber  `json:"commit_number"`
	LogEntries   int           `json:"log_entries"`
	LogBytes     int64         `json:"log_bytes"`
	Sessions     int           `json:"sessions"`
	Synchronized bool          `json:"clock_synchronized"`
}

func (n *Node) publishSnapshot() {
	r := n.replica
	entries, bytes := r.LogStats()
	s := &NodeSnapshot{
		Replica:      r.ID(),
		View:         r.View(),
		Status:       r.Status(),
		Leader:       r.Leader(),
		OpNumber:     r.OpNumber(),
		Commit:       r.CommitNumber(),
		LogEntries:   entries,
		LogBytes:     bytes,
		Sessions:     r.Sessions().Len(),
		Synchronized: r.Timekeeper().Synchronized(),
	}
	n.snapshot.Store(s)
}

// String returns a formatted, human-readable description of the snapshot.
func (s NodeSnapshot) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString(fmt.Sprintf("\n%s\n%s\n", title, strings.Repeat("-", len(title))))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s %s\n", name+":", value))
	}

	addSection("Replica")
	addField("ID", s.Replica.String())
	addField("Status", s.Status.String())
	addField("View", s.View.String())
	addField("Leader", s.Leader.String())

	addSection("Log")
	addField("Op Number", s.OpNumber.String())
	addField("Commit Number", s.Commit.String())
	addField("Entries", fmt.Sprintf("%d", s.LogEntries))
	addField("Bytes", fmt.Sprintf("%d", s.LogBytes))

	addSection("Clients")
	addField("Sessions", fmt.Sprintf("%d", s.Sessions))
	addField("Clock Synchronized", fmt.Sprintf("%t", s.Synchronized))

	return sb.String()
}
