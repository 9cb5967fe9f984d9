package vsr

import (
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dLog/lib/clock"
	"github.com/VictoriaMetrics/metrics"
)

// --------------------------------------------------------------------------
// Instrumentation
// --------------------------------------------------------------------------

// Instrumentation publishes the replica's counters, histograms and gauges
// under the dlog_* namespace, labeled with the replica id. Gauges read
// atomic mirrors that Sync refreshes after every processed event, so the
// scrape handler never touches replica state from another goroutine.
//
// A nil *Instrumentation is valid and records nothing; tests run without
// one.
type Instrumentation struct {
	operations         *metrics.Counter
	operationsFailed   *metrics.Counter
	commits            *metrics.Counter
	bytesWritten       *metrics.Counter
	messagesReceived   *metrics.Counter
	messagesSent       map[MessageKind]*metrics.Counter
	messagesDropped    *metrics.Counter
	checksumFailures   *metrics.Counter
	signatureFailures  *metrics.Counter
	replayDropped      *metrics.Counter
	repairs            *metrics.Counter
	scrubEntries       *metrics.Counter
	scrubCorruptions   *metrics.Counter
	protocolViolations *metrics.Counter
	viewChanges        *metrics.Counter
	stateTransfers     *metrics.Counter

	prepareSeconds       *metrics.Histogram
	commitSeconds        *metrics.Histogram
	viewChangeSeconds    *metrics.Histogram
	clientRequestSeconds *metrics.Histogram

	view          atomic.Int64
	opNumber      atomic.Int64
	commitNumber  atomic.Int64
	logEntries    atomic.Int64
	logBytes      atomic.Int64
	status        atomic.Int64
	pending       atomic.Int64
	sessions      atomic.Int64
	slotsFree     atomic.Int64
	scrubTours    atomic.Int64
	clockOffsetMs atomic.Int64
}

// NewInstrumentation registers the replica's metrics in the default set.
// Registering the same replica id twice reuses the existing metrics.
func NewInstrumentation(id ReplicaID, cfg *ClusterConfig) *Instrumentation {
	label := fmt.Sprintf(`replica="%d"`, id)
	name := func(n string) string { return fmt.Sprintf("%s{%s}", n, label) }

	m := &Instrumentation{
		operations:         metrics.GetOrCreateCounter(name("dlog_operations_total")),
		operationsFailed:   metrics.GetOrCreateCounter(name("dlog_operations_failed_total")),
		commits:            metrics.GetOrCreateCounter(name("dlog_commits_total")),
		bytesWritten:       metrics.GetOrCreateCounter(name("dlog_bytes_written_total")),
		messagesReceived:   metrics.GetOrCreateCounter(name("dlog_messages_received_total")),
		messagesSent:       make(map[MessageKind]*metrics.Counter),
		messagesDropped:    metrics.GetOrCreateCounter(name("dlog_messages_dropped_total")),
		checksumFailures:   metrics.GetOrCreateCounter(name("dlog_checksum_failures_total")),
		signatureFailures:  metrics.GetOrCreateCounter(name("dlog_signature_failures_total")),
		replayDropped:      metrics.GetOrCreateCounter(name("dlog_replay_dropped_total")),
		repairs:            metrics.GetOrCreateCounter(name("dlog_repairs_total")),
		scrubEntries:       metrics.GetOrCreateCounter(name("dlog_scrub_entries_total")),
		scrubCorruptions:   metrics.GetOrCreateCounter(name("dlog_scrub_corruptions_total")),
		protocolViolations: metrics.GetOrCreateCounter(name("dlog_protocol_violations_total")),
		viewChanges:        metrics.GetOrCreateCounter(name("dlog_view_changes_total")),
		stateTransfers:     metrics.GetOrCreateCounter(name("dlog_state_transfers_total")),

		prepareSeconds:       metrics.GetOrCreateHistogram(name("dlog_prepare_seconds")),
		commitSeconds:        metrics.GetOrCreateHistogram(name("dlog_commit_seconds")),
		viewChangeSeconds:    metrics.GetOrCreateHistogram(name("dlog_view_change_seconds")),
		clientRequestSeconds: metrics.GetOrCreateHistogram(name("dlog_client_request_seconds")),
	}

	for k := KindPrepare; k <= KindPong; k++ {
		m.messagesSent[k] = metrics.GetOrCreateCounter(
			fmt.Sprintf(`dlog_messages_sent_total{%s,type=%q}`, label, k.String()))
	}

	gauge := func(n string, f func() float64) { metrics.GetOrCreateGauge(name(n), f) }
	gauge("dlog_view", func() float64 { return float64(m.view.Load()) })
	gauge("dlog_op_number", func() float64 { return float64(m.opNumber.Load()) })
	gauge("dlog_commit_number", func() float64 { return float64(m.commitNumber.Load()) })
	gauge("dlog_log_entries", func() float64 { return float64(m.logEntries.Load()) })
	gauge("dlog_log_bytes", func() float64 { return float64(m.logBytes.Load()) })
	gauge("dlog_replica_status", func() float64 { return float64(m.status.Load()) })
	gauge("dlog_pending_requests", func() float64 { return float64(m.pending.Load()) })
	gauge("dlog_client_sessions", func() float64 { return float64(m.sessions.Load()) })
	gauge("dlog_repair_slots_free", func() float64 { return float64(m.slotsFree.Load()) })
	gauge("dlog_scrub_tours_total", func() float64 { return float64(m.scrubTours.Load()) })
	gauge("dlog_clock_offset_ms", func() float64 { return float64(m.clockOffsetMs.Load()) })

	q := float64(cfg.QuorumSize())
	gauge("dlog_quorum_size", func() float64 { return q })

	return m
}

// Sync refreshes the gauge mirrors from the replica. The node calls it on
// its own goroutine after each processed event.
func (m *Instrumentation) Sync(r *ReplicaState) {
	if m == nil {
		return
	}
	m.view.Store(int64(r.view))
	m.opNumber.Store(int64(r.log.LastOp()))
	m.commitNumber.Store(int64(r.commit))
	entries, bytes := r.LogStats()
	m.logEntries.Store(int64(entries))
	m.logBytes.Store(bytes)
	m.status.Store(int64(r.status))
	m.pending.Store(int64(len(r.pendingRequests)))
	m.sessions.Store(int64(r.sessions.Len()))
	m.slotsFree.Store(int64(r.budget.FreeSlots()))
	m.scrubTours.Store(int64(r.scrubber.Tours()))
}

func (m *Instrumentation) IncOperation() {
	if m != nil {
		m.operations.Inc()
	}
}

func (m *Instrumentation) IncOperationFailed() {
	if m != nil {
		m.operationsFailed.Inc()
	}
}

func (m *Instrumentation) IncCommit() {
	if m != nil {
		m.commits.Inc()
	}
}

func (m *Instrumentation) AddBytesWritten(n int) {
	if m != nil {
		m.bytesWritten.Add(n)
	}
}

func (m *Instrumentation) IncMessageSent(k MessageKind) {
	if m == nil {
		return
	}
	if c, ok := m.messagesSent[k]; ok {
		c.Inc()
	}
}

func (m *Instrumentation) IncMessageReceived() {
	if m != nil {
		m.messagesReceived.Inc()
	}
}

// IncMessageDropped counts an outbound message the sender could not
// deliver, because the peer's queue was full or its link was down.
func (m *Instrumentation) IncMessageDropped() {
	if m != nil {
		m.messagesDropped.Inc()
	}
}

func (m *Instrumentation) IncChecksumFailure() {
	if m != nil {
		m.checksumFailures.Inc()
	}
}

func (m *Instrumentation) IncSignatureFailure() {
	if m != nil {
		m.signatureFailures.Inc()
	}
}

func (m *Instrumentation) IncReplayDropped() {
	if m != nil {
		m.replayDropped.Inc()
	}
}

func (m *Instrumentation) IncRepair() {
	if m != nil {
		m.repairs.Inc()
	}
}

func (m *Instrumentation) AddScrubbed(n int) {
	if m != nil {
		m.scrubEntries.Add(n)
	}
}

// IncScrubCorruption counts a scrub find, which is also a checksum failure.
func (m *Instrumentation) IncScrubCorruption() {
	if m != nil {
		m.scrubCorruptions.Inc()
		m.checksumFailures.Inc()
	}
}

func (m *Instrumentation) IncProtocolViolation() {
	if m != nil {
		m.protocolViolations.Inc()
	}
}

func (m *Instrumentation) IncViewChange() {
	if m != nil {
		m.viewChanges.Inc()
	}
}

func (m *Instrumentation) IncStateTransfer() {
	if m != nil {
		m.stateTransfers.Inc()
	}
}

func (m *Instrumentation) ObservePrepareLatency(ns int64) {
	if m != nil && ns >= 0 {
		m.prepareSeconds.Update(float64(ns) / 1e9)
	}
}

func (m *Instrumentation) ObserveCommitLatency(ns int64) {
	if m != nil && ns >= 0 {
		m.commitSeconds.Update(float64(ns) / 1e9)
	}
}

func (m *Instrumentation) ObserveViewChangeLatency(ns int64) {
	if m != nil && ns >= 0 {
		m.viewChangeSeconds.Update(float64(ns) / 1e9)
	}
}

func (m *Instrumentation) ObserveClientRequestLatency(ns int64) {
	if m != nil && ns >= 0 {
		m.clientRequestSeconds.Update(float64(ns) / 1e9)
	}
}

// SetClockOffset mirrors the timekeeper's estimated offset, zero while the
// replica has no synchronized epoch.
func (m *Instrumentation) SetClockOffset(tk *clock.Timekeeper) {
	if m == nil {
		return
	}
	if off, ok := tk.EstimatedError(); ok {
		m.clockOffsetMs.Store(off.Milliseconds())
	} else {
		m.clockOffsetMs.Store(0)
	}
}
