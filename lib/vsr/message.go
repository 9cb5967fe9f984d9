package vsr

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Message Envelope
// --------------------------------------------------------------------------

// Message is the envelope for all replica to replica traffic. Every message
// names its sender and receiver and carries the sender's view at send time,
// so a receiver can order it against its own view before touching the
// payload.
//
// Integrity on the wire (frame checksum, optional signature) is the
// transport layer's job; by the time a Message reaches the replica core it
// has passed those checks.
type Message struct {
	From    ReplicaID
	To      ReplicaID
	View    ViewNumber
	Payload Payload
}

func (m *Message) String() string {
	return fmt.Sprintf("%s{%s -> %s, %s}", m.Payload.Kind(), m.From, m.To, m.View)
}

// Validate checks the envelope and payload shape of a received message.
// Violations are peer errors (RetCProtocolViolation): the message is
// dropped and logged, never acted on.
func (m *Message) Validate(cfg *ClusterConfig) *Error {
	if m.Payload == nil {
		return NewError(RetCProtocolViolation, "message without payload")
	}
	if !cfg.IsMember(m.From) {
		return NewErrorf(RetCProtocolViolation, "sender %s is not a cluster member", m.From)
	}
	return m.Payload.validate(m.View)
}

// Payload is one of the protocol message bodies. Handlers switch on the
// concrete type; Kind is used for logging and metrics.
type Payload interface {
	Kind() MessageKind
	// validate checks payload invariants against the envelope view.
	validate(view ViewNumber) *Error
}

// --------------------------------------------------------------------------
// Message Kinds
// --------------------------------------------------------------------------

type MessageKind uint8

const (
	KindPrepare MessageKind = iota
	KindPrepareOk
	KindCommit
	KindStartViewChange
	KindDoViewChange
	KindStartView
	KindGetState
	KindGetStateResponse
	KindRepairRequest
	KindRepairResponse
	KindRepairNack
	KindPing
	KindPong
)

// String returns the wire name of the kind. The names double as metric
// label values.
func (k MessageKind) String() string {
	switch k {
	case KindPrepare:
		return "prepare"
	case KindPrepareOk:
		return "prepare_ok"
	case KindCommit:
		return "commit"
	case KindStartViewChange:
		return "start_view_change"
	case KindDoViewChange:
		return "do_view_change"
	case KindStartView:
		return "start_view"
	case KindGetState:
		return "get_state"
	case KindGetStateResponse:
		return "get_state_response"
	case KindRepairRequest:
		return "repair_request"
	case KindRepairResponse:
		return "repair_response"
	case KindRepairNack:
		return "repair_nack"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Normal Operation
// --------------------------------------------------------------------------

// Prepare carries one log entry from the leader to a backup, together with
// the leader's commit number so backups learn commits without extra
// messages.
type Prepare struct {
	Entry  LogEntry
	Commit CommitNumber
}

func (p *Prepare) Kind() MessageKind { return KindPrepare }

func (p *Prepare) validate(view ViewNumber) *Error {
	if p.Entry.OpNumber == 0 {
		return NewError(RetCProtocolViolation, "prepare without op number")
	}
	if p.Entry.View != view {
		return NewErrorf(RetCProtocolViolation,
			"prepare entry view %s disagrees with envelope %s", p.Entry.View, view)
	}
	if !p.Entry.VerifyChecksum() {
		return NewErrorf(RetCProtocolViolation, "prepare entry %s fails checksum", p.Entry.OpNumber)
	}
	if uint64(p.Commit) >= uint64(p.Entry.OpNumber) {
		return NewErrorf(RetCProtocolViolation,
			"prepare for %s claims %s", p.Entry.OpNumber, p.Commit)
	}
	return nil
}

// PrepareOk acknowledges that the sender holds every entry up to and
// including OpNumber in the current view.
type PrepareOk struct {
	OpNumber OpNumber
}

func (p *PrepareOk) Kind() MessageKind { return KindPrepareOk }

func (p *PrepareOk) validate(ViewNumber) *Error {
	if p.OpNumber == 0 {
		return NewError(RetCProtocolViolation, "prepare_ok without op number")
	}
	return nil
}

// Commit is the leader's heartbeat. It announces the commit number and
// proves the leader is alive while no new ops arrive.
type Commit struct {
	Commit CommitNumber
}

func (c *Commit) Kind() MessageKind { return KindCommit }

func (c *Commit) validate(ViewNumber) *Error { return nil }

// --------------------------------------------------------------------------
// View Change
// --------------------------------------------------------------------------

// StartViewChange announces that the sender wants to move to the view in
// the envelope. A quorum of these (counting the sender's own) arms the
// DoViewChange step.
type StartViewChange struct{}

func (s *StartViewChange) Kind() MessageKind { return KindStartViewChange }

func (s *StartViewChange) validate(view ViewNumber) *Error {
	if view == 0 {
		return NewError(RetCProtocolViolation, "view change into view-0")
	}
	return nil
}

// DoViewChange hands the sender's log state to the leader of the new view.
// Log carries the uncommitted tail (newest MaxLogTailEntries entries when
// the tail is longer); the new leader picks the best log among a quorum of
// these.
type DoViewChange struct {
	LastNormalView ViewNumber   // newest view in which the sender was Normal
	OpNumber       OpNumber     // the sender's log tip
	Commit         CommitNumber // the sender's commit number
	Log            []LogEntry   // entries (Commit, OpNumber], possibly clipped
}

func (d *DoViewChange) Kind() MessageKind { return KindDoViewChange }

func (d *DoViewChange) validate(view ViewNumber) *Error {
	if d.LastNormalView >= view {
		return NewErrorf(RetCProtocolViolation,
			"do_view_change for %s claims last normal %s", view, d.LastNormalView)
	}
	return validateTail(d.Log, d.OpNumber, d.Commit, "do_view_change")
}

// StartView announces the outcome of a view change: the new leader's log
// tail, tip and commit number. Backups adopt it and return to Normal.
type StartView struct {
	OpNumber OpNumber
	Commit   CommitNumber
	Log      []LogEntry
}

func (s *StartView) Kind() MessageKind { return KindStartView }

func (s *StartView) validate(ViewNumber) *Error {
	return validateTail(s.Log, s.OpNumber, s.Commit, "start_view")
}

// validateTail checks the log tail invariants shared by DoViewChange and
// StartView: commit never exceeds the tip, the tail is consecutive and
// intact, ends exactly at the tip, and covers (commit, tip] unless clipped
// to MaxLogTailEntries.
func validateTail(tail []LogEntry, op OpNumber, commit CommitNumber, kind string) *Error {
	if uint64(commit) > uint64(op) {
		return NewErrorf(RetCProtocolViolation,
			"%s claims %s beyond its tip %s", kind, commit, op)
	}
	want := uint64(op) - uint64(commit)
	if want > MaxLogTailEntries {
		want = MaxLogTailEntries
	}
	if uint64(len(tail)) != want {
		return NewErrorf(RetCProtocolViolation,
			"%s tail holds %d entries, want %d", kind, len(tail), want)
	}
	if len(tail) == 0 {
		return nil
	}
	if tail[len(tail)-1].OpNumber != op {
		return NewErrorf(RetCProtocolViolation,
			"%s tail ends at %s, tip is %s", kind, tail[len(tail)-1].OpNumber, op)
	}
	return validateEntries(tail, kind)
}

// --------------------------------------------------------------------------
// Recovery and State Transfer
// --------------------------------------------------------------------------

// GetState asks peers for their current protocol state. The nonce ties
// responses to this particular request; stale responses are dropped. Sent
// while Recovering (full rebuild) and while in StateTransfer (the sender
// has a log and only needs the suffix past OpNumber).
type GetState struct {
	Nonce    uint64
	OpNumber OpNumber
	Commit   CommitNumber
}

func (g *GetState) Kind() MessageKind { return KindGetState }

func (g *GetState) validate(ViewNumber) *Error {
	if uint64(g.Commit) > uint64(g.OpNumber) {
		return NewErrorf(RetCProtocolViolation,
			"get_state claims %s beyond its tip %s", g.Commit, g.OpNumber)
	}
	return nil
}

// GetStateResponse answers a GetState with the responder's position and the
// log entries past the requester's tip, clipped to MaxLogTailEntries. Only
// Normal replicas respond; the requester waits for corroboration before
// adopting anything.
type GetStateResponse struct {
	Nonce    uint64
	OpNumber OpNumber
	Commit   CommitNumber
	Entries  []LogEntry // consecutive run ending at OpNumber, or empty
}

func (g *GetStateResponse) Kind() MessageKind { return KindGetStateResponse }

func (g *GetStateResponse) validate(ViewNumber) *Error {
	if uint64(g.Commit) > uint64(g.OpNumber) {
		return NewErrorf(RetCProtocolViolation,
			"get_state_response claims %s beyond its tip %s", g.Commit, g.OpNumber)
	}
	if len(g.Entries) == 0 {
		return nil
	}
	if g.Entries[len(g.Entries)-1].OpNumber != g.OpNumber {
		return NewErrorf(RetCProtocolViolation,
			"get_state_response entries end at %s, tip is %s",
			g.Entries[len(g.Entries)-1].OpNumber, g.OpNumber)
	}
	return validateEntries(g.Entries, "get_state_response")
}

// --------------------------------------------------------------------------
// Repair
// --------------------------------------------------------------------------

// RepairRequest asks a peer for the entries in the half open range
// [Start, End).
type RepairRequest struct {
	Start OpNumber
	End   OpNumber
}

func (r *RepairRequest) Kind() MessageKind { return KindRepairRequest }

func (r *RepairRequest) validate(ViewNumber) *Error {
	if r.Start == 0 || r.Start >= r.End {
		return NewErrorf(RetCProtocolViolation,
			"repair_request with malformed range [%d, %d)", r.Start, r.End)
	}
	return nil
}

// RepairResponse returns entries for a RepairRequest. Start and End echo
// the request so the receiver can match the response to what it asked for.
// Entries always begin at Start; a peer whose log ends inside the range
// serves what it has, so the run may stop short of End.
type RepairResponse struct {
	Start   OpNumber
	End     OpNumber
	Entries []LogEntry
}

func (r *RepairResponse) Kind() MessageKind { return KindRepairResponse }

func (r *RepairResponse) validate(ViewNumber) *Error {
	if r.Start == 0 || r.Start >= r.End {
		return NewErrorf(RetCProtocolViolation,
			"repair_response with malformed range [%d, %d)", r.Start, r.End)
	}
	if len(r.Entries) == 0 {
		return NewError(RetCProtocolViolation, "repair_response without entries")
	}
	if r.Entries[0].OpNumber != r.Start {
		return NewErrorf(RetCProtocolViolation,
			"repair_response entries begin at %s, range at %d", r.Entries[0].OpNumber, r.Start)
	}
	if last := r.Entries[len(r.Entries)-1].OpNumber; uint64(last) >= uint64(r.End) {
		return NewErrorf(RetCProtocolViolation,
			"repair_response entries run to %s, past the range end %d", last, r.End)
	}
	return validateEntries(r.Entries, "repair_response")
}

// RepairNack tells the requester that the sender cannot serve the range,
// and why. NackNotSeen answers count as evidence that the range was never
// replicated; the other reasons never do.
type RepairNack struct {
	Start  OpNumber
	End    OpNumber
	Reason NackReason
}

func (r *RepairNack) Kind() MessageKind { return KindRepairNack }

func (r *RepairNack) validate(ViewNumber) *Error {
	if r.Start == 0 || r.Start >= r.End {
		return NewErrorf(RetCProtocolViolation,
			"repair_nack with malformed range [%d, %d)", r.Start, r.End)
	}
	if r.Reason > NackRecovering {
		return NewErrorf(RetCProtocolViolation, "repair_nack with unknown reason %d", r.Reason)
	}
	return nil
}

// --------------------------------------------------------------------------
// Clock Sampling
// --------------------------------------------------------------------------

// Ping probes a peer for a clock sample. Monotonic is the sender's
// monotonic reading at send time and comes back in the Pong, so the sender
// can measure the round trip without trusting the peer's clock.
type Ping struct {
	Monotonic int64
}

func (p *Ping) Kind() MessageKind { return KindPing }

func (p *Ping) validate(ViewNumber) *Error { return nil }

// Pong answers a Ping with the origin's monotonic reading and the
// responder's realtime reading.
type Pong struct {
	Origin   int64 // echoed Ping.Monotonic
	Realtime int64 // responder's wall clock, nanoseconds
}

func (p *Pong) Kind() MessageKind { return KindPong }

func (p *Pong) validate(ViewNumber) *Error { return nil }

// --------------------------------------------------------------------------
// Shared Validation Helpers
// --------------------------------------------------------------------------

// validateEntries checks that a run of entries is gap free and every entry
// passes its checksum.
func validateEntries(entries []LogEntry, kind string) *Error {
	for i, e := range entries {
		if !e.VerifyChecksum() {
			return NewErrorf(RetCProtocolViolation, "%s entry %s fails checksum", kind, e.OpNumber)
		}
		if i > 0 && e.OpNumber != entries[i-1].OpNumber.Next() {
			return NewErrorf(RetCProtocolViolation,
				"%s entries jump from %s to %s", kind, entries[i-1].OpNumber, e.OpNumber)
		}
	}
	return nil
}
