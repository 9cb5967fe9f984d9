package vsr

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// --------------------------------------------------------------------------
// Identifiers
// --------------------------------------------------------------------------

// ReplicaID identifies one member of the cluster. IDs are assigned in the
// topology file and must be unique within the cluster. They do not need to
// be contiguous; leader rotation walks the sorted member list, not the ID
// space.
type ReplicaID uint8

// String returns the canonical textual form, e.g. "replica-3".
func (r ReplicaID) String() string {
	return fmt.Sprintf("replica-%d", r)
}

// ClientID identifies a registered client session.
type ClientID uint64

// RequestNumber orders the requests of one client session. A session accepts
// a request only if its number is strictly greater than the last one it has
// seen, or equal to it (which returns the cached result).
type RequestNumber uint64

// --------------------------------------------------------------------------
// Protocol Counters
// --------------------------------------------------------------------------

// OpNumber is the position of an entry in the replicated log. Op numbers
// start at 1 and are gap free; 0 means "no entry".
type OpNumber uint64

// Next returns the op number that follows o.
func (o OpNumber) Next() OpNumber { return o + 1 }

func (o OpNumber) String() string { return fmt.Sprintf("op-%d", o) }

// ViewNumber counts leadership terms. It only ever increases; each view has
// exactly one leader determined by the cluster configuration.
type ViewNumber uint64

// Next returns the view that follows v.
func (v ViewNumber) Next() ViewNumber { return v + 1 }

func (v ViewNumber) String() string { return fmt.Sprintf("view-%d", v) }

// CommitNumber is the highest op number known to be committed. Everything at
// or below it is durable on a quorum and may be applied.
type CommitNumber uint64

// IsCommitted reports whether op is covered by this commit number.
func (c CommitNumber) IsCommitted(op OpNumber) bool {
	return uint64(op) <= uint64(c)
}

func (c CommitNumber) String() string { return fmt.Sprintf("commit-%d", c) }

// --------------------------------------------------------------------------
// Replica Status
// --------------------------------------------------------------------------

// ReplicaStatus is the coarse operating mode of a replica. The status gates
// which messages the replica may process and whether it counts towards
// quorums.
type ReplicaStatus uint8

const (
	// StatusNormal: the replica processes client requests and participates
	// in the protocol.
	StatusNormal ReplicaStatus = iota
	// StatusViewChange: a leader change is in progress. The replica
	// participates in the view change but rejects client requests.
	StatusViewChange
	// StatusRecovering: the replica restarted and is rebuilding its state
	// from its peers. It neither processes requests nor counts towards any
	// quorum.
	StatusRecovering
	// StatusStateTransfer: the replica fell too far behind and is fetching
	// the missing log suffix. Like Recovering, it is not a quorum member.
	StatusStateTransfer
)

// String returns the symbolic name of the status.
func (s ReplicaStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusViewChange:
		return "view-change"
	case StatusRecovering:
		return "recovering"
	case StatusStateTransfer:
		return "state-transfer"
	default:
		return "unknown"
	}
}

// CanProcessRequests reports whether the replica may accept client requests
// in this status.
func (s ReplicaStatus) CanProcessRequests() bool {
	return s == StatusNormal
}

// CanParticipate reports whether the replica may take part in the
// replication and view change protocols in this status.
func (s ReplicaStatus) CanParticipate() bool {
	return s == StatusNormal || s == StatusViewChange
}

// --------------------------------------------------------------------------
// Quorum Arithmetic
// --------------------------------------------------------------------------

// QuorumSize returns the number of replicas that form a majority in a
// cluster of n members: floor(n/2) + 1.
func QuorumSize(n int) int {
	return n/2 + 1
}

// MaxFailures returns the number of simultaneous replica failures a cluster
// of n members tolerates: floor((n-1)/2).
func MaxFailures(n int) int {
	return (n - 1) / 2
}

// --------------------------------------------------------------------------
// Log Entries
// --------------------------------------------------------------------------

// ChainHashSize is the size of a chain hash in bytes (SHA-256).
const ChainHashSize = 32

// ChainHash is the cumulative hash over the command history up to and
// including one entry. Two logs with the same tip hash provably hold the
// same command sequence.
type ChainHash [ChainHashSize]byte

func (h ChainHash) String() string {
	return fmt.Sprintf("%x", h[:8])
}

// GenesisHash returns the chain hash an empty log starts from. Entry 1
// chains from this value on every replica.
func GenesisHash() ChainHash {
	return sha256.Sum256([]byte("dLog/v1/genesis"))
}

// NextChainHash computes the chain hash of an entry holding command, given
// the hash of the preceding entry (or the genesis hash for the first entry).
func NextChainHash(prev ChainHash, command []byte) ChainHash {
	h := sha256.New()
	h.Write(prev[:])
	h.Write(command)
	var out ChainHash
	copy(out[:], h.Sum(nil))
	return out
}

// LogEntry is one slot of the replicated log. Entries are immutable once
// created; a replica that needs to change history truncates and re-appends.
type LogEntry struct {
	OpNumber  OpNumber   // position in the log, gap free, starting at 1
	View      ViewNumber // view in which the entry was created
	Command   []byte     // opaque state machine command
	ChainHash ChainHash  // cumulative hash up to and including this entry
	Checksum  uint32     // CRC-32 (IEEE) over all fields above
}

// NewLogEntry builds the entry for command at position op in view view,
// chaining from prev (the chain hash of the entry at op-1, or the genesis
// hash). The checksum is computed over the complete entry.
func NewLogEntry(op OpNumber, view ViewNumber, command []byte, prev ChainHash) LogEntry {
	e := LogEntry{
		OpNumber:  op,
		View:      view,
		Command:   command,
		ChainHash: NextChainHash(prev, command),
	}
	e.Checksum = e.computeChecksum()
	return e
}

// computeChecksum calculates the CRC-32 over op number, view, chain hash and
// command. The checksum covers the chain hash so that a flipped hash byte is
// caught without recomputing the chain.
func (e *LogEntry) computeChecksum() uint32 {
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(e.OpNumber))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(e.View))

	crc := crc32.NewIEEE()
	crc.Write(hdr[:])
	crc.Write(e.ChainHash[:])
	crc.Write(e.Command)
	return crc.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the entry
// content.
func (e *LogEntry) VerifyChecksum() bool {
	return e.Checksum == e.computeChecksum()
}

// SizeBytes returns the in-memory footprint of the entry that the log
// accounts for.
func (e *LogEntry) SizeBytes() int64 {
	return int64(len(e.Command)) + 16 + ChainHashSize + 4
}

func (e LogEntry) String() string {
	return fmt.Sprintf("entry{%s %s len=%d hash=%s}", e.OpNumber, e.View, len(e.Command), e.ChainHash)
}

// --------------------------------------------------------------------------
// Repair Nack Reasons
// --------------------------------------------------------------------------

// NackReason tells a repairing replica why a peer could not serve a repair
// request. The reason decides whether the range counts as evidence for
// protocol-assisted truncation.
type NackReason uint8

const (
	// NackNotSeen: the peer has never held the requested range.
	NackNotSeen NackReason = iota
	// NackSeenButCorrupt: the peer holds the range but its copy fails
	// verification. The range must not be truncated based on this peer.
	NackSeenButCorrupt
	// NackRecovering: the peer is rebuilding its own state and cannot
	// vouch for anything.
	NackRecovering
)

// String returns the symbolic name of the reason.
func (n NackReason) String() string {
	switch n {
	case NackNotSeen:
		return "not_seen"
	case NackSeenButCorrupt:
		return "seen_but_corrupt"
	case NackRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}
