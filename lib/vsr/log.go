package vsr

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Corruption Reports
// --------------------------------------------------------------------------

// CorruptionKind classifies why a log entry failed verification.
type CorruptionKind uint8

const (
	// CorruptionChecksum: the entry checksum does not match its content.
	// One or more bytes of the stored entry changed after creation.
	CorruptionChecksum CorruptionKind = iota
	// CorruptionChain: the entry checksum is intact but its chain hash
	// does not follow from the predecessor. The entry belongs to a
	// different history.
	CorruptionChain
)

func (k CorruptionKind) String() string {
	switch k {
	case CorruptionChecksum:
		return "checksum-mismatch"
	case CorruptionChain:
		return "chain-mismatch"
	default:
		return "unknown"
	}
}

// Corruption reports the first entry of a verified range that failed, and
// how.
type Corruption struct {
	Op   OpNumber
	Kind CorruptionKind
}

func (c *Corruption) String() string {
	return fmt.Sprintf("corruption at %s (%s)", c.Op, c.Kind)
}

// --------------------------------------------------------------------------
// Replicated Log
// --------------------------------------------------------------------------

// Log is the in-memory image of the replicated log. Op numbers start at 1
// and are gap free, so the entry with op number n lives at index n-1.
//
// The log is owned by the replica core and is not safe for concurrent use.
// Durability is layered on top: the core mirrors every mutation into the
// journal, and the journal rebuilds this image on startup.
type Log struct {
	entries   []LogEntry
	sizeBytes int64
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Len returns the number of entries in the log.
func (l *Log) Len() int {
	return len(l.entries)
}

// SizeBytes returns the accounted in-memory footprint of all entries.
func (l *Log) SizeBytes() int64 {
	return l.sizeBytes
}

// LastOp returns the op number of the newest entry, or 0 for an empty log.
func (l *Log) LastOp() OpNumber {
	return OpNumber(len(l.entries))
}

// TipHash returns the chain hash of the newest entry, or the genesis hash
// for an empty log.
func (l *Log) TipHash() ChainHash {
	if len(l.entries) == 0 {
		return GenesisHash()
	}
	return l.entries[len(l.entries)-1].ChainHash
}

// Get returns the entry with the given op number.
func (l *Log) Get(op OpNumber) (LogEntry, bool) {
	if op == 0 || uint64(op) > uint64(len(l.entries)) {
		return LogEntry{}, false
	}
	return l.entries[op-1], true
}

// LastEntry returns the newest entry.
func (l *Log) LastEntry() (LogEntry, bool) {
	return l.Get(l.LastOp())
}

// Append builds the next entry for command in the given view, chains it
// from the current tip and appends it. This is the leader path; backups
// receive finished entries and use AppendEntry.
func (l *Log) Append(view ViewNumber, command []byte) LogEntry {
	e := NewLogEntry(l.LastOp().Next(), view, command, l.TipHash())
	l.entries = append(l.entries, e)
	l.sizeBytes += e.SizeBytes()
	return e
}

// AppendEntry appends a finished entry received from the leader. The entry
// must be the direct successor of the current tip, pass its checksum, and
// chain from the tip hash. Any violation rejects the entry and leaves the
// log untouched.
func (l *Log) AppendEntry(e LogEntry) *Error {
	if e.OpNumber != l.LastOp().Next() {
		return NewErrorf(RetCProtocolViolation,
			"entry %s does not follow log tip %s", e.OpNumber, l.LastOp())
	}
	if !e.VerifyChecksum() {
		return NewErrorf(RetCProtocolViolation, "entry %s fails checksum", e.OpNumber)
	}
	if want := NextChainHash(l.TipHash(), e.Command); want != e.ChainHash {
		return NewErrorf(RetCProtocolViolation,
			"entry %s does not chain from local tip (want %s, got %s)",
			e.OpNumber, want, e.ChainHash)
	}
	l.entries = append(l.entries, e)
	l.sizeBytes += e.SizeBytes()
	return nil
}

// EntriesInRange returns the entries with op numbers in the half open range
// [start, end). It reports false if the range is malformed or not fully
// present.
func (l *Log) EntriesInRange(start, end OpNumber) ([]LogEntry, bool) {
	if start == 0 || start >= end {
		return nil, false
	}
	if uint64(end-1) > uint64(len(l.entries)) {
		return nil, false
	}
	out := make([]LogEntry, end-start)
	copy(out, l.entries[start-1:end-1])
	return out, true
}

// TailAfter returns up to max entries with op numbers greater than op, in
// order. It returns nil if the log holds nothing after op.
func (l *Log) TailAfter(op OpNumber, max int) []LogEntry {
	if uint64(op) >= uint64(len(l.entries)) || max <= 0 {
		return nil
	}
	tail := l.entries[op:]
	if len(tail) > max {
		tail = tail[:max]
	}
	out := make([]LogEntry, len(tail))
	copy(out, tail)
	return out
}

// VerifyRange checks every entry in the half open range [start, end)
// against its checksum and against the hash chain. It returns the first
// corruption found, or nil if the range is clean. Ranges reaching beyond
// the log tip are clipped.
func (l *Log) VerifyRange(start, end OpNumber) *Corruption {
	if start == 0 {
		start = 1
	}
	if uint64(end-1) > uint64(len(l.entries)) {
		end = OpNumber(len(l.entries)) + 1
	}
	for op := start; op < end; op++ {
		e := l.entries[op-1]
		if !e.VerifyChecksum() {
			return &Corruption{Op: op, Kind: CorruptionChecksum}
		}
		prev := GenesisHash()
		if op > 1 {
			prev = l.entries[op-2].ChainHash
		}
		if NextChainHash(prev, e.Command) != e.ChainHash {
			return &Corruption{Op: op, Kind: CorruptionChain}
		}
	}
	return nil
}

// ReplaceEntry swaps a corrupted entry for a repaired copy fetched from a
// peer. The replacement must pass its checksum and fit the chain on both
// sides: it must follow from its predecessor, and the successor (if any)
// must follow from it. This guarantees the repaired copy carries the exact
// command the corrupted one held.
func (l *Log) ReplaceEntry(e LogEntry) *Error {
	if e.OpNumber == 0 || uint64(e.OpNumber) > uint64(len(l.entries)) {
		return NewErrorf(RetCInvalidOperation, "no entry %s to replace", e.OpNumber)
	}
	if !e.VerifyChecksum() {
		return NewErrorf(RetCProtocolViolation, "replacement for %s fails checksum", e.OpNumber)
	}
	prev := GenesisHash()
	if e.OpNumber > 1 {
		prev = l.entries[e.OpNumber-2].ChainHash
	}
	if NextChainHash(prev, e.Command) != e.ChainHash {
		return NewErrorf(RetCProtocolViolation,
			"replacement for %s does not chain from its predecessor", e.OpNumber)
	}
	if uint64(e.OpNumber) < uint64(len(l.entries)) {
		next := l.entries[e.OpNumber]
		if NextChainHash(e.ChainHash, next.Command) != next.ChainHash {
			return NewErrorf(RetCProtocolViolation,
				"replacement for %s breaks the chain to %s", e.OpNumber, next.OpNumber)
		}
	}
	old := l.entries[e.OpNumber-1]
	l.sizeBytes += e.SizeBytes() - old.SizeBytes()
	l.entries[e.OpNumber-1] = e
	return nil
}

// TruncateAfter removes every entry with an op number greater than op.
// Truncating after the tip or beyond is a no-op.
func (l *Log) TruncateAfter(op OpNumber) {
	if uint64(op) >= uint64(len(l.entries)) {
		return
	}
	for _, e := range l.entries[op:] {
		l.sizeBytes -= e.SizeBytes()
	}
	l.entries = l.entries[:op]
}
