package journal

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/dLog/lib/vsr"
)

// --------------------------------------------------------------------------
// Memory Journal
// --------------------------------------------------------------------------

// MemoryJournal keeps the journal in process memory. A replica running on
// it loses its state on restart and rejoins the cluster through state
// transfer, which is acceptable for tests and cache-style deployments.
// It enforces the same op continuity rules as the disk journal.
type MemoryJournal struct {
	mu      sync.Mutex
	meta    vsr.Metadata
	entries []vsr.LogEntry
	closed  bool
}

var _ vsr.IJournal = (*MemoryJournal)(nil)

// NewMemory returns an empty in-memory journal.
func NewMemory() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(e vsr.LogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("memory journal is closed")
	}
	if e.OpNumber != vsr.OpNumber(len(j.entries))+1 {
		return fmt.Errorf("append of %s does not extend the journal tail op-%d", e.OpNumber, len(j.entries))
	}
	j.entries = append(j.entries, e)
	return nil
}

func (j *MemoryJournal) Replace(e vsr.LogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("memory journal is closed")
	}
	if e.OpNumber < 1 || int(e.OpNumber) > len(j.entries) {
		return fmt.Errorf("replace of %s outside the journal range 1..%d", e.OpNumber, len(j.entries))
	}
	j.entries[e.OpNumber-1] = e
	return nil
}

func (j *MemoryJournal) Truncate(after vsr.OpNumber) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("memory journal is closed")
	}
	if int(after) < len(j.entries) {
		j.entries = j.entries[:after]
	}
	return nil
}

func (j *MemoryJournal) WriteMeta(m vsr.Metadata) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("memory journal is closed")
	}
	j.meta = m
	return nil
}

// Sync is a no-op, memory writes are immediately visible.
func (j *MemoryJournal) Sync() error {
	return nil
}

// Load returns a deep copy, callers cannot reach the journal's own
// buffers through it.
func (j *MemoryJournal) Load() (vsr.Metadata, []vsr.LogEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return vsr.Metadata{}, nil, fmt.Errorf("memory journal is closed")
	}
	entries := make([]vsr.LogEntry, len(j.entries))
	for i, e := range j.entries {
		cmd := make([]byte, len(e.Command))
		copy(cmd, e.Command)
		e.Command = cmd
		entries[i] = e
	}
	return j.meta, entries, nil
}

func (j *MemoryJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}
