package vsr

import (
	"github.com/ValentinKolb/dLog/lib/util"
)

// --------------------------------------------------------------------------
// Client Sessions
// --------------------------------------------------------------------------

// RequestVerdict classifies an incoming client request against the session
// table.
type RequestVerdict uint8

const (
	// VerdictNew: the request has not been seen and may enter the log.
	VerdictNew RequestVerdict = iota
	// VerdictDuplicateCommitted: the request is the session's newest
	// committed one; the cached result is returned without re-executing.
	VerdictDuplicateCommitted
	// VerdictDuplicateInflight: the request was already accepted and is
	// waiting for commit. The duplicate is dropped; the client gets its
	// reply when the original commits.
	VerdictDuplicateInflight
	// VerdictStale: the request number is below the session's newest one.
	// The result is long gone; the request is rejected.
	VerdictStale
)

func (v RequestVerdict) String() string {
	switch v {
	case VerdictNew:
		return "new"
	case VerdictDuplicateCommitted:
		return "duplicate-committed"
	case VerdictDuplicateInflight:
		return "duplicate-inflight"
	case VerdictStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Session is the replicated bookkeeping for one client. It stores the
// newest committed request and its result so a retried request is answered
// from the cache instead of executing twice.
type Session struct {
	// ID is the session number, assigned from 1 in commit order. Because
	// sessions are created at commit time, every replica assigns the same
	// IDs.
	ID uint64
	// Client identifies the client owning the session.
	Client ClientID
	// LastRequest is the newest committed request number.
	LastRequest RequestNumber
	// LastResult is the state machine result of LastRequest.
	LastResult []byte
	// CommitOp is the op number of the newest committed request. The
	// session with the smallest CommitOp is evicted when the table is
	// full.
	CommitOp OpNumber
}

// SessionTable tracks client sessions on one replica. All mutations happen
// at commit time in op order, so the table contents are identical on every
// replica at the same commit number.
//
// The uncommitted set is leader side bookkeeping only: it catches duplicate
// requests that arrive while the original is still in flight. It is
// discarded on every view change because the new leader rebuilds it from
// its own accepted requests.
//
// Not safe for concurrent use; owned by the replica core.
type SessionTable struct {
	max         int
	nextID      uint64
	byClient    map[ClientID]*Session
	evict       *util.MapHeap
	uncommitted map[ClientID]RequestNumber
}

// NewSessionTable creates a table capped at max sessions. A max of 0 falls
// back to DefaultMaxSessions.
func NewSessionTable(max int) *SessionTable {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &SessionTable{
		max:         max,
		nextID:      1,
		byClient:    make(map[ClientID]*Session),
		evict:       util.NewMapHeap(),
		uncommitted: make(map[ClientID]RequestNumber),
	}
}

// Len returns the number of registered sessions.
func (t *SessionTable) Len() int {
	return len(t.byClient)
}

// Get returns the session of a client.
func (t *SessionTable) Get(client ClientID) (*Session, bool) {
	s, ok := t.byClient[client]
	return s, ok
}

// CheckRequest classifies a client request. For VerdictDuplicateCommitted
// the cached result is returned alongside.
func (t *SessionTable) CheckRequest(client ClientID, req RequestNumber) (RequestVerdict, []byte) {
	if s, ok := t.byClient[client]; ok {
		switch {
		case req == s.LastRequest:
			return VerdictDuplicateCommitted, s.LastResult
		case req < s.LastRequest:
			return VerdictStale, nil
		}
	}
	if pending, ok := t.uncommitted[client]; ok && req <= pending {
		return VerdictDuplicateInflight, nil
	}
	return VerdictNew, nil
}

// AcceptUncommitted records that the leader accepted a request and appended
// it to the log. Until the op commits, retries of the same request are
// classified as in flight.
func (t *SessionTable) AcceptUncommitted(client ClientID, req RequestNumber) {
	if pending, ok := t.uncommitted[client]; !ok || req > pending {
		t.uncommitted[client] = req
	}
}

// ClearUncommitted drops all in flight bookkeeping. Called on every view
// change; the accepted ops either survived into the new view (and will
// commit) or were discarded with the old leader's tail.
func (t *SessionTable) ClearUncommitted() {
	t.uncommitted = make(map[ClientID]RequestNumber)
}

// CommitRequest updates the session of client with the result of the
// request committed at op. First commits register the session, evicting
// the session with the oldest commit if the table is full. Returns the
// updated session.
func (t *SessionTable) CommitRequest(client ClientID, req RequestNumber, result []byte, op OpNumber) *Session {
	if pending, ok := t.uncommitted[client]; ok && pending <= req {
		delete(t.uncommitted, client)
	}

	s, ok := t.byClient[client]
	if !ok {
		if len(t.byClient) >= t.max {
			t.evictOldest()
		}
		s = &Session{ID: t.nextID, Client: client}
		t.nextID++
		t.byClient[client] = s
	}

	s.LastRequest = req
	s.LastResult = result
	s.CommitOp = op
	t.evict.AddItem(uint64(client), uint64(op))
	return s
}

// evictOldest removes the session whose newest commit is oldest.
func (t *SessionTable) evictOldest() {
	key, ok := t.evict.PopMin()
	if !ok {
		return
	}
	delete(t.byClient, ClientID(key))
}
