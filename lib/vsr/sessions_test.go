package vsr

import (
	"bytes"
	"testing"
)

func TestSessionLifecycle(t *testing.T) {
	table := NewSessionTable(10)

	// First contact: unknown client, request is new.
	if v, _ := table.CheckRequest(100, 1); v != VerdictNew {
		t.Fatalf("first request verdict = %s, want new", v)
	}

	table.AcceptUncommitted(100, 1)

	// A retry while the op is in flight is not re-executed.
	if v, _ := table.CheckRequest(100, 1); v != VerdictDuplicateInflight {
		t.Fatalf("in flight retry verdict = %s, want duplicate-inflight", v)
	}

	s := table.CommitRequest(100, 1, []byte("ok"), 1)
	if s.ID != 1 {
		t.Errorf("first session ID = %d, want 1", s.ID)
	}

	// A retry after commit returns the cached result.
	v, cached := table.CheckRequest(100, 1)
	if v != VerdictDuplicateCommitted {
		t.Fatalf("committed retry verdict = %s, want duplicate-committed", v)
	}
	if !bytes.Equal(cached, []byte("ok")) {
		t.Errorf("cached result = %q, want %q", cached, "ok")
	}

	// The next request number is new, an older one is stale.
	if v, _ := table.CheckRequest(100, 2); v != VerdictNew {
		t.Errorf("next request verdict = %s, want new", v)
	}
	table.AcceptUncommitted(100, 2)
	table.CommitRequest(100, 2, []byte("ok2"), 2)
	if v, _ := table.CheckRequest(100, 1); v != VerdictStale {
		t.Errorf("old request verdict = %s, want stale", v)
	}
}

func TestSessionIDsAssignedInCommitOrder(t *testing.T) {
	table := NewSessionTable(10)

	table.CommitRequest(300, 1, nil, 1)
	table.CommitRequest(100, 1, nil, 2)
	table.CommitRequest(200, 1, nil, 3)

	// IDs follow commit order, not client ID order.
	wantIDs := map[ClientID]uint64{300: 1, 100: 2, 200: 3}
	for client, want := range wantIDs {
		s, ok := table.Get(client)
		if !ok {
			t.Fatalf("session for client %d missing", client)
		}
		if s.ID != want {
			t.Errorf("session ID for client %d = %d, want %d", client, s.ID, want)
		}
	}
}

func TestSessionEvictionByOldestCommit(t *testing.T) {
	table := NewSessionTable(3)

	table.CommitRequest(1, 1, nil, 1)
	table.CommitRequest(2, 1, nil, 2)
	table.CommitRequest(3, 1, nil, 3)

	// Refresh client 1; client 2 now holds the oldest commit.
	table.CommitRequest(1, 2, nil, 4)

	// A fourth client pushes the table over capacity.
	table.CommitRequest(4, 1, nil, 5)

	if table.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", table.Len())
	}
	if _, ok := table.Get(2); ok {
		t.Error("client 2 should have been evicted")
	}
	for _, client := range []ClientID{1, 3, 4} {
		if _, ok := table.Get(client); !ok {
			t.Errorf("client %d should have survived eviction", client)
		}
	}
}

func TestSessionClearUncommitted(t *testing.T) {
	table := NewSessionTable(10)

	table.AcceptUncommitted(7, 1)
	if v, _ := table.CheckRequest(7, 1); v != VerdictDuplicateInflight {
		t.Fatalf("verdict = %s, want duplicate-inflight", v)
	}

	// After a view change the in flight bookkeeping is gone and the
	// request may be resubmitted.
	table.ClearUncommitted()
	if v, _ := table.CheckRequest(7, 1); v != VerdictNew {
		t.Errorf("verdict after clear = %s, want new", v)
	}

	// Committed state survives the view change.
	table.CommitRequest(7, 1, []byte("r"), 1)
	table.ClearUncommitted()
	if v, _ := table.CheckRequest(7, 1); v != VerdictDuplicateCommitted {
		t.Errorf("committed verdict after clear = %s, want duplicate-committed", v)
	}
}
