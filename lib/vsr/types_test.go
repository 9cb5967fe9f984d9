package vsr

import (
	"testing"
)

func TestQuorumArithmetic(t *testing.T) {
	tests := []struct {
		name        string
		clusterSize int
		quorum      int
		maxFailures int
	}{
		{"single node", 1, 1, 0},
		{"two nodes", 2, 2, 0},
		{"three nodes", 3, 2, 1},
		{"four nodes", 4, 3, 1},
		{"five nodes", 5, 3, 2},
		{"seven nodes", 7, 4, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QuorumSize(tt.clusterSize); got != tt.quorum {
				t.Errorf("QuorumSize(%d) = %d, want %d", tt.clusterSize, got, tt.quorum)
			}
			if got := MaxFailures(tt.clusterSize); got != tt.maxFailures {
				t.Errorf("MaxFailures(%d) = %d, want %d", tt.clusterSize, got, tt.maxFailures)
			}
		})
	}
}

func TestCommitNumberCoverage(t *testing.T) {
	c := CommitNumber(5)

	if !c.IsCommitted(1) {
		t.Error("op 1 should be committed under commit 5")
	}
	if !c.IsCommitted(5) {
		t.Error("op 5 should be committed under commit 5")
	}
	if c.IsCommitted(6) {
		t.Error("op 6 should not be committed under commit 5")
	}

	zero := CommitNumber(0)
	if zero.IsCommitted(1) {
		t.Error("nothing is committed under commit 0")
	}
}

func TestReplicaStatusCapabilities(t *testing.T) {
	tests := []struct {
		status      ReplicaStatus
		processes   bool
		participate bool
	}{
		{StatusNormal, true, true},
		{StatusViewChange, false, true},
		{StatusRecovering, false, false},
		{StatusStateTransfer, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := tt.status.CanProcessRequests(); got != tt.processes {
				t.Errorf("CanProcessRequests() = %v, want %v", got, tt.processes)
			}
			if got := tt.status.CanParticipate(); got != tt.participate {
				t.Errorf("CanParticipate() = %v, want %v", got, tt.participate)
			}
		})
	}
}

func TestLogEntryChecksum(t *testing.T) {
	entry := NewLogEntry(1, 0, []byte("set x=1"), GenesisHash())

	if !entry.VerifyChecksum() {
		t.Fatal("fresh entry must pass checksum verification")
	}

	t.Run("tampered command", func(t *testing.T) {
		bad := entry
		bad.Command = append([]byte(nil), entry.Command...)
		bad.Command[0] ^= 0xff
		if bad.VerifyChecksum() {
			t.Error("flipped command byte not detected")
		}
	})

	t.Run("tampered chain hash", func(t *testing.T) {
		bad := entry
		bad.ChainHash[3] ^= 0x01
		if bad.VerifyChecksum() {
			t.Error("flipped chain hash byte not detected")
		}
	})

	t.Run("tampered op number", func(t *testing.T) {
		bad := entry
		bad.OpNumber = 2
		if bad.VerifyChecksum() {
			t.Error("changed op number not detected")
		}
	})
}

func TestChainHashLinks(t *testing.T) {
	// The same command sequence must produce the same tip hash regardless
	// of which replica builds it.
	commands := [][]byte{[]byte("a"), []byte("b"), []byte("c")}

	build := func() ChainHash {
		prev := GenesisHash()
		for i, cmd := range commands {
			e := NewLogEntry(OpNumber(i+1), 0, cmd, prev)
			prev = e.ChainHash
		}
		return prev
	}

	first, second := build(), build()
	if first != second {
		t.Fatal("identical command sequences produced different tip hashes")
	}

	// A different command anywhere changes the tip.
	prev := GenesisHash()
	prev = NewLogEntry(1, 0, []byte("a"), prev).ChainHash
	prev = NewLogEntry(2, 0, []byte("B"), prev).ChainHash
	prev = NewLogEntry(3, 0, []byte("c"), prev).ChainHash
	if prev == first {
		t.Fatal("diverging command sequences produced the same tip hash")
	}
}

func TestChainHashDependsOnOrder(t *testing.T) {
	g := GenesisHash()

	ab := NextChainHash(NextChainHash(g, []byte("a")), []byte("b"))
	ba := NextChainHash(NextChainHash(g, []byte("b")), []byte("a"))

	if ab == ba {
		t.Fatal("chain hash must depend on command order")
	}
}

func TestNackReasonNames(t *testing.T) {
	tests := []struct {
		reason NackReason
		want   string
	}{
		{NackNotSeen, "not_seen"},
		{NackSeenButCorrupt, "seen_but_corrupt"},
		{NackRecovering, "recovering"},
	}

	for _, tt := range tests {
		if got := tt.reason.String(); got != tt.want {
			t.Errorf("NackReason(%d).String() = %q, want %q", tt.reason, got, tt.want)
		}
	}
}
