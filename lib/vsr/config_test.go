package vsr

import (
	"testing"
)

func TestNewClusterConfig(t *testing.T) {
	t.Run("sorts members", func(t *testing.T) {
		cfg, err := NewClusterConfig([]ReplicaID{2, 0, 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, want := range []ReplicaID{0, 1, 2} {
			if cfg.Members[i] != want {
				t.Errorf("Members[%d] = %s, want %s", i, cfg.Members[i], want)
			}
		}
	})

	t.Run("rejects empty", func(t *testing.T) {
		if _, err := NewClusterConfig(nil); err == nil {
			t.Error("expected error for empty member list")
		}
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		if _, err := NewClusterConfig([]ReplicaID{0, 1, 1}); err == nil {
			t.Error("expected error for duplicate member")
		}
	})
}

func TestLeaderRotation(t *testing.T) {
	cfg, err := NewClusterConfig([]ReplicaID{0, 1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		view   ViewNumber
		leader ReplicaID
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 0}, // wraps around
		{4, 1},
		{100, 1},
	}

	for _, tt := range tests {
		if got := cfg.LeaderForView(tt.view); got != tt.leader {
			t.Errorf("LeaderForView(%s) = %s, want %s", tt.view, got, tt.leader)
		}
	}
}

func TestLeaderRotationSparseIDs(t *testing.T) {
	// IDs need not be contiguous; rotation walks the sorted member list.
	cfg, err := NewClusterConfig([]ReplicaID{7, 3, 11})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []ReplicaID{3, 7, 11, 3}
	for v, leader := range want {
		if got := cfg.LeaderForView(ViewNumber(v)); got != leader {
			t.Errorf("LeaderForView(view-%d) = %s, want %s", v, got, leader)
		}
	}
}

func TestSingleNodeConfig(t *testing.T) {
	cfg := SingleNodeConfig(5)

	if cfg.Size() != 1 {
		t.Errorf("Size() = %d, want 1", cfg.Size())
	}
	if cfg.QuorumSize() != 1 {
		t.Errorf("QuorumSize() = %d, want 1", cfg.QuorumSize())
	}
	if cfg.MaxFailures() != 0 {
		t.Errorf("MaxFailures() = %d, want 0", cfg.MaxFailures())
	}
	for v := ViewNumber(0); v < 5; v++ {
		if got := cfg.LeaderForView(v); got != 5 {
			t.Errorf("LeaderForView(%s) = %s, want replica-5", v, got)
		}
	}
}

func TestPeersExcludesSelf(t *testing.T) {
	cfg, err := NewClusterConfig([]ReplicaID{0, 1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	peers := cfg.Peers(1)
	if len(peers) != 2 {
		t.Fatalf("len(Peers(1)) = %d, want 2", len(peers))
	}
	for _, p := range peers {
		if p == 1 {
			t.Error("Peers(1) must not contain replica-1")
		}
	}

	if !cfg.IsMember(2) {
		t.Error("IsMember(2) = false, want true")
	}
	if cfg.IsMember(9) {
		t.Error("IsMember(9) = true, want false")
	}
}
