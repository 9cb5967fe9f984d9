package vsr

import (
	"testing"
)

// tailOf builds a consecutive, correctly chained run of entries covering
// the ops (commit, tip].
func tailOf(commit CommitNumber, tip OpNumber) []LogEntry {
	l := NewLog()
	for op := OpNumber(1); op <= tip; op++ {
		l.Append(0, []byte{byte(op)})
	}
	tail := l.TailAfter(OpNumber(commit), int(uint64(tip)-uint64(commit)))
	return tail
}

func TestMessageValidate(t *testing.T) {
	cfg, err := NewClusterConfig([]ReplicaID{0, 1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry := NewLogEntry(4, 1, []byte("cmd"), GenesisHash())
	staleEntry := NewLogEntry(4, 0, []byte("cmd"), GenesisHash())
	badEntry := entry
	badEntry.Checksum ^= 1

	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{
			name: "valid prepare",
			msg:  Message{From: 1, To: 0, View: 1, Payload: &Prepare{Entry: entry, Commit: 3}},
		},
		{
			name:    "prepare from stranger",
			msg:     Message{From: 9, To: 0, View: 1, Payload: &Prepare{Entry: entry, Commit: 3}},
			wantErr: true,
		},
		{
			name:    "prepare entry from other view",
			msg:     Message{From: 1, To: 0, View: 1, Payload: &Prepare{Entry: staleEntry, Commit: 3}},
			wantErr: true,
		},
		{
			name:    "prepare with corrupt entry",
			msg:     Message{From: 1, To: 0, View: 1, Payload: &Prepare{Entry: badEntry, Commit: 3}},
			wantErr: true,
		},
		{
			name:    "prepare committing its own op",
			msg:     Message{From: 1, To: 0, View: 1, Payload: &Prepare{Entry: entry, Commit: 4}},
			wantErr: true,
		},
		{
			name:    "missing payload",
			msg:     Message{From: 1, To: 0, View: 1},
			wantErr: true,
		},
		{
			name: "valid prepare_ok",
			msg:  Message{From: 2, To: 1, View: 1, Payload: &PrepareOk{OpNumber: 4}},
		},
		{
			name:    "prepare_ok for op zero",
			msg:     Message{From: 2, To: 1, View: 1, Payload: &PrepareOk{}},
			wantErr: true,
		},
		{
			name: "commit heartbeat",
			msg:  Message{From: 1, To: 0, View: 1, Payload: &Commit{Commit: 3}},
		},
		{
			name:    "view change into view zero",
			msg:     Message{From: 0, To: 1, View: 0, Payload: &StartViewChange{}},
			wantErr: true,
		},
		{
			name: "valid repair request",
			msg:  Message{From: 0, To: 2, View: 1, Payload: &RepairRequest{Start: 2, End: 5}},
		},
		{
			name:    "repair request with empty range",
			msg:     Message{From: 0, To: 2, View: 1, Payload: &RepairRequest{Start: 5, End: 5}},
			wantErr: true,
		},
		{
			name:    "repair request with inverted range",
			msg:     Message{From: 0, To: 2, View: 1, Payload: &RepairRequest{Start: 5, End: 2}},
			wantErr: true,
		},
		{
			name:    "repair nack with unknown reason",
			msg:     Message{From: 0, To: 2, View: 1, Payload: &RepairNack{Start: 1, End: 2, Reason: 99}},
			wantErr: true,
		},
		{
			name:    "repair response without entries",
			msg:     Message{From: 2, To: 0, View: 1, Payload: &RepairResponse{}},
			wantErr: true,
		},
		{
			name:    "get_state commit beyond tip",
			msg:     Message{From: 0, To: 1, View: 1, Payload: &GetState{Nonce: 7, OpNumber: 3, Commit: 5}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate(cfg)
			if tt.wantErr && err == nil {
				t.Errorf("Validate(%s) accepted an invalid message", &tt.msg)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate(%s) rejected a valid message: %v", &tt.msg, err)
			}
			if tt.wantErr && err != nil && err.Code != RetCProtocolViolation {
				t.Errorf("error code = %s, want ProtocolViolation", err.Code)
			}
		})
	}
}

func TestDoViewChangeValidation(t *testing.T) {
	cfg, err := NewClusterConfig([]ReplicaID{0, 1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wrap := func(p Payload) Message {
		return Message{From: 0, To: 1, View: 1, Payload: p}
	}

	t.Run("accepts consistent claim", func(t *testing.T) {
		msg := wrap(&DoViewChange{
			LastNormalView: 0,
			OpNumber:       5,
			Commit:         3,
			Log:            tailOf(3, 5),
		})
		if err := msg.Validate(cfg); err != nil {
			t.Errorf("consistent do_view_change rejected: %v", err)
		}
	})

	t.Run("rejects commit beyond tip", func(t *testing.T) {
		// A replica claiming 1000 commits out of a 10 entry log is lying
		// about one of the two numbers.
		msg := wrap(&DoViewChange{
			LastNormalView: 0,
			OpNumber:       10,
			Commit:         1000,
			Log:            nil,
		})
		if err := msg.Validate(cfg); err == nil {
			t.Error("commit beyond tip accepted")
		}
	})

	t.Run("rejects short tail", func(t *testing.T) {
		tail := tailOf(3, 5)
		msg := wrap(&DoViewChange{
			LastNormalView: 0,
			OpNumber:       5,
			Commit:         3,
			Log:            tail[:1], // claims (3, 5] but carries one entry
		})
		if err := msg.Validate(cfg); err == nil {
			t.Error("undersized tail accepted")
		}
	})

	t.Run("rejects tail ending early", func(t *testing.T) {
		tail := tailOf(2, 5) // ops 3..5
		msg := wrap(&DoViewChange{
			LastNormalView: 0,
			OpNumber:       6,
			Commit:         3,
			Log:            tail,
		})
		if err := msg.Validate(cfg); err == nil {
			t.Error("tail not reaching the claimed tip accepted")
		}
	})

	t.Run("rejects last normal view at or past new view", func(t *testing.T) {
		msg := wrap(&DoViewChange{
			LastNormalView: 1,
			OpNumber:       0,
			Commit:         0,
		})
		if err := msg.Validate(cfg); err == nil {
			t.Error("last normal view equal to new view accepted")
		}
	})

	t.Run("rejects gapped tail", func(t *testing.T) {
		tail := tailOf(2, 5)
		tail[1].OpNumber = 9 // break the run
		msg := wrap(&DoViewChange{
			LastNormalView: 0,
			OpNumber:       5,
			Commit:         2,
			Log:            tail,
		})
		if err := msg.Validate(cfg); err == nil {
			t.Error("gapped tail accepted")
		}
	})
}

func TestGetStateResponseValidation(t *testing.T) {
	cfg, err := NewClusterConfig([]ReplicaID{0, 1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("accepts entries ending at tip", func(t *testing.T) {
		msg := Message{From: 1, To: 0, View: 2, Payload: &GetStateResponse{
			Nonce:    42,
			OpNumber: 5,
			Commit:   5,
			Entries:  tailOf(2, 5),
		}}
		if err := msg.Validate(cfg); err != nil {
			t.Errorf("valid response rejected: %v", err)
		}
	})

	t.Run("rejects entries ending elsewhere", func(t *testing.T) {
		msg := Message{From: 1, To: 0, View: 2, Payload: &GetStateResponse{
			Nonce:    42,
			OpNumber: 9,
			Commit:   5,
			Entries:  tailOf(2, 5),
		}}
		if err := msg.Validate(cfg); err == nil {
			t.Error("response with entries ending before the tip accepted")
		}
	})
}

func TestMessageKindNames(t *testing.T) {
	payloads := []Payload{
		&Prepare{}, &PrepareOk{}, &Commit{},
		&StartViewChange{}, &DoViewChange{}, &StartView{},
		&GetState{}, &GetStateResponse{},
		&RepairRequest{}, &RepairResponse{}, &RepairNack{},
		&Ping{}, &Pong{},
	}

	seen := make(map[string]bool)
	for _, p := range payloads {
		name := p.Kind().String()
		if name == "unknown" {
			t.Errorf("%T has no kind name", p)
		}
		if seen[name] {
			t.Errorf("kind name %q used twice", name)
		}
		seen[name] = true
	}
}
