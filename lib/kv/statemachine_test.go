package kv

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ValentinKolb/dLog/lib/vsr"
)

// applyCommand runs one command through the state machine and decodes
// the result.
func applyCommand(t *testing.T, m *StateMachine, op vsr.OpNumber, cmd Command) Result {
	t.Helper()
	res, err := DecodeResult(m.Apply(op, cmd.Serialize()))
	if err != nil {
		t.Fatalf("Apply returned an undecodable result: %v", err)
	}
	return res
}

// TestStateMachineApply covers the write and read paths.
func TestStateMachineApply(t *testing.T) {
	m := NewStateMachine(NewMapEngine(nil))
	defer m.Engine().Close()

	t.Run("set and get", func(t *testing.T) {
		res := applyCommand(t, m, 1, Command{Type: CommandTSet, Key: "k", Value: []byte("v")})
		if res.Code != RetCSuccess {
			t.Fatalf("set failed: %s", res.Value)
		}
		if !strings.Contains(string(res.Value), "set: key=k") {
			t.Errorf("unexpected set message: %s", res.Value)
		}

		res = applyCommand(t, m, 2, Command{Type: CommandTGet, Key: "k"})
		if res.Code != RetCSuccess || !res.Found {
			t.Fatalf("get failed: code=%s found=%v", res.Code, res.Found)
		}
		if !bytes.Equal(res.Value, []byte("v")) {
			t.Errorf("get returned %q, want %q", res.Value, "v")
		}
	})

	t.Run("has", func(t *testing.T) {
		res := applyCommand(t, m, 3, Command{Type: CommandTHas, Key: "k"})
		if !res.Found {
			t.Error("has should find the key")
		}
		res = applyCommand(t, m, 4, Command{Type: CommandTHas, Key: "missing"})
		if res.Found {
			t.Error("has should not find a missing key")
		}
	})

	t.Run("delete", func(t *testing.T) {
		res := applyCommand(t, m, 5, Command{Type: CommandTDelete, Key: "k"})
		if res.Code != RetCSuccess {
			t.Fatalf("delete failed: %s", res.Value)
		}
		res = applyCommand(t, m, 6, Command{Type: CommandTGet, Key: "k"})
		if res.Found {
			t.Error("get should miss after delete")
		}
	})

	t.Run("get miss reports found false not error", func(t *testing.T) {
		res := applyCommand(t, m, 7, Command{Type: CommandTGet, Key: "never-set"})
		if res.Code != RetCSuccess {
			t.Errorf("a miss is not an error, got code %s", res.Code)
		}
		if res.Found {
			t.Error("miss should report found=false")
		}
	})
}

// TestStateMachineExpiryThroughOps checks that TTLs count in op numbers
// across commands, reads included.
func TestStateMachineExpiryThroughOps(t *testing.T) {
	m := NewStateMachine(NewMapEngine(nil))
	defer m.Engine().Close()

	// ExpireIn 2 at op 1: the value dies at op 3
	res := applyCommand(t, m, 1, Command{Type: CommandTSetE, Key: "k", Value: []byte("v"), ExpireIn: 2})
	if res.Code != RetCSuccess {
		t.Fatalf("setE failed: %s", res.Value)
	}

	res = applyCommand(t, m, 2, Command{Type: CommandTGet, Key: "k"})
	if !res.Found {
		t.Error("value should still be live at op 2")
	}

	res = applyCommand(t, m, 3, Command{Type: CommandTGet, Key: "k"})
	if res.Found {
		t.Error("value should be expired at op 3")
	}

	res = applyCommand(t, m, 4, Command{Type: CommandTHas, Key: "k"})
	if !res.Found {
		t.Error("expired key should still answer Has until deleted")
	}
}

// TestStateMachineRejectsBadCommands covers the error paths.
func TestStateMachineRejectsBadCommands(t *testing.T) {
	m := NewStateMachine(NewMapEngine(nil))
	defer m.Engine().Close()

	t.Run("empty command", func(t *testing.T) {
		res, err := DecodeResult(m.Apply(1, nil))
		if err != nil {
			t.Fatal(err)
		}
		if res.Code != RetCInvalidOperation {
			t.Errorf("expected invalid operation, got %s", res.Code)
		}
	})

	t.Run("garbage bytes", func(t *testing.T) {
		res, err := DecodeResult(m.Apply(2, []byte{0xDE, 0xAD}))
		if err != nil {
			t.Fatal(err)
		}
		if res.Code != RetCInternalError {
			t.Errorf("expected internal error, got %s", res.Code)
		}
		if !strings.Contains(string(res.Value), "deserialize") {
			t.Errorf("unexpected message: %s", res.Value)
		}
	})

	t.Run("unknown operation", func(t *testing.T) {
		cmd := Command{Type: CommandType(77), Key: "k"}
		res, err := DecodeResult(m.Apply(3, cmd.Serialize()))
		if err != nil {
			t.Fatal(err)
		}
		if res.Code != RetCInvalidOperation {
			t.Errorf("expected invalid operation, got %s", res.Code)
		}
	})
}

// TestStateMachineUnsupportedFeature checks the feature gate with the
// cache engine, which has no TTL support.
func TestStateMachineUnsupportedFeature(t *testing.T) {
	m := NewStateMachine(NewCacheEngine(1 << 20))
	defer m.Engine().Close()

	res := applyCommand(t, m, 1, Command{Type: CommandTSetE, Key: "k", Value: []byte("v"), ExpireIn: 5})
	if res.Code != RetCUnsupportedOperation {
		t.Fatalf("expected unsupported operation, got %s", res.Code)
	}
	if !strings.Contains(string(res.Value), "not supported") {
		t.Errorf("unexpected message: %s", res.Value)
	}

	// the op must be consumed without touching the store
	res = applyCommand(t, m, 2, Command{Type: CommandTHas, Key: "k"})
	if res.Found {
		t.Error("rejected command must not write")
	}

	res = applyCommand(t, m, 3, Command{Type: CommandTSet, Key: "k", Value: []byte("v")})
	if res.Code != RetCSuccess {
		t.Fatalf("plain set should work on the cache engine: %s", res.Value)
	}
}
