package kv

import (
	"bytes"
	"strings"
	"testing"
)

// TestCommandSizeBytes tests the SizeBytes method
func TestCommandSizeBytes(t *testing.T) {
	tests := []struct {
		name     string
		command  Command
		expected int
	}{
		{
			name: "command with key and value",
			command: Command{
				Type:     CommandTSetE,
				Key:      "testkey",
				ExpireIn: 100,
				DeleteIn: 200,
				Value:    []byte("testvalue"),
			},
			expected: 1 + 8 + 8 + 4 + 7 + 9,
		},
		{
			name: "command with empty key",
			command: Command{
				Type:  CommandTSet,
				Key:   "",
				Value: []byte("testvalue"),
			},
			expected: 1 + 8 + 8 + 4 + 0 + 9,
		},
		{
			name:     "command with neither",
			command:  Command{Type: CommandTHas},
			expected: commandHeaderSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if size := tt.command.SizeBytes(); size != tt.expected {
				t.Errorf("SizeBytes() = %v, want %v", size, tt.expected)
			}
		})
	}
}

// TestCommandSerializeDeserialize round-trips commands through the wire
// format
func TestCommandSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{
			name: "standard command with value",
			command: Command{
				Type:     CommandTSetE,
				Key:      "testkey",
				ExpireIn: 100,
				DeleteIn: 200,
				Value:    []byte("testvalue"),
			},
		},
		{
			name: "command without value",
			command: Command{
				Type: CommandTDelete,
				Key:  "testkey",
			},
		},
		{
			name: "command with empty key",
			command: Command{
				Type:  CommandTSet,
				Value: []byte("testvalue"),
			},
		},
		{
			name: "command with max TTL offsets",
			command: Command{
				Type:     CommandTSetIfUnset,
				Key:      "testkey",
				ExpireIn: 18446744073709551615,
				DeleteIn: 18446744073709551615,
				Value:    []byte("testvalue"),
			},
		},
		{
			name: "command with binary value",
			command: Command{
				Type:  CommandTSet,
				Key:   "binary",
				Value: []byte{0, 1, 2, 3, 254, 255},
			},
		},
		{
			name: "command with unicode key",
			command: Command{
				Type:  CommandTGet,
				Key:   "你好世界",
				Value: nil,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.command.Serialize()

			var got Command
			if err := got.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}

			if got.Type != tt.command.Type {
				t.Errorf("Type mismatch: got %v, want %v", got.Type, tt.command.Type)
			}
			if got.Key != tt.command.Key {
				t.Errorf("Key mismatch: got %q, want %q", got.Key, tt.command.Key)
			}
			if got.ExpireIn != tt.command.ExpireIn {
				t.Errorf("ExpireIn mismatch: got %v, want %v", got.ExpireIn, tt.command.ExpireIn)
			}
			if got.DeleteIn != tt.command.DeleteIn {
				t.Errorf("DeleteIn mismatch: got %v, want %v", got.DeleteIn, tt.command.DeleteIn)
			}
			if len(tt.command.Value) == 0 {
				if len(got.Value) != 0 {
					t.Errorf("Value should be empty, got %v", got.Value)
				}
			} else if !bytes.Equal(got.Value, tt.command.Value) {
				t.Errorf("Value mismatch: got %v, want %v", got.Value, tt.command.Value)
			}

			if tt.command.SizeBytes() != len(data) {
				t.Errorf("SizeBytes() = %d, but serialized data length = %d",
					tt.command.SizeBytes(), len(data))
			}
		})
	}
}

// TestCommandDeserializeErrors tests malformed input handling
func TestCommandDeserializeErrors(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		expectedErr string
	}{
		{
			name:        "empty data",
			data:        []byte{},
			expectedErr: "data too short for command",
		},
		{
			name:        "data shorter than header",
			data:        []byte{1, 2, 3, 4, 5},
			expectedErr: "data too short for command",
		},
		{
			name: "key length beyond data",
			data: func() []byte {
				data := (&Command{Type: CommandTSet, Key: "abc"}).Serialize()
				// claim a key longer than what follows
				data[17], data[18], data[19], data[20] = 0xFF, 0xFF, 0xFF, 0xFF
				return data
			}(),
			expectedErr: "data too short for key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd Command
			err := cmd.Deserialize(tt.data)
			if err == nil {
				t.Fatalf("Deserialize() expected error containing %q, got nil", tt.expectedErr)
			}
			if !strings.Contains(err.Error(), tt.expectedErr) {
				t.Errorf("Deserialize() error = %q, want it to contain %q", err, tt.expectedErr)
			}
		})
	}
}

// TestCommandTypeFeature checks the type to feature mapping
func TestCommandTypeFeature(t *testing.T) {
	known := map[CommandType]Feature{
		CommandTSet:        FeatureSet,
		CommandTSetE:       FeatureSetE,
		CommandTSetIfUnset: FeatureSetIfUnset,
		CommandTExpire:     FeatureExpire,
		CommandTDelete:     FeatureDelete,
		CommandTGet:        FeatureGet,
		CommandTHas:        FeatureHas,
	}

	for ct, want := range known {
		feat, err := ct.Feature()
		if err != nil {
			t.Errorf("Feature(%s) unexpected error: %v", ct, err)
		}
		if feat != want {
			t.Errorf("Feature(%s) = %v, want %v", ct, feat, want)
		}
	}

	if _, err := CommandType(99).Feature(); err == nil {
		t.Error("Feature() for unknown type expected error, got nil")
	}
}

// TestResultEncodeDecode round-trips results
func TestResultEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		result Result
	}{
		{name: "success without value", result: Result{Code: RetCSuccess}},
		{name: "success with value", result: Result{Code: RetCSuccess, Found: true, Value: []byte("hello")}},
		{name: "found without value", result: Result{Code: RetCSuccess, Found: true}},
		{name: "error with message", result: Result{Code: RetCUnsupportedOperation, Value: []byte("nope")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeResult(tt.result.Encode())
			if err != nil {
				t.Fatalf("DecodeResult() error = %v", err)
			}
			if got.Code != tt.result.Code {
				t.Errorf("Code mismatch: got %v, want %v", got.Code, tt.result.Code)
			}
			if got.Found != tt.result.Found {
				t.Errorf("Found mismatch: got %v, want %v", got.Found, tt.result.Found)
			}
			if !bytes.Equal(got.Value, tt.result.Value) {
				t.Errorf("Value mismatch: got %v, want %v", got.Value, tt.result.Value)
			}
		})
	}

	if _, err := DecodeResult([]byte{1}); err == nil {
		t.Error("DecodeResult() with 1 byte expected error, got nil")
	}
}

// TestResultErr maps result codes to errors
func TestResultErr(t *testing.T) {
	if err := (Result{Code: RetCSuccess}).Err(); err != nil {
		t.Errorf("success result returned error: %v", err)
	}

	err := (Result{Code: RetCInvalidOperation, Value: []byte("bad op")}).Err()
	if err == nil {
		t.Fatal("error result returned nil")
	}
	kvErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *kv.Error, got %T", err)
	}
	if kvErr.Code != RetCInvalidOperation {
		t.Errorf("Code = %v, want %v", kvErr.Code, RetCInvalidOperation)
	}
	if !strings.Contains(err.Error(), "bad op") {
		t.Errorf("error message %q should contain the result value", err)
	}
}
