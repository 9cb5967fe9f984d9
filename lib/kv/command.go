package kv

import (
	"encoding/binary"
	"fmt"
)

// --------------------------------------------------------------------------
// Command Types
// --------------------------------------------------------------------------

// CommandType enumerates the operations the replicated state machine
// executes. Reads travel through the log like writes, which makes them
// linearizable without a lease protocol.
type CommandType uint8

const (
	CommandTSet        CommandType = iota // Insert or update an entry.
	CommandTSetE                          // Insert or update an entry with expiration and deletion offsets.
	CommandTSetIfUnset                    // Insert an entry if it does not exist.
	CommandTExpire                        // Expire the value of an entry immediately.
	CommandTDelete                        // Delete an entry.
	CommandTGet                           // Read the value of an entry.
	CommandTHas                           // Check whether an entry exists.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTSet:
		return "Set"
	case CommandTSetE:
		return "SetE"
	case CommandTSetIfUnset:
		return "SetIfUnset"
	case CommandTExpire:
		return "Expire"
	case CommandTDelete:
		return "Delete"
	case CommandTGet:
		return "Get"
	case CommandTHas:
		return "Has"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(ct))
	}
}

// Feature returns the engine feature an operation requires. This is used
// to check whether the configured engine supports the operation.
func (ct CommandType) Feature() (Feature, error) {
	switch ct {
	case CommandTSet:
		return FeatureSet, nil
	case CommandTSetE:
		return FeatureSetE, nil
	case CommandTSetIfUnset:
		return FeatureSetIfUnset, nil
	case CommandTExpire:
		return FeatureExpire, nil
	case CommandTDelete:
		return FeatureDelete, nil
	case CommandTGet:
		return FeatureGet, nil
	case CommandTHas:
		return FeatureHas, nil
	default:
		return 0, fmt.Errorf("unknown command type %d", uint8(ct))
	}
}

// --------------------------------------------------------------------------
// Command
// --------------------------------------------------------------------------

// Command is a single operation in the replicated log.
type Command struct {
	Type     CommandType
	Key      string
	ExpireIn uint64
	DeleteIn uint64
	Value    []byte
}

// commandHeaderSize is Type + ExpireIn + DeleteIn + KeyLen.
const commandHeaderSize = 1 + 8 + 8 + 4

// SizeBytes returns the exact number of bytes needed to serialize this command.
func (command *Command) SizeBytes() int {
	return commandHeaderSize + len(command.Key) + len(command.Value)
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 8 bytes for expireIn,
// 8 bytes for deleteIn,
// 4 bytes for key length (big endian),
// N bytes for key data,
// N bytes for value data (optional)
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())

	result[0] = byte(command.Type)
	binary.BigEndian.PutUint64(result[1:9], command.ExpireIn)
	binary.BigEndian.PutUint64(result[9:17], command.DeleteIn)
	binary.BigEndian.PutUint32(result[17:21], uint32(len(command.Key)))
	copy(result[21:], command.Key)
	copy(result[21+len(command.Key):], command.Value)

	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < commandHeaderSize {
		return fmt.Errorf("data too short for command")
	}

	command.Type = CommandType(data[0])
	command.ExpireIn = binary.BigEndian.Uint64(data[1:9])
	command.DeleteIn = binary.BigEndian.Uint64(data[9:17])

	keyLen := binary.BigEndian.Uint32(data[17:21])
	if len(data) < commandHeaderSize+int(keyLen) {
		return fmt.Errorf("data too short for key of length %d", keyLen)
	}
	command.Key = string(data[21 : 21+keyLen])

	// the value is everything after the key
	if valueLen := len(data) - (commandHeaderSize + int(keyLen)); valueLen > 0 {
		if command.Value == nil || cap(command.Value) < valueLen {
			command.Value = make([]byte, valueLen)
		} else {
			command.Value = command.Value[:valueLen]
		}
		copy(command.Value, data[commandHeaderSize+int(keyLen):])
	} else {
		command.Value = nil
	}

	return nil
}

// --------------------------------------------------------------------------
// Result
// --------------------------------------------------------------------------

// RetCode is the outcome of one applied command, carried inside the
// result bytes every replica computes identically.
type RetCode uint8

const (
	RetCSuccess              RetCode = iota // Command executed successfully.
	RetCInternalError                       // Command failed due to an internal error.
	RetCUnsupportedOperation                // Operation is not supported by the configured engine.
	RetCInvalidOperation                    // Invalid operation.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// Result flag bits.
const (
	resultFound = byte(1 << 0) // the queried key was found
)

// Result is the outcome of one command: a return code, the found flag for
// reads, and either the read value or an error message.
type Result struct {
	Code  RetCode
	Found bool
	Value []byte
}

// Encode serializes the result as 1 code byte, 1 flag byte and the value.
func (r Result) Encode() []byte {
	buf := make([]byte, 2+len(r.Value))
	buf[0] = byte(r.Code)
	if r.Found {
		buf[1] |= resultFound
	}
	copy(buf[2:], r.Value)
	return buf
}

// DecodeResult parses result bytes produced by Encode.
func DecodeResult(data []byte) (Result, error) {
	if len(data) < 2 {
		return Result{}, fmt.Errorf("data too short for result")
	}
	r := Result{
		Code:  RetCode(data[0]),
		Found: data[1]&resultFound != 0,
	}
	if len(data) > 2 {
		r.Value = make([]byte, len(data)-2)
		copy(r.Value, data[2:])
	}
	return r, nil
}

// Err converts a non-success result into an error, using the value bytes
// as the message.
func (r Result) Err() error {
	if r.Code == RetCSuccess {
		return nil
	}
	return NewError(r.Code, string(r.Value))
}

// --------------------------------------------------------------------------
// Error Type
// --------------------------------------------------------------------------

// Error wraps a result code and a message.
type Error struct {
	Code RetCode
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("KVStoreError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}
