package common

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dLog/lib/journal"
	"github.com/ValentinKolb/dLog/lib/kv"
	"github.com/ValentinKolb/dLog/lib/vsr"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses
// on the admin API's submit endpoint. Which fields are used depends on the
// type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key      string `json:"key,omitempty"`      // Used for: all operations
	ExpireIn uint64 `json:"expireIn,omitempty"` // Used for: SetE, SetIfUnset
	DeleteIn uint64 `json:"deleteIn,omitempty"` // Used for: SetE, SetIfUnset
	Value    []byte `json:"value,omitempty"`    // Used for: Set requests, Get responses

	// Response only fields
	Ok   bool   `json:"ok,omitempty"`   // Used for: Get, Has responses
	Err  string `json:"err,omitempty"`  // Empty if no error, otherwise contains the error message
	Code string `json:"code,omitempty"` // Symbolic return code of a failed operation, e.g. NotLeader
}

// setErr records an operation failure on a response message. The symbolic
// return code travels with the text so clients can react to specific
// failures, a NotLeader result for example, without parsing the message.
func (m *Message) setErr(err error) *Message {
	if err == nil {
		return m
	}
	m.Err = err.Error()

	var replicaErr *vsr.Error
	var storeErr *kv.Error
	switch {
	case errors.As(err, &replicaErr):
		m.Code = replicaErr.Code.String()
	case errors.As(err, &storeErr):
		m.Code = storeErr.Code.String()
	}
	return m
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewSetRequest creates a new Set request
func NewSetRequest(key string, value []byte) *Message {
	return &Message{
		MsgType: MsgTKVSet,
		Key:     key,
		Value:   value,
	}
}

// NewSetResponse creates a new Set response
func NewSetResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTKVSet,
	}
	return msg.setErr(err)
}

// NewSetERequest creates a new SetE request
func NewSetERequest(key string, value []byte, expireIn, deleteIn uint64) *Message {
	return &Message{
		MsgType:  MsgTKVSetE,
		Key:      key,
		Value:    value,
		ExpireIn: expireIn,
		DeleteIn: deleteIn,
	}
}

// NewSetEResponse creates a new SetE response
func NewSetEResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTKVSetE,
	}
	return msg.setErr(err)
}

// NewSetIfUnsetRequest creates a new SetIfUnset request
func NewSetIfUnsetRequest(key string, value []byte, expireIn, deleteIn uint64) *Message {
	return &Message{
		MsgType:  MsgTKVSetIfUnset,
		Key:      key,
		Value:    value,
		ExpireIn: expireIn,
		DeleteIn: deleteIn,
	}
}

// NewSetIfUnsetResponse creates a new SetIfUnset response
func NewSetIfUnsetResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTKVSetIfUnset,
	}
	return msg.setErr(err)
}

// NewExpireRequest creates a new Expire request
func NewExpireRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVExpire,
		Key:     key,
	}
}

// NewExpireResponse creates a new Expire response
func NewExpireResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTKVExpire,
	}
	return msg.setErr(err)
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVDelete,
		Key:     key,
	}
}

// NewDeleteResponse creates a new Delete response
func NewDeleteResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTKVDelete,
	}
	return msg.setErr(err)
}

// NewGetRequest creates a new Get request
func NewGetRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVGet,
		Key:     key,
	}
}

// NewGetResponse creates a new Get response
func NewGetResponse(value []byte, ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVGet,
		Ok:      ok,
		Value:   value,
	}
	return msg.setErr(err)
}

// NewHasRequest creates a new Has request
func NewHasRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVHas,
		Key:     key,
	}
}

// NewHasResponse creates a new Has response
func NewHasResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVHas,
		Ok:      ok,
	}
	return msg.setErr(err)
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used on the submit endpoint.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTKVSet:
		return "set"
	case MsgTKVSetE:
		return "setE"
	case MsgTKVSetIfUnset:
		return "setIfUnset"
	case MsgTKVExpire:
		return "expire"
	case MsgTKVDelete:
		return "delete"
	case MsgTKVGet:
		return "get"
	case MsgTKVHas:
		return "has"
	case MsgTError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Convert string back to MessageType
	switch s {
	case "set":
		*t = MsgTKVSet
	case "setE":
		*t = MsgTKVSetE
	case "setIfUnset":
		*t = MsgTKVSetIfUnset
	case "expire":
		*t = MsgTKVExpire
	case "delete":
		*t = MsgTKVDelete
	case "get":
		*t = MsgTKVGet
	case "has":
		*t = MsgTKVHas
	case "error":
		*t = MsgTError
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTError               // Indicates an error occurred

	// Store operations

	MsgTKVSet        // Set a key-value pair
	MsgTKVSetE       // Set a key-value pair with expiration
	MsgTKVSetIfUnset // Set a key-value pair if not already set
	MsgTKVExpire     // Expire a key
	MsgTKVDelete     // Delete a key-value pair
	MsgTKVGet        // Get a value by key
	MsgTKVHas        // Check if a key exists
)

// --------------------------------------------------------------------------
// Status Response
// --------------------------------------------------------------------------

// StatusResponse is the payload of the admin API's status endpoint. It
// combines the protocol level snapshot of the replica with process level
// facts: the build version, the boot incarnation and, for disk backed
// replicas, the journal statistics.
type StatusResponse struct {
	Version     string               `json:"version"`
	Incarnation string               `json:"incarnation"`
	Node        vsr.NodeSnapshot     `json:"node"`
	Journal     *journal.JournalInfo `json:"journal,omitempty"`
}
