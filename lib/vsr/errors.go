package vsr

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
//
// The code separates the three failure classes the replica distinguishes:
// peer misbehavior (RetCProtocolViolation) is logged and contained, local
// resource trouble (RetCStorageError) is retryable, and everything the
// replica cannot attribute to either is an internal error.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("ReplicaError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// NewErrorf creates a new Error with the given code and a formatted message.
func NewErrorf(code RetCode, format string, args ...interface{}) *Error {
	return &Error{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess           RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                    // 1: Operation failed due to an internal error.
	RetCProtocolViolation                // 2: A peer sent something the protocol forbids.
	RetCStorageError                     // 3: The durable log store reported a failure.
	RetCInvalidOperation                 // 4: Invalid operation (bad arguments, wrong status).
	RetCNotLeader                        // 5: Operation requires the current leader.
	RetCSessionRejected                  // 6: Client session unknown or request number stale.
)

// String returns the symbolic name of a RetCode.
func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCProtocolViolation:
		return "ProtocolViolation"
	case RetCStorageError:
		return "StorageError"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCNotLeader:
		return "NotLeader"
	case RetCSessionRejected:
		return "SessionRejected"
	default:
		return "Unknown"
	}
}
