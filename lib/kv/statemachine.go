package kv

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dLog/lib/vsr"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// StateMachine adapts an IEngine to the replication core. Commands are
// the serialized form from this package, results are encoded Results.
// Reads are commands too, they travel through the log and observe every
// write committed before them.
type StateMachine struct {
	engine IEngine
}

var _ vsr.IStateMachine = (*StateMachine)(nil)

// NewStateMachine wraps the given engine.
func NewStateMachine(engine IEngine) *StateMachine {
	return &StateMachine{engine: engine}
}

// Engine exposes the wrapped engine for local introspection.
func (m *StateMachine) Engine() IEngine {
	return m.engine
}

// Apply executes one command at the given op number. Malformed or
// unsupported commands produce an error Result, never a panic, the op
// is consumed either way.
func (m *StateMachine) Apply(op vsr.OpNumber, command []byte) []byte {
	start := time.Now()
	res := m.apply(uint64(op), command)

	// Log if the apply took long
	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("state machine took %.2fms to apply op %d (%d command bytes)",
			float64(elapsed)/float64(time.Millisecond), op, len(command))
	}
	return res.Encode()
}

func (m *StateMachine) apply(writeIndex uint64, command []byte) Result {
	if len(command) == 0 {
		return Result{Code: RetCInvalidOperation, Value: []byte("empty command ignored")}
	}

	// Deserialize the command
	cmd := Command{}
	if err := cmd.Deserialize(command); err != nil {
		return Result{Code: RetCInternalError, Value: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
	}

	// Check if the engine supports the operation
	feat, err := cmd.Type.Feature()
	if err != nil {
		return Result{Code: RetCInvalidOperation, Value: []byte(fmt.Sprintf("unknown command operation: %s", cmd.Type))}
	}
	if !m.engine.Supports(feat) {
		return Result{Code: RetCUnsupportedOperation, Value: []byte(fmt.Sprintf("%s operation is not supported", cmd.Type))}
	}

	// every command advances the logical clock, reads included, so TTL
	// verdicts depend only on the op number
	m.engine.SetWriteIndex(writeIndex)

	switch cmd.Type {
	case CommandTSet:
		m.engine.Set(cmd.Key, cmd.Value, writeIndex)
		return Result{Code: RetCSuccess, Value: []byte(fmt.Sprintf("set: key=%s", cmd.Key))}
	case CommandTSetE:
		m.engine.SetE(cmd.Key, cmd.Value, writeIndex, cmd.ExpireIn, cmd.DeleteIn)
		return Result{Code: RetCSuccess, Value: []byte(fmt.Sprintf("set: key=%s", cmd.Key))}
	case CommandTSetIfUnset:
		m.engine.SetIfUnset(cmd.Key, cmd.Value, writeIndex, cmd.ExpireIn, cmd.DeleteIn)
		return Result{Code: RetCSuccess, Value: []byte(fmt.Sprintf("setIfUnset: key=%s", cmd.Key))}
	case CommandTExpire:
		m.engine.Expire(cmd.Key, writeIndex)
		return Result{Code: RetCSuccess, Value: []byte(fmt.Sprintf("expired key=%s", cmd.Key))}
	case CommandTDelete:
		m.engine.Delete(cmd.Key, writeIndex)
		return Result{Code: RetCSuccess, Value: []byte(fmt.Sprintf("deleted key=%s", cmd.Key))}
	case CommandTGet:
		value, found := m.engine.Get(cmd.Key)
		return Result{Code: RetCSuccess, Found: found, Value: value}
	case CommandTHas:
		return Result{Code: RetCSuccess, Found: m.engine.Has(cmd.Key)}
	default:
		return Result{Code: RetCInvalidOperation, Value: []byte(fmt.Sprintf("unknown command operation: %s", cmd.Type))}
	}
}
