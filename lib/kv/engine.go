package kv

import "fmt"

// --------------------------------------------------------------------------
// Engine Features
// --------------------------------------------------------------------------

// Feature represents engine capabilities as bit flags.
type Feature uint64

const (
	FeatureSet        Feature = 1 << iota // Support for Set operations
	FeatureSetE                           // Support for SetE operations
	FeatureSetIfUnset                     // Support for SetIfUnset operations
	FeatureExpire                         // Support for Expire operations
	FeatureDelete                         // Support for Delete operations
	FeatureGet                            // Support for Get operations
	FeatureHas                            // Support for Has operations
)

func (f Feature) String() string {
	switch f {
	case FeatureSet:
		return "Set"
	case FeatureSetE:
		return "SetE"
	case FeatureSetIfUnset:
		return "SetIfUnset"
	case FeatureExpire:
		return "Expire"
	case FeatureDelete:
		return "Delete"
	case FeatureGet:
		return "Get"
	case FeatureHas:
		return "Has"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Engine Interface
// --------------------------------------------------------------------------

// EngineInfo describes the engine behind a state machine.
type EngineInfo struct {
	Engine     string      `json:"engine"`
	Keys       int         `json:"keys"` // -1 when the engine cannot count
	SizeBytes  int64       `json:"size_bytes"`
	WriteIndex uint64      `json:"write_index"`
	Metadata   interface{} `json:"metadata,omitempty"`
}

func (i EngineInfo) String() string {
	return fmt.Sprintf("EngineInfo{engine: %s, keys: %d, sizeBytes: %d, writeIndex: %d}",
		i.Engine, i.Keys, i.SizeBytes, i.WriteIndex)
}

// IEngine stores the key-value data behind the replicated state machine.
//
// Write operations receive the op number of the command as writeIndex,
// a logical timestamp: TTL offsets count in ops, not wall time, so every
// replica computes the same expiry verdicts. Writes with a stale index
// are ignored.
//
// Thread-safety: writes arrive from the single apply goroutine, reads
// may arrive concurrently from any goroutine.
type IEngine interface {
	// Set inserts or updates an entry.
	Set(key string, value []byte, writeIndex uint64)
	// SetE inserts or updates an entry with expiration and deletion
	// offsets relative to writeIndex. A zero offset means never.
	SetE(key string, value []byte, writeIndex, expireIn, deleteIn uint64)
	// SetIfUnset inserts an entry only if the key does not exist.
	SetIfUnset(key string, value []byte, writeIndex, expireIn, deleteIn uint64)
	// Expire drops the value of an entry immediately. The key stays
	// findable with Has.
	Expire(key string, writeIndex uint64)
	// Delete removes an entry entirely.
	Delete(key string, writeIndex uint64)
	// Get returns the value for a key, if present and not expired.
	Get(key string) (value []byte, found bool)
	// Has reports whether a key exists, expired or not.
	Has(key string) bool
	// SetWriteIndex raises the current write index. Lower values are
	// ignored. Read-only ops use this so expiry is evaluated at their
	// own op number.
	SetWriteIndex(writeIndex uint64)
	// WriteIndex returns the current write index.
	WriteIndex() uint64
	// Supports reports whether the engine implements a feature.
	Supports(f Feature) bool
	// Info returns engine statistics.
	Info() EngineInfo
	// Close releases engine resources.
	Close() error
}
