package kv

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLog/lib/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("kv")

// --------------------------------------------------------------------------
// Map Engine
// --------------------------------------------------------------------------

// defaultSweepInterval is the time between two reclamation sweeps.
const defaultSweepInterval = 100 * time.Millisecond

// mapEntry stores a value with its TTL metadata.
type mapEntry struct {
	Value    []byte
	ExpireAt uint64 // write index at which the value expires, 0 = never
	DeleteAt uint64 // write index at which the entry is deleted, 0 = never
	Index    uint64 // write index of the last update
}

// ttlInfo returns whether the entry is expired and whether it is deleted
// at the given write index.
func (e mapEntry) ttlInfo(writeIndex uint64) (expired, deleted bool) {
	expired = e.ExpireAt != 0 && writeIndex >= e.ExpireAt
	deleted = e.DeleteAt != 0 && writeIndex >= e.DeleteAt
	return expired, deleted
}

// MapEngineOptions configures the map engine.
type MapEngineOptions struct {
	SweepInterval time.Duration // time between reclamation sweeps (0 = default)
}

// MapEngine is the full-featured engine: a concurrent hash map with
// logical TTLs. Expiry is evaluated lazily against the write index, so
// every replica reports identical results regardless of when the
// background sweep physically reclaims dead entries.
type MapEngine struct {
	data      *xsync.MapOf[string, mapEntry]
	currIndex atomic.Uint64

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

var _ IEngine = (*MapEngine)(nil)

// NewMapEngine creates a map engine and starts its reclamation sweep.
func NewMapEngine(opts *MapEngineOptions) *MapEngine {
	interval := defaultSweepInterval
	if opts != nil && opts.SweepInterval > 0 {
		interval = opts.SweepInterval
	}

	m := &MapEngine{
		data:          xsync.NewMapOf[string, mapEntry](),
		sweepInterval: interval,
		stop:          make(chan struct{}),
	}
	go m.sweeper()
	return m
}

// SetWriteIndex raises the current write index, never lowers it.
func (m *MapEngine) SetWriteIndex(writeIndex uint64) {
	for {
		curr := m.currIndex.Load()
		if writeIndex <= curr {
			return
		}
		if m.currIndex.CompareAndSwap(curr, writeIndex) {
			return
		}
	}
}

// WriteIndex returns the current write index.
func (m *MapEngine) WriteIndex() uint64 {
	return m.currIndex.Load()
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (m *MapEngine) Set(key string, value []byte, writeIndex uint64) {
	m.SetE(key, value, writeIndex, 0, 0)
}

func (m *MapEngine) SetE(key string, value []byte, writeIndex, expireIn, deleteIn uint64) {
	m.SetWriteIndex(writeIndex)

	entry := mapEntry{Value: cloneBytes(value), Index: writeIndex}
	if expireIn > 0 {
		entry.ExpireAt = writeIndex + expireIn
	}
	if deleteIn > 0 {
		entry.DeleteAt = writeIndex + deleteIn
	}

	m.data.Compute(key, func(old mapEntry, loaded bool) (mapEntry, bool) {
		// stale writes are ignored
		if loaded && writeIndex < old.Index {
			return old, false
		}
		return entry, false
	})
}

func (m *MapEngine) SetIfUnset(key string, value []byte, writeIndex, expireIn, deleteIn uint64) {
	m.SetWriteIndex(writeIndex)

	entry := mapEntry{Value: cloneBytes(value), Index: writeIndex}
	if expireIn > 0 {
		entry.ExpireAt = writeIndex + expireIn
	}
	if deleteIn > 0 {
		entry.DeleteAt = writeIndex + deleteIn
	}

	m.data.Compute(key, func(old mapEntry, loaded bool) (mapEntry, bool) {
		if loaded {
			if writeIndex < old.Index {
				return old, false
			}
			// an existing entry blocks the write unless it is deleted,
			// an expired value still counts as present
			if _, deleted := old.ttlInfo(writeIndex); !deleted {
				return old, false
			}
		}
		return entry, false
	})
}

func (m *MapEngine) Expire(key string, writeIndex uint64) {
	m.SetWriteIndex(writeIndex)

	m.data.Compute(key, func(old mapEntry, loaded bool) (mapEntry, bool) {
		if !loaded {
			// delete keeps the compute from creating the key
			return old, true
		}
		if writeIndex < old.Index {
			return old, false
		}
		old.Value = nil
		old.ExpireAt = writeIndex
		return old, false
	})
}

func (m *MapEngine) Delete(key string, writeIndex uint64) {
	m.SetWriteIndex(writeIndex)

	m.data.Compute(key, func(old mapEntry, loaded bool) (mapEntry, bool) {
		if !loaded {
			return old, true
		}
		if writeIndex < old.Index {
			return old, false
		}
		old.DeleteAt = writeIndex
		return old, false
	})
}

// --------------------------------------------------------------------------
// Read Operations
// --------------------------------------------------------------------------

func (m *MapEngine) Get(key string) ([]byte, bool) {
	e, ok := m.data.Load(key)
	if !ok {
		return nil, false
	}
	if expired, deleted := e.ttlInfo(m.currIndex.Load()); expired || deleted {
		return nil, false
	}
	return cloneBytes(e.Value), true
}

func (m *MapEngine) Has(key string) bool {
	e, ok := m.data.Load(key)
	if !ok {
		return false
	}
	_, deleted := e.ttlInfo(m.currIndex.Load())
	return !deleted
}

// --------------------------------------------------------------------------
// Reclamation
// --------------------------------------------------------------------------

// sweeper periodically removes deleted entries and drops the values of
// expired ones. Sweeping only reclaims memory, the read path already
// treats dead entries as gone.
func (m *MapEngine) sweeper() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		writeIndex := m.currIndex.Load()
		m.data.Range(func(key string, _ mapEntry) bool {
			m.data.Compute(key, func(e mapEntry, loaded bool) (mapEntry, bool) {
				if !loaded {
					return e, true
				}
				// re-check inside the compute, the entry may have been
				// rewritten since the range snapshot
				expired, deleted := e.ttlInfo(writeIndex)
				if deleted {
					return e, true
				}
				if expired && e.Value != nil {
					e.Value = nil
				}
				return e, false
			})
			return true
		})
	}
}

// --------------------------------------------------------------------------
// Introspection and Lifecycle
// --------------------------------------------------------------------------

// infoSampleLimit caps how many entries Info examines for its size
// estimate.
const infoSampleLimit = 256

func (m *MapEngine) Supports(f Feature) bool {
	supported := FeatureSet | FeatureSetE | FeatureSetIfUnset |
		FeatureExpire | FeatureDelete | FeatureGet | FeatureHas
	return supported&f == f
}

// Info returns engine statistics. Sizes are estimates from a bounded
// sample.
func (m *MapEngine) Info() EngineInfo {
	var (
		sampled    int
		valueBytes int64
	)
	m.data.Range(func(_ string, e mapEntry) bool {
		valueBytes += int64(len(e.Value))
		sampled++
		return sampled < infoSampleLimit
	})

	keys := m.data.Size()
	var sizeEstimate int64
	if sampled > 0 {
		sizeEstimate = valueBytes / int64(sampled) * int64(keys)
	}

	return EngineInfo{
		Engine:     "map",
		Keys:       keys,
		SizeBytes:  sizeEstimate,
		WriteIndex: m.currIndex.Load(),
	}
}

// Close stops the sweeper. The data stays readable.
func (m *MapEngine) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// cloneBytes copies b so callers and the engine never share a buffer.
func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
