package kv

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"
)

// --------------------------------------------------------------------------
// Cache Engine
// --------------------------------------------------------------------------

// cacheMaxEntryBytes is the largest key+value fastcache stores in its
// regular buckets. Bigger entries would bypass the size accounting, so
// the engine drops them instead.
const cacheMaxEntryBytes = 64 << 10

// defaultCacheBytes is the cache capacity used when none is given.
const defaultCacheBytes = 32 << 20

// CacheEngine stores values in a fastcache instance with a fixed memory
// ceiling. When the cache is full, old entries are evicted, so a Get can
// miss for a key that was set. TTLs are not supported, Supports reports
// the reduced feature set and the state machine rejects the rest.
type CacheEngine struct {
	cache     *fastcache.Cache
	maxBytes  int
	currIndex atomic.Uint64
}

var _ IEngine = (*CacheEngine)(nil)

// NewCacheEngine creates a cache engine holding at most maxBytes of
// data. maxBytes <= 0 selects the default capacity.
func NewCacheEngine(maxBytes int) *CacheEngine {
	if maxBytes <= 0 {
		maxBytes = defaultCacheBytes
	}
	return &CacheEngine{
		cache:    fastcache.New(maxBytes),
		maxBytes: maxBytes,
	}
}

// SetWriteIndex raises the current write index, never lowers it. The
// cache has no TTLs, the index is bookkeeping only.
func (c *CacheEngine) SetWriteIndex(writeIndex uint64) {
	for {
		curr := c.currIndex.Load()
		if writeIndex <= curr {
			return
		}
		if c.currIndex.CompareAndSwap(curr, writeIndex) {
			return
		}
	}
}

// WriteIndex returns the current write index.
func (c *CacheEngine) WriteIndex() uint64 {
	return c.currIndex.Load()
}

func (c *CacheEngine) Set(key string, value []byte, writeIndex uint64) {
	c.SetWriteIndex(writeIndex)
	if len(key)+len(value) > cacheMaxEntryBytes {
		log.Warningf("cache engine dropped oversized entry: key=%s size=%d", key, len(key)+len(value))
		return
	}
	c.cache.Set([]byte(key), value)
}

// SetE ignores the TTLs, the feature gate keeps it unreachable.
func (c *CacheEngine) SetE(key string, value []byte, writeIndex, _, _ uint64) {
	c.Set(key, value, writeIndex)
}

// SetIfUnset relies on writes arriving from a single apply goroutine,
// the has/set pair is not atomic on its own.
func (c *CacheEngine) SetIfUnset(key string, value []byte, writeIndex, _, _ uint64) {
	c.SetWriteIndex(writeIndex)
	if c.cache.Has([]byte(key)) {
		return
	}
	c.Set(key, value, writeIndex)
}

// Expire is unsupported, the feature gate keeps it unreachable.
func (c *CacheEngine) Expire(_ string, writeIndex uint64) {
	c.SetWriteIndex(writeIndex)
}

func (c *CacheEngine) Delete(key string, writeIndex uint64) {
	c.SetWriteIndex(writeIndex)
	c.cache.Del([]byte(key))
}

func (c *CacheEngine) Get(key string) ([]byte, bool) {
	return c.cache.HasGet(nil, []byte(key))
}

func (c *CacheEngine) Has(key string) bool {
	return c.cache.Has([]byte(key))
}

func (c *CacheEngine) Supports(f Feature) bool {
	supported := FeatureSet | FeatureSetIfUnset | FeatureDelete |
		FeatureGet | FeatureHas
	return supported&f == f
}

func (c *CacheEngine) Info() EngineInfo {
	var stats fastcache.Stats
	c.cache.UpdateStats(&stats)

	return EngineInfo{
		Engine:     "cache",
		Keys:       int(stats.EntriesCount),
		SizeBytes:  int64(stats.BytesSize),
		WriteIndex: c.currIndex.Load(),
		Metadata: map[string]interface{}{
			"maxBytes":   c.maxBytes,
			"getCalls":   stats.GetCalls,
			"setCalls":   stats.SetCalls,
			"misses":     stats.Misses,
			"collisions": stats.Collisions,
		},
	}
}

func (c *CacheEngine) Close() error {
	c.cache.Reset()
	return nil
}
