// Package cache memoizes pooled sentence vectors by token sequence.
package cache

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_vector_cache_hits_total",
		Help: "Token sequences served from the vector cache",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_vector_cache_misses_total",
		Help: "Token sequences that had to be encoded",
	})
)

// VectorCache defines a generic interface for caching embeddings keyed by
// the unpadded token ids of a sequence.
type VectorCache interface {
	// Get retrieves a vector from the cache.
	Get(ids []int) ([]float32, bool)
	// Put stores a vector in the cache.
	Put(ids []int, vec []float32)
	// Size returns the number of items in the cache.
	Size() int
}

type entry struct {
	ids []int
	vec []float32
}

// MapCache is an unbounded in-memory VectorCache. Entries are bucketed by
// an xxhash of the ids and compared exactly, so hash collisions never return
// the wrong vector.
type MapCache struct {
	data map[uint64][]entry
	size int
	mu   sync.RWMutex
}

var _ VectorCache = (*MapCache)(nil)

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[uint64][]entry),
	}
}

// Key hashes a token sequence.
func Key(ids []int) uint64 {
	var buf [8]byte
	h := xxhash.New()
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

func (c *MapCache) Get(ids []int) ([]float32, bool) {
	key := Key(ids)
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	for _, e := range c.data[key] {
		if slices.Equal(e.ids, ids) {
			cacheHits.Inc()
			return slices.Clone(e.vec), true
		}
	}
	cacheMisses.Inc()
	return nil, false
}

func (c *MapCache) Put(ids []int, vec []float32) {
	key := Key(ids)
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.data[key]
	for i, e := range bucket {
		if slices.Equal(e.ids, ids) {
			bucket[i].vec = slices.Clone(vec)
			return
		}
	}
	c.data[key] = append(bucket, entry{ids: slices.Clone(ids), vec: slices.Clone(vec)})
	c.size++
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}
