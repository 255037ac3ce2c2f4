package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ista_cache_hits_total",
		Help: "Warm-start cache hits",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ista_cache_misses_total",
		Help: "Warm-start cache misses",
	})
)

// Entry is a previously computed solution used to warm-start a fit.
type Entry struct {
	Beta      []float64
	Lipschitz float64
	Lambda    float64
}

// CoefficientCache stores solutions keyed by problem fingerprint.
type CoefficientCache interface {
	// Get retrieves a copy of the cached entry.
	Get(key uint64) (Entry, bool)
	// Put stores a copy of the entry.
	Put(key uint64, e Entry)
	// Size returns the number of items in the cache.
	Size() int
}

var _ CoefficientCache = (*MapCache)(nil)

// MapCache is an in-memory CoefficientCache. With a positive capacity the
// oldest inserted key is evicted first.
type MapCache struct {
	data     map[uint64]Entry
	order    []uint64
	capacity int
	mu       sync.RWMutex
}

func NewMapCache(capacity int) *MapCache {
	return &MapCache{
		data:     make(map[uint64]Entry),
		capacity: capacity,
	}
}

func (c *MapCache) Get(key uint64) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.data[key]
	if !ok {
		cacheMisses.Inc()
		return Entry{}, false
	}
	cacheHits.Inc()
	e.Beta = append([]float64(nil), e.Beta...)
	return e, true
}

func (c *MapCache) Put(key uint64, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.Beta = append([]float64(nil), e.Beta...)
	if _, exists := c.data[key]; !exists {
		c.order = append(c.order, key)
	}
	c.data[key] = e

	for c.capacity > 0 && len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.data, oldest)
	}
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
