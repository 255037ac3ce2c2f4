package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapCache_Copies(t *testing.T) {
	c := NewMapCache(0)
	beta := []float64{1, 2, 3}
	c.Put(7, Entry{Beta: beta, Lipschitz: 4, Lambda: 0.5})

	beta[0] = 100
	got, ok := c.Get(7)
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3}, got.Beta)
	assert.Equal(t, 4.0, got.Lipschitz)
	assert.Equal(t, 0.5, got.Lambda)

	got.Beta[1] = -1
	again, _ := c.Get(7)
	assert.Equal(t, []float64{1, 2, 3}, again.Beta)

	_, ok = c.Get(8)
	assert.False(t, ok)
}

func TestMapCache_Eviction(t *testing.T) {
	c := NewMapCache(2)
	c.Put(1, Entry{Beta: []float64{1}})
	c.Put(2, Entry{Beta: []float64{2}})
	c.Put(1, Entry{Beta: []float64{1.5}}) // update keeps position
	c.Put(3, Entry{Beta: []float64{3}})

	assert.Equal(t, 2, c.Size())
	_, ok := c.Get(1)
	assert.False(t, ok, "oldest key should be evicted")
	got, ok := c.Get(3)
	require.True(t, ok)
	assert.Equal(t, []float64{3}, got.Beta)
}

func TestMapCache_Concurrent(t *testing.T) {
	c := NewMapCache(16)
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func(k uint64) {
			defer wg.Done()
			c.Put(k, Entry{Beta: []float64{float64(k)}})
			c.Get(k)
		}(uint64(i))
	}
	wg.Wait()
	assert.Equal(t, 16, c.Size())
}
