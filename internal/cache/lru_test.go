package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUWithTTL_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewLRUWithTTL[string, float64](2, 0)
	require.NoError(t, err)

	c.Set("lr|fp1|age=40", 0.8)
	c.Set("lr|fp1|age=30", 0.5)
	_, ok := c.Get("lr|fp1|age=40")
	require.True(t, ok)
	c.Set("lr|fp1|age=20", 0.3)

	_, ok = c.Get("lr|fp1|age=30")
	assert.False(t, ok, "oldest untouched entry is pushed out")
	v, ok := c.Get("lr|fp1|age=40")
	assert.True(t, ok)
	assert.Equal(t, 0.8, v)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Evicted)
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 2.0/3.0, st.HitRate, 1e-12)
}

func TestLRUWithTTL_Expiry(t *testing.T) {
	c, err := NewLRUWithTTL[string, string](4, time.Minute)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("k", "v")
	now = now.Add(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, 0, st.Size, "stale entry is dropped on read")
	assert.Equal(t, uint64(0), st.Evicted, "expiry is not an eviction")

	c.Set("k", "again")
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "again", v)
}

func TestLRUWithTTL_RejectsBadSize(t *testing.T) {
	_, err := NewLRUWithTTL[string, int](0, 0)
	assert.Error(t, err)
}

func TestLRUWithTTL_Concurrent(t *testing.T) {
	c, err := NewLRUWithTTL[int, int](64, time.Hour)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				c.Set(g*1000+i, i)
				c.Get(g*1000 + i)
			}
		}()
	}
	wg.Wait()

	st := c.Stats()
	assert.Equal(t, 64, st.Size)
	assert.Equal(t, uint64(8*200-64), st.Evicted)
	assert.Equal(t, uint64(8*200), st.Hits+st.Misses)
}
