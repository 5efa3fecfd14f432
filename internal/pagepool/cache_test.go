package pagepool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheSeizeOneRefillsFromPoolOnEmpty(t *testing.T) {
	p := New(1, nil)
	p.Seed(0, 5)
	c := NewCache(p, 0, 32)

	pg, ok := c.SeizeOne()
	require.True(t, ok)
	require.NotNil(t, pg)
	require.Equal(t, 4, p.Free(0))
}

func TestCacheReleaseDrainsAboveMaxFree(t *testing.T) {
	p := New(1, nil)
	c := NewCache(p, 0, 6) // small max for a fast test

	pages := make([]*Page, 0, 8)
	for i := 0; i < 8; i++ {
		pages = append(pages, &Page{ID: uint32(i)})
	}
	for _, pg := range pages {
		c.Release(pg)
	}

	// drainTarget = (2*6)/3 = 4: the 7th release exceeds max 6 and drains
	// the cache from 7 to 4 (3 pages to the pool); the 8th release then
	// brings the local count to 5.
	require.Equal(t, 5, c.Count())
	require.Equal(t, 3, p.Free(0))
}

func TestCacheSeizeOneForSendBatchRefill(t *testing.T) {
	p := New(1, nil)
	p.Seed(0, 10)
	c := NewCache(p, 0, 32)

	pg, ok := c.SeizeOneForSend(4)
	require.True(t, ok)
	require.NotNil(t, pg)
	// 4 pages were pulled from the pool; one was handed out, 3 remain
	// cached locally.
	require.Equal(t, 3, c.Count())
	require.Equal(t, 6, p.Free(0))
}

func TestCacheSeizeOneForSendFailsWhenPoolExhausted(t *testing.T) {
	p := New(1, nil)
	c := NewCache(p, 0, 32)

	_, ok := c.SeizeOneForSend(4)
	require.False(t, ok)
}

func TestCachePrefillToppsUpToTarget(t *testing.T) {
	p := New(1, nil)
	p.Seed(0, 40)
	c := NewCache(p, 0, 32)

	require.True(t, c.Prefill(20))
	require.Equal(t, 20, c.Count())
	require.Equal(t, 20, p.Free(0))

	// calling again with the same target is a no-op
	require.True(t, c.Prefill(20))
	require.Equal(t, 20, c.Count())
}

func TestCachePrefillFailsWhenPoolRunsDry(t *testing.T) {
	p := New(1, nil)
	p.Seed(0, 5)
	c := NewCache(p, 0, 32)

	require.False(t, c.Prefill(10))
	require.Equal(t, 5, c.Count())
}
