package pagepool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeizeAndReleaseRoundTrip(t *testing.T) {
	p := New(1, nil)
	p.Seed(0, 4)
	require.Equal(t, 4, p.Free(0))

	pg, ok := p.Seize(0)
	require.True(t, ok)
	require.NotNil(t, pg)
	require.Equal(t, 3, p.Free(0))

	p.Release(pg, 0)
	require.Equal(t, 4, p.Free(0))
}

func TestSeizeFailsWhenExhaustedAndNoMemoryManager(t *testing.T) {
	p := New(1, nil)
	_, ok := p.Seize(0)
	require.False(t, ok)
}

func TestSeizeListObtainsUpToAvailable(t *testing.T) {
	p := New(1, nil)
	p.Seed(0, 3)

	head, tail, got := p.SeizeList(5, 0)
	require.Equal(t, 3, got)
	require.NotNil(t, head)
	require.NotNil(t, tail)
	require.Equal(t, 0, p.Free(0))

	// Count the list length matches `got`.
	n := 0
	for pg := head; pg != nil; pg = pgNext(pg) {
		n++
	}
	require.Equal(t, got, n)
}

func TestReleaseListRestoresFreeCount(t *testing.T) {
	p := New(1, nil)
	p.Seed(0, 5)
	head, tail, got := p.SeizeList(5, 0)
	require.Equal(t, 0, p.Free(0))

	p.ReleaseList(head, tail, got, 0)
	require.Equal(t, 5, p.Free(0))
}

func TestSeizeForSendRaidsLeastEmptyPeerBeforeFailing(t *testing.T) {
	p := New(2, nil)
	p.Seed(1, 200) // far above ShardRequiredPages so shard 1 is a valid raid target

	pg, ok := p.SeizeForSend(0)
	require.True(t, ok)
	require.NotNil(t, pg)
	require.Equal(t, 199, p.Free(1))
}

func TestSeizeForSendFallsBackToAnyShardWhenNoPeerQualifiesAndNoMemoryManager(t *testing.T) {
	p := New(2, nil)
	// Shard 1 has pages, but fewer than ShardRequiredPages, so it is not
	// a qualifying raid target, and there is no memory manager; the
	// last-resort scan of every other shard still takes one from shard 1.
	p.Seed(1, 3)

	_, ok := p.SeizeForSend(0)
	require.True(t, ok)
	require.Equal(t, 2, p.Free(1))
}

type stubMM struct {
	remaining int
	next      uint32
}

func (m *stubMM) AllocPage() (uint32, bool) {
	if m.remaining <= 0 {
		return 0, false
	}
	m.remaining--
	m.next++
	return m.next, true
}

func (m *stubMM) FreePage(uint32) {}

func TestSeizeFallsThroughToMemoryManagerOnMiss(t *testing.T) {
	mm := &stubMM{remaining: 2}
	p := New(1, mm)

	pg1, ok := p.Seize(0)
	require.True(t, ok)
	require.NotNil(t, pg1)

	pg2, ok := p.Seize(0)
	require.True(t, ok)
	require.NotNil(t, pg2)

	_, ok = p.Seize(0)
	require.False(t, ok)
}

// pgNext exposes the next link for tests without making it part of the
// package's public surface.
func pgNext(p *Page) *Page { return p.next }
