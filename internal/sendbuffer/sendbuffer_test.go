package sendbuffer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-mtsched/internal/interfaces"
	"github.com/behrlich/go-mtsched/internal/pagepool"
)

func newSrc(n int) func() *pagepool.Page {
	pool := pagepool.New(1, nil)
	pool.Seed(0, n)
	return func() *pagepool.Page {
		pg, ok := pool.Seize(0)
		if !ok {
			return nil
		}
		return pg
	}
}

func TestWriteThenLinkThenSendRoundTrips(t *testing.T) {
	b := New(1, newSrc(4))

	w := b.GetWritePtr(5)
	require.NotNil(t, w)
	copy(w, []byte("hello"))
	b.UpdateWritePtr(5)
	b.FlushWriter()

	iov := make([]interfaces.IOVec, 8)
	n := b.GetBytesToSendIovec(iov)
	require.Equal(t, 1, n)
	require.Equal(t, "hello", string(iov[0].Base))
}

func TestBytesSentReleasesFullyConsumedPage(t *testing.T) {
	var released []*pagepool.Page
	b := New(1, newSrc(4))
	b.SetReleaseCallback(func(pg *pagepool.Page) { released = append(released, pg) })

	w := b.GetWritePtr(3)
	copy(w, []byte("abc"))
	b.UpdateWritePtr(3)
	b.FlushWriter()

	iov := make([]interfaces.IOVec, 4)
	n := b.GetBytesToSendIovec(iov)
	require.Equal(t, 1, n)

	remaining := b.BytesSent(3)
	require.Equal(t, 0, remaining)
	require.Len(t, released, 1)
}

func TestBytesSentPartiallyConsumedPageKeepsRemainder(t *testing.T) {
	b := New(1, newSrc(4))

	w := b.GetWritePtr(6)
	copy(w, []byte("abcdef"))
	b.UpdateWritePtr(6)
	b.FlushWriter()

	iov := make([]interfaces.IOVec, 4)
	b.GetBytesToSendIovec(iov)

	remaining := b.BytesSent(4)
	require.Equal(t, 2, remaining)

	iov2 := make([]interfaces.IOVec, 4)
	n := b.GetBytesToSendIovec(iov2)
	require.Equal(t, 1, n)
	require.Equal(t, "ef", string(iov2[0].Base))
}

func TestGetWritePtrRotatesPageWhenCurrentIsFull(t *testing.T) {
	b := New(1, newSrc(4))

	first := b.GetWritePtr(pagePayloadBytes)
	require.NotNil(t, first)
	b.UpdateWritePtr(pagePayloadBytes)

	// current page is now exactly full; the next write must rotate.
	second := b.GetWritePtr(10)
	require.NotNil(t, second)
	b.UpdateWritePtr(10)
	b.FlushWriter()

	iov := make([]interfaces.IOVec, 8)
	n := b.GetBytesToSendIovec(iov)
	require.Equal(t, 2, n)
}

func TestDisableDiscardsBufferedAndSendingPages(t *testing.T) {
	var released []*pagepool.Page
	b := New(1, newSrc(4))
	b.SetReleaseCallback(func(pg *pagepool.Page) { released = append(released, pg) })

	w := b.GetWritePtr(4)
	copy(w, []byte("data"))
	b.UpdateWritePtr(4)
	b.FlushWriter()
	b.LinkThreadSendBuffers()

	b.Disable()
	require.False(t, b.Enabled())
	require.Len(t, released, 1)
	require.Nil(t, b.GetWritePtr(4))
}

func TestEnableAfterDisableAcceptsWritesAgain(t *testing.T) {
	b := New(1, newSrc(4))
	b.Disable()
	require.Nil(t, b.GetWritePtr(4))

	b.Enable()
	require.True(t, b.Enabled())
	require.NotNil(t, b.GetWritePtr(4))
}

func TestForceSendFlagIsTakenOnce(t *testing.T) {
	b := New(1, newSrc(4))
	require.False(t, b.TakeForceSend())

	b.RequestForceSend()
	require.True(t, b.TakeForceSend())
	require.False(t, b.TakeForceSend())
}

func TestPackMergesSmallPagesOnLowFillRatio(t *testing.T) {
	b := New(1, newSrc(8))

	for i := 0; i < 4; i++ {
		w := b.GetWritePtr(3)
		copy(w, []byte("xyz"))
		b.UpdateWritePtr(3)
		b.FlushWriter()
	}

	// 4 separate 3-byte pages exactly fill a 4-entry iovec, but the total
	// bytes (12) is far under 25% of its byte capacity, so pack_sb_pages
	// should merge them down before the final fill.
	iov := make([]interfaces.IOVec, 4)
	n := b.GetBytesToSendIovec(iov)
	require.Less(t, n, 4)

	total := 0
	for i := 0; i < n; i++ {
		total += iov[i].Length
	}
	require.Equal(t, 12, total)
}

func TestBufferedSizeTracksLinkedPages(t *testing.T) {
	b := New(1, newSrc(4))
	require.Equal(t, 0, b.BufferedSize())

	w := b.GetWritePtr(7)
	copy(w, []byte("buffere"))
	b.UpdateWritePtr(7)
	b.FlushWriter()
	b.LinkThreadSendBuffers()

	require.Equal(t, 7, b.BufferedSize())
}
