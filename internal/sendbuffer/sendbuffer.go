// Package sendbuffer implements the per-transporter send buffer
// (spec.md section 4.8): a writer-side page list producers append raw
// bytes to, and a consumer-side "sending" page list the owning
// transporter drains via an iovec. The writer side (current and
// published pages) and the consumer side (buffered and sending lists)
// are guarded by separate locks so a writer publishing a full page never
// blocks a concurrent send.
package sendbuffer

import (
	"unsafe"

	"github.com/behrlich/go-mtsched/internal/constants"
	"github.com/behrlich/go-mtsched/internal/interfaces"
	"github.com/behrlich/go-mtsched/internal/pagepool"
	"github.com/behrlich/go-mtsched/internal/synclock"
)

// pagePayloadBytes is a KindSend page's full raw byte capacity: unlike
// every other Kind, a send page's payload is unstructured bytes, not
// words, so the whole page is available.
const pagePayloadBytes = constants.PageSize

// sendPage wraps one KindSend pagepool.Page, reinterpreting its fixed
// Words array as a raw byte slice -- the one place outside pagepool
// itself that looks inside Page.Words, since a send page's layout is
// "raw bytes", unlike the structured word layouts every other Kind uses.
type sendPage struct {
	page  *pagepool.Page
	bytes []byte // view over page.Words, len == pagePayloadBytes
	start int    // first unconsumed byte
	end   int    // one past the last written byte
}

func newSendPage(pg *pagepool.Page) *sendPage {
	pg.Reset(pagepool.KindSend)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&pg.Words[0])), pagePayloadBytes)
	return &sendPage{page: pg, bytes: buf}
}

func (sp *sendPage) free() int { return len(sp.bytes) - sp.end }

// Buffer is one transporter's send state: the page the writer is
// currently filling, the ring of pages already handed off but not yet
// linked into m_buffer, and the two consumer-side lists (buffered,
// sending).
type Buffer struct {
	TrpID uint32

	// writer side, guarded by writeLock
	writeLock   synclock.Locker
	currentPage *sendPage
	pending     []*sendPage // pages filled but not yet linked by link_thread_send_buffers

	// consumer side, guarded by sendLock
	sendLock     synclock.Locker
	buffered     []*sendPage // linked, not yet spliced onto sending
	sending      []*sendPage // currently being drained by get_bytes_to_send_iovec
	bufferedSize int
	enabled      bool
	forceSend    bool

	onRelease func(*pagepool.Page) // returns a fully-drained page to its pool/cache
	src       func() *pagepool.Page
}

// New creates an empty, enabled send buffer for one transporter. src
// supplies fresh KindSend pages when the writer's current page is full.
func New(trpID uint32, src func() *pagepool.Page) *Buffer {
	return &Buffer{
		TrpID:     trpID,
		writeLock: synclock.NewSpinLock("sendbuffer.write"),
		sendLock:  synclock.NewSpinLock("sendbuffer.send"),
		enabled:   true,
		src:       src,
	}
}

// GetWritePtr returns a byte slice of length n the caller may write
// into directly, allocating a fresh page via src if the current one
// does not have room (spec.md section 4.8, "getWritePtr"). Returns nil
// if disabled or the page source is exhausted.
func (b *Buffer) GetWritePtr(n int) []byte {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	if !b.enabled {
		return nil
	}
	if b.currentPage == nil || b.currentPage.free() < n {
		if b.currentPage != nil {
			b.flushCurrentLocked()
		}
		pg := b.src()
		if pg == nil {
			return nil
		}
		b.currentPage = newSendPage(pg)
	}
	if b.currentPage.free() < n {
		return nil // n exceeds one page's payload capacity
	}
	start := b.currentPage.end
	return b.currentPage.bytes[start : start+n]
}

// UpdateWritePtr advances the current page's write position by n bytes,
// after the caller has finished writing into the slice GetWritePtr
// returned.
func (b *Buffer) UpdateWritePtr(n int) {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()
	if b.currentPage != nil {
		b.currentPage.end += n
	}
}

// flushCurrentLocked publishes the writer's current page into pending,
// to be picked up by the next LinkThreadSendBuffers call. Caller must
// hold writeLock.
func (b *Buffer) flushCurrentLocked() {
	if b.currentPage == nil {
		return
	}
	b.pending = append(b.pending, b.currentPage)
	b.currentPage = nil
}

// FlushWriter force-publishes the writer's in-progress page, for an
// explicit flush_send_buffer call ahead of a try_send.
func (b *Buffer) FlushWriter() {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()
	b.flushCurrentLocked()
}

// LinkThreadSendBuffers moves every page the writer has published since
// the last call from pending into the consumer-side buffered list
// (spec.md section 4.8, "link_thread_send_buffers"). It takes writeLock
// and then sendLock itself, so the caller must hold neither.
func (b *Buffer) LinkThreadSendBuffers() {
	b.writeLock.Lock()
	moved := b.pending
	b.pending = nil
	b.writeLock.Unlock()

	if len(moved) == 0 {
		return
	}
	b.sendLock.Lock()
	defer b.sendLock.Unlock()
	for _, sp := range moved {
		b.buffered = append(b.buffered, sp)
		b.bufferedSize += sp.end - sp.start
	}
}

// GetBytesToSendIovec fills iov with up to len(iov) entries from the
// sending list, first linking newly buffered pages and splicing them
// onto sending (spec.md section 4.8, "get_bytes_to_send_iovec"). If the
// filled iovec covers less than 25% of iov's capacity in total bytes,
// pack_sb_pages is run once to consolidate fragmented pages and the
// iovec refilled. Must be called under the transporter's send lock
// (i.e. by the owning send thread).
func (b *Buffer) GetBytesToSendIovec(iov []interfaces.IOVec) int {
	b.LinkThreadSendBuffers()

	b.sendLock.Lock()
	defer b.sendLock.Unlock()

	b.sending = append(b.sending, b.buffered...)
	b.buffered = nil
	b.bufferedSize = 0

	n := b.fillIovecLocked(iov)
	if n == len(iov) {
		total := 0
		for i := 0; i < n; i++ {
			total += iov[i].Length
		}
		capBytes := len(iov) * pagePayloadBytes
		if total*constants.PackThresholdDenominator < capBytes*constants.PackThresholdNumerator {
			b.packSendingLocked()
			n = b.fillIovecLocked(iov)
		}
	}
	return n
}

func (b *Buffer) fillIovecLocked(iov []interfaces.IOVec) int {
	n := 0
	for _, sp := range b.sending {
		if n >= len(iov) {
			break
		}
		if sp.start >= sp.end {
			continue
		}
		iov[n] = interfaces.IOVec{Base: sp.bytes[sp.start:sp.end], Length: sp.end - sp.start}
		n++
	}
	return n
}

// BytesSent advances the sending list's consumption cursor by n bytes,
// releasing any page fully consumed and adjusting a partially consumed
// page's start (spec.md section 4.8, "bytes_sent"). packSendingLocked is
// run on the tail once done. Returns the number of bytes still
// outstanding in the sending list.
func (b *Buffer) BytesSent(n int) int {
	b.sendLock.Lock()
	defer b.sendLock.Unlock()

	remaining := n
	kept := b.sending[:0]
	for _, sp := range b.sending {
		avail := sp.end - sp.start
		if remaining <= 0 {
			kept = append(kept, sp)
			continue
		}
		if remaining >= avail {
			remaining -= avail
			b.releasePage(sp)
			continue
		}
		sp.start += remaining
		remaining = 0
		kept = append(kept, sp)
	}
	b.sending = kept
	b.packSendingLocked()

	total := 0
	for _, sp := range b.sending {
		total += sp.end - sp.start
	}
	return total
}

func (b *Buffer) releasePage(sp *sendPage) {
	if b.onRelease != nil {
		b.onRelease(sp.page)
	}
}

// packSendingLocked merges adjacent pages in the sending list whose
// combined remaining content fits in one page, guaranteeing at least
// 50% fill (spec.md section 4.8, "pack_sb_pages"). Caller must hold
// sendLock.
func (b *Buffer) packSendingLocked() {
	if len(b.sending) < 2 {
		return
	}
	out := b.sending[:1]
	for i := 1; i < len(b.sending); i++ {
		dst := out[len(out)-1]
		src := b.sending[i]
		dstLen := dst.end - dst.start
		srcLen := src.end - src.start
		if dstLen+srcLen > len(dst.bytes) {
			out = append(out, src)
			continue
		}
		// compact dst to start at 0, then append src's remaining bytes.
		copy(dst.bytes[0:dstLen], dst.bytes[dst.start:dst.end])
		copy(dst.bytes[dstLen:dstLen+srcLen], src.bytes[src.start:src.end])
		dst.start = 0
		dst.end = dstLen + srcLen
		b.releasePage(src)
	}
	b.sending = out
}

// Disable discards every buffered and sending page (spec.md section
// 4.8, "disable_send_buffer"). Must be called under the transporter's
// send lock.
func (b *Buffer) Disable() {
	b.sendLock.Lock()
	defer b.sendLock.Unlock()
	for _, sp := range b.buffered {
		b.releasePage(sp)
	}
	for _, sp := range b.sending {
		b.releasePage(sp)
	}
	b.buffered = nil
	b.sending = nil
	b.bufferedSize = 0
	b.enabled = false
}

// Enable drains any leftover buffered pages inserted by producers that
// had not yet observed disabled=true, then marks the buffer enabled
// again (spec.md section 4.8, "enable_send_buffer").
func (b *Buffer) Enable() {
	b.LinkThreadSendBuffers()
	b.sendLock.Lock()
	defer b.sendLock.Unlock()
	for _, sp := range b.buffered {
		b.releasePage(sp)
	}
	b.buffered = nil
	b.bufferedSize = 0
	b.enabled = true
}

// Enabled reports whether the buffer currently accepts writes.
func (b *Buffer) Enabled() bool {
	b.sendLock.Lock()
	defer b.sendLock.Unlock()
	return b.enabled
}

// RequestForceSend marks that a writer could not take the send lock but
// needed a send to happen; the current lock holder checks this after
// Unlock (spec.md section 4.8, "force_send").
func (b *Buffer) RequestForceSend() {
	b.sendLock.Lock()
	b.forceSend = true
	b.sendLock.Unlock()
}

// TakeForceSend atomically reads and clears the force-send flag.
func (b *Buffer) TakeForceSend() bool {
	b.sendLock.Lock()
	defer b.sendLock.Unlock()
	v := b.forceSend
	b.forceSend = false
	return v
}

// BufferedSize reports the current buffered_size, for send-thread
// delay-reason accounting (spec.md section 4.9).
func (b *Buffer) BufferedSize() int {
	b.sendLock.Lock()
	defer b.sendLock.Unlock()
	return b.bufferedSize
}

// SetReleaseCallback wires a page-release sink (typically a
// pagepool.Cache.Release), called whenever a fully-drained send page is
// retired.
func (b *Buffer) SetReleaseCallback(fn func(*pagepool.Page)) {
	b.onRelease = fn
}
