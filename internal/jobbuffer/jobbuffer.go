// Package jobbuffer implements the JBB/JBA job buffer queue (spec.md
// sections 3, 4.5): a fixed-capacity ring of job-buffer pages, written by
// one or more producer threads and drained by exactly one consumer
// thread. Producer and consumer sides synchronise only through the
// write_index/read_index handshake and a pair of memory barriers around
// page publication; there is no lock on the fast consumer path.
package jobbuffer

import (
	"sync/atomic"

	"github.com/behrlich/go-mtsched/internal/constants"
	"github.com/behrlich/go-mtsched/internal/pagepool"
	"github.com/behrlich/go-mtsched/internal/signal"
	"github.com/behrlich/go-mtsched/internal/synclock"
	"github.com/behrlich/go-mtsched/internal/waitobj"
)

const ringSize = constants.JobBufferRingSize

// PaddedWireWords is the padded word count a signal occupies once copied
// into a job buffer or local-stage page: header + data + section handles,
// rounded up to an even word count so the next signal's header starts
// 8-byte aligned. Exported so internal/localstage's staging page, which
// uses the same signal encoding with a different entry prefix, can share
// one authoritative sizing/codec instead of duplicating the word layout.
func PaddedWireWords(sig *signal.Signal) int {
	n := sig.WireWords()
	if n%2 != 0 {
		n++
	}
	return n
}

// PageSource hands a fresh, already-reset KindJobBuffer page to a
// producer that needs to rotate; it is the producer's thread-local cache
// (internal/pagepool.Cache). Returning nil signals "out of pages" and the
// caller must treat the insert as having failed (spec.md section 4.12,
// congestion).
type PageSource func() *pagepool.Page

// Ring is one JBB (priority B) or JBA (priority A) queue. A Ring with a
// nil WriteLock assumes a single producer (the common case: most JBBs
// have exactly one writer); set WriteLock when multiple threads share the
// destination (glob_use_write_lock_mutex in spec.md section 6).
type Ring struct {
	isPrioA bool

	// Shared, producer/consumer-visible state.
	buffers   [ringSize]*pagepool.Page
	writeIndex uint32 // atomic
	readIndex  uint32 // atomic

	// Producer-private state (guarded by WriteLock when shared).
	WriteLock           synclock.Locker
	currentWriteBuffer  *pagepool.Page
	currentWriteBufLen  int
	pendingSignals      int32 // atomic, cumulative since last consumer wakeup
	writeIndexLocal      int

	// Consumer-private state; touched only from the single consumer
	// goroutine, never under WriteLock.
	readIndexLocal int
	readBuffer      *pagepool.Page
	readPos         int
	readEnd         int

	// CongestionWaiter is woken whenever the consumer releases a page,
	// so that a producer yield()ing because this queue was FULL observes
	// the freed page (spec.md section 4.5, "wakeup_all(congestion_waiter)").
	// Owned by the thread that runs this ring's consumer, injected at
	// construction.
	CongestionWaiter *waitobj.WaitObject

	// ConsumerWaiter is the destination thread's own wait object. Flush
	// wakes it immediately once the cumulative pending-signal count
	// crosses MAX_SIGNALS_BEFORE_WAKEUP (JBB) or on every insert (JBA),
	// per spec.md section 4.6, "the flusher immediately wakes the
	// consumer". A producer that flushes without crossing that threshold
	// does not wake it here -- spec.md's "otherwise" path records the
	// destination in the producer's own wake_threads_mask instead,
	// handled by internal/localstage and the owning engine's thread
	// registry, not by the ring itself.
	ConsumerWaiter *waitobj.WaitObject
}

// New creates an empty ring. isPrioA selects JBA framing (always flushed,
// always woken); congestionWaiter is woken whenever the consumer frees a
// page; consumerWaiter is the destination thread's own wait object, woken
// immediately on a threshold-crossing flush (either may be nil in tests).
func New(isPrioA bool, congestionWaiter, consumerWaiter *waitobj.WaitObject) *Ring {
	return &Ring{isPrioA: isPrioA, CongestionWaiter: congestionWaiter, ConsumerWaiter: consumerWaiter}
}

// attachFirstPage installs pg as both the initial write and read page.
// Called lazily by the first Insert, since a freshly constructed ring has
// no page until a producer asks for one.
func (r *Ring) attachFirstPage(pg *pagepool.Page) {
	pg.Reset(pagepool.KindJobBuffer)
	r.buffers[0] = pg
	r.currentWriteBuffer = pg
	r.currentWriteBufLen = 0
	r.writeIndexLocal = 0
	atomic.StoreUint32(&r.writeIndex, 0)
	r.readBuffer = pg
	r.readIndexLocal = 0
	atomic.StoreUint32(&r.readIndex, 0)
	r.readPos = 0
	r.readEnd = 0
}

// encodeHeader packs {length, priority-A flag} into a single page header
// word, per spec.md section 3, "Page".
func (r *Ring) encodeHeader() uint32 {
	h := uint32(r.currentWriteBufLen) << 1
	if r.isPrioA {
		h |= 1
	}
	return h
}

// publish stores the current write page's length with a write barrier, so
// a consumer that has already observed write_index sees a complete page.
// sync/atomic's Store already establishes the required release ordering.
func (r *Ring) publish() {
	atomic.StoreUint32(&r.currentWriteBuffer.Words[0], r.encodeHeader())
}

// rotate publishes the current page and moves writing to newPage,
// publishing the new m_buffers slot before advancing write_index so the
// consumer never sees an index pointing at a nil/stale slot.
func (r *Ring) rotate(newPage *pagepool.Page) {
	r.publish()
	newPage.Reset(pagepool.KindJobBuffer)
	next := (r.writeIndexLocal + 1) % ringSize
	r.buffers[next] = newPage // must happen-before the write_index store below
	atomic.StoreUint32(&r.writeIndex, uint32(next))
	r.writeIndexLocal = next
	r.currentWriteBuffer = newPage
	r.currentWriteBufLen = 0
}

// Free returns the number of additional pages this ring could accept
// before a producer must treat it as FULL (spec.md section 3, "Capacity
// classes"). One slot is always reserved for the page currently being
// written, matching the classic ring-buffer "capacity-1 usable" bound.
func (r *Ring) Free() int {
	w := atomic.LoadUint32(&r.writeIndex)
	rd := atomic.LoadUint32(&r.readIndex)
	used := int(w-rd+ringSize) % ringSize
	return ringSize - used - 1
}

// IsFull reports whether Free has dropped to or below RESERVED.
func (r *Ring) IsFull() bool {
	return r.Free() <= constants.ReservedPages
}

// IsCongested reports whether Free has dropped to or below CONGESTED,
// the threshold at which set_congested_jb_quotas reduces the producing
// thread's per-round signal quota (spec.md section 4.12).
func (r *Ring) IsCongested() bool {
	return r.Free() <= constants.CongestedPages
}

// Insert copies sig into the ring, rotating to a fresh page via next if
// the current page has no room. Returns false if a rotation was required
// but next returned nil (out of pages); the caller must treat this as a
// failed send and retry after the producer's own backoff/congestion
// handling (spec.md section 4.12).
//
// Insert does not by itself make the signal visible to the consumer: the
// caller must call Flush (JBB, batched) or rely on JBA's auto-flush on
// every insert.
func (r *Ring) Insert(sig *signal.Signal, next PageSource) bool {
	if r.WriteLock != nil {
		r.WriteLock.Lock()
		defer r.WriteLock.Unlock()
	}

	if r.currentWriteBuffer == nil {
		pg := next()
		if pg == nil {
			return false
		}
		r.attachFirstPage(pg)
	}

	need := PaddedWireWords(sig)
	if r.currentWriteBufLen+need > constants.JobBufferWords {
		pg := next()
		if pg == nil {
			return false
		}
		r.rotate(pg)
	}

	EncodeSignal(r.currentWriteBuffer, 1+r.currentWriteBufLen, sig)
	r.currentWriteBufLen += need

	atomic.AddInt32(&r.pendingSignals, 1)
	if r.isPrioA {
		r.flushLocked()
	}
	return true
}

// Flush publishes the current page's length (without rotating pages) so
// the consumer can see signals written since the last flush, and reports
// whether the cumulative pending-signal count has crossed
// MAX_SIGNALS_BEFORE_WAKEUP. When it has, the counter is reset and
// ConsumerWaiter (if set) is woken here. JBA always reports true: it is
// "always flushed and woken on every insert" (spec.md section 4.5).
func (r *Ring) Flush() (shouldWake bool) {
	if r.WriteLock != nil {
		r.WriteLock.Lock()
		defer r.WriteLock.Unlock()
	}
	return r.flushLocked()
}

// flushLocked is Flush's body, called either directly (WriteLock already
// held by the caller, e.g. from Insert) or via Flush (which acquires it).
func (r *Ring) flushLocked() (shouldWake bool) {
	if r.currentWriteBuffer != nil {
		r.publish()
	}
	if r.isPrioA {
		atomic.StoreInt32(&r.pendingSignals, 0)
		shouldWake = true
	} else if atomic.LoadInt32(&r.pendingSignals) >= constants.MaxSignalsBeforeWakeup {
		atomic.StoreInt32(&r.pendingSignals, 0)
		shouldWake = true
	}
	if shouldWake && r.ConsumerWaiter != nil {
		r.ConsumerWaiter.Wakeup()
	}
	return shouldWake
}

// EncodeSignal copies sig's header, data, and section handles into page
// starting at word offset atWord (relative to the page's own framing --
// the job buffer ring passes 1+len to skip its one-word page header;
// internal/localstage passes its own 2-word entry prefix offset).
func EncodeSignal(page *pagepool.Page, atWord int, sig *signal.Signal) {
	off := atWord
	page.Words[off+0] = uint32(sig.Header.SenderRef)
	page.Words[off+1] = uint32(sig.Header.ReceiverNo)
	page.Words[off+2] = uint32(sig.Header.GSN)
	page.Words[off+3] = uint32(sig.Header.Length)
	trace := uint32(0)
	if sig.Header.Trace {
		trace = 1
	}
	page.Words[off+4] = uint32(sig.Header.SectionCount)<<8 | trace
	page.Words[off+5] = sig.Header.SignalID
	page.Words[off+6] = 0 // reserved, keeps the 7-word header shape explicit
	pos := off + constants.SignalHeaderWords
	for i := 0; i < int(sig.Header.Length); i++ {
		page.Words[pos+i] = sig.Data[i]
	}
	pos += int(sig.Header.Length)
	for i := 0; i < int(sig.Header.SectionCount); i++ {
		page.Words[pos+i] = uint32(sig.Sections[i])
	}
}

// DecodeSignal is the inverse of EncodeSignal.
func DecodeSignal(page *pagepool.Page, atWord int, out *signal.Signal) {
	off := atWord
	out.Header.SenderRef = signal.BlockRef(page.Words[off+0])
	out.Header.ReceiverNo = uint16(page.Words[off+1])
	out.Header.GSN = uint16(page.Words[off+2])
	out.Header.Length = uint16(page.Words[off+3])
	packed := page.Words[off+4]
	out.Header.SectionCount = uint8(packed >> 8)
	out.Header.Trace = packed&1 != 0
	out.Header.SignalID = page.Words[off+5]
	pos := off + constants.SignalHeaderWords
	for i := 0; i < int(out.Header.Length); i++ {
		out.Data[i] = page.Words[pos+i]
	}
	pos += int(out.Header.Length)
	for i := 0; i < int(out.Header.SectionCount); i++ {
		out.Sections[i] = signal.SectionHandle(page.Words[pos+i])
	}
}

// refresh reloads the consumer's cached write_index and the current read
// page's published length. This is the "reload" step of read_all_jbb_state:
// it is safe to call even when write_index has not moved, since the
// current page's length may have grown in place via Flush.
func (r *Ring) refresh() {
	if r.readBuffer == nil {
		return
	}
	h := atomic.LoadUint32(&r.readBuffer.Words[0])
	r.readEnd = int(h >> 1)
}

// HasPending reports whether the consumer has a signal available to read
// right now, refreshing its local state first if its cached copy is
// exhausted but a new page (or a same-page flush) may have landed.
func (r *Ring) HasPending() bool {
	if r.readBuffer == nil {
		return false
	}
	if r.readPos < r.readEnd {
		return true
	}
	r.refresh()
	if r.readPos < r.readEnd {
		return true
	}
	w := atomic.LoadUint32(&r.writeIndex)
	return int(w) != r.readIndexLocal
}

// release hands a drained page back via cache (if non-nil). Waking the
// congestion waiter is left to Next.
func release(page *pagepool.Page, cache *pagepool.Cache) {
	if cache != nil {
		cache.Release(page)
	}
}

// Next decodes the next signal into out and returns true, or returns
// false if the queue is currently empty. When the consumer crosses a page
// boundary it releases the drained page to cache (may be nil) and wakes
// CongestionWaiter (may be nil), per spec.md section 4.5, "Consumer side".
func (r *Ring) Next(out *signal.Signal, cache *pagepool.Cache) bool {
	if r.readBuffer == nil {
		return false
	}
	for r.readPos >= r.readEnd {
		w := atomic.LoadUint32(&r.writeIndex)
		r.refresh()
		if r.readPos < r.readEnd {
			break
		}
		if r.readIndexLocal == int(w) {
			return false
		}

		old := r.readBuffer
		r.readIndexLocal = (r.readIndexLocal + 1) % ringSize
		atomic.StoreUint32(&r.readIndex, uint32(r.readIndexLocal))
		r.readBuffer = r.buffers[r.readIndexLocal]
		r.readPos = 0
		r.readEnd = 0
		r.refresh()

		release(old, cache)
		if r.CongestionWaiter != nil {
			r.CongestionWaiter.Wakeup()
		}
	}

	DecodeSignal(r.readBuffer, 1+r.readPos, out)
	r.readPos += PaddedWireWords(out)
	return true
}

// PendingSignals returns the cumulative producer-side count since the
// last Flush-triggered reset, for tests and diagnostics.
func (r *Ring) PendingSignals() int32 {
	return atomic.LoadInt32(&r.pendingSignals)
}
