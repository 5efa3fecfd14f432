// Package localstage implements the per-thread local signal stage
// (spec.md section 4.6): a single staging page that batches signals
// produced while executing a signal, grouped per destination thread,
// before they are flushed into that destination's job buffer. Batching
// here defers the JBB insert until flush; at flush time each staged
// signal is still inserted individually through Ring.Insert, which takes
// the destination JBB's write lock (when shared) once per signal.
package localstage

import (
	"github.com/behrlich/go-mtsched/internal/constants"
	"github.com/behrlich/go-mtsched/internal/jobbuffer"
	"github.com/behrlich/go-mtsched/internal/pagepool"
	"github.com/behrlich/go-mtsched/internal/signal"
)

// rnil is the "no next entry" sentinel threading each destination's
// intrusive list, matching constants.SignalRNIL.
const rnil = constants.SignalRNIL

// entryPrefixWords is the {next, length} prefix stored before each
// signal's encoded words in the staging page.
const entryPrefixWords = 2

// destination is the registered {ring, isReceiver} pair plus the
// thread-local {first, last, count} cursor into the staging page for one
// destination thread (spec.md section 4.6).
type destination struct {
	ring       *jobbuffer.Ring
	isReceiver bool

	first, last uint32 // word offsets into the staging page, rnil if empty
	count       int
}

func (d *destination) flushThreshold() int {
	if d.isReceiver {
		return constants.MaxSignalsBeforeFlushReceiver
	}
	return constants.MaxSignalsBeforeFlushOther
}

// Stage is one block thread's local signal stage. Not safe for
// concurrent use: exactly one producer thread owns a Stage.
type Stage struct {
	page     *pagepool.Page // local_buffer
	spare    *pagepool.Page // next_buffer: pre-allocated, never stalls a flush
	writePos int            // next free word offset in page

	dests map[uint32]*destination

	// wakeThreadsMask accumulates destinations that received a flush but
	// did not cross MAX_SIGNALS_BEFORE_WAKEUP; the owning block thread
	// wakes each of them once, right before it yields.
	wakeThreadsMask map[uint32]struct{}
}

// New creates an empty stage. Call Prime once a PageSource is available
// to pre-allocate the staging page and its spare.
func New() *Stage {
	return &Stage{dests: make(map[uint32]*destination)}
}

// RegisterDestination associates a destination thread id with the job
// buffer ring signals addressed to it flush into, and whether that
// thread is a receive thread (a lower flush threshold applies, spec.md
// section 4.6).
func (s *Stage) RegisterDestination(threadID uint32, ring *jobbuffer.Ring, isReceiver bool) {
	s.dests[threadID] = &destination{ring: ring, isReceiver: isReceiver, first: rnil, last: rnil}
}

// Prime obtains the initial local_buffer and next_buffer pages. Returns
// false if pages could not be obtained.
func (s *Stage) Prime(pages jobbuffer.PageSource) bool {
	if s.page == nil {
		s.page = pages()
		if s.page == nil {
			return false
		}
		s.page.Reset(pagepool.KindLocalStage)
		s.writePos = 0
	}
	if s.spare == nil {
		s.spare = pages()
		if s.spare == nil {
			return false
		}
		s.spare.Reset(pagepool.KindLocalStage)
	}
	return true
}

// entryWords is the total words one staged signal occupies: the
// {next,length} prefix plus its padded wire encoding.
func entryWords(sig *signal.Signal) int {
	return entryPrefixWords + jobbuffer.PaddedWireWords(sig)
}

// Insert appends sig to destThread's pending list, triggering a flush of
// that destination if its count crosses threshold, or of every
// destination if the staging page has grown past MAX_LOCAL_BUFFER_USAGE.
// woken reports threads that were just flushed and crossed
// MAX_SIGNALS_BEFORE_WAKEUP and so must be woken by the caller
// immediately (in addition to whatever remains queued in
// WakeThreadsMask for the eventual pre-yield sweep).
func (s *Stage) Insert(destThread uint32, sig *signal.Signal, pages jobbuffer.PageSource) (woken []uint32, ok bool) {
	d, known := s.dests[destThread]
	if !known {
		return nil, false
	}
	if !s.Prime(pages) {
		return nil, false
	}

	need := entryWords(sig)
	if s.writePos+need > len(s.page.Words) {
		if !s.pack(pages) || s.writePos+need > len(s.page.Words) {
			return nil, false
		}
	}

	off := uint32(s.writePos)
	s.page.Words[off] = rnil
	s.page.Words[off+1] = uint32(jobbuffer.PaddedWireWords(sig))
	jobbuffer.EncodeSignal(s.page, int(off)+entryPrefixWords, sig)
	s.writePos += need

	if d.last != rnil {
		s.page.Words[d.last] = off
	} else {
		d.first = off
	}
	d.last = off
	d.count++

	if d.count >= d.flushThreshold() {
		if w := s.flushDestination(destThread, d, pages); w {
			woken = append(woken, destThread)
		}
	} else if s.writePos > constants.MaxLocalBufferUsage {
		woken = s.FlushAll(pages)
	}
	return woken, true
}

// flushDestination copies every pending signal for d into its job
// buffer ring and clears the destination's cursor. Returns true if the
// ring's cumulative pending-signal count crossed MAX_SIGNALS_BEFORE_WAKEUP
// and the caller must wake the consumer now; otherwise the destination is
// recorded in WakeThreadsMask for the pre-yield sweep.
func (s *Stage) flushDestination(threadID uint32, d *destination, pages jobbuffer.PageSource) bool {
	off := d.first
	var tmp signal.Signal
	for off != rnil {
		next := s.page.Words[off]
		jobbuffer.DecodeSignal(s.page, int(off)+entryPrefixWords, &tmp)
		d.ring.Insert(&tmp, pages)
		off = next
	}
	d.first, d.last, d.count = rnil, rnil, 0

	if d.ring.Flush() {
		return true
	}
	if s.wakeThreadsMask == nil {
		s.wakeThreadsMask = make(map[uint32]struct{})
	}
	s.wakeThreadsMask[threadID] = struct{}{}
	return false
}

// FlushAll flushes every destination with pending signals and resets the
// staging page to empty, returning the destinations that must be woken
// immediately (crossed MAX_SIGNALS_BEFORE_WAKEUP).
func (s *Stage) FlushAll(pages jobbuffer.PageSource) (woken []uint32) {
	for threadID, d := range s.dests {
		if d.count == 0 {
			continue
		}
		if s.flushDestination(threadID, d, pages) {
			woken = append(woken, threadID)
		}
	}
	s.writePos = 0
	return woken
}

// DrainWakeMask returns the set of destination threads flushed since the
// last call that did not already trigger an immediate wakeup, and clears
// it. Call this once, right before the owning block thread yields
// (spec.md section 4.6, "wake_threads_mask").
func (s *Stage) DrainWakeMask() []uint32 {
	if len(s.wakeThreadsMask) == 0 {
		return nil
	}
	out := make([]uint32, 0, len(s.wakeThreadsMask))
	for threadID := range s.wakeThreadsMask {
		out = append(out, threadID)
	}
	s.wakeThreadsMask = nil
	return out
}

// pack rewrites every destination's pending entries into the spare page
// (compacting away flushed destinations' abandoned space), then swaps
// page <-> spare. Mirrors pack_local_signals (spec.md section 4.6).
func (s *Stage) pack(pages jobbuffer.PageSource) bool {
	if s.spare == nil {
		s.spare = pages()
		if s.spare == nil {
			return false
		}
		s.spare.Reset(pagepool.KindLocalStage)
	}

	newPos := uint32(0)
	for _, d := range s.dests {
		if d.count == 0 {
			continue
		}
		off := d.first
		newFirst, newLast := uint32(rnil), uint32(rnil)
		for off != rnil {
			next := s.page.Words[off]
			length := int(s.page.Words[off+1])
			n := uint32(entryPrefixWords + length)

			copy(s.spare.Words[newPos:newPos+n], s.page.Words[off:off+n])
			s.spare.Words[newPos] = rnil
			if newFirst == rnil {
				newFirst = newPos
			} else {
				s.spare.Words[newLast] = newPos
			}
			newLast = newPos

			newPos += n
			off = next
		}
		d.first, d.last = newFirst, newLast
	}

	s.page.Reset(pagepool.KindLocalStage)
	s.page, s.spare = s.spare, s.page
	s.writePos = int(newPos)
	return true
}
