// Package timequeue implements the time queue for delayed signals
// (spec.md section 4.7): three sub-queues (zero-delay FIFO, short and
// long sorted-by-alarm), backed by a pool of fixed 32-word slots carved
// out of pagepool pages. A Queue belongs to exactly one owning thread --
// senddelay and Scan are both called only from that thread, so no
// internal locking is needed.
package timequeue

import (
	"sort"

	"github.com/behrlich/go-mtsched/internal/constants"
	"github.com/behrlich/go-mtsched/internal/interfaces"
	"github.com/behrlich/go-mtsched/internal/jobbuffer"
	"github.com/behrlich/go-mtsched/internal/pagepool"
	"github.com/behrlich/go-mtsched/internal/signal"
)

// slotsPerPage and slot word size mirror spec.md section 3, "Page":
// time-queue pages are partitioned into constants.TimeQueueSlotsPerPage
// slots of constants.TimeQueueSlotWords words each.
const slotsPerPage = constants.TimeQueueSlotsPerPage
const slotWords = constants.TimeQueueSlotWords

// slotID packs a page index and in-page slot index into the 16-bit
// handle spec.md describes ("free list by 16-bit index (page#<<8 |
// slot)"). Both halves fit in a byte since slotsPerPage is 256.
type slotID uint16

func makeSlotID(page, slot uint8) slotID { return slotID(uint16(page)<<8 | uint16(slot)) }
func (s slotID) page() uint8            { return uint8(s >> 8) }
func (s slotID) slot() uint8            { return uint8(s) }

// slotPool carves fixed 32-word slots out of lazily allocated
// KindTimeQueue pages, tracking free slots with a simple free list.
type slotPool struct {
	pages    []*pagepool.Page // indexed by page number, grows lazily
	freeList []slotID
	src      jobbuffer.PageSource
}

func newSlotPool(src jobbuffer.PageSource) *slotPool {
	return &slotPool{src: src}
}

func (p *slotPool) grow() bool {
	if len(p.pages) >= 256 {
		return false // 8-bit page number component is exhausted
	}
	pg := p.src()
	if pg == nil {
		return false
	}
	pg.Reset(pagepool.KindTimeQueue)
	pageNo := uint8(len(p.pages))
	p.pages = append(p.pages, pg)
	for slot := 0; slot < slotsPerPage; slot++ {
		p.freeList = append(p.freeList, makeSlotID(pageNo, uint8(slot)))
	}
	return true
}

func (p *slotPool) alloc() (slotID, bool) {
	if len(p.freeList) == 0 {
		if !p.grow() {
			return 0, false
		}
	}
	n := len(p.freeList) - 1
	id := p.freeList[n]
	p.freeList = p.freeList[:n]
	return id, true
}

func (p *slotPool) free(id slotID) {
	p.freeList = append(p.freeList, id)
}

func (p *slotPool) words(id slotID) []uint32 {
	pg := p.pages[id.page()]
	off := int(id.slot()) * slotWords
	return pg.Words[off : off+slotWords]
}

// store writes sig's header and data words (no sections: a slot is
// exactly SignalMaxWords (32) words, header(7)+data(25), with no room
// left for section handles -- see DESIGN.md, "Time-queued signals carry
// no sections").
func (p *slotPool) store(id slotID, sig *signal.Signal) {
	w := p.words(id)
	w[0] = uint32(sig.Header.SenderRef)
	w[1] = uint32(sig.Header.ReceiverNo)
	w[2] = uint32(sig.Header.GSN)
	w[3] = uint32(sig.Header.Length)
	trace := uint32(0)
	if sig.Header.Trace {
		trace = 1
	}
	w[4] = trace
	w[5] = sig.Header.SignalID
	w[6] = 0
	for i := 0; i < int(sig.Header.Length); i++ {
		w[constants.SignalHeaderWords+i] = sig.Data[i]
	}
}

func (p *slotPool) load(id slotID, out *signal.Signal) {
	w := p.words(id)
	out.Header.SenderRef = signal.BlockRef(w[0])
	out.Header.ReceiverNo = uint16(w[1])
	out.Header.GSN = uint16(w[2])
	out.Header.Length = uint16(w[3])
	out.Header.Trace = w[4]&1 != 0
	out.Header.SectionCount = 0
	out.Header.SignalID = w[5]
	for i := 0; i < int(out.Header.Length); i++ {
		out.Data[i] = w[constants.SignalHeaderWords+i]
	}
}

// entry is one pending delayed signal: its destination, its slot, and
// (for short/long) its absolute alarm time.
type entry struct {
	alarm uint32
	slot  slotID
	ring  *jobbuffer.Ring
}

// Queue is one thread's time queue: the zero-delay FIFO plus the sorted
// short and long sub-queues, and the thread_ticks clock they are scanned
// against.
type Queue struct {
	slots *slotPool
	zero  []entry
	short []entry
	long  []entry

	threadTicks uint32
	logger      interfaces.Logger
}

// New creates an empty time queue. src supplies fresh pages for the slot
// pool; logger receives oversleep/clock-backwards diagnostics (may be
// nil).
func New(src jobbuffer.PageSource, logger interfaces.Logger) *Queue {
	return &Queue{slots: newSlotPool(src), logger: logger}
}

// Send allocates a slot, copies sig, and inserts it into the zero, short
// or long sub-queue according to delay (spec.md section 4.7,
// "senddelay"). delay == constants.BoundedDelay routes to the zero
// queue; sig must not carry section handles (see DESIGN.md). Returns
// false if the target sub-queue is at capacity or the slot pool is
// exhausted.
func (q *Queue) Send(ring *jobbuffer.Ring, sig *signal.Signal, delay uint32) bool {
	if sig.Header.SectionCount > 0 {
		return false
	}

	if delay == constants.BoundedDelay {
		if len(q.zero) >= constants.ZeroQueueSize {
			return false
		}
		id, ok := q.slots.alloc()
		if !ok {
			return false
		}
		q.slots.store(id, sig)
		q.zero = append(q.zero, entry{slot: id, ring: ring})
		return true
	}

	alarm := q.threadTicks + delay
	if delay < constants.ShortDelayThresholdMillis {
		return q.insertSorted(&q.short, constants.ShortQueueSize, alarm, ring, sig)
	}
	return q.insertSorted(&q.long, constants.LongQueueSize, alarm, ring, sig)
}

func (q *Queue) insertSorted(list *[]entry, capacity int, alarm uint32, ring *jobbuffer.Ring, sig *signal.Signal) bool {
	if len(*list) >= capacity {
		return false
	}
	id, ok := q.slots.alloc()
	if !ok {
		return false
	}
	q.slots.store(id, sig)

	e := entry{alarm: alarm, slot: id, ring: ring}
	i := sort.Search(len(*list), func(i int) bool { return (*list)[i].alarm > alarm })
	*list = append(*list, entry{})
	copy((*list)[i+1:], (*list)[i:])
	(*list)[i] = e
	return true
}

// handleTimeWrap reduces thread_ticks and every outstanding alarm by
// TimeWrapThreshold, spec.md section 4.7's wrap-around rule.
func (q *Queue) handleTimeWrap() {
	q.threadTicks -= constants.TimeWrapThreshold
	for i := range q.short {
		q.short[i].alarm -= constants.TimeWrapThreshold
	}
	for i := range q.long {
		q.long[i].alarm -= constants.TimeWrapThreshold
	}
}

// Deliver receives a fired delayed signal, as a prio-A signal into its
// destination ring (spec.md section 4.7: "delivering each as a prio-A
// signal via sendprioa").
type Deliver func(ring *jobbuffer.Ring, sig *signal.Signal)

func (q *Queue) fireZero(deliver Deliver) {
	var sig signal.Signal
	for _, e := range q.zero {
		q.slots.load(e.slot, &sig)
		deliver(e.ring, &sig)
		q.slots.free(e.slot)
	}
	q.zero = q.zero[:0]
}

func (q *Queue) fireDue(list *[]entry, end uint32, deliver Deliver) {
	var sig signal.Signal
	i := 0
	for i < len(*list) && (*list)[i].alarm <= end {
		q.slots.load((*list)[i].slot, &sig)
		deliver((*list)[i].ring, &sig)
		q.slots.free((*list)[i].slot)
		i++
	}
	if i > 0 {
		*list = (*list)[i:]
	}
}

// Scan advances the queue's clock to now and fires every due signal
// (spec.md section 4.7, "scan_time_queues"). Oversleep/clock-backwards
// conditions are logged, not returned, matching the original's
// fire-and-forget diagnostic.
func (q *Queue) Scan(now uint32, deliver Deliver) {
	if now < q.threadTicks {
		if q.logger != nil {
			q.logger.Warnf("timequeue: clock went backwards (now=%d thread_ticks=%d), resetting", now, q.threadTicks)
		}
		q.threadTicks = now
		q.fireZero(deliver)
		return
	}

	diff := now - q.threadTicks
	if diff > constants.OversleepWarnThresholdMillis {
		if q.logger != nil {
			q.logger.Warnf("timequeue: oversleep detected, %d ms behind", diff)
		}
		q.threadTicks = now - constants.OversleepRecoverMillis
		diff = constants.OversleepRecoverMillis
	}

	for diff > 0 {
		step := diff
		if step > constants.MaxScanStepMillis {
			step = constants.MaxScanStepMillis
		}
		q.threadTicks += step
		diff -= step

		if q.threadTicks > constants.TimeWrapThreshold {
			q.handleTimeWrap()
		}

		q.fireDue(&q.short, q.threadTicks, deliver)
		q.fireDue(&q.long, q.threadTicks, deliver)
	}

	q.fireZero(deliver)
}

// ThreadTicks returns the queue's current clock value, for tests and
// diagnostics.
func (q *Queue) ThreadTicks() uint32 { return q.threadTicks }

// Len reports the number of pending entries in each sub-queue, for tests
// and congestion/diagnostic accounting.
func (q *Queue) Len() (zero, short, long int) {
	return len(q.zero), len(q.short), len(q.long)
}
