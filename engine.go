package mtsched

import (
	"fmt"
	"sync"

	"github.com/behrlich/go-mtsched/internal/blockthread"
	"github.com/behrlich/go-mtsched/internal/interfaces"
	"github.com/behrlich/go-mtsched/internal/jobbuffer"
	"github.com/behrlich/go-mtsched/internal/pagepool"
	"github.com/behrlich/go-mtsched/internal/signal"
	"github.com/behrlich/go-mtsched/internal/waitobj"
)

// ThreadHandle is the engine's view of one registered block thread: its
// scheduler state (internal/blockthread) plus the thread-local page cache
// it draws staging and job-buffer pages from.
type ThreadHandle struct {
	No uint32

	inner *blockthread.Thread
	pages *pagepool.Cache

	outgoing   []blockthread.Outgoing
	srcThreads []uint32
	isReceiver bool
}

// MarkReceiver flags h as a receive thread: every connection made to it
// afterward uses the lower receiver flush threshold (spec.md section 4.6).
func (h *ThreadHandle) MarkReceiver() { h.isReceiver = true }

// ringPair is the JBB/JBA pair connecting one producer thread to one
// consumer thread (spec.md section 4.5).
type ringPair struct {
	jbb *jobbuffer.Ring
	jba *jobbuffer.Ring
}

type ringKey struct {
	from, to uint32
}

// Engine owns every registered thread, the job buffer rings wiring them
// together, and the scheduler primitives -- sendlocal, sendprioa,
// senddelay, flush, wakeup_pending -- signal producers call into (spec.md
// section 2 "Scheduler primitives", section 4.5-4.7).
type Engine struct {
	mu sync.RWMutex

	pool *pagepool.Pool

	threads map[uint32]*ThreadHandle
	rings   map[ringKey]ringPair
}

func pageSourceFor(cache *pagepool.Cache) jobbuffer.PageSource {
	return func() *pagepool.Page {
		pg, ok := cache.SeizeOne()
		if !ok {
			return nil
		}
		return pg
	}
}

// NewEngineCore creates an empty engine backed by a pagepool.Pool with one
// shard per thread the caller intends to register. Most callers should use
// New (mtsched.go), which also wires in configuration and crash
// coordination; NewEngineCore is exposed directly for tests that only need
// the signal-routing primitives.
func NewEngineCore(numShards int) *Engine {
	if numShards < 1 {
		numShards = 1
	}
	return &Engine{
		pool:    pagepool.New(numShards, nil),
		threads: make(map[uint32]*ThreadHandle),
		rings:   make(map[ringKey]ringPair),
	}
}

// RegisterThread adds a new block thread. threadNo also selects this
// thread's pagepool shard, so callers must number threads 0..N-1 where N
// is the shard count passed to NewEngineCore.
func (e *Engine) RegisterThread(threadNo uint32, block interfaces.Block, observer interfaces.Observer) (*ThreadHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.threads[threadNo]; exists {
		return nil, NewThreadError("REGISTER_THREAD", threadNo, ErrCodeInvalidParameters, "thread already registered")
	}

	cache := pagepool.NewCache(e.pool, int(threadNo), 0)
	h := &ThreadHandle{
		No:    threadNo,
		pages: cache,
		inner: blockthread.New(threadNo, block, observer, pageSourceFor(cache), nil),
	}
	e.threads[threadNo] = h
	return h, nil
}

// Connect wires a JBB/JBA pair from producer to consumer, registering the
// rings as a Source on the consumer (for draining) and an Outgoing on the
// producer (for congestion quota accounting), and registering consumer as
// a local-stage destination on the producer (spec.md section 4.6).
func (e *Engine) Connect(from, to uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	producer, ok := e.threads[from]
	if !ok {
		return NewThreadError("CONNECT", from, ErrCodeInvalidParameters, "producer thread not registered")
	}
	consumer, ok := e.threads[to]
	if !ok {
		return NewThreadError("CONNECT", to, ErrCodeInvalidParameters, "consumer thread not registered")
	}

	key := ringKey{from: from, to: to}
	if _, exists := e.rings[key]; exists {
		return NewQueueError("CONNECT", from, to, ErrCodeInvalidParameters, "connection already exists")
	}

	jbb := jobbuffer.New(false, producer.inner.Wait, consumer.inner.Wait)
	jba := jobbuffer.New(true, producer.inner.Wait, consumer.inner.Wait)
	e.rings[key] = ringPair{jbb: jbb, jba: jba}

	consumer.inner.RegisterSource(blockthread.Source{ThreadNo: from, JBB: jbb, JBA: jba})
	producer.outgoing = append(producer.outgoing, blockthread.Outgoing{ThreadNo: to, Ring: jbb})
	producer.srcThreads = append(producer.srcThreads, to)
	producer.inner.Stage.RegisterDestination(to, jbb, consumer.recvThread())

	return nil
}

// recvThread reports whether this thread should use the lower, receiver
// flush threshold (spec.md section 4.6); set via MarkReceiver.
func (h *ThreadHandle) recvThread() bool { return h.isReceiver }

// Thread returns the handle's underlying blockthread.Thread, for tests
// and advanced callers that need direct access to the main-loop steps.
func (h *ThreadHandle) Thread() *blockthread.Thread { return h.inner }

func (e *Engine) thread(threadNo uint32) (*ThreadHandle, error) {
	h, ok := e.threads[threadNo]
	if !ok {
		return nil, NewThreadError("LOOKUP", threadNo, ErrCodeInvalidParameters, "thread not registered")
	}
	return h, nil
}

// sendlocal stages sig for delivery to destThread from fromThread,
// batching it in the producer's local signal stage rather than writing
// straight into destThread's job buffer (spec.md section 4.6). Any
// destination that crossed its wakeup threshold is woken immediately;
// others remain pending until flushLocalSignals or wakeupPending runs.
func (e *Engine) sendlocal(fromThread, destThread uint32, sig *signal.Signal) error {
	e.mu.RLock()
	producer, err := e.thread(fromThread)
	e.mu.RUnlock()
	if err != nil {
		return err
	}

	woken, ok := producer.inner.Stage.Insert(destThread, sig, pageSourceFor(producer.pages))
	if !ok {
		return NewQueueError("SENDLOCAL", fromThread, destThread, ErrCodeOutOfJobBuffer, "local stage insert failed")
	}
	e.wake(woken)
	return nil
}

// sendprioa inserts sig directly into destThread's JBA, bypassing the
// local stage: priority-A traffic is always flushed and always wakes its
// consumer immediately (spec.md section 4.5, 4.7).
func (e *Engine) sendprioa(fromThread, destThread uint32, sig *signal.Signal) error {
	e.mu.RLock()
	producer, err := e.thread(fromThread)
	if err == nil {
		_, err = e.thread(destThread)
	}
	var ring *jobbuffer.Ring
	if err == nil {
		ring = e.rings[ringKey{from: fromThread, to: destThread}].jba
	}
	e.mu.RUnlock()
	if err != nil {
		return err
	}
	if ring == nil {
		return NewQueueError("SENDPRIOA", fromThread, destThread, ErrCodeUnknownDestination, "no connection registered")
	}

	if !ring.Insert(sig, pageSourceFor(producer.pages)) {
		return NewQueueError("SENDPRIOA", fromThread, destThread, ErrCodeOutOfJobBuffer, "JBA insert failed")
	}
	if ring.Flush() && ring.ConsumerWaiter != nil {
		ring.ConsumerWaiter.Wakeup()
	}
	return nil
}

// senddelay schedules sig for delivery to destThread after delayTicks
// thread-loop ticks (spec.md section 4.7): it is placed on fromThread's
// time queue and fired as a priority-A signal once due.
func (e *Engine) senddelay(fromThread, destThread uint32, sig *signal.Signal, delayTicks uint32) error {
	e.mu.RLock()
	producer, err := e.thread(fromThread)
	var ring *jobbuffer.Ring
	if err == nil {
		ring = e.rings[ringKey{from: fromThread, to: destThread}].jba
	}
	e.mu.RUnlock()
	if err != nil {
		return err
	}
	if ring == nil {
		return NewQueueError("SENDDELAY", fromThread, destThread, ErrCodeUnknownDestination, "no connection registered")
	}

	if !producer.inner.TimeQ.Send(ring, sig, delayTicks) {
		return NewQueueError("SENDDELAY", fromThread, destThread, ErrCodeTimeQueueFull, "time queue full")
	}
	return nil
}

// flushLocalSignals flushes every destination in fromThread's local stage
// immediately (spec.md section 4.6, "flush_local_signals"), waking any
// destination that crosses its wakeup threshold.
func (e *Engine) flushLocalSignals(fromThread uint32) error {
	e.mu.RLock()
	producer, err := e.thread(fromThread)
	e.mu.RUnlock()
	if err != nil {
		return err
	}
	woken := producer.inner.Stage.FlushAll(pageSourceFor(producer.pages))
	e.wake(woken)
	return nil
}

// wakeupPending wakes every destination thread that fromThread flushed
// since the last call without already triggering an immediate wakeup
// (spec.md section 4.6, "wake_threads_mask"); call this once right before
// fromThread yields.
func (e *Engine) wakeupPending(fromThread uint32) error {
	e.mu.RLock()
	producer, err := e.thread(fromThread)
	e.mu.RUnlock()
	if err != nil {
		return err
	}
	e.wake(producer.inner.Stage.DrainWakeMask())
	return nil
}

func (e *Engine) wake(threadNos []uint32) {
	if len(threadNos) == 0 {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, no := range threadNos {
		if h, ok := e.threads[no]; ok {
			h.inner.Wait.Wakeup()
		}
	}
}

// waitersFor is a small helper used by tests to reach a thread's own wait
// object without exporting blockthread.Thread's full surface.
func (e *Engine) waitersFor(threadNo uint32) (*waitobj.WaitObject, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.threads[threadNo]
	if !ok {
		return nil, fmt.Errorf("mtsched: thread %d not registered", threadNo)
	}
	return h.inner.Wait, nil
}
