// Package blockthread implements the block-thread main loop (spec.md
// section 4.10): per-iteration time-queue scanning, round-robin draining
// of incoming job buffers under a congestion-aware quota, mid-round
// scheduling decisions, and the sleep/spin/yield decision once a round
// produces no more work.
package blockthread

import (
	"time"

	"github.com/behrlich/go-mtsched/internal/congestion"
	"github.com/behrlich/go-mtsched/internal/constants"
	"github.com/behrlich/go-mtsched/internal/interfaces"
	"github.com/behrlich/go-mtsched/internal/jobbuffer"
	"github.com/behrlich/go-mtsched/internal/localstage"
	"github.com/behrlich/go-mtsched/internal/logging"
	"github.com/behrlich/go-mtsched/internal/pagepool"
	"github.com/behrlich/go-mtsched/internal/signal"
	"github.com/behrlich/go-mtsched/internal/timequeue"
	"github.com/behrlich/go-mtsched/internal/waitobj"
)

// Source is one incoming job buffer pair this thread drains: the normal
// JBB and its priority-A companion JBA, both written by producer
// threadNo.
type Source struct {
	ThreadNo uint32
	JBB      *jobbuffer.Ring
	JBA      *jobbuffer.Ring
}

// Outgoing is one of this thread's own outgoing job buffers, examined by
// set_congested_jb_quotas to decide this round's execution budget.
type Outgoing struct {
	ThreadNo uint32
	Ring     *jobbuffer.Ring
}

// Hooks lets the owning engine observe and react to scheduling
// decisions without blockthread importing the root package (avoiding a
// cycle): HandleSchedulingDecisions is called after each source JBB is
// drained, FlushAndWake after a round that executed and accumulated
// flushes, MustSend before sleeping.
type Hooks struct {
	HandleSchedulingDecisions func(executedThisRound int)
	FlushAndWake              func()
	MustSend                  func()
}

// Thread is one block thread's scheduler state. It owns no goroutine
// itself -- Run drives the loop, but every step is also independently
// callable for tests.
type Thread struct {
	ThreadNo     uint32
	IsMainThread bool

	sources    []Source
	nextSource int

	Stage   *localstage.Stage
	TimeQ   *timequeue.Queue
	SendPool *pagepool.Cache
	Block   interfaces.Block
	Observer interfaces.Observer
	Wait     *waitobj.WaitObject
	Hooks    Hooks

	pageSrc jobbuffer.PageSource

	maxSignalsPerJB      int
	congestedThreadsMask map[uint32]bool
	extraSignals         map[uint32]int

	signalsSinceZeroScan int
	sleepLoops           int
	lastRealtimeBreak    time.Time
}

// New creates a block thread with an initial, uncongested quota of
// constants.MaxSignalsPerJB. sendPool is the thread-local send-buffer
// page cache (nil disables PrefillSendPool).
func New(threadNo uint32, block interfaces.Block, observer interfaces.Observer, pageSrc jobbuffer.PageSource, sendPool *pagepool.Cache) *Thread {
	return &Thread{
		ThreadNo:        threadNo,
		Stage:           localstage.New(),
		TimeQ:           timequeue.New(pageSrc, nil),
		SendPool:        sendPool,
		Block:           block,
		Observer:        observer,
		Wait:            waitobj.New(),
		pageSrc:         pageSrc,
		maxSignalsPerJB: constants.MaxSignalsPerJB,
	}
}

// RegisterSource adds an incoming JBB/JBA pair this thread drains.
func (t *Thread) RegisterSource(src Source) {
	t.sources = append(t.sources, src)
}

// PrefillSendPool tops the thread-local send-buffer page cache up to
// constants.ThrSendBufferPreAlloc pages (spec.md section 4.10, step 1).
// pack is called (try_pack_send_buffers) if a page request fails before
// the target is reached.
func (t *Thread) PrefillSendPool(pack func()) bool {
	if t.SendPool == nil {
		return true
	}
	if t.SendPool.Prefill(constants.ThrSendBufferPreAlloc) {
		return true
	}
	if pack != nil {
		pack()
	}
	return t.SendPool.Count() >= constants.ThrSendBufferPreAlloc
}

// ScanTimeQueues advances the time queue to now, delivering any fired
// signal as a priority-A send into its destination ring (spec.md section
// 4.10, step 2; section 4.7, "delivering each as a prio-A signal via
// sendprioa").
func (t *Thread) ScanTimeQueues(now uint32) {
	t.TimeQ.Scan(now, func(ring *jobbuffer.Ring, sig *signal.Signal) {
		if ring == nil {
			return
		}
		if ring.Insert(sig, t.pageSrc) {
			ring.Flush()
		}
	})
}

// RecomputeJobBufferQuotas implements set_congested_jb_quotas (spec.md
// section 4.10): examines free space in every outgoing job buffer.
// A queue at or below CongestedPages scales this round's quota down
// proportionally to how little headroom it has above ReservedPages; a
// queue at or below ReservedPages forces the quota to zero outright
// (see DESIGN.md, "Congested quota scaling formula").
func (t *Thread) RecomputeJobBufferQuotas(outgoing []Outgoing, extraPool int) {
	quota := constants.MaxSignalsPerJB
	mask := make(map[uint32]bool)
	anyZero := false

	for _, o := range outgoing {
		free := o.Ring.Free()
		if free <= constants.ReservedPages {
			anyZero = true
			mask[o.ThreadNo] = true
			continue
		}
		if free <= constants.CongestedPages {
			span := constants.CongestedPages - constants.ReservedPages
			headroom := free - constants.ReservedPages
			scaled := constants.MaxSignalsPerJB * headroom / span
			if scaled < quota {
				quota = scaled
			}
			mask[o.ThreadNo] = true
		}
	}

	if anyZero {
		t.maxSignalsPerJB = 0
	} else {
		t.maxSignalsPerJB = quota
	}
	t.congestedThreadsMask = mask

	if len(mask) == 0 {
		t.extraSignals = nil
		return
	}
	var inQueues []congestion.InQueue
	for _, src := range t.sources {
		if !mask[src.ThreadNo] {
			continue
		}
		inQueues = append(inQueues, congestion.InQueue{ThreadNo: src.ThreadNo, Free: src.JBB.Free()})
	}
	t.extraSignals = congestion.PrepareCongestedExecution(inQueues, extraPool)
}

// RecheckCongestedJobBuffers restores quotas after a wait (spec.md
// section 4.10, "recheck_congested_job_buffers"); it is the same
// recomputation run again against the now-possibly-drained outgoing
// queues.
func (t *Thread) RecheckCongestedJobBuffers(outgoing []Outgoing, extraPool int) {
	t.RecomputeJobBufferQuotas(outgoing, extraPool)
}

// RunJobBuffers drains job buffers round-robin starting at the source
// resumed from last time (spec.md section 4.10, step 3): JBA is always
// fully drained first, then up to perjb+extra signals are executed from
// the JBB. Every 100 executed signals the zero time queue is rescanned.
// zeroScan is called in place of a direct timequeue dependency so tests
// can observe it without constructing a full Queue scan.
func (t *Thread) RunJobBuffers(cache *pagepool.Cache, zeroScan func()) (executed int) {
	if len(t.sources) == 0 {
		return 0
	}
	n := len(t.sources)
	for i := 0; i < n; i++ {
		idx := (t.nextSource + i) % n
		src := t.sources[idx]

		for {
			var sig signal.Signal
			if !src.JBA.Next(&sig, cache) {
				break
			}
			t.execute(&sig, signal.PriorityA)
			executed++
			t.maybeRescanZero(zeroScan)
		}

		perjb := t.maxSignalsPerJB + t.extraSignals[src.ThreadNo]
		for k := 0; k < perjb; k++ {
			var sig signal.Signal
			if !src.JBB.Next(&sig, cache) {
				break
			}
			t.execute(&sig, signal.PriorityB)
			executed++
			t.maybeRescanZero(zeroScan)
		}

		if t.Hooks.HandleSchedulingDecisions != nil {
			t.Hooks.HandleSchedulingDecisions(executed)
		}
	}
	t.nextSource = (t.nextSource + 1) % n
	return executed
}

func (t *Thread) maybeRescanZero(zeroScan func()) {
	t.signalsSinceZeroScan++
	if t.signalsSinceZeroScan >= 100 {
		t.signalsSinceZeroScan = 0
		if zeroScan != nil {
			zeroScan()
		}
	}
}

func (t *Thread) execute(sig *signal.Signal, prio signal.Priority) {
	if t.Block != nil {
		t.Block.Execute(sig.Header.GSN, sig)
	}
	if t.Observer != nil {
		t.Observer.ObserveSignalExecuted(sig.Header.GSN, prio)
	}
}

// HandleFullJobBuffers is called when max_signals_per_jb dropped to zero
// (spec.md section 4.10 step 7): it yields on target's congestion waiter
// for up to CongestionWaitTimeout. After MaxConsecutiveSleepLoops
// consecutive loops it logs and forces continued progress instead,
// returning true.
func (t *Thread) HandleFullJobBuffers(target *jobbuffer.Ring) (forceContinue bool) {
	if target == nil || target.CongestionWaiter == nil {
		return true
	}
	t.sleepLoops++
	if t.sleepLoops > constants.MaxConsecutiveSleepLoops {
		logging.Default().Warn("handle_full_job_buffers: forcing progress", "thread", t.ThreadNo, "sleep_loops", t.sleepLoops)
		t.sleepLoops = 0
		return true
	}
	target.CongestionWaiter.Yield(constants.CongestionWaitTimeout, func(any) bool {
		return target.IsFull()
	}, nil)
	return false
}

// PrepareSleep implements steps 5-6 of the main loop: if signals were
// executed and the local stage has anything pending, flush and wake
// destinations; otherwise, if no timers are lagging, do a final send and
// yield on this thread's own wait object.
func (t *Thread) PrepareSleep(executed int, lagging bool, spin func() bool, maxWaitNS time.Duration, queuesEmpty func() bool) {
	if executed > 0 {
		woken := t.Stage.FlushAll(t.pageSrc)
		if len(woken) > 0 && t.Hooks.FlushAndWake != nil {
			t.Hooks.FlushAndWake()
		}
		return
	}
	if lagging {
		return
	}
	if t.Hooks.MustSend != nil {
		t.Hooks.MustSend()
	}
	if spin != nil && spin() {
		return
	}
	t.Wait.Yield(maxWaitNS, func(any) bool { return queuesEmpty() }, nil)
}

// MaybeDowngradeRealtime implements the busy-round real-time break
// (spec.md section 4.10): if more than RealtimeBreakIntervalMillis has
// elapsed since the last break, downgrade is called then restore, to
// force the OS scheduler to time-share this thread.
func (t *Thread) MaybeDowngradeRealtime(now time.Time, downgrade, restore func()) {
	if t.lastRealtimeBreak.IsZero() {
		t.lastRealtimeBreak = now
		return
	}
	if now.Sub(t.lastRealtimeBreak) < constants.RealtimeBreakIntervalMillis {
		return
	}
	if downgrade != nil {
		downgrade()
	}
	if restore != nil {
		restore()
	}
	t.lastRealtimeBreak = now
}

// Run drives the main loop until stop is closed, implementing spec.md
// section 4.10's pseudo-flow end to end: prefill, scan, drain, decide,
// sleep. clockMillis supplies the current tick count for ScanTimeQueues;
// outgoing/extraPool feed RecomputeJobBufferQuotas each round.
func (t *Thread) Run(stop <-chan struct{}, clockMillis func() uint32, outgoing []Outgoing, extraPool int, cache *pagepool.Cache) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		t.PrefillSendPool(nil)
		now := clockMillis()
		t.ScanTimeQueues(now)
		t.RecomputeJobBufferQuotas(outgoing, extraPool)

		executed := t.RunJobBuffers(cache, func() { t.ScanTimeQueues(clockMillis()) })

		if t.maxSignalsPerJB == 0 {
			if threadNo, ok := congestionTarget(outgoing); ok {
				t.HandleFullJobBuffers(ringFor(outgoing, threadNo))
				t.RecheckCongestedJobBuffers(outgoing, extraPool)
			}
		}

		t.PrepareSleep(executed, false, nil, constants.CongestionWaitTimeout, func() bool { return true })
	}
}

func congestionTarget(outgoing []Outgoing) (uint32, bool) {
	for _, o := range outgoing {
		if o.Ring.IsFull() {
			return o.ThreadNo, true
		}
	}
	return 0, false
}

func ringFor(outgoing []Outgoing, threadNo uint32) *jobbuffer.Ring {
	for _, o := range outgoing {
		if o.ThreadNo == threadNo {
			return o.Ring
		}
	}
	return nil
}

// MaxSignalsPerJB reports the current round's per-JBB execution quota,
// for tests and diagnostics.
func (t *Thread) MaxSignalsPerJB() int { return t.maxSignalsPerJB }

// CongestedThreadsMask reports which source threads are currently
// flagged congested.
func (t *Thread) CongestedThreadsMask() map[uint32]bool { return t.congestedThreadsMask }
