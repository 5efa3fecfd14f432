// Package recvthread implements the receive-thread main loop (spec.md
// section 4.11): a block thread that additionally polls its assigned
// transporters for incoming data, periodically nudges the transporter
// registry's connection bookkeeping, and yields on a downstream
// congestion waiter when a poll discovers a producer hit FULL.
package recvthread

import (
	"time"

	"github.com/behrlich/go-mtsched/internal/blockthread"
	"github.com/behrlich/go-mtsched/internal/congestion"
	"github.com/behrlich/go-mtsched/internal/constants"
	"github.com/behrlich/go-mtsched/internal/interfaces"
	"github.com/behrlich/go-mtsched/internal/jobbuffer"
	"github.com/behrlich/go-mtsched/internal/pagepool"
)

// Thread wraps a block thread with the receive-specific responsibilities
// spec.md section 4.11 adds on top: polling, periodic connection
// maintenance, and congestion-aware backoff on a full downstream queue.
type Thread struct {
	*blockthread.Thread

	Transporter   interfaces.Transporter
	HasMainThread bool

	iterations int
}

// New wraps an already-constructed block thread as a receive thread.
// hasMainThread controls the idle poll delay (spec.md section 4.11:
// "1 ms if no main thread exists").
func New(inner *blockthread.Thread, transporter interfaces.Transporter, hasMainThread bool) *Thread {
	return &Thread{Thread: inner, Transporter: transporter, HasMainThread: hasMainThread}
}

// MaybeUpdateConnections calls UpdateConnections once every
// constants.UpdateConnectionsEveryNIterations calls (spec.md section
// 4.11: "no spin at the transporter level -- spin is centralised here").
func (t *Thread) MaybeUpdateConnections() error {
	t.iterations++
	if t.iterations < constants.UpdateConnectionsEveryNIterations {
		return nil
	}
	t.iterations = 0
	if t.Transporter == nil {
		return nil
	}
	return t.Transporter.UpdateConnections()
}

// PollDelay picks pollReceive's delay argument: zero when there is
// outstanding work to get back to promptly, else the configured idle
// delay (shorter when this receive thread is the only driver of
// progress, since nothing else will wake it).
func (t *Thread) PollDelay(outstandingWork bool) time.Duration {
	if outstandingWork {
		return 0
	}
	if !t.HasMainThread {
		return constants.PollReceiveDelayNoMainMillis
	}
	return constants.PollReceiveDelayMillis
}

// Poll calls the transporter's pollReceive with the given delay.
func (t *Thread) Poll(delay time.Duration) (numEvents int, err error) {
	if t.Transporter == nil {
		return 0, nil
	}
	return t.Transporter.PollReceive(int(delay / time.Millisecond))
}

// Receive calls performReceive for one ready transporter index, returning
// whether a producer discovered a downstream JBB FULL while injecting
// incoming signals.
func (t *Thread) Receive(recvIdx int) (buffersFull bool, err error) {
	if t.Transporter == nil {
		return false, nil
	}
	return t.Transporter.PerformReceive(recvIdx)
}

// HandleBuffersFull locates the one congested downstream thread (spec.md
// section 4.11/4.12, get_congested_job_queue) and yields on its
// congestion waiter for up to CongestionWaitTimeout, recomputing after
// the wake. ringFor resolves a threadNo to the outgoing ring whose
// CongestionWaiter should be waited on.
func (t *Thread) HandleBuffersFull(self uint32, outQueues []congestion.InQueue, ringFor func(threadNo uint32) *jobbuffer.Ring) {
	threadNo, ok := congestion.GetCongestedJobQueue(self, outQueues)
	if !ok {
		return
	}
	ring := ringFor(threadNo)
	if ring == nil || ring.CongestionWaiter == nil {
		return
	}
	ring.CongestionWaiter.Yield(constants.CongestionWaitTimeout, func(any) bool {
		return ring.IsFull()
	}, nil)
}

// Run drives the receive-thread loop until stop is closed. It performs
// every step of blockthread.Thread.Run plus the receive-specific polling
// and connection maintenance spec.md section 4.11 layers on top. self is
// this thread's own threadNo, used to resolve the wait target if a
// receive discovers a downstream JBB FULL; outQueues/ringFor are called
// lazily, only when that happens.
func (t *Thread) Run(
	stop <-chan struct{},
	clockMillis func() uint32,
	outgoing []blockthread.Outgoing,
	extraPool int,
	cache *pagepool.Cache,
	recvIdx int,
	self uint32,
	onError func(error),
	outQueues func() []congestion.InQueue,
	ringFor func(uint32) *jobbuffer.Ring,
) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := t.MaybeUpdateConnections(); err != nil && onError != nil {
			onError(err)
		}

		t.PrefillSendPool(nil)
		now := clockMillis()
		t.ScanTimeQueues(now)
		t.RecomputeJobBufferQuotas(outgoing, extraPool)

		executed := t.RunJobBuffers(cache, func() { t.ScanTimeQueues(clockMillis()) })

		delay := t.PollDelay(executed > 0)
		if _, err := t.Poll(delay); err != nil && onError != nil {
			onError(err)
		}
		full, err := t.Receive(recvIdx)
		if err != nil && onError != nil {
			onError(err)
		}
		if full {
			t.HandleBuffersFull(self, outQueues(), ringFor)
		}

		t.PrepareSleep(executed, false, nil, constants.CongestionWaitTimeout, func() bool { return true })
	}
}
