package blockthread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-mtsched/internal/constants"
	"github.com/behrlich/go-mtsched/internal/jobbuffer"
	"github.com/behrlich/go-mtsched/internal/pagepool"
	"github.com/behrlich/go-mtsched/internal/signal"
	"github.com/behrlich/go-mtsched/internal/waitobj"
)

func newPageSource(pool *pagepool.Pool, instance int) jobbuffer.PageSource {
	return func() *pagepool.Page {
		pg, ok := pool.Seize(instance)
		if !ok {
			return nil
		}
		return pg
	}
}

func mkSignal(gsn uint16, id uint32) *signal.Signal {
	var s signal.Signal
	s.Header.GSN = gsn
	s.Header.SignalID = id
	return &s
}

func mkBigSignal(id uint32) *signal.Signal {
	var s signal.Signal
	s.Header.GSN = 1
	s.Header.SignalID = id
	s.Header.Length = 25
	return &s
}

// rotateRingUntilFree forces page rotations (via oversized-signal inserts)
// until the ring's free-page count drops to or below target.
func rotateRingUntilFree(t *testing.T, r *jobbuffer.Ring, src jobbuffer.PageSource, target int) {
	t.Helper()
	signalsPerPage := 8190/32 + 1
	big := mkBigSignal(1)
	for r.Free() > target {
		for i := 0; i < signalsPerPage; i++ {
			require.True(t, r.Insert(big, src))
		}
	}
}

type recordingBlock struct {
	gsns []uint16
}

func (b *recordingBlock) Execute(gsn uint16, sig *signal.Signal) {
	b.gsns = append(b.gsns, gsn)
}

func TestRunJobBuffersDrainsJBABeforeJBB(t *testing.T) {
	pool := pagepool.New(1, nil)
	pool.Seed(0, 8)
	src := newPageSource(pool, 0)

	jba := jobbuffer.New(true, nil, nil)
	jbb := jobbuffer.New(false, nil, nil)
	require.True(t, jba.Insert(mkSignal(10, 1), src))
	require.True(t, jbb.Insert(mkSignal(20, 2), src))
	jbb.Flush()

	block := &recordingBlock{}
	th := New(1, block, nil, src, nil)
	th.RegisterSource(Source{ThreadNo: 2, JBB: jbb, JBA: jba})

	executed := th.RunJobBuffers(nil, nil)
	require.Equal(t, 2, executed)
	require.Equal(t, []uint16{10, 20}, block.gsns)
}

func TestRunJobBuffersRoundRobinsAcrossSources(t *testing.T) {
	pool := pagepool.New(1, nil)
	pool.Seed(0, 8)
	src := newPageSource(pool, 0)

	jbbA := jobbuffer.New(false, nil, nil)
	jbbB := jobbuffer.New(false, nil, nil)
	require.True(t, jbbA.Insert(mkSignal(1, 1), src))
	jbbA.Flush()
	require.True(t, jbbB.Insert(mkSignal(2, 1), src))
	jbbB.Flush()

	block := &recordingBlock{}
	th := New(1, block, nil, src, nil)
	th.RegisterSource(Source{ThreadNo: 10, JBB: jbbA, JBA: jobbuffer.New(true, nil, nil)})
	th.RegisterSource(Source{ThreadNo: 20, JBB: jbbB, JBA: jobbuffer.New(true, nil, nil)})

	th.RunJobBuffers(nil, nil)
	require.Equal(t, 1, th.nextSource)

	require.True(t, jbbA.Insert(mkSignal(3, 2), src))
	jbbA.Flush()
	require.True(t, jbbB.Insert(mkSignal(4, 2), src))
	jbbB.Flush()
	block.gsns = nil
	th.RunJobBuffers(nil, nil)
	require.Equal(t, []uint16{4, 3}, block.gsns)
}

func TestRunJobBuffersRespectsMaxSignalsPerJBQuota(t *testing.T) {
	pool := pagepool.New(1, nil)
	pool.Seed(0, 8)
	src := newPageSource(pool, 0)

	jbb := jobbuffer.New(false, nil, nil)
	for i := 0; i < 5; i++ {
		require.True(t, jbb.Insert(mkSignal(uint16(100+i), uint32(i)), src))
	}
	jbb.Flush()

	block := &recordingBlock{}
	th := New(1, block, nil, src, nil)
	th.maxSignalsPerJB = 2
	th.RegisterSource(Source{ThreadNo: 2, JBB: jbb, JBA: jobbuffer.New(true, nil, nil)})

	executed := th.RunJobBuffers(nil, nil)
	require.Equal(t, 2, executed)
}

func TestMaybeRescanZeroFiresEveryHundredSignals(t *testing.T) {
	th := New(1, nil, nil, nil, nil)
	calls := 0
	for i := 0; i < 250; i++ {
		th.maybeRescanZero(func() { calls++ })
	}
	require.Equal(t, 2, calls)
}

func TestRecomputeJobBufferQuotasForcesZeroWhenAnyQueueAtReserved(t *testing.T) {
	pool := pagepool.New(1, nil)
	pool.Seed(0, 64)
	src := newPageSource(pool, 0)

	ring := jobbuffer.New(false, nil, nil)
	rotateRingUntilFree(t, ring, src, constants.ReservedPages)

	th := New(1, nil, nil, src, nil)
	th.RegisterSource(Source{ThreadNo: 9, JBB: ring, JBA: jobbuffer.New(true, nil, nil)})

	th.RecomputeJobBufferQuotas([]Outgoing{{ThreadNo: 9, Ring: ring}}, 60)
	require.Equal(t, 0, th.MaxSignalsPerJB())
	require.True(t, th.CongestedThreadsMask()[9])
}

func TestRecomputeJobBufferQuotasUncongestedKeepsDefault(t *testing.T) {
	pool := pagepool.New(1, nil)
	pool.Seed(0, 64)
	src := newPageSource(pool, 0)

	ring := jobbuffer.New(false, nil, nil)
	th := New(1, nil, nil, src, nil)
	th.RecomputeJobBufferQuotas([]Outgoing{{ThreadNo: 9, Ring: ring}}, 60)
	require.Equal(t, constants.MaxSignalsPerJB, th.MaxSignalsPerJB())
	require.Empty(t, th.CongestedThreadsMask())
}

func TestHandleFullJobBuffersForcesContinueAfterMaxConsecutiveSleepLoops(t *testing.T) {
	th := New(1, nil, nil, nil, nil)
	ring := jobbuffer.New(false, waitobj.New(), nil)

	for i := 0; i < constants.MaxConsecutiveSleepLoops; i++ {
		require.False(t, th.HandleFullJobBuffers(ring))
	}
	require.True(t, th.HandleFullJobBuffers(ring))
}

func TestHandleFullJobBuffersReturnsTrueWhenNoWaiter(t *testing.T) {
	th := New(1, nil, nil, nil, nil)
	require.True(t, th.HandleFullJobBuffers(nil))
}

func TestPrepareSleepFlushesAndWakesWhenExecuted(t *testing.T) {
	pool := pagepool.New(1, nil)
	pool.Seed(0, 8)
	src := newPageSource(pool, 0)

	th := New(1, nil, nil, src, nil)
	woke := false
	th.Hooks.FlushAndWake = func() { woke = true }
	th.Stage.RegisterDestination(1, jobbuffer.New(true, nil, nil), false)
	th.Stage.Insert(1, mkSignal(1, 1), src)

	th.PrepareSleep(1, false, nil, time.Millisecond, func() bool { return true })
	require.True(t, woke)
}

func TestPrepareSleepSendsAndSpinsWhenIdleAndNotLagging(t *testing.T) {
	th := New(1, nil, nil, nil, nil)
	sent := false
	th.Hooks.MustSend = func() { sent = true }
	spun := false

	th.PrepareSleep(0, false, func() bool { spun = true; return true }, time.Millisecond, func() bool { return true })
	require.True(t, sent)
	require.True(t, spun)
}

func TestPrepareSleepSkipsSendWhenLagging(t *testing.T) {
	th := New(1, nil, nil, nil, nil)
	sent := false
	th.Hooks.MustSend = func() { sent = true }

	th.PrepareSleep(0, true, nil, time.Millisecond, func() bool { return true })
	require.False(t, sent)
}

func TestMaybeDowngradeRealtimeSkipsBeforeInterval(t *testing.T) {
	th := New(1, nil, nil, nil, nil)
	base := time.Unix(1000, 0)
	th.MaybeDowngradeRealtime(base, nil, nil)
	require.Equal(t, base, th.lastRealtimeBreak)

	downgraded := false
	th.MaybeDowngradeRealtime(base.Add(time.Millisecond), func() { downgraded = true }, nil)
	require.False(t, downgraded)
}

func TestMaybeDowngradeRealtimeFiresAfterInterval(t *testing.T) {
	th := New(1, nil, nil, nil, nil)
	base := time.Unix(1000, 0)
	th.MaybeDowngradeRealtime(base, nil, nil)

	later := base.Add(constants.RealtimeBreakIntervalMillis + time.Millisecond)
	downgraded, restored := false, false
	th.MaybeDowngradeRealtime(later, func() { downgraded = true }, func() { restored = true })
	require.True(t, downgraded)
	require.True(t, restored)
	require.Equal(t, later, th.lastRealtimeBreak)
}

func TestPrefillSendPoolReturnsTrueWhenSendPoolNil(t *testing.T) {
	th := New(1, nil, nil, nil, nil)
	require.True(t, th.PrefillSendPool(nil))
}

func TestPrefillSendPoolToppsUpToPreAllocTarget(t *testing.T) {
	pool := pagepool.New(1, nil)
	pool.Seed(0, constants.ThrSendBufferPreAlloc+4)
	sendPool := pagepool.NewCache(pool, 0, constants.ThrSendBufferPreAlloc+4)

	th := New(1, nil, nil, nil, sendPool)
	require.True(t, th.PrefillSendPool(nil))
	require.Equal(t, constants.ThrSendBufferPreAlloc, sendPool.Count())
}

func TestPrefillSendPoolCallsPackAndFailsWhenPoolExhausted(t *testing.T) {
	pool := pagepool.New(1, nil)
	pool.Seed(0, 3)
	sendPool := pagepool.NewCache(pool, 0, constants.ThrSendBufferPreAlloc)

	th := New(1, nil, nil, nil, sendPool)
	packed := false
	require.False(t, th.PrefillSendPool(func() { packed = true }))
	require.True(t, packed)
}

func TestScanTimeQueuesDeliversFiredSignalIntoDestinationRing(t *testing.T) {
	pool := pagepool.New(1, nil)
	pool.Seed(0, 8)
	src := newPageSource(pool, 0)

	th := New(1, nil, nil, src, nil)
	dest := jobbuffer.New(false, nil, nil)
	require.True(t, th.TimeQ.Send(dest, mkSignal(42, 1), 0))

	th.ScanTimeQueues(0)

	var out signal.Signal
	require.True(t, dest.Next(&out, nil))
	require.Equal(t, uint16(42), out.Header.GSN)
}
