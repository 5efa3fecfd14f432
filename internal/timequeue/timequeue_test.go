package timequeue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-mtsched/internal/constants"
	"github.com/behrlich/go-mtsched/internal/jobbuffer"
	"github.com/behrlich/go-mtsched/internal/pagepool"
	"github.com/behrlich/go-mtsched/internal/signal"
)

func newSrc(n int) jobbuffer.PageSource {
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

func mkSignal(gsn uint16, id uint32) *signal.Signal {
	var s signal.Signal
	s.Header.GSN = gsn
	s.Header.SignalID = id
	s.Header.Length = 1
	s.Data[0] = 7
	return &s
}

type recorder struct {
	gsns []uint16
	ids  []uint32
}

func (r *recorder) deliver(ring *jobbuffer.Ring, sig *signal.Signal) {
	r.gsns = append(r.gsns, sig.Header.GSN)
	r.ids = append(r.ids, sig.Header.SignalID)
}

func TestZeroQueueFiresUnconditionallyEveryScan(t *testing.T) {
	q := New(newSrc(4), nil)
	require.True(t, q.Send(nil, mkSignal(1, 1), constants.BoundedDelay))
	require.True(t, q.Send(nil, mkSignal(1, 2), constants.BoundedDelay))

	var rec recorder
	q.Scan(0, rec.deliver)
	require.Equal(t, []uint32{1, 2}, rec.ids)

	z, s, l := q.Len()
	require.Equal(t, 0, z)
	require.Equal(t, 0, s)
	require.Equal(t, 0, l)
}

func TestShortQueueFiresInAscendingAlarmOrder(t *testing.T) {
	q := New(newSrc(4), nil)
	require.True(t, q.Send(nil, mkSignal(1, 30), 30))
	require.True(t, q.Send(nil, mkSignal(1, 10), 10))
	require.True(t, q.Send(nil, mkSignal(1, 20), 20))

	var rec recorder
	q.Scan(50, rec.deliver)
	require.Equal(t, []uint32{10, 20, 30}, rec.ids)
}

func TestLongQueueRoutingAndOrdering(t *testing.T) {
	q := New(newSrc(4), nil)
	require.True(t, q.Send(nil, mkSignal(1, 500), 500))
	require.True(t, q.Send(nil, mkSignal(1, 200), 200))

	var rec recorder
	q.Scan(1000, rec.deliver)
	require.Equal(t, []uint32{200, 500}, rec.ids)
}

func TestScanOnlyFiresEntriesDueByEnd(t *testing.T) {
	q := New(newSrc(4), nil)
	require.True(t, q.Send(nil, mkSignal(1, 10), 10))
	require.True(t, q.Send(nil, mkSignal(1, 40), 40))

	var rec recorder
	q.Scan(15, rec.deliver)
	require.Equal(t, []uint32{10}, rec.ids)

	rec = recorder{}
	q.Scan(40, rec.deliver)
	require.Equal(t, []uint32{40}, rec.ids)
}

func TestScanStepsLargeDiffsInBoundedIncrements(t *testing.T) {
	q := New(newSrc(4), nil)
	// An alarm partway through a multi-step scan must still fire within
	// the same call, once thread_ticks reaches it.
	require.True(t, q.Send(nil, mkSignal(1, 50), 50))

	var rec recorder
	q.Scan(200, rec.deliver) // diff=200, far above MaxScanStepMillis=20
	require.Equal(t, []uint32{50}, rec.ids)
	require.EqualValues(t, 200, q.ThreadTicks())
}

func TestOversleepResetsThreadTicksAndLogs(t *testing.T) {
	var logged []string
	logger := &stubLogger{warn: &logged}
	q := New(newSrc(4), logger)

	q.Scan(2000, func(*jobbuffer.Ring, *signal.Signal) {})
	require.NotEmpty(t, logged)
	require.EqualValues(t, 2000-constants.OversleepRecoverMillis+constants.OversleepRecoverMillis, q.ThreadTicks())
}

func TestClockGoingBackwardsIsAcceptedAndLogged(t *testing.T) {
	var logged []string
	logger := &stubLogger{warn: &logged}
	q := New(newSrc(4), logger)

	q.Scan(500, func(*jobbuffer.Ring, *signal.Signal) {})
	require.EqualValues(t, 500, q.ThreadTicks())

	q.Scan(100, func(*jobbuffer.Ring, *signal.Signal) {})
	require.NotEmpty(t, logged)
	require.EqualValues(t, 100, q.ThreadTicks())
}

func TestSendRejectsSignalsCarryingSections(t *testing.T) {
	q := New(newSrc(4), nil)
	sig := mkSignal(1, 1)
	sig.Header.SectionCount = 1
	require.False(t, q.Send(nil, sig, constants.BoundedDelay))
}

func TestSendFailsWhenSubQueueAtCapacity(t *testing.T) {
	q := New(newSrc(64), nil)
	for i := 0; i < constants.ZeroQueueSize; i++ {
		require.True(t, q.Send(nil, mkSignal(1, uint32(i)), constants.BoundedDelay))
	}
	require.False(t, q.Send(nil, mkSignal(1, 9999), constants.BoundedDelay))
}

func TestSendFailsWhenSlotPoolExhausted(t *testing.T) {
	// Exactly one page: slotsPerPage slots total. A 10 ms delay routes to
	// the short queue, whose capacity is above slotsPerPage, so the slot
	// pool runs out first.
	q := New(newSrc(1), nil)
	ok := true
	n := 0
	for ok {
		ok = q.Send(nil, mkSignal(1, uint32(n)), 10)
		if ok {
			n++
		}
	}
	require.Equal(t, slotsPerPage, n)
}

type stubLogger struct{ warn *[]string }

func (s *stubLogger) Printf(format string, args ...interface{})  {}
func (s *stubLogger) Debugf(format string, args ...interface{}) {}
func (s *stubLogger) Warnf(format string, args ...interface{}) {
	*s.warn = append(*s.warn, format)
}
func (s *stubLogger) Errorf(format string, args ...interface{}) {}
