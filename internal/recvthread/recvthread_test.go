package recvthread

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-mtsched/internal/blockthread"
	"github.com/behrlich/go-mtsched/internal/congestion"
	"github.com/behrlich/go-mtsched/internal/constants"
	"github.com/behrlich/go-mtsched/internal/interfaces"
	"github.com/behrlich/go-mtsched/internal/jobbuffer"
	"github.com/behrlich/go-mtsched/internal/pagepool"
	"github.com/behrlich/go-mtsched/internal/signal"
)

type stubTransporter struct {
	updateConnCalls int
	updateConnErr   error

	pollDelays []time.Duration
	pollErr    error

	performReceiveBuffersFull bool
	performReceiveErr         error
}

func (s *stubTransporter) PrepareSend(trpID uint32, prio signal.Priority, sig *signal.Signal) (interfaces.SendStatus, error) {
	return interfaces.SendOK, nil
}

func (s *stubTransporter) PerformSend(trpID uint32, nonBlocking bool) error { return nil }

func (s *stubTransporter) UpdateConnections() error {
	s.updateConnCalls++
	return s.updateConnErr
}

func (s *stubTransporter) PollReceive(delayMillis int) (int, error) {
	s.pollDelays = append(s.pollDelays, time.Duration(delayMillis)*time.Millisecond)
	return 0, s.pollErr
}

func (s *stubTransporter) PerformReceive(recvIdx int) (bool, error) {
	return s.performReceiveBuffersFull, s.performReceiveErr
}

func newPageSource(pool *pagepool.Pool, instance int) jobbuffer.PageSource {
	return func() *pagepool.Page {
		pg, ok := pool.Seize(instance)
		if !ok {
			return nil
		}
		return pg
	}
}

func newRecvThread() *Thread {
	pool := pagepool.New(1, nil)
	pool.Seed(0, 8)
	src := newPageSource(pool, 0)
	inner := blockthread.New(1, nil, nil, src, nil)
	return New(inner, nil, true)
}

func TestMaybeUpdateConnectionsFiresEveryNIterations(t *testing.T) {
	tr := &stubTransporter{}
	th := newRecvThread()
	th.Transporter = tr

	for i := 0; i < constants.UpdateConnectionsEveryNIterations-1; i++ {
		require.NoError(t, th.MaybeUpdateConnections())
	}
	require.Equal(t, 0, tr.updateConnCalls)

	require.NoError(t, th.MaybeUpdateConnections())
	require.Equal(t, 1, tr.updateConnCalls)
}

func TestMaybeUpdateConnectionsPropagatesError(t *testing.T) {
	tr := &stubTransporter{updateConnErr: errors.New("boom")}
	th := newRecvThread()
	th.Transporter = tr

	for i := 0; i < constants.UpdateConnectionsEveryNIterations; i++ {
		err := th.MaybeUpdateConnections()
		if i == constants.UpdateConnectionsEveryNIterations-1 {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
		}
	}
}

func TestPollDelayIsZeroWhenWorkOutstanding(t *testing.T) {
	th := newRecvThread()
	require.Equal(t, time.Duration(0), th.PollDelay(true))
}

func TestPollDelayIsStandardWhenMainThreadExists(t *testing.T) {
	th := newRecvThread()
	th.HasMainThread = true
	require.Equal(t, constants.PollReceiveDelayMillis, th.PollDelay(false))
}

func TestPollDelayIsShorterWithNoMainThread(t *testing.T) {
	th := newRecvThread()
	th.HasMainThread = false
	require.Equal(t, constants.PollReceiveDelayNoMainMillis, th.PollDelay(false))
}

func TestPollAndReceiveDelegateToTransporter(t *testing.T) {
	tr := &stubTransporter{performReceiveBuffersFull: true}
	th := newRecvThread()
	th.Transporter = tr

	_, err := th.Poll(5 * time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{5 * time.Millisecond}, tr.pollDelays)

	full, err := th.Receive(3)
	require.NoError(t, err)
	require.True(t, full)
}

func TestPollAndReceiveAreNoOpsWithoutTransporter(t *testing.T) {
	th := newRecvThread()
	n, err := th.Poll(time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	full, err := th.Receive(0)
	require.NoError(t, err)
	require.False(t, full)
}

func TestHandleBuffersFullYieldsOnCongestedNonSelfThread(t *testing.T) {
	th := newRecvThread()
	ring := jobbuffer.New(false, nil, nil)

	outQueues := []congestion.InQueue{
		{ThreadNo: 1, Full: true}, // self
		{ThreadNo: 2, Full: true},
	}
	var resolved uint32
	th.HandleBuffersFull(1, outQueues, func(threadNo uint32) *jobbuffer.Ring {
		resolved = threadNo
		return ring
	})
	require.EqualValues(t, 2, resolved)
}

func TestHandleBuffersFullNoopsWhenNoneFull(t *testing.T) {
	th := newRecvThread()
	called := false
	th.HandleBuffersFull(1, []congestion.InQueue{{ThreadNo: 1, Full: false}}, func(uint32) *jobbuffer.Ring {
		called = true
		return nil
	})
	require.False(t, called)
}
