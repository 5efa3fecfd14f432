package sendthread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAlertMovesIdleTransporterToPendingAndWakeIsTrueWhenAsleep(t *testing.T) {
	p := New(2, 0, nil)
	p.RegisterTransporter(1, false, nil)
	require.Equal(t, Idle, p.State(1))

	wake := p.AlertSendThread(1, true)
	require.True(t, wake)
	require.Equal(t, Pending, p.State(1))
}

func TestAlertDoesNotWakeWhenAlreadyAwake(t *testing.T) {
	p := New(2, 0, nil)
	p.RegisterTransporter(1, false, nil)
	p.SetAwake(p.trps[1].instance, true)

	wake := p.AlertSendThread(1, true)
	require.False(t, wake)
}

func TestGetTrpTransitionsPendingToActive(t *testing.T) {
	p := New(1, 0, nil)
	p.RegisterTransporter(1, false, nil)
	p.AlertSendThread(1, true)

	trpID, more := p.GetTrp(0, time.Now())
	require.True(t, more)
	require.EqualValues(t, 1, trpID)
	require.Equal(t, Active, p.State(1))
}

func TestGetTrpReturnsFalseWhenNothingPending(t *testing.T) {
	p := New(1, 0, nil)
	p.RegisterTransporter(1, false, nil)
	_, more := p.GetTrp(0, time.Now())
	require.False(t, more)
}

func TestAlertWhileActiveMovesToActiveWithPendingWithoutListing(t *testing.T) {
	p := New(1, 0, nil)
	p.RegisterTransporter(1, false, nil)
	p.AlertSendThread(1, true)
	p.GetTrp(0, time.Now()) // now ACTIVE

	wake := p.AlertSendThread(1, true)
	require.False(t, wake)
	require.Equal(t, ActiveWithPending, p.State(1))
}

func TestCheckDoneTrpReturnsToIdleWhenNoMoreWork(t *testing.T) {
	p := New(1, 0, nil)
	p.RegisterTransporter(1, false, nil)
	p.AlertSendThread(1, true)
	p.GetTrp(0, time.Now())

	p.CheckDoneTrp(1, false)
	require.Equal(t, Idle, p.State(1))
}

func TestCheckDoneTrpRelistsWhenMoreWorkRemains(t *testing.T) {
	p := New(1, 0, nil)
	p.RegisterTransporter(1, false, nil)
	p.AlertSendThread(1, true)
	p.GetTrp(0, time.Now())

	p.CheckDoneTrp(1, true)
	require.Equal(t, Pending, p.State(1))
}

func TestCheckDoneTrpRelistsWhenActiveWithPending(t *testing.T) {
	p := New(1, 0, nil)
	p.RegisterTransporter(1, false, nil)
	p.AlertSendThread(1, true)
	p.GetTrp(0, time.Now())
	p.AlertSendThread(1, true) // ACTIVE_WITH_PENDING

	p.CheckDoneTrp(1, false)
	require.Equal(t, Pending, p.State(1))
}

func TestGetTrpAlternatesNeighbourAndGeneralLists(t *testing.T) {
	p := New(1, 0, nil)
	p.RegisterTransporter(1, true, nil)  // neighbour
	p.RegisterTransporter(2, false, nil) // general
	p.AlertSendThread(1, true)
	p.AlertSendThread(2, true)

	first, _ := p.GetTrp(0, time.Now())
	second, _ := p.GetTrp(0, time.Now())

	require.NotEqual(t, first, second)
}

func TestGetTrpSkipsDelayedCandidateAndReturnsReadyOne(t *testing.T) {
	p := New(1, 0, nil)
	p.RegisterTransporter(1, false, nil)
	p.RegisterTransporter(2, false, nil)

	now := time.Now()
	p.AlertSendThread(1, true)
	p.ApplyDelay(1, now) // not overloaded, maxDelayUS==0: no delay applied here

	p.SetOverloaded(1, true)
	p.ApplyDelay(1, now)
	p.AlertSendThread(2, true)

	trpID, more := p.GetTrp(0, now)
	require.True(t, more)
	require.EqualValues(t, 2, trpID) // 1 is delayed by overload back-off
}

func TestGetTrpFallsBackToSmallestDelayWhenNoneReady(t *testing.T) {
	p := New(1, 0, nil)
	p.RegisterTransporter(1, false, nil)
	p.RegisterTransporter(2, false, nil)

	now := time.Now()
	p.AlertSendThread(1, true)
	p.SetOverloaded(1, true)
	p.ApplyDelay(1, now)

	p.AlertSendThread(2, true)
	p.SetOverloaded(2, true)
	p.ApplyDelay(2, now)

	trpID, more := p.GetTrp(0, now)
	require.True(t, more)
	require.Contains(t, []uint32{1, 2}, trpID)
}

func TestAssistSendDrainsAcrossInstancesUpToMax(t *testing.T) {
	p := New(2, 0, nil)
	p.RegisterTransporter(1, false, nil)
	p.RegisterTransporter(2, false, nil)
	p.AlertSendThread(1, true)
	p.AlertSendThread(2, true)

	var performed []uint32
	n := p.AssistSend(10, time.Now(), func(trpID uint32) {
		performed = append(performed, trpID)
	})
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []uint32{1, 2}, performed)
	require.Equal(t, Idle, p.State(1))
	require.Equal(t, Idle, p.State(2))
}

func TestAssistSendRespectsMaxAcrossInstances(t *testing.T) {
	p := New(1, 0, nil)
	for id := uint32(1); id <= 5; id++ {
		p.RegisterTransporter(id, false, nil)
		p.AlertSendThread(id, true)
	}

	n := p.AssistSend(3, time.Now(), func(uint32) {})
	require.Equal(t, 3, n)
}

func TestPacketSizeDelayAppliedOnlyWhenConfiguredAndUnderThreshold(t *testing.T) {
	p := New(1, 500, nil) // MaxSendDelay configured, 500us
	small := func() int { return 10 }
	p.RegisterTransporter(1, false, small)

	now := time.Now()
	p.ApplyDelay(1, now)

	d := p.trps[1].checkDelayExpired(now)
	require.Greater(t, d, time.Duration(0))
}

func TestWaitUnblocksOnWakeInstance(t *testing.T) {
	p := New(1, 0, nil)
	p.RegisterTransporter(1, false, nil)

	done := make(chan struct{})
	go func() {
		p.SetAwake(0, false)
		p.Wait(0, 0, func() bool { return true })
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	p.WakeInstance(1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock on WakeInstance")
	}
}
