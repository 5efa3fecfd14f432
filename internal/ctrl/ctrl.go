// Package ctrl provides the scheduler's configuration surface
// (EngineParams, spec.md section 6 "Configuration") and the crash/stop
// coordination the core calls into during STOP_FOR_CRASH (spec.md
// section 5 "Cancellation", section 7). It is grounded on the teacher's
// internal/ctrl: the same DeviceParams/DefaultDeviceParams shape, renamed
// to EngineParams/DefaultEngineParams, and the teacher's controller
// owning a logger and surfacing a handful of device-lifecycle calls --
// here, coordinating a crash dump across every registered thread instead
// of ADD_DEV/START_DEV/STOP_DEV ioctls.
package ctrl

import (
	"fmt"
	"sync"
	"time"

	"github.com/behrlich/go-mtsched/internal/constants"
	"github.com/behrlich/go-mtsched/internal/logging"
)

// EngineParams carries every operator-tunable knob of spec.md section 6:
// thread-role breakdown, send-thread count, and the per-thread
// sched_responsiveness mapping. It is the scheduler's equivalent of the
// teacher's DeviceParams.
type EngineParams struct {
	NumBlockThreads int
	NumRecvThreads  int
	NumSendThreads  int

	// UseWriteLockMutex is derived, not settable: true whenever more than
	// one send thread shares a transporter's send buffer lock (spec.md
	// section 4.8, "single send thread uses a spinlock, more than one
	// uses a mutex").
	UseWriteLockMutex bool

	MaxSendDelay    time.Duration
	WakeupLatency   time.Duration
	SpinTimePerCall time.Duration

	// SchedResponsiveness selects a (MaxSignalsBeforeSend,
	// MaxSignalsBeforeSendFlush) pair from the mapping table in spec.md
	// section 6; 0-10, clamped by Resolve.
	SchedResponsiveness int

	CPUAffinity []int
}

// DefaultEngineParams returns the scheduler's default configuration:
// one block thread, one receive thread, zero dedicated send threads
// (block threads assist-send), and the mid-point responsiveness value.
func DefaultEngineParams() EngineParams {
	return EngineParams{
		NumBlockThreads:     1,
		NumRecvThreads:      1,
		NumSendThreads:      0,
		UseWriteLockMutex:   false,
		MaxSendDelay:        0,
		WakeupLatency:       constants.PollReceiveDelayMillis,
		SpinTimePerCall:     0,
		SchedResponsiveness: (constants.MinSchedResponsiveness + constants.MaxSchedResponsiveness) / 2,
	}
}

// Resolve derives (maxSignalsBeforeSend, maxSignalsBeforeSendFlush) from
// SchedResponsiveness by linear interpolation across the bounds in
// spec.md section 6, clamping out-of-range input instead of erroring --
// matching the teacher's tolerant parameter-building style.
func (p EngineParams) Resolve() (maxSignalsBeforeSend, maxSignalsBeforeSendFlush int) {
	r := p.SchedResponsiveness
	if r < constants.MinSchedResponsiveness {
		r = constants.MinSchedResponsiveness
	}
	if r > constants.MaxSchedResponsiveness {
		r = constants.MaxSchedResponsiveness
	}
	span := constants.MaxSchedResponsiveness - constants.MinSchedResponsiveness

	sendSpan := constants.MaxSignalsBeforeSendVal - constants.MinSignalsBeforeSend
	maxSignalsBeforeSend = constants.MinSignalsBeforeSend + (sendSpan * r / span)

	flushSpan := constants.MaxSignalsBeforeSendFlush - constants.MinSignalsBeforeSendFlush
	maxSignalsBeforeSendFlush = constants.MinSignalsBeforeSendFlush + (flushSpan * r / span)
	return
}

// Validate rejects a non-positive NumBlockThreads or a negative
// NumSendThreads/NumRecvThreads, and derives UseWriteLockMutex (true when
// NumSendThreads > 1).
func (p *EngineParams) Validate() error {
	if p.NumBlockThreads <= 0 {
		return fmt.Errorf("ctrl: NumBlockThreads must be positive, got %d", p.NumBlockThreads)
	}
	if p.NumSendThreads < 0 || p.NumRecvThreads < 0 {
		return fmt.Errorf("ctrl: thread counts must be non-negative")
	}
	p.UseWriteLockMutex = p.NumSendThreads > 1
	return nil
}

// CrashCoordinator implements STOP_FOR_CRASH (spec.md section 5/7): one
// thread calls RequestStop, every other registered thread Acks in once
// it has observed the request and stopped processing, and RequestStop
// returns once every ack is in or CrashAckTimeout elapses -- whichever
// is first, since a stuck thread must never block the crash dump.
type CrashCoordinator struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[uint32]bool
	started bool
	logger  *logging.Logger
}

// NewCrashCoordinator creates a coordinator for the given set of
// thread numbers.
func NewCrashCoordinator(threadNos []uint32) *CrashCoordinator {
	c := &CrashCoordinator{
		pending: make(map[uint32]bool, len(threadNos)),
		logger:  logging.Default(),
	}
	c.cond = sync.NewCond(&c.mu)
	for _, no := range threadNos {
		c.pending[no] = true
	}
	return c
}

// RequestStop marks a crash in progress and blocks until every
// registered thread has Acked or CrashAckTimeout elapses.
func (c *CrashCoordinator) RequestStop() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	c.logger.Warn("STOP_FOR_CRASH requested", "pending", len(c.pending))

	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for len(c.pending) > 0 {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("STOP_FOR_CRASH: all threads acknowledged")
	case <-time.After(constants.CrashAckTimeout):
		c.mu.Lock()
		remaining := len(c.pending)
		c.mu.Unlock()
		c.logger.Error("STOP_FOR_CRASH: timed out waiting for threads", "remaining", remaining)
	}
}

// Ack is called by a thread once it has observed the crash request and
// stopped touching shared state.
func (c *CrashCoordinator) Ack(threadNo uint32) {
	c.mu.Lock()
	delete(c.pending, threadNo)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Started reports whether RequestStop has been called; a thread's main
// loop polls this to decide whether to stop picking up new work.
func (c *CrashCoordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}
