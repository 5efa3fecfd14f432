// Package sendthread implements the send-thread pool (spec.md section
// 4.9): a small set of instances, each owning a transporter state
// machine for every registered transporter, a neighbour-prioritized
// picking policy, and an assist-send path so a block thread with no
// job-buffer work can help drain pending transporters.
package sendthread

import (
	"sync"
	"time"

	"github.com/behrlich/go-mtsched/internal/constants"
	"github.com/behrlich/go-mtsched/internal/interfaces"
	"github.com/behrlich/go-mtsched/internal/waitobj"
)

// State mirrors the m_data_available encoding from spec.md section 4.9:
// IDLE = 0 and not listed, PENDING = listed with count > 0, ACTIVE = 1
// and not listed, ActiveWithPending = > 1 and not listed.
type State int

const (
	Idle State = iota
	Pending
	Active
	ActiveWithPending
)

// delayReason records why get_trp passed over a ready-looking
// transporter, for diagnostics and tests.
type delayReason int

const (
	delayNone delayReason = iota
	delayOverload
	delayPacketSizeOptimisation
)

type trpState struct {
	trpID     uint32
	neighbour bool
	instance  int

	dataAvailable int
	listed        bool

	overloaded  bool
	delayUntil  time.Time
	reason      delayReason
	bufferedSz  func() int // wired to sendbuffer.Buffer.BufferedSize
}

func (t *trpState) state() State {
	switch {
	case t.listed:
		return Pending
	case t.dataAvailable == 0:
		return Idle
	case t.dataAvailable == 1:
		return Active
	default:
		return ActiveWithPending
	}
}

// checkDelayExpired returns the remaining delay, or 0 if the transporter
// is ready to run now (spec.md section 4.9, "check_delay_expired").
func (t *trpState) checkDelayExpired(now time.Time) time.Duration {
	if t.delayUntil.IsZero() || !now.Before(t.delayUntil) {
		return 0
	}
	return t.delayUntil.Sub(now)
}

// instance is one send thread's private state: its own candidate lists
// (neighbour given priority over general) and wake signal.
type instance struct {
	id int

	mu        sync.Mutex
	neighbour []*trpState
	general   []*trpState
	turnGen   bool // alternates which list get_trp consults first

	awake bool
	wake  *waitobj.WaitObject
}

func newInstance(id int) *instance {
	return &instance{id: id, wake: waitobj.New()}
}

// Pool is the send-thread pool: up to constants.MaxSendThreads
// instances, each assigned a disjoint subset of transporters by a simple
// round-robin at registration time.
type Pool struct {
	mu         sync.Mutex
	instances  []*instance
	trps       map[uint32]*trpState
	next       int // round-robin cursor for RegisterTransporter
	maxDelayUS int // MaxSendDelay configuration; 0 disables packet-size delay
	transport  interfaces.Transporter
}

// New creates a pool of n instances (capped at MaxSendThreads). maxDelayUS
// is the configured MaxSendDelay in microseconds (0 disables the
// packet-size-optimisation delay reason).
func New(n int, maxDelayUS int, transport interfaces.Transporter) *Pool {
	if n <= 0 || n > constants.MaxSendThreads {
		n = constants.MaxSendThreads
	}
	p := &Pool{
		trps:       make(map[uint32]*trpState),
		maxDelayUS: maxDelayUS,
		transport:  transport,
	}
	for i := 0; i < n; i++ {
		p.instances = append(p.instances, newInstance(i))
	}
	return p
}

// RegisterTransporter adds a transporter to the pool in IDLE state,
// assigned round-robin to an instance. bufferedSz reports the
// transporter's current sendbuffer.Buffer.BufferedSize, used by the
// packet-size delay reason.
func (p *Pool) RegisterTransporter(trpID uint32, neighbour bool, bufferedSz func() int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst := p.next % len(p.instances)
	p.next++
	p.trps[trpID] = &trpState{trpID: trpID, neighbour: neighbour, instance: inst, bufferedSz: bufferedSz}
}

// SetNeighbour reassigns a transporter's neighbour flag (spec.md section
// 4.9, "startChangeNeighbourNode/setNeighbourNode/endChangeNeighbourNode"
// collapsed into one call: this package itself has no per-instance send
// lock for callers to hold across the sequence, so the whole update is
// done atomically under Pool.mu instead).
func (p *Pool) SetNeighbour(trpID uint32, neighbour bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.trps[trpID]; ok {
		t.neighbour = neighbour
	}
}

// AlertSendThread moves a transporter into PENDING (spec.md section 4.9
// state diagram, "alert_send_thread(insert_trp)"). If the transporter
// was IDLE (not already listed and not ACTIVE), it is inserted into its
// instance's candidate list; if ACTIVE, only the data-available counter
// is bumped (to ACTIVE_WITH_PENDING), the running send thread will
// re-list it itself once done. Returns whether the instance should be
// woken (it was not already awake and insertTrp caused a fresh PENDING
// listing).
func (p *Pool) AlertSendThread(trpID uint32, insertTrp bool) bool {
	p.mu.Lock()
	t, ok := p.trps[trpID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	inst := p.instances[t.instance]
	p.mu.Unlock()

	inst.mu.Lock()
	defer inst.mu.Unlock()

	t.dataAvailable++

	if t.listed {
		return false // already PENDING, nothing more to do
	}
	if t.dataAvailable > 1 {
		return false // ACTIVE -> ACTIVE_WITH_PENDING, the active send thread will relist
	}
	if !insertTrp {
		return false
	}

	t.listed = true
	if t.neighbour {
		inst.neighbour = append(inst.neighbour, t)
	} else {
		inst.general = append(inst.general, t)
	}

	wake := !inst.awake
	return wake
}

// WakeInstance wakes the instance owning trpID, if it is sleeping. Called
// after AlertSendThread reports true, outside the instance lock.
func (p *Pool) WakeInstance(trpID uint32) {
	p.mu.Lock()
	t, ok := p.trps[trpID]
	p.mu.Unlock()
	if !ok {
		return
	}
	inst := p.instances[t.instance]
	inst.wake.Wakeup()
}

// GetTrp picks the next transporter to run for instance id (spec.md
// section 4.9, "get_trp"): alternates between the neighbour and general
// lists, skipping candidates whose delay has not expired while
// remembering the smallest remaining delay. If nothing is ready, the
// candidate with the smallest remaining delay is returned anyway (still
// removed from its list). moreTrps is false only when both lists are
// empty.
func (p *Pool) GetTrp(id int, now time.Time) (trpID uint32, moreTrps bool) {
	inst := p.instances[id]
	inst.mu.Lock()
	defer inst.mu.Unlock()

	lists := [2]*[]*trpState{&inst.neighbour, &inst.general}
	if inst.turnGen {
		lists[0], lists[1] = lists[1], lists[0]
	}
	inst.turnGen = !inst.turnGen

	var bestIdx, bestList int = -1, -1
	var bestDelay time.Duration

	for li, lp := range lists {
		for i, t := range *lp {
			d := t.checkDelayExpired(now)
			if d <= 0 {
				removeAt(lp, i)
				t.listed = false
				t.dataAvailable = 1 // now ACTIVE
				return t.trpID, true
			}
			if bestIdx == -1 || d < bestDelay {
				bestIdx, bestList, bestDelay = i, li, d
			}
		}
	}

	if bestIdx == -1 {
		return 0, false
	}
	lp := lists[bestList]
	t := (*lp)[bestIdx]
	removeAt(lp, bestIdx)
	t.listed = false
	t.dataAvailable = 1
	return t.trpID, true
}

func removeAt(lp *[]*trpState, i int) {
	l := *lp
	l[i] = l[len(l)-1]
	*lp = l[:len(l)-1]
}

// CheckDoneTrp is called by the owning send thread after PerformSend:
// more reports whether the transporter still has pending work (either a
// new alert arrived mid-send, or PerformSend itself reports bytes remain
// unsent). If more, the transporter transitions back to PENDING
// (re-listed); otherwise it returns to IDLE.
func (p *Pool) CheckDoneTrp(trpID uint32, more bool) {
	p.mu.Lock()
	t, ok := p.trps[trpID]
	p.mu.Unlock()
	if !ok {
		return
	}
	inst := p.instances[t.instance]
	inst.mu.Lock()
	defer inst.mu.Unlock()

	hadPending := t.dataAvailable > 1
	if !more && !hadPending {
		t.dataAvailable = 0
		return
	}
	t.dataAvailable = 1
	t.listed = true
	if t.neighbour {
		inst.neighbour = append(inst.neighbour, t)
	} else {
		inst.general = append(inst.general, t)
	}
}

// applyDelay applies one of the two delayed-send reasons from spec.md
// section 4.9: overload back-off (fixed SendOverloadDelayMicros) or the
// packet-size optimisation (deferred while buffered_size stays under
// MaxSendBufferSizeToDelay and a MaxSendDelay is configured). Returns the
// reason applied, or delayNone if neither condition holds.
func (t *trpState) applyDelay(now time.Time, maxDelayUS int) delayReason {
	if t.overloaded {
		t.delayUntil = now.Add(constants.SendOverloadDelayMicros * time.Microsecond)
		t.reason = delayOverload
		return delayOverload
	}
	if maxDelayUS > 0 && t.bufferedSz != nil && t.bufferedSz() < constants.MaxSendBufferSizeToDelay {
		t.delayUntil = now.Add(time.Duration(maxDelayUS) * time.Microsecond)
		t.reason = delayPacketSizeOptimisation
		return delayPacketSizeOptimisation
	}
	t.reason = delayNone
	t.delayUntil = time.Time{}
	return delayNone
}

// SetOverloaded marks/unmarks a transporter as overloaded; the next
// delay evaluation for it applies the overload back-off.
func (p *Pool) SetOverloaded(trpID uint32, overloaded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.trps[trpID]; ok {
		t.overloaded = overloaded
	}
}

// ApplyDelay runs a transporter's delay-reason evaluation, for use right
// before it would otherwise be listed as a send candidate.
func (p *Pool) ApplyDelay(trpID uint32, now time.Time) {
	p.mu.Lock()
	t, ok := p.trps[trpID]
	p.mu.Unlock()
	if ok {
		t.applyDelay(now, p.maxDelayUS)
	}
}

// AssistSend lets a block thread with no job-buffer work help drain up
// to max pending transporters across every instance (spec.md section
// 4.9, "assist_send_thread"). perform is called once per picked
// transporter id; AssistSend itself does not know how to perform a send.
// Receive threads must never call this.
func (p *Pool) AssistSend(max int, now time.Time, perform func(trpID uint32)) int {
	done := 0
	for _, inst := range p.instances {
		for done < max {
			trpID, more := p.GetTrp(inst.id, now)
			if !more {
				break
			}
			perform(trpID)
			p.CheckDoneTrp(trpID, false)
			done++
		}
		if done >= max {
			break
		}
	}
	return done
}

// SetAwake records whether instance id is currently awake, for the
// wakeup-policy deferral spec.md section 4.9 describes ("otherwise defer
// to after the assist completes").
func (p *Pool) SetAwake(id int, awake bool) {
	inst := p.instances[id]
	inst.mu.Lock()
	inst.awake = awake
	inst.mu.Unlock()
}

func (p *Pool) Awake(id int) bool {
	inst := p.instances[id]
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.awake
}

// Wait blocks instance id's send thread until woken or timeout elapses,
// re-checking pred right after the sleep transition so a concurrent
// AlertSendThread is never lost (internal/waitobj's contract).
func (p *Pool) Wait(id int, timeout time.Duration, pred func() bool) {
	inst := p.instances[id]
	inst.wake.Yield(timeout, func(any) bool { return pred() }, nil)
}

// NumInstances reports how many send-thread instances the pool runs.
func (p *Pool) NumInstances() int { return len(p.instances) }

// State reports a transporter's current state in the IDLE/PENDING/
// ACTIVE/ACTIVE_WITH_PENDING machine, for tests and diagnostics.
func (p *Pool) State(trpID uint32) State {
	p.mu.Lock()
	t, ok := p.trps[trpID]
	p.mu.Unlock()
	if !ok {
		return Idle
	}
	inst := p.instances[t.instance]
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return t.state()
}
