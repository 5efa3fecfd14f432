package mtsched

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/go-mtsched/internal/interfaces"
	"github.com/behrlich/go-mtsched/internal/signal"
)

// Observer is re-exported from internal/interfaces so callers configuring
// an Engine never need to import an internal package directly.
type Observer = interfaces.Observer

// LatencyBuckets are the upper bounds, in nanoseconds, of each bucket in
// Metrics' signal-execution latency histogram: 1us through 10s,
// logarithmic, matching the teacher's bucket layout.
var LatencyBuckets = [8]uint64{
	1_000, 10_000, 100_000, 1_000_000,
	10_000_000, 100_000_000, 1_000_000_000, 10_000_000_000,
}

// Metrics accumulates scheduler-domain counters: signals executed per
// priority, job-buffer depth samples, bytes sent per transporter, sleep
// and congestion events -- the replacement for the teacher's block-I/O
// counters (ReadOps/WriteOps/ReadBytes/...).
type Metrics struct {
	SignalsExecutedB atomic.Uint64
	SignalsExecutedA atomic.Uint64

	JobBufferDepthTotal atomic.Uint64
	JobBufferDepthCount atomic.Uint64
	MinJobBufferFree    atomic.Int64

	SendBytes atomic.Uint64
	SendCalls atomic.Uint64

	Sleeps      atomic.Uint64
	SleepsAwake atomic.Uint64

	CongestionEvents atomic.Uint64

	LatencyBuckets [8]atomic.Uint64
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a Metrics with StartTime set to now and
// MinJobBufferFree seeded to 1<<62-1 (far above any real free-page
// count) so the first sample always wins.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	m.MinJobBufferFree.Store(1<<62 - 1)
	return m
}

// RecordSignalExecuted records one dispatched signal and its
// execution latency.
func (m *Metrics) RecordSignalExecuted(prio signal.Priority, latencyNs uint64) {
	if prio == signal.PriorityA {
		m.SignalsExecutedA.Add(1)
	} else {
		m.SignalsExecutedB.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordJobBufferDepth samples a job buffer's current free-page count.
func (m *Metrics) RecordJobBufferDepth(freePages int) {
	m.JobBufferDepthTotal.Add(uint64(freePages))
	m.JobBufferDepthCount.Add(1)
	for {
		cur := m.MinJobBufferFree.Load()
		if int64(freePages) >= cur {
			return
		}
		if m.MinJobBufferFree.CompareAndSwap(cur, int64(freePages)) {
			return
		}
	}
}

// RecordSendBytes records n bytes sent on one transporter.
func (m *Metrics) RecordSendBytes(n int) {
	m.SendBytes.Add(uint64(n))
	m.SendCalls.Add(1)
}

// RecordWait records one thread sleep, noting whether it woke due to
// outstanding work (slept == false would mean it never slept at all;
// callers only call this when a sleep actually happened).
func (m *Metrics) RecordWait(wokeEarly bool) {
	m.Sleeps.Add(1)
	if wokeEarly {
		m.SleepsAwake.Add(1)
	}
}

// RecordCongestion records a congestion state transition.
func (m *Metrics) RecordCongestion() {
	m.CongestionEvents.Add(1)
}

// Stop freezes StopTime so Snapshot's uptime calculation stabilizes.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Reset zeroes every counter, keeping StartTime.
func (m *Metrics) Reset() {
	start := m.StartTime.Load()
	*m = Metrics{}
	m.StartTime.Store(start)
	m.MinJobBufferFree.Store(1<<62 - 1)
}

// Snapshot is a point-in-time, non-atomic copy of Metrics for reporting.
type Snapshot struct {
	SignalsExecutedB uint64
	SignalsExecutedA uint64
	TotalSignals     uint64

	AvgJobBufferFree float64
	MinJobBufferFree int64

	SendBytes uint64
	SendCalls uint64

	Sleeps      uint64
	SleepsAwake uint64

	CongestionEvents uint64

	AvgLatencyNs     uint64
	LatencyHistogram [8]uint64

	UptimeNs uint64
}

// Snapshot computes a Snapshot from the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	var s Snapshot
	s.SignalsExecutedB = m.SignalsExecutedB.Load()
	s.SignalsExecutedA = m.SignalsExecutedA.Load()
	s.TotalSignals = s.SignalsExecutedB + s.SignalsExecutedA

	if count := m.JobBufferDepthCount.Load(); count > 0 {
		s.AvgJobBufferFree = float64(m.JobBufferDepthTotal.Load()) / float64(count)
	}
	s.MinJobBufferFree = m.MinJobBufferFree.Load()

	s.SendBytes = m.SendBytes.Load()
	s.SendCalls = m.SendCalls.Load()
	s.Sleeps = m.Sleeps.Load()
	s.SleepsAwake = m.SleepsAwake.Load()
	s.CongestionEvents = m.CongestionEvents.Load()

	if ops := m.OpCount.Load(); ops > 0 {
		s.AvgLatencyNs = m.TotalLatencyNs.Load() / ops
	}
	for i := range s.LatencyHistogram {
		s.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop == 0 {
		stop = time.Now().UnixNano()
	}
	if stop > start {
		s.UptimeNs = uint64(stop - start)
	}
	return s
}

// NoOpObserver implements Observer and discards every call; it is the
// default when an Options.Observer is not supplied.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSignalExecuted(gsn uint16, prio signal.Priority)     {}
func (NoOpObserver) ObserveJobBufferDepth(threadNo, jbbNo uint32, free int)     {}
func (NoOpObserver) ObserveSendBytes(trpID uint32, n int)                      {}
func (NoOpObserver) ObserveWait(threadNo uint32, slept bool)                   {}
func (NoOpObserver) ObserveCongestion(threadNo uint32, congested bool)         {}

// MetricsObserver forwards every Observer call into a Metrics.
type MetricsObserver struct {
	m *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) ObserveSignalExecuted(gsn uint16, prio signal.Priority) {
	o.m.RecordSignalExecuted(prio, 0)
}

func (o *MetricsObserver) ObserveJobBufferDepth(threadNo, jbbNo uint32, free int) {
	o.m.RecordJobBufferDepth(free)
}

func (o *MetricsObserver) ObserveSendBytes(trpID uint32, n int) {
	o.m.RecordSendBytes(n)
}

func (o *MetricsObserver) ObserveWait(threadNo uint32, slept bool) {
	if slept {
		o.m.RecordWait(true)
	}
}

func (o *MetricsObserver) ObserveCongestion(threadNo uint32, congested bool) {
	if congested {
		o.m.RecordCongestion()
	}
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
