// Package congestion implements the congestion controller (spec.md
// section 4.12): proportional extra-signal allocation across congested
// incoming job buffers, and the two predicates a block thread's main
// loop uses to decide whether it may safely yield.
package congestion

import "github.com/behrlich/go-mtsched/internal/constants"

// InQueue describes one known incoming job buffer a thread drains from,
// for congestion accounting purposes.
type InQueue struct {
	ThreadNo uint32
	Free     int // current free-page count, from jobbuffer.Ring.Free()
	Full     bool
}

// PrepareCongestedExecution computes extra_signals[threadNo] for every
// congested incoming queue (spec.md section 4.12, "prepare_congested_
// execution"): congestion = CONGESTED - free + 1 for each queue whose
// free is at or below CongestedPages, weighted proportionally against
// totalExtraSignals. Queues that are not congested get no allocation.
func PrepareCongestedExecution(inQueues []InQueue, totalExtraSignals int) map[uint32]int {
	type weighted struct {
		threadNo   uint32
		congestion int
	}
	var congested []weighted
	totalCongestion := 0
	for _, q := range inQueues {
		if q.Free > constants.CongestedPages {
			continue
		}
		c := constants.CongestedPages - q.Free + 1
		if c < 1 {
			c = 1
		}
		congested = append(congested, weighted{q.ThreadNo, c})
		totalCongestion += c
	}
	if totalCongestion == 0 {
		return nil
	}
	extra := make(map[uint32]int, len(congested))
	for _, w := range congested {
		extra[w.threadNo] = (w.congestion * totalExtraSignals) / totalCongestion
	}
	return extra
}

// GetCongestedJobQueue picks a thread whose outgoing job buffer from
// self is FULL, preferring any thread other than self (spec.md section
// 4.12, "get_congested_job_queue"). Returns ok=false if none is full.
func GetCongestedJobQueue(self uint32, outQueues []InQueue) (threadNo uint32, ok bool) {
	var selfFull *InQueue
	for i := range outQueues {
		q := &outQueues[i]
		if !q.Full {
			continue
		}
		if q.ThreadNo == self {
			selfFull = q
			continue
		}
		return q.ThreadNo, true
	}
	if selfFull != nil {
		return selfFull.ThreadNo, true
	}
	return 0, false
}

// HasFullInQueues reports whether self has any known-pending job buffer
// with a positive extra-signal allocation (spec.md section 4.12,
// "has_full_in_queues"): if so, self must keep consuming from it rather
// than yield, to avoid a circular wait.
func HasFullInQueues(extraSignals map[uint32]int) bool {
	for _, n := range extraSignals {
		if n > 0 {
			return true
		}
	}
	return false
}
