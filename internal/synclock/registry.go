package synclock

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/behrlich/go-mtsched/internal/interfaces"
)

// lockStat mirrors mt_lock_stat from mt-lock.hpp: a name plus running
// contention and spin counters, looked up by lock pointer identity.
type lockStat struct {
	name            string
	contendedCount  atomic.Uint64
	spinCount       atomic.Uint64
}

// recordContention accumulates spins and contention count, then emits a
// diagnostic report at a logarithmically decaying frequency: every call
// while count <= 20, every 200th call up to 10000, every 5000th call
// after. This matches the sampling frequency in mt-lock.hpp's lock_slow.
func (s *lockStat) recordContention(spins uint64) {
	s.spinCount.Add(spins)
	count := s.contendedCount.Add(1)

	var freq uint64
	switch {
	case count > 10000:
		freq = 5000
	case count > 20:
		freq = 200
	default:
		freq = 1
	}

	if count%freq == 0 {
		logger := registryLogger.Load()
		if logger != nil {
			(*logger).Warnf("lock %q contended: contentions=%d spins=%d", s.name, count, s.spinCount.Load())
		}
	}
}

var (
	registryMu     sync.Mutex
	registry       = map[any]*lockStat{}
	registryLogger atomic.Pointer[interfaces.Logger]
)

// SetLogger installs the logger used for contended-lock reports. Safe to
// call before any lock is registered; nil disables reporting.
func SetLogger(l interfaces.Logger) {
	if l == nil {
		registryLogger.Store(nil)
		return
	}
	registryLogger.Store(&l)
}

func registerLock(ptr any, name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[ptr] = &lockStat{name: name}
}

func lookupLock(ptr any) *lockStat {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[ptr]
}

// Report returns a snapshot of every registered lock's contention stats,
// for tests and for an operator-triggered diagnostic dump.
func Report() []string {
	registryMu.Lock()
	defer registryMu.Unlock()

	out := make([]string, 0, len(registry))
	for _, s := range registry {
		out = append(out, fmt.Sprintf("%s: contentions=%d spins=%d", s.name, s.contendedCount.Load(), s.spinCount.Load()))
	}
	return out
}
