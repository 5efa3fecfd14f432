// Package synclock provides the two interchangeable mutual-exclusion
// primitives the scheduler core uses for shared state (spec.md section
// 4.3): a spin lock built on atomic compare-and-swap, and a portable
// mutex-backed lock, both registered in a process-wide contention
// registry for diagnostics. The contract is identical for both: Lock
// blocks, TryLock is non-blocking, Unlock releases. Nested acquisition on
// the same goroutine is not supported by either.
//
// Grounded on storage/ndb/src/kernel/vm/mt-lock.hpp's thr_spin_lock /
// thr_mutex pair: xcng-based spin with a lookup-before-loop contention
// stat, versus a plain mutex fallback on architectures without atomic
// exchange.
package synclock

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Locker is the shared contract for both lock flavors.
type Locker interface {
	Lock()
	TryLock() bool
	Unlock()
}

// SpinLock is a contention-tracked spin lock: test-and-set on a
// uint32, spinning with a CPU-pause hint on contention. Go has no portable
// CPU-pause intrinsic, so the pause is emulated with runtime.Gosched,
// which at least yields the P to another goroutine instead of hammering
// the cache line; no assembly pause stub is used.
type SpinLock struct {
	state uint32 // 0 = unlocked, 1 = locked
	name  string
}

// NewSpinLock creates a spin lock and registers it in the contention
// registry under name (used only for diagnostic reports).
func NewSpinLock(name string) *SpinLock {
	l := &SpinLock{name: name}
	registerLock(l, name)
	return l
}

// Lock blocks until the spin lock is acquired.
func (l *SpinLock) Lock() {
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		return
	}
	l.lockSlow()
}

func (l *SpinLock) lockSlow() {
	stat := lookupLock(l)
	for {
		var spins uint64
		for atomic.LoadUint32(&l.state) == 1 {
			spins++
			runtime.Gosched()
		}
		if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			if stat != nil {
				stat.recordContention(spins)
			}
			return
		}
	}
}

// TryLock attempts to acquire the lock without blocking. Returns true if
// acquired.
func (l *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Unlock releases the lock. The atomic store below is a full barrier on
// every architecture Go supports, satisfying "full memory barrier on
// unlock" from spec.md section 4.3.
func (l *SpinLock) Unlock() {
	atomic.StoreUint32(&l.state, 0)
}

// MutexLock wraps sync.Mutex behind the same Locker contract, used on
// build targets where an atomic exchange primitive is not offered, or
// where a site is known to hold the lock across a blocking call (where
// spinning would waste CPU).
type MutexLock struct {
	mu   sync.Mutex
	name string
}

// NewMutexLock creates a mutex lock and registers it in the contention
// registry.
func NewMutexLock(name string) *MutexLock {
	l := &MutexLock{name: name}
	registerLock(l, name)
	return l
}

func (l *MutexLock) Lock() {
	if l.mu.TryLock() {
		return
	}
	stat := lookupLock(l)
	l.mu.Lock()
	if stat != nil {
		stat.recordContention(0)
	}
}

func (l *MutexLock) TryLock() bool {
	return l.mu.TryLock()
}

func (l *MutexLock) Unlock() {
	l.mu.Unlock()
}

var (
	_ Locker = (*SpinLock)(nil)
	_ Locker = (*MutexLock)(nil)
)
