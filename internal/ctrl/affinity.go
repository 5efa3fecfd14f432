package ctrl

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// LinuxAffinity implements interfaces.AffinityConfigurator on Linux,
// grounded on the teacher's CPUAffinity handling in DeviceParams:
// there it was a plain []int field threaded through to queue runner
// setup; here it is pinned to real unix.Sched* syscalls, the pattern
// spec.md section 1 describes as an external collaborator the core
// never implements itself.
type LinuxAffinity struct{}

// SetAffinity pins threadNo to the given CPU set. It is a no-op, not an
// error, when cpus is empty -- "no preference" is a valid configuration.
func (LinuxAffinity) SetAffinity(threadNo uint32, cpus []int) error {
	if len(cpus) == 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("ctrl: set affinity for thread %d: %w", threadNo, err)
	}
	return nil
}

// SetRealtime toggles SCHED_FIFO at a fixed low-but-real-time priority
// for threadNo's calling goroutine's OS thread, matching the teacher's
// pattern of a thin, best-effort wrapper over a single syscall rather
// than a policy engine.
func (LinuxAffinity) SetRealtime(threadNo uint32, enabled bool) error {
	policy := unix.SCHED_OTHER
	priority := 0
	if enabled {
		policy = unix.SCHED_FIFO
		priority = 1
	}
	param := unix.SchedParam{Priority: int32(priority)}
	if err := unix.SchedSetscheduler(0, policy, &param); err != nil {
		return fmt.Errorf("ctrl: set realtime for thread %d: %w", threadNo, err)
	}
	return nil
}
