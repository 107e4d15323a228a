// ════════════════════════════════════════════════════════════════════════════════════════════════
// Thread Affinity - Linux
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Binds the calling OS thread to one logical CPU via sched_setaffinity(2).
//
// Callers must runtime.LockOSThread first; otherwise the goroutine can migrate
// off the pinned thread at the next scheduling point.
// ════════════════════════════════════════════════════════════════════════════════════════════════

//go:build linux

package cpu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// cpuSetSize mirrors the kernel CPU_SETSIZE, which x/sys/unix does not export.
const cpuSetSize = int(unsafe.Sizeof(unix.CPUSet{})) * 8

// Pin restricts the calling thread to cpu. A negative cpu is a no-op.
func Pin(cpu int) error {
	if cpu < 0 {
		return nil
	}
	if cpu >= cpuSetSize {
		return fmt.Errorf("cpu: index %d exceeds CPU_SETSIZE", cpu)
	}
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("cpu: pin to %d: %w", cpu, err)
	}
	return nil
}

// Count returns the number of CPUs the calling thread may run on.
func Count() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0
	}
	return set.Count()
}
