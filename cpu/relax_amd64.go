// ════════════════════════════════════════════════════════════════════════════════════════════════
// CPU Relaxation - AMD64
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Emits PAUSE so spin-polling readers yield pipeline resources to the sibling
// hyperthread while staying in userspace.
// ════════════════════════════════════════════════════════════════════════════════════════════════

//go:build amd64 && cgo && !noasm

package cpu

/*
static inline void cpu_pause() {
    __asm__ __volatile__("pause" ::: "memory");
}
*/
import "C"

// Relax executes the x86-64 PAUSE instruction.
//
//go:nosplit
func Relax() {
	C.cpu_pause()
}
