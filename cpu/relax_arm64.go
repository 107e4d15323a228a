// ════════════════════════════════════════════════════════════════════════════════════════════════
// CPU Relaxation - ARM64
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Emits YIELD, the AArch64 spin-loop hint.
// ════════════════════════════════════════════════════════════════════════════════════════════════

//go:build arm64 && cgo && !noasm

package cpu

/*
static inline void cpu_yield() {
    __asm__ __volatile__("yield" ::: "memory");
}
*/
import "C"

// Relax executes the ARM64 YIELD instruction.
//
//go:nosplit
func Relax() {
	C.cpu_yield()
}
