//go:build !linux

package cpu

import "runtime"

// Pin is a no-op on platforms without thread affinity.
func Pin(cpu int) error { return nil }

// Count returns the number of logical CPUs.
func Count() int { return runtime.NumCPU() }
