package cpu

import (
	"runtime"
	"testing"
)

func TestRelaxReturns(t *testing.T) {
	for i := 0; i < 1000; i++ {
		Relax()
	}
}

func TestPinNegativeIsNoop(t *testing.T) {
	if err := Pin(-1); err != nil {
		t.Fatalf("Pin(-1) = %v, want nil", err)
	}
}

func TestPinFirstAllowedCPU(t *testing.T) {
	if Count() == 0 {
		t.Skip("affinity mask unavailable")
	}
	done := make(chan error)
	go func() {
		// Exiting while locked retires the pinned thread.
		runtime.LockOSThread()
		done <- Pin(0)
	}()

	// CPU 0 may be excluded by a cgroup; a failure here is only reported.
	if err := <-done; err != nil {
		t.Logf("Pin(0): %v", err)
	}
}

func TestLockUnpinned(t *testing.T) {
	done := make(chan error)
	go func() {
		release, err := Lock(-1)
		release()
		done <- err
	}()
	if err := <-done; err != nil {
		t.Fatalf("Lock(-1) = %v", err)
	}
}
