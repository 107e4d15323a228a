package cpu

import "runtime"

// Lock wires the calling goroutine to its OS thread and, when id is not
// negative, pins that thread to CPU id. A pinned thread is never handed
// back to the scheduler; it is retired when the goroutine exits. The
// returned release must be deferred. A pin error leaves the goroutine
// locked but unpinned, and release then unlocks it.
func Lock(id int) (release func(), err error) {
	runtime.LockOSThread()
	if id < 0 {
		return runtime.UnlockOSThread, nil
	}
	if err := Pin(id); err != nil {
		return runtime.UnlockOSThread, err
	}
	return func() {}, nil
}
