// Package reader implements the two consumer loops: one draining the shared
// ring, one reading wire frames from the broadcast server.
//
// Both loops share one contract. For every tick retrieved they compute
// latency = now - tick.TimestampNs on the host monotonic clock and hand the
// tick and latency to a Handler. Both poll their control.Token once per
// iteration, release their resource (segment mapping or socket) on exit and
// return the delivered/malformed counts.
package reader

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"marketfeed/cpu"
	"marketfeed/types"
)

// Handler receives each tick with its one-way latency in nanoseconds. The
// tick pointer is only valid for the duration of the call. Latency is
// negative when the clocks disagree.
type Handler func(t *types.Tick, latencyNs int64)

// Stats counts what a loop saw before it exited.
type Stats struct {
	Delivered uint64
	Malformed uint64
}

// ErrIdleTimeout ends a stream read loop that saw no data for the
// configured read timeout.
var ErrIdleTimeout = errors.New("reader: idle timeout")

// ============================================================================
// POLLING MODE
// ============================================================================

// Mode selects how the shared-memory reader waits on an empty ring.
type Mode int

const (
	// ModeSpin polls continuously with a CPU relax hint between misses.
	ModeSpin Mode = iota
	// ModeSleep sleeps a fixed interval between misses.
	ModeSleep
)

func (m Mode) String() string {
	switch m {
	case ModeSpin:
		return "spin"
	case ModeSleep:
		return "sleep"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "spin" (alias "busy-wait") and "sleep".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spin", "busy-wait", "busywait":
		return ModeSpin, nil
	case "sleep":
		return ModeSleep, nil
	}
	return 0, fmt.Errorf("reader: unknown mode %q (want spin or sleep)", s)
}

// ============================================================================
// THREAD PLACEMENT
// ============================================================================

// lockAndPin locks the loop to its thread and applies the pin hint. Pin
// failures are operational only: the loop runs unpinned.
func lockAndPin(cpuID int, log *zap.Logger) (release func()) {
	release, err := cpu.Lock(cpuID)
	if err != nil {
		log.Warn("cpu pin failed, running unpinned",
			zap.Int("cpu", cpuID), zap.Int("available", cpu.Count()), zap.Error(err))
	} else if cpuID >= 0 {
		log.Info("pinned", zap.Int("cpu", cpuID))
	}
	return release
}
