//go:build !linux

package utils

import "time"

// NowNanos falls back to the wall clock where no host-wide monotonic clock
// is exposed.
func NowNanos() uint64 {
	return uint64(time.Now().UnixNano())
}
