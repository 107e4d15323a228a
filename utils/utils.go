package utils

import "unsafe"

///////////////////////////////////////////////////////////////////////////////
// Conversion Utilities - Zero-Alloc Casts
///////////////////////////////////////////////////////////////////////////////

// B2s converts a []byte to a string **without** allocation.
// ⚠️ Caller must ensure the input slice remains valid and unchanged.
// Used for log fields on the read path.
//
//go:nosplit
//go:inline
func B2s(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

///////////////////////////////////////////////////////////////////////////////
// Timing - Shared Host Clock
///////////////////////////////////////////////////////////////////////////////

// LatencyNs returns now - ts as a signed value so clock skew shows up as a
// negative latency instead of wrapping.
//
//go:nosplit
//go:inline
func LatencyNs(now, ts uint64) int64 {
	return int64(now - ts)
}
