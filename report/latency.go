// Package report aggregates per-tick latency and persists run summaries.
package report

import (
	"math"
	"math/bits"
)

// ============================================================================
// LATENCY RECORDER
// ============================================================================

// Recorder accumulates latencies in fixed log2 buckets. Recording never
// allocates; quantiles are accurate to a factor of two.
//
// ⚠️ Not safe for concurrent use. Each reader loop owns one recorder.
type Recorder struct {
	count   uint64
	sum     uint64
	min     int64
	max     int64
	skewed  uint64
	buckets [64]uint64 // bucket b holds values in [2^(b-1), 2^b); bucket 0 holds 0
}

// Latency is a snapshot of a Recorder, in nanoseconds.
type Latency struct {
	Count  uint64  `json:"count"`
	Min    int64   `json:"min"`
	Max    int64   `json:"max"`
	Mean   float64 `json:"mean"`
	P50    int64   `json:"p50"`
	P99    int64   `json:"p99"`
	Skewed uint64  `json:"skewed"`
}

// Record adds one sample. Negative samples (clock skew) count as zero and
// are tallied in Skewed.
//
//go:nosplit
func (r *Recorder) Record(ns int64) {
	if ns < 0 {
		r.skewed++
		ns = 0
	}
	if r.count == 0 || ns < r.min {
		r.min = ns
	}
	if ns > r.max {
		r.max = ns
	}
	r.count++
	r.sum += uint64(ns)
	r.buckets[bits.Len64(uint64(ns))&63]++
}

// Count returns the number of samples.
func (r *Recorder) Count() uint64 { return r.count }

// Quantile returns an upper bound for the q-quantile, q in [0, 1].
func (r *Recorder) Quantile(q float64) int64 {
	if r.count == 0 {
		return 0
	}
	q = math.Max(0, math.Min(1, q))
	target := uint64(math.Ceil(q * float64(r.count)))
	if target == 0 {
		target = 1
	}

	var seen uint64
	for b, n := range r.buckets {
		seen += n
		if seen < target {
			continue
		}
		if b == 0 {
			return 0
		}
		upper := int64(1)<<b - 1
		if b == 63 || upper > r.max {
			return r.max
		}
		return upper
	}
	return r.max
}

// Snapshot returns the current aggregate.
func (r *Recorder) Snapshot() Latency {
	l := Latency{
		Count:  r.count,
		Min:    r.min,
		Max:    r.max,
		Skewed: r.skewed,
		P50:    r.Quantile(0.50),
		P99:    r.Quantile(0.99),
	}
	if r.count > 0 {
		l.Mean = float64(r.sum) / float64(r.count)
	}
	return l
}

// Reset clears every sample.
func (r *Recorder) Reset() {
	*r = Recorder{}
}
