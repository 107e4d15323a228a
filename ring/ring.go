// ============================================================================
// LOCK-FREE SPSC TICK RING
// ============================================================================
//
// Fixed-capacity single-producer/single-consumer queue of types.Tick that is
// safe to construct in memory shared across process boundaries.
//
// Core capabilities:
//   - Lock-free, wait-free Push/Pop under the SPSC discipline
//   - Drop-newest backpressure: Push reports full, the caller decides
//   - No pointers, slices or heap references: the whole Ring is one flat
//     value that may be placed at offset zero of a mapped segment
//
// Architecture overview:
//   - Write cursor (producer) and read cursor (consumer) each own a cache line
//   - Cursors stay in [0, size); one slot is always left empty so that
//     write == read means empty and write+1 == read means full
//   - The slot array is always MaxCapacity long; size fixes how many are used
//
// Memory ordering:
//   - Producer: write slot, then atomic store of the write cursor (release)
//   - Consumer: atomic load of the write cursor (acquire), read slot, then
//     atomic store of the read cursor (release)
//   - Producer reuses a slot only after an atomic load of the read cursor
//     shows the consumer has moved past it (acquire)
//   - Go atomics are sequentially consistent, a superset of acquire/release
//
// Safety model:
//   - ⚠️  Exactly one goroutine/process may Push, exactly one may Pop
//   - A zero Ring is inert until Init: Push and Pop fail, Size is 0
//   - Size/Empty/Full are advisory snapshots; the other side may act the
//     instant they return

package ring

import (
	"sync/atomic"

	"marketfeed/constants"
	"marketfeed/types"
)

// MaxCapacity is the length of the slot array.
const MaxCapacity = constants.RingCapacity

// Ring is a cache-line isolated SPSC circular buffer of ticks.
//
// Memory layout:
//   - Cache line 0: isolation padding
//   - Cache line 1: write cursor (producer)
//   - Cache line 2: read cursor (consumer)
//   - Cache line 3: slot count, fixed at Init
//   - Remainder:    MaxCapacity × 40-byte tick slots
type Ring struct {
	_     [constants.CacheLine]byte
	write uint64
	_     [constants.CacheLine - 8]byte
	read  uint64
	_     [constants.CacheLine - 8]byte
	size  uint64
	_     [constants.CacheLine - 8]byte
	slots [MaxCapacity]types.Tick
}

// ============================================================================
// CONSTRUCTION
// ============================================================================

// New allocates a heap ring using n slots (n-1 usable).
// Panics unless 2 <= n <= MaxCapacity.
func New(n int) *Ring {
	r := new(Ring)
	r.Init(n)
	return r
}

// Init constructs the ring in place: zeroes the slots and both cursors and
// fixes the slot count. It must run before the ring is visible to a consumer.
// Panics unless 2 <= n <= MaxCapacity.
func (r *Ring) Init(n int) {
	if n < 2 || n > MaxCapacity {
		panic("ring: slot count must be in [2, MaxCapacity]")
	}
	r.slots = [MaxCapacity]types.Tick{}
	r.size = uint64(n)
	atomic.StoreUint64(&r.read, 0)
	atomic.StoreUint64(&r.write, 0)
}

// ============================================================================
// PRODUCER OPERATIONS
// ============================================================================

// Push copies *t into the next free slot and publishes it.
// Returns false, leaving the ring untouched, when the ring is full or was
// never initialized.
//
//go:nosplit
func (r *Ring) Push(t *types.Tick) bool {
	if r.size == 0 {
		return false
	}
	w := r.write
	next := w + 1
	if next == r.size {
		next = 0
	}
	if next == atomic.LoadUint64(&r.read) {
		return false
	}
	r.slots[w] = *t
	atomic.StoreUint64(&r.write, next)
	return true
}

// ============================================================================
// CONSUMER OPERATIONS
// ============================================================================

// Pop copies the oldest tick into *out and releases its slot.
// Returns false, leaving both the ring and *out untouched, when empty.
//
//go:nosplit
func (r *Ring) Pop(out *types.Tick) bool {
	rd := r.read
	if rd == atomic.LoadUint64(&r.write) {
		return false
	}
	*out = r.slots[rd]
	next := rd + 1
	if next == r.size {
		next = 0
	}
	atomic.StoreUint64(&r.read, next)
	return true
}

// Drain pops up to max ticks, handing each to fn. Consumer side only.
// The pointer passed to fn is only valid for the duration of the call.
func (r *Ring) Drain(max int, fn func(*types.Tick)) int {
	var t types.Tick
	n := 0
	for n < max && r.Pop(&t) {
		fn(&t)
		n++
	}
	return n
}

// ============================================================================
// INTROSPECTION (ADVISORY)
// ============================================================================

// Size returns the number of resident ticks.
func (r *Ring) Size() int {
	if r.size == 0 {
		return 0
	}
	w := atomic.LoadUint64(&r.write)
	rd := atomic.LoadUint64(&r.read)
	return int((w + r.size - rd) % r.size)
}

// Empty reports whether no tick is resident.
func (r *Ring) Empty() bool {
	return atomic.LoadUint64(&r.read) == atomic.LoadUint64(&r.write)
}

// Full reports whether the next Push would fail.
func (r *Ring) Full() bool {
	if r.size == 0 {
		return true
	}
	w := atomic.LoadUint64(&r.write)
	rd := atomic.LoadUint64(&r.read)
	return (w+1)%r.size == rd
}

// Cap returns the usable capacity, one less than the slot count.
func (r *Ring) Cap() int {
	if r.size == 0 {
		return 0
	}
	return int(r.size) - 1
}

// Slots returns the slot count fixed at Init.
func (r *Ring) Slots() int {
	return int(r.size)
}
