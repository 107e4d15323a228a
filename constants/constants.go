// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go - Global tunables for the tick distribution path
//
// Purpose:
//   - Defines ring, segment and socket sizing shared by publisher and readers.
//   - Supplies the defaults that the config layer falls back to.
//
// Notes:
//   - Ring capacity and tick size are part of the shared-memory contract:
//     creator and attacher must be built from the same values.
//   - Everything else is an operational default and may be overridden.
//
// ⚠️ No runtime logic here - all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

import "time"

// ──────────────────────────── Shared Memory ────────────────────────────────

const (
	// RingCapacity is the slot count of the shared ring. One slot always stays
	// empty, so at most RingCapacity-1 ticks are resident at once.
	RingCapacity = 1024

	// InstrumentSize is the fixed width of the instrument field, including the
	// terminating zero byte. At most InstrumentSize-1 characters are significant.
	InstrumentSize = 16

	// CacheLine is the isolation unit for the producer and consumer cursors.
	CacheLine = 64

	// SegmentName is the well-known name of the tick segment.
	SegmentName = "/market_data_shm"
)

// ──────────────────────────── TCP Fan-out ──────────────────────────────────

const (
	// ListenAddr is where the publisher accepts stream readers.
	ListenAddr = ":8080"

	// DialAddr is where stream readers connect by default.
	DialAddr = "127.0.0.1:8080"

	// SocketBuffer sizes both SO_SNDBUF on sessions and SO_RCVBUF on readers.
	SocketBuffer = 64 << 10

	// KeepAlive is the idle period before TCP keepalive probes start.
	KeepAlive = 15 * time.Second

	// SessionQueue bounds the number of frames queued per session before
	// broadcast starts dropping for that session.
	SessionQueue = 1024

	// MaxLineBytes bounds a single wire frame on the read side. A frame is well
	// under 128 bytes; anything longer is malformed.
	MaxLineBytes = 512
)

// ──────────────────────────── Publisher ────────────────────────────────────

const (
	// PublishInterval paces the generator: 100µs ≈ 10k ticks per second.
	PublishInterval = 100 * time.Microsecond

	// ProgressEvery is the number of published ticks between progress lines.
	ProgressEvery = 10000

	// WarnEvery rate-limits ring-full warnings: one line per WarnEvery drops.
	WarnEvery = 1000

	// DefaultInstrument is the symbol the synthetic generator quotes.
	DefaultInstrument = "RELIANCE"

	// Price model bounds for the synthetic generator.
	MidLow     = 2800.0
	MidHigh    = 2900.0
	SpreadLow  = 0.25
	SpreadHigh = 1.0
)

// ──────────────────────────── Readers ──────────────────────────────────────

const (
	// SleepInterval is the back-off between failed polls in sleep mode.
	SleepInterval = time.Microsecond

	// Default CPU hints; -1 disables pinning.
	PublisherCPU = 0
	ShmReaderCPU = 2
	TCPReaderCPU = 3
)

// ──────────────────────────── Snapshot Sink ────────────────────────────────

const (
	// SnapshotRing is the in-process hand-off ring between publish loop and
	// the Redis flusher.
	SnapshotRing = 1024

	// SnapshotFlush is how often the flusher drains the hand-off ring.
	SnapshotFlush = 50 * time.Millisecond
)
