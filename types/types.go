package types

import "marketfeed/constants"

// ============================================================================
// INSTRUMENT - BOUNDED FIXED-WIDTH TEXT
// ============================================================================

// Instrument is a fixed-width, zero-padded symbol.
//
// Policy:
//   - At most len(Instrument)-1 bytes are significant; longer input is
//     silently truncated at construction.
//   - Every byte after the significant prefix is zero, so the last byte is
//     always zero and String() never runs past the array.
//   - Bytes are stored as given; no case folding or escaping.
type Instrument [constants.InstrumentSize]byte

// MaxInstrumentLen is the number of significant bytes an Instrument can hold.
const MaxInstrumentLen = constants.InstrumentSize - 1

// NewInstrument builds an Instrument from s, truncating to MaxInstrumentLen.
func NewInstrument(s string) Instrument {
	var in Instrument
	copy(in[:MaxInstrumentLen], s)
	return in
}

// Len returns the number of significant bytes (up to the first zero).
func (in *Instrument) Len() int {
	for i, c := range in {
		if c == 0 {
			return i
		}
	}
	return len(in)
}

// Bytes returns the significant prefix. The slice aliases the array.
func (in *Instrument) Bytes() []byte {
	return in[:in.Len()]
}

// String returns the significant prefix as a string.
func (in Instrument) String() string {
	return string(in.Bytes())
}

// Valid reports whether the instrument can travel over the text protocol:
// no quotes, backslashes or control characters in the significant prefix.
func (in *Instrument) Valid() bool {
	for _, c := range in.Bytes() {
		if c < 0x20 || c == '"' || c == '\\' || c == 0x7f {
			return false
		}
	}
	return true
}

// ============================================================================
// TICK - FIXED-LAYOUT TOP-OF-BOOK RECORD
// ============================================================================

// Tick is one instrument's top-of-book snapshot.
//
// Layout (40 bytes, no pointers):
//   - Instrument: 16 bytes
//   - Bid, Ask:   8 bytes each
//   - TimestampNs: 8 bytes
//
// The struct is copied byte-for-byte into shared memory and reinterpreted by
// another process, so it must never gain a pointer, slice or string field.
type Tick struct {
	Instrument  Instrument
	Bid         float64
	Ask         float64
	TimestampNs uint64
}

// NewTick builds a Tick with a truncated instrument.
func NewTick(instrument string, bid, ask float64, ts uint64) Tick {
	return Tick{
		Instrument:  NewInstrument(instrument),
		Bid:         bid,
		Ask:         ask,
		TimestampNs: ts,
	}
}
