// ============================================================================
// TICK WIRE CODEC
// ============================================================================
//
// Line-oriented text framing for the TCP fan-out:
//
//   {"instrument":"<text>","bid":<num>,"ask":<num>,"timestamp_ns":<uint>}
//
// Encoding policy:
//   - Fields are always emitted in the order above with no whitespace
//   - bid/ask use fixed two-decimal notation; precision beyond that is lost
//   - The instrument is written raw, up to its first zero byte
//   - Encode appends to dst and never adds the line terminator; the
//     transport owns framing
//
// Decoding policy:
//   - Strict grammar: exact key names, exact order, no whitespace
//   - The instrument holds at most 15 bytes and no control bytes,
//     quotes or backslashes
//   - Numbers follow the JSON number grammar, the timestamp the JSON
//     integer grammar; NaN and Inf therefore never decode
//   - A single trailing "\n" or "\r\n" is tolerated
//   - On any deviation Decode returns a *DecodeError and leaves *out as it was

package wire

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"marketfeed/constants"
	"marketfeed/types"
	"marketfeed/utils"
)

// ErrMalformed matches every decode failure via errors.Is.
var ErrMalformed = errors.New("wire: malformed frame")

// DecodeError describes where and why a frame was rejected.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: malformed frame at byte %d: %s", e.Offset, e.Reason)
}

// Is makes errors.Is(err, ErrMalformed) hold for every *DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}

// MaxFrame bounds an encoded line, terminator included, while both prices
// stay below 1e15 in magnitude. Callers sizing a reusable buffer can start
// from it. Larger finite prices are formatted digit by digit and can run
// past constants.MaxLineBytes; see Deliverable.
const MaxFrame = 128

// Deliverable reports whether frame, the encoding of t without its
// terminator, can be read back by a stream reader: both prices are finite
// and the terminated line fits in constants.MaxLineBytes.
func Deliverable(t *types.Tick, frame []byte) bool {
	if math.IsNaN(t.Bid) || math.IsInf(t.Bid, 0) || math.IsNaN(t.Ask) || math.IsInf(t.Ask, 0) {
		return false
	}
	return len(frame)+1 <= constants.MaxLineBytes
}

const (
	keyInstrument = `{"instrument":"`
	keyBid        = `","bid":`
	keyAsk        = `,"ask":`
	keyTimestamp  = `,"timestamp_ns":`
)

// ============================================================================
// ENCODING
// ============================================================================

// Encode appends the frame for t to dst and returns the extended slice.
func Encode(dst []byte, t *types.Tick) []byte {
	dst = append(dst, keyInstrument...)
	dst = append(dst, t.Instrument.Bytes()...)
	dst = append(dst, keyBid...)
	dst = strconv.AppendFloat(dst, t.Bid, 'f', 2, 64)
	dst = append(dst, keyAsk...)
	dst = strconv.AppendFloat(dst, t.Ask, 'f', 2, 64)
	dst = append(dst, keyTimestamp...)
	dst = strconv.AppendUint(dst, t.TimestampNs, 10)
	return append(dst, '}')
}

// AppendLine is Encode followed by the '\n' terminator.
func AppendLine(dst []byte, t *types.Tick) []byte {
	return append(Encode(dst, t), '\n')
}

// ============================================================================
// DECODING
// ============================================================================

// decoder walks one frame left to right.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) fail(reason string) error {
	return &DecodeError{Offset: d.pos, Reason: reason}
}

// literal consumes lit exactly.
func (d *decoder) literal(lit string) error {
	if len(d.buf)-d.pos < len(lit) || utils.B2s(d.buf[d.pos:d.pos+len(lit)]) != lit {
		return d.fail(fmt.Sprintf("expected %q", lit))
	}
	d.pos += len(lit)
	return nil
}

// instrument consumes raw bytes up to, not including, the closing quote.
func (d *decoder) instrument() ([]byte, error) {
	start := d.pos
	for d.pos < len(d.buf) {
		c := d.buf[d.pos]
		switch {
		case c == '"':
			if d.pos-start > types.MaxInstrumentLen {
				d.pos = start
				return nil, d.fail("instrument longer than 15 bytes")
			}
			return d.buf[start:d.pos], nil
		case c == '\\':
			return nil, d.fail("escape sequences are not supported")
		case c < 0x20 || c == 0x7f:
			return nil, d.fail("control byte in instrument")
		}
		d.pos++
	}
	return nil, d.fail("unterminated instrument")
}

// digits consumes [0-9]* and returns how many were read.
func (d *decoder) digits() int {
	n := 0
	for d.pos < len(d.buf) && d.buf[d.pos] >= '0' && d.buf[d.pos] <= '9' {
		d.pos++
		n++
	}
	return n
}

// integerPart consumes 0 | [1-9][0-9]*.
func (d *decoder) integerPart() error {
	if d.pos >= len(d.buf) {
		return d.fail("expected digit")
	}
	switch c := d.buf[d.pos]; {
	case c == '0':
		d.pos++
	case c >= '1' && c <= '9':
		d.digits()
	default:
		return d.fail("expected digit")
	}
	return nil
}

// number consumes a JSON number and converts it.
func (d *decoder) number() (float64, error) {
	start := d.pos
	if d.pos < len(d.buf) && d.buf[d.pos] == '-' {
		d.pos++
	}
	if err := d.integerPart(); err != nil {
		return 0, err
	}
	if d.pos < len(d.buf) && d.buf[d.pos] == '.' {
		d.pos++
		if d.digits() == 0 {
			return 0, d.fail("expected fraction digits")
		}
	}
	if d.pos < len(d.buf) && (d.buf[d.pos] == 'e' || d.buf[d.pos] == 'E') {
		d.pos++
		if d.pos < len(d.buf) && (d.buf[d.pos] == '+' || d.buf[d.pos] == '-') {
			d.pos++
		}
		if d.digits() == 0 {
			return 0, d.fail("expected exponent digits")
		}
	}
	v, err := strconv.ParseFloat(utils.B2s(d.buf[start:d.pos]), 64)
	if err != nil {
		d.pos = start
		return 0, d.fail("number out of range")
	}
	return v, nil
}

// unsigned consumes a JSON integer without sign and converts it.
func (d *decoder) unsigned() (uint64, error) {
	start := d.pos
	if err := d.integerPart(); err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(utils.B2s(d.buf[start:d.pos]), 10, 64)
	if err != nil {
		d.pos = start
		return 0, d.fail("timestamp out of range")
	}
	return v, nil
}

// Decode parses one frame into *out. out is written only on success.
func Decode(line []byte, out *types.Tick) error {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
		if n > 0 && line[n-1] == '\r' {
			n--
		}
	}
	d := decoder{buf: line[:n]}

	if err := d.literal(keyInstrument); err != nil {
		return err
	}
	inst, err := d.instrument()
	if err != nil {
		return err
	}
	if err := d.literal(keyBid); err != nil {
		return err
	}
	bid, err := d.number()
	if err != nil {
		return err
	}
	if err := d.literal(keyAsk); err != nil {
		return err
	}
	ask, err := d.number()
	if err != nil {
		return err
	}
	if err := d.literal(keyTimestamp); err != nil {
		return err
	}
	ts, err := d.unsigned()
	if err != nil {
		return err
	}
	if err := d.literal("}"); err != nil {
		return err
	}
	if d.pos != len(d.buf) {
		return d.fail("trailing bytes after frame")
	}

	var t types.Tick
	copy(t.Instrument[:], inst)
	t.Bid, t.Ask, t.TimestampNs = bid, ask, ts
	*out = t
	return nil
}
