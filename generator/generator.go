// Package generator produces synthetic top-of-book ticks for one instrument.
//
// Price model: each tick draws a mid uniformly from [MidLow, MidHigh) and a
// spread uniformly from [SpreadLow, SpreadHigh), then quotes
// bid = mid - spread/2 and ask = mid + spread/2.
package generator

import (
	"fmt"
	"math/rand/v2"

	"marketfeed/constants"
	"marketfeed/types"
	"marketfeed/utils"
)

// Rand is the randomness the generator needs; *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// Clock returns the tick timestamp in nanoseconds.
type Clock func() uint64

// Config bounds the price model.
type Config struct {
	Instrument string
	MidLow     float64
	MidHigh    float64
	SpreadLow  float64
	SpreadHigh float64
}

// DefaultConfig quotes constants.DefaultInstrument around 2800-2900.
func DefaultConfig() Config {
	return Config{
		Instrument: constants.DefaultInstrument,
		MidLow:     constants.MidLow,
		MidHigh:    constants.MidHigh,
		SpreadLow:  constants.SpreadLow,
		SpreadHigh: constants.SpreadHigh,
	}
}

// Validate rejects inverted or negative bounds.
func (c Config) Validate() error {
	switch {
	case c.MidLow > c.MidHigh:
		return fmt.Errorf("generator: mid bounds inverted (%v > %v)", c.MidLow, c.MidHigh)
	case c.SpreadLow < 0 || c.SpreadLow > c.SpreadHigh:
		return fmt.Errorf("generator: spread bounds invalid [%v, %v]", c.SpreadLow, c.SpreadHigh)
	}
	return nil
}

// Generator is not safe for concurrent use.
type Generator struct {
	cfg   Config
	inst  types.Instrument
	rnd   Rand
	clock Clock
}

// New builds a generator. A nil rnd seeds a PCG from the runtime source; a
// nil clock uses utils.NowNanos.
func New(cfg Config, rnd Rand, clock Clock) *Generator {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if clock == nil {
		clock = utils.NowNanos
	}
	return &Generator{cfg: cfg, inst: types.NewInstrument(cfg.Instrument), rnd: rnd, clock: clock}
}

// Next returns a fresh tick stamped with the current clock.
func (g *Generator) Next() types.Tick {
	mid := g.cfg.MidLow + g.rnd.Float64()*(g.cfg.MidHigh-g.cfg.MidLow)
	spread := g.cfg.SpreadLow + g.rnd.Float64()*(g.cfg.SpreadHigh-g.cfg.SpreadLow)
	return types.Tick{
		Instrument:  g.inst,
		Bid:         mid - spread/2,
		Ask:         mid + spread/2,
		TimestampNs: g.clock(),
	}
}
