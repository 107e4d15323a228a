// ============================================================================
// TICK DISTRIBUTOR
// ============================================================================
//
// Drives the generation loop and hands every tick to both transports
// through one call site, Publish:
//
//   1. encode once into a reusable buffer and broadcast to TCP sessions
//   2. push the binary tick into the shared ring (drop-newest when full)
//   3. offer the tick to the optional Redis snapshot sink
//
// Failures on one transport never affect the other: a full ring logs a
// rate-limited warning and drops, a dead TCP peer is pruned by the server.

package publisher

import (
	"time"

	"go.uber.org/zap"

	"marketfeed/constants"
	"marketfeed/control"
	"marketfeed/cpu"
	"marketfeed/ring"
	"marketfeed/types"
	"marketfeed/wire"
)

// Source yields ticks. *generator.Generator satisfies it.
type Source interface {
	Next() types.Tick
}

// Broadcaster fans frames out over the network. *server.Server satisfies it.
type Broadcaster interface {
	Broadcast(frame []byte) int
	Sessions() int
}

// Snapshotter receives ticks for last-value caching. *snapshot.Sink
// satisfies it.
type Snapshotter interface {
	Offer(t *types.Tick) bool
}

// Options paces and bounds Run.
type Options struct {
	Interval      time.Duration // pause between ticks; 0 publishes flat out
	Count         uint64        // stop after this many ticks; 0 runs until cancelled
	ProgressEvery uint64        // progress log period in ticks; 0 disables
	CPU           int           // pin target; negative disables pinning
}

// Stats counts what Publish did.
type Stats struct {
	Published uint64 // ticks handed to Publish
	RingFull  uint64 // ticks dropped because the shared ring was full
	Reached   uint64 // sum over ticks of sessions that accepted the frame
	Unframed  uint64 // ticks kept off TCP because no reader could decode them
}

// Publisher is single-threaded: Publish and Run must not be called
// concurrently.
type Publisher struct {
	ring *ring.Ring
	bc   Broadcaster
	snap Snapshotter
	opts Options
	log  *zap.Logger

	buf   []byte
	stats Stats
}

// New builds a publisher writing to rg and bc. Either may be nil to
// disable that transport.
func New(rg *ring.Ring, bc Broadcaster, opts Options, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		ring: rg,
		bc:   bc,
		opts: opts,
		log:  log.With(zap.String("component", "publisher")),
		buf:  make([]byte, 0, wire.MaxFrame),
	}
}

// WithSnapshot attaches a snapshot sink.
func (p *Publisher) WithSnapshot(s Snapshotter) *Publisher {
	p.snap = s
	return p
}

// Publish distributes one tick to every configured transport.
func (p *Publisher) Publish(t *types.Tick) {
	p.stats.Published++

	if p.bc != nil {
		p.buf = wire.Encode(p.buf[:0], t)
		if wire.Deliverable(t, p.buf) {
			p.stats.Reached += uint64(p.bc.Broadcast(p.buf))
		} else {
			p.stats.Unframed++
			if p.stats.Unframed == 1 || p.stats.Unframed%constants.WarnEvery == 0 {
				p.log.Warn("tick has no decodable frame, not broadcast",
					zap.Stringer("instrument", t.Instrument),
					zap.Float64("bid", t.Bid),
					zap.Float64("ask", t.Ask),
					zap.Int("frame_bytes", len(p.buf)),
					zap.Uint64("unframed", p.stats.Unframed))
			}
		}
	}

	if p.ring != nil && !p.ring.Push(t) {
		p.stats.RingFull++
		if p.stats.RingFull == 1 || p.stats.RingFull%constants.WarnEvery == 0 {
			p.log.Warn("ring buffer is full, dropping tick",
				zap.Uint64("dropped", p.stats.RingFull),
				zap.Uint64("published", p.stats.Published))
		}
	}

	if p.snap != nil {
		p.snap.Offer(t)
	}
}

// Run pulls from src and publishes until tok is cancelled or Options.Count
// ticks have gone out.
func (p *Publisher) Run(tok *control.Token, src Source) Stats {
	release, err := cpu.Lock(p.opts.CPU)
	defer release()
	if err != nil {
		p.log.Warn("cpu pin failed, running unpinned",
			zap.Int("cpu", p.opts.CPU), zap.Int("available", cpu.Count()), zap.Error(err))
	}

	p.log.Info("publishing",
		zap.Duration("interval", p.opts.Interval),
		zap.Uint64("count", p.opts.Count))

	for !tok.Stopped() {
		if p.opts.Count > 0 && p.stats.Published >= p.opts.Count {
			break
		}

		t := src.Next()
		p.Publish(&t)

		if p.opts.ProgressEvery > 0 && p.stats.Published%p.opts.ProgressEvery == 0 {
			p.progress(&t)
		}
		if p.opts.Interval > 0 {
			time.Sleep(p.opts.Interval)
		}
	}

	p.log.Info("publisher stopped",
		zap.Uint64("published", p.stats.Published),
		zap.Uint64("ring_full", p.stats.RingFull))
	return p.stats
}

func (p *Publisher) progress(t *types.Tick) {
	fields := []zap.Field{
		zap.Uint64("published", p.stats.Published),
		zap.Stringer("instrument", t.Instrument),
		zap.Float64("bid", t.Bid),
		zap.Float64("ask", t.Ask),
		zap.Uint64("ring_full", p.stats.RingFull),
	}
	if p.ring != nil {
		fields = append(fields, zap.Int("ring_depth", p.ring.Size()))
	}
	if p.bc != nil {
		fields = append(fields, zap.Int("sessions", p.bc.Sessions()))
	}
	p.log.Info("progress", fields...)
}

// Stats returns the counters. Call from the publishing goroutine or after
// Run returns.
func (p *Publisher) Stats() Stats {
	return p.stats
}
