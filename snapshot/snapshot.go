// Package snapshot mirrors the latest quote per instrument into Redis.
//
// The publisher hands ticks over through an in-process SPSC ring, so Offer
// never blocks and a slow or absent Redis never stalls publication. The
// flusher coalesces whatever it drains to one quote per instrument and
// writes them in a single pipeline:
//
//	HSET quote:<instrument> bid <bid> ask <ask> timestamp_ns <ts>
//
// Only the last value is kept; there is no history.
package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marketfeed/constants"
	"marketfeed/ring"
	"marketfeed/types"
)

// KeyPrefix namespaces the quote hashes.
const KeyPrefix = "quote:"

// Key returns the hash key holding the latest quote for inst.
func Key(inst types.Instrument) string {
	return KeyPrefix + inst.String()
}

// Sink buffers ticks from one producer and flushes them from one consumer.
type Sink struct {
	client   *redis.Client
	handoff  *ring.Ring
	interval time.Duration
	log      *zap.Logger

	pending map[types.Instrument]types.Tick // consumer side only

	dropped atomic.Uint64
	written atomic.Uint64
}

// New builds a sink writing through client every interval (0 means
// constants.SnapshotFlush).
func New(client *redis.Client, interval time.Duration, log *zap.Logger) *Sink {
	if interval <= 0 {
		interval = constants.SnapshotFlush
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{
		client:   client,
		handoff:  ring.New(constants.SnapshotRing),
		interval: interval,
		log:      log.With(zap.String("component", "snapshot")),
		pending:  make(map[types.Instrument]types.Tick),
	}
}

// Offer queues t for the next flush. Producer side only. Returns false and
// counts a drop when the hand-off ring is full.
func (s *Sink) Offer(t *types.Tick) bool {
	if s.handoff.Push(t) {
		return true
	}
	s.dropped.Add(1)
	return false
}

// Dropped returns how many offers found the hand-off ring full.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Written returns how many quote hashes have been written.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Run flushes every interval until ctx is done, then makes one last flush
// bounded by one second.
func (s *Sink) Run(ctx context.Context) error {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if _, err := s.Flush(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("snapshot flush failed", zap.Error(err), zap.Int("pending", len(s.pending)))
			}
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_, err := s.Flush(fctx)
			cancel()
			return err
		}
	}
}

// Flush drains the hand-off ring and writes the newest quote of each
// instrument. Consumer side only: never call it concurrently with Run.
// Quotes that fail to write are retried on the next flush unless a newer
// one replaces them.
func (s *Sink) Flush(ctx context.Context) (int, error) {
	s.handoff.Drain(s.handoff.Cap(), func(t *types.Tick) {
		if prev, ok := s.pending[t.Instrument]; !ok || t.TimestampNs >= prev.TimestampNs {
			s.pending[t.Instrument] = *t
		}
	})
	if len(s.pending) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	for inst, t := range s.pending {
		pipe.HSet(ctx, Key(inst),
			"bid", strconv.FormatFloat(t.Bid, 'f', -1, 64),
			"ask", strconv.FormatFloat(t.Ask, 'f', -1, 64),
			"timestamp_ns", strconv.FormatUint(t.TimestampNs, 10),
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("snapshot: write %d quotes: %w", len(s.pending), err)
	}

	n := len(s.pending)
	clear(s.pending)
	s.written.Add(uint64(n))
	return n, nil
}
