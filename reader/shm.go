package reader

import (
	"time"

	"go.uber.org/zap"

	"marketfeed/constants"
	"marketfeed/control"
	"marketfeed/cpu"
	"marketfeed/shm"
	"marketfeed/types"
	"marketfeed/utils"
)

// ShmOptions configures the shared-memory loop.
type ShmOptions struct {
	Mode  Mode
	Sleep time.Duration // back-off per miss in ModeSleep; 0 means constants.SleepInterval
	CPU   int           // pin target; negative disables pinning
}

// ShmReader drains the ring of an attached segment.
type ShmReader struct {
	seg  *shm.Attached
	opts ShmOptions
	log  *zap.Logger
}

// NewShmReader takes ownership of seg; Run closes it.
func NewShmReader(seg *shm.Attached, opts ShmOptions, log *zap.Logger) *ShmReader {
	if opts.Sleep <= 0 {
		opts.Sleep = constants.SleepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ShmReader{seg: seg, opts: opts, log: log.With(zap.String("component", "shm-reader"))}
}

// Run pops ticks until tok is cancelled, then detaches the segment.
func (r *ShmReader) Run(tok *control.Token, h Handler) (st Stats, err error) {
	release := lockAndPin(r.opts.CPU, r.log)
	defer release()
	defer func() {
		if cerr := r.seg.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	r.log.Info("reading shared memory",
		zap.String("segment", r.seg.Path()),
		zap.Stringer("mode", r.opts.Mode))

	rg := r.seg.Ring()
	spin := r.opts.Mode == ModeSpin
	var t types.Tick

	for !tok.Stopped() {
		if rg.Pop(&t) {
			st.Delivered++
			h(&t, utils.LatencyNs(utils.NowNanos(), t.TimestampNs))
			continue
		}
		if spin {
			cpu.Relax()
		} else {
			time.Sleep(r.opts.Sleep)
		}
	}
	return st, nil
}
