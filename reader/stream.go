package reader

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"marketfeed/constants"
	"marketfeed/control"
	"marketfeed/types"
	"marketfeed/utils"
	"marketfeed/wire"
)

// maxLoggedLine caps how much of a bad frame is echoed into the log.
const maxLoggedLine = 160

// StreamOptions configures the TCP loop.
type StreamOptions struct {
	RecvBuffer  int           // SO_RCVBUF; 0 keeps the OS default
	ReadTimeout time.Duration // idle limit per read; 0 waits forever
	MaxLine     int           // longest accepted frame; 0 means constants.MaxLineBytes
	CPU         int           // pin target; negative disables pinning
}

// StreamReader consumes newline-delimited wire frames from one connection.
type StreamReader struct {
	conn net.Conn
	opts StreamOptions
	log  *zap.Logger
}

// Dial connects to the broadcast server. Connect failures are fatal for the
// caller.
func Dial(ctx context.Context, addr string, opts StreamOptions, log *zap.Logger) (*StreamReader, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("reader: connect %s: %w", addr, err)
	}
	r := NewStreamReader(conn, opts, log)
	r.tune()
	return r, nil
}

// NewStreamReader wraps an established connection. Run closes it.
func NewStreamReader(conn net.Conn, opts StreamOptions, log *zap.Logger) *StreamReader {
	if opts.MaxLine <= 0 {
		opts.MaxLine = constants.MaxLineBytes
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamReader{conn: conn, opts: opts, log: log.With(zap.String("component", "stream-reader"))}
}

func (r *StreamReader) tune() {
	tc, ok := r.conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		r.log.Warn("set nodelay", zap.Error(err))
	}
	if r.opts.RecvBuffer > 0 {
		if err := tc.SetReadBuffer(r.opts.RecvBuffer); err != nil {
			r.log.Warn("set recv buffer", zap.Error(err))
		}
	}
}

// Run reads frames until end of stream, a transport error or cancellation.
// End of stream and cancellation return a nil error; a partial trailing
// line is discarded. Malformed frames are logged, counted and skipped.
func (r *StreamReader) Run(tok *control.Token, h Handler) (st Stats, err error) {
	release := lockAndPin(r.opts.CPU, r.log)
	defer release()
	defer r.conn.Close()

	// A blocked read only returns once the socket is closed.
	exited := make(chan struct{})
	defer close(exited)
	go func() {
		select {
		case <-tok.Done():
			r.conn.Close()
		case <-exited:
		}
	}()

	r.log.Info("reading stream", zap.String("peer", r.conn.RemoteAddr().String()))

	br := bufio.NewReaderSize(r.conn, r.opts.MaxLine)
	var t types.Tick

	for !tok.Stopped() {
		if r.opts.ReadTimeout > 0 {
			r.conn.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout))
		}

		line, rerr := br.ReadSlice('\n')
		switch {
		case rerr == nil:
		case errors.Is(rerr, bufio.ErrBufferFull):
			r.malformed(&st, line, errors.New("frame exceeds max line length"))
			rerr = skipLine(br)
			if rerr == nil {
				continue
			}
			line = nil
			fallthrough
		default:
			if len(line) > 0 {
				r.log.Debug("discarding partial trailing line", zap.Int("bytes", len(line)))
			}
			return st, r.classify(tok, rerr)
		}

		now := utils.NowNanos()
		if derr := wire.Decode(line, &t); derr != nil {
			r.malformed(&st, line, derr)
			continue
		}
		st.Delivered++
		h(&t, utils.LatencyNs(now, t.TimestampNs))
	}
	return st, nil
}

// classify maps a terminal read error to the loop result.
func (r *StreamReader) classify(tok *control.Token, err error) error {
	if tok.Stopped() || errors.Is(err, io.EOF) {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w after %s", ErrIdleTimeout, r.opts.ReadTimeout)
	}
	return fmt.Errorf("reader: read: %w", err)
}

// malformed logs the first bad frame and then one in every WarnEvery.
func (r *StreamReader) malformed(st *Stats, line []byte, err error) {
	st.Malformed++
	if st.Malformed == 1 || st.Malformed%constants.WarnEvery == 0 {
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > maxLoggedLine {
			line = line[:maxLoggedLine]
		}
		r.log.Warn("skipping malformed frame",
			zap.String("line", string(line)),
			zap.Uint64("malformed", st.Malformed),
			zap.Error(err))
	}
}

// skipLine discards input up to and including the next '\n'.
func skipLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}
