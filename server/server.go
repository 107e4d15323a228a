// ============================================================================
// TCP BROADCAST SERVER
// ============================================================================
//
// Fans every published frame out to all connected stream readers.
//
// Architecture overview:
//   - Accept loop: tunes each connection for low latency, registers it as a
//     session and immediately re-arms
//   - Registry: map of session id to session, guarded by one mutex; accept,
//     broadcast and pruning run on different goroutines
//   - Per session: a bounded frame queue drained by a writer goroutine, and
//     a watcher goroutine that reads until the peer closes
//
// Delivery semantics:
//   - Broadcast never blocks and never fails: a session whose queue is full
//     loses that frame (counted in Stats.Dropped)
//   - The first write error or peer close removes the session from the
//     registry in one operation and closes its socket
//   - Sessions are independent: one slow or dead peer never delays another

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"marketfeed/constants"
	"marketfeed/control"
)

// Options tunes accepted connections.
type Options struct {
	SendBuffer   int           // SO_SNDBUF per session; 0 keeps the OS default
	RecvBuffer   int           // SO_RCVBUF per session; 0 keeps the OS default
	KeepAlive    time.Duration // keepalive probe period; 0 disables keepalive
	QueueDepth   int           // frames queued per session before dropping
	WriteTimeout time.Duration // per-write deadline; 0 means none
}

// DefaultOptions mirrors the constants package.
func DefaultOptions() Options {
	return Options{
		SendBuffer: constants.SocketBuffer,
		RecvBuffer: constants.SocketBuffer,
		KeepAlive:  constants.KeepAlive,
		QueueDepth: constants.SessionQueue,
	}
}

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	Sessions    int    // live sessions
	Accepted    uint64 // sessions ever accepted
	Pruned      uint64 // sessions removed after write failure or peer close
	Frames      uint64 // Broadcast calls
	Dropped     uint64 // per-session frames lost to a full queue
	WriteErrors uint64 // failed socket writes
}

type session struct {
	id    uint64
	conn  net.Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Server owns the listener and the session registry.
type Server struct {
	ln   net.Listener
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[uint64]*session
	nextID   uint64

	accepted    atomic.Uint64
	pruned      atomic.Uint64
	frames      atomic.Uint64
	dropped     atomic.Uint64
	writeErrors atomic.Uint64

	closed atomic.Bool
	quit   chan struct{} // closed by Close
	wg     sync.WaitGroup
}

// ============================================================================
// CONSTRUCTION
// ============================================================================

// Listen binds addr. Bind failures are fatal for the caller.
func Listen(addr string, opts Options, log *zap.Logger) (*Server, error) {
	if opts.QueueDepth <= 0 {
		return nil, fmt.Errorf("server: queue depth must be positive, got %d", opts.QueueDepth)
	}
	if log == nil {
		log = zap.NewNop()
	}

	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}

	return &Server{
		ln:       ln,
		opts:     opts,
		log:      log.With(zap.String("component", "server")),
		sessions: make(map[uint64]*session),
		quit:     make(chan struct{}),
	}, nil
}

// reuseAddr lets a restarted publisher rebind while old sockets linger in
// TIME_WAIT.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// ============================================================================
// ACCEPT LOOP
// ============================================================================

// Serve accepts connections until tok is cancelled or Close is called.
// Transient accept errors are logged and the loop re-arms.
func (s *Server) Serve(tok *control.Token) error {
	go func() {
		select {
		case <-tok.Done():
			s.ln.Close()
		case <-s.quit:
		}
	}()

	var backoff time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if tok.Stopped() || s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.tune(conn)
		s.add(conn)
	}
}

// tune applies immediate-send, buffer sizing and keepalive settings.
func (s *Server) tune(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		s.log.Warn("set nodelay", zap.Error(err))
	}
	if s.opts.SendBuffer > 0 {
		if err := tc.SetWriteBuffer(s.opts.SendBuffer); err != nil {
			s.log.Warn("set send buffer", zap.Error(err))
		}
	}
	if s.opts.RecvBuffer > 0 {
		if err := tc.SetReadBuffer(s.opts.RecvBuffer); err != nil {
			s.log.Warn("set recv buffer", zap.Error(err))
		}
	}
	if s.opts.KeepAlive > 0 {
		err := tc.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable:   true,
			Idle:     s.opts.KeepAlive,
			Interval: s.opts.KeepAlive,
		})
		if err != nil {
			s.log.Warn("set keepalive", zap.Error(err))
		}
	}
}

func (s *Server) add(conn net.Conn) {
	sess := &session{
		conn:  conn,
		queue: make(chan []byte, s.opts.QueueDepth),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.nextID++
	sess.id = s.nextID
	s.sessions[sess.id] = sess
	live := len(s.sessions)
	// Counted under mu so Close never waits before the goroutines exist.
	s.wg.Add(2)
	s.mu.Unlock()

	s.accepted.Add(1)
	s.log.Info("session accepted",
		zap.Uint64("session", sess.id),
		zap.String("peer", conn.RemoteAddr().String()),
		zap.Int("live", live))

	go s.writeLoop(sess)
	go s.watchLoop(sess)
}

// writeLoop drains the session queue onto the socket.
func (s *Server) writeLoop(sess *session) {
	defer s.wg.Done()
	for {
		select {
		case frame := <-sess.queue:
			if s.opts.WriteTimeout > 0 {
				sess.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			}
			if _, err := sess.conn.Write(frame); err != nil {
				s.writeErrors.Add(1)
				s.remove(sess, "write failed", err)
				return
			}
		case <-sess.done:
			return
		}
	}
}

// watchLoop detects peer close. Stream readers never send, so anything
// read is discarded.
func (s *Server) watchLoop(sess *session) {
	defer s.wg.Done()
	_, err := io.Copy(io.Discard, sess.conn)
	s.remove(sess, "peer closed", err)
}

// remove unregisters sess exactly once and closes it.
func (s *Server) remove(sess *session, reason string, err error) {
	s.mu.Lock()
	_, ok := s.sessions[sess.id]
	if ok {
		delete(s.sessions, sess.id)
	}
	live := len(s.sessions)
	s.mu.Unlock()

	sess.close()
	if !ok {
		return
	}
	s.pruned.Add(1)
	fields := []zap.Field{zap.Uint64("session", sess.id), zap.String("reason", reason), zap.Int("live", live)}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		fields = append(fields, zap.Error(err))
	}
	s.log.Info("session pruned", fields...)
}

// ============================================================================
// BROADCAST
// ============================================================================

// Broadcast queues frame plus a '\n' terminator to every live session and
// returns how many accepted it. frame is copied; the caller may reuse it.
func (s *Server) Broadcast(frame []byte) int {
	s.frames.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) == 0 {
		return 0
	}

	line := make([]byte, len(frame)+1)
	copy(line, frame)
	line[len(frame)] = '\n'

	n := 0
	for _, sess := range s.sessions {
		select {
		case sess.queue <- line:
			n++
		default:
			s.dropped.Add(1)
		}
	}
	return n
}

// ============================================================================
// INTROSPECTION & SHUTDOWN
// ============================================================================

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Sessions:    s.Sessions(),
		Accepted:    s.accepted.Load(),
		Pruned:      s.pruned.Load(),
		Frames:      s.frames.Load(),
		Dropped:     s.dropped.Load(),
		WriteErrors: s.writeErrors.Load(),
	}
}

// Close stops accepting, closes every session and waits for their
// goroutines. Frames still queued are discarded.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.quit)
	err := s.ln.Close()

	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		live = append(live, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.close()
	}
	s.wg.Wait()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("server: close: %w", err)
	}
	return nil
}
