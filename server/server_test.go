// ============================================================================
// BROADCAST SERVER VALIDATION SUITE
// ============================================================================
//
// Test categories:
//   - Fan-out: every live session receives every frame, in order
//   - Pruning: a closed peer is removed and never delays the others
//   - Backpressure: a full session queue drops without blocking
//   - Lifecycle: Serve exits on cancellation, Close tears down sessions
//   - Shutdown races: a session registered while Close runs is never orphaned

package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"marketfeed/control"
)

// ============================================================================
// TEST UTILITIES AND HELPERS
// ============================================================================

// startServer listens on a loopback port and serves until the test ends.
func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	srv, err := Listen("127.0.0.1:0", opts, zap.NewNop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	tok := control.New()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(tok) }()

	t.Cleanup(func() {
		tok.Cancel()
		if err := <-served; err != nil {
			t.Errorf("Serve: %v", err)
		}
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func readLine(t *testing.T, conn net.Conn, r *bufio.Reader) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return line
}

// ============================================================================
// FAN-OUT
// ============================================================================

func TestBroadcastReachesAllSessions(t *testing.T) {
	srv := startServer(t, DefaultOptions())

	const clients = 4
	conns := make([]net.Conn, clients)
	readers := make([]*bufio.Reader, clients)
	for i := range conns {
		conns[i], readers[i] = dial(t, srv)
	}
	waitFor(t, "sessions", func() bool { return srv.Sessions() == clients })

	for i := 0; i < 100; i++ {
		if n := srv.Broadcast([]byte(fmt.Sprintf("frame-%d", i))); n != clients {
			t.Fatalf("Broadcast %d reached %d sessions, want %d", i, n, clients)
		}
	}

	for c := range conns {
		for i := 0; i < 100; i++ {
			want := fmt.Sprintf("frame-%d\n", i)
			if got := readLine(t, conns[c], readers[c]); got != want {
				t.Fatalf("client %d frame %d = %q, want %q", c, i, got, want)
			}
		}
	}

	st := srv.Stats()
	if st.Accepted != clients || st.Frames != 100 || st.Dropped != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestBroadcastCopiesFrame(t *testing.T) {
	srv := startServer(t, DefaultOptions())
	conn, r := dial(t, srv)
	waitFor(t, "session", func() bool { return srv.Sessions() == 1 })

	buf := []byte("original")
	srv.Broadcast(buf)
	copy(buf, "mutated!")

	if got := readLine(t, conn, r); got != "original\n" {
		t.Fatalf("got %q", got)
	}
}

func TestBroadcastWithoutSessions(t *testing.T) {
	srv := startServer(t, DefaultOptions())
	if n := srv.Broadcast([]byte("nobody")); n != 0 {
		t.Fatalf("Broadcast = %d, want 0", n)
	}
}

// ============================================================================
// PRUNING
// ============================================================================

// TestClosedPeerIsPrunedAndOthersContinue covers two stream readers where
// one disconnects: the next broadcast still reaches the survivor and the
// dead session leaves the registry.
func TestClosedPeerIsPrunedAndOthersContinue(t *testing.T) {
	srv := startServer(t, DefaultOptions())

	gone, _ := dial(t, srv)
	live, liveReader := dial(t, srv)
	waitFor(t, "two sessions", func() bool { return srv.Sessions() == 2 })

	gone.Close()
	waitFor(t, "prune", func() bool { return srv.Sessions() == 1 })

	if n := srv.Broadcast([]byte("after-close")); n != 1 {
		t.Fatalf("Broadcast reached %d sessions, want 1", n)
	}
	if got := readLine(t, live, liveReader); got != "after-close\n" {
		t.Fatalf("survivor got %q", got)
	}

	st := srv.Stats()
	if st.Pruned != 1 || st.Sessions != 1 || st.Accepted != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestWriteFailurePrunes(t *testing.T) {
	srv := startServer(t, DefaultOptions())
	conn, _ := dial(t, srv)
	waitFor(t, "session", func() bool { return srv.Sessions() == 1 })

	// Reset instead of FIN so the server's next write fails.
	conn.(*net.TCPConn).SetLinger(0)
	conn.Close()

	waitFor(t, "prune", func() bool {
		srv.Broadcast([]byte("probe"))
		return srv.Sessions() == 0
	})
	if srv.Stats().Pruned != 1 {
		t.Fatalf("Pruned = %d, want 1", srv.Stats().Pruned)
	}
}

// ============================================================================
// BACKPRESSURE
// ============================================================================

func TestFullQueueDrops(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", Options{QueueDepth: 2}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	// A registered session with no writer draining it.
	local, remote := net.Pipe()
	defer remote.Close()
	sess := &session{id: 1, conn: local, queue: make(chan []byte, 2), done: make(chan struct{})}
	srv.sessions[sess.id] = sess

	results := make([]int, 5)
	for i := range results {
		results[i] = srv.Broadcast([]byte("x"))
	}

	want := []int{1, 1, 0, 0, 0}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("Broadcast results = %v, want %v", results, want)
		}
	}
	if st := srv.Stats(); st.Dropped != 3 || st.Frames != 5 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestListenRejectsZeroQueue(t *testing.T) {
	if _, err := Listen("127.0.0.1:0", Options{}, nil); err == nil {
		t.Fatal("Listen should reject a zero queue depth")
	}
}

func TestListenReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if _, err := Listen(ln.Addr().String(), DefaultOptions(), nil); err == nil {
		t.Fatal("Listen on a bound port should fail")
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func TestServeReturnsOnCancel(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", DefaultOptions(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	tok := control.New()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(tok) }()

	tok.Cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestCloseDisconnectsSessions(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", DefaultOptions(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	tok := control.New()
	defer tok.Cancel()
	go srv.Serve(tok)

	conn, r := dial(t, srv)
	waitFor(t, "session", func() bool { return srv.Sessions() == 1 })

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Fatalf("client read after Close = %v, want EOF", err)
	}
	if srv.Sessions() != 0 {
		t.Fatalf("Sessions = %d after Close", srv.Sessions())
	}
}

func TestCloseStopsServeWithoutCancel(t *testing.T) {
	base := runtime.NumGoroutine()

	srv, err := Listen("127.0.0.1:0", DefaultOptions(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	tok := control.New()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(tok) }()

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
	if tok.Stopped() {
		t.Fatal("Close must not cancel the caller's token")
	}

	// The listener watcher must exit too, not wait on the token forever.
	waitFor(t, "serve goroutines to exit", func() bool { return runtime.NumGoroutine() <= base })
}

// ============================================================================
// SHUTDOWN RACES
// ============================================================================

func TestAddRacingCloseLeavesNoSession(t *testing.T) {
	for i := 0; i < 300; i++ {
		srv, err := Listen("127.0.0.1:0", DefaultOptions(), zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		local, remote := net.Pipe()

		start := make(chan struct{})
		added := make(chan struct{})
		closed := make(chan error, 1)
		go func() {
			<-start
			srv.add(local)
			close(added)
		}()
		go func() {
			<-start
			closed <- srv.Close()
		}()
		close(start)

		if err := <-closed; err != nil {
			t.Fatalf("iteration %d: Close: %v", i, err)
		}
		<-added

		// Whichever side won, the session ends up closed and unregistered.
		remote.SetReadDeadline(time.Now().Add(5 * time.Second))
		var b [1]byte
		if _, err := remote.Read(b[:]); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("iteration %d: peer read = %v, want closed pipe", i, err)
		}
		if n := srv.Sessions(); n != 0 {
			t.Fatalf("iteration %d: %d sessions after Close", i, n)
		}
		remote.Close()
	}
}

// ============================================================================
// SOCKET TUNING
// ============================================================================

func sockoptInt(t *testing.T, conn net.Conn, opt int) int {
	t.Helper()
	raw, err := conn.(*net.TCPConn).SyscallConn()
	if err != nil {
		t.Fatal(err)
	}
	var v int
	var serr error
	err = raw.Control(func(fd uintptr) {
		v, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, opt)
	})
	if err != nil || serr != nil {
		t.Fatalf("getsockopt %d: %v %v", opt, err, serr)
	}
	return v
}

func TestSessionBuffersAreSized(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("buffer accounting checked on linux only")
	}
	const size = 24 << 10
	opts := DefaultOptions()
	opts.SendBuffer = size
	opts.RecvBuffer = size
	srv := startServer(t, opts)

	dial(t, srv)
	waitFor(t, "session", func() bool { return srv.Sessions() == 1 })

	var conn net.Conn
	srv.mu.Lock()
	for _, sess := range srv.sessions {
		conn = sess.conn
	}
	srv.mu.Unlock()

	// Linux reports twice the requested size to cover bookkeeping.
	for _, opt := range []int{unix.SO_SNDBUF, unix.SO_RCVBUF} {
		if got := sockoptInt(t, conn, opt); got < size || got > 2*size {
			t.Errorf("sockopt %d = %d, want within [%d, %d]", opt, got, size, 2*size)
		}
	}
}
