package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"marketfeed/report"
	"marketfeed/shm"
	"marketfeed/snapshot"
	"marketfeed/types"
)

// ============================================================================
// TEST UTILITIES AND HELPERS
// ============================================================================

func segmentName(t *testing.T) string {
	t.Helper()
	name := fmt.Sprintf("/marketfeed_main_%d_%s", os.Getpid(), strings.ReplaceAll(t.Name(), "/", "_"))
	t.Cleanup(func() { shm.Remove(name) })
	return name
}

// waitDrained blocks until the reader has claimed the segment and emptied
// the ring.
func waitDrained(t *testing.T, owner *shm.Owner) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for owner.ReaderPID() == 0 || !owner.Ring().Empty() {
		if time.Now().After(deadline) {
			t.Fatalf("ring not drained: reader=%d size=%d", owner.ReaderPID(), owner.Ring().Size())
		}
		time.Sleep(time.Millisecond)
	}
}

func runCmd(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Chdir(t.TempDir())
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// ============================================================================
// USAGE
// ============================================================================

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", nil, exitUsage},
		{"unknown command", []string{"replay"}, exitUsage},
		{"help", []string{"help"}, exitOK},
		{"command help", []string{"publish", "-h"}, exitOK},
		{"unknown flag", []string{"tcp-consume", "--bogus"}, exitUsage},
		{"invalid config", []string{"shm-consume", "--mode", "poll"}, exitUsage},
		{"invalid log level", []string{"tcp-consume", "--log-level", "loud"}, exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runCmd(t, tt.args...)
			if code != tt.want {
				t.Fatalf("run(%v) = %d, want %d", tt.args, code, tt.want)
			}
		})
	}
}

func TestCommandHelpListsFlags(t *testing.T) {
	code, out, _ := runCmd(t, "shm-consume", "--help")
	if code != exitOK {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(out, "--busy-wait") {
		t.Fatalf("help output missing --busy-wait:\n%s", out)
	}
}

// ============================================================================
// RESOURCE FAILURES
// ============================================================================

func TestShmConsumeWithoutSegmentFails(t *testing.T) {
	code, _, _ := runCmd(t, "shm-consume", "--shm-name", segmentName(t), "--cpu", "-1")
	if code != exitFatal {
		t.Fatalf("exit %d, want %d", code, exitFatal)
	}
}

func TestTCPConsumeConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	code, _, _ := runCmd(t, "tcp-consume", "--addr", addr, "--cpu", "-1")
	if code != exitFatal {
		t.Fatalf("exit %d, want %d", code, exitFatal)
	}
}

func TestPublishBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	name := segmentName(t)
	code, _, _ := runCmd(t, "publish", "--shm-name", name, "--listen", ln.Addr().String(),
		"--cpu", "-1", "--count", "1")
	if code != exitFatal {
		t.Fatalf("exit %d, want %d", code, exitFatal)
	}
	path, _ := shm.Path(name)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("segment should be removed after a failed start, stat err = %v", err)
	}
}

// ============================================================================
// END TO END
// ============================================================================

func TestPublishBoundedRunCleansUp(t *testing.T) {
	mr := miniredis.RunT(t)
	name := segmentName(t)

	code, _, stderr := runCmd(t, "publish",
		"--shm-name", name,
		"--listen", "127.0.0.1:0",
		"--cpu", "-1",
		"--interval", "0s",
		"--count", "200",
		"--progress-every", "0",
		"--redis-addr", mr.Addr())
	if code != exitOK {
		t.Fatalf("exit %d, stderr:\n%s", code, stderr)
	}

	path, _ := shm.Path(name)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("segment should be removed on clean exit, stat err = %v", err)
	}

	key := snapshot.Key(types.NewInstrument("RELIANCE"))
	if !mr.Exists(key) {
		t.Fatalf("snapshot key %s not written", key)
	}
}

func TestShmConsumeReportsAndStores(t *testing.T) {
	name := segmentName(t)
	owner, err := shm.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	defer owner.Close()

	for i := uint64(1); i <= 5; i++ {
		tk := types.NewTick("TCS", 10, 11, i)
		owner.Ring().Push(&tk)
	}

	dir := t.TempDir()
	t.Chdir(dir)
	db := filepath.Join(dir, "runs.db")

	done := make(chan struct{})
	var code int
	var stdout bytes.Buffer
	go func() {
		defer close(done)
		code = run([]string{"shm-consume", "--shm-name", name, "--cpu", "-1", "--report-sqlite", db},
			&stdout, &bytes.Buffer{})
	}()

	// The reader only stops on a signal once the ring is drained.
	waitDrained(t, owner)
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop on SIGTERM")
	}

	if code != exitOK {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout.String(), "Total messages received: 5") {
		t.Fatalf("summary = %q", stdout.String())
	}

	store, err := report.Open(db)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	runs, err := store.Recent(t.Context(), 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("Recent = %v, %v", runs, err)
	}
	if runs[0].Transport != "shm" || runs[0].Delivered != 5 {
		t.Fatalf("stored run = %+v", runs[0])
	}
}
