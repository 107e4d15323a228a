// ============================================================================
// SHARED SEGMENT LIFECYCLE SUITE
// ============================================================================
//
// Test categories:
//   - Naming: name to backing-file mapping and rejection
//   - Lifecycle: create, attach, detach, remove
//   - Sharing: ticks pushed through one mapping pop out of another
//   - Validation: size, magic and fingerprint checks on attach
//   - Reader claim: exclusivity and stale-claim reclaim

package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"unsafe"

	"marketfeed/constants"
	"marketfeed/types"
)

// ============================================================================
// TEST UTILITIES AND HELPERS
// ============================================================================

// segName returns a name unique to this process and test.
func segName(t *testing.T) string {
	t.Helper()
	name := fmt.Sprintf("/marketfeed_test_%d_%s", os.Getpid(), strings.ReplaceAll(t.Name(), "/", "_"))
	t.Cleanup(func() { Remove(name) })
	return name
}

func mustCreate(t *testing.T, name string) *Owner {
	t.Helper()
	o, err := Create(name)
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func mustAttach(t *testing.T, name string) *Attached {
	t.Helper()
	a, err := Attach(name)
	if err != nil {
		t.Fatalf("Attach(%q): %v", name, err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// ============================================================================
// LAYOUT
// ============================================================================

func TestHeaderIsOneCacheLine(t *testing.T) {
	if got := unsafe.Sizeof(header{}); got != constants.CacheLine {
		t.Fatalf("sizeof(header) = %d, want %d", got, constants.CacheLine)
	}
	var l layout
	if off := unsafe.Offsetof(l.ring); off != constants.CacheLine {
		t.Fatalf("ring offset = %d, want %d", off, constants.CacheLine)
	}
}

// ============================================================================
// NAMING
// ============================================================================

func TestPath(t *testing.T) {
	valid := []string{"/market_data_shm", "market_data_shm", "/a.b-c"}
	for _, name := range valid {
		p, err := Path(name)
		if err != nil {
			t.Errorf("Path(%q): %v", name, err)
			continue
		}
		if !strings.HasSuffix(p, "/"+strings.TrimPrefix(name, "/")) {
			t.Errorf("Path(%q) = %q", name, p)
		}
	}

	invalid := []string{"", "/", "/a/b", "..", "/.", "a/"}
	for _, name := range invalid {
		if _, err := Path(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Path(%q) err = %v, want ErrInvalidName", name, err)
		}
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func TestCreateInitializesRing(t *testing.T) {
	name := segName(t)
	o := mustCreate(t, name)

	fi, err := os.Stat(o.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != int64(Size) {
		t.Fatalf("segment size = %d, want %d", fi.Size(), Size)
	}

	r := o.Ring()
	if !r.Empty() || r.Slots() != constants.RingCapacity {
		t.Fatalf("ring not initialized: empty=%v slots=%d", r.Empty(), r.Slots())
	}
	if o.ReaderPID() != 0 {
		t.Fatalf("fresh segment has reader %d", o.ReaderPID())
	}
}

func TestCreateReplacesExisting(t *testing.T) {
	name := segName(t)
	first := mustCreate(t, name)
	tk := types.NewTick("OLD", 1, 2, 3)
	first.Ring().Push(&tk)

	second := mustCreate(t, name)
	if !second.Ring().Empty() {
		t.Fatal("re-created segment should start empty")
	}
	// The first owner's mapping refers to the unlinked file and stays usable.
	if first.Ring().Size() != 1 {
		t.Fatalf("old mapping size = %d, want 1", first.Ring().Size())
	}
}

func TestTicksCrossMappings(t *testing.T) {
	name := segName(t)
	o := mustCreate(t, name)
	a := mustAttach(t, name)

	if o.ReaderPID() != os.Getpid() {
		t.Fatalf("ReaderPID = %d, want %d", o.ReaderPID(), os.Getpid())
	}
	if a.OwnerPID() != os.Getpid() {
		t.Fatalf("OwnerPID = %d, want %d", a.OwnerPID(), os.Getpid())
	}

	for i := uint64(0); i < 100; i++ {
		tk := types.NewTick("RELIANCE", 2850+float64(i), 2851+float64(i), i)
		if !o.Ring().Push(&tk) {
			t.Fatalf("push %d failed", i)
		}
	}
	for i := uint64(0); i < 100; i++ {
		var out types.Tick
		if !a.Ring().Pop(&out) {
			t.Fatalf("pop %d failed", i)
		}
		if out.TimestampNs != i || out.Instrument.String() != "RELIANCE" || out.Bid != 2850+float64(i) {
			t.Fatalf("pop %d = %+v", i, out)
		}
	}
	if !o.Ring().Empty() {
		t.Fatal("owner should observe the reader's pops")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	name := segName(t)
	o := mustCreate(t, name)
	a := mustAttach(t, name)

	for i := 0; i < 3; i++ {
		if err := a.Close(); err != nil {
			t.Fatalf("Attached.Close #%d: %v", i, err)
		}
		if err := o.Close(); err != nil {
			t.Fatalf("Owner.Close #%d: %v", i, err)
		}
	}

	var nilOwner *Owner
	var nilAttached *Attached
	if nilOwner.Close() != nil || nilAttached.Close() != nil {
		t.Fatal("Close on nil handles should be a no-op")
	}
}

func TestAttachAfterRemoveFails(t *testing.T) {
	name := segName(t)
	o := mustCreate(t, name)
	if err := o.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := o.Remove(); err != nil {
		t.Fatalf("second Remove: %v", err)
	}

	_, err := Attach(name)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Attach after Remove: err = %v, want ErrNotExist", err)
	}
}

func TestAttachMissing(t *testing.T) {
	if _, err := Attach(segName(t)); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

// ============================================================================
// VALIDATION
// ============================================================================

func TestAttachRejectsWrongSize(t *testing.T) {
	name := segName(t)
	path, _ := Path(name)
	if err := os.WriteFile(path, make([]byte, 128), 0o666); err != nil {
		t.Fatal(err)
	}
	if _, err := Attach(name); !errors.Is(err, ErrLayoutMismatch) {
		t.Fatalf("err = %v, want ErrLayoutMismatch", err)
	}
}

func TestAttachRejectsUnpublished(t *testing.T) {
	name := segName(t)
	path, _ := Path(name)
	if err := os.WriteFile(path, make([]byte, Size), 0o666); err != nil {
		t.Fatal(err)
	}
	if _, err := Attach(name); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestAttachRejectsForeignFingerprint(t *testing.T) {
	name := segName(t)
	o := mustCreate(t, name)
	o.seg.hdr.fingerprint[0] ^= 0xff

	if _, err := Attach(name); !errors.Is(err, ErrLayoutMismatch) {
		t.Fatalf("err = %v, want ErrLayoutMismatch", err)
	}
}

// ============================================================================
// READER CLAIM
// ============================================================================

func TestSecondReaderIsRejected(t *testing.T) {
	name := segName(t)
	mustCreate(t, name)
	first := mustAttach(t, name)

	if _, err := Attach(name); !errors.Is(err, ErrReaderBusy) {
		t.Fatalf("second Attach err = %v, want ErrReaderBusy", err)
	}

	if err := first.Close(); err != nil {
		t.Fatal(err)
	}
	mustAttach(t, name)
}

func TestStaleClaimIsReclaimed(t *testing.T) {
	name := segName(t)
	o := mustCreate(t, name)

	// Above any Linux pid_max, so kill(pid, 0) reports ESRCH.
	const deadPID = 1 << 30
	atomic.StoreUint32(&o.seg.hdr.readerPID, deadPID)

	mustAttach(t, name)
	if o.ReaderPID() != os.Getpid() {
		t.Fatalf("ReaderPID = %d, want %d", o.ReaderPID(), os.Getpid())
	}
}

func TestCloseReleasesOnlyOwnClaim(t *testing.T) {
	name := segName(t)
	o := mustCreate(t, name)
	a := mustAttach(t, name)

	// Another reader took over after this one was presumed dead.
	atomic.StoreUint32(&o.seg.hdr.readerPID, 1)
	a.Close()
	if o.ReaderPID() != 1 {
		t.Fatalf("Close cleared a foreign claim: ReaderPID = %d", o.ReaderPID())
	}
}
