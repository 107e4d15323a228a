// Package shm places one ring.Ring in a named shared-memory segment.
//
// The segment is a regular file under /dev/shm (os.TempDir() where that is
// missing) mapped MAP_SHARED by every participant. Two handle types keep the
// roles apart:
//
//   - Owner: returned by Create. Removes any stale segment, sizes and zeroes
//     the new one, constructs the ring in place and publishes the header.
//     Only the owner may Remove the name.
//   - Attached: returned by Attach. Maps an existing, fully published
//     segment without touching the ring, and holds the single-reader claim
//     until Close.
//
// Layout (see layout): one 64-byte header line, then the ring. The header
// magic is stored last with an atomic store, so an attacher that observes
// it also observes a constructed ring.
package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/crypto/sha3"
	"golang.org/x/sys/unix"

	"marketfeed/constants"
	"marketfeed/ring"
	"marketfeed/types"
)

// Segment identification.
const (
	Magic   = uint64(0x3144_4545_4654_4b4d) // "MKTFEED1" little-endian
	Version = uint32(1)
)

// Errors reported by Attach and Path.
var (
	ErrBadMagic       = errors.New("shm: segment not initialized")
	ErrLayoutMismatch = errors.New("shm: segment layout does not match this build")
	ErrReaderBusy     = errors.New("shm: segment already has a reader")
	ErrInvalidName    = errors.New("shm: invalid segment name")
)

// header occupies exactly one cache line ahead of the ring.
type header struct {
	magic       uint64  // 0x00: Magic once published
	fingerprint [8]byte // 0x08: layout fingerprint
	version     uint32  // 0x10: Version
	capacity    uint32  // 0x14: ring slot count
	ownerPID    uint32  // 0x18: creating process
	readerPID   uint32  // 0x1C: reader claim, 0 when free
	_           [32]byte
}

type layout struct {
	hdr  header
	ring ring.Ring
}

// Size is the exact byte length of a segment.
const Size = int(unsafe.Sizeof(layout{}))

var fingerprint = computeFingerprint()

// computeFingerprint hashes everything the two processes must agree on for
// the mapped bytes to mean the same thing.
func computeFingerprint() [8]byte {
	var t types.Tick
	desc := fmt.Sprintf(
		"tick=%d inst=%d bid=%d ask=%d ts=%d hdr=%d ring=%d slots=%d arch=%s",
		unsafe.Sizeof(t),
		unsafe.Sizeof(t.Instrument),
		unsafe.Offsetof(t.Bid),
		unsafe.Offsetof(t.Ask),
		unsafe.Offsetof(t.TimestampNs),
		unsafe.Sizeof(header{}),
		unsafe.Sizeof(ring.Ring{}),
		ring.MaxCapacity,
		runtime.GOARCH,
	)
	sum := sha3.Sum256([]byte(desc))
	var fp [8]byte
	copy(fp[:], sum[:8])
	return fp
}

// ============================================================================
// NAMING
// ============================================================================

// Path maps a segment name such as "/market_data_shm" to its backing file.
func Path(name string) (string, error) {
	base := strings.TrimPrefix(name, "/")
	if base == "" || base == "." || base == ".." || strings.ContainsRune(base, '/') {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(dir(), base), nil
}

func dir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Remove deletes the backing name. A missing segment is not an error.
// Existing mappings stay valid until they are closed.
func Remove(name string) error {
	path, err := Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("shm: remove %s: %w", path, err)
	}
	return nil
}

// ============================================================================
// OWNER
// ============================================================================

// Owner is the creating side of a segment.
type Owner struct {
	name string
	path string
	mem  []byte
	seg  *layout
}

// Create replaces any segment called name with a freshly initialized one.
func Create(name string) (*Owner, error) {
	path, err := Path(name)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("shm: remove stale %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	defer f.Close()

	// Undo the umask so a reader running as another user can map it.
	if err := f.Chmod(0o666); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("shm: chmod %s: %w", path, err)
	}
	if err := unix.Ftruncate(int(f.Fd()), int64(Size)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("shm: size %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("shm: map %s: %w", path, err)
	}

	clear(mem)
	seg := (*layout)(unsafe.Pointer(&mem[0]))
	seg.hdr.fingerprint = fingerprint
	seg.hdr.version = Version
	seg.hdr.capacity = constants.RingCapacity
	seg.hdr.ownerPID = uint32(os.Getpid())
	seg.ring.Init(constants.RingCapacity)
	atomic.StoreUint64(&seg.hdr.magic, Magic)

	return &Owner{name: name, path: path, mem: mem, seg: seg}, nil
}

// Ring returns the producer view. Invalid after Close.
func (o *Owner) Ring() *ring.Ring {
	return &o.seg.ring
}

// Name returns the segment name Create was called with.
func (o *Owner) Name() string { return o.name }

// Path returns the backing file.
func (o *Owner) Path() string { return o.path }

// ReaderPID returns the PID holding the reader claim, 0 if none.
func (o *Owner) ReaderPID() int {
	if o.seg == nil {
		return 0
	}
	return int(atomic.LoadUint32(&o.seg.hdr.readerPID))
}

// Close releases the mapping. Safe to call more than once.
func (o *Owner) Close() error {
	if o == nil || o.mem == nil {
		return nil
	}
	mem := o.mem
	o.mem, o.seg = nil, nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("shm: unmap %s: %w", o.path, err)
	}
	return nil
}

// Remove deletes the backing name. Readers attached already keep their view.
func (o *Owner) Remove() error {
	return Remove(o.name)
}

// ============================================================================
// ATTACHED
// ============================================================================

// Attached is the reading side of a segment.
type Attached struct {
	path string
	pid  uint32
	mem  []byte
	seg  *layout
}

// Attach maps the existing segment called name and claims the reader slot.
func Attach(name string) (*Attached, error) {
	path, err := Path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: attach %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if fi.Size() != int64(Size) {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrLayoutMismatch, path, fi.Size(), Size)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: map %s: %w", path, err)
	}
	seg := (*layout)(unsafe.Pointer(&mem[0]))

	if err := validate(&seg.hdr); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("shm: attach %s: %w", path, err)
	}

	pid := uint32(os.Getpid())
	if err := claim(&seg.hdr.readerPID, pid); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("shm: attach %s: %w", path, err)
	}

	return &Attached{path: path, pid: pid, mem: mem, seg: seg}, nil
}

func validate(h *header) error {
	if atomic.LoadUint64(&h.magic) != Magic {
		return ErrBadMagic
	}
	if h.version != Version {
		return fmt.Errorf("%w: version %d, want %d", ErrLayoutMismatch, h.version, Version)
	}
	if h.fingerprint != fingerprint {
		return fmt.Errorf("%w: fingerprint %x, want %x", ErrLayoutMismatch, h.fingerprint, fingerprint)
	}
	if h.capacity < 2 || h.capacity > ring.MaxCapacity {
		return fmt.Errorf("%w: capacity %d", ErrLayoutMismatch, h.capacity)
	}
	return nil
}

// claim takes the reader slot for pid, reclaiming it from a dead process.
func claim(slot *uint32, pid uint32) error {
	for {
		cur := atomic.LoadUint32(slot)
		if cur != 0 && alive(cur) {
			return fmt.Errorf("%w: pid %d", ErrReaderBusy, cur)
		}
		if atomic.CompareAndSwapUint32(slot, cur, pid) {
			return nil
		}
	}
}

func alive(pid uint32) bool {
	err := unix.Kill(int(pid), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Ring returns the consumer view. Invalid after Close.
func (a *Attached) Ring() *ring.Ring {
	return &a.seg.ring
}

// Path returns the backing file.
func (a *Attached) Path() string { return a.path }

// OwnerPID returns the PID of the process that created the segment.
func (a *Attached) OwnerPID() int {
	if a.seg == nil {
		return 0
	}
	return int(a.seg.hdr.ownerPID)
}

// Close releases the reader claim and the mapping. Safe to call more than once.
func (a *Attached) Close() error {
	if a == nil || a.mem == nil {
		return nil
	}
	atomic.CompareAndSwapUint32(&a.seg.hdr.readerPID, a.pid, 0)
	mem := a.mem
	a.mem, a.seg = nil, nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("shm: unmap %s: %w", a.path, err)
	}
	return nil
}
