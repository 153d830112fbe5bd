// Package shmem implements the generic shared-memory segment service used by
// the registries: named /dev/shm segments that unrelated processes on the
// same node create or attach to, an attached-PID table with stale-PID
// cleanup, and a robust node-wide lock.
//
// The service owns a small header at the start of every segment (magic,
// client version tag, attached-PID table). The client data area starts after
// the header; its layout is entirely up to the client, which receives it as
// a raw byte slice.
//
// The node-wide lock is a flock(2) on the segment file. The kernel releases
// it when the holding process dies, so a crashed holder never wedges the
// remaining attachers.
package shmem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// maxAttached bounds the number of processes that can be attached to
	// one segment at a time.
	maxAttached = 256

	// serviceHeaderSize is the offset of the client data area. It keeps
	// the client area cache-line aligned.
	serviceHeaderSize = (int(unsafe.Sizeof(serviceHeader{})) + 63) &^ 63
)

// segMagic identifies a segment created by this service.
var segMagic = [8]byte{'P', 'M', 'S', 'H', 'M', 'E', 'M', 0}

var (
	// ErrVersionMismatch is returned when attaching to a segment created
	// with a different client version tag.
	ErrVersionMismatch = errors.New("shmem: segment version mismatch")

	// ErrTooManyAttached is returned when the attached-PID table is full.
	ErrTooManyAttached = errors.New("shmem: too many attached processes")
)

// serviceHeader is the fixed layout at the start of every segment.
// Mutations happen only under the segment flock.
type serviceHeader struct {
	magic   [8]byte
	version uint32
	_       uint32
	pids    [maxAttached]int32
}

// CleanupFn is invoked during attach for every previously attached PID that
// is no longer alive. It receives the client data area and the dead PID, and
// runs while the service already holds the segment lock; it must not
// reacquire it.
type CleanupFn func(data []byte, pid int32)

// Props describes the segment to create or attach.
type Props struct {
	Size    int    // client data area size in bytes, used at creation
	Name    string // segment family name, e.g. "talp"
	Key     string // namespace suffix; empty selects a per-UID namespace
	Version uint32 // client version tag, checked at attach
	Cleanup CleanupFn
}

// Handler is the process-local handle to an attached segment.
type Handler struct {
	mu    sync.Mutex // serializes the flock among threads sharing the handler
	file  *os.File
	mem   []byte
	path  string
	props Props
}

// SegmentPath returns the backing file path for a (name, key) pair. An empty
// key falls back to the caller's UID so unrelated users get distinct
// segments.
func SegmentPath(name, key string) string {
	if key == "" {
		key = strconv.Itoa(os.Getuid())
	}
	dir := "/dev/shm"
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = os.TempDir()
	}
	return filepath.Join(dir, name+"_"+key)
}

// Init creates or attaches the segment described by props. On attach it
// verifies the magic and version, sweeps the attached-PID table for dead
// processes (invoking props.Cleanup for each), and records the calling PID.
// The whole sequence runs under the segment lock, so a partially initialized
// segment is never visible to another attacher.
func Init(props Props) (*Handler, error) {
	path := SegmentPath(props.Name, props.Key)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}

	fd := int(file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("shmem: lock %s: %w", path, err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmem: stat %s: %w", path, err)
	}

	created := info.Size() == 0
	size := serviceHeaderSize + props.Size
	if !created {
		// Attach at the existing size. A capacity disagreement is for
		// the client to detect from its own header.
		size = int(info.Size())
		if size < serviceHeaderSize {
			file.Close()
			return nil, fmt.Errorf("shmem: segment %s too small: %d bytes", path, size)
		}
	} else if err := unix.Ftruncate(fd, int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shmem: resize %s: %w", path, err)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		if created {
			os.Remove(path)
		}
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}

	h := &Handler{file: file, mem: mem, path: path, props: props}
	hdr := h.header()

	if created {
		hdr.magic = segMagic
		hdr.version = props.Version
	} else {
		if hdr.magic != segMagic {
			h.unmap()
			return nil, fmt.Errorf("shmem: %s is not a segment of ours", path)
		}
		if hdr.version != props.Version {
			got := hdr.version
			h.unmap()
			return nil, fmt.Errorf("%w: segment has %d, expected %d",
				ErrVersionMismatch, got, props.Version)
		}
		h.sweepStalePids(hdr)
	}

	if err := h.registerPid(hdr, int32(os.Getpid())); err != nil {
		h.unmap()
		return nil, err
	}

	return h, nil
}

// Data returns the client data area of the segment.
func (h *Handler) Data() []byte {
	return h.mem[serviceHeaderSize:]
}

// Lock acquires the robust node-wide segment lock. It also serializes
// threads within the process: flock is per open file description, so two
// threads sharing the handler would otherwise both succeed.
func (h *Handler) Lock() {
	h.mu.Lock()
	if err := unix.Flock(int(h.file.Fd()), unix.LOCK_EX); err != nil {
		logrus.WithError(err).Errorf("shmem: cannot lock segment %s", h.path)
	}
}

// Unlock releases the segment lock.
func (h *Handler) Unlock() {
	if err := unix.Flock(int(h.file.Fd()), unix.LOCK_UN); err != nil {
		logrus.WithError(err).Errorf("shmem: cannot unlock segment %s", h.path)
	}
	h.mu.Unlock()
}

// Finalize detaches from the segment. When the calling process is the last
// attacher and isEmpty reports true, the backing file is removed so the next
// attacher starts from a pristine segment. isEmpty runs under the segment
// lock with the mapping still valid.
func (h *Handler) Finalize(isEmpty func() bool) error {
	fd := int(h.file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("shmem: lock %s: %w", h.path, err)
	}

	hdr := h.header()
	h.removePid(hdr, int32(os.Getpid()))

	if !h.anyAttached(hdr) && (isEmpty == nil || isEmpty()) {
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			logrus.WithError(err).Warnf("shmem: cannot remove segment %s", h.path)
		}
	}

	unix.Flock(fd, unix.LOCK_UN)
	return h.unmap()
}

func (h *Handler) header() *serviceHeader {
	return (*serviceHeader)(unsafe.Pointer(&h.mem[0]))
}

func (h *Handler) unmap() error {
	err := unix.Munmap(h.mem)
	h.mem = nil
	if cerr := h.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// sweepStalePids scans the attached-PID table and, for every PID that no
// longer designates a live process, invokes the cleanup callback on the
// client area and frees the table slot. Runs before the segment is handed to
// the attaching process.
func (h *Handler) sweepStalePids(hdr *serviceHeader) {
	for i := range hdr.pids {
		pid := hdr.pids[i]
		if pid != 0 && !pidAlive(pid) {
			logrus.Debugf("shmem: cleaning up stale pid %d in %s", pid, h.path)
			if h.props.Cleanup != nil {
				h.props.Cleanup(h.Data(), pid)
			}
			hdr.pids[i] = 0
		}
	}
}

func (h *Handler) registerPid(hdr *serviceHeader, pid int32) error {
	free := -1
	for i := range hdr.pids {
		switch hdr.pids[i] {
		case pid:
			return nil
		case 0:
			if free < 0 {
				free = i
			}
		}
	}
	if free < 0 {
		return ErrTooManyAttached
	}
	hdr.pids[free] = pid
	return nil
}

func (h *Handler) removePid(hdr *serviceHeader, pid int32) {
	for i := range hdr.pids {
		if hdr.pids[i] == pid {
			hdr.pids[i] = 0
			return
		}
	}
}

func (h *Handler) anyAttached(hdr *serviceHeader) bool {
	for i := range hdr.pids {
		if hdr.pids[i] != 0 {
			return true
		}
	}
	return false
}

// pidAlive probes a PID with a null signal. EPERM still means the process
// exists; only ESRCH marks it dead.
func pidAlive(pid int32) bool {
	err := unix.Kill(int(pid), 0)
	return err == nil || err == unix.EPERM
}
