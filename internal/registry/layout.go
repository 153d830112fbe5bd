package registry

import (
	"bytes"
	"unsafe"
)

const (
	// NameMax is the capacity of a region name, terminator included.
	// Bytes after the first NUL are unspecified.
	NameMax = 128

	// Version is the layout version tag of the talp segment. Attaching to
	// a segment written with a different tag fails in the shmem service.
	Version = 4

	headerSize = int(unsafe.Sizeof(segmentHeader{}))
	recordSize = int(unsafe.Sizeof(regionRecord{}))
)

// segmentHeader sits at the start of the client data area. All fields are
// written under the segment lock; numRegions is additionally read with an
// atomic load on the lock-free getter/setter fast path.
type segmentHeader struct {
	initialized uint8
	_           [3]byte
	maxRegions  int32
	numRegions  int32
	_           [52]byte // pad to one cache line
}

// regionRecord is the fixed-layout slot stored in the segment, one per
// registered region. The two time counters are the only fields accessed
// outside the segment lock: they are loaded and stored with relaxed-style
// atomics, independently of each other. avgCPUs is a plain float by design;
// it is an estimate and torn reads are tolerated.
//
// A slot with pid == 0 is empty and must be bit-identical to zero.
type regionRecord struct {
	name       [NameMax]byte
	mpiTime    int64
	usefulTime int64
	pid        int32
	avgCPUs    float32
	_          [40]byte // pad to a cache-line multiple (192 bytes)
}

func (r *regionRecord) nameString() string {
	b := r.name[:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// nameMatches compares the stored name against query over at most NameMax-1
// bytes, so an over-long query matches the truncated name it was stored as.
func (r *regionRecord) nameMatches(query string) bool {
	if len(query) > NameMax-1 {
		query = query[:NameMax-1]
	}
	return r.nameString() == query
}

// setName stores query truncated to NameMax-1 bytes. The caller must have
// zeroed the record first so the terminator and trailing bytes are NUL.
func (r *regionRecord) setName(query string) {
	copy(r.name[:NameMax-1], query)
}

// sharedData is a typed view over the raw client area of the segment. It
// owns nothing: the bytes belong to the mapping (or to a private snapshot).
type sharedData struct {
	raw []byte
	hdr *segmentHeader
}

func newSharedData(raw []byte) *sharedData {
	return &sharedData{
		raw: raw,
		hdr: (*segmentHeader)(unsafe.Pointer(&raw[0])),
	}
}

func (s *sharedData) region(id int) *regionRecord {
	return (*regionRecord)(unsafe.Pointer(&s.raw[headerSize+id*recordSize]))
}

// segmentSize returns the client area size for a given capacity.
func segmentSize(maxRegions int) int {
	return headerSize + recordSize*maxRegions
}
