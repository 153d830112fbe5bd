package registry

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// The segment is shared between unrelated processes: the layout is part of
// the versioned format and must not drift.
func TestLayoutConstants(t *testing.T) {
	assert.Equal(t, 64, headerSize)
	assert.Equal(t, 192, recordSize)
	assert.Equal(t, 0, recordSize%64, "records must stay cache-line aligned")

	// The time counters are accessed with 64-bit atomics and must sit on
	// 8-byte boundaries.
	var r regionRecord
	assert.Equal(t, uintptr(0), unsafe.Offsetof(r.mpiTime)%8)
	assert.Equal(t, uintptr(0), unsafe.Offsetof(r.usefulTime)%8)
}

func TestNameMatching(t *testing.T) {
	var r regionRecord
	r.setName("ROI")

	assert.Equal(t, "ROI", r.nameString())
	assert.True(t, r.nameMatches("ROI"))
	assert.False(t, r.nameMatches("ROI2"))
	assert.False(t, r.nameMatches("RO"))
	assert.False(t, r.nameMatches(""))
}

func TestNameTruncation(t *testing.T) {
	long := make([]byte, NameMax+5)
	for i := range long {
		long[i] = 'x'
	}

	var r regionRecord
	r.setName(string(long))

	assert.Len(t, r.nameString(), NameMax-1, "stored name keeps room for the terminator")
	assert.True(t, r.nameMatches(string(long)), "over-long query matches its truncation")
	assert.True(t, r.nameMatches(string(long[:NameMax-1])))
}

func TestEmptySlotIsAllZero(t *testing.T) {
	var r regionRecord
	r.setName("gone")
	r.pid = 42
	r.mpiTime = 7
	r.usefulTime = 9
	r.avgCPUs = 1.5

	r = regionRecord{}

	raw := (*[192]byte)(unsafe.Pointer(&r))
	for i, b := range raw {
		if b != 0 {
			t.Fatalf("byte %d not zero after reset", i)
		}
	}
}
