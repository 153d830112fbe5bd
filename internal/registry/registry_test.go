package registry

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/talp-registry/internal/shmem"
	"github.com/mrzor/talp-registry/internal/status"
)

// testKey returns a segment key unique to this test and process, so test
// packages running in parallel processes never share a segment.
func testKey(t *testing.T) string {
	return strings.ReplaceAll(t.Name(), "/", "_") + "_" + strconv.Itoa(os.Getpid())
}

// initForTest attaches as owner with an exact capacity by pinning the
// system size to 1, and tears everything down afterwards.
func initForTest(t *testing.T, capacity int) string {
	t.Helper()
	prev := systemSize
	systemSize = func() int { return 1 }
	key := testKey(t)

	require.NoError(t, Init(key, capacity))

	t.Cleanup(func() {
		mu.Lock()
		for handler != nil {
			closeShmemLocked()
		}
		mu.Unlock()
		systemSize = prev
		os.Remove(shmem.SegmentPath(shmemName, key))
	})
	return key
}

func TestOperationsWhenDetached(t *testing.T) {
	_, err := Register(1000, 1.0, "ROI")
	assert.ErrorIs(t, err, status.ErrNoShmem)

	_, err = GetPidList(8)
	assert.ErrorIs(t, err, status.ErrNoShmem)

	_, err = GetRegion(1000, "ROI")
	assert.ErrorIs(t, err, status.ErrNoShmem)

	_, _, err = GetTimes(0)
	assert.ErrorIs(t, err, status.ErrNoShmem)

	assert.ErrorIs(t, SetTimes(0, 1, 2), status.ErrNoShmem)
	assert.ErrorIs(t, SetAvgCpus(0, 1.0), status.ErrNoShmem)
	assert.ErrorIs(t, Finalize(1000), status.ErrNoShmem)
	assert.ErrorIs(t, ExtFinalize(), status.ErrNoShmem)

	assert.False(t, Exists())
	assert.False(t, Initialized())
	assert.Equal(t, 0, GetNumRegions())
}

func TestRegisterAndReadBack(t *testing.T) {
	initForTest(t, 8)

	id, err := Register(1000, 4.0, "ROI")
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	require.NoError(t, SetTimes(0, 100, 200))

	mpi, useful, err := GetTimes(0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), mpi)
	assert.Equal(t, int64(200), useful)

	region, err := GetRegion(1000, "ROI")
	require.NoError(t, err)
	assert.Equal(t, RegionInfo{
		PID:        1000,
		RegionID:   0,
		MPITime:    100,
		UsefulTime: 200,
		AvgCPUs:    4.0,
	}, region)
}

func TestRegisterDuplicate(t *testing.T) {
	initForTest(t, 8)

	id, err := Register(1000, 4.0, "ROI")
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	id2, err := Register(1000, 4.0, "ROI")
	assert.ErrorIs(t, err, status.NoUpdate)
	assert.Equal(t, 0, id2)
	assert.Equal(t, 1, GetNumRegions())
}

func TestRegisterCapacityExhausted(t *testing.T) {
	initForTest(t, 2)

	_, err := Register(100, 1.0, "x")
	require.NoError(t, err)
	_, err = Register(100, 1.0, "y")
	require.NoError(t, err)

	_, err = Register(200, 1.0, "z")
	assert.ErrorIs(t, err, status.ErrNoMem)

	pids, err := GetPidList(8)
	require.NoError(t, err)
	assert.Equal(t, []int32{100}, pids)
}

// Slot ids are assigned in registration order, are distinct, and stay below
// capacity.
func TestRegisterAssignsSequentialIds(t *testing.T) {
	initForTest(t, 8)

	for i := 0; i < 8; i++ {
		id, err := Register(int32(100+i), 1.0, "region")
		require.NoError(t, err)
		assert.Equal(t, i, id)
		assert.Less(t, id, GetMaxRegions())
	}
	assert.Equal(t, 8, GetNumRegions())
}

func TestGetRegionListSortedByPid(t *testing.T) {
	initForTest(t, 8)

	wantIDs := map[int32]int{}
	for i, pid := range []int32{300, 100, 200} {
		_, err := Register(pid, 1.0, "phase1")
		require.NoError(t, err)
		wantIDs[pid] = i
	}

	regions, err := GetRegionList("phase1", 8)
	require.NoError(t, err)
	require.Len(t, regions, 3)
	for i, pid := range []int32{100, 200, 300} {
		assert.Equal(t, pid, regions[i].PID)
		assert.Equal(t, wantIDs[pid], regions[i].RegionID)
	}
}

func TestGetRegionListHonorsMaxLen(t *testing.T) {
	initForTest(t, 8)

	for pid := int32(1); pid <= 4; pid++ {
		_, err := Register(pid, 1.0, "phase1")
		require.NoError(t, err)
	}

	regions, err := GetRegionList("phase1", 2)
	require.NoError(t, err)
	assert.Len(t, regions, 2)
}

func TestGetPidListDeduplicates(t *testing.T) {
	initForTest(t, 8)

	_, err := Register(100, 1.0, "a")
	require.NoError(t, err)
	_, err = Register(100, 1.0, "b")
	require.NoError(t, err)
	_, err = Register(200, 1.0, "a")
	require.NoError(t, err)

	pids, err := GetPidList(8)
	require.NoError(t, err)
	assert.Equal(t, []int32{100, 200}, pids)
}

func TestGetTimesBoundsChecks(t *testing.T) {
	initForTest(t, 4)

	_, err := Register(100, 1.0, "a")
	require.NoError(t, err)

	_, _, err = GetTimes(4)
	assert.ErrorIs(t, err, status.ErrNoMem, "id beyond capacity")

	_, _, err = GetTimes(1)
	assert.ErrorIs(t, err, status.ErrNoEnt, "id beyond high-water mark")

	_, _, err = GetTimes(-1)
	assert.ErrorIs(t, err, status.ErrNoEnt, "negative id")

	assert.ErrorIs(t, SetTimes(4, 1, 2), status.ErrNoMem)
	assert.ErrorIs(t, SetAvgCpus(4, 1.0), status.ErrNoMem)
}

func TestSetTimesLastWriteWins(t *testing.T) {
	initForTest(t, 4)

	id, err := Register(100, 1.0, "a")
	require.NoError(t, err)

	for i := int64(1); i <= 100; i++ {
		require.NoError(t, SetTimes(id, i, 2*i))
	}
	mpi, useful, err := GetTimes(id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), mpi)
	assert.Equal(t, int64(200), useful)
}

func TestSetAvgCpus(t *testing.T) {
	initForTest(t, 4)

	id, err := Register(100, 1.0, "a")
	require.NoError(t, err)
	require.NoError(t, SetAvgCpus(id, 2.5))

	region, err := GetRegion(100, "a")
	require.NoError(t, err)
	assert.Equal(t, float32(2.5), region.AvgCPUs)
}

// Finalize clears the caller's slots without shrinking the high-water mark,
// and former ids stop resolving.
func TestFinalizeClearsOwnedSlots(t *testing.T) {
	key := initForTest(t, 8)

	// Second attach keeps the process attached across the Finalize below.
	require.NoError(t, ExtInit(key, 8))

	idA, err := Register(100, 1.0, "a")
	require.NoError(t, err)
	_, err = Register(200, 1.0, "a")
	require.NoError(t, err)

	require.NoError(t, Finalize(100))

	assert.Equal(t, 2, GetNumRegions())

	_, err = GetRegion(100, "a")
	assert.ErrorIs(t, err, status.ErrNoProc)

	_, _, err = GetTimes(idA)
	assert.ErrorIs(t, err, status.ErrNoEnt)

	pids, err := GetPidList(8)
	require.NoError(t, err)
	assert.Equal(t, []int32{200}, pids)
}

// A dead process's slots are zeroed by the cleanup callback, ids are not
// reused, and the next registration appends at the high-water mark.
func TestStaleCleanupKeepsIdsStable(t *testing.T) {
	initForTest(t, 8)

	idX, err := Register(500, 1.0, "X")
	require.NoError(t, err)
	assert.Equal(t, 0, idX)
	idY, err := Register(500, 1.0, "Y")
	require.NoError(t, err)
	assert.Equal(t, 1, idY)

	// Invoke the callback the way the shmem service does at attach time:
	// under the segment lock, against the raw client area.
	handler.Lock()
	cleanupShmem(shdata.raw, 500)
	handler.Unlock()

	assert.Equal(t, 2, GetNumRegions())

	_, err = GetRegion(500, "X")
	assert.ErrorIs(t, err, status.ErrNoProc)

	idZ, err := Register(600, 1.0, "Z")
	require.NoError(t, err)
	assert.Equal(t, 2, idZ)

	pids, err := GetPidList(8)
	require.NoError(t, err)
	assert.Equal(t, []int32{600}, pids)
}

// When the dead pid owned every live region, the cleanup callback zeroes
// the whole segment, header included.
func TestStaleCleanupResetsEmptySegment(t *testing.T) {
	initForTest(t, 8)

	_, err := Register(500, 1.0, "X")
	require.NoError(t, err)
	_, err = Register(500, 1.0, "Y")
	require.NoError(t, err)

	handler.Lock()
	cleanupShmem(shdata.raw, 500)
	handler.Unlock()

	for _, b := range shdata.raw {
		if b != 0 {
			t.Fatal("segment not fully zeroed after cleanup of last owner")
		}
	}
	assert.Equal(t, 0, GetNumRegions())
	assert.False(t, Initialized())
}

func TestInitCapacityMismatch(t *testing.T) {
	key := initForTest(t, 16)

	// A live region owned by this process keeps the segment alive across
	// the detach below.
	_, err := Register(int32(os.Getpid()), 1.0, "persistent")
	require.NoError(t, err)
	require.NoError(t, ExtFinalize())
	require.False(t, Exists())

	// Reattaching with a different capacity must fail and roll back.
	err = Init(key, 8)
	assert.ErrorIs(t, err, status.ErrInit)
	assert.False(t, Exists())

	// The segment itself is unchanged: the original capacity still works.
	require.NoError(t, Init(key, 16))
	assert.Equal(t, 1, GetNumRegions())
	assert.Equal(t, 16, GetMaxRegions())
}

func TestAttachCounting(t *testing.T) {
	key := initForTest(t, 4)

	require.NoError(t, ExtInit(key, 4))
	assert.True(t, Exists())

	require.NoError(t, ExtFinalize())
	assert.True(t, Exists(), "first detach must keep the attach alive")

	require.NoError(t, ExtFinalize())
	assert.False(t, Exists())
}

func TestIntrospection(t *testing.T) {
	initForTest(t, 4)

	assert.True(t, Exists())
	assert.True(t, Initialized())
	assert.Equal(t, 4, GetMaxRegions())
	assert.Equal(t, Version, SegmentVersion())
	assert.Equal(t, segmentSize(4), Size())
}

func TestRegisterTruncatesLongNames(t *testing.T) {
	initForTest(t, 4)

	long := strings.Repeat("n", NameMax+10)
	id, err := Register(100, 1.0, long)
	require.NoError(t, err)

	// Looking up with the same over-long name matches the truncated slot.
	region, err := GetRegion(100, long)
	require.NoError(t, err)
	assert.Equal(t, id, region.RegionID)

	regions, err := GetRegionList(long, 4)
	require.NoError(t, err)
	require.Len(t, regions, 1)
}

func TestErrorsAreStatusCodes(t *testing.T) {
	initForTest(t, 2)

	_, err := Register(100, 1.0, "a")
	require.NoError(t, err)
	_, err = Register(100, 1.0, "a")

	var code status.Code
	require.True(t, errors.As(err, &code))
	assert.Equal(t, status.NoUpdate, code)
}
