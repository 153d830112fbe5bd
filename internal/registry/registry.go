// Package registry implements the node-wide shared-memory registry of named
// performance-monitoring regions.
//
// Cooperating processes register regions identified by (pid, name); each
// region carries two monotonic time counters and an average-CPU estimate.
// Region ids are slot indices into the segment and are stable: slots are
// never reused while the segment lives, and the high-water mark numRegions
// never decreases. Registration, lookup and list operations run under the
// node-wide segment lock; the time counters are updated lock-free with
// per-word atomics.
//
// The attach state is process-wide by design: a process attaches the segment
// once, and nested Init/Finalize pairs are reference counted.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mrzor/talp-registry/internal/shmem"
	"github.com/mrzor/talp-registry/internal/status"
	"github.com/mrzor/talp-registry/internal/sysinfo"
)

const shmemName = "talp"

// systemSize is a hook so tests can pin the capacity formula.
var systemSize = sysinfo.SystemSize

var (
	mu         sync.Mutex
	handler    *shmem.Handler
	shdata     *sharedData
	maxRegions int
	attached   int
)

// RegionInfo is the caller-visible copy of one region slot.
type RegionInfo struct {
	PID        int32
	RegionID   int
	MPITime    int64
	UsefulTime int64
	AvgCPUs    float32
}

// cleanupShmem zeroes every slot owned by a dead pid. The shmem service
// invokes it at attach time, before the segment is announced to the
// attaching process, while already holding the segment lock. If no live
// region remains afterwards the whole area is zeroed so the next owner can
// reinitialize the header freely.
func cleanupShmem(data []byte, pid int32) {
	sd := newSharedData(data)
	empty := true
	num := int(sd.hdr.numRegions)
	for id := 0; id < num; id++ {
		r := sd.region(id)
		if r.pid == pid {
			*r = regionRecord{}
		} else if r.pid > 0 {
			empty = false
		}
	}
	if empty {
		clear(data)
	}
}

func isShmemEmpty() bool {
	num := int(shdata.hdr.numRegions)
	for id := 0; id < num; id++ {
		if shdata.region(id).pid != 0 {
			return false
		}
	}
	return true
}

// openShmemLocked attaches the process to the segment, creating it if
// needed. Callers hold mu.
func openShmemLocked(key string, sizeMultiplier int) error {
	if handler != nil {
		attached++
		return nil
	}
	capacity := systemSize() * sizeMultiplier
	h, err := shmem.Init(shmem.Props{
		Size:    segmentSize(capacity),
		Name:    shmemName,
		Key:     key,
		Version: Version,
		Cleanup: cleanupShmem,
	})
	if err != nil {
		return err
	}
	handler = h
	shdata = newSharedData(h.Data())
	maxRegions = capacity
	attached = 1
	return nil
}

// closeShmemLocked detaches once; the last detach finalizes the segment,
// destroying it when no region is live and no other process is attached.
// Callers hold mu.
func closeShmemLocked() error {
	attached--
	if attached > 0 {
		return nil
	}
	err := handler.Finalize(isShmemEmpty)
	handler = nil
	shdata = nil
	return err
}

// current snapshots the attach state race-free. The bool result is false
// when the process is not attached.
func current() (*shmem.Handler, *sharedData, int, bool) {
	mu.Lock()
	defer mu.Unlock()
	if handler == nil {
		return nil, nil, 0, false
	}
	return handler, shdata, maxRegions, true
}

// Init attaches the calling process as an owner: it creates or attaches the
// segment and initializes the header, or verifies the capacity against an
// already initialized one. A capacity mismatch returns status.ErrInit and
// rolls the attach back, leaving the segment untouched.
func Init(key string, sizeMultiplier int) error {
	mu.Lock()
	if err := openShmemLocked(key, sizeMultiplier); err != nil {
		mu.Unlock()
		return err
	}
	h, sd, capacity := handler, shdata, maxRegions
	mu.Unlock()

	mismatch := false
	var existing int32
	h.Lock()
	if sd.hdr.initialized == 0 {
		sd.hdr.initialized = 1
		sd.hdr.numRegions = 0
		sd.hdr.maxRegions = int32(capacity)
	} else if sd.hdr.maxRegions != int32(capacity) {
		mismatch = true
		existing = sd.hdr.maxRegions
	}
	h.Unlock()

	if mismatch {
		logrus.Warnf("cannot attach to talp shmem because existing size differs."+
			" Existing shmem size: %d, expected: %d."+
			" Check shared memory options consistency among processes"+
			" or clean up the segment.", existing, capacity)
		mu.Lock()
		closeShmemLocked()
		mu.Unlock()
		return status.ErrInit
	}
	return nil
}

// ExtInit attaches the calling process as an observer. Observers never touch
// the header.
func ExtInit(key string, sizeMultiplier int) error {
	mu.Lock()
	defer mu.Unlock()
	return openShmemLocked(key, sizeMultiplier)
}

// Finalize zeroes every slot owned by pid and detaches once.
func Finalize(pid int32) error {
	h, sd, _, ok := current()
	if !ok {
		return status.ErrNoShmem
	}

	h.Lock()
	num := int(sd.hdr.numRegions)
	for id := 0; id < num; id++ {
		r := sd.region(id)
		if r.pid == pid {
			*r = regionRecord{}
		}
	}
	h.Unlock()

	mu.Lock()
	defer mu.Unlock()
	return closeShmemLocked()
}

// ExtFinalize detaches an observer.
func ExtFinalize() error {
	mu.Lock()
	defer mu.Unlock()
	if handler == nil {
		return status.ErrNoShmem
	}
	return closeShmemLocked()
}

// Register adds a region for (pid, name) and returns its stable id. If the
// pair is already registered the existing id is returned along with
// status.NoUpdate and nothing is modified. Registration always appends at
// the high-water mark: slots zeroed by Finalize or stale cleanup are not
// reclaimed, so ids stay stable for the life of the segment.
func Register(pid int32, avgCPUs float32, name string) (int, error) {
	h, sd, capacity, ok := current()
	if !ok {
		return -1, status.ErrNoShmem
	}

	h.Lock()
	defer h.Unlock()

	num := int(sd.hdr.numRegions)
	for id := 0; id < num; id++ {
		r := sd.region(id)
		if r.pid == pid && r.nameMatches(name) {
			return id, status.NoUpdate
		}
	}

	if num >= capacity {
		return -1, status.ErrNoMem
	}

	r := sd.region(num)
	*r = regionRecord{pid: pid, avgCPUs: avgCPUs}
	r.setName(name)
	sd.hdr.numRegions = int32(num + 1)
	return num, nil
}

// GetPidList returns the distinct pids owning at least one live region, in
// ascending slot order, at most maxLen of them.
func GetPidList(maxLen int) ([]int32, error) {
	h, sd, _, ok := current()
	if !ok {
		return nil, status.ErrNoShmem
	}

	var pids []int32
	h.Lock()
	num := int(sd.hdr.numRegions)
	for id := 0; id < num && len(pids) < maxLen; id++ {
		pid := sd.region(id).pid
		if pid == 0 {
			continue
		}
		seen := false
		for _, p := range pids {
			if p == pid {
				seen = true
				break
			}
		}
		if !seen {
			pids = append(pids, pid)
		}
	}
	h.Unlock()
	return pids, nil
}

// GetRegion looks up the region registered by pid under name.
func GetRegion(pid int32, name string) (RegionInfo, error) {
	h, sd, _, ok := current()
	if !ok {
		return RegionInfo{}, status.ErrNoShmem
	}

	h.Lock()
	defer h.Unlock()

	num := int(sd.hdr.numRegions)
	for id := 0; id < num; id++ {
		r := sd.region(id)
		if r.pid == pid && r.nameMatches(name) {
			return RegionInfo{
				PID:        pid,
				RegionID:   id,
				MPITime:    atomic.LoadInt64(&r.mpiTime),
				UsefulTime: atomic.LoadInt64(&r.usefulTime),
				AvgCPUs:    r.avgCPUs,
			}, nil
		}
	}
	return RegionInfo{}, status.ErrNoProc
}

// GetRegionList returns every live region registered under name, at most
// maxLen of them, sorted by ascending pid. The sort happens outside the
// segment lock.
func GetRegionList(name string, maxLen int) ([]RegionInfo, error) {
	h, sd, _, ok := current()
	if !ok {
		return nil, status.ErrNoShmem
	}

	var regions []RegionInfo
	h.Lock()
	num := int(sd.hdr.numRegions)
	for id := 0; id < num && len(regions) < maxLen; id++ {
		r := sd.region(id)
		if r.pid != 0 && r.nameMatches(name) {
			regions = append(regions, RegionInfo{
				PID:        r.pid,
				RegionID:   id,
				MPITime:    atomic.LoadInt64(&r.mpiTime),
				UsefulTime: atomic.LoadInt64(&r.usefulTime),
				AvgCPUs:    r.avgCPUs,
			})
		}
	}
	h.Unlock()

	sort.Slice(regions, func(i, j int) bool { return regions[i].PID < regions[j].PID })
	return regions, nil
}

// RegionSnapshot pairs a region's name with its copied fields. Lookup
// operations take the name as input; snapshots carry it along instead.
type RegionSnapshot struct {
	Name string
	RegionInfo
}

// Snapshot copies every live region, name included, in ascending slot
// order. It backs the statistics CLI, which filters and exports rows
// without knowing region names up front.
func Snapshot() ([]RegionSnapshot, error) {
	h, sd, _, ok := current()
	if !ok {
		return nil, status.ErrNoShmem
	}

	var regions []RegionSnapshot
	h.Lock()
	num := int(sd.hdr.numRegions)
	for id := 0; id < num; id++ {
		r := sd.region(id)
		if r.pid == 0 {
			continue
		}
		regions = append(regions, RegionSnapshot{
			Name: r.nameString(),
			RegionInfo: RegionInfo{
				PID:        r.pid,
				RegionID:   id,
				MPITime:    atomic.LoadInt64(&r.mpiTime),
				UsefulTime: atomic.LoadInt64(&r.usefulTime),
				AvgCPUs:    r.avgCPUs,
			},
		})
	}
	h.Unlock()
	return regions, nil
}

// checkRegionID validates id against the attach state without taking the
// segment lock. Returns the record on success.
func checkRegionID(sd *sharedData, capacity, id int) (*regionRecord, error) {
	if id >= capacity {
		return nil, status.ErrNoMem
	}
	if id < 0 || id >= int(atomic.LoadInt32(&sd.hdr.numRegions)) {
		return nil, status.ErrNoEnt
	}
	r := sd.region(id)
	if atomic.LoadInt32(&r.pid) == 0 {
		return nil, status.ErrNoEnt
	}
	return r, nil
}

// GetTimes reads the two time counters of a region. The loads are relaxed
// atomics on two independent words: each value is torn-free, but no
// consistency between the pair is implied.
func GetTimes(id int) (mpiTime, usefulTime int64, err error) {
	_, sd, capacity, ok := current()
	if !ok {
		return 0, 0, status.ErrNoShmem
	}
	r, err := checkRegionID(sd, capacity, id)
	if err != nil {
		return 0, 0, err
	}
	return atomic.LoadInt64(&r.mpiTime), atomic.LoadInt64(&r.usefulTime), nil
}

// SetTimes stores the two time counters of a region. Only the owning
// process is expected to call this; the stores bypass the segment lock.
func SetTimes(id int, mpiTime, usefulTime int64) error {
	_, sd, capacity, ok := current()
	if !ok {
		return status.ErrNoShmem
	}
	r, err := checkRegionID(sd, capacity, id)
	if err != nil {
		return err
	}
	atomic.StoreInt64(&r.mpiTime, mpiTime)
	atomic.StoreInt64(&r.usefulTime, usefulTime)
	return nil
}

// SetAvgCpus stores the average-CPU estimate of a region. Plain store: the
// field is not atomic and torn reads are acceptable.
func SetAvgCpus(id int, avgCPUs float32) error {
	_, sd, capacity, ok := current()
	if !ok {
		return status.ErrNoShmem
	}
	r, err := checkRegionID(sd, capacity, id)
	if err != nil {
		return err
	}
	r.avgCPUs = avgCPUs
	return nil
}

// Exists reports whether the calling process is attached.
func Exists() bool {
	mu.Lock()
	defer mu.Unlock()
	return handler != nil
}

// Initialized reports whether the segment header has been initialized by an
// owner.
func Initialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return shdata != nil && shdata.hdr.initialized != 0
}

// SegmentVersion returns the layout version tag.
func SegmentVersion() int { return Version }

// Size returns the segment client-area size in bytes. Before the first
// attach the capacity defaults to the system size.
func Size() int {
	mu.Lock()
	capacity := maxRegions
	mu.Unlock()
	if capacity == 0 {
		capacity = systemSize()
	}
	return segmentSize(capacity)
}

// GetMaxRegions returns the capacity computed at attach time.
func GetMaxRegions() int {
	mu.Lock()
	defer mu.Unlock()
	return maxRegions
}

// GetNumRegions returns the current high-water mark, or 0 when the process
// is not attached.
func GetNumRegions() int {
	mu.Lock()
	defer mu.Unlock()
	if shdata == nil {
		return 0
	}
	return int(shdata.hdr.numRegions)
}
