// Package talp exposes the node-wide shared-memory registry of named
// performance-monitoring regions.
//
// A participating process calls Init, registers one or more regions, updates
// their counters with SetTimes and SetAvgCpus during its lifetime, and
// finally calls Finalize. An external observer (statistics CLI, dashboard)
// uses ExtInit, the getters, and ExtFinalize, and never mutates the segment.
//
// All functions forward to the internal registry and return its status
// codes; the codes are re-exported here so callers can test them with
// errors.Is without importing internal packages.
package talp

import (
	"io"

	"github.com/mrzor/talp-registry/internal/registry"
	"github.com/mrzor/talp-registry/internal/status"
	"github.com/mrzor/talp-registry/internal/sysinfo"
)

// Status codes returned by the registry operations.
const (
	// NoUpdate reports that Register found the (pid, name) pair already
	// registered. It is a sentinel, not a failure.
	NoUpdate = status.NoUpdate

	// ErrInit reports a capacity mismatch against an existing segment.
	ErrInit = status.ErrInit

	// ErrNoShmem reports that the process is not attached.
	ErrNoShmem = status.ErrNoShmem

	// ErrNoMem reports exhausted capacity or an id beyond capacity.
	ErrNoMem = status.ErrNoMem

	// ErrNoEnt reports an id outside the live range or an empty slot.
	ErrNoEnt = status.ErrNoEnt

	// ErrNoProc reports a lookup that matched no region.
	ErrNoProc = status.ErrNoProc
)

// RegionInfo is the caller-visible copy of one region slot.
type RegionInfo = registry.RegionInfo

// RegionSnapshot pairs a region's name with its copied fields.
type RegionSnapshot = registry.RegionSnapshot

// Init attaches the calling process as an owner, creating and initializing
// the segment if it does not exist yet. The segment capacity is
// NumCPUs() * sizeMultiplier; attaching to an existing segment with a
// different capacity fails with ErrInit and rolls the attach back.
func Init(shmKey string, sizeMultiplier int) error {
	return registry.Init(shmKey, sizeMultiplier)
}

// ExtInit attaches the calling process as an observer. Observers never
// initialize or verify the header.
func ExtInit(shmKey string, sizeMultiplier int) error {
	return registry.ExtInit(shmKey, sizeMultiplier)
}

// Finalize removes every region owned by pid and detaches once. The last
// detach destroys the segment if no live region remains anywhere.
func Finalize(pid int) error {
	return registry.Finalize(int32(pid))
}

// ExtFinalize detaches an observer.
func ExtFinalize() error {
	return registry.ExtFinalize()
}

// Register adds a region named name for pid, or looks it up if already
// registered, and returns the node-unique stable region id. A lookup hit
// returns the id along with NoUpdate.
func Register(pid int, avgCPUs float32, name string) (int, error) {
	return registry.Register(int32(pid), avgCPUs, name)
}

// GetPidList returns the distinct pids owning at least one live region, in
// ascending slot order, at most maxLen of them.
func GetPidList(maxLen int) ([]int32, error) {
	return registry.GetPidList(maxLen)
}

// GetRegion looks up the region registered by pid under name.
func GetRegion(pid int, name string) (RegionInfo, error) {
	return registry.GetRegion(int32(pid), name)
}

// GetRegionList returns every live region registered under name, at most
// maxLen of them, sorted by ascending pid.
func GetRegionList(name string, maxLen int) ([]RegionInfo, error) {
	return registry.GetRegionList(name, maxLen)
}

// Snapshot copies every live region, name included, in ascending slot order.
func Snapshot() ([]RegionSnapshot, error) {
	return registry.Snapshot()
}

// GetTimes reads the two time counters of a region.
func GetTimes(regionID int) (mpiTime, usefulTime int64, err error) {
	return registry.GetTimes(regionID)
}

// SetTimes stores the two time counters of a region.
func SetTimes(regionID int, mpiTime, usefulTime int64) error {
	return registry.SetTimes(regionID, mpiTime, usefulTime)
}

// SetAvgCpus stores the average-CPU estimate of a region.
func SetAvgCpus(regionID int, avgCPUs float32) error {
	return registry.SetAvgCpus(regionID, avgCPUs)
}

// PrintInfo writes a formatted table of every live region to w, attaching
// temporarily as an observer if needed. Nothing is written when no live
// region exists.
func PrintInfo(w io.Writer, shmKey string, sizeMultiplier int) error {
	return registry.PrintInfo(w, shmKey, sizeMultiplier)
}

// Exists reports whether the calling process is attached.
func Exists() bool { return registry.Exists() }

// Initialized reports whether the segment header has been initialized by an
// owner.
func Initialized() bool { return registry.Initialized() }

// Version returns the segment layout version tag.
func Version() int { return registry.SegmentVersion() }

// Size returns the segment client-area size in bytes.
func Size() int { return registry.Size() }

// GetMaxRegions returns the capacity computed at attach time.
func GetMaxRegions() int { return registry.GetMaxRegions() }

// GetNumRegions returns the current high-water mark, or 0 when unattached.
func GetNumRegions() int { return registry.GetNumRegions() }

// NumCPUs returns the node CPU count used in the capacity formula.
func NumCPUs() int { return sysinfo.SystemSize() }
