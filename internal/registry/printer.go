package registry

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unsafe"
)

// PrintInfo writes a formatted table of every live region to w. If the
// process is not attached it opens a temporary observer attach for the
// duration of the snapshot; the attached-check and the open happen under the
// manager mutex so they are atomic with respect to concurrent attaches.
//
// The whole segment is copied under the segment lock and formatted from the
// private copy, so the lock is never held while writing to w. Nothing is
// written when no live region exists.
func PrintInfo(w io.Writer, key string, sizeMultiplier int) error {
	mu.Lock()
	temporary := handler == nil
	if temporary {
		if err := openShmemLocked(key, sizeMultiplier); err != nil {
			mu.Unlock()
			return err
		}
	}
	h, sd := handler, shdata
	mu.Unlock()

	// The snapshot is backed by an int64 slice so the record views stay
	// 8-byte aligned, same as the mapping itself.
	words := make([]int64, (len(sd.raw)+7)/8)
	snapshot := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(sd.raw))

	h.Lock()
	copy(snapshot, sd.raw)
	h.Unlock()

	if temporary {
		mu.Lock()
		closeShmemLocked()
		mu.Unlock()
	}

	return writeRegionTable(w, newSharedData(snapshot))
}

// writeRegionTable renders the snapshot as a right-justified table, one row
// per live slot, with column widths fitted to the data. Minimum widths keep
// the header labels aligned.
func writeRegionTable(w io.Writer, sd *sharedData) error {
	maxPid := int32(111) // 3 digits for "PID"
	maxName := 4         // "Name"
	maxMpi := 8          // "MPI time"
	maxUseful := 11      // "Useful time"

	num := int(sd.hdr.numRegions)
	for id := 0; id < num; id++ {
		r := sd.region(id)
		if r.pid == 0 {
			continue
		}
		if r.pid > maxPid {
			maxPid = r.pid
		}
		if n := len(r.nameString()); n > maxName {
			maxName = n
		}
		if n := len(strconv.FormatInt(r.mpiTime, 10)); n > maxMpi {
			maxMpi = n
		}
		if n := len(strconv.FormatInt(r.usefulTime, 10)); n > maxUseful {
			maxUseful = n
		}
	}
	pidDigits := len(strconv.FormatInt(int64(maxPid), 10))

	var body strings.Builder
	for id := 0; id < num; id++ {
		r := sd.region(id)
		if r.pid == 0 {
			continue
		}
		fmt.Fprintf(&body, "  | %*d | %*s | %*d | %*d |\n",
			pidDigits, r.pid,
			maxName, r.nameString(),
			maxMpi, r.mpiTime,
			maxUseful, r.usefulTime)
	}

	if body.Len() == 0 {
		return nil
	}

	header := fmt.Sprintf("  | %*s | %*s | %*s | %*s |",
		pidDigits, "PID",
		maxName, "Name",
		maxMpi, "MPI time",
		maxUseful, "Useful time")

	_, err := fmt.Fprintf(w, "=== TALP Regions ===\n%s\n%s", header, body.String())
	return err
}
