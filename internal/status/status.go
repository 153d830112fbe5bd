// Package status defines the closed set of status codes returned by the
// TALP registry operations.
package status

// Code is a registry status code. It is comparable, allocation-free, and
// implements error so callers can propagate it directly or test it with
// errors.Is.
type Code int

const (
	// Success: the operation was performed.
	Success Code = 0

	// NoUpdate: the operation was a no-op because the target already
	// existed. Returned by Register when the (pid, name) pair is already
	// present; the existing region id is still returned.
	NoUpdate Code = 1
)

const (
	// ErrInit: an attaching owner found a segment whose capacity differs
	// from the locally computed one.
	ErrInit Code = -1 - iota

	// ErrNoShmem: the process is not attached to the segment.
	ErrNoShmem

	// ErrNoMem: no capacity left, or a region id beyond capacity.
	ErrNoMem

	// ErrNoEnt: region id outside the live range, or the slot is empty.
	ErrNoEnt

	// ErrNoProc: region lookup found no match.
	ErrNoProc
)

var messages = map[Code]string{
	Success:    "success",
	NoUpdate:   "no update needed",
	ErrInit:    "incompatible shared memory segment",
	ErrNoShmem: "shared memory not attached",
	ErrNoMem:   "not enough space in shared memory",
	ErrNoEnt:   "no such region",
	ErrNoProc:  "no region matching process",
}

func (c Code) Error() string {
	if msg, ok := messages[c]; ok {
		return msg
	}
	return "unknown status"
}

func (c Code) String() string { return c.Error() }

// Err returns c as an error, mapping Success to nil. NoUpdate is returned
// as-is: it is a sentinel, not a failure, in the same way io.EOF is.
func (c Code) Err() error {
	if c == Success {
		return nil
	}
	return c
}
