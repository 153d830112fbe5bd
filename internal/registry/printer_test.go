package registry

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintInfoEmptySegment(t *testing.T) {
	key := initForTest(t, 4)

	var buf bytes.Buffer
	require.NoError(t, PrintInfo(&buf, key, 4))
	assert.Zero(t, buf.Len(), "no live region must produce no output")
}

func TestPrintInfoTable(t *testing.T) {
	key := initForTest(t, 8)

	id, err := Register(1000, 4.0, "ROI")
	require.NoError(t, err)
	require.NoError(t, SetTimes(id, 100, 200))

	var buf bytes.Buffer
	require.NoError(t, PrintInfo(&buf, key, 8))

	want := "=== TALP Regions ===\n" +
		"  |  PID | Name | MPI time | Useful time |\n" +
		"  | 1000 |  ROI |      100 |         200 |\n"
	assert.Equal(t, want, buf.String())
}

func TestPrintInfoWidensColumns(t *testing.T) {
	key := initForTest(t, 8)

	id, err := Register(12345, 1.0, "a_rather_long_region_name")
	require.NoError(t, err)
	require.NoError(t, SetTimes(id, 123456789012, 99))

	var buf bytes.Buffer
	require.NoError(t, PrintInfo(&buf, key, 8))

	want := "=== TALP Regions ===\n" +
		"  |   PID |                      Name |     MPI time | Useful time |\n" +
		"  | 12345 | a_rather_long_region_name | 123456789012 |          99 |\n"
	assert.Equal(t, want, buf.String())
}

func TestPrintInfoSkipsClearedSlots(t *testing.T) {
	key := initForTest(t, 8)

	_, err := Register(500, 1.0, "gone")
	require.NoError(t, err)
	id, err := Register(600, 1.0, "kept")
	require.NoError(t, err)
	require.NoError(t, SetTimes(id, 1, 2))

	handler.Lock()
	cleanupShmem(shdata.raw, 500)
	handler.Unlock()

	var buf bytes.Buffer
	require.NoError(t, PrintInfo(&buf, key, 8))

	assert.NotContains(t, buf.String(), "gone")
	assert.Contains(t, buf.String(), "kept")
}

// PrintInfo from a detached process opens a temporary observer attach and
// releases it afterwards.
func TestPrintInfoTemporaryAttach(t *testing.T) {
	key := initForTest(t, 8)

	_, err := Register(700, 1.0, "r")
	require.NoError(t, err)

	// Keep the segment alive while this process is detached.
	_, err = Register(int32(os.Getpid()), 1.0, "keepalive")
	require.NoError(t, err)
	require.NoError(t, ExtFinalize())
	require.False(t, Exists())

	var buf bytes.Buffer
	require.NoError(t, PrintInfo(&buf, key, 8))
	assert.Contains(t, buf.String(), "keepalive")
	assert.False(t, Exists(), "temporary attach must be released")

	// Reattach so the shared cleanup can tear the segment down.
	require.NoError(t, Init(key, 8))
}
