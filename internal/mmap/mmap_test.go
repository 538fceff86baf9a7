package mmap

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procbox/procbox/internal/mem"
	"github.com/procbox/procbox/internal/sys"
	"github.com/procbox/procbox/internal/sysfs"
)

// pattern fills page i of a buffer with byte 'a'+i so corruption is obvious.
func pattern(pages int) []byte {
	b := make([]byte, int(DirtyPageSize)*pages)
	for i := 0; i < pages; i++ {
		for j := 0; j < int(DirtyPageSize); j++ {
			b[i*int(DirtyPageSize)+j] = byte('a' + i)
		}
	}
	return b
}

func openBacking(t *testing.T, content []byte) (*sys.OpenFile, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backing")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	fsys := sysfs.NewDirFS(dir, "/")
	f, err := fsys.OpenFile("backing", os.O_RDWR, 0)
	require.NoError(t, err)
	return sys.NewOpenFile(f), path
}

func TestMap_PopulatesFromFile(t *testing.T) {
	content := pattern(2)
	of, _ := openBacking(t, content)
	memory := mem.New(1, 0)
	table := NewTable()

	base, errno := table.Map(memory, of, 0, uint32(len(content)), true)
	require.Zero(t, errno)
	// Allocated past the pre-existing page.
	require.Equal(t, mem.PageSize, base)

	region, ok := memory.Read(base, uint32(len(content)))
	require.True(t, ok)
	require.Equal(t, content, region)
}

func TestUnmap_MiddleRangeFlushesOnlyWrittenPages(t *testing.T) {
	content := pattern(5)
	of, path := openBacking(t, content)
	memory := mem.New(1, 0)
	table := NewTable()

	base, errno := table.Map(memory, of, 0, uint32(len(content)), true)
	require.Zero(t, errno)

	// Guest writes one page inside the soon-unmapped middle range (page 2)
	// and one page outside it (page 0).
	require.True(t, memory.Write(base+2*DirtyPageSize, bytes.Repeat([]byte{'X'}, int(DirtyPageSize))))
	require.True(t, memory.Write(base, bytes.Repeat([]byte{'Y'}, 16)))

	// Page 3 is inside the range but untouched by the guest. Change it in
	// the file behind the mapping's back: if unmap blindly rewrote the whole
	// range, this would be clobbered.
	sentinel := bytes.Repeat([]byte{'S'}, int(DirtyPageSize))
	host, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = host.WriteAt(sentinel, int64(3*DirtyPageSize))
	require.NoError(t, err)
	require.NoError(t, host.Close())

	// Unmap pages 1..3 only: the middle of the larger mapping.
	require.Zero(t, table.Unmap(memory, base+DirtyPageSize, 3*DirtyPageSize))

	got, err := os.ReadFile(path)
	require.NoError(t, err)

	// Page 2 (guest-written, in range) was flushed.
	require.Equal(t, bytes.Repeat([]byte{'X'}, int(DirtyPageSize)), got[2*int(DirtyPageSize):3*int(DirtyPageSize)])
	// Page 3 (unmodified, in range) was not rewritten: the sentinel stands.
	require.Equal(t, sentinel, got[3*int(DirtyPageSize):4*int(DirtyPageSize)])
	// Pages outside the range are byte-identical to the original, even the
	// guest-dirtied page 0: it is still mapped and not yet synced.
	require.Equal(t, content[:int(DirtyPageSize)], got[:int(DirtyPageSize)])
	require.Equal(t, content[int(DirtyPageSize):2*int(DirtyPageSize)], got[int(DirtyPageSize):2*int(DirtyPageSize)])
	require.Equal(t, content[4*int(DirtyPageSize):], got[4*int(DirtyPageSize):])

	// The mapping split into head and tail remainders.
	require.Equal(t, 2, table.Len())

	// Unmapping the head flushes the still-dirty page 0.
	require.Zero(t, table.Unmap(memory, base, DirtyPageSize))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{'Y'}, 16), got[:16])
}

func TestSync_RearmsDirtyTracking(t *testing.T) {
	content := pattern(2)
	of, path := openBacking(t, content)
	memory := mem.New(1, 0)
	table := NewTable()

	base, errno := table.Map(memory, of, 0, uint32(len(content)), true)
	require.Zero(t, errno)

	require.True(t, memory.Write(base, []byte("first")))
	require.Zero(t, table.Sync(memory, base, uint32(len(content))))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got[:5])

	// After sync the page is clean again; a host-side change survives the
	// next sync because the guest wrote nothing new.
	host, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = host.WriteAt([]byte("hostwrite"), 0)
	require.NoError(t, err)
	require.NoError(t, host.Close())

	require.Zero(t, table.Sync(memory, base, uint32(len(content))))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("hostwrite"), got[:9])
}

func TestMap_Anonymous(t *testing.T) {
	memory := mem.New(1, 0)
	table := NewTable()

	base, errno := table.Map(memory, nil, 0, 3*DirtyPageSize, true)
	require.Zero(t, errno)
	require.True(t, memory.Write(base, []byte("anon")))
	require.Zero(t, table.Unmap(memory, base, 3*DirtyPageSize))
	require.Zero(t, table.Len())
}

func TestUnmap_UnknownRange(t *testing.T) {
	memory := mem.New(1, 0)
	table := NewTable()
	require.Equal(t, syscall.EINVAL, table.Unmap(memory, 0, DirtyPageSize))
}

func TestMap_ZeroLength(t *testing.T) {
	memory := mem.New(1, 0)
	table := NewTable()
	_, errno := table.Map(memory, nil, 0, 0, true)
	require.Equal(t, syscall.EINVAL, errno)
}
