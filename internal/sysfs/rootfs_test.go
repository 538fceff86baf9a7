package sysfs

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRootFS_SingleRootMount(t *testing.T) {
	dir := t.TempDir()
	rootFS, err := NewRootFS(NewDirFS(dir, "/"))
	require.NoError(t, err)
	// A single "/" mount needs no composition.
	require.Equal(t, dir, rootFS.String())
}

func TestCompositeFS_LongestPrefixWins(t *testing.T) {
	short := t.TempDir()
	long := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(short, "x"), []byte("short"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(long, "x"), []byte("long"), 0o600))

	rootFS, err := NewRootFS(
		NewDirFS(t.TempDir(), "/"),
		NewDirFS(short, "/data"),
		NewDirFS(long, "/data/deep"),
	)
	require.NoError(t, err)

	b := readAllAt(t, rootFS, "/data/x")
	require.Equal(t, "short", string(b))
	b = readAllAt(t, rootFS, "/data/deep/x")
	require.Equal(t, "long", string(b))
}

func TestCompositeFS_EqualPrefixMostRecentWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(first, "x"), []byte("first"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(second, "x"), []byte("second"), 0o600))

	rootFS, err := NewRootFS(
		NewDirFS(t.TempDir(), "/"),
		NewDirFS(first, "/data"),
		NewDirFS(second, "/data"),
	)
	require.NoError(t, err)

	require.Equal(t, "second", string(readAllAt(t, rootFS, "/data/x")))
}

func TestCompositeFS_SynthesizedAncestors(t *testing.T) {
	backing := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(backing, "f"), []byte("deep"), 0o600))

	// No root mount at all: "/" and "/a" exist only because "/a/b" does.
	rootFS, err := NewRootFS(NewDirFS(backing, "/a/b"))
	require.NoError(t, err)

	for _, path := range []string{"/", "/a"} {
		f, err := rootFS.OpenFile(path, os.O_RDONLY, 0)
		require.NoError(t, err, path)
		st, err := f.Stat()
		require.NoError(t, err)
		require.True(t, st.IsDir())
		entries, err := f.(fs.ReadDirFile).ReadDir(-1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.NoError(t, f.Close())
	}

	require.Equal(t, "deep", string(readAllAt(t, rootFS, "/a/b/f")))

	// A path outside every mount is NotFound.
	_, err = rootFS.OpenFile("/nope", os.O_RDONLY, 0)
	require.Equal(t, syscall.ENOENT, UnwrapOSError(err))
}

func TestCompositeFS_MergedListing(t *testing.T) {
	root := t.TempDir()
	mnt := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "host-file"), []byte("h"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "inner"), []byte("i"), 0o600))

	// "/sub/mnt" is a mount inside a host-backed subdirectory of "/".
	rootFS, err := NewRootFS(
		NewDirFS(root, "/"),
		NewDirFS(mnt, "/sub/mnt"),
	)
	require.NoError(t, err)

	f, err := rootFS.OpenFile("/sub", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	entries, err := f.(fs.ReadDirFile).ReadDir(-1)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = e.IsDir()
	}
	require.Equal(t, map[string]bool{"inner": false, "mnt": true}, names)
}

func TestCompositeFS_VirtualDirMount(t *testing.T) {
	rootFS, err := NewRootFS(
		NewDirFS(t.TempDir(), "/"),
		NewVirtualFS("/proc"),
	)
	require.NoError(t, err)

	f, err := rootFS.OpenFile("/proc", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	st, err := f.Stat()
	require.NoError(t, err)
	require.True(t, st.IsDir())

	entries, err := f.(fs.ReadDirFile).ReadDir(-1)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCompositeFS_RenameAcrossMounts(t *testing.T) {
	rootFS, err := NewRootFS(
		NewDirFS(t.TempDir(), "/"),
		NewDirFS(t.TempDir(), "/other"),
	)
	require.NoError(t, err)
	require.Equal(t, syscall.EXDEV, UnwrapOSError(rootFS.(*CompositeFS).Rename("/a", "/other/b")))
}

func TestReadFS_DeniesWrites(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("ro"), 0o600))
	rootFS, err := NewRootFS(NewReadFS(NewDirFS(dir, "/")))
	require.NoError(t, err)

	_, err = rootFS.OpenFile("/f", os.O_WRONLY, 0)
	require.Equal(t, syscall.EROFS, UnwrapOSError(err))
	require.Equal(t, syscall.EROFS, UnwrapOSError(rootFS.Mkdir("/d", 0o700)))
	require.Equal(t, "ro", string(readAllAt(t, rootFS, "/f")))
}

func TestDirFS_EscapeIsPermissionError(t *testing.T) {
	fsys := NewDirFS(t.TempDir(), "/")
	_, err := fsys.OpenFile("../../etc/passwd", os.O_RDONLY, 0)
	require.Equal(t, syscall.EPERM, UnwrapOSError(err))
}

// Opening a file under a mapped guest prefix yields the same bytes as the
// host file.
func TestDirFS_MappedBytesMatchHost(t *testing.T) {
	dir := t.TempDir()
	content := []byte("exact host bytes\x00\x01\x02")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob"), content, 0o600))

	rootFS, err := NewRootFS(
		NewDirFS(t.TempDir(), "/"),
		NewDirFS(dir, "/mapped/here"),
	)
	require.NoError(t, err)
	require.Equal(t, content, readAllAt(t, rootFS, "/mapped/here/blob"))
}

func readAllAt(t *testing.T, fsys FS, path string) []byte {
	t.Helper()
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	return b
}
