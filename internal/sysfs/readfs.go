package sysfs

import (
	"io/fs"
	"os"
	"syscall"
)

// NewReadFS wraps an FS to deny any mutation, used for read-only directory
// mappings.
func NewReadFS(fsys FS) FS {
	if _, ok := fsys.(*readFS); ok {
		return fsys
	}
	return &readFS{fs: fsys}
}

type readFS struct {
	fs FS
}

// String implements FS.String
func (r *readFS) String() string { return r.fs.String() }

// GuestDir implements FS.GuestDir
func (r *readFS) GuestDir() string { return r.fs.GuestDir() }

// OpenFile implements FS.OpenFile
func (r *readFS) OpenFile(path string, flag int, perm fs.FileMode) (fs.File, error) {
	// O_RDONLY is zero, so any other access or creation bit is a write.
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, syscall.EROFS
	}
	f, err := r.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &readFile{f: f}, nil
}

// Mkdir implements FS.Mkdir
func (r *readFS) Mkdir(string, fs.FileMode) error { return syscall.EROFS }

// Rename implements FS.Rename
func (r *readFS) Rename(string, string) error { return syscall.EROFS }

// Rmdir implements FS.Rmdir
func (r *readFS) Rmdir(string) error { return syscall.EROFS }

// Unlink implements FS.Unlink
func (r *readFS) Unlink(string) error { return syscall.EROFS }

// readFile masks the write methods of the underlying file so a caller that
// type-asserts io.Writer cannot bypass the read-only mount.
type readFile struct {
	f fs.File
}

func (r *readFile) Stat() (fs.FileInfo, error) { return r.f.Stat() }
func (r *readFile) Read(p []byte) (int, error) { return r.f.Read(p) }
func (r *readFile) Close() error               { return r.f.Close() }

// ReadAt proxies io.ReaderAt when the underlying file supports it.
func (r *readFile) ReadAt(p []byte, off int64) (int, error) {
	if ra, ok := r.f.(interface {
		ReadAt([]byte, int64) (int, error)
	}); ok {
		return ra.ReadAt(p, off)
	}
	return 0, syscall.ENOSYS
}

// Seek proxies io.Seeker when the underlying file supports it.
func (r *readFile) Seek(offset int64, whence int) (int64, error) {
	if s, ok := r.f.(interface {
		Seek(int64, int) (int64, error)
	}); ok {
		return s.Seek(offset, whence)
	}
	return 0, syscall.ENOSYS
}

// ReadDir proxies fs.ReadDirFile when the underlying file supports it.
func (r *readFile) ReadDir(n int) ([]fs.DirEntry, error) {
	if d, ok := r.f.(fs.ReadDirFile); ok {
		return d.ReadDir(n)
	}
	return nil, syscall.ENOTDIR
}
