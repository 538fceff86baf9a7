// Package sysfs includes a low-level filesystem interface and utilities
// needed to compose a guest-visible namespace from host directories, pure
// virtual directories, and sockets.
//
// Paths passed to an FS are guest paths relative to the filesystem's mount
// point, already stripped of the mount prefix by the CompositeFS resolver.
package sysfs

import (
	"io"
	"io/fs"
	"os"
	"syscall"
)

// FS is a writeable fs.FS bridge backed by host syscall functions.
//
// Any unsupported method or parameter should return syscall.ENOSYS wrapped
// in a fs.PathError.
type FS interface {
	// String should return a human-readable format of the filesystem.
	//
	// For example, if this filesystem is backed by the real directory
	// "/tmp/wasm", the expected value is "/tmp/wasm". When the host
	// filesystem isn't a real one, substitute a symbolic name, e.g.
	// "virtual".
	String() string

	// GuestDir is the guest path prefix this filesystem is mounted at, e.g.
	// "/" or "/sandbox/data".
	GuestDir() string

	// OpenFile is similar to os.OpenFile, except the path is relative to
	// this file system.
	//
	// # Errors
	//
	// The following errors are expected:
	//   - syscall.EINVAL: `path` or `flag` is invalid.
	//   - syscall.ENOENT: `path` doesn't exist and `flag` doesn't contain
	//     os.O_CREATE.
	//   - syscall.EPERM: `path` escapes the mount (contains "..").
	OpenFile(path string, flag int, perm fs.FileMode) (fs.File, error)

	// Mkdir is similar to os.Mkdir, except the path is relative to this file
	// system.
	Mkdir(path string, perm fs.FileMode) error

	// Rename is similar to syscall.Rename, except the paths are relative to
	// this file system.
	Rename(from, to string) error

	// Rmdir is similar to syscall.Rmdir, except the path is relative to this
	// file system.
	Rmdir(path string) error

	// Unlink is similar to syscall.Unlink, except the path is relative to
	// this file system.
	Unlink(path string) error
}

// StatPath is a convenience that opens then stats a path.
func StatPath(fsys FS, path string) (fs.FileInfo, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

// UnwrapOSError returns the syscall.Errno buried inside an os or fs error,
// or zero when err is nil. Errors that carry no errno map to the closest
// category so guests always observe a POSIX-shaped value.
func UnwrapOSError(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch e := err.(type) {
	case syscall.Errno:
		return e
	case *fs.PathError:
		return UnwrapOSError(e.Err)
	case *os.LinkError:
		return UnwrapOSError(e.Err)
	case *os.SyscallError:
		return UnwrapOSError(e.Err)
	}
	switch err {
	case fs.ErrInvalid:
		return syscall.EINVAL
	case fs.ErrPermission:
		return syscall.EPERM
	case fs.ErrExist:
		return syscall.EEXIST
	case fs.ErrNotExist:
		return syscall.ENOENT
	case fs.ErrClosed:
		return syscall.EBADF
	case io.EOF, io.ErrUnexpectedEOF:
		// EOF is not a syscall error, but callers at the boundary expect a
		// non-zero value distinct from success.
		return syscall.EIO
	case os.ErrDeadlineExceeded:
		return syscall.ETIMEDOUT
	}
	return syscall.EIO
}

// ReaderAtOffset gets an io.Reader from a fs.File that reads from an offset,
// yet doesn't affect the underlying position.
func ReaderAtOffset(f fs.File, offset int64) io.Reader {
	if ret, ok := f.(io.ReaderAt); ok {
		return &readerAtOffset{ret, offset}
	} else if ret, ok := f.(io.ReadSeeker); ok {
		return &seekToOffsetReader{ret, offset}
	}
	return enosysReader{}
}

type enosysReader struct{}

func (enosysReader) Read([]byte) (int, error) { return 0, syscall.ENOSYS }

type readerAtOffset struct {
	r      io.ReaderAt
	offset int64
}

func (r *readerAtOffset) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.r.ReadAt(p, r.offset)
	r.offset += int64(n)
	return n, err
}

// seekToOffsetReader seeks to an offset prior to reading, then seeks back, so
// the caller's position is unaffected.
type seekToOffsetReader struct {
	s      io.ReadSeeker
	offset int64
}

func (r *seekToOffsetReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	prev, err := r.s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if _, err = r.s.Seek(r.offset, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := r.s.Read(p)
	r.offset += int64(n)
	if _, serr := r.s.Seek(prev, io.SeekStart); serr != nil && err == nil {
		err = serr
	}
	return n, err
}
