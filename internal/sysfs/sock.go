//go:build unix

package sysfs

import (
	"io/fs"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// NewSocketFile creates a host socket descriptor for the given guest address
// family and type. The socket participates in the same descriptor table and
// numbering discipline as files and directories.
func NewSocketFile(af, socktype int) (fs.File, error) {
	sysfd, err := unix.Socket(af, socktype|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &socketFile{fd: sysfd}, nil
}

type socketFile struct {
	fd     int
	closed bool
}

// Stat implements fs.File. The mode is neither a regular file nor a
// directory, which is what guest fstat probes check.
func (f *socketFile) Stat() (fs.FileInfo, error) {
	if f.closed {
		return nil, syscall.EBADF
	}
	return &socketFileInfo{}, nil
}

// Read implements fs.File
func (f *socketFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, syscall.EBADF
	}
	n, err := unix.Read(f.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Write implements io.Writer
func (f *socketFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, syscall.EBADF
	}
	n, err := unix.Write(f.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Shutdown disables receives and/or sends without closing the descriptor.
func (f *socketFile) Shutdown(how int) error {
	if f.closed {
		return syscall.EBADF
	}
	return unix.Shutdown(f.fd, how)
}

// Close implements fs.File
func (f *socketFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return unix.Close(f.fd)
}

type socketFileInfo struct{}

func (*socketFileInfo) Name() string       { return "socket" }
func (*socketFileInfo) Size() int64        { return 0 }
func (*socketFileInfo) Mode() fs.FileMode  { return fs.ModeIrregular }
func (*socketFileInfo) ModTime() time.Time { return time.Time{} }
func (*socketFileInfo) IsDir() bool        { return false }
func (*socketFileInfo) Sys() interface{}   { return nil }
