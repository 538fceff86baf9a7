package sys

import (
	"io"
	"io/fs"
	"syscall"
	"time"
)

const modeDevice = fs.ModeDevice | 0o640

// stdioFile adapts a host reader or writer into the fs.File shape the
// descriptor table stores. Reads on stdout/stderr and writes on stdin fail
// with EBADF like a native process would observe.
type stdioFile struct {
	name string
	r    io.Reader
	w    io.Writer
}

// Stat implements fs.File
func (f *stdioFile) Stat() (fs.FileInfo, error) {
	return &stdioFileInfo{name: f.name}, nil
}

// Read implements fs.File
func (f *stdioFile) Read(p []byte) (int, error) {
	if f.r == nil {
		return 0, syscall.EBADF
	}
	return f.r.Read(p)
}

// Write implements io.Writer
func (f *stdioFile) Write(p []byte) (int, error) {
	if f.w == nil {
		return 0, syscall.EBADF
	}
	return f.w.Write(p)
}

// Close implements fs.File. Stdio handles are owned by the embedder, so
// close is a no-op.
func (f *stdioFile) Close() error { return nil }

type stdioFileInfo struct {
	name string
}

func (i *stdioFileInfo) Name() string       { return i.name }
func (i *stdioFileInfo) Size() int64        { return 0 }
func (i *stdioFileInfo) Mode() fs.FileMode  { return modeDevice }
func (i *stdioFileInfo) ModTime() time.Time { return time.Time{} }
func (i *stdioFileInfo) IsDir() bool        { return false }
func (i *stdioFileInfo) Sys() interface{}   { return nil }

// eofReader is safer than reading from os.DevNull as it can never overrun
// operating system file descriptors.
type eofReader struct{}

// Read implements io.Reader
func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
