package sys

import (
	"io"
	"io/fs"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/procbox/procbox/internal/descriptor"
	"github.com/procbox/procbox/internal/sysfs"
)

const (
	FdStdin int32 = iota
	FdStdout
	FdStderr
)

// OpenFile is the open-file state descriptors point at: the host handle and
// its cursor. It is reference-counted so that fork can duplicate a
// descriptor table while both tables keep addressing the same open file,
// matching POSIX "same open file description" semantics: a write or seek
// through either descriptor is visible to the other.
type OpenFile struct {
	// File is the host handle. Its read/write cursor is the shared file
	// position.
	File fs.File

	// Append is a file status flag, which POSIX attaches to the open file
	// description, not the descriptor.
	Append bool

	refs int32
}

// NewOpenFile returns an OpenFile with a single reference.
func NewOpenFile(f fs.File) *OpenFile {
	return &OpenFile{File: f, refs: 1}
}

// Ref adds a reference, used when a fork aliases this open file from a
// second descriptor table.
func (f *OpenFile) Ref() { atomic.AddInt32(&f.refs, 1) }

// Unref drops a reference, closing the host handle when the last one goes.
func (f *OpenFile) Unref() syscall.Errno {
	if atomic.AddInt32(&f.refs, -1) > 0 {
		return 0
	}
	return sysfs.UnwrapOSError(f.File.Close())
}

// Write writes via the shared cursor, or fails with EBADF when the handle
// isn't writable.
func (f *OpenFile) Write(p []byte) (int, syscall.Errno) {
	w, ok := f.File.(io.Writer)
	if !ok {
		return 0, syscall.EBADF
	}
	n, err := w.Write(p)
	return n, sysfs.UnwrapOSError(err)
}

// WriteAt writes at an absolute offset without moving the shared cursor.
func (f *OpenFile) WriteAt(p []byte, off int64) (int, syscall.Errno) {
	w, ok := f.File.(io.WriterAt)
	if !ok {
		return 0, syscall.ENOSYS
	}
	n, err := w.WriteAt(p, off)
	return n, sysfs.UnwrapOSError(err)
}

// Read reads via the shared cursor.
func (f *OpenFile) Read(p []byte) (int, syscall.Errno) {
	n, err := f.File.Read(p)
	if err == io.EOF {
		return n, 0 // zero-length read is the guest-visible EOF
	}
	return n, sysfs.UnwrapOSError(err)
}

// Seek moves the shared cursor.
func (f *OpenFile) Seek(offset int64, whence int) (int64, syscall.Errno) {
	s, ok := f.File.(io.Seeker)
	if !ok {
		return 0, syscall.ESPIPE
	}
	n, err := s.Seek(offset, whence)
	return n, sysfs.UnwrapOSError(err)
}

// FileEntry is one descriptor-table slot: a reference to shared open-file
// state plus per-descriptor flags.
type FileEntry struct {
	// Name is the absolute guest path the descriptor was opened with, or a
	// symbolic name for stdio and sockets.
	Name string

	// File is always non-nil.
	File *OpenFile

	// IsDir is true when the entry was opened as a directory.
	IsDir bool

	// IsSock is true for socket-shaped descriptors, which share the same
	// numbering discipline as files.
	IsSock bool

	// CloseOnExec marks the descriptor for automatic closure across exec.
	// Unlike Append, this is per-descriptor state: a fork copies it, but the
	// copy can be changed independently.
	CloseOnExec bool

	// ReadDir caches the directory cursor for fd_readdir restarts.
	ReadDir *ReadDir
}

// ReadDir is the status of a prior fd_readdir call.
type ReadDir struct {
	// CountRead is the total count of entries read so far.
	CountRead uint64

	// Dirents is the full listing, cached because a guest that mis-sized its
	// buffer re-reads from an earlier cookie.
	Dirents []fs.DirEntry
}

// FileTable is a specialization of the descriptor.Table type used to map
// file descriptor numbers to file entries.
type FileTable = descriptor.Table[int32, *FileEntry]

// FSContext is one process's file-descriptor table plus its namespace root.
// All threads of the process share it, so every method is goroutine-safe.
type FSContext struct {
	rootFS sysfs.FS

	mu          sync.Mutex
	openedFiles FileTable
}

// NewFSContext creates an FSContext with stdio at descriptors 0, 1 and 2,
// matching POSIX expectations for a fresh process.
func NewFSContext(stdin io.Reader, stdout, stderr io.Writer, rootFS sysfs.FS) *FSContext {
	c := &FSContext{rootFS: rootFS}
	c.openedFiles.Insert(&FileEntry{Name: "stdin", File: NewOpenFile(&stdioFile{name: "stdin", r: stdin})})
	c.openedFiles.Insert(&FileEntry{Name: "stdout", File: NewOpenFile(&stdioFile{name: "stdout", w: stdout})})
	c.openedFiles.Insert(&FileEntry{Name: "stderr", File: NewOpenFile(&stdioFile{name: "stderr", w: stderr})})
	return c
}

// RootFS returns the namespace root used to resolve guest paths.
func (c *FSContext) RootFS() sysfs.FS {
	return c.rootFS
}

// OpenFile opens the guest path into the table and returns its descriptor
// number, always the lowest unused one.
func (c *FSContext) OpenFile(path string, flag int, perm fs.FileMode) (int32, syscall.Errno) {
	f, err := c.rootFS.OpenFile(path, flag, perm)
	if err != nil {
		return 0, sysfs.UnwrapOSError(err)
	}
	fe := &FileEntry{Name: path, File: NewOpenFile(f)}
	if st, serr := f.Stat(); serr == nil {
		fe.IsDir = st.IsDir()
	}
	return c.insert(fe)
}

// InsertFile adds an already-open entry (e.g. a socket) to the table.
func (c *FSContext) InsertFile(fe *FileEntry) (int32, syscall.Errno) {
	return c.insert(fe)
}

func (c *FSContext) insert(fe *FileEntry) (int32, syscall.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	newFD, ok := c.openedFiles.Insert(fe)
	if !ok {
		fe.File.Unref()
		return 0, syscall.EMFILE
	}
	return newFD, 0
}

// LookupFile returns the entry for a descriptor, if it is in the table.
func (c *FSContext) LookupFile(fd int32) (*FileEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedFiles.Lookup(fd)
}

// SetFlags changes per-descriptor and open-file flags.
func (c *FSContext) SetFlags(fd int32, cloexec, appendMode bool) syscall.Errno {
	c.mu.Lock()
	defer c.mu.Unlock()
	fe, ok := c.openedFiles.Lookup(fd)
	if !ok {
		return syscall.EBADF
	}
	fe.CloseOnExec = cloexec
	fe.File.Append = appendMode
	return 0
}

// Renumber assigns the file pointed at by the descriptor `from` to `to`,
// closing whatever `to` referred to, per dup2.
func (c *FSContext) Renumber(from, to int32) syscall.Errno {
	c.mu.Lock()
	defer c.mu.Unlock()
	fromFile, ok := c.openedFiles.Lookup(from)
	if !ok || to < 0 {
		return syscall.EBADF
	}
	if from == to {
		return 0
	}
	if toFile, ok := c.openedFiles.Lookup(to); ok {
		_ = toFile.File.Unref()
	}
	c.openedFiles.Delete(from)
	if !c.openedFiles.InsertAt(fromFile, to) {
		return syscall.EBADF
	}
	return 0
}

// CloseFile invalidates the descriptor. Its number becomes the lowest
// candidate for reuse, and the open file closes when the last table
// referencing it lets go.
func (c *FSContext) CloseFile(fd int32) syscall.Errno {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.openedFiles.Lookup(fd)
	if !ok {
		return syscall.EBADF
	}
	c.openedFiles.Delete(fd)
	return f.File.Unref()
}

// Fork duplicates the table for a child process: same descriptor numbers,
// same underlying open files (shared cursors), independent tables.
func (c *FSContext) Fork() *FSContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	child := &FSContext{rootFS: c.rootFS}
	c.openedFiles.Range(func(fd int32, fe *FileEntry) bool {
		fe.File.Ref()
		dup := *fe
		dup.ReadDir = nil
		child.openedFiles.InsertAt(&dup, fd)
		return true
	})
	return child
}

// PruneCloseOnExec closes every descriptor flagged close-on-exec, leaving
// all others untouched. Called during exec after the replacement module
// loaded successfully.
func (c *FSContext) PruneCloseOnExec() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var doomed []int32
	c.openedFiles.Range(func(fd int32, fe *FileEntry) bool {
		if fe.CloseOnExec {
			doomed = append(doomed, fd)
		}
		return true
	})
	for _, fd := range doomed {
		if fe, ok := c.openedFiles.Lookup(fd); ok {
			c.openedFiles.Delete(fd)
			_ = fe.File.Unref()
		}
	}
}

// Close releases every descriptor in this context.
func (c *FSContext) Close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openedFiles.Range(func(fd int32, entry *FileEntry) bool {
		if errno := entry.File.Unref(); errno != 0 {
			err = errno // the last non-nil error wins
		}
		return true
	})
	// A closed FSContext cannot be reused, so clear the state instead of
	// using Reset.
	c.openedFiles = FileTable{}
	return err
}
