package sysfs

import (
	"io"
	"io/fs"
	"os"
	pathutil "path"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// NewVirtualFS returns an FS for a directory tree that exists only in the
// guest namespace: it has no host backing, yet resolves and supports readdir
// over its declared children.
func NewVirtualFS(guestDir string) FS {
	return &virtualFS{guestDir: guestDir, dirs: map[string]struct{}{"": {}}}
}

type virtualFS struct {
	guestDir string

	mu sync.RWMutex
	// dirs holds clean relative paths of declared directories. "" is the
	// mount root itself.
	dirs map[string]struct{}
}

// String implements FS.String
func (v *virtualFS) String() string { return "virtual" }

// GuestDir implements FS.GuestDir
func (v *virtualFS) GuestDir() string { return v.guestDir }

func cleanVirtualPath(path string) (string, error) {
	switch path {
	case "", ".", "/":
		return "", nil
	}
	clean := pathutil.Clean("/" + path)
	if strings.HasPrefix(clean, "/..") {
		return "", syscall.EPERM
	}
	return clean[1:], nil
}

// OpenFile implements FS.OpenFile
func (v *virtualFS) OpenFile(path string, flag int, perm fs.FileMode) (fs.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, syscall.EROFS
	}
	rel, err := cleanVirtualPath(path)
	if err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.dirs[rel]; !ok {
		return nil, syscall.ENOENT
	}
	name := pathutil.Base("/" + rel)
	if rel == "" {
		name = "/"
	}
	var entries []fs.DirEntry
	for d := range v.dirs {
		if d == "" {
			continue
		}
		if parent := pathutil.Dir("/" + d)[1:]; parent == rel {
			entries = append(entries, fs.FileInfoToDirEntry(&virtualDirInfo{name: pathutil.Base(d)}))
		}
	}
	return NewDirFile(name, entries), nil
}

// Mkdir implements FS.Mkdir
func (v *virtualFS) Mkdir(path string, _ fs.FileMode) error {
	rel, err := cleanVirtualPath(path)
	if err != nil {
		return err
	}
	if rel == "" {
		return syscall.EEXIST
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.dirs[rel]; ok {
		return syscall.EEXIST
	}
	if parent := pathutil.Dir("/" + rel)[1:]; parent != rel {
		if _, ok := v.dirs[parent]; !ok {
			return syscall.ENOENT
		}
	}
	v.dirs[rel] = struct{}{}
	return nil
}

// Rename implements FS.Rename
func (v *virtualFS) Rename(string, string) error { return syscall.ENOSYS }

// Rmdir implements FS.Rmdir
func (v *virtualFS) Rmdir(path string) error {
	rel, err := cleanVirtualPath(path)
	if err != nil {
		return err
	}
	if rel == "" {
		return syscall.EBUSY
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.dirs[rel]; !ok {
		return syscall.ENOENT
	}
	for d := range v.dirs {
		if d != rel && strings.HasPrefix(d, rel+"/") {
			return syscall.ENOTEMPTY
		}
	}
	delete(v.dirs, rel)
	return nil
}

// Unlink implements FS.Unlink
func (v *virtualFS) Unlink(path string) error {
	rel, err := cleanVirtualPath(path)
	if err != nil {
		return err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.dirs[rel]; ok {
		return syscall.EISDIR
	}
	return syscall.ENOENT
}

// virtualDirInfo is the FileInfo of a directory with no host backing.
type virtualDirInfo struct {
	name string
}

func (i *virtualDirInfo) Name() string       { return i.name }
func (i *virtualDirInfo) Size() int64        { return 0 }
func (i *virtualDirInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o555 }
func (i *virtualDirInfo) ModTime() time.Time { return time.Time{} }
func (i *virtualDirInfo) IsDir() bool        { return true }
func (i *virtualDirInfo) Sys() interface{}   { return nil }

// NewDirFile returns an open directory whose entries are fixed at open time.
// Used for virtual directories and for synthesized mount ancestors.
func NewDirFile(name string, entries []fs.DirEntry) fs.ReadDirFile {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return &dirFile{name: name, entries: entries}
}

type dirFile struct {
	name    string
	entries []fs.DirEntry
	// offset is the read position, an index into entries. Seek(0) rewinds,
	// making the listing restartable.
	offset int
}

func (d *dirFile) Stat() (fs.FileInfo, error) { return &virtualDirInfo{name: d.name}, nil }

func (d *dirFile) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: syscall.EISDIR}
}

func (d *dirFile) Close() error { return nil }

// Seek supports only rewinding to the start, which restarts the listing.
func (d *dirFile) Seek(offset int64, whence int) (int64, error) {
	if offset != 0 || whence != io.SeekStart {
		return 0, syscall.EINVAL
	}
	d.offset = 0
	return 0, nil
}

// ReadDir implements fs.ReadDirFile, with the go:embed pagination behavior.
func (d *dirFile) ReadDir(count int) ([]fs.DirEntry, error) {
	n := len(d.entries) - d.offset
	if n == 0 {
		if count <= 0 {
			return nil, nil
		}
		return nil, io.EOF
	}
	if count > 0 && n > count {
		n = count
	}
	list := make([]fs.DirEntry, n)
	copy(list, d.entries[d.offset:d.offset+n])
	d.offset += n
	return list, nil
}
