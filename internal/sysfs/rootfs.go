package sysfs

import (
	"io"
	"io/fs"
	"os"
	pathutil "path"
	"strings"
	"syscall"
	"time"
)

// NewRootFS composes an ordered list of mounts into the guest's "/"
// namespace. A guest path resolves to the mount with the longest matching
// prefix; when two bindings share an equal prefix, the most recently
// configured one wins.
//
// Mount prefixes may be nested at any depth. Ancestor directories of a mount
// that no other mount backs are synthesized as virtual directories, and a
// directory listing merges entries for any mounts directly beneath it.
func NewRootFS(fses ...FS) (FS, error) {
	if len(fses) == 1 && cleanGuestPath(fses[0].GuestDir()) == "" {
		return fses[0], nil
	}

	ret := &CompositeFS{
		prefixes:  make([]string, len(fses)),
		fs:        make([]FS, len(fses)),
		rootIndex: -1,
	}
	// Last is the highest precedence, so we iterate backwards to keep the
	// runtime match loop simpler.
	j := 0
	for i := len(fses) - 1; i >= 0; i-- {
		prefix := cleanGuestPath(fses[i].GuestDir())
		if prefix == "" && ret.rootIndex == -1 {
			ret.rootIndex = j
		}
		ret.prefixes[j] = prefix
		ret.fs[j] = fses[i]
		j++
	}
	return ret, nil
}

// CompositeFS resolves guest paths across multiple mounts.
type CompositeFS struct {
	// prefixes are cleaned guest prefixes ("" is root) in precedence order:
	// index 0 is the most recently configured binding.
	prefixes []string
	// fs is index-correlated with prefixes.
	fs []FS
	// rootIndex is the index of the "/" mount, or -1 when the root is
	// purely virtual.
	rootIndex int
}

// Unwrap returns the underlying filesystems in their configured order.
func (c *CompositeFS) Unwrap() []FS {
	result := make([]FS, 0, len(c.fs))
	for i := len(c.fs) - 1; i >= 0; i-- {
		result = append(result, c.fs[i])
	}
	return result
}

// String implements FS.String
func (c *CompositeFS) String() string {
	names := make([]string, len(c.fs))
	for i, f := range c.fs {
		names[i] = cleanGuestPath(f.GuestDir()) + "=" + f.String()
	}
	return "[" + strings.Join(names, ",") + "]"
}

// GuestDir implements FS.GuestDir
func (c *CompositeFS) GuestDir() string { return "/" }

// chooseFS returns the index of the longest-prefix mount for the cleaned
// path, and the path relative to that mount. found is false only when there
// is no root mount and no prefix matches.
func (c *CompositeFS) chooseFS(cp string) (matchIndex int, relativePath string, found bool) {
	matchIndex, matchLen := -1, -1
	for i, prefix := range c.prefixes {
		if !hasPathPrefix(cp, prefix) {
			continue
		}
		// Strictly longer wins; an equal length keeps the earlier (most
		// recently configured) binding.
		if len(prefix) > matchLen {
			matchIndex, matchLen = i, len(prefix)
		}
	}
	if matchIndex == -1 {
		return -1, "", false
	}
	prefix := c.prefixes[matchIndex]
	switch {
	case cp == prefix:
		relativePath = "."
	case prefix == "":
		relativePath = cp
	default:
		relativePath = cp[len(prefix)+1:]
	}
	return matchIndex, relativePath, true
}

// hasPathPrefix reports whether cleaned path cp is prefix itself or inside
// it. Comparison is case-sensitive, per POSIX.
func hasPathPrefix(cp, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(cp, prefix) {
		return false
	}
	return len(cp) == len(prefix) || cp[len(prefix)] == '/'
}

// mountChildren returns mounts that are direct children of the cleaned path,
// keyed by entry name. The most recently configured binding wins a name.
func (c *CompositeFS) mountChildren(cp string) map[string]int {
	var children map[string]int
	for i, prefix := range c.prefixes {
		if prefix == "" {
			continue
		}
		parent, name := splitGuestPath(prefix)
		if parent != cp {
			continue
		}
		if children == nil {
			children = map[string]int{}
		}
		if _, taken := children[name]; !taken {
			children[name] = i
		}
	}
	return children
}

// hasMountDescendant reports whether any mount lives strictly below the
// cleaned path, which makes the path a synthesizable virtual ancestor.
func (c *CompositeFS) hasMountDescendant(cp string) bool {
	for _, prefix := range c.prefixes {
		if prefix == "" {
			continue
		}
		if cp == "" || (strings.HasPrefix(prefix, cp+"/") && len(prefix) > len(cp)) {
			return true
		}
	}
	return false
}

// OpenFile implements FS.OpenFile
func (c *CompositeFS) OpenFile(path string, flag int, perm fs.FileMode) (fs.File, error) {
	cp := cleanGuestPath(path)
	var f fs.File
	idx, rel, found := c.chooseFS(cp)
	if found {
		var err error
		if f, err = c.fs[idx].OpenFile(rel, flag, perm); err != nil {
			if UnwrapOSError(err) == syscall.ENOENT && c.canSynthesize(cp, flag) {
				f = nil // fall through to synthesis below
			} else {
				return nil, err
			}
		}
	} else if !c.canSynthesize(cp, flag) {
		return nil, syscall.ENOENT
	}

	children := c.mountChildren(cp)
	if f == nil {
		// The path is an ancestor of a mount with no backing of its own:
		// synthesize a directory whose entries are the mounts beneath it.
		name := pathutil.Base("/" + cp)
		entries := make([]fs.DirEntry, 0, len(children))
		for n, fsI := range children {
			entries = append(entries, fs.FileInfoToDirEntry(c.mountEntryInfo(n, fsI)))
		}
		return NewDirFile(name, entries), nil
	}
	if len(children) > 0 {
		if rd, ok := f.(fs.ReadDirFile); ok {
			if st, err := f.Stat(); err == nil && st.IsDir() {
				return &mergedDir{c: c, f: rd, extra: children}, nil
			}
		}
	}
	return f, nil
}

// canSynthesize reports whether a failed open may be served by a virtual
// ancestor directory instead.
func (c *CompositeFS) canSynthesize(cp string, flag int) bool {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return false
	}
	return c.hasMountDescendant(cp)
}

// mountEntryInfo stats the root of a mounted filesystem, masking its host
// name with the mount's entry name so the underlying host directory never
// leaks into a listing.
func (c *CompositeFS) mountEntryInfo(name string, fsI int) fs.FileInfo {
	if fi, err := StatPath(c.fs[fsI], "."); err == nil {
		return &renamedFileInfo{name: name, f: fi}
	}
	return &virtualDirInfo{name: name}
}

// renamedFileInfo retains the stat of a mount while masking the directory
// name.
type renamedFileInfo struct {
	name string
	f    fs.FileInfo
}

func (i *renamedFileInfo) Name() string       { return i.name }
func (i *renamedFileInfo) Size() int64        { return i.f.Size() }
func (i *renamedFileInfo) Mode() fs.FileMode  { return i.f.Mode() }
func (i *renamedFileInfo) ModTime() time.Time { return i.f.ModTime() }
func (i *renamedFileInfo) IsDir() bool        { return i.f.IsDir() }
func (i *renamedFileInfo) Sys() interface{}   { return i.f.Sys() }

// mergedDir is an open directory that has mounts directly inside it: the
// host-backed entries are merged with one entry per mount, mount entries
// replacing host entries of the same name.
type mergedDir struct {
	c     *CompositeFS
	f     fs.ReadDirFile
	extra map[string]int

	dirents  []fs.DirEntry
	direntsI int
}

func (d *mergedDir) Close() error               { return d.f.Close() }
func (d *mergedDir) Stat() (fs.FileInfo, error) { return d.f.Stat() }

func (d *mergedDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: ".", Err: syscall.EISDIR}
}

// Seek rewinds the merged listing so readdir is restartable.
func (d *mergedDir) Seek(offset int64, whence int) (int64, error) {
	if offset != 0 || whence != io.SeekStart {
		return 0, syscall.EINVAL
	}
	if s, ok := d.f.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
	}
	d.dirents, d.direntsI = nil, 0
	return 0, nil
}

func (d *mergedDir) readDir() (err error) {
	if d.dirents, err = d.f.ReadDir(-1); err != nil {
		return err
	}
	remaining := make(map[string]int, len(d.extra))
	for k, v := range d.extra {
		remaining[k] = v
	}
	for i, e := range d.dirents {
		if fsI, ok := remaining[e.Name()]; ok {
			d.dirents[i] = fs.FileInfoToDirEntry(d.c.mountEntryInfo(e.Name(), fsI))
			delete(remaining, e.Name())
		}
	}
	for n, fsI := range remaining {
		d.dirents = append(d.dirents, fs.FileInfoToDirEntry(d.c.mountEntryInfo(n, fsI)))
	}
	return nil
}

// ReadDir implements fs.ReadDirFile
func (d *mergedDir) ReadDir(count int) ([]fs.DirEntry, error) {
	if d.dirents == nil {
		if err := d.readDir(); err != nil {
			return nil, err
		}
	}
	n := len(d.dirents) - d.direntsI
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
	copy(list, d.dirents[d.direntsI:d.direntsI+n])
	d.direntsI += n
	return list, nil
}

// Mkdir implements FS.Mkdir
func (c *CompositeFS) Mkdir(path string, perm fs.FileMode) error {
	idx, rel, found := c.chooseFS(cleanGuestPath(path))
	if !found {
		return syscall.ENOENT
	}
	return c.fs[idx].Mkdir(rel, perm)
}

// Rename implements FS.Rename
func (c *CompositeFS) Rename(from, to string) error {
	fromIdx, fromRel, ok := c.chooseFS(cleanGuestPath(from))
	if !ok {
		return syscall.ENOENT
	}
	toIdx, toRel, ok := c.chooseFS(cleanGuestPath(to))
	if !ok {
		return syscall.ENOENT
	}
	if fromIdx != toIdx {
		return syscall.EXDEV
	}
	return c.fs[fromIdx].Rename(fromRel, toRel)
}

// Rmdir implements FS.Rmdir
func (c *CompositeFS) Rmdir(path string) error {
	idx, rel, found := c.chooseFS(cleanGuestPath(path))
	if !found {
		return syscall.ENOENT
	}
	return c.fs[idx].Rmdir(rel)
}

// Unlink implements FS.Unlink
func (c *CompositeFS) Unlink(path string) error {
	idx, rel, found := c.chooseFS(cleanGuestPath(path))
	if !found {
		return syscall.ENOENT
	}
	return c.fs[idx].Unlink(rel)
}

// splitGuestPath splits a cleaned guest path into its parent and entry name.
func splitGuestPath(cp string) (parent, name string) {
	if i := strings.LastIndexByte(cp, '/'); i >= 0 {
		return cp[:i], cp[i+1:]
	}
	return "", cp
}

// cleanGuestPath normalizes a guest path to a rooted clean form without the
// leading slash; "" is the root. Segments escaping the root collapse to the
// root, so a path can never address outside the namespace.
func cleanGuestPath(path string) string {
	cp := pathutil.Clean("/" + path)
	if cp == "/" {
		return ""
	}
	return cp[1:]
}
