package sysfs

import (
	"io/fs"
	"os"
	pathutil "path"
	"path/filepath"
	"strings"
	"syscall"
)

// NewDirFS returns an FS backed by the host directory dir, mounted at the
// guest path guestDir.
func NewDirFS(dir, guestDir string) FS {
	return &dirFS{dir: dir, guestDir: guestDir}
}

type dirFS struct {
	// dir is the host directory backing this filesystem.
	dir string
	// guestDir is the guest mount prefix.
	guestDir string
}

// String implements FS.String
func (d *dirFS) String() string { return d.dir }

// GuestDir implements FS.GuestDir
func (d *dirFS) GuestDir() string { return d.guestDir }

// join resolves a relative guest path to a host path, refusing paths that
// would escape the granted mapping.
func (d *dirFS) join(path string) (string, error) {
	switch path {
	case "", ".", "/":
		return d.dir, nil
	}
	clean := pathutil.Clean("/" + path)
	if strings.HasPrefix(clean, "/..") {
		return "", syscall.EPERM
	}
	return filepath.Join(d.dir, filepath.FromSlash(clean)), nil
}

// OpenFile implements FS.OpenFile
func (d *dirFS) OpenFile(path string, flag int, perm fs.FileMode) (fs.File, error) {
	hostPath, err := d.join(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(hostPath, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Mkdir implements FS.Mkdir
func (d *dirFS) Mkdir(path string, perm fs.FileMode) error {
	hostPath, err := d.join(path)
	if err != nil {
		return err
	}
	err = os.Mkdir(hostPath, perm)
	if err = adjustMkdirError(err); err != nil {
		return err
	}
	return nil
}

// Rename implements FS.Rename
func (d *dirFS) Rename(from, to string) error {
	fromPath, err := d.join(from)
	if err != nil {
		return err
	}
	toPath, err := d.join(to)
	if err != nil {
		return err
	}
	return os.Rename(fromPath, toPath)
}

// Rmdir implements FS.Rmdir
func (d *dirFS) Rmdir(path string) error {
	hostPath, err := d.join(path)
	if err != nil {
		return err
	}
	if st, err := os.Stat(hostPath); err != nil {
		return err
	} else if !st.IsDir() {
		return syscall.ENOTDIR
	}
	return os.Remove(hostPath)
}

// Unlink implements FS.Unlink
func (d *dirFS) Unlink(path string) error {
	hostPath, err := d.join(path)
	if err != nil {
		return err
	}
	if st, err := os.Stat(hostPath); err != nil {
		return err
	} else if st.IsDir() {
		return syscall.EISDIR
	}
	return os.Remove(hostPath)
}

// adjustMkdirError maps a mkdir failure on an existing file to ENOTDIR, which
// some hosts report as EEXIST.
func adjustMkdirError(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*fs.PathError); ok && UnwrapOSError(pe.Err) == syscall.EEXIST {
		if st, serr := os.Stat(pe.Path); serr == nil && !st.IsDir() {
			return syscall.ENOTDIR
		}
	}
	return err
}
