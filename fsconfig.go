package procbox

import (
	"github.com/procbox/procbox/internal/sysfs"
)

// FSConfig composes the guest's "/" namespace from host directory bindings
// and purely virtual directories.
//
// A guest path resolves to the binding with the longest matching prefix;
// when two bindings claim the same prefix, the most recently added wins.
// Each With method returns a copy.
type FSConfig struct {
	mounts []mount
}

type mount struct {
	hostDir  string
	guestDir string
	readOnly bool
	virtual  bool
}

// NewFSConfig returns a configuration with no bindings: every path fails
// with ENOENT.
func NewFSConfig() FSConfig {
	return FSConfig{}
}

func (c FSConfig) clone() FSConfig {
	return FSConfig{mounts: append([]mount(nil), c.mounts...)}
}

// WithDirMount binds the host directory hostDir to the guest path guestDir,
// read-write.
func (c FSConfig) WithDirMount(hostDir, guestDir string) FSConfig {
	ret := c.clone()
	ret.mounts = append(ret.mounts, mount{hostDir: hostDir, guestDir: guestDir})
	return ret
}

// WithReadOnlyDirMount binds the host directory hostDir to guestDir; any
// write through the binding fails with EROFS.
func (c FSConfig) WithReadOnlyDirMount(hostDir, guestDir string) FSConfig {
	ret := c.clone()
	ret.mounts = append(ret.mounts, mount{hostDir: hostDir, guestDir: guestDir, readOnly: true})
	return ret
}

// WithVirtualDir creates guestDir as an in-memory directory tree with no
// host backing. Guests can mkdir beneath it; file creation fails with EROFS.
func (c FSConfig) WithVirtualDir(guestDir string) FSConfig {
	ret := c.clone()
	ret.mounts = append(ret.mounts, mount{guestDir: guestDir, virtual: true})
	return ret
}

func (c FSConfig) buildRootFS() (sysfs.FS, error) {
	fses := make([]sysfs.FS, 0, len(c.mounts))
	for _, m := range c.mounts {
		switch {
		case m.virtual:
			fses = append(fses, sysfs.NewVirtualFS(m.guestDir))
		case m.readOnly:
			fses = append(fses, sysfs.NewReadFS(sysfs.NewDirFS(m.hostDir, m.guestDir)))
		default:
			fses = append(fses, sysfs.NewDirFS(m.hostDir, m.guestDir))
		}
	}
	return sysfs.NewRootFS(fses...)
}
