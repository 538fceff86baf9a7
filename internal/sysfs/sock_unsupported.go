//go:build !unix

package sysfs

import (
	"io/fs"
	"syscall"
)

// NewSocketFile returns ENOSYS on platforms without host socket support.
func NewSocketFile(af, socktype int) (fs.File, error) {
	return nil, syscall.ENOSYS
}
