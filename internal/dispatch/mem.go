package dispatch

import (
	internalsys "github.com/procbox/procbox/internal/sys"
	"github.com/procbox/procbox/internal/wasip"
)

// memMap establishes a mapping and returns its guest base address. fd -1
// maps anonymous zeroed memory; any other fd maps the file region starting
// at offset. Writable file mappings flush dirty pages back on sync and
// unmap.
func (h *Host) memMap(args []uint64) (int64, wasip.Errno) {
	fd := int32(uint32(args[0]))
	offset := int64(args[1])
	length := uint32(args[2])
	prot := uint32(args[3])

	var file *internalsys.OpenFile
	if fd != wasip.MapAnonFd {
		fe, ok := h.p.SysCtx().FS().LookupFile(fd)
		if !ok {
			return 0, wasip.ErrnoBadf
		}
		if fe.IsDir || fe.IsSock {
			return 0, wasip.ErrnoNodev
		}
		file = fe.File
	}
	if offset < 0 {
		return 0, wasip.ErrnoInval
	}

	base, serrno := h.p.Mappings().Map(h.mem(), file, offset, length, prot&wasip.ProtWrite != 0)
	if serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	return int64(base), wasip.ErrnoSuccess
}

func (h *Host) memUnmap(args []uint64) (int64, wasip.Errno) {
	if serrno := h.p.Mappings().Unmap(h.mem(), uint32(args[0]), uint32(args[1])); serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	return 0, wasip.ErrnoSuccess
}

func (h *Host) memSync(args []uint64) (int64, wasip.Errno) {
	if serrno := h.p.Mappings().Sync(h.mem(), uint32(args[0]), uint32(args[1])); serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	return 0, wasip.ErrnoSuccess
}

// memoryGrow extends the linear memory by delta pages and returns the
// previous page count, mirroring the memory.grow instruction for guests that
// route allocation through the syscall surface.
func (h *Host) memoryGrow(args []uint64) (int64, wasip.Errno) {
	prev, ok := h.mem().Grow(uint32(args[0]))
	if !ok {
		return 0, wasip.ErrnoNomem
	}
	return int64(prev), wasip.ErrnoSuccess
}
