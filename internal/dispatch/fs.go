package dispatch

import (
	"io/fs"
	"os"
	"syscall"

	internalsys "github.com/procbox/procbox/internal/sys"
	"github.com/procbox/procbox/internal/sysfs"
	"github.com/procbox/procbox/internal/wasip"
)

func (h *Host) chdir(args []uint64) (int64, wasip.Errno) {
	path, errno := h.readPath(uint32(args[0]), uint32(args[1]))
	if errno != wasip.ErrnoSuccess {
		return 0, errno
	}
	st, err := sysfs.StatPath(h.p.SysCtx().FS().RootFS(), path)
	if err != nil {
		return 0, wasip.ToErrno(err)
	}
	if !st.IsDir() {
		return 0, wasip.ErrnoNotdir
	}
	h.p.SysCtx().Chdir(path)
	return 0, wasip.ErrnoSuccess
}

func (h *Host) getcwd(args []uint64) (int64, wasip.Errno) {
	bufPtr, bufLen := uint32(args[0]), uint32(args[1])
	cwd := h.p.SysCtx().Cwd()
	if uint32(len(cwd))+1 > bufLen {
		return 0, wasip.ErrnoRange
	}
	mem := h.mem()
	if !mem.Write(bufPtr, []byte(cwd)) || !mem.WriteByte(bufPtr+uint32(len(cwd)), 0) {
		return 0, wasip.ErrnoFault
	}
	return int64(len(cwd)), wasip.ErrnoSuccess
}

func (h *Host) pathOpen(args []uint64) (int64, wasip.Errno) {
	path, errno := h.readPath(uint32(args[0]), uint32(args[1]))
	if errno != wasip.ErrnoSuccess {
		return 0, errno
	}
	oflags, fdflags := uint32(args[2]), uint32(args[3])

	flag := os.O_RDONLY
	if fdflags&wasip.FD_WRITE != 0 {
		flag = os.O_RDWR
	}
	if oflags&wasip.O_CREAT != 0 {
		flag |= os.O_CREATE
	}
	if oflags&wasip.O_EXCL != 0 {
		flag |= os.O_EXCL
	}
	if oflags&wasip.O_TRUNC != 0 {
		flag |= os.O_TRUNC
	}

	fsc := h.p.SysCtx().FS()
	fd, serrno := fsc.OpenFile(path, flag, 0o600)
	if serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	if oflags&wasip.O_DIRECTORY != 0 {
		if fe, ok := fsc.LookupFile(fd); !ok || !fe.IsDir {
			_ = fsc.CloseFile(fd)
			return 0, wasip.ErrnoNotdir
		}
	}
	if fdflags&(wasip.FD_CLOEXEC|wasip.FD_APPEND) != 0 {
		if serrno := fsc.SetFlags(fd, fdflags&wasip.FD_CLOEXEC != 0, fdflags&wasip.FD_APPEND != 0); serrno != 0 {
			_ = fsc.CloseFile(fd)
			return 0, wasip.ToErrno(serrno)
		}
	}
	return int64(fd), wasip.ErrnoSuccess
}

func (h *Host) pathCreateDirectory(args []uint64) (int64, wasip.Errno) {
	path, errno := h.readPath(uint32(args[0]), uint32(args[1]))
	if errno != wasip.ErrnoSuccess {
		return 0, errno
	}
	if err := h.p.SysCtx().FS().RootFS().Mkdir(path, 0o700); err != nil {
		return 0, wasip.ToErrno(err)
	}
	return 0, wasip.ErrnoSuccess
}

func (h *Host) pathUnlinkFile(args []uint64) (int64, wasip.Errno) {
	path, errno := h.readPath(uint32(args[0]), uint32(args[1]))
	if errno != wasip.ErrnoSuccess {
		return 0, errno
	}
	if err := h.p.SysCtx().FS().RootFS().Unlink(path); err != nil {
		return 0, wasip.ToErrno(err)
	}
	return 0, wasip.ErrnoSuccess
}

func (h *Host) pathRemoveDirectory(args []uint64) (int64, wasip.Errno) {
	path, errno := h.readPath(uint32(args[0]), uint32(args[1]))
	if errno != wasip.ErrnoSuccess {
		return 0, errno
	}
	if err := h.p.SysCtx().FS().RootFS().Rmdir(path); err != nil {
		return 0, wasip.ToErrno(err)
	}
	return 0, wasip.ErrnoSuccess
}

func (h *Host) pathRename(args []uint64) (int64, wasip.Errno) {
	from, errno := h.readPath(uint32(args[0]), uint32(args[1]))
	if errno != wasip.ErrnoSuccess {
		return 0, errno
	}
	to, errno := h.readPath(uint32(args[2]), uint32(args[3]))
	if errno != wasip.ErrnoSuccess {
		return 0, errno
	}
	if err := h.p.SysCtx().FS().RootFS().Rename(from, to); err != nil {
		return 0, wasip.ToErrno(err)
	}
	return 0, wasip.ErrnoSuccess
}

func (h *Host) fdRead(args []uint64) (int64, wasip.Errno) {
	fd := int32(uint32(args[0]))
	fe, ok := h.p.SysCtx().FS().LookupFile(fd)
	if !ok {
		return 0, wasip.ErrnoBadf
	}
	if fe.IsDir {
		return 0, wasip.ErrnoIsdir
	}
	buf, ok := h.mem().Read(uint32(args[1]), uint32(args[2]))
	if !ok {
		return 0, wasip.ErrnoFault
	}
	n, serrno := fe.File.Read(buf)
	if serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	return int64(n), wasip.ErrnoSuccess
}

func (h *Host) fdWrite(args []uint64) (int64, wasip.Errno) {
	fd := int32(uint32(args[0]))
	fe, ok := h.p.SysCtx().FS().LookupFile(fd)
	if !ok {
		return 0, wasip.ErrnoBadf
	}
	if fe.IsDir {
		return 0, wasip.ErrnoIsdir
	}
	buf, ok := h.mem().Read(uint32(args[1]), uint32(args[2]))
	if !ok {
		return 0, wasip.ErrnoFault
	}
	n, serrno := fe.File.Write(buf)
	if serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	return int64(n), wasip.ErrnoSuccess
}

func (h *Host) fdSeek(args []uint64) (int64, wasip.Errno) {
	fd := int32(uint32(args[0]))
	offset := int64(args[1])
	whence := uint32(args[2])

	fe, ok := h.p.SysCtx().FS().LookupFile(fd)
	if !ok {
		return 0, wasip.ErrnoBadf
	}
	if fe.IsDir {
		return 0, wasip.ErrnoIsdir
	}
	var w int
	switch whence {
	case wasip.SeekSet:
		w = 0
	case wasip.SeekCur:
		w = 1
	case wasip.SeekEnd:
		w = 2
	default:
		return 0, wasip.ErrnoInval
	}
	pos, serrno := fe.File.Seek(offset, w)
	if serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	return pos, wasip.ErrnoSuccess
}

func (h *Host) fdClose(args []uint64) (int64, wasip.Errno) {
	if serrno := h.p.SysCtx().FS().CloseFile(int32(uint32(args[0]))); serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	return 0, wasip.ErrnoSuccess
}

func (h *Host) fdRenumber(args []uint64) (int64, wasip.Errno) {
	if serrno := h.p.SysCtx().FS().Renumber(int32(uint32(args[0])), int32(uint32(args[1]))); serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	return 0, wasip.ErrnoSuccess
}

func (h *Host) fdFdstatSetFlags(args []uint64) (int64, wasip.Errno) {
	fdflags := uint32(args[1])
	serrno := h.p.SysCtx().FS().SetFlags(int32(uint32(args[0])),
		fdflags&wasip.FD_CLOEXEC != 0, fdflags&wasip.FD_APPEND != 0)
	if serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	return 0, wasip.ErrnoSuccess
}

// direntHeaderSize is the fixed portion of one serialized directory record:
// a u64 continuation cookie, a u32 name length and a u8 type flag.
const direntHeaderSize = 13

// fdReaddir serializes directory entries starting at the given cookie into
// the guest buffer and returns the byte count written. Zero means
// end-of-directory. Only whole records are written: a buffer too small for
// the next record fails with ERANGE so the guest can retry with a larger
// one.
func (h *Host) fdReaddir(args []uint64) (int64, wasip.Errno) {
	fd := int32(uint32(args[0]))
	bufPtr, bufLen := uint32(args[1]), uint32(args[2])
	cookie := args[3]

	fsc := h.p.SysCtx().FS()
	fe, ok := fsc.LookupFile(fd)
	if !ok {
		return 0, wasip.ErrnoBadf
	}
	if !fe.IsDir {
		return 0, wasip.ErrnoNotdir
	}

	if fe.ReadDir == nil {
		d, ok := fe.File.File.(fs.ReadDirFile)
		if !ok {
			return 0, wasip.ErrnoNotdir
		}
		dirents, err := d.ReadDir(-1)
		if err != nil {
			return 0, wasip.ToErrno(err)
		}
		fe.ReadDir = &internalsys.ReadDir{Dirents: dirents}
	}
	dirents := fe.ReadDir.Dirents
	if cookie > uint64(len(dirents)) {
		return 0, wasip.ErrnoInval
	}

	mem := h.mem()
	written := uint32(0)
	records := uint64(0)
	for i := cookie; i < uint64(len(dirents)); i++ {
		e := dirents[i]
		name := []byte(e.Name())
		recLen := uint32(direntHeaderSize + len(name))
		if written+recLen > bufLen {
			if written == 0 {
				return 0, wasip.ErrnoRange
			}
			break
		}
		ptr := bufPtr + written
		var kind byte
		if e.IsDir() {
			kind = 1
		}
		if !mem.WriteUint64Le(ptr, i+1) ||
			!mem.WriteUint32Le(ptr+8, uint32(len(name))) ||
			!mem.WriteByte(ptr+12, kind) ||
			!mem.Write(ptr+direntHeaderSize, name) {
			return 0, wasip.ErrnoFault
		}
		written += recLen
		records++
	}
	fe.ReadDir.CountRead = cookie + records
	return int64(written), wasip.ErrnoSuccess
}

func (h *Host) sockOpen(args []uint64) (int64, wasip.Errno) {
	var af int
	switch uint32(args[0]) {
	case wasip.AFInet:
		af = syscall.AF_INET
	case wasip.AFInet6:
		af = syscall.AF_INET6
	default:
		return 0, wasip.ErrnoAfnosupport
	}
	var socktype int
	switch uint32(args[1]) {
	case wasip.SockStream:
		socktype = syscall.SOCK_STREAM
	case wasip.SockDgram:
		socktype = syscall.SOCK_DGRAM
	default:
		return 0, wasip.ErrnoNotsup
	}

	f, err := sysfs.NewSocketFile(af, socktype)
	if err != nil {
		return 0, wasip.ToErrno(err)
	}
	fsc := h.p.SysCtx().FS()
	fd, serrno := fsc.InsertFile(&internalsys.FileEntry{
		Name:   "socket",
		File:   internalsys.NewOpenFile(f),
		IsSock: true,
	})
	if serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	return int64(fd), wasip.ErrnoSuccess
}

func (h *Host) sockShutdown(args []uint64) (int64, wasip.Errno) {
	fd := int32(uint32(args[0]))
	how := int(uint32(args[1]))

	fe, ok := h.p.SysCtx().FS().LookupFile(fd)
	if !ok {
		return 0, wasip.ErrnoBadf
	}
	if !fe.IsSock {
		return 0, wasip.ErrnoNotsock
	}
	s, ok := fe.File.File.(interface{ Shutdown(int) error })
	if !ok {
		return 0, wasip.ErrnoNotsock
	}
	if err := s.Shutdown(how); err != nil {
		return 0, wasip.ToErrno(err)
	}
	return 0, wasip.ErrnoSuccess
}
