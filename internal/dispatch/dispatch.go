// Package dispatch implements the host side of the syscall surface: one
// entry point multiplexing every emulated system call, bound to one process.
//
// Handlers validate every guest pointer against the calling process's memory
// bounds before dereferencing it, so a bad pointer costs the caller EFAULT,
// never the host. Failures are reported twice, the POSIX way: as a negative
// errno return value and as a write to the calling thread's errno cell.
package dispatch

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/procbox/procbox/api"
	"github.com/procbox/procbox/internal/proc"
	"github.com/procbox/procbox/internal/thread"
	"github.com/procbox/procbox/internal/wasip"
	"github.com/procbox/procbox/sys"
)

// Host is the syscall surface of one process. All threads of the process
// share it; the calling thread rides in on the context.
type Host struct {
	m *proc.Manager
	p *proc.Process

	log zerolog.Logger
}

// NewHost returns the syscall surface for p.
func NewHost(m *proc.Manager, p *proc.Process, log zerolog.Logger) *Host {
	return &Host{m: m, p: p, log: log}
}

// Syscaller returns a factory suitable for proc.Manager, binding a new Host
// to each process it creates.
func Syscaller(m *proc.Manager, log zerolog.Logger) func(*proc.Process) api.Syscaller {
	return func(p *proc.Process) api.Syscaller {
		return NewHost(m, p, log)
	}
}

// Syscall implements api.Syscaller.
func (h *Host) Syscall(ctx context.Context, num uint32, args []uint64) int64 {
	// Exit requested by another thread: unwind instead of servicing the
	// call. This is the boundary where cooperative termination happens.
	if h.p.Terminating() {
		panic(sys.NewExitError(h.p.Name(), h.p.PendingExitCode()))
	}
	// A canceled context means this thread was told to terminate without a
	// process exit, which is how exec tears down the calling thread's
	// siblings. Unwind the same way; the engine recovers the panic.
	if err := ctx.Err(); err != nil {
		panic(err)
	}

	t := thread.FromContext(ctx)
	res, errno := h.dispatch(ctx, t, num, args)
	if errno != wasip.ErrnoSuccess {
		if t != nil {
			t.SetErrno(uint32(errno))
		}
		h.log.Trace().Uint32("pid", h.p.Pid()).
			Str("syscall", wasip.SyscallName(num)).
			Str("errno", errno.Name()).Msg("syscall failed")
		return -int64(errno)
	}
	return res
}

func (h *Host) dispatch(ctx context.Context, t *thread.Thread, num uint32, args []uint64) (int64, wasip.Errno) {
	switch num {
	case wasip.SysArgsSizesGet:
		return h.argsSizesGet(args)
	case wasip.SysArgsGet:
		return h.argsGet(args)
	case wasip.SysEnvironSizesGet:
		return h.environSizesGet(args)
	case wasip.SysEnvironGet:
		return h.environGet(args)
	case wasip.SysChdir:
		return h.chdir(args)
	case wasip.SysGetcwd:
		return h.getcwd(args)
	case wasip.SysProcExit:
		return h.procExit(args)
	case wasip.SysProcFork:
		return h.procFork(ctx, args)
	case wasip.SysProcExec:
		return h.procExec(ctx, args)
	case wasip.SysProcWait:
		return h.procWait(ctx, args)
	case wasip.SysThreadSpawn:
		return h.threadSpawn(ctx, args)
	case wasip.SysThreadJoin:
		return h.threadJoin(ctx, args)
	case wasip.SysTLSKeyCreate:
		return h.tlsKeyCreate()
	case wasip.SysTLSGet:
		return h.tlsGet(t, args)
	case wasip.SysTLSSet:
		return h.tlsSet(t, args)
	case wasip.SysErrnoGet:
		return h.errnoGet(t)
	case wasip.SysErrnoSet:
		return h.errnoSet(t, args)
	case wasip.SysPathOpen:
		return h.pathOpen(args)
	case wasip.SysPathCreateDirectory:
		return h.pathCreateDirectory(args)
	case wasip.SysPathUnlinkFile:
		return h.pathUnlinkFile(args)
	case wasip.SysPathRemoveDirectory:
		return h.pathRemoveDirectory(args)
	case wasip.SysPathRename:
		return h.pathRename(args)
	case wasip.SysFdRead:
		return h.fdRead(args)
	case wasip.SysFdWrite:
		return h.fdWrite(args)
	case wasip.SysFdSeek:
		return h.fdSeek(args)
	case wasip.SysFdClose:
		return h.fdClose(args)
	case wasip.SysFdReaddir:
		return h.fdReaddir(args)
	case wasip.SysFdRenumber:
		return h.fdRenumber(args)
	case wasip.SysFdFdstatSetFlags:
		return h.fdFdstatSetFlags(args)
	case wasip.SysMemMap:
		return h.memMap(args)
	case wasip.SysMemUnmap:
		return h.memUnmap(args)
	case wasip.SysMemSync:
		return h.memSync(args)
	case wasip.SysMemoryGrow:
		return h.memoryGrow(args)
	case wasip.SysSockOpen:
		return h.sockOpen(args)
	case wasip.SysSockShutdown:
		return h.sockShutdown(args)
	case wasip.SysRandomGet:
		return h.randomGet(args)
	case wasip.SysClockTimeGet:
		return h.clockTimeGet(args)
	}
	return 0, wasip.ErrnoNosys
}

// mem returns the process's current linear memory. Resolved per call because
// exec replaces the memory image.
func (h *Host) mem() api.Memory {
	return h.p.Memory()
}

// readString copies a guest string out of linear memory.
func (h *Host) readString(ptr, length uint32) (string, wasip.Errno) {
	buf, ok := h.mem().Read(ptr, length)
	if !ok {
		return "", wasip.ErrnoFault
	}
	return string(buf), wasip.ErrnoSuccess
}

// readPath reads a guest path and resolves it against the working directory.
func (h *Host) readPath(ptr, length uint32) (string, wasip.Errno) {
	s, errno := h.readString(ptr, length)
	if errno != wasip.ErrnoSuccess {
		return "", errno
	}
	return h.p.SysCtx().Absolute(s), wasip.ErrnoSuccess
}

func (h *Host) argsSizesGet(args []uint64) (int64, wasip.Errno) {
	mem := h.mem()
	countPtr, bufSizePtr := uint32(args[0]), uint32(args[1])
	if !mem.WriteUint32Le(countPtr, uint32(len(h.p.SysCtx().Args()))) {
		return 0, wasip.ErrnoFault
	}
	if !mem.WriteUint32Le(bufSizePtr, h.p.SysCtx().ArgsSize()) {
		return 0, wasip.ErrnoFault
	}
	return 0, wasip.ErrnoSuccess
}

func (h *Host) argsGet(args []uint64) (int64, wasip.Errno) {
	return 0, h.writeOffsetsAndNullTerminatedValues(h.p.SysCtx().Args(), uint32(args[0]), uint32(args[1]))
}

func (h *Host) environSizesGet(args []uint64) (int64, wasip.Errno) {
	mem := h.mem()
	countPtr, bufSizePtr := uint32(args[0]), uint32(args[1])
	if !mem.WriteUint32Le(countPtr, uint32(len(h.p.SysCtx().Environ()))) {
		return 0, wasip.ErrnoFault
	}
	if !mem.WriteUint32Le(bufSizePtr, h.p.SysCtx().EnvironSize()) {
		return 0, wasip.ErrnoFault
	}
	return 0, wasip.ErrnoSuccess
}

func (h *Host) environGet(args []uint64) (int64, wasip.Errno) {
	return 0, h.writeOffsetsAndNullTerminatedValues(h.p.SysCtx().Environ(), uint32(args[0]), uint32(args[1]))
}

// writeOffsetsAndNullTerminatedValues lays values out as guest code expects
// argv/environ: an array of pointers at offsets, each pointing into a packed
// buffer of NUL-terminated strings at bytesPtr.
func (h *Host) writeOffsetsAndNullTerminatedValues(values []string, offsets, bytesPtr uint32) wasip.Errno {
	mem := h.mem()
	for _, value := range values {
		if !mem.WriteUint32Le(offsets, bytesPtr) {
			return wasip.ErrnoFault
		}
		offsets += 4
		if !mem.Write(bytesPtr, []byte(value)) {
			return wasip.ErrnoFault
		}
		bytesPtr += uint32(len(value))
		if !mem.WriteByte(bytesPtr, 0) {
			return wasip.ErrnoFault
		}
		bytesPtr++
	}
	return wasip.ErrnoSuccess
}

func (h *Host) randomGet(args []uint64) (int64, wasip.Errno) {
	buf, ok := h.mem().Read(uint32(args[0]), uint32(args[1]))
	if !ok {
		return 0, wasip.ErrnoFault
	}
	if _, err := io.ReadFull(h.p.SysCtx().RandSource(), buf); err != nil {
		return 0, wasip.ErrnoIo
	}
	return 0, wasip.ErrnoSuccess
}

func (h *Host) clockTimeGet(args []uint64) (int64, wasip.Errno) {
	if !h.mem().WriteUint64Le(uint32(args[0]), uint64(h.p.SysCtx().WalltimeNanos())) {
		return 0, wasip.ErrnoFault
	}
	return 0, wasip.ErrnoSuccess
}
