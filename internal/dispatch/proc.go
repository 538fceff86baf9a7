package dispatch

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/procbox/procbox/internal/proc"
	"github.com/procbox/procbox/internal/wasip"
)

// procExit never returns: it records the exit request for every thread of
// the process and unwinds the caller.
func (h *Host) procExit(args []uint64) (int64, wasip.Errno) {
	panic(h.m.RequestExit(h.p, uint32(args[0])))
}

// procFork duplicates the calling process. Before the child is launched, the
// fork return slot is patched in both images: the parent reads the child
// pid, the child reads zero. The child then resumes from the same point in
// its copied memory and takes the "I am the child" branch.
func (h *Host) procFork(ctx context.Context, args []uint64) (int64, wasip.Errno) {
	pidPtr := uint32(args[0])
	if _, ok := h.mem().ReadUint32Le(pidPtr); !ok {
		return 0, wasip.ErrnoFault
	}

	child, serrno := h.m.Fork(ctx, h.p)
	if serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	child.Memory().WriteUint32Le(pidPtr, 0)
	h.mem().WriteUint32Le(pidPtr, child.Pid())

	// The child outlives this syscall, so its run loop must not inherit the
	// calling thread's cancellation.
	h.m.Launch(context.WithoutCancel(ctx), child)
	return int64(child.Pid()), wasip.ErrnoSuccess
}

// procExec loads a binary from the guest namespace and replaces the calling
// process's image with it. On success it does not return: the guest stack is
// unwound and the new image starts from its entry point.
//
// argv and envv are packed NUL-separated string lists.
func (h *Host) procExec(ctx context.Context, args []uint64) (int64, wasip.Errno) {
	path, errno := h.readPath(uint32(args[0]), uint32(args[1]))
	if errno != wasip.ErrnoSuccess {
		return 0, errno
	}
	argv, errno := h.readStringList(uint32(args[2]), uint32(args[3]))
	if errno != wasip.ErrnoSuccess {
		return 0, errno
	}
	envv, errno := h.readStringList(uint32(args[4]), uint32(args[5]))
	if errno != wasip.ErrnoSuccess {
		return 0, errno
	}

	f, err := h.p.SysCtx().FS().RootFS().OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return 0, wasip.ToErrno(err)
	}
	binary, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return 0, wasip.ToErrno(err)
	}

	if serrno := h.m.Exec(ctx, h.p, binary, argv, envv); serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	panic(proc.ErrExecReplaced)
}

// readStringList decodes a packed NUL-separated string list. A zero-length
// buffer is an empty list.
func (h *Host) readStringList(ptr, length uint32) ([]string, wasip.Errno) {
	if length == 0 {
		return nil, wasip.ErrnoSuccess
	}
	s, errno := h.readString(ptr, length)
	if errno != wasip.ErrnoSuccess {
		return nil, errno
	}
	return strings.Split(strings.TrimRight(s, "\x00"), "\x00"), wasip.ErrnoSuccess
}

// procWait reaps one terminated child. The status word written at statusPtr
// carries the exit code in its low byte, with bit 8 set when the child was
// terminated by a fault.
func (h *Host) procWait(ctx context.Context, args []uint64) (int64, wasip.Errno) {
	pid := uint32(args[0])
	statusPtr := uint32(args[1])

	// Validate the status slot up front: reaping is irrevocable, so a bad
	// pointer must not cost the caller the child's exit status.
	if _, ok := h.mem().ReadUint32Le(statusPtr); !ok {
		return 0, wasip.ErrnoFault
	}

	st, serrno := h.m.Wait(ctx, h.p, pid)
	if serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	status := st.ExitCode & 0xff
	if st.Signaled {
		status |= 0x100
	}
	if !h.mem().WriteUint32Le(statusPtr, status) {
		return 0, wasip.ErrnoFault
	}
	return int64(st.Pid), wasip.ErrnoSuccess
}
