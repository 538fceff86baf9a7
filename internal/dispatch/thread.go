package dispatch

import (
	"context"

	"github.com/procbox/procbox/internal/thread"
	"github.com/procbox/procbox/internal/wasip"
)

// threadSpawn starts a new guest thread running the module's thread entry
// with the given function index and argument, and returns its tid. The new
// thread shares the process's linear memory and descriptor table but gets
// its own errno cell and thread-local slots.
func (h *Host) threadSpawn(ctx context.Context, args []uint64) (int64, wasip.Errno) {
	entry, arg := uint32(args[0]), uint32(args[1])
	inst := h.p.Instance()

	// The new thread's lifetime is the process's, not the spawning
	// syscall's.
	var spawned *thread.Thread
	start := make(chan struct{})
	t, serrno := h.p.Threads().Spawn(context.WithoutCancel(ctx), func(tctx context.Context) error {
		<-start
		return inst.InvokeThread(thread.WithContext(tctx, spawned), entry, arg)
	})
	if serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	spawned = t
	close(start)
	return int64(t.ID()), wasip.ErrnoSuccess
}

func (h *Host) threadJoin(ctx context.Context, args []uint64) (int64, wasip.Errno) {
	if _, serrno := h.p.Threads().Join(ctx, uint32(args[0])); serrno != 0 {
		return 0, wasip.ToErrno(serrno)
	}
	return 0, wasip.ErrnoSuccess
}

func (h *Host) tlsKeyCreate() (int64, wasip.Errno) {
	return int64(h.p.Threads().CreateTLSKey()), wasip.ErrnoSuccess
}

// tlsGet writes the calling thread's value for the slot key at valuePtr. The
// value goes through memory rather than the return register so the full
// 64-bit range stays distinguishable from errors.
func (h *Host) tlsGet(t *thread.Thread, args []uint64) (int64, wasip.Errno) {
	key, valuePtr := uint32(args[0]), uint32(args[1])
	if t == nil || !h.p.Threads().ValidTLSKey(key) {
		return 0, wasip.ErrnoInval
	}
	if !h.mem().WriteUint64Le(valuePtr, t.TLSGet(key)) {
		return 0, wasip.ErrnoFault
	}
	return 0, wasip.ErrnoSuccess
}

func (h *Host) tlsSet(t *thread.Thread, args []uint64) (int64, wasip.Errno) {
	key := uint32(args[0])
	if t == nil || !h.p.Threads().ValidTLSKey(key) {
		return 0, wasip.ErrnoInval
	}
	t.TLSSet(key, args[1])
	return 0, wasip.ErrnoSuccess
}

func (h *Host) errnoGet(t *thread.Thread) (int64, wasip.Errno) {
	if t == nil {
		return 0, wasip.ErrnoInval
	}
	return int64(t.Errno()), wasip.ErrnoSuccess
}

func (h *Host) errnoSet(t *thread.Thread, args []uint64) (int64, wasip.Errno) {
	if t == nil {
		return 0, wasip.ErrnoInval
	}
	t.SetErrno(uint32(args[0]))
	return 0, wasip.ErrnoSuccess
}
