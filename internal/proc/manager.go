package proc

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/procbox/procbox/api"
	"github.com/procbox/procbox/internal/mem"
	"github.com/procbox/procbox/internal/mmap"
	internalsys "github.com/procbox/procbox/internal/sys"
	"github.com/procbox/procbox/internal/thread"
	"github.com/procbox/procbox/sys"
)

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

// Manager owns the process table. All pid allocation, parent/child linkage
// and zombie reaping go through it.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	procs   map[uint32]*Process
	nextPid uint32

	loader api.ModuleLoader
	// syscaller builds the host syscall surface bound to one process; the
	// dispatcher provides it so this package stays engine-agnostic.
	syscaller  func(*Process) api.Syscaller
	maxThreads int

	log zerolog.Logger
}

// NewManager returns a Manager compiling binaries with loader and binding
// instances to syscaller. maxThreads bounds each process's thread count,
// zero meaning unbounded.
func NewManager(loader api.ModuleLoader, syscaller func(*Process) api.Syscaller, maxThreads int, log zerolog.Logger) *Manager {
	m := &Manager{
		procs:      map[uint32]*Process{},
		nextPid:    1,
		loader:     loader,
		syscaller:  syscaller,
		maxThreads: maxThreads,
		log:        log,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetSyscaller installs the syscall surface factory. It exists to break the
// construction cycle between the manager and the dispatcher and must be
// called before any process starts.
func (m *Manager) SetSyscaller(f func(*Process) api.Syscaller) {
	m.syscaller = f
}

// Lookup returns the live or zombie process with the given pid.
func (m *Manager) Lookup(pid uint32) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	return p, ok
}

// StartProcess compiles binary, builds the root process around it and starts
// its run loop. The returned process has no parent; collect it with
// AwaitExit.
func (m *Manager) StartProcess(ctx context.Context, name string, binary []byte, sysCtx *internalsys.Context) (*Process, error) {
	if !bytes.HasPrefix(binary, wasmMagic) {
		return nil, syscall.ENOEXEC
	}
	compiled, err := m.loader(binary)
	if err != nil {
		return nil, err
	}
	memory := mem.New(compiled.MinMemoryPages(), compiled.MaxMemoryPages())

	p := &Process{
		name:      name,
		sandboxID: uuid.New(),
		compiled:  compiled,
		memory:    memory,
		sysCtx:    sysCtx,
		mappings:  mmap.NewTable(),
		threads:   thread.NewGroup(m.maxThreads),
		children:  map[uint32]*Process{},
	}
	instance, err := compiled.Instantiate(ctx, memory, m.syscaller(p))
	if err != nil {
		return nil, err
	}
	p.instance = instance

	m.mu.Lock()
	p.pid = m.nextPid
	m.nextPid++
	m.procs[p.pid] = p
	m.mu.Unlock()

	m.log.Debug().Uint32("pid", p.pid).Str("sandbox", p.sandboxID.String()).
		Str("name", name).Msg("process started")
	m.launch(ctx, p, false)
	return p, nil
}

// Fork duplicates parent into a new process sharing its open file state but
// owning a copy of its linear memory. The child is registered but not yet
// running; the caller adjusts the child's memory image (the fork return
// value) and then calls Launch.
func (m *Manager) Fork(ctx context.Context, parent *Process) (*Process, syscall.Errno) {
	childMem := mem.NewFromSnapshot(parent.memory.Snapshot(), parent.memory.Max())

	child := &Process{
		ppid:      parent.pid,
		name:      parent.name,
		sandboxID: uuid.New(),
		compiled:  parent.compiled,
		memory:    childMem,
		sysCtx:    parent.sysCtx.Fork(),
		mappings:  parent.mappings.Fork(),
		threads:   thread.NewGroup(m.maxThreads),
		children:  map[uint32]*Process{},
	}
	instance, err := parent.compiled.Instantiate(ctx, childMem, m.syscaller(child))
	if err != nil {
		child.mappings.CloseAll(childMem)
		_ = child.sysCtx.FS().Close()
		return nil, syscall.EAGAIN
	}
	child.instance = instance

	m.mu.Lock()
	child.pid = m.nextPid
	m.nextPid++
	m.procs[child.pid] = child
	parent.children[child.pid] = child
	m.mu.Unlock()

	m.log.Debug().Uint32("pid", child.pid).Uint32("ppid", parent.pid).
		Str("sandbox", child.sandboxID.String()).Msg("process forked")
	return child, 0
}

// Launch starts a forked child's run loop. Execution resumes at the point
// captured in the copied memory image, where the fork call returns zero.
func (m *Manager) Launch(ctx context.Context, child *Process) {
	m.launch(ctx, child, true)
}

func (m *Manager) launch(ctx context.Context, p *Process, resume bool) {
	main, tctx := p.threads.Main(ctx)
	p.main = main
	tctx = thread.WithContext(tctx, main)
	go m.run(tctx, p, resume)
}

// Exec stages a replacement image for p. On success the caller must unwind
// the guest stack with ErrExecReplaced; the run loop then adopts the staged
// image and starts it from its entry point.
//
// The process keeps its pid, its sandbox identity and every descriptor not
// marked close-on-exec. Arguments and environment are replaced wholesale:
// nothing of the old environment survives unless passed in environ.
func (m *Manager) Exec(ctx context.Context, p *Process, binary []byte, args, environ []string) syscall.Errno {
	if !bytes.HasPrefix(binary, wasmMagic) {
		return syscall.ENOEXEC
	}
	compiled, err := m.loader(binary)
	if err != nil {
		return syscall.ENOEXEC
	}

	// Build the replacement image before touching any process state: a
	// failure from here on must return to the caller with the process
	// exactly as it was.
	memory := mem.New(compiled.MinMemoryPages(), compiled.MaxMemoryPages())
	instance, err := compiled.Instantiate(ctx, memory, m.syscaller(p))
	if err != nil {
		return syscall.ENOEXEC
	}

	// Exec is single-threaded by definition: every sibling of the calling
	// thread is torn down before the image is replaced. Siblings observe
	// their cancellation at their next syscall dispatch. The wait itself is
	// interruptible so two threads exec'ing at once cancel each other out
	// instead of deadlocking.
	cur := thread.FromContext(ctx)
	p.threads.CancelOthers(cur)
	if err := p.threads.WaitOthers(ctx, cur); err != nil {
		_ = instance.Close(ctx)
		return syscall.EINTR
	}

	// Flush file-backed mappings against the old image, then drop them.
	p.mappings.CloseAll(p.memory)
	p.mappings = mmap.NewTable()

	p.sysCtx.Exec(args, environ)
	p.sysCtx.FS().PruneCloseOnExec()

	m.mu.Lock()
	if len(args) > 0 {
		p.name = args[0]
	}
	p.compiled = compiled
	p.pendingInstance = instance
	p.pendingMemory = memory
	m.mu.Unlock()

	m.log.Debug().Uint32("pid", p.pid).Str("sandbox", p.sandboxID.String()).
		Str("name", p.name).Msg("process image replaced")
	return 0
}

// RequestExit records an exit request for p so that all of its threads
// observe termination at their next syscall. It returns the exit error the
// calling thread must unwind with.
func (m *Manager) RequestExit(p *Process, exitCode uint32) *sys.ExitError {
	exitCode &= 0xff
	if p.requestExit(exitCode) {
		// The caller unwinds via the returned error; everyone else is
		// cancelled.
		p.threads.CancelOthers(nil)
	}
	return sys.NewExitError(p.name, exitCode)
}

// Wait blocks until a child of parent terminates and reaps it. pid zero
// waits for any child; a nonzero pid waits for that child only. With no
// matching child it fails with ECHILD, and a canceled context interrupts the
// wait with EINTR.
func (m *Manager) Wait(ctx context.Context, parent *Process, pid uint32) (ExitStatus, syscall.Errno) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if pid != 0 {
			c, ok := parent.children[pid]
			if !ok {
				return ExitStatus{}, syscall.ECHILD
			}
			if c.status == StatusZombie {
				return m.reapLocked(parent, c), 0
			}
		} else {
			if len(parent.children) == 0 {
				return ExitStatus{}, syscall.ECHILD
			}
			for _, c := range parent.children {
				if c.status == StatusZombie {
					return m.reapLocked(parent, c), 0
				}
			}
		}
		if ctx.Err() != nil {
			return ExitStatus{}, syscall.EINTR
		}
		m.cond.Wait()
	}
}

// AwaitExit blocks until the parentless process p terminates and collects
// its exit status.
func (m *Manager) AwaitExit(ctx context.Context, p *Process) (ExitStatus, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for p.status != StatusZombie {
		if ctx.Err() != nil {
			return ExitStatus{}, ctx.Err()
		}
		m.cond.Wait()
	}
	p.status = StatusReaped
	delete(m.procs, p.pid)
	return ExitStatus{Pid: p.pid, ExitCode: p.exitCode, Signaled: p.signaled}, nil
}

func (m *Manager) reapLocked(parent, c *Process) ExitStatus {
	c.status = StatusReaped
	delete(parent.children, c.pid)
	delete(m.procs, c.pid)
	return ExitStatus{Pid: c.pid, ExitCode: c.exitCode, Signaled: c.signaled}
}

// run drives one process from entry to zombie.
func (m *Manager) run(ctx context.Context, p *Process, resume bool) {
	var err error
	if resume {
		err = p.instance.Resume(ctx)
	} else {
		err = p.instance.Start(ctx)
	}
	for errors.Is(err, ErrExecReplaced) {
		old := p.instance
		m.mu.Lock()
		p.instance = p.pendingInstance
		p.memory = p.pendingMemory
		p.pendingInstance, p.pendingMemory = nil, nil
		m.mu.Unlock()
		_ = old.Close(ctx)
		// The thread survives into the new program, its old image's
		// thread-local values and errno do not.
		p.main.Reset()
		err = p.instance.Start(ctx)
	}
	m.finalize(ctx, p, err)
}

// finalize tears the process down: sibling threads are cancelled and
// awaited, mappings flushed, descriptors closed, and the process becomes a
// zombie holding only its exit status.
func (m *Manager) finalize(ctx context.Context, p *Process, err error) {
	exitCode := uint32(0)
	signaled := false
	var ee *sys.ExitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		exitCode = ee.ExitCode() & 0xff
	default:
		exitCode = sys.FaultExitCode
		signaled = true
		m.log.Warn().Err(err).Uint32("pid", p.pid).Msg("process faulted")
	}

	p.requestExit(exitCode)
	p.threads.CancelOthers(p.main)
	_ = p.threads.WaitOthers(context.Background(), p.main)
	p.threads.Finish(p.main, err)

	p.mappings.CloseAll(p.memory)
	_ = p.sysCtx.FS().Close()
	_ = p.instance.Close(ctx)

	m.mu.Lock()
	if p.orphaned {
		// Nobody can wait for an orphan; release it outright.
		p.status = StatusReaped
		delete(m.procs, p.pid)
	} else {
		p.status = StatusZombie
	}
	p.exitCode = exitCode
	p.signaled = signaled
	// Children lose their parent: nobody will wait for them, so terminated
	// ones are released immediately and the rest release themselves when
	// they terminate.
	for _, c := range p.children {
		c.ppid = 0
		c.orphaned = true
		if c.status == StatusZombie {
			c.status = StatusReaped
			delete(m.procs, c.pid)
		}
	}
	p.children = map[uint32]*Process{}
	m.cond.Broadcast()
	m.mu.Unlock()

	m.log.Debug().Uint32("pid", p.pid).Uint32("exit_code", exitCode).
		Bool("signaled", signaled).Msg("process terminated")
}
