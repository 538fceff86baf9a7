// Package proc emulates a process tree on top of single-binary sandboxes:
// fork duplicates a sandbox's linear memory and re-enters it, exec replaces
// the memory image in place, wait reaps terminated children.
package proc

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/procbox/procbox/api"
	"github.com/procbox/procbox/internal/mem"
	"github.com/procbox/procbox/internal/mmap"
	"github.com/procbox/procbox/internal/sys"
	"github.com/procbox/procbox/internal/thread"
)

// ErrExecReplaced unwinds a guest call stack whose process image was just
// replaced by exec. The run loop catches it and starts the new image.
var ErrExecReplaced = errors.New("process image replaced")

// Status is a process's lifecycle state.
type Status uint32

const (
	// StatusRunning means the process has live threads.
	StatusRunning Status = iota
	// StatusZombie means the process terminated but was not yet waited on.
	StatusZombie
	// StatusReaped means a parent collected the exit status.
	StatusReaped
)

// ExitStatus is what wait reports about a terminated child.
type ExitStatus struct {
	Pid      uint32
	ExitCode uint32
	// Signaled means the process was terminated by a fault rather than an
	// explicit exit.
	Signaled bool
}

// Process is one emulated process: a sandbox instance plus the bookkeeping
// that makes it addressable as a pid.
type Process struct {
	pid  uint32
	ppid uint32
	name string

	// sandboxID identifies the underlying sandbox across its whole life,
	// surviving exec.
	sandboxID uuid.UUID

	compiled api.CompiledModule
	instance api.Instance
	memory   *mem.Memory
	sysCtx   *sys.Context
	mappings *mmap.Table
	threads  *thread.Group
	main     *thread.Thread

	// pendingInstance and pendingMemory hold the replacement image staged by
	// exec until the run loop adopts it.
	pendingInstance api.Instance
	pendingMemory   *mem.Memory

	// terminating is set once exit has been requested; every thread observes
	// it at its next syscall and unwinds.
	terminating uint32
	pendingExit uint32

	children map[uint32]*Process

	// orphaned means the parent exited first; termination releases the
	// process record without a wait.
	orphaned bool

	status   Status
	exitCode uint32
	signaled bool
}

// Pid returns the process identifier.
func (p *Process) Pid() uint32 { return p.pid }

// Ppid returns the parent's pid, or zero for an orphan or the root process.
func (p *Process) Ppid() uint32 { return p.ppid }

// Name returns the process name, normally argv[0].
func (p *Process) Name() string { return p.name }

// SandboxID returns the sandbox identity, stable across exec.
func (p *Process) SandboxID() uuid.UUID { return p.sandboxID }

// Memory returns the process's linear memory.
func (p *Process) Memory() *mem.Memory { return p.memory }

// SysCtx returns the process's system context (args, environ, cwd, fds).
func (p *Process) SysCtx() *sys.Context { return p.sysCtx }

// Mappings returns the process's memory-mapping table.
func (p *Process) Mappings() *mmap.Table { return p.mappings }

// Threads returns the process's thread group.
func (p *Process) Threads() *thread.Group { return p.threads }

// Instance returns the currently executing sandbox instance.
func (p *Process) Instance() api.Instance { return p.instance }

// Terminating reports whether exit was requested. Syscall dispatch checks
// this on entry so every thread unwinds promptly.
func (p *Process) Terminating() bool {
	return atomic.LoadUint32(&p.terminating) != 0
}

// PendingExitCode returns the code exit was requested with.
func (p *Process) PendingExitCode() uint32 {
	return atomic.LoadUint32(&p.pendingExit)
}

func (p *Process) requestExit(exitCode uint32) bool {
	atomic.StoreUint32(&p.pendingExit, exitCode)
	return atomic.CompareAndSwapUint32(&p.terminating, 0, 1)
}
