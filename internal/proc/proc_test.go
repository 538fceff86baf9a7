package proc_test

import (
	"context"
	"errors"
	"os"
	"path"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procbox/procbox/api"
	"github.com/procbox/procbox/internal/enginetest"
	"github.com/procbox/procbox/internal/proc"
	internalsys "github.com/procbox/procbox/internal/sys"
	"github.com/procbox/procbox/internal/sysfs"
	"github.com/procbox/procbox/sys"
)

// hostFunc adapts a closure to the syscall surface, letting each test wire
// exactly the host behavior it needs.
type hostFunc func(ctx context.Context, num uint32, args []uint64) int64

func (f hostFunc) Syscall(ctx context.Context, num uint32, args []uint64) int64 {
	return f(ctx, num, args)
}

// Test-local syscall numbers, interpreted by the per-test host closures.
const (
	callFork = iota + 1
	callWait
	callExec
	callExit
	callReport
)

func emptyRootFS(t *testing.T) sysfs.FS {
	t.Helper()
	rootFS, err := sysfs.NewRootFS()
	require.NoError(t, err)
	return rootFS
}

func newSysCtx(t *testing.T, args, environ []string, rootFS sysfs.FS) *internalsys.Context {
	t.Helper()
	c, err := internalsys.NewContext(args, environ, "/", nil, nil, nil, nil, nil, rootFS)
	require.NoError(t, err)
	return c
}

func noSyscalls(*proc.Process) api.Syscaller {
	return hostFunc(func(context.Context, uint32, []uint64) int64 { return -1 })
}

func TestStartProcess_ExitCode(t *testing.T) {
	reg := enginetest.NewRegistry()
	bin := reg.Register(&enginetest.Program{
		Name: "exit7",
		Main: func(context.Context, *enginetest.Module) error {
			panic(sys.NewExitError("exit7", 7))
		},
	})

	m := proc.NewManager(reg.Loader(), noSyscalls, 0, zerolog.Nop())
	p, err := m.StartProcess(context.Background(), "exit7", bin, newSysCtx(t, nil, nil, emptyRootFS(t)))
	require.NoError(t, err)

	st, err := m.AwaitExit(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, uint32(7), st.ExitCode)
	require.False(t, st.Signaled)

	// Reaped: no longer addressable.
	_, ok := m.Lookup(p.Pid())
	require.False(t, ok)
}

func TestStartProcess_BadMagic(t *testing.T) {
	reg := enginetest.NewRegistry()
	m := proc.NewManager(reg.Loader(), noSyscalls, 0, zerolog.Nop())
	_, err := m.StartProcess(context.Background(), "bad", []byte("#!/bin/sh"), newSysCtx(t, nil, nil, emptyRootFS(t)))
	require.ErrorIs(t, err, syscall.ENOEXEC)
}

func TestFault_ExitCode(t *testing.T) {
	reg := enginetest.NewRegistry()
	bin := reg.Register(&enginetest.Program{
		Name: "crash",
		Main: func(context.Context, *enginetest.Module) error {
			return errors.New("unreachable executed")
		},
	})

	m := proc.NewManager(reg.Loader(), noSyscalls, 0, zerolog.Nop())
	p, err := m.StartProcess(context.Background(), "crash", bin, newSysCtx(t, nil, nil, emptyRootFS(t)))
	require.NoError(t, err)

	st, err := m.AwaitExit(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, sys.FaultExitCode, st.ExitCode)
	require.True(t, st.Signaled)
}

// TestFork_MemoryIsolation forks a process and has parent and child write
// the same address: each must keep seeing only its own value. The child also
// verifies that its copy carried the parent's pre-fork write and that its
// fork return slot reads zero while the parent's holds the child pid.
func TestFork_MemoryIsolation(t *testing.T) {
	const (
		flagAddr = 0 // parent writes 0xAA before forking
		pidAddr  = 8 // fork return value slot
	)
	var m *proc.Manager

	// Program bodies run on the process's own goroutine, so they report
	// failures with assert, which is goroutine-safe, rather than require.
	reg := enginetest.NewRegistry()
	bin := reg.Register(&enginetest.Program{
		Name: "forker",
		Main: func(ctx context.Context, mod *enginetest.Module) error {
			assert.True(t, mod.Memory.WriteByte(flagAddr, 0xAA))
			childPid := mod.Syscall(ctx, callFork, pidAddr)
			assert.Positive(t, childPid)

			got, _ := mod.Memory.ReadUint32Le(pidAddr)
			assert.Equal(t, uint32(childPid), got)

			// Overwrite after the fork; the child's copy is unaffected.
			assert.True(t, mod.Memory.WriteByte(flagAddr, 0xCC))

			code := mod.Syscall(ctx, callWait, uint64(childPid))
			assert.Equal(t, int64(0), code)

			b, _ := mod.Memory.ReadByte(flagAddr)
			assert.Equal(t, byte(0xCC), b, "child write leaked into parent memory")
			return nil
		},
		OnResume: func(ctx context.Context, mod *enginetest.Module) error {
			b, _ := mod.Memory.ReadByte(flagAddr)
			assert.Equal(t, byte(0xAA), b, "pre-fork write missing from child copy")

			pid, _ := mod.Memory.ReadUint32Le(pidAddr)
			assert.Zero(t, pid, "fork must return zero in the child")

			mod.Memory.WriteByte(flagAddr, 0xBB)
			return nil
		},
	})

	syscaller := func(p *proc.Process) api.Syscaller {
		return hostFunc(func(ctx context.Context, num uint32, args []uint64) int64 {
			switch num {
			case callFork:
				child, errno := m.Fork(ctx, p)
				if errno != 0 {
					return -int64(errno)
				}
				pidPtr := uint32(args[0])
				// The child resumes with zero in the slot; the parent
				// continues with the child pid.
				child.Memory().WriteUint32Le(pidPtr, 0)
				p.Memory().WriteUint32Le(pidPtr, child.Pid())
				m.Launch(ctx, child)
				return int64(child.Pid())
			case callWait:
				st, errno := m.Wait(ctx, p, uint32(args[0]))
				if errno != 0 {
					return -int64(errno)
				}
				return int64(st.ExitCode)
			}
			return -int64(syscall.ENOSYS)
		})
	}

	m = proc.NewManager(reg.Loader(), syscaller, 0, zerolog.Nop())
	p, err := m.StartProcess(context.Background(), "forker", bin, newSysCtx(t, nil, nil, emptyRootFS(t)))
	require.NoError(t, err)

	st, err := m.AwaitExit(context.Background(), p)
	require.NoError(t, err)
	require.Zero(t, st.ExitCode)
}

// TestFork_SharedDescriptorState checks that a forked child inherits the
// parent's descriptor table with shared open-file state: a read cursor
// advanced on one side is observed advanced on the other.
func TestFork_SharedDescriptorState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(path.Join(dir, "data.txt"), []byte("abcdef"), 0o600))

	// The parent program stays alive until the test finished its checks, so
	// the child is forked from a running process.
	release := make(chan struct{})
	reg := enginetest.NewRegistry()
	bin := reg.Register(&enginetest.Program{
		Name: "noop",
		Main: func(context.Context, *enginetest.Module) error {
			<-release
			return nil
		},
	})
	m := proc.NewManager(reg.Loader(), noSyscalls, 0, zerolog.Nop())

	sysCtx := newSysCtx(t, nil, nil, sysfs.NewDirFS(dir, "/"))
	fd, errno := sysCtx.FS().OpenFile("/data.txt", os.O_RDONLY, 0)
	require.Zero(t, errno)

	p, err := m.StartProcess(context.Background(), "noop", bin, sysCtx)
	require.NoError(t, err)
	child, errno := m.Fork(context.Background(), p)
	require.Zero(t, errno)

	pe, ok := p.SysCtx().FS().LookupFile(fd)
	require.True(t, ok)
	ce, ok := child.SysCtx().FS().LookupFile(fd)
	require.True(t, ok)

	buf := make([]byte, 3)
	n, errno := pe.File.Read(buf)
	require.Zero(t, errno)
	require.Equal(t, "abc", string(buf[:n]))

	// Child reads continue where the parent stopped.
	n, errno = ce.File.Read(buf)
	require.Zero(t, errno)
	require.Equal(t, "def", string(buf[:n]))

	m.Launch(context.Background(), child) // resumes, but noop has no OnResume: faults
	_, errno = m.Wait(context.Background(), p, child.Pid())
	require.Zero(t, errno)

	close(release)
	st, err := m.AwaitExit(context.Background(), p)
	require.NoError(t, err)
	require.Zero(t, st.ExitCode)
}

// TestExec_ReplacesImageKeepsDescriptors execs from one program into another
// and checks the POSIX contract: pid and non-close-on-exec descriptors
// survive, close-on-exec descriptors and the old environment do not.
func TestExec_ReplacesImageKeepsDescriptors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(path.Join(dir, "keep.txt"), []byte("k"), 0o600))
	require.NoError(t, os.WriteFile(path.Join(dir, "temp.txt"), []byte("t"), 0o600))

	var m *proc.Manager
	report := make(chan []uint64, 1)

	reg := enginetest.NewRegistry()
	secondBin := reg.Register(&enginetest.Program{
		Name: "second",
		Main: func(ctx context.Context, mod *enginetest.Module) error {
			mod.Syscall(ctx, callReport)
			return nil
		},
	})
	firstBin := reg.Register(&enginetest.Program{
		Name: "first",
		Main: func(ctx context.Context, mod *enginetest.Module) error {
			mod.Syscall(ctx, callExec)
			return errors.New("exec returned")
		},
	})

	var keepFd, tempFd int32
	syscaller := func(p *proc.Process) api.Syscaller {
		return hostFunc(func(ctx context.Context, num uint32, args []uint64) int64 {
			switch num {
			case callExec:
				errno := m.Exec(ctx, p, secondBin, []string{"second", "arg"}, []string{"NEW=1"})
				if errno != 0 {
					return -int64(errno)
				}
				panic(proc.ErrExecReplaced)
			case callReport:
				_, keepOk := p.SysCtx().FS().LookupFile(keepFd)
				_, tempOk := p.SysCtx().FS().LookupFile(tempFd)
				report <- []uint64{b2u(keepOk), b2u(tempOk), uint64(len(p.SysCtx().Environ())), uint64(p.Pid())}
				return 0
			}
			return -int64(syscall.ENOSYS)
		})
	}

	m = proc.NewManager(reg.Loader(), syscaller, 0, zerolog.Nop())
	sysCtx := newSysCtx(t, []string{"first"}, []string{"OLD=1", "OLDER=2"}, sysfs.NewDirFS(dir, "/"))

	var errno syscall.Errno
	keepFd, errno = sysCtx.FS().OpenFile("/keep.txt", os.O_RDONLY, 0)
	require.Zero(t, errno)
	tempFd, errno = sysCtx.FS().OpenFile("/temp.txt", os.O_RDONLY, 0)
	require.Zero(t, errno)
	require.Zero(t, sysCtx.FS().SetFlags(tempFd, true, false))

	p, err := m.StartProcess(context.Background(), "first", firstBin, sysCtx)
	require.NoError(t, err)

	st, err := m.AwaitExit(context.Background(), p)
	require.NoError(t, err)
	require.Zero(t, st.ExitCode)

	got := <-report
	require.Equal(t, uint64(1), got[0], "non-cloexec descriptor lost across exec")
	require.Equal(t, uint64(0), got[1], "cloexec descriptor survived exec")
	require.Equal(t, uint64(1), got[2], "old environment leaked across exec")
	require.Equal(t, uint64(p.Pid()), got[3], "pid changed across exec")

	require.Equal(t, []string{"second", "arg"}, p.SysCtx().Args())
	require.Equal(t, []string{"NEW=1"}, p.SysCtx().Environ())
}

// TestExec_InstantiateFailureLeavesProcessIntact execs a binary that compiles
// but cannot be instantiated: the call must fail with the process exactly as
// it was, argv, environment and close-on-exec descriptors included.
func TestExec_InstantiateFailureLeavesProcessIntact(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(path.Join(dir, "f.txt"), []byte("f"), 0o600))

	release := make(chan struct{})
	reg := enginetest.NewRegistry()
	brokenBin := reg.Register(&enginetest.Program{
		Name:           "broken",
		InstantiateErr: errors.New("import mismatch"),
	})
	bin := reg.Register(&enginetest.Program{
		Name: "holder",
		Main: func(context.Context, *enginetest.Module) error {
			<-release
			return nil
		},
	})

	m := proc.NewManager(reg.Loader(), noSyscalls, 0, zerolog.Nop())
	sysCtx := newSysCtx(t, []string{"holder"}, []string{"OLD=1"}, sysfs.NewDirFS(dir, "/"))

	fd, errno := sysCtx.FS().OpenFile("/f.txt", os.O_RDONLY, 0)
	require.Zero(t, errno)
	require.Zero(t, sysCtx.FS().SetFlags(fd, true, false))

	p, err := m.StartProcess(context.Background(), "holder", bin, sysCtx)
	require.NoError(t, err)

	errno = m.Exec(context.Background(), p, brokenBin, []string{"broken"}, []string{"NEW=1"})
	require.Equal(t, syscall.ENOEXEC, errno)

	require.Equal(t, []string{"holder"}, p.SysCtx().Args())
	require.Equal(t, []string{"OLD=1"}, p.SysCtx().Environ())
	_, ok := p.SysCtx().FS().LookupFile(fd)
	require.True(t, ok, "close-on-exec descriptor pruned by a failed exec")
	require.Equal(t, "holder", p.Name())

	close(release)
	st, err := m.AwaitExit(context.Background(), p)
	require.NoError(t, err)
	require.Zero(t, st.ExitCode)
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func TestWait_Errors(t *testing.T) {
	release := make(chan struct{})
	reg := enginetest.NewRegistry()
	bin := reg.Register(&enginetest.Program{
		Name: "idle",
		Main: func(context.Context, *enginetest.Module) error {
			<-release
			return nil
		},
	})
	m := proc.NewManager(reg.Loader(), noSyscalls, 0, zerolog.Nop())
	p, err := m.StartProcess(context.Background(), "idle", bin, newSysCtx(t, nil, nil, emptyRootFS(t)))
	require.NoError(t, err)

	// No children at all.
	_, errno := m.Wait(context.Background(), p, 0)
	require.Equal(t, syscall.ECHILD, errno)

	// Unknown pid.
	_, errno = m.Wait(context.Background(), p, 999)
	require.Equal(t, syscall.ECHILD, errno)

	// A running child: a canceled context interrupts the wait.
	child, errno := m.Fork(context.Background(), p)
	require.Zero(t, errno)
	wctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, errno = m.Wait(wctx, p, child.Pid())
	require.Equal(t, syscall.EINTR, errno)

	m.Launch(context.Background(), child) // no OnResume: child faults
	st, errno := m.Wait(context.Background(), p, child.Pid())
	require.Zero(t, errno)
	require.Equal(t, sys.FaultExitCode, st.ExitCode)
	require.True(t, st.Signaled)

	close(release)
	_, err = m.AwaitExit(context.Background(), p)
	require.NoError(t, err)
}

func TestOrphan_ReleasedWithoutWait(t *testing.T) {
	reg := enginetest.NewRegistry()
	parentRelease := make(chan struct{})
	childRelease := make(chan struct{})
	bin := reg.Register(&enginetest.Program{
		Name: "parent",
		Main: func(context.Context, *enginetest.Module) error {
			<-parentRelease
			return nil
		},
		OnResume: func(context.Context, *enginetest.Module) error {
			<-childRelease
			return nil
		},
	})
	m := proc.NewManager(reg.Loader(), noSyscalls, 0, zerolog.Nop())
	p, err := m.StartProcess(context.Background(), "parent", bin, newSysCtx(t, nil, nil, emptyRootFS(t)))
	require.NoError(t, err)

	child, errno := m.Fork(context.Background(), p)
	require.Zero(t, errno)
	m.Launch(context.Background(), child)

	// Parent exits first without waiting; the child becomes an orphan.
	close(parentRelease)
	_, err = m.AwaitExit(context.Background(), p)
	require.NoError(t, err)

	close(childRelease)
	require.Eventually(t, func() bool {
		_, ok := m.Lookup(child.Pid())
		return !ok
	}, 5*time.Second, time.Millisecond)
}
